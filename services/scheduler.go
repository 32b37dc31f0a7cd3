// services/scheduler.go
package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"challenge-engine/logging"
	"challenge-engine/metrics"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

const (
	jobEvaluate     = "fee-evaluation"
	jobStartup      = "fee-evaluation-startup"
	jobNonceSweep   = "nonce-sweep"
	nonceRetention  = time.Hour
	defaultInterval = 30 * time.Minute
)

type SchedulerConfig struct {
	Interval           time.Duration
	StartupDelay       time.Duration
	NonceSweepInterval time.Duration
}

// CycleSummary is the outcome of one evaluate + retry cycle.
type CycleSummary struct {
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Evaluation EvaluationResult `json:"evaluation"`
	Retry      RetrySummary     `json:"retry"`
	Error      string           `json:"error,omitempty"`
}

type JobStatus struct {
	Name    string     `json:"name"`
	NextRun *time.Time `json:"next_run,omitempty"`
	LastRun *time.Time `json:"last_run,omitempty"`
}

type SchedulerStatus struct {
	Running     bool          `json:"running"`
	ActiveTasks int64         `json:"active_tasks"`
	Jobs        []JobStatus   `json:"jobs"`
	LastRun     *CycleSummary `json:"last_run,omitempty"`
}

// FeeScheduler periodically runs fee evaluation, the retry pass and nonce
// cleanup. It is constructed once and injected; Start and Stop are safe to
// call repeatedly.
type FeeScheduler struct {
	fees    *FeeService
	checkIn *CheckInService
	cfg     SchedulerConfig
	log     zerolog.Logger

	mu      sync.Mutex
	sched   gocron.Scheduler
	running bool
	cancel  context.CancelFunc

	active  atomic.Int64
	lastMu  sync.RWMutex
	lastRun *CycleSummary
}

func NewFeeScheduler(fees *FeeService, checkIn *CheckInService, cfg SchedulerConfig) *FeeScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.StartupDelay <= 0 {
		cfg.StartupDelay = 30 * time.Second
	}
	if cfg.NonceSweepInterval <= 0 {
		cfg.NonceSweepInterval = 15 * time.Minute
	}
	return &FeeScheduler{
		fees:    fees,
		checkIn: checkIn,
		cfg:     cfg,
		log:     logging.WithComponent("scheduler"),
	}
}

// Start registers the jobs and starts gocron. A second call is a no-op.
func (s *FeeScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())

	cycle := func() { s.track(jobEvaluate, func() error { _, err := s.runCycle(ctx); return err }) }
	sweep := func() { s.track(jobNonceSweep, func() error { _, err := s.sweepNonces(ctx); return err }) }

	jobs := []struct {
		def  gocron.JobDefinition
		name string
		task func()
	}{
		{gocron.DurationJob(s.cfg.Interval), jobEvaluate, cycle},
		{gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(s.cfg.StartupDelay))), jobStartup, cycle},
		{gocron.DurationJob(s.cfg.NonceSweepInterval), jobNonceSweep, sweep},
	}
	for _, j := range jobs {
		if _, err := sched.NewJob(j.def, gocron.NewTask(j.task),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			cancel()
			_ = sched.Shutdown()
			return err
		}
	}

	sched.Start()
	s.sched = sched
	s.cancel = cancel
	s.running = true
	s.log.Info().Dur("interval", s.cfg.Interval).Dur("startup_delay", s.cfg.StartupDelay).Msg("fee scheduler started")
	return nil
}

// Stop cancels in-flight work and shuts gocron down.
func (s *FeeScheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.cancel()
	err := s.sched.Shutdown()
	s.sched = nil
	s.running = false
	s.log.Info().Msg("fee scheduler stopped")
	return err
}

// RunNow runs one evaluate + retry cycle synchronously.
func (s *FeeScheduler) RunNow(ctx context.Context) (CycleSummary, error) {
	var sum CycleSummary
	err := s.track(jobEvaluate, func() error {
		var err error
		sum, err = s.runCycle(ctx)
		return err
	})
	return sum, err
}

// EvaluateChallenge evaluates a single challenge on demand.
func (s *FeeScheduler) EvaluateChallenge(ctx context.Context, challengeID string) (EvaluationResult, error) {
	var res EvaluationResult
	err := s.track("evaluate-challenge", func() error {
		var err error
		res, err = s.fees.EvaluateChallenge(ctx, challengeID)
		return err
	})
	return res, err
}

// RetryNow runs only the retry pass.
func (s *FeeScheduler) RetryNow(ctx context.Context) (RetrySummary, error) {
	var sum RetrySummary
	err := s.track("fee-retry", func() error {
		var err error
		sum, err = s.fees.RetryPending(ctx)
		return err
	})
	return sum, err
}

func (s *FeeScheduler) runCycle(ctx context.Context) (CycleSummary, error) {
	sum := CycleSummary{StartedAt: time.Now().UTC()}
	var errs []error

	eval, err := s.fees.EvaluateAll(ctx)
	sum.Evaluation = eval
	if err != nil {
		errs = append(errs, err)
	}
	retry, err := s.fees.RetryPending(ctx)
	sum.Retry = retry
	if err != nil {
		errs = append(errs, err)
	}

	sum.FinishedAt = time.Now().UTC()
	err = errors.Join(errs...)
	if err != nil {
		sum.Error = err.Error()
	}

	s.lastMu.Lock()
	s.lastRun = &sum
	s.lastMu.Unlock()
	return sum, err
}

func (s *FeeScheduler) sweepNonces(ctx context.Context) (int64, error) {
	n, err := s.checkIn.SweepNonces(ctx, nonceRetention)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Debug().Int64("deleted", n).Msg("expired check-in nonces removed")
	}
	return n, nil
}

// track counts the task as active and records its metrics and failures.
func (s *FeeScheduler) track(job string, fn func() error) error {
	s.active.Add(1)
	defer s.active.Add(-1)

	timer := metrics.NewTimer(job)
	err := fn()
	timer.ObserveDuration(err)
	if err != nil {
		s.log.Error().Err(err).Str("job", job).Msg("scheduled job failed")
	}
	return err
}

func (s *FeeScheduler) Status() SchedulerStatus {
	s.mu.Lock()
	st := SchedulerStatus{Running: s.running, ActiveTasks: s.active.Load(), Jobs: []JobStatus{}}
	if s.sched != nil {
		for _, j := range s.sched.Jobs() {
			js := JobStatus{Name: j.Name()}
			if t, err := j.NextRun(); err == nil && !t.IsZero() {
				js.NextRun = &t
			}
			if t, err := j.LastRun(); err == nil && !t.IsZero() {
				js.LastRun = &t
			}
			st.Jobs = append(st.Jobs, js)
		}
	}
	s.mu.Unlock()

	s.lastMu.RLock()
	if s.lastRun != nil {
		last := *s.lastRun
		st.LastRun = &last
	}
	s.lastMu.RUnlock()
	return st
}
