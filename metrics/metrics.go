package metrics

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CheckInsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "challenge_checkins_total",
			Help: "Recorded check-ins by method",
		},
		[]string{"method"},
	)

	TokenRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "challenge_checkin_token_rejections_total",
			Help: "Rejected check-in token presentations by reason",
		},
		[]string{"reason"},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "challenge_transitions_total",
			Help: "Challenge status transitions",
		},
		[]string{"from", "to"},
	)

	FeeOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "challenge_fee_outcomes_total",
			Help: "Fee charge attempt outcomes by kind",
		},
		[]string{"kind", "outcome"},
	)

	SchedulerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "challenge_scheduler_runs_total",
			Help: "Scheduler job executions by job and result",
		},
		[]string{"job", "result"},
	)

	SchedulerRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "challenge_scheduler_run_duration_seconds",
			Help:    "Scheduler job duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	BrokerDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "challenge_events_dropped_total",
			Help: "Events dropped because the broker queue or a subscriber buffer was full",
		},
	)

	BrokerSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "challenge_event_subscribers",
			Help: "Active real-time subscribers",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CheckInsTotal,
		TokenRejectionsTotal,
		TransitionsTotal,
		FeeOutcomesTotal,
		SchedulerRunsTotal,
		SchedulerRunDuration,
		BrokerDroppedTotal,
		BrokerSubscribers,
	)
}

// Handler serves the Prometheus registry on a Fiber route.
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

// Timer measures a scheduler job.
type Timer struct {
	job   string
	start time.Time
}

func NewTimer(job string) *Timer {
	return &Timer{job: job, start: time.Now()}
}

// ObserveDuration records the elapsed time and the job result.
func (t *Timer) ObserveDuration(err error) {
	SchedulerRunDuration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	SchedulerRunsTotal.WithLabelValues(t.job, result).Inc()
}
