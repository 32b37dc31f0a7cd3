package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"challenge-engine/clock"
	"challenge-engine/config"
	"challenge-engine/events"
	"challenge-engine/handlers"
	"challenge-engine/logging"
	"challenge-engine/payments"
	"challenge-engine/repository"
	"challenge-engine/services"
	"challenge-engine/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "challenge-engine",
	Short: "Challenge lifecycle and fee enforcement service",
	Long: `challenge-engine runs scheduled 1v1 challenges from creation through
check-in to completion or cancellation, and charges late, no-show and
cancellation fees exactly once.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadEnvFile()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the fee scheduler and the player sync worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(logging.Config{Level: os.Getenv("LOG_LEVEL"), JSONOutput: strings.EqualFold(os.Getenv("LOG_JSON"), "true")})
		dsn := os.Getenv("DATABASE_URL")
		if dsn == "" {
			return fmt.Errorf("DATABASE_URL environment variable not set")
		}
		db, err := repository.Open(dsn)
		if err != nil {
			return err
		}
		if err := repository.Migrate(db); err != nil {
			return err
		}
		logging.Logger.Info().Msg("database migrated")
		return nil
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run one fee evaluation and retry cycle, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logging.Init(logging.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})

		db, err := repository.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		app := newEngine(cfg, db)
		app.broker.Start()
		defer app.broker.Stop()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		sum, err := app.scheduler.RunNow(ctx)
		logging.Logger.Info().
			Int("evaluated", sum.Evaluation.Evaluated).
			Int("assessed", sum.Evaluation.Assessed).
			Int("charged", sum.Evaluation.Charged+sum.Retry.Charged).
			Msg("evaluation cycle finished")
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(evaluateCmd)
}

// engine is the wired service graph.
type engine struct {
	db         *gorm.DB
	broker     *events.Broker
	challenges *services.ChallengeService
	checkIns   *services.CheckInService
	fees       *services.FeeService
	policies   *services.PolicyService
	scheduler  *services.FeeScheduler
	players    *repository.PlayerDirectory
}

func newEngine(cfg *config.Config, db *gorm.DB) *engine {
	clk := clock.NewSystem()
	broker := events.NewBroker(1024)

	challengeRepo := repository.NewChallengeRepository(db)
	checkInRepo := repository.NewCheckInRepository(db)
	feeRepo := repository.NewFeeRepository(db)
	nonceStore := repository.NewNonceStore(db)
	policyStore := repository.NewPolicyStore(db)
	players := repository.NewPlayerDirectory(db)

	var processor payments.Processor = payments.Unconfigured{}
	if cfg.StripeSecretKey != "" {
		processor = payments.NewStripeProcessor(cfg.StripeSecretKey)
	} else {
		logging.Logger.Warn().Msg("STRIPE_SECRET_KEY not set, fees will be assessed but not charged")
	}

	fees := services.NewFeeService(challengeRepo, checkInRepo, feeRepo, policyStore, players, processor, broker, clk,
		services.FeeServiceConfig{
			DefaultPolicy: cfg.DefaultPolicy,
			RetryLookback: cfg.FeeRetryLookback,
		})
	challenges := services.NewChallengeService(challengeRepo, checkInRepo, fees, broker, clk)
	checkIns := services.NewCheckInService(challenges, nonceStore, services.NewTokenSigner(cfg.CheckInSecret), clk, cfg.CheckInBaseURL)
	scheduler := services.NewFeeScheduler(fees, checkIns, services.SchedulerConfig{
		Interval:           cfg.SchedulerInterval,
		StartupDelay:       cfg.SchedulerStartDelay,
		NonceSweepInterval: cfg.NonceSweepInterval,
	})

	return &engine{
		db:         db,
		broker:     broker,
		challenges: challenges,
		checkIns:   checkIns,
		fees:       fees,
		policies:   services.NewPolicyService(policyStore, fees),
		scheduler:  scheduler,
		players:    players,
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})
	log := logging.WithComponent("main")

	db, err := repository.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if err := repository.Migrate(db); err != nil {
		return err
	}

	eng := newEngine(cfg, db)
	eng.broker.Start()
	defer eng.broker.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.scheduler.Start(); err != nil {
		return fmt.Errorf("start fee scheduler: %w", err)
	}
	defer func() {
		if err := eng.scheduler.Stop(); err != nil {
			log.Error().Err(err).Msg("fee scheduler shutdown failed")
		}
	}()

	if cfg.PlayerSyncURL != "" {
		workers.NewPlayerSyncWorker(eng.players, cfg.PlayerSyncURL, cfg.PlayerSyncPath, cfg.ServiceToken, cfg.PlayerSyncInterval).Start(ctx)
	} else {
		log.Warn().Msg("PLAYER_SYNC_URL not set, player mirror will not be refreshed")
	}

	app := fiber.New(fiber.Config{
		AppName:               "challenge-engine",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(requestLogger())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(cfg.AllowedOrigins, ","),
		AllowMethods:     "GET,POST,PUT,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-Service-Token",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	handlers.SetupRoutes(app, handlers.Deps{
		Challenges:   eng.challenges,
		CheckIns:     eng.checkIns,
		Fees:         eng.fees,
		Policies:     eng.policies,
		Scheduler:    eng.scheduler,
		Broker:       eng.broker,
		JWTSecret:    cfg.AuthJWTSecret,
		ServiceToken: cfg.ServiceToken,
		HealthCheck: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(":" + cfg.Port)
	}()
	log.Info().Str("port", cfg.Port).Strs("origins", cfg.AllowedOrigins).Msg("server running")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	return app.ShutdownWithTimeout(10 * time.Second)
}

// requestLogger writes one access log line per request through zerolog.
func requestLogger() fiber.Handler {
	log := logging.WithComponent("http")
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		evt := log.Info()
		if status >= fiber.StatusInternalServerError {
			evt = log.Error().Err(err)
		}
		evt.Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("ip", c.IP()).
			Msg("request")
		return err
	}
}
