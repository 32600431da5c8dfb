package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"libraai/internal/api"
	"libraai/internal/audit"
	"libraai/internal/circulation"
	"libraai/internal/config"
	"libraai/internal/events"
	"libraai/internal/reconcile"
	"libraai/internal/storage/memory"
	"libraai/internal/storage/postgres"
	"libraai/internal/telemetry"
)

// store is everything the service needs from persistence.
type store interface {
	circulation.LoanRepository
	circulation.ReservationRepository
	circulation.BookStore
	circulation.MemberStore
	circulation.PaymentStore
	audit.Source
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("circulation service stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("circulation service stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, cfg.ServiceName, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	var (
		st     store
		health api.Pinger
	)
	if cfg.UseMemoryStore {
		logger.Warn("using in-memory store, data is lost on restart")
		st = memory.NewStore()
	} else {
		pg, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.DatabaseWait, logger)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.MigrateOnStart {
			if err := postgres.Migrate(ctx, pg.DB(), "up"); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st, health = pg, pg
	}

	var publisher circulation.EventPublisher = events.NopPublisher{Logger: logger}
	if cfg.RabbitMQURL != "" {
		p, err := events.NewPublisher(cfg.RabbitMQURL, cfg.LoanEventsExchange, logger)
		if err != nil {
			logger.Warn("RabbitMQ unavailable, loan events will not be published", zap.Error(err))
		} else {
			defer p.Close()
			publisher = p
		}
	}

	reconcileOpts := []reconcile.Option{
		reconcile.WithPolicy(policy),
		reconcile.WithPublisher(publisher),
		reconcile.WithOverdueAccrual(cfg.ReconcileAccrueOverdue),
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		reconcileOpts = append(reconcileOpts, reconcile.WithLease(reconcile.NewRedisLease(rdb, "", cfg.ReconcileTimeout+time.Minute)))
	}

	svc := circulation.NewService(circulation.Stores{
		Loans:        st,
		Reservations: st,
		Books:        st,
		Members:      st,
	}, logger, circulation.WithPolicy(policy), circulation.WithPublisher(publisher))
	ledger := circulation.NewLedger(st, st, logger, circulation.WithLedgerPublisher(publisher))
	reconciler := reconcile.NewReconciler(st, logger, reconcileOpts...)

	auditor := audit.NewAuditor(logger)
	auditor.Register(audit.InvariantChecks(st, policy.MaxFinePerBook)...)

	scheduler := reconcile.NewScheduler(logger, cfg.ReconcileTimeout)
	jobs := []struct {
		name string
		spec string
		job  reconcile.Job
	}{
		{"reconcile_overdue", cfg.ReconcileSchedule, func(ctx context.Context) error {
			_, err := reconciler.Run(ctx)
			return err
		}},
		{"expire_reservations", cfg.ReservationExpirySchedule, func(ctx context.Context) error {
			_, err := svc.ExpireReservations(ctx)
			return err
		}},
		{"audit", cfg.AuditSchedule, func(ctx context.Context) error {
			_, err := auditor.Run(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if err := scheduler.AddJob(j.name, j.spec, j.job); err != nil {
			return err
		}
	}
	scheduler.Start()

	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: api.NewRouter(api.Deps{
			Circulation: circulation.NewHandler(svc, ledger, logger),
			Reconciler:  reconciler,
			Auditor:     auditor,
			Auth:        api.NewAuthenticator(cfg.JWTSecret, logger),
			Limiter:     api.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
			Health:      health,
			Logger:      logger,
			Timeout:     cfg.ReconcileTimeout,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting circulation service", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var errs []error
	select {
	case err := <-serverErr:
		if err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler shutdown: %w", err))
	}
	return errors.Join(errs...)
}
