package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/septivank/energy-metering-cache/internal/anomaly"
	"github.com/septivank/energy-metering-cache/internal/api"
	"github.com/septivank/energy-metering-cache/internal/config"
	"github.com/septivank/energy-metering-cache/internal/db"
	"github.com/septivank/energy-metering-cache/internal/ledger"
	"github.com/septivank/energy-metering-cache/internal/mq"
	"github.com/septivank/energy-metering-cache/internal/reconcile"
	"github.com/septivank/energy-metering-cache/internal/repository"
	"github.com/septivank/energy-metering-cache/internal/service"
	"github.com/septivank/energy-metering-cache/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// lockWait bounds how long a message waits for a management command
// holding the ingestion lock
const lockWait = 30 * time.Second

var errIngestionLocked = errors.New("ingestion lock is held by another process")

func startWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	led *ledger.Ledger,
	processor *service.ProcessorService,
) (*mq.Consumer, error) {
	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.OutcomeQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.OutcomeExchange,
		RoutingKey:       cfg.RabbitMQ.OutcomeRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		MessageProcessor: withIngestionLock(led, logger, processor.ProcessMessage),
	})
	if err != nil {
		cancel()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting outcome consumer",
				zap.String("queue", cfg.RabbitMQ.OutcomeQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return consumer, nil
}

// withIngestionLock serializes message processing with management commands
// that mutate the cache
func withIngestionLock(led *ledger.Ledger, logger *zap.Logger, next mq.MessageHandler) mq.MessageHandler {
	return func(ctx context.Context, body []byte) error {
		deadline := time.Now().Add(lockWait)
		for {
			acquired, err := led.TryAcquire(ctx)
			if err != nil {
				return err
			}
			if acquired {
				break
			}
			if time.Now().After(deadline) {
				return errIngestionLocked
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
		defer func() {
			if err := led.Release(context.Background()); err != nil {
				logger.Error("failed to release ingestion lock", zap.Error(err))
			}
		}()
		return next(ctx, body)
	}
}

// initLedger seeds the process keys and syncs the configured usage points
func initLedger(lc fx.Lifecycle, cfg *config.Config, led *ledger.Ledger, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := led.Init(ctx, cfg.Version, time.Now()); err != nil {
				return fmt.Errorf("failed to initialize ledger: %w", err)
			}
			if cfg.MeteringPointsFile == "" {
				logger.Info("no metering points file configured")
				return nil
			}

			points, err := config.LoadMeteringPoints(cfg.MeteringPointsFile)
			if err != nil {
				return err
			}
			for _, p := range points {
				if _, err := led.Sync(ctx, p); err != nil {
					return fmt.Errorf("failed to sync usage point %s: %w", p.ID, err)
				}
			}
			logger.Info("usage points synced",
				zap.String("file", cfg.MeteringPointsFile),
				zap.Int("count", len(points)))
			return nil
		},
	})
}

// ProvideRepository opens the store selected by STORE_DRIVER
func ProvideRepository(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*repository.Repository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pool, err := db.NewPool(lc, logger, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		return repository.NewPostgres(ctx, pool)
	default:
		sqlDB, err := db.NewSQLite(lc, logger, cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		return repository.NewSQLite(ctx, sqlDB)
	}
}

// ProvideLedger creates the usage point ledger
func ProvideLedger(repo *repository.Repository, cfg *config.Config, logger *zap.Logger) *ledger.Ledger {
	return ledger.New(repo, cfg.Cache.MaxCallPerDay, logger)
}

// ProvideRecorder creates the record state machine
func ProvideRecorder(repo *repository.Repository, cfg *config.Config, logger *zap.Logger) *service.Recorder {
	return service.NewRecorder(repo, cfg.Cache.MaxImportTry, logger)
}

// ProvideReconciler creates the gap reconciler
func ProvideReconciler(repo *repository.Repository, cfg *config.Config, logger *zap.Logger) *reconcile.Reconciler {
	return reconcile.NewReconciler(repo, cfg.Cache.DetailToleranceMinutes, cfg.Cache.LookbackDays, logger)
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.SpikeThreshold, cfg.Anomaly.MinDataPointsForDetection)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.TimestampToleranceMinutes)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the cache event publisher
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventExchange, cfg.RabbitMQ.EventRoutingPrefix, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideProcessorService creates a new processor service instance
func ProvideProcessorService(
	repo *repository.Repository,
	recorder *service.Recorder,
	led *ledger.Ledger,
	publisher *mq.Publisher,
	detector *anomaly.Detector,
	validator *validator.Validator,
	cfg *config.Config,
	logger *zap.Logger,
) *service.ProcessorService {
	return service.NewProcessorService(repo, recorder, led, publisher, detector, validator, cfg, logger)
}

// ProvideHealthChecks lists the dependencies reported by /healthz. The
// broker is only checked when the consumer runs.
func ProvideHealthChecks() map[string]api.HealthCheck {
	return map[string]api.HealthCheck{}
}

func addBrokerHealthCheck(checks map[string]api.HealthCheck, conn *mq.Connection) {
	checks["rabbitmq"] = func(context.Context) error {
		if !conn.Healthy() {
			return errors.New("connection closed")
		}
		return nil
	}
}

// ProvideHandler creates the HTTP handler
func ProvideHandler(
	repo *repository.Repository,
	reconciler *reconcile.Reconciler,
	led *ledger.Ledger,
	checks map[string]api.HealthCheck,
	logger *zap.Logger,
) *api.Handler {
	return api.NewHandler(repo, reconciler, led, checks, logger)
}

// ProvideRouter creates the chi router
func ProvideRouter(h *api.Handler, logger *zap.Logger) *chi.Mux {
	return api.NewRouter(h, logger)
}

// ProvideHTTPServer binds the API to SERVICE_PORT
func ProvideHTTPServer(lc fx.Lifecycle, router *chi.Mux, cfg *config.Config, logger *zap.Logger) *http.Server {
	return api.NewServer(lc, router, cfg.HTTPPort, logger)
}

// consumerModule wires the AMQP side of the worker
func consumerModule(cfg *config.Config) fx.Option {
	if !cfg.RabbitMQ.Enabled {
		return fx.Invoke(func(logger *zap.Logger) {
			logger.Warn("rabbitmq disabled, serving the cache read-only")
		})
	}
	return fx.Options(
		fx.Provide(
			ProvideAnomalyDetector,
			ProvideValidator,
			ProvideMQConnection,
			ProvidePublisher,
			ProvideProcessorService,
		),
		fx.Invoke(addBrokerHealthCheck),
		fx.Invoke(startWorker),
	)
}
