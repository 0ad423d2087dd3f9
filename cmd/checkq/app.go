package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"github.com/phrazzld/checkq/internal/config"
	"github.com/phrazzld/checkq/internal/events"
	"github.com/phrazzld/checkq/internal/platform/kafka"
	"github.com/phrazzld/checkq/internal/platform/postgres"
	"github.com/phrazzld/checkq/internal/realtime"
	"github.com/phrazzld/checkq/internal/schedule"
	"github.com/phrazzld/checkq/internal/service"
	"github.com/phrazzld/checkq/internal/service/auth"
	"github.com/phrazzld/checkq/internal/service/billing"
	"github.com/phrazzld/checkq/internal/service/dispatch"
	"github.com/phrazzld/checkq/internal/service/negcache"
	"github.com/phrazzld/checkq/internal/service/session"
	"github.com/phrazzld/checkq/internal/store"
)

const purgeKey = "purge:negcache"

// stores groups the persistence the application runs on.
type stores struct {
	tasks       store.TaskStore
	sessions    store.SessionStore
	submissions store.SubmissionStore
	accounts    store.AccountStore
	prices      store.PriceStore
	cache       store.NegativeCacheStore
}

func postgresStores(db *sql.DB, log *slog.Logger) stores {
	return stores{
		tasks:       postgres.NewPostgresTaskStore(db, log),
		sessions:    postgres.NewPostgresSessionStore(db, log),
		submissions: postgres.NewPostgresSubmissionStore(db, log),
		accounts:    postgres.NewPostgresAccountStore(db, log),
		prices:      postgres.NewPostgresPriceStore(db),
		cache:       postgres.NewPostgresNegativeCacheStore(db),
	}
}

// application holds all the shared application dependencies to simplify
// management and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	jwtService   auth.JWTService
	checkService *service.CheckService

	scheduler *schedule.TimerScheduler
	emitter   *events.InMemoryEventEmitter
	hub       *realtime.Hub
	notifier  *realtime.Notifier
	signaler  dispatch.PoolSignaler

	// closers run in reverse order on cleanup.
	closers []func() error
	cancel  context.CancelFunc
}

// newApplication wires every component on top of st. db may be nil when
// the stores are not database backed; signaler may be nil to log pause
// signals only.
func newApplication(
	ctx context.Context,
	cfg *config.Config,
	log *slog.Logger,
	db *sql.DB,
	st stores,
	signaler dispatch.PoolSignaler,
) (*application, error) {
	runCtx, cancel := context.WithCancel(ctx)
	app := &application{
		config: cfg,
		logger: log,
		db:     db,
		cancel: cancel,
	}

	var err error
	app.jwtService, err = auth.NewJWTService(cfg.Auth)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}
	log.Info("JWT authentication service initialized",
		slog.Int("token_lifetime_minutes", cfg.Auth.TokenLifetimeMinutes),
		slog.Int("pool_token_lifetime_minutes", cfg.Auth.PoolTokenLifetimeMinutes))

	app.scheduler = schedule.NewTimerScheduler(runCtx, log)

	app.emitter = events.NewInMemoryEventEmitter(log)
	app.hub = realtime.NewHub(cfg.Realtime, log)
	app.emitter.RegisterHandler(app.hub)
	app.notifier = realtime.NewNotifier(app.scheduler, app.emitter, cfg.Realtime.Debounce(), log)

	if signaler == nil {
		signaler = dispatch.NewLogSignaler(log)
	}
	app.signaler = signaler

	aggregator := session.NewAggregator(st.tasks, st.sessions, nil, log)
	prices := billing.NewPriceResolver(st.prices, cfg.Billing.FallbackPrice)
	ledger, err := billing.NewLedger(billing.Config{
		Tasks:    st.tasks,
		Sessions: st.sessions,
		Accounts: st.accounts,
		Prices:   prices,
		Counter:  aggregator,
		Notifier: app.notifier,
		Logger:   log,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create billing ledger: %w", err)
	}

	limiter := dispatch.NewPoolLimiter(cfg.Dispatch.ClaimRatePerSecond, cfg.Dispatch.ClaimBurst)
	leases := dispatch.NewLeaseManager(st.tasks, st.accounts, cfg.Dispatch, limiter, nil, log)

	app.checkService, err = service.NewCheckService(service.Deps{
		Tasks:       st.tasks,
		Sessions:    st.sessions,
		Submissions: st.submissions,
		Accounts:    st.accounts,
		Leases:      leases,
		Ledger:      ledger,
		Prices:      prices,
		Aggregator:  aggregator,
		Cache:       negcache.New(st.cache, cfg.Cache, log),
		Notifier:    app.notifier,
		Scheduler:   app.scheduler,
		Signaler:    app.signaler,
		Dispatch:    cfg.Dispatch,
		Logger:      log,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create check service: %w", err)
	}

	if interval := cfg.Cache.PurgeInterval(); interval > 0 {
		app.schedulePurge(interval)
	}

	log.Info("Application initialized successfully",
		slog.String("default_pool", cfg.Dispatch.DefaultPool),
		slog.Bool("kafka_enabled", cfg.Kafka.Enabled()))
	return app, nil
}

// schedulePurge deletes expired negative cache entries every interval.
func (app *application) schedulePurge(interval time.Duration) {
	app.scheduler.Schedule(purgeKey, interval, func(ctx context.Context) {
		n, err := app.checkService.PurgeCache(ctx)
		if err != nil {
			app.logger.Warn("negative cache purge failed", slog.String("error", err.Error()))
		} else if n > 0 {
			app.logger.Info("negative cache purged", slog.Int64("deleted", n))
		}
		app.schedulePurge(interval)
	})
}

// newKafkaSignaler connects the pause signal producer, retrying while the
// brokers come up.
func newKafkaSignaler(ctx context.Context, cfg config.KafkaConfig, log *slog.Logger) (*kafka.Signaler, error) {
	var producer sarama.SyncProducer

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxElapsedTime = 30 * time.Second

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		p, err := kafka.NewProducer(cfg)
		if err != nil {
			if errors.Is(err, kafka.ErrNoBrokers) {
				return backoff.Permanent(err)
			}
			log.Warn("kafka producer not ready, retrying", slog.String("error", err.Error()))
			return err
		}
		producer = p
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect kafka producer: %w", err)
	}

	signaler, err := kafka.NewSignaler(producer, cfg.ControlTopic, log)
	if err != nil {
		_ = producer.Close()
		return nil, err
	}
	return signaler, nil
}

// addCloser registers fn to run on cleanup.
func (app *application) addCloser(fn func() error) {
	app.closers = append(app.closers, fn)
}

// cleanup handles graceful shutdown of application resources. Buffered
// realtime updates are flushed before the hub disconnects its clients.
func (app *application) cleanup(ctx context.Context) {
	app.notifier.Close(ctx)
	app.scheduler.Stop()
	app.hub.Close()
	app.cancel()

	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			app.logger.Error("Error during cleanup", slog.String("error", err.Error()))
		}
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("Error closing database connection", slog.String("error", err.Error()))
		}
	}

	app.logger.Info("Application shutdown completed")
}
