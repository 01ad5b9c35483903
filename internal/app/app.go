// Package app wires the ordering service together: storage, the idempotent
// command dispatcher, the outbox publisher, the integration event consumer,
// and the HTTP API.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/foodcourt/ordering/internal/consumer"
	"github.com/foodcourt/ordering/internal/dispatch"
	"github.com/foodcourt/ordering/internal/domain/order"
	"github.com/foodcourt/ordering/internal/event"
	"github.com/foodcourt/ordering/internal/httpapi"
	"github.com/foodcourt/ordering/internal/outbox"
	"github.com/foodcourt/ordering/internal/postgres"
	"github.com/foodcourt/ordering/internal/rabbitmq"
	"github.com/foodcourt/ordering/pkg/health"
	"github.com/foodcourt/ordering/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the background workers and the HTTP
// server, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, _ *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Storage.
	store := postgres.NewStore(pool)
	outboxStore := postgres.NewOutboxStore(pool)

	// Command path: order service behind the idempotent dispatcher.
	orderService := order.NewService(store)
	seen := dispatch.NewSeenFilter(1_000_000, 0.001)
	dispatcher := dispatch.NewDispatcher(store, orderService, seen, lg)

	// Broker connections.
	broker, err := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.Queues.Outbound, lg)
	if err != nil {
		return errors.Wrap(err, "create broker publisher")
	}
	defer broker.Close()

	registry := event.NewRegistry()
	consumer.NewHandlers(dispatcher, lg).Register(registry)

	inbound, err := rabbitmq.NewConsumer(cfg.AMQPURL, cfg.Queues.Inbound, registry, lg)
	if err != nil {
		return errors.Wrap(err, "create broker consumer")
	}
	defer inbound.Close()

	relay := outbox.NewPublisher(outboxStore, broker, lg, cfg.Publisher.Interval, cfg.Publisher.Batch)

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// HTTP surface.
	api := httpapi.NewHandler(dispatcher, store)
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	api.Routes(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("ordering-api"),
			httpmiddleware.LogRequests(),
		),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := relay.Run(ctx); !errors.Is(err, context.Canceled) {
			return errors.Wrap(err, "outbox publisher")
		}
		return nil
	})
	g.Go(func() error {
		if err := inbound.Run(ctx); !errors.Is(err, context.Canceled) {
			return errors.Wrap(err, "event consumer")
		}
		return nil
	})

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	g.Go(func() error {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}
