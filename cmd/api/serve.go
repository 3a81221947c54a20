package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httptransport "github.com/spec-kit/as-dispatch/internal/api/http"
	"github.com/spec-kit/as-dispatch/internal/api/http/handlers"
	"github.com/spec-kit/as-dispatch/internal/api/ws"
	"github.com/spec-kit/as-dispatch/internal/auth"
	"github.com/spec-kit/as-dispatch/internal/events"
	"github.com/spec-kit/as-dispatch/internal/hub"
	"github.com/spec-kit/as-dispatch/internal/observability"
	"github.com/spec-kit/as-dispatch/internal/registry"
	"github.com/spec-kit/as-dispatch/internal/search"
	"github.com/spec-kit/as-dispatch/internal/storage"
	"github.com/spec-kit/as-dispatch/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	d, err := loadDeps(ctx, false)
	if err != nil {
		return err
	}
	defer d.Close()
	cfg, logger := d.cfg, d.logger

	metrics := observability.NewMetrics()
	reg := registry.New(registry.Options{
		OutboxSize:   cfg.Hub.OutboxSize,
		PingInterval: cfg.Hub.PingInterval,
		Membership:   hub.Membership(d.store),
	}, logger.Named("registry"), metrics)
	defer reg.Close()

	dispatcher := events.NewInMemoryDispatcher(logger)
	dispatcher.SubscribeAll(events.AuditSubscriber(events.NewZapAuditWriter(logger)))

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Search.Enabled() {
		es, err := search.NewElasticClient(ctx, cfg.Search)
		if err != nil {
			logger.Warn("elasticsearch unavailable, audit index disabled", zap.Error(err))
		} else {
			indexer := search.NewAuditIndexer(es, cfg.Search.QueueSize, logger, metrics)
			dispatcher.SubscribeAll(events.AuditSubscriber(indexer))
			g.Go(func() error { return indexer.Run(gctx) })
		}
	}

	h := hub.New(d.store, reg, dispatcher, logger, metrics, hub.Options{TechnicianFeed: !cfg.Hub.TechnicianFeedOff})

	attachments, err := storage.NewAttachmentStore(cfg.Attachments, logger)
	if err != nil {
		return err
	}
	tokens := auth.NewTokenManager(cfg.Auth)

	app := fiber.New(httptransport.TrustProxies(fiber.Config{
		AppName:               cfg.App.Name,
		BodyLimit:             int(cfg.Attachments.MaxSizeBytes) + 1<<20,
		DisableStartupMessage: true,
	}, cfg.App.TrustedProxies))
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, d.pings),
		Requests:       handlers.NewRequestsHandler(h, attachments, cfg.Attachments.MaxSizeBytes),
		Dashboard:      handlers.NewDashboardHandler(h, reg, metrics),
		Socket:         ws.NewHandler(h, reg, cfg.Hub, logger),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
	})

	if cfg.Worker.Enabled {
		w := worker.NewProjectionWorker(d.store, cfg.Worker, logger, metrics)
		g.Go(func() error { return w.Run(gctx) })
	}

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.App.Addr()), zap.String("store", cfg.Store.Backend))
		return app.Listen(cfg.App.Addr())
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		reg.Close()
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
