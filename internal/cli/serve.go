package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jensholdgaard/bidsync/internal/api"
	"github.com/jensholdgaard/bidsync/internal/bidding"
	"github.com/jensholdgaard/bidsync/internal/bot"
	"github.com/jensholdgaard/bidsync/internal/bot/commands"
	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/config"
	"github.com/jensholdgaard/bidsync/internal/feed"
	"github.com/jensholdgaard/bidsync/internal/health"
	"github.com/jensholdgaard/bidsync/internal/leader"
	"github.com/jensholdgaard/bidsync/internal/notify"
	"github.com/jensholdgaard/bidsync/internal/store"
	"github.com/jensholdgaard/bidsync/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/bidsync/internal/store/memstore"
	_ "github.com/jensholdgaard/bidsync/internal/store/postgres"
	_ "github.com/jensholdgaard/bidsync/internal/store/sqlite"
)

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bid API and change feed",
		Long: `Run the HTTP API, the change feed and the notification dispatcher.

With leader election enabled only the replica holding the lease accepts
bids; the others answer 503 and report not ready.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return runServe(ctx, cmd, cfg, opts.Version)
		},
	}
}

func runServe(ctx context.Context, cmd *cobra.Command, cfg *config.Config, version string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tp, err := telemetry.Setup(ctx, cfg.Telemetry, cmd.ErrOrStderr())
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()
	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	hub := feed.NewHub(cfg.Feed, tp.MeterProvider)
	dir := notify.NewStaticDirectory(cfg.Notify.Users)

	var sender notify.Sender
	if cfg.Notify.DiscordToken != "" {
		ds, err := notify.NewDiscordSender(cfg.Notify.DiscordToken)
		if err != nil {
			return fmt.Errorf("creating discord sender: %w", err)
		}
		sender = ds
	}
	disp := notify.NewDispatcher(cfg.Notify, repos.Notifications, hub, dir, sender,
		logger, tp.TracerProvider, tp.MeterProvider)

	mgrOpts := []bidding.Option{bidding.WithNotifier(disp)}
	if len(cfg.Notify.Users) > 0 {
		mgrOpts = append(mgrOpts, bidding.WithBidders(dir))
	}
	mgr := bidding.NewManager(repos.Listings, repos.Ledger, hub,
		logger, tp.TracerProvider, tp.MeterProvider, clk, mgrOpts...)

	elector := leader.New(cfg.LeaderElection, logger)
	healthHandler := health.NewHandler(clk,
		health.Checker{Name: "database", Check: repos.Ping},
		health.Checker{Name: "leader", Check: elector.Check},
	)

	srv := api.NewServer(mgr, hub, disp, healthHandler, api.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		KeepAlive:      cfg.Feed.KeepAlive,
		JWTSecret:      cfg.Auth.JWTSecret,
		Serving:        healthHandler.Ready,
	}, logger)

	// No write timeout: change streams stay open.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
		}
	}()

	// lead is the work only the leader runs.
	var leadErr error
	lead := func(ctx context.Context) {
		if err := mgr.Recover(ctx); err != nil {
			leadErr = fmt.Errorf("recovering bidding state: %w", err)
			cancel()
			return
		}
		go func() { _ = disp.Run(ctx) }()
		go func() { _ = mgr.RunExpiry(ctx, cfg.Bidding.ExpiryInterval) }()

		if cfg.Notify.DiscordCommands {
			handlers := commands.NewHandlers(mgr, dir, logger, tp.TracerProvider, clk)
			b, err := bot.New(cfg.Notify, handlers, logger)
			if err == nil {
				err = b.Start(ctx)
			}
			if err != nil {
				// Bids still flow over HTTP without the Discord commands.
				logger.ErrorContext(ctx, "discord commands unavailable", slog.Any("error", err))
			} else {
				defer func() {
					if err := b.Stop(); err != nil {
						logger.Error("discord bot shutdown error", slog.Any("error", err))
					}
				}()
			}
		}

		healthHandler.SetReady(true)
		logger.InfoContext(ctx, "bidsync is accepting bids", slog.String("version", version))

		<-ctx.Done()
		healthHandler.SetReady(false)
	}

	runErr := elector.Run(ctx, lead)
	switch {
	case errors.Is(runErr, leader.ErrLeadershipLost):
		logger.Warn("lost leadership, shutting down")
	case runErr != nil:
		runErr = fmt.Errorf("leader election: %w", runErr)
	case leadErr != nil:
		runErr = leadErr
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return runErr
}
