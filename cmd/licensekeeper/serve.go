package main

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"licensekeeper/internal/config"
	"licensekeeper/internal/httpapi"
	"licensekeeper/internal/logging"
	"licensekeeper/internal/manage"
	"licensekeeper/internal/metrics"
	"licensekeeper/internal/owner"
	"licensekeeper/internal/store"
	"licensekeeper/internal/telegram"
	"licensekeeper/internal/verify"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (and the Telegram bot when a token is configured)",
	RunE:  runServe,
}

// loadConfig reads the environment and applies command line overrides.
func loadConfig(cmd *cobra.Command) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if f := cmd.Flags().Lookup("addr"); f != nil && f.Changed {
		cfg.HTTP.Addr = f.Value.String()
	}
	logger := logging.Init(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level, Component: "licensekeeper"})
	return cfg, logger, nil
}

// openStore opens the configured backend and applies pending migrations.
func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.Store, error) {
	st, err := store.Open(ctx, cfg.StoreOptions(), logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	owners, err := owner.LoadFile(cfg.OwnersFile)
	if err != nil {
		return err
	}
	if owners.Len() == 0 {
		logger.Warn().Msg("no owners configured; license management is unavailable")
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	clock := quartz.NewReal()

	engine := verify.New(st, clock, logger, m)
	svc := manage.New(st, clock, logger, manage.WithMetrics(m), manage.WithMaxLimit(cfg.ListLimitMax))
	api := httpapi.New(engine, svc, owners, logger,
		httpapi.WithGatherer(reg),
		httpapi.WithRequestTimeout(cfg.HTTP.RequestTimeout),
	)

	var bot *telegram.Bot
	if cfg.Telegram.Token != "" {
		bot, err = telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.Debug, owners, svc, clock, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Info().Msg("telegram bot disabled")
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !xerrors.Is(err, http.ErrServerClosed) {
			return xerrors.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if bot != nil {
		g.Go(func() error { return bot.Run(gctx) })
	}

	start := time.Now()
	err = g.Wait()
	logger.Info().Dur("uptime", time.Since(start)).Msg("stopped")
	return err
}
