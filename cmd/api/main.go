package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"salescrm/api/internal/app"
	"salescrm/api/internal/config"
	"salescrm/api/internal/lifecycle"
	"salescrm/api/internal/logging"
	"salescrm/api/internal/lookup"
	"salescrm/api/internal/metrics"
	"salescrm/api/internal/search"
	"salescrm/api/internal/store"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "crm-api",
		Short:         "Sales CRM API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Apply migrations and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context())
		},
	})
	return cmd
}

func setup(ctx context.Context) (config.Config, *zap.Logger, *store.PostgresStore, error) {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return cfg, nil, nil, err
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = logger.Sync()
		return cfg, nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger)
	if err != nil {
		_ = db.Close()
		_ = logger.Sync()
		return cfg, nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	logger.Info("migrations applied", zap.Strings("versions", applied))
	return cfg, logger, store.NewPostgresStore(db, cfg.LockTimeout), nil
}

func runMigrate(ctx context.Context) error {
	_, logger, dataStore, err := setup(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	return dataStore.DB().Close()
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, logger, dataStore, err := setup(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer dataStore.DB().Close()

	var lookups *lookup.Cache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := lookup.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		logger.Info("lookup cache backed by redis")
		lookups = lookup.NewCache(dataStore, client, cfg.LookupCacheTTL, logger)
		defer lookups.Close()
	} else {
		lookups = lookup.NewCache(dataStore, nil, cfg.LookupCacheTTL, logger)
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	searchService := search.NewService(meili, search.NewPgSearch(dataStore.DB()), logger)

	coordinator := lifecycle.NewCoordinator(dataStore, cfg.Location(), logger).
		WithRecorder(metrics.Lifecycle{})
	service := app.New(cfg, dataStore, coordinator, lookups, searchService, logger)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap error, will retry on next restart", zap.Error(err))
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("crm api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		return nil
	})
	return group.Wait()
}
