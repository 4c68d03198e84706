package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hetangai/generation-engine/internal/api"
	"github.com/hetangai/generation-engine/internal/config"
	"github.com/hetangai/generation-engine/internal/download"
	"github.com/hetangai/generation-engine/internal/llm"
	"github.com/hetangai/generation-engine/internal/notify"
	"github.com/hetangai/generation-engine/internal/observability"
	"github.com/hetangai/generation-engine/internal/settings"
	"github.com/hetangai/generation-engine/internal/task"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the generation engine API server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// A missing .env file is fine; the environment still applies.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	// A settings path given in the config file is relative to that file.
	if cfgFile != "" && cfg.Settings.Path != "" {
		cfg.Settings.Path = config.ResolveRelativePath(cfgFile, cfg.Settings.Path)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "generation-engine",
	})

	store, err := settings.Open(cfg.Settings.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info().Str("path", store.Path()).Msg("settings store opened")

	hub := notify.NewHub(logger)
	var publisher notify.Publisher = hub
	if cfg.Notify.Driver == "redis" {
		redisPub, err := notify.NewRedisPublisher(cmd.Context(), notify.RedisOptions{
			Addr:     cfg.Notify.Redis.Addr,
			Password: cfg.Notify.Redis.Password,
			DB:       cfg.Notify.Redis.DB,
			Prefix:   cfg.Notify.Redis.Prefix,
		}, logger)
		if err != nil {
			return err
		}
		defer redisPub.Close()
		publisher = notify.Multi(hub, redisPub)
		logger.Info().Str("addr", cfg.Notify.Redis.Addr).Msg("redis publisher attached")
	}

	client := llm.NewClient(logger)
	downloader := download.NewDownloader(logger)

	imageEngine := task.NewEngine(task.ImageProfile(task.MediaOptions{
		BaseURL:         cfg.Generation.Image.BaseURL,
		StreamTimeout:   cfg.Generation.Image.StreamTimeout,
		DownloadTimeout: cfg.Generation.Image.DownloadTimeout,
	}), store, client, downloader, publisher, logger)

	videoEngine := task.NewEngine(task.VideoProfile(task.MediaOptions{
		BaseURL:         cfg.Generation.Video.BaseURL,
		StreamTimeout:   cfg.Generation.Video.StreamTimeout,
		DownloadTimeout: cfg.Generation.Video.DownloadTimeout,
	}), store, client, downloader, publisher, logger)

	handler := api.NewRouter(api.Deps{
		Logger:   logger,
		Image:    imageEngine,
		Video:    videoEngine,
		Settings: store,
		Hub:      hub,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Int("workers", store.PoolSize()).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("forced shutdown")
	}

	imageEngine.Shutdown()
	videoEngine.Shutdown()
	return nil
}
