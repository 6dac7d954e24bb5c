package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"hanchat/server/internal/api"
	"hanchat/server/internal/config"
	"hanchat/server/internal/domain"
	"hanchat/server/internal/logging"
	"hanchat/server/internal/observe"
	"hanchat/server/internal/session"
	"hanchat/server/internal/timeline"
	"hanchat/server/internal/tutor"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			return runServe(cmd.Context(), path, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.host/port")
	return cmd
}

func runServe(parent context.Context, configPath, addr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	log := logging.Component(logger, "serve")
	if addr == "" {
		addr = cfg.Server.Addr()
	}

	metricsHandler, shutdownMetrics, err := observe.InitProvider("hanchat")
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	catalog, err := domain.LoadScenes(cfg.Paths.Scenes)
	if err != nil {
		return err
	}
	services, err := tutor.NewFromConfig(cfg.LLM, logging.Component(logger, "tutor"))
	if err != nil {
		return err
	}

	sessions := session.NewInMemoryStore()
	defer sessions.CloseAll()

	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(cfg, api.Deps{
		Sessions:       sessions,
		Timeline:       timeline.NewInMemoryStore(),
		Services:       services,
		Catalog:        catalog,
		Metrics:        observe.Default(),
		MetricsHandler: metricsHandler,
		Logger:         logging.Component(logger, "api"),
	})

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).WithField("provider", cfg.LLM.Provider).Info("🚀 hanchat server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("✅ server stopped")
	return nil
}
