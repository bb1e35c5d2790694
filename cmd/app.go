package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/nik-popov/site-traffic-globe/internal/application/config"
	"github.com/nik-popov/site-traffic-globe/internal/application/constant"
	"github.com/nik-popov/site-traffic-globe/internal/application/metric"
	"github.com/nik-popov/site-traffic-globe/internal/infra/adapters/memory"
	"github.com/nik-popov/site-traffic-globe/internal/infra/ports/http/handlers"
	"github.com/nik-popov/site-traffic-globe/internal/infra/ports/http/server"
	"github.com/nik-popov/site-traffic-globe/internal/usecase"
)

func runApp() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	slog.SetDefault(
		slog.New(
			slog.NewJSONHandler(
				os.Stdout,
				&slog.HandlerOptions{Level: slog.LevelInfo},
			),
		),
	)

	cfg, err := config.New()
	if err != nil {
		slog.Error("parse config", slog.Any(constant.Error, err))
		os.Exit(1)
	}

	roomRegistry := memory.NewRoomRegistry()
	connRepo := memory.NewConnRepository()

	presenceUsecase := usecase.NewPresenceUsecase(roomRegistry, connRepo)
	directoryUsecase := usecase.NewDirectoryUsecase(roomRegistry)

	roomsHandler := handlers.NewRoomsHandler(directoryUsecase)
	wsHandler := handlers.NewWebSocketHandler(cfg, presenceUsecase, connRepo)

	echoSrv := server.New(roomsHandler, wsHandler)

	metricsSrv := metric.NewServer()

	echoSrvCh := make(chan error, 1)
	metricsSrvCh := make(chan error, 1)

	go func() {
		echoSrvCh <- echoSrv.Start(":" + cfg.Port)
	}()

	go func() {
		metricsSrvCh <- metricsSrv.Start(":" + cfg.MetricPort)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down servers due to context cancel")
	case err := <-echoSrvCh:
		slog.Error(
			"HTTP server failed",
			slog.Any(constant.Error, err),
		)
		os.Exit(1)
	case err := <-metricsSrvCh:
		slog.Error(
			"Metrics server failed",
			slog.Any(constant.Error, err),
		)
		os.Exit(1)
	}

	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer timeoutCancel()

	if err := echoSrv.Shutdown(timeoutCtx); err != nil {
		slog.Error("Failed to gracefully shutdown HTTP server", slog.Any(constant.Error, err))
	}

	if err := metricsSrv.Shutdown(timeoutCtx); err != nil {
		slog.Error("Failed to gracefully shutdown metric server", slog.Any(constant.Error, err))
	}
}
