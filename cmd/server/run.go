package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"annotation-sync/internal/annotation"
	"annotation-sync/internal/annotation/sqlite"
	"annotation-sync/internal/gateway"
	"annotation-sync/internal/platform/logger"
	"annotation-sync/internal/platform/metrics"
	"annotation-sync/internal/room"
)

const (
	shutdownTimeout = 10 * time.Second

	driverMemory = "memory"
	driverSQLite = "sqlite"
)

func openStore(ctx context.Context, s settings) (annotation.Store, error) {
	if s.StoreDriver == driverSQLite {
		st, err := sqlite.Open(ctx, s.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return annotation.NewMemoryStore(), nil
}

// newHandler wires the store into the service, hub and gateway and returns
// the HTTP handler with the gateway that owns its websocket sessions.
func newHandler(store annotation.Store, s settings, log *slog.Logger, met *metrics.Metrics) (http.Handler, *gateway.Server) {
	hub := room.NewHub(room.Options{
		MaxMembers: s.MaxRoomMembers,
		Logger:     log,
		OnDrop:     func(string) { met.IncDropped() },
	})
	svc := annotation.NewService(store, s.StrictTrackMerge)
	gw := gateway.NewServer(gateway.NewDispatcher(svc, hub, log, met), hub, gateway.Options{
		OutboundBuffer: s.OutboundBuffer,
		WriteTimeout:   s.WriteTimeout,
		AllowedOrigins: s.AllowedOrigins,
		Logger:         log,
		Metrics:        met,
	})
	return gw.Routes(), gw
}

func run(ctx context.Context, s settings) error {
	log := logger.New(s.LogLevel, s.LogFormat)

	store, err := openStore(ctx, s)
	if err != nil {
		return fmt.Errorf("open %s store: %w", s.StoreDriver, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("close store", slog.String("error", err.Error()))
		}
	}()

	handler, gw := newHandler(store, s, log, metrics.New())
	srv := &http.Server{
		Addr:              ":" + s.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info("server starting",
		slog.String("port", s.Port),
		slog.String("store", s.StoreDriver),
		slog.Bool("strict_track_merge", s.StrictTrackMerge),
		slog.Int("outbound_buffer", s.OutboundBuffer),
		slog.String("log_level", s.LogLevel))

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := gw.Close(shutdownCtx); err != nil {
		return fmt.Errorf("close websocket sessions: %w", err)
	}

	log.Info("server stopped")
	return nil
}
