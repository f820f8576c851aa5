package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dontdude/correctomatic/internal/app"
	"github.com/dontdude/correctomatic/internal/platform/web"
)

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	// 1. Config, logger, redis
	a, err := app.Setup(ctx, "server")
	if err != nil {
		app.Fatal("Failed to start server", err)
	}
	defer a.Close()

	pending := a.Queue(app.PendingQueue)
	a.Background(ctx)

	// 2. Status broadcaster
	hub := web.NewHub()
	go func() {
		if err := hub.Run(ctx, a.Status); err != nil {
			slog.Error("Status broadcaster failed", "error", err)
			stop()
		}
	}()

	// 3. Intake rate limit: 1 request every 2s per client, bursts of 5
	limiter := web.NewRateLimiter(0.5, 5.0)
	go limiter.Run(ctx)

	srv := &http.Server{
		Addr:              a.Config.HTTPAddr,
		Handler:           web.NewServer(pending, hub, limiter, a.Metrics).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("API server starting", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.Fatal("Server failed", err)
	}
	slog.Info("API server stopped")
}
