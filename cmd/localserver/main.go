// Command localserver serves the chat API over plain HTTP for development.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"coach-chat/handler"
	"coach-chat/internal/app"
	"coach-chat/internal/config"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})))

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	h, err := app.NewHandler(cfg, awsCfg)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.LocalAddr,
		Handler:           newRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.ModelTimeout + 15*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("local server listening", "addr", cfg.LocalAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func newRouter(h *handler.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Post("/chat", h.ServeHTTP)
	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", h.ServeHTTP)
		r.Get("/resolve", h.ServeHTTP)
		r.Get("/{conversationID}/turns", h.ServeHTTP)
	})
	r.Get("/usage", h.ServeHTTP)
	r.Post("/entitlement/refresh", h.ServeHTTP)
	r.Get("/coaches", h.ServeHTTP)
	r.Post("/coaches", h.ServeHTTP)
	r.Get("/profile", h.ServeHTTP)
	r.Put("/profile", h.ServeHTTP)
	r.Options("/*", h.ServeHTTP)
	r.NotFound(h.ServeHTTP)
	return r
}
