package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/auth"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/chat"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/config"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/history"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/httpapi"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/llm"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/logger"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/metrics"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/speech"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and voice websocket",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, loadedConfig)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	gateway, err := llm.NewGateway(cfg.LLM, m)
	if err != nil {
		return err
	}
	logger.L.Info("reasoning gateway ready", "gateway", gateway.String())

	svc := chat.NewService(store, gateway, cfg.LLM.HistoryLimit)
	router := httpapi.NewRouter(httpapi.Deps{
		Chat:           svc,
		Speech:         speech.NewClient(cfg.Speech, m),
		Auth:           auth.NewVerifier(cfg.Auth.JWTSecret),
		Metrics:        m,
		DB:             store,
		RateLimit:      cfg.RateLimit,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.L.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (*history.Store, error) {
	store, err := history.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
