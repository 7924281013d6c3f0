package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/christ-community/landing-page-sub000/internal/bot"
	"github.com/christ-community/landing-page-sub000/internal/chatapi"
	"github.com/christ-community/landing-page-sub000/internal/store"
	"github.com/christ-community/landing-page-sub000/internal/transcript"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the development chat API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx)
	},
}

func runServer(ctx context.Context) error {
	sc := cfg.Server
	slog.Info("Starting server", "port", sc.Port, "dev", sc.IsDevelopment())

	repo, err := store.NewSQLite(sc.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", sc.DBPath)

	kb, err := bot.LoadKnowledgeBase(sc.KnowledgePath)
	if err != nil {
		return err
	}
	slog.Info("Knowledge base loaded", "church", kb.Church.Name, "topics", len(kb.Topics))

	var fallback bot.Responder
	if sc.OpenAI.Enabled() {
		fallback = bot.NewOpenAIResponder(sc.OpenAI.APIKey, sc.OpenAI.Model, sc.OpenAI.BaseURL, kb)
		slog.Info("OpenAI fallback enabled", "model", sc.OpenAI.Model)
	} else {
		slog.Info("OpenAI fallback disabled (OPENAI_API_KEY not set)")
	}

	svc, err := bot.NewService(kb, fallback, sc.ResponseThreshold)
	if err != nil {
		return err
	}

	var limiter *chatapi.RateLimiter
	if sc.RateLimit.Enabled {
		limiter = chatapi.NewRateLimiter(sc.RateLimit.Requests, sc.RateLimit.Window)
	}

	transcripts, err := transcript.New(transcript.Config{
		Enabled:   sc.Transcript.Enabled,
		Dir:       sc.Transcript.Dir,
		QueueSize: sc.Transcript.QueueSize,
	}, slog.Default())
	if err != nil {
		return err
	}
	defer func() { _ = transcripts.Close() }()

	h := chatapi.NewHandler(svc, repo, limiter, sc.MaxMessageLength)
	h.SetTranscriptLogger(transcripts)
	srv := &http.Server{
		Addr:              ":" + sc.Port,
		Handler:           chatapi.NewRouter(h, sc.AllowedOrigins, slog.Default()),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return chatapi.RunTTLWorker(gctx, repo, limiter, sc.ConversationTTL, sc.CleanupInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}
