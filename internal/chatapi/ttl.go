package chatapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/christ-community/landing-page-sub000/internal/store"
)

// RunTTLWorker periodically removes idle conversations and evicts stale
// rate limiter keys. It blocks until ctx is done. limiter may be nil.
func RunTTLWorker(ctx context.Context, repo store.Repository, limiter *RateLimiter, ttl, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

	for {
		select {
		case <-ticker.C:
			sweep(ctx, repo, limiter, ttl)
		case <-ctx.Done():
			slog.Info("TTL worker shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

func sweep(ctx context.Context, repo store.Repository, limiter *RateLimiter, ttl time.Duration) {
	deleted, err := repo.CleanupExpiredConversations(ctx, ttl)
	switch {
	case err != nil && ctx.Err() != nil:
		slog.Debug("TTL worker: context canceled during cleanup", "error", err)
	case err != nil:
		slog.Error("TTL worker failed to cleanup expired conversations", "error", err)
	case deleted > 0:
		slog.Info("TTL worker cleaned up expired conversations", "count", deleted)
	}

	if limiter != nil {
		if evicted := limiter.Evict(); evicted > 0 {
			slog.Debug("TTL worker evicted idle rate limit keys", "count", evicted)
		}
	}
}
