package queue

import (
	"context"
	"log/slog"
	"time"
)

// StartReclaimer runs a background goroutine that periodically returns
// stale assigned or processing requests to pending. A non-positive
// claimTimeout disables it. The returned channel closes when the worker
// exits.
func StartReclaimer(ctx context.Context, svc *Service, interval, claimTimeout time.Duration, batch int) <-chan struct{} {
	done := make(chan struct{})
	if claimTimeout <= 0 || interval <= 0 {
		slog.Info("AI request reclaimer disabled", "claim_timeout", claimTimeout, "interval", interval)
		close(done)
		return done
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("AI request reclaimer started", "interval", interval, "claim_timeout", claimTimeout, "batch", batch)

		for {
			select {
			case <-ticker.C:
				reclaimOnce(ctx, svc, claimTimeout, batch)
			case <-ctx.Done():
				slog.Info("AI request reclaimer shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

func reclaimOnce(ctx context.Context, svc *Service, claimTimeout time.Duration, batch int) {
	ids, err := svc.ReclaimStale(ctx, claimTimeout, batch)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("AI request reclaimer sweep failed", "error", err)
		return
	}
	if len(ids) > 0 {
		slog.Info("AI request reclaimer sweep completed", "reclaimed", len(ids))
	}
}
