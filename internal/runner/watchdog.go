package runner

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Watch resumes started feeds that stopped reporting progress, which happens
// when the runner that owned them died. Each feed is claimed in the database
// first so only one runner picks it up.
func (r *Runner) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Watchdog stopped")
			return
		case <-ticker.C:
			r.resumeStale(ctx)
		}
	}
}

func (r *Runner) resumeStale(ctx context.Context) {
	feeds, err := r.db.FindStaleFeeds(ctx, r.cfg.StaleAfter)
	if err != nil {
		r.logger.Warn("Failed to find stale feeds", zap.Error(err))
		return
	}

	for _, feed := range feeds {
		if r.isRunning(feed.ID) {
			continue
		}

		claimed, err := r.db.ClaimStaleFeed(ctx, feed.ID, r.cfg.StaleAfter)
		if err != nil {
			r.logger.Warn("Failed to claim stale feed", zap.String("feed_id", feed.ID), zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}

		r.logger.Info("Found stale feed, resuming", zap.String("feed_id", feed.ID))
		r.launch(ctx, feed)
	}
}
