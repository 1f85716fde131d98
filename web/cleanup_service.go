package web

import (
	"context"
	"fmt"
	"time"

	"webllm-chat/session"

	"go.uber.org/zap"
)

// CleanupService reconciles sessions whose streams were abandoned
type CleanupService struct {
	sessions *session.Store
	logger   *zap.Logger
}

// NewCleanupService creates a new cleanup service instance
func NewCleanupService(sessions *session.Store, logger *zap.Logger) *CleanupService {
	return &CleanupService{
		sessions: sessions,
		logger:   logger,
	}
}

// CleanupStaleStreams closes streams that no request in this process will
// finish. Returns the number of sessions reconciled.
func (cs *CleanupService) CleanupStaleStreams(ctx context.Context) (int, error) {
	n, err := cs.sessions.SweepStale(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale sessions: %w", err)
	}
	if n == 0 {
		cs.logger.Debug("No stale sessions found")
	}
	return n, nil
}

// Run sweeps every interval until ctx is cancelled. Sweep failures are
// logged and the next tick tries again.
func (cs *CleanupService) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid sweep interval %s", interval)
	}
	cs.logger.Info("Starting stale stream sweeper", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cs.logger.Info("Stale stream sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := cs.CleanupStaleStreams(ctx); err != nil {
				cs.logger.Error("Stale stream sweep failed", zap.Error(err))
			}
		}
	}
}
