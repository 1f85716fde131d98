package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// probeInterval is how often an unanswered availability probe is resent.
const probeInterval = 200 * time.Millisecond

// Probe asks the persistent worker whether it has WebGPU. An error means
// the worker has not answered yet.
type Probe func(ctx context.Context) (webGPU bool, err error)

// Select picks the worker kind. Without a probe, or when the probe does not
// answer within timeout, the per-page worker is used.
func Select(ctx context.Context, probe Probe, timeout time.Duration, logger *zap.Logger) Kind {
	if logger == nil {
		logger = zap.NewNop()
	}
	if probe == nil {
		logger.Info("Persistent worker unavailable, falling back to web worker")
		return KindWebWorker
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		ok, err := probe(ctx)
		if err == nil {
			if ok {
				logger.Info("Persistent worker has WebGPU available")
				return KindServiceWorker
			}
			logger.Info("Persistent worker does not have WebGPU available")
			return KindWebWorker
		}
		select {
		case <-ctx.Done():
			logger.Info("Persistent worker activation timed out, falling back to web worker")
			return KindWebWorker
		case <-ticker.C:
		}
	}
}
