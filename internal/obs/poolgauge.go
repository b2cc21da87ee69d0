// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/loopai/engine/internal/config"
	"go.uber.org/zap"
)

// PoolStats is the minimal snapshot the session pool exposes for sampling.
type PoolStats struct {
	Active int
	Idle   int
}

// StartPoolGaugeUpdater periodically samples session pool occupancy into
// the SessionPoolActive/SessionPoolIdle gauges, mirroring the teacher's
// queue-length sampling loop.
func StartPoolGaugeUpdater(ctx context.Context, cfg *config.Config, stats func() PoolStats, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.PoolSampleInterval > 0 {
		interval = cfg.Observability.PoolSampleInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := stats()
				SessionPoolActive.Set(float64(s.Active))
				SessionPoolIdle.Set(float64(s.Idle))
			}
		}
	}()
}
