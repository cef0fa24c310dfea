package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

// Janitor periodically evicts stale buckets so IP-keyed state cannot grow
// without bound. Start-once: a second Run call returns immediately.
type Janitor struct {
	service  *Service
	logger   *slog.Logger
	interval time.Duration
	started  atomic.Bool
}

// NewJanitor creates a janitor sweeping every interval; interval <= 0 uses
// the default of five minutes.
func NewJanitor(service *Service, logger *slog.Logger, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Janitor{service: service, logger: logger, interval: interval}
}

// Run sweeps on a ticker until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if !j.started.CompareAndSwap(false, true) {
		j.logger.Warn("janitor already running")
		return
	}

	j.logger.Info("rate limit janitor started", "interval", j.interval)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("rate limit janitor stopped")
			return
		case <-ticker.C:
			j.service.SweepOnce(ctx)
		}
	}
}
