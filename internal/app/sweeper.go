package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/wrenfolk/chronicle/internal/metrics"
	"github.com/wrenfolk/chronicle/internal/store"
)

// Sweeper periodically recovers backfill claims abandoned by workers that
// died between claim and release.
type Sweeper struct {
	store    store.Store
	metrics  *metrics.Metrics
	logger   *slog.Logger
	ttl      time.Duration
	interval time.Duration
}

// NewSweeper creates a stale-claim sweeper. An interval of zero or less
// disables sweeping. If logger is nil, slog.Default() is used.
func NewSweeper(st store.Store, m *metrics.Metrics, logger *slog.Logger, ttl, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    st,
		metrics:  m,
		logger:   logger,
		ttl:      ttl,
		interval: interval,
	}
}

// Run sweeps on a fixed cadence until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info("claim sweeper disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	s.logger.Info("claim sweeper started",
		slog.Duration("ttl", s.ttl),
		slog.Duration("interval", s.interval))

	// First sweep runs immediately; a crashed previous process may have
	// left claims behind.
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	released, err := s.store.ReleaseStaleClaims(ctx, time.Now().UTC().Add(-s.ttl))
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("stale claim sweep failed", slog.String("error", err.Error()))
		}
		return
	}
	if released > 0 {
		s.metrics.AddStaleClaimsReleased(released)
	}
}
