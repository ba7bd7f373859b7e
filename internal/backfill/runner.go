// Package backfill drains channel history page by page, oldest-claim first,
// through soft leases on per-channel state records.
package backfill

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wrenfolk/chronicle/internal/discord"
	"github.com/wrenfolk/chronicle/internal/ingest"
	"github.com/wrenfolk/chronicle/internal/metrics"
	"github.com/wrenfolk/chronicle/internal/store"
)

const (
	// idleDelay is slept when no channel is claimable.
	idleDelay = 2 * time.Second
	// storeErrorDelay is slept after any store failure.
	storeErrorDelay = 2 * time.Second
)

// Config holds runner settings.
type Config struct {
	Workers      int
	PageSize     int
	RequestDelay time.Duration
}

// Runner owns the backfill worker pool. All workers share one loop: claim a
// channel, fetch one page, record the outcome, pace, repeat.
type Runner struct {
	cfg      Config
	store    store.Store
	client   *discord.Client
	ingester *ingest.Ingester
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewRunner creates a Runner. If logger is nil, slog.Default() is used.
func NewRunner(cfg Config, st store.Store, client *discord.Client, ing *ingest.Ingester, m *metrics.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		store:    st,
		client:   client,
		ingester: ing,
		metrics:  m,
		logger:   logger,
	}
}

// Run starts the configured number of workers and blocks until a worker
// fails or the context is canceled.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			return r.worker(ctx, id)
		})
	}
	return g.Wait()
}

// worker is the claim loop. It only returns on context cancellation; store
// failures are logged and retried after a fixed sleep so one bad claim never
// kills the pool.
func (r *Runner) worker(ctx context.Context, id int) error {
	logger := r.logger.With(slog.Int("worker", id))
	logger.Debug("backfill worker started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		claim, err := r.store.ClaimNextChannel(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("failed to claim channel", slog.String("error", err.Error()))
			if err := sleepCtx(ctx, storeErrorDelay); err != nil {
				return err
			}
			continue
		}
		if claim == nil {
			if err := sleepCtx(ctx, idleDelay); err != nil {
				return err
			}
			continue
		}

		if err := r.processClaim(ctx, logger, claim); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("failed to process channel",
				slog.String("channel_id", claim.ChannelID),
				slog.String("error", err.Error()))
			if err := sleepCtx(ctx, storeErrorDelay); err != nil {
				return err
			}
		}
	}
}

// processClaim fetches one page for a claimed channel and applies the
// outcome to its state record. Upstream failures are absorbed here, with the
// claim released and the error count bumped; only store failures propagate,
// leaving the claim for the stale sweeper.
func (r *Runner) processClaim(ctx context.Context, logger *slog.Logger, claim *store.ChannelBackfill) error {
	before := ""
	if claim.CursorBefore != nil {
		before = *claim.CursorBefore
	}

	page, err := r.client.ChannelMessages(ctx, claim.ChannelID, r.cfg.PageSize, before)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("page fetch failed",
			slog.String("channel_id", claim.ChannelID),
			slog.String("error", err.Error()))
		if err := r.store.UpdateChannelState(ctx, claim.ChannelID, store.ChannelUpdate{ErrorDelta: 1}); err != nil {
			return err
		}
		return sleepCtx(ctx, r.cfg.RequestDelay)
	}

	switch {
	case page.StatusCode == http.StatusTooManyRequests:
		// The limiter already armed its cooldowns; the claim is released
		// before this worker sleeps out the same interval.
		if err := r.store.UpdateChannelState(ctx, claim.ChannelID, store.ChannelUpdate{ErrorDelta: 1}); err != nil {
			return err
		}
		logger.Warn("rate limited",
			slog.String("channel_id", claim.ChannelID),
			slog.Bool("global", page.Global),
			slog.Duration("retry_after", page.RetryAfter))
		return sleepCtx(ctx, page.RetryAfter)

	case page.StatusCode < 200 || page.StatusCode > 299:
		logger.Warn("unexpected page status",
			slog.String("channel_id", claim.ChannelID),
			slog.Int("status", page.StatusCode))
		if err := r.store.UpdateChannelState(ctx, claim.ChannelID, store.ChannelUpdate{ErrorDelta: 1}); err != nil {
			return err
		}
		return sleepCtx(ctx, r.cfg.RequestDelay)

	case !page.Decoded:
		logger.Warn("undecodable page body", slog.String("channel_id", claim.ChannelID))
		if err := r.store.UpdateChannelState(ctx, claim.ChannelID, store.ChannelUpdate{ErrorDelta: 1}); err != nil {
			return err
		}
		return sleepCtx(ctx, r.cfg.RequestDelay)
	}

	r.metrics.IncBackfillPages()

	if len(page.Messages) == 0 {
		if err := r.store.UpdateChannelState(ctx, claim.ChannelID, store.ChannelUpdate{Done: true}); err != nil {
			return err
		}
		r.metrics.IncChannelsCompleted()
		logger.Info("channel backfill complete",
			slog.String("channel_id", claim.ChannelID),
			slog.Int64("errors", claim.ErrorCount))
		return r.pace(ctx, page)
	}

	for _, msg := range page.Messages {
		if err := r.ingestMessage(ctx, msg); err != nil {
			return err
		}
	}

	// Pages arrive newest-first, so the last element is the oldest and
	// becomes the exclusive upper bound of the next page.
	cursor := page.Messages[len(page.Messages)-1].ID
	if err := r.store.UpdateChannelState(ctx, claim.ChannelID, store.ChannelUpdate{Cursor: &cursor}); err != nil {
		return err
	}
	logger.Debug("page ingested",
		slog.String("channel_id", claim.ChannelID),
		slog.Int("count", len(page.Messages)),
		slog.String("cursor", cursor))
	return r.pace(ctx, page)
}

// ingestMessage writes one page element. Payloads the normalizer rejects are
// skipped; the page keeps its cursor advance either way.
func (r *Runner) ingestMessage(ctx context.Context, msg discord.RawMessage) error {
	err := r.ingester.Ingest(ctx, msg.Raw, store.SourceBackfill)
	if err == nil {
		return nil
	}
	if errors.Is(err, ingest.ErrMissingID) || errors.Is(err, ingest.ErrMalformedPayload) {
		return nil
	}
	return err
}

// pace applies the post-page sleep: the header-reported reset when the
// bucket is out of requests, the configured delay otherwise.
func (r *Runner) pace(ctx context.Context, page *discord.Page) error {
	if page.Depleted {
		return sleepCtx(ctx, page.ResetAfter)
	}
	return sleepCtx(ctx, r.cfg.RequestDelay)
}

// sleepCtx sleeps for d or until the context is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
