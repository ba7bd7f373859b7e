package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wrenfolk/chronicle/internal/metrics"
	"github.com/wrenfolk/chronicle/internal/store"
)

// Ingester writes normalized messages and their author projections through
// the store, recording per-source counters.
type Ingester struct {
	store   store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewIngester creates an Ingester. If logger is nil, slog.Default() is used.
func NewIngester(st store.Store, m *metrics.Metrics, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		store:   st,
		metrics: m,
		logger:  logger,
	}
}

// Ingest normalizes one payload and writes it with the given source.
// Rejected payloads and message-write failures return an error; user
// projection failures are logged and swallowed so a degraded users
// collection never stalls ingestion.
func (i *Ingester) Ingest(ctx context.Context, payload []byte, source string) error {
	start := time.Now()

	n, err := Normalize(payload, source)
	if err != nil {
		i.metrics.IncRejected()
		i.logger.Warn("rejected message payload",
			slog.String("source", source),
			slog.String("error", err.Error()))
		return err
	}

	inserted, err := i.store.InsertMessage(ctx, &n.Message)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", n.Message.MessageID, err)
	}
	if inserted {
		i.metrics.IncIngested(source)
	} else {
		i.metrics.IncDuplicate(source)
	}

	if n.Author.ID != "" {
		user := &store.User{
			UserID:     n.Author.ID,
			Username:   n.Author.Username,
			GlobalName: n.Author.GlobalName,
			LastSeenMS: n.Message.TimestampMS,
		}
		if err := i.store.UpsertUser(ctx, user); err != nil {
			i.logger.Warn("failed to upsert user",
				slog.String("user_id", n.Author.ID),
				slog.String("error", err.Error()))
		} else {
			i.metrics.IncUserUpserts()
		}
	}

	i.metrics.ObserveIngestLatency(time.Since(start).Seconds())

	i.logger.Debug("ingested message",
		slog.String("message_id", n.Message.MessageID),
		slog.String("channel_id", n.Message.ChannelID),
		slog.String("source", source),
		slog.Bool("inserted", inserted))

	return nil
}
