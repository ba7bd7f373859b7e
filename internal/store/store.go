// Package store persists indexed messages, user projections, and per-channel
// backfill state. The MongoDB implementation is the production store; an
// in-memory implementation with the same semantics backs tests.
package store

import (
	"context"
	"time"
)

// Message source path markers.
const (
	SourceLive     = "live"
	SourceBackfill = "backfill"
)

// Collection names.
const (
	CollectionMessages        = "messages"
	CollectionChannelBackfill = "channel_backfill"
	CollectionUsers           = "users"
)

// Message is one indexed chat message. Exactly one record exists per
// MessageID; records are written once and never updated.
type Message struct {
	MessageID   string         `bson:"message_id"`
	ChannelID   string         `bson:"channel_id"`
	GuildID     string         `bson:"guild_id,omitempty"`
	AuthorID    string         `bson:"author_id,omitempty"`
	Timestamp   string         `bson:"timestamp,omitempty"`
	TimestampMS int64          `bson:"timestamp_ms"`
	Source      string         `bson:"source"`
	Raw         map[string]any `bson:"raw"`
	IngestedAt  time.Time      `bson:"ingested_at"`
}

// User is the latest observed identity for an author.
type User struct {
	UserID     string    `bson:"user_id"`
	Username   string    `bson:"username,omitempty"`
	GlobalName string    `bson:"global_name,omitempty"`
	LastSeenMS int64     `bson:"last_seen_ms"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

// ChannelBackfill tracks historical retrieval progress for one channel.
// CursorBefore is the exclusive upper bound for the next page; nil means the
// next page starts from the newest message.
type ChannelBackfill struct {
	ChannelID    string    `bson:"channel_id"`
	GuildID      string    `bson:"guild_id"`
	CursorBefore *string   `bson:"cursor_before"`
	Done         bool      `bson:"done"`
	Claimed      bool      `bson:"claimed"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
	ErrorCount   int64     `bson:"error_count"`
}

// ChannelUpdate describes a state transition applied when a worker hands a
// channel back. The claim is always released and updated_at refreshed.
type ChannelUpdate struct {
	// Cursor replaces cursor_before when non-nil.
	Cursor *string
	// Done marks the channel terminal. Terminal channels are never claimed again.
	Done bool
	// ErrorDelta increments error_count when positive.
	ErrorDelta int
}

// Store is the persistence surface shared by the live and backfill paths.
type Store interface {
	// EnsureIndexes creates the collection indexes if absent. Must be called
	// before any write; message dedup depends on the unique message_id index.
	EnsureIndexes(ctx context.Context) error

	// InsertMessage writes a message record. Returns true if a new record was
	// written, false if a record with the same message_id already existed.
	// Duplicate inserts are not errors.
	InsertMessage(ctx context.Context, msg *Message) (bool, error)

	// UpsertUser records the latest observed identity for an author.
	// last_seen_ms only moves forward; older observations update the identity
	// fields without regressing it.
	UpsertUser(ctx context.Context, user *User) error

	// SeedBackfill creates the backfill record for a channel. Returns true if
	// the record was created, false if the channel was already seeded.
	SeedBackfill(ctx context.Context, channelID, guildID string) (bool, error)

	// ClaimNextChannel atomically claims the least recently touched channel
	// with done=false and claimed=false and returns its post-claim state.
	// Returns (nil, nil) when no channel is available.
	ClaimNextChannel(ctx context.Context) (*ChannelBackfill, error)

	// UpdateChannelState applies a worker's outcome to a claimed channel:
	// optionally advances the cursor, optionally marks it done, optionally
	// increments error_count, and always releases the claim.
	UpdateChannelState(ctx context.Context, channelID string, update ChannelUpdate) error

	// ReleaseStaleClaims clears claims whose updated_at is older than the
	// cutoff, returning how many were recovered. Covers workers that died
	// between claim and release.
	ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int64, error)

	// HealthCheck probes the backing service. Used by the readiness endpoint.
	HealthCheck(ctx context.Context) error

	// Close releases the underlying connection.
	Close(ctx context.Context) error
}
