package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store with the same uniqueness and claim
// semantics as the MongoDB implementation. Used in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
	users    map[string]*User
	backfill map[string]*ChannelBackfill
	logger   *slog.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		messages: make(map[string]*Message),
		users:    make(map[string]*User),
		backfill: make(map[string]*ChannelBackfill),
		logger:   logger,
	}
}

// EnsureIndexes is a no-op; map keys already enforce uniqueness.
func (s *MemoryStore) EnsureIndexes(ctx context.Context) error {
	return nil
}

// InsertMessage stores a message unless its message_id already exists.
func (s *MemoryStore) InsertMessage(ctx context.Context, msg *Message) (bool, error) {
	if msg.IngestedAt.IsZero() {
		msg.IngestedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.MessageID]; exists {
		return false, nil
	}
	s.messages[msg.MessageID] = copyMessage(msg)
	return true, nil
}

// UpsertUser stores the latest observed identity, never regressing last_seen_ms.
func (s *MemoryStore) UpsertUser(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[user.UserID]
	if !ok {
		existing = &User{UserID: user.UserID}
		s.users[user.UserID] = existing
	}
	if user.Username != "" {
		existing.Username = user.Username
	}
	if user.GlobalName != "" {
		existing.GlobalName = user.GlobalName
	}
	if user.LastSeenMS > existing.LastSeenMS {
		existing.LastSeenMS = user.LastSeenMS
	}
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

// SeedBackfill creates the backfill record for a channel if absent.
func (s *MemoryStore) SeedBackfill(ctx context.Context, channelID, guildID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.backfill[channelID]; exists {
		return false, nil
	}
	now := time.Now().UTC()
	s.backfill[channelID] = &ChannelBackfill{
		ChannelID: channelID,
		GuildID:   guildID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return true, nil
}

// ClaimNextChannel claims the least recently touched unclaimed, unfinished channel.
func (s *MemoryStore) ClaimNextChannel(ctx context.Context) (*ChannelBackfill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *ChannelBackfill
	for _, c := range s.backfill {
		if c.Done || c.Claimed {
			continue
		}
		if oldest == nil || c.UpdatedAt.Before(oldest.UpdatedAt) {
			oldest = c
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.Claimed = true
	oldest.UpdatedAt = time.Now().UTC()
	return copyChannel(oldest), nil
}

// UpdateChannelState applies a worker outcome and releases the claim.
func (s *MemoryStore) UpdateChannelState(ctx context.Context, channelID string, update ChannelUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.backfill[channelID]
	if !ok {
		return ErrChannelNotFound
	}
	if update.Cursor != nil {
		cursor := *update.Cursor
		c.CursorBefore = &cursor
	}
	if update.Done {
		c.Done = true
	}
	if update.ErrorDelta > 0 {
		c.ErrorCount += int64(update.ErrorDelta)
	}
	c.Claimed = false
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// ReleaseStaleClaims frees claims older than the cutoff.
func (s *MemoryStore) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released int64
	now := time.Now().UTC()
	for _, c := range s.backfill {
		if c.Claimed && c.UpdatedAt.Before(olderThan) {
			c.Claimed = false
			c.UpdatedAt = now
			released++
		}
	}
	return released, nil
}

// HealthCheck always succeeds; there is no backing service to probe.
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

// MessageCount returns the number of stored messages.
func (s *MemoryStore) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// GetMessage returns a copy of the stored message, or nil if absent.
func (s *MemoryStore) GetMessage(messageID string) *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil
	}
	return copyMessage(m)
}

// CountChannelMessages returns how many stored messages belong to the channel.
// An empty source matches both ingestion paths.
func (s *MemoryStore) CountChannelMessages(channelID, source string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages {
		if m.ChannelID != channelID {
			continue
		}
		if source != "" && m.Source != source {
			continue
		}
		n++
	}
	return n
}

// GetChannel returns a copy of the channel's backfill state, or nil if absent.
func (s *MemoryStore) GetChannel(channelID string) *ChannelBackfill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.backfill[channelID]
	if !ok {
		return nil
	}
	return copyChannel(c)
}

// GetUser returns a copy of the stored user projection, or nil if absent.
func (s *MemoryStore) GetUser(userID string) *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

// copyMessage returns a copy safe to hand outside the store's lock.
func copyMessage(m *Message) *Message {
	cp := *m
	if m.Raw != nil {
		cp.Raw = make(map[string]any, len(m.Raw))
		for k, v := range m.Raw {
			cp.Raw[k] = v
		}
	}
	return &cp
}

// copyChannel returns a copy safe to hand outside the store's lock.
func copyChannel(c *ChannelBackfill) *ChannelBackfill {
	cp := *c
	if c.CursorBefore != nil {
		cursor := *c.CursorBefore
		cp.CursorBefore = &cursor
	}
	return &cp
}
