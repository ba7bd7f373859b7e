// Package ingest normalizes upstream message payloads and writes them
// through the store, shared by the live gateway path and the historical
// backfill path.
package ingest

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/wrenfolk/chronicle/internal/store"
)

// Errors for payload normalization.
var (
	ErrMalformedPayload = errors.New("malformed message payload")
	ErrMissingID        = errors.New("message payload has no id")
)

// payloadAuthor is the subset of the upstream author object the indexer reads.
type payloadAuthor struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
}

// messagePayload is the typed projection of an upstream message object.
// Fields the indexer does not read survive only in the raw map.
type messagePayload struct {
	ID        string        `json:"id"`
	ChannelID string        `json:"channel_id"`
	GuildID   string        `json:"guild_id"`
	Author    payloadAuthor `json:"author"`
	Timestamp string        `json:"timestamp"`
}

// Author identifies the message sender for the user projection.
type Author struct {
	ID         string
	Username   string
	GlobalName string
}

// Normalized is one upstream payload projected into its stored form.
type Normalized struct {
	Message store.Message
	Author  Author
}

// Normalize projects a raw upstream payload into a message record.
// The payload must be a JSON object carrying a string id; every other field
// is read tolerantly, with absent or mistyped values left empty. The full
// payload is retained in Message.Raw, unknown fields included.
func Normalize(data []byte, source string) (*Normalized, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, ErrMalformedPayload
	}

	var p messagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		// Mistyped fields stay zero-valued. Anything more serious would
		// already have failed the map decode above.
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return nil, ErrMalformedPayload
		}
	}
	if p.ID == "" {
		return nil, ErrMissingID
	}

	return &Normalized{
		Message: store.Message{
			MessageID:   p.ID,
			ChannelID:   p.ChannelID,
			GuildID:     p.GuildID,
			AuthorID:    p.Author.ID,
			Timestamp:   p.Timestamp,
			TimestampMS: parseTimestampMS(p.Timestamp),
			Source:      source,
			Raw:         raw,
		},
		Author: Author{
			ID:         p.Author.ID,
			Username:   p.Author.Username,
			GlobalName: p.Author.GlobalName,
		},
	}, nil
}

// parseTimestampMS converts an ISO-8601 timestamp with offset into epoch
// milliseconds. Returns 0 when the timestamp is absent or unparsable.
func parseTimestampMS(ts string) int64 {
	if ts == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
