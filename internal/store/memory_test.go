package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string {
	return &s
}

func TestInsertMessage_Dedup(t *testing.T) {
	s := NewMemoryStore(newTestLogger())
	ctx := context.Background()

	first := &Message{
		MessageID: "100",
		ChannelID: "C1",
		Source:    SourceLive,
		Raw:       map[string]any{"id": "100", "content": "hello"},
	}
	inserted, err := s.InsertMessage(ctx, first)
	if err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}
	if !inserted {
		t.Error("InsertMessage() = false, want true for new message")
	}

	// The same id arriving from the other path must be silently dropped.
	second := &Message{
		MessageID: "100",
		ChannelID: "C1",
		Source:    SourceBackfill,
		Raw:       map[string]any{"id": "100", "content": "hello"},
	}
	inserted, err = s.InsertMessage(ctx, second)
	if err != nil {
		t.Fatalf("InsertMessage() duplicate error = %v", err)
	}
	if inserted {
		t.Error("InsertMessage() = true for duplicate, want false")
	}

	if got := s.MessageCount(); got != 1 {
		t.Errorf("MessageCount() = %d, want 1", got)
	}
	if m := s.GetMessage("100"); m == nil || m.Source != SourceLive {
		t.Errorf("stored message source = %v, want first writer %q", m, SourceLive)
	}
}

func TestUpsertUser_LastSeenOnlyMovesForward(t *testing.T) {
	s := NewMemoryStore(newTestLogger())
	ctx := context.Background()

	if err := s.UpsertUser(ctx, &User{UserID: "U1", Username: "ada", LastSeenMS: 100}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}

	// An older backfill observation updates identity but not last_seen_ms.
	if err := s.UpsertUser(ctx, &User{UserID: "U1", Username: "ada_old", LastSeenMS: 50}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}
	u := s.GetUser("U1")
	if u == nil {
		t.Fatal("GetUser() = nil, want user")
	}
	if u.LastSeenMS != 100 {
		t.Errorf("LastSeenMS = %d, want 100 (no regression)", u.LastSeenMS)
	}
	if u.Username != "ada_old" {
		t.Errorf("Username = %s, want ada_old", u.Username)
	}

	if err := s.UpsertUser(ctx, &User{UserID: "U1", LastSeenMS: 200}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}
	if u := s.GetUser("U1"); u.LastSeenMS != 200 {
		t.Errorf("LastSeenMS = %d, want 200", u.LastSeenMS)
	}
}

func TestUpsertUser_EmptyFieldsDoNotErase(t *testing.T) {
	s := NewMemoryStore(newTestLogger())
	ctx := context.Background()

	if err := s.UpsertUser(ctx, &User{UserID: "U1", Username: "ada", GlobalName: "Ada L.", LastSeenMS: 10}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}
	if err := s.UpsertUser(ctx, &User{UserID: "U1", LastSeenMS: 20}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}

	u := s.GetUser("U1")
	if u.Username != "ada" || u.GlobalName != "Ada L." {
		t.Errorf("identity = (%q, %q), want (ada, Ada L.) preserved", u.Username, u.GlobalName)
	}
}

func TestSeedBackfill_Idempotent(t *testing.T) {
	s := NewMemoryStore(newTestLogger())
	ctx := context.Background()

	created, err := s.SeedBackfill(ctx, "C1", "G1")
	if err != nil {
		t.Fatalf("SeedBackfill() error = %v", err)
	}
	if !created {
		t.Error("SeedBackfill() = false, want true for new channel")
	}

	created, err = s.SeedBackfill(ctx, "C1", "G1")
	if err != nil {
		t.Fatalf("SeedBackfill() repeat error = %v", err)
	}
	if created {
		t.Error("SeedBackfill() = true for known channel, want false")
	}

	c := s.GetChannel("C1")
	if c == nil {
		t.Fatal("GetChannel() = nil, want seeded channel")
	}
	if c.CursorBefore != nil || c.Done || c.Claimed || c.ErrorCount != 0 {
		t.Errorf("seeded state = %+v, want fresh cursor=nil done=false claimed=false", c)
	}
}

func TestClaimNextChannel_Exclusion(t *testing.T) {
	s := NewMemoryStore(newTestLogger())
	ctx := context.Background()

	if _, err := s.SeedBackfill(ctx, "C1", "G1"); err != nil {
		t.Fatalf("SeedBackfill() error = %v", err)
	}

	claim, err := s.ClaimNextChannel(ctx)
	if err != nil {
		t.Fatalf("ClaimNextChannel() error = %v", err)
	}
	if claim == nil || claim.ChannelID != "C1" || !claim.Claimed {
		t.Fatalf("ClaimNextChannel() = %+v, want claimed C1", claim)
	}

	// While held, no other worker may claim it.
	other, err := s.ClaimNextChannel(ctx)
	if err != nil {
		t.Fatalf("ClaimNextChannel() second error = %v", err)
	}
	if other != nil {
		t.Errorf("ClaimNextChannel() while held = %+v, want nil", other)
	}

	if err := s.UpdateChannelState(ctx, "C1", ChannelUpdate{}); err != nil {
		t.Fatalf("UpdateChannelState() error = %v", err)
	}

	reclaim, err := s.ClaimNextChannel(ctx)
	if err != nil {
		t.Fatalf("ClaimNextChannel() after release error = %v", err)
	}
	if reclaim == nil {
		t.Error("ClaimNextChannel() after release = nil, want claim")
	}
}

func TestClaimNextChannel_OldestFirst(t *testing.T) {
	s := NewMemoryStore(newTestLogger())
	ctx := context.Background()

	if _, err := s.SeedBackfill(ctx, "C-old", "G1"); err != nil {
		t.Fatalf("SeedBackfill() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := s.SeedBackfill(ctx, "C-new", "G1"); err != nil {
		t.Fatalf("SeedBackfill() error = %v", err)
	}

	claim, err := s.ClaimNextChannel(ctx)
	if err != nil {
		t.Fatalf("ClaimNextChannel() error = %v", err)
	}
	if claim == nil || claim.ChannelID != "C-old" {
		t.Errorf("ClaimNextChannel() = %+v, want least recently touched C-old", claim)
	}
}

func TestClaimNextChannel_SkipsDone(t *testing.T) {
	s := NewMemoryStore(newTestLogger())
	ctx := context.Background()

	if _, err := s.SeedBackfill(ctx, "C1", "G1"); err != nil {
		t.Fatalf("SeedBackfill() error = %v", err)
	}
	if _, err := s.ClaimNextChannel(ctx); err != nil {
		t.Fatalf("ClaimNextChannel() error = %v", err)
	}
	if err := s.UpdateChannelState(ctx, "C1", ChannelUpdate{Done: true}); err != nil {
		t.Fatalf("UpdateChannelState() error = %v", err)
	}

	claim, err := s.ClaimNextChannel(ctx)
	if err != nil {
		t.Fatalf("ClaimNextChannel() error = %v", err)
	}
	if claim != nil {
		t.Errorf("ClaimNextChannel() on done channel = %+v, want nil", claim)
	}
}

func TestUpdateChannelState_Transitions(t *testing.T) {
	s := NewMemoryStore(newTestLogger())
	ctx := context.Background()

	if _, err := s.SeedBackfill(ctx, "C1", "G1"); err != nil {
		t.Fatalf("SeedBackfill() error = %v", err)
	}

	// Advance cursor.
	if err := s.UpdateChannelState(ctx, "C1", ChannelUpdate{Cursor: strPtr("10")}); err != nil {
		t.Fatalf("UpdateChannelState() error = %v", err)
	}
	c := s.GetChannel("C1")
	if c.CursorBefore == nil || *c.CursorBefore != "10" {
		t.Errorf("CursorBefore = %v, want \"10\"", c.CursorBefore)
	}
	if c.Claimed {
		t.Error("Claimed = true after update, want released")
	}

	// Record an error without touching the cursor.
	if err := s.UpdateChannelState(ctx, "C1", ChannelUpdate{ErrorDelta: 1}); err != nil {
		t.Fatalf("UpdateChannelState() error = %v", err)
	}
	c = s.GetChannel("C1")
	if c.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", c.ErrorCount)
	}
	if c.CursorBefore == nil || *c.CursorBefore != "10" {
		t.Errorf("CursorBefore = %v, want unchanged \"10\"", c.CursorBefore)
	}

	// Terminal.
	if err := s.UpdateChannelState(ctx, "C1", ChannelUpdate{Done: true}); err != nil {
		t.Fatalf("UpdateChannelState() error = %v", err)
	}
	if c = s.GetChannel("C1"); !c.Done {
		t.Error("Done = false, want true")
	}
}

func TestUpdateChannelState_UnknownChannel(t *testing.T) {
	s := NewMemoryStore(newTestLogger())

	err := s.UpdateChannelState(context.Background(), "missing", ChannelUpdate{})
	if !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("UpdateChannelState() error = %v, want ErrChannelNotFound", err)
	}
}

func TestReleaseStaleClaims(t *testing.T) {
	s := NewMemoryStore(newTestLogger())
	ctx := context.Background()

	for _, ch := range []string{"C1", "C2"} {
		if _, err := s.SeedBackfill(ctx, ch, "G1"); err != nil {
			t.Fatalf("SeedBackfill(%s) error = %v", ch, err)
		}
	}
	for i := 0; i < 2; i++ {
		if claim, err := s.ClaimNextChannel(ctx); err != nil || claim == nil {
			t.Fatalf("ClaimNextChannel() = %v, %v; want claim", claim, err)
		}
	}

	// A cutoff in the past recovers nothing.
	released, err := s.ReleaseStaleClaims(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ReleaseStaleClaims() error = %v", err)
	}
	if released != 0 {
		t.Errorf("ReleaseStaleClaims(past) = %d, want 0", released)
	}

	// A cutoff after the claim time recovers both.
	released, err = s.ReleaseStaleClaims(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ReleaseStaleClaims() error = %v", err)
	}
	if released != 2 {
		t.Errorf("ReleaseStaleClaims() = %d, want 2", released)
	}

	if claim, err := s.ClaimNextChannel(ctx); err != nil || claim == nil {
		t.Errorf("ClaimNextChannel() after recovery = %v, %v; want claim", claim, err)
	}
}

func TestClaimNextChannel_ConcurrentSingleWinner(t *testing.T) {
	s := NewMemoryStore(newTestLogger())
	ctx := context.Background()

	if _, err := s.SeedBackfill(ctx, "C1", "G1"); err != nil {
		t.Fatalf("SeedBackfill() error = %v", err)
	}

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim, err := s.ClaimNextChannel(ctx)
			if err != nil {
				t.Errorf("ClaimNextChannel() error = %v", err)
				return
			}
			if claim != nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("concurrent claims won = %d, want exactly 1", got)
	}
}
