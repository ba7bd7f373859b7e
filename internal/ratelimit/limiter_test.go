package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mkHeader(pairs map[string]string) http.Header {
	h := http.Header{}
	for k, v := range pairs {
		h.Set(k, v)
	}
	return h
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		body   []byte
		want   time.Duration
	}{
		{
			name:   "header seconds",
			header: mkHeader(map[string]string{"Retry-After": "2"}),
			want:   2 * time.Second,
		},
		{
			name: "body retry_after",
			body: []byte(`{"message":"slow down","retry_after":0.5,"global":false}`),
			want: 500 * time.Millisecond,
		},
		{
			name:   "header wins over body",
			header: mkHeader(map[string]string{"Retry-After": "1"}),
			body:   []byte(`{"retry_after":3.0}`),
			want:   time.Second,
		},
		{
			name: "no signal falls back to default",
			want: DefaultRetryDelay,
		},
		{
			name: "garbage body falls back to default",
			body: []byte(`{not json`),
			want: DefaultRetryDelay,
		},
		{
			name: "tiny value clamped to floor",
			body: []byte(`{"retry_after":0.05}`),
			want: MinDelay,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RetryDelay(tt.header, tt.body)
			if got != tt.want {
				t.Errorf("RetryDelay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryInfo_GlobalFlag(t *testing.T) {
	tests := []struct {
		name       string
		header     http.Header
		body       []byte
		wantGlobal bool
	}{
		{
			name:       "body global true",
			body:       []byte(`{"retry_after":1,"global":true}`),
			wantGlobal: true,
		},
		{
			name:       "body global false",
			body:       []byte(`{"retry_after":1,"global":false}`),
			wantGlobal: false,
		},
		{
			name:       "header global true",
			header:     mkHeader(map[string]string{"X-RateLimit-Global": "true", "Retry-After": "1"}),
			wantGlobal: true,
		},
		{
			name:       "no signal",
			wantGlobal: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, global := retryInfo(tt.header, tt.body)
			if global != tt.wantGlobal {
				t.Errorf("retryInfo() global = %t, want %t", global, tt.wantGlobal)
			}
		})
	}
}

func TestResetAfter(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		want   time.Duration
		wantOK bool
	}{
		{
			name:   "fractional seconds",
			header: mkHeader(map[string]string{"X-RateLimit-Reset-After": "1.5"}),
			want:   1500 * time.Millisecond,
			wantOK: true,
		},
		{
			name:   "missing header",
			header: http.Header{},
			wantOK: false,
		},
		{
			name:   "nil header",
			wantOK: false,
		},
		{
			name:   "unparsable value",
			header: mkHeader(map[string]string{"X-RateLimit-Reset-After": "soon"}),
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ResetAfter(tt.header)
			if ok != tt.wantOK {
				t.Fatalf("ResetAfter() ok = %t, want %t", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("ResetAfter() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRemainingZero(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		want   bool
	}{
		{name: "zero", header: mkHeader(map[string]string{"X-RateLimit-Remaining": "0"}), want: true},
		{name: "negative", header: mkHeader(map[string]string{"X-RateLimit-Remaining": "-1"}), want: true},
		{name: "positive", header: mkHeader(map[string]string{"X-RateLimit-Remaining": "3"}), want: false},
		{name: "missing", header: http.Header{}, want: false},
		{name: "nil", want: false},
		{name: "unparsable", header: mkHeader(map[string]string{"X-RateLimit-Remaining": "many"}), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RemainingZero(tt.header); got != tt.want {
				t.Errorf("RemainingZero() = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestAcquire_SerializesRoute(t *testing.T) {
	l := New(newTestLogger())
	route := "GET:/channels/:channelId/messages"

	res, err := l.Acquire(context.Background(), route)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// While the first reservation is held, a second acquire must block.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, route); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() while gate held: error = %v, want DeadlineExceeded", err)
	}

	res.ReleaseNone()

	res2, err := l.Acquire(context.Background(), route)
	if err != nil {
		t.Fatalf("Acquire() after release: error = %v", err)
	}
	res2.ReleaseNone()
}

func TestAcquire_IndependentRoutesDoNotBlock(t *testing.T) {
	l := New(newTestLogger())

	res, err := l.Acquire(context.Background(), "GET:/channels/:channelId/messages")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer res.ReleaseNone()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	res2, err := l.Acquire(ctx, "GET:/guilds/:guildId/channels")
	if err != nil {
		t.Fatalf("Acquire() on independent route: error = %v", err)
	}
	res2.ReleaseNone()
}

func TestRelease_BucketCooldownAfter429(t *testing.T) {
	l := New(newTestLogger())
	route := "GET:/channels/:channelId/messages"

	res, err := l.Acquire(context.Background(), route)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	res.Release(http.StatusTooManyRequests, nil, []byte(`{"retry_after":0.3,"global":false}`))

	start := time.Now()
	res2, err := l.Acquire(context.Background(), route)
	if err != nil {
		t.Fatalf("Acquire() after 429: error = %v", err)
	}
	res2.ReleaseNone()

	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("Acquire() returned after %v, want at least 250ms cooldown", elapsed)
	}
}

func TestRelease_GlobalCooldownBlocksAllRoutes(t *testing.T) {
	l := New(newTestLogger())

	res, err := l.Acquire(context.Background(), "GET:/channels/:channelId/messages")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	res.Release(http.StatusTooManyRequests, nil, []byte(`{"retry_after":0.3,"global":true}`))

	start := time.Now()
	res2, err := l.Acquire(context.Background(), "GET:/users/@me/guilds")
	if err != nil {
		t.Fatalf("Acquire() on other route: error = %v", err)
	}
	res2.ReleaseNone()

	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("Acquire() returned after %v, want at least 250ms global cooldown", elapsed)
	}
}

func TestSetGlobal_KeepsLatestDeadline(t *testing.T) {
	l := New(newTestLogger())
	now := time.Now()

	l.setGlobal(now.Add(300 * time.Millisecond))
	l.setGlobal(now.Add(600 * time.Millisecond))
	l.setGlobal(now.Add(100 * time.Millisecond))

	got := time.Unix(0, l.global.Load())
	want := now.Add(600 * time.Millisecond)
	if !got.Equal(want) {
		t.Errorf("global deadline = %v, want %v (later deadlines must win)", got, want)
	}
}

func TestRelease_AdoptsSharedBucket(t *testing.T) {
	l := New(newTestLogger())
	routeA := "GET:/channels/:channelId/messages"
	routeB := "POST:/channels/:channelId/messages"

	resA, err := l.Acquire(context.Background(), routeA)
	if err != nil {
		t.Fatalf("Acquire(routeA) error = %v", err)
	}
	resA.Release(http.StatusOK, mkHeader(map[string]string{"X-RateLimit-Bucket": "abcd1234"}), nil)

	resB, err := l.Acquire(context.Background(), routeB)
	if err != nil {
		t.Fatalf("Acquire(routeB) error = %v", err)
	}
	resB.Release(http.StatusOK, mkHeader(map[string]string{"X-RateLimit-Bucket": "abcd1234"}), nil)

	l.mu.Lock()
	sameBucket := l.routes[routeA] == l.routes[routeB]
	l.mu.Unlock()
	if !sameBucket {
		t.Fatal("routes reporting the same bucket id should share one bucket")
	}

	// The shared bucket serializes the two routes.
	held, err := l.Acquire(context.Background(), routeA)
	if err != nil {
		t.Fatalf("Acquire(routeA) error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, routeB); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire(routeB) on shared bucket: error = %v, want DeadlineExceeded", err)
	}
	held.ReleaseNone()
}

func TestRelease_DepletedBucketPreArmsCooldown(t *testing.T) {
	l := New(newTestLogger())
	route := "GET:/channels/:channelId/messages"

	res, err := l.Acquire(context.Background(), route)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	res.Release(http.StatusOK, mkHeader(map[string]string{
		"X-RateLimit-Remaining":   "0",
		"X-RateLimit-Reset-After": "0.3",
	}), nil)

	start := time.Now()
	res2, err := l.Acquire(context.Background(), route)
	if err != nil {
		t.Fatalf("Acquire() after depletion: error = %v", err)
	}
	res2.ReleaseNone()

	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("Acquire() returned after %v, want at least 250ms cooldown", elapsed)
	}
}

func TestRelease_HealthyResponseLeavesBucketOpen(t *testing.T) {
	l := New(newTestLogger())
	route := "GET:/channels/:channelId/messages"

	res, err := l.Acquire(context.Background(), route)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	res.Release(http.StatusOK, mkHeader(map[string]string{
		"X-RateLimit-Remaining":   "4",
		"X-RateLimit-Reset-After": "2.0",
	}), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res2, err := l.Acquire(ctx, route)
	if err != nil {
		t.Fatalf("Acquire() after healthy response blocked: error = %v", err)
	}
	res2.ReleaseNone()
}

func TestAcquire_CanceledDuringCooldownFreesGate(t *testing.T) {
	l := New(newTestLogger())
	route := "GET:/channels/:channelId/messages"

	res, err := l.Acquire(context.Background(), route)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	res.Release(http.StatusTooManyRequests, nil, []byte(`{"retry_after":0.3,"global":false}`))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, route); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() during cooldown: error = %v, want DeadlineExceeded", err)
	}

	// The canceled acquire must not leave the gate held.
	res2, err := l.Acquire(context.Background(), route)
	if err != nil {
		t.Fatalf("Acquire() after canceled attempt: error = %v", err)
	}
	res2.ReleaseNone()
}

func TestReservation_DoubleReleaseIsSafe(t *testing.T) {
	l := New(newTestLogger())
	route := "GET:/channels/:channelId/messages"

	res, err := l.Acquire(context.Background(), route)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	res.Release(http.StatusOK, nil, nil)
	res.ReleaseNone()
	res.Release(http.StatusOK, nil, nil)

	res2, err := l.Acquire(context.Background(), route)
	if err != nil {
		t.Fatalf("Acquire() after double release: error = %v", err)
	}
	res2.ReleaseNone()
}
