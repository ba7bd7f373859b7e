// Package gateway maintains the persistent WebSocket session that feeds the
// live ingestion path, reconnecting under a fixed-delay supervisor.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wrenfolk/chronicle/internal/metrics"
	"github.com/wrenfolk/chronicle/internal/store"
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// Dispatch event types the session reacts to.
const (
	eventReady         = "READY"
	eventResumed       = "RESUMED"
	eventMessageCreate = "MESSAGE_CREATE"
)

const (
	handshakeTimeout = 10 * time.Second
	helloTimeout     = 15 * time.Second
	// reconnectDelay is the fixed supervisor backoff between sessions.
	reconnectDelay = 5 * time.Second
	// identifyInterval paces cold identifies, which the upstream limits
	// separately from the REST API.
	identifyInterval = 5 * time.Second
)

// Resume endpoints arrive bare from READY; dialing appends the same version
// and encoding the default gateway URL carries.
const (
	gatewayVersion  = "10"
	gatewayEncoding = "json"
)

// Errors for session configuration and protocol signals.
var (
	ErrMissingURL         = errors.New("gateway URL is required")
	ErrMissingToken       = errors.New("bot token is required")
	errReconnectRequested = errors.New("reconnect requested by gateway")
	errSessionInvalidated = errors.New("session invalidated by gateway")
)

// MessageSink consumes MESSAGE_CREATE payloads.
type MessageSink interface {
	Ingest(ctx context.Context, payload []byte, source string) error
}

// Config holds the settings for a gateway session.
type Config struct {
	URL     string
	Token   string
	Intents int
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.URL == "" {
		return ErrMissingURL
	}
	if c.Token == "" {
		return ErrMissingToken
	}
	return nil
}

// envelope is one gateway frame. D stays raw so only consumed events pay for
// a payload decode.
type envelope struct {
	Op int             `json:"op"`
	S  *int64          `json:"s"`
	T  string          `json:"t"`
	D  json.RawMessage `json:"d"`
}

// outEnvelope is one frame sent to the gateway.
type outEnvelope struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type readyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties identifyProperties `json:"properties"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Session is a supervised gateway connection. One Run call owns the whole
// lifecycle: connect, identify or resume, heartbeat, dispatch, reconnect.
type Session struct {
	cfg     Config
	sink    MessageSink
	metrics *metrics.Metrics
	logger  *slog.Logger

	reconnectDelay  time.Duration
	identifyLimiter *rate.Limiter

	mu        sync.Mutex
	rng       *rand.Rand // protected by mu
	connected bool

	writeMu sync.Mutex

	// Resume state survives across connections; owned by the Run goroutine
	// except lastSeq, which the heartbeat loop also reads.
	sessionID        string
	resumeGatewayURL string
	lastSeq          atomic.Int64
	acked            atomic.Bool
}

// NewSession creates a gateway session supervisor.
// If logger is nil, slog.Default() is used.
func NewSession(cfg Config, sink MessageSink, m *metrics.Metrics, logger *slog.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:             cfg,
		sink:            sink,
		metrics:         m,
		logger:          logger,
		reconnectDelay:  reconnectDelay,
		identifyLimiter: rate.NewLimiter(rate.Every(identifyInterval), 1),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Run supervises the session until the context is canceled, restarting it
// with a fixed delay after every failure.
func (s *Session) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("gateway session ended",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", s.reconnectDelay))

		t := time.NewTimer(s.reconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// IsConnected reports whether a gateway connection is currently open.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// runOnce drives a single connection from dial to close.
func (s *Session) runOnce(ctx context.Context) error {
	logger := s.logger.With(slog.String("conn_id", uuid.NewString()))

	target, resuming := s.dialTarget()
	logger.Info("connecting to gateway",
		slog.String("url", target),
		slog.Bool("resuming", resuming))

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		// A dead resume endpoint must not wedge the supervisor; fall back
		// to a cold identify on the next attempt.
		if resuming {
			s.clearResumeState()
		}
		return fmt.Errorf("failed to dial gateway: %w", err)
	}
	s.metrics.IncGatewayConnects()
	s.setConnected(true)

	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		_ = conn.Close()
		s.setConnected(false)
		s.metrics.IncGatewayDisconnects()
	}()

	// ReadMessage has no context support; closing the socket is the only
	// way to unblock it on shutdown.
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	interval, err := s.awaitHello(conn)
	if err != nil {
		return err
	}
	logger.Info("gateway hello", slog.Duration("heartbeat_interval", interval))

	if resuming {
		logger.Info("resuming gateway session", slog.Int64("seq", s.lastSeq.Load()))
		err = s.send(conn, outEnvelope{Op: opResume, D: resumeData{
			Token:     s.cfg.Token,
			SessionID: s.sessionID,
			Seq:       s.lastSeq.Load(),
		}})
	} else {
		if err := s.identifyLimiter.Wait(ctx); err != nil {
			return err
		}
		logger.Info("identifying", slog.Int("intents", s.cfg.Intents))
		err = s.send(conn, outEnvelope{Op: opIdentify, D: identifyData{
			Token:   s.cfg.Token,
			Intents: s.cfg.Intents,
			Properties: identifyProperties{
				OS:      runtime.GOOS,
				Browser: "chronicle",
				Device:  "chronicle",
			},
		}})
	}
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}

	s.acked.Store(true)
	go s.heartbeatLoop(connCtx, conn, interval, logger)

	return s.readLoop(connCtx, conn, logger)
}

// dialTarget picks the resume endpoint when a prior session left resumable
// state, the configured URL otherwise.
func (s *Session) dialTarget() (string, bool) {
	if s.sessionID != "" && s.resumeGatewayURL != "" && s.lastSeq.Load() > 0 {
		return resumeURL(s.resumeGatewayURL), true
	}
	return s.cfg.URL, false
}

// resumeURL appends the version and encoding query parameters to a resume
// endpoint. Parameters already present win; an unparsable endpoint passes
// through and fails at dial time, which clears the resume state.
func resumeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Get("v") == "" {
		q.Set("v", gatewayVersion)
	}
	if q.Get("encoding") == "" {
		q.Set("encoding", gatewayEncoding)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Session) clearResumeState() {
	s.sessionID = ""
	s.resumeGatewayURL = ""
	s.lastSeq.Store(0)
}

// awaitHello reads the first frame, which must be HELLO, and returns the
// heartbeat interval.
func (s *Session) awaitHello(conn *websocket.Conn) (time.Duration, error) {
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
	}()

	_, payload, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("failed to read hello: %w", err)
	}
	var frame envelope
	if err := json.Unmarshal(payload, &frame); err != nil {
		return 0, fmt.Errorf("failed to decode hello frame: %w", err)
	}
	if frame.Op != opHello {
		return 0, fmt.Errorf("expected hello, got op %d", frame.Op)
	}
	var hello helloData
	if err := json.Unmarshal(frame.D, &hello); err != nil {
		return 0, fmt.Errorf("failed to decode hello payload: %w", err)
	}
	if hello.HeartbeatInterval <= 0 {
		return 0, fmt.Errorf("hello carries invalid heartbeat interval %d", hello.HeartbeatInterval)
	}
	return time.Duration(hello.HeartbeatInterval) * time.Millisecond, nil
}

// readLoop consumes frames until the connection fails or the gateway ends
// the session.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) error {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("gateway read failed: %w", err)
		}

		var frame envelope
		if err := json.Unmarshal(payload, &frame); err != nil {
			return fmt.Errorf("failed to decode gateway frame: %w", err)
		}

		if frame.S != nil {
			s.lastSeq.Store(*frame.S)
		}

		switch frame.Op {
		case opDispatch:
			s.handleDispatch(ctx, frame, logger)
		case opHeartbeat:
			// Server asked for an immediate beat.
			if err := s.sendHeartbeat(conn); err != nil {
				return fmt.Errorf("failed to answer heartbeat request: %w", err)
			}
		case opReconnect:
			logger.Info("gateway requested reconnect")
			return errReconnectRequested
		case opInvalidSession:
			var resumable bool
			_ = json.Unmarshal(frame.D, &resumable)
			if !resumable {
				s.clearResumeState()
			}
			logger.Warn("gateway session invalidated", slog.Bool("resumable", resumable))
			return errSessionInvalidated
		case opHeartbeatACK:
			s.acked.Store(true)
		}
	}
}

// handleDispatch reacts to the dispatch events in scope. Everything else is
// sequence bookkeeping only.
func (s *Session) handleDispatch(ctx context.Context, frame envelope, logger *slog.Logger) {
	switch frame.T {
	case eventReady:
		var ready readyData
		if err := json.Unmarshal(frame.D, &ready); err == nil {
			s.sessionID = ready.SessionID
			s.resumeGatewayURL = ready.ResumeGatewayURL
		}
		logger.Info("gateway ready", slog.String("session_id", s.sessionID))
	case eventResumed:
		logger.Info("gateway session resumed")
	case eventMessageCreate:
		s.metrics.IncGatewayDispatch(eventMessageCreate)
		if err := s.sink.Ingest(ctx, frame.D, store.SourceLive); err != nil {
			// Rejected payloads are already logged by the sink; anything
			// else is a store problem worth surfacing, but never worth
			// dropping the connection over.
			if ctx.Err() == nil {
				logger.Error("failed to ingest live message", slog.String("error", err.Error()))
			}
		}
	}
}

// heartbeatLoop beats every interval, starting at a random fraction of it so
// restarted processes do not beat in phase. A beat without an ACK since the
// previous one closes the connection and lets the supervisor rebuild it.
func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, logger *slog.Logger) {
	t := time.NewTimer(s.jitter(interval))
	defer t.Stop()

	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}

	for {
		if !s.acked.Swap(false) {
			logger.Warn("heartbeat ack missed, closing connection")
			_ = conn.Close()
			return
		}
		if err := s.sendHeartbeat(conn); err != nil {
			if ctx.Err() == nil {
				logger.Warn("heartbeat send failed", slog.String("error", err.Error()))
			}
			_ = conn.Close()
			return
		}

		t.Reset(interval)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// sendHeartbeat sends {op:1, d:last_sequence}, with a null d before the
// first sequenced frame.
func (s *Session) sendHeartbeat(conn *websocket.Conn) error {
	var d *int64
	if seq := s.lastSeq.Load(); seq > 0 {
		d = &seq
	}
	return s.send(conn, outEnvelope{Op: opHeartbeat, D: d})
}

// send serializes writes; the socket allows one concurrent writer and both
// the read loop and the heartbeat loop send frames.
func (s *Session) send(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (s *Session) jitter(interval time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.rng.Float64() * float64(interval))
}
