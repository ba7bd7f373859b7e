// Package discord is the REST client for the upstream chat API. Every
// request is paced through the rate-limit coordinator; callers get the
// response's rate-limit view back so they can schedule their own retries.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/wrenfolk/chronicle/internal/metrics"
	"github.com/wrenfolk/chronicle/internal/ratelimit"
)

// Route keys shared with the rate limiter. Path parameters are elided so all
// calls to one endpoint shape share a bucket before the server names one.
const (
	RouteListGuilds      = "GET:/users/@me/guilds"
	RouteGuildChannels   = "GET:/guilds/:guildId/channels"
	RouteChannelMessages = "GET:/channels/:channelId/messages"
)

// Channel types eligible for indexing.
const (
	ChannelTypeText         = 0
	ChannelTypeAnnouncement = 5
)

const (
	guildPageLimit = 200
	userAgent      = "DiscordBot (https://github.com/wrenfolk/chronicle, 0.1.0)"
)

// Guild is the subset of a guild object the indexer reads.
type Guild struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Channel is the subset of a channel object the indexer reads.
type Channel struct {
	ID   string `json:"id"`
	Type int    `json:"type"`
	Name string `json:"name"`
}

// Indexable reports whether the channel type carries indexable messages.
func (c Channel) Indexable() bool {
	return c.Type == ChannelTypeText || c.Type == ChannelTypeAnnouncement
}

// RawMessage is one element of a messages page: the id for cursor
// bookkeeping plus the verbatim payload for ingestion.
type RawMessage struct {
	ID  string
	Raw json.RawMessage
}

// Page is the outcome of one messages request. Messages keeps the upstream
// newest-first order; the last element is the oldest of the page.
type Page struct {
	StatusCode int
	Messages   []RawMessage
	Decoded    bool          // 2xx body parsed as a message array with a usable tail id
	RetryAfter time.Duration // 429 cooldown, default and floor applied
	Global     bool          // 429 was global in scope
	Depleted   bool          // bucket reported no remaining requests
	ResetAfter time.Duration // bucket reset delay, valid when Depleted
}

// Client issues authenticated REST requests through the rate limiter.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewClient creates a REST client. If httpClient is nil a client with a 30 s
// timeout is used; if logger is nil, slog.Default() is used.
func NewClient(baseURL, token string, httpClient *http.Client, limiter *ratelimit.Limiter, m *metrics.Metrics, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    httpClient,
		limiter: limiter,
		metrics: m,
		logger:  logger,
	}
}

// response is one upstream reply with its rate-limit view attached.
type response struct {
	status     int
	header     http.Header
	body       []byte
	retryAfter time.Duration // populated for 429 responses
	global     bool
}

// get issues one rate-limited GET. The bucket gate is held for the duration
// of the request and the response is observed before release, so bucket
// serialization holds even across concurrent callers.
func (c *Client) get(ctx context.Context, routeKey, path string) (*response, error) {
	res, err := c.limiter.Acquire(ctx, routeKey)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		res.ReleaseNone()
		return nil, fmt.Errorf("failed to build request for %s: %w", routeKey, err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		res.ReleaseNone()
		return nil, fmt.Errorf("failed to request %s: %w", routeKey, err)
	}

	body, readErr := io.ReadAll(resp.Body)
	if closeErr := resp.Body.Close(); closeErr != nil && readErr == nil {
		readErr = closeErr
	}
	if readErr != nil {
		// Headers alone are still valid rate-limit observations.
		res.Release(resp.StatusCode, resp.Header, nil)
		return nil, fmt.Errorf("failed to read response for %s: %w", routeKey, readErr)
	}
	res.Release(resp.StatusCode, resp.Header, body)

	out := &response{status: resp.StatusCode, header: resp.Header, body: body}
	c.metrics.IncHTTPRequest(routeKey, resp.StatusCode)
	if resp.StatusCode == http.StatusTooManyRequests {
		out.retryAfter, out.global = ratelimit.RetryInfo(resp.Header, body)
		scope := metrics.ScopeBucket
		if out.global {
			scope = metrics.ScopeGlobal
		}
		c.metrics.IncRateLimitHit(scope)
	}

	c.logger.Debug("api request",
		slog.String("route", routeKey),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))
	return out, nil
}

// ListGuilds pages through the bot's guild memberships until a short page.
// 429 responses are slept out and the page retried; other failures abort.
func (c *Client) ListGuilds(ctx context.Context) ([]Guild, error) {
	var guilds []Guild
	after := ""
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(guildPageLimit))
		if after != "" {
			q.Set("after", after)
		}

		resp, err := c.get(ctx, RouteListGuilds, "/users/@me/guilds?"+q.Encode())
		if err != nil {
			return nil, err
		}
		if resp.status == http.StatusTooManyRequests {
			if err := sleepCtx(ctx, resp.retryAfter); err != nil {
				return nil, err
			}
			continue
		}
		if resp.status < 200 || resp.status > 299 {
			return nil, fmt.Errorf("failed to list guilds: unexpected status %d", resp.status)
		}

		var page []Guild
		if err := json.Unmarshal(resp.body, &page); err != nil {
			return nil, fmt.Errorf("failed to decode guild page: %w", err)
		}
		guilds = append(guilds, page...)
		if len(page) < guildPageLimit {
			return guilds, nil
		}
		after = page[len(page)-1].ID
	}
}

// GuildChannels returns all channels of a guild. Callers filter with
// Channel.Indexable.
func (c *Client) GuildChannels(ctx context.Context, guildID string) ([]Channel, error) {
	for {
		resp, err := c.get(ctx, RouteGuildChannels, "/guilds/"+guildID+"/channels")
		if err != nil {
			return nil, err
		}
		if resp.status == http.StatusTooManyRequests {
			if err := sleepCtx(ctx, resp.retryAfter); err != nil {
				return nil, err
			}
			continue
		}
		if resp.status < 200 || resp.status > 299 {
			return nil, fmt.Errorf("failed to list channels of guild %s: unexpected status %d", guildID, resp.status)
		}

		var channels []Channel
		if err := json.Unmarshal(resp.body, &channels); err != nil {
			return nil, fmt.Errorf("failed to decode channel list: %w", err)
		}
		return channels, nil
	}
}

// ChannelMessages fetches one page of messages older than before (all
// messages when before is empty). The page is returned for every completed
// request, whatever the status; only transport failures produce an error.
func (c *Client) ChannelMessages(ctx context.Context, channelID string, limit int, before string) (*Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if before != "" {
		q.Set("before", before)
	}

	resp, err := c.get(ctx, RouteChannelMessages, "/channels/"+channelID+"/messages?"+q.Encode())
	if err != nil {
		return nil, err
	}

	page := &Page{
		StatusCode: resp.status,
		RetryAfter: resp.retryAfter,
		Global:     resp.global,
	}
	if d, ok := ratelimit.ResetAfter(resp.header); ok && ratelimit.RemainingZero(resp.header) {
		page.Depleted = true
		page.ResetAfter = d
	}
	if resp.status < 200 || resp.status > 299 {
		return page, nil
	}

	page.Messages, page.Decoded = decodePage(resp.body)
	return page, nil
}

// decodePage splits a 2xx body into raw elements with extracted ids. A body
// that is not a JSON array, or whose last element carries no usable id,
// reports not-decoded so the caller never advances its cursor on it.
func decodePage(body []byte) ([]RawMessage, bool) {
	var elements []json.RawMessage
	if err := json.Unmarshal(body, &elements); err != nil {
		return nil, false
	}

	messages := make([]RawMessage, 0, len(elements))
	for _, el := range elements {
		var idOnly struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(el, &idOnly); err != nil {
			var typeErr *json.UnmarshalTypeError
			if !errors.As(err, &typeErr) {
				return nil, false
			}
		}
		messages = append(messages, RawMessage{ID: idOnly.ID, Raw: el})
	}
	if len(messages) > 0 && messages[len(messages)-1].ID == "" {
		return nil, false
	}
	return messages, true
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
