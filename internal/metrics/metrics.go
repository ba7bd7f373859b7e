// Package metrics provides Prometheus metrics for both ingestion paths.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricMessagesIngested    = "chronicle_messages_ingested_total"
	MetricMessagesDuplicate   = "chronicle_messages_duplicate_total"
	MetricMessagesRejected    = "chronicle_messages_rejected_total"
	MetricIngestLatency       = "chronicle_ingest_latency_seconds"
	MetricUserUpserts         = "chronicle_user_upserts_total"
	MetricHTTPRequests        = "chronicle_http_requests_total"
	MetricRateLimitHits       = "chronicle_rate_limit_hits_total"
	MetricBackfillPages       = "chronicle_backfill_pages_total"
	MetricChannelsCompleted   = "chronicle_backfill_channels_done_total"
	MetricStaleClaimsReleased = "chronicle_stale_claims_released_total"
	MetricGatewayConnects     = "chronicle_gateway_connects_total"
	MetricGatewayDisconnects  = "chronicle_gateway_disconnects_total"
	MetricGatewayDispatches   = "chronicle_gateway_dispatch_total"
)

// Rate limit scope labels.
const (
	ScopeBucket = "bucket"
	ScopeGlobal = "global"
)

// Metrics contains Prometheus metrics for the indexer daemon.
// All operations are thread-safe.
type Metrics struct {
	messagesIngested  *prometheus.CounterVec
	messagesDuplicate *prometheus.CounterVec
	messagesRejected  prometheus.Counter
	ingestLatency     prometheus.Histogram
	userUpserts       prometheus.Counter
	httpRequests      *prometheus.CounterVec
	rateLimitHits     *prometheus.CounterVec
	backfillPages     prometheus.Counter
	channelsCompleted prometheus.Counter
	staleClaims       prometheus.Counter
	gatewayConnects   prometheus.Counter
	gatewayDisconnect prometheus.Counter
	gatewayDispatches *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		messagesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricMessagesIngested,
				Help: "Total number of new message records written, by ingestion source",
			},
			[]string{"source"},
		),
		messagesDuplicate: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricMessagesDuplicate,
				Help: "Total number of messages dropped as duplicates, by ingestion source",
			},
			[]string{"source"},
		),
		messagesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricMessagesRejected,
			Help: "Total number of payloads rejected by the normalizer",
		}),
		ingestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricIngestLatency,
			Help:    "Histogram of message ingestion latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		userUpserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricUserUpserts,
			Help: "Total number of user projection upserts",
		}),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricHTTPRequests,
				Help: "Total number of REST API requests by route and status code",
			},
			[]string{"route", "status"},
		),
		rateLimitHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRateLimitHits,
				Help: "Total number of 429 responses by scope",
			},
			[]string{"scope"},
		),
		backfillPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricBackfillPages,
			Help: "Total number of backfill pages fetched",
		}),
		channelsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricChannelsCompleted,
			Help: "Total number of channels whose backfill reached the terminal state",
		}),
		staleClaims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricStaleClaimsReleased,
			Help: "Total number of stale backfill claims recovered by the sweeper",
		}),
		gatewayConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricGatewayConnects,
			Help: "Total number of gateway WebSocket connections established",
		}),
		gatewayDisconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricGatewayDisconnects,
			Help: "Total number of gateway WebSocket disconnections",
		}),
		gatewayDispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricGatewayDispatches,
				Help: "Total number of gateway dispatch events by event type",
			},
			[]string{"event_type"},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncIngested increments the ingested counter for a source.
func (m *Metrics) IncIngested(source string) {
	m.messagesIngested.WithLabelValues(source).Inc()
}

// IncDuplicate increments the duplicate counter for a source.
func (m *Metrics) IncDuplicate(source string) {
	m.messagesDuplicate.WithLabelValues(source).Inc()
}

// IncRejected increments the rejected payload counter.
func (m *Metrics) IncRejected() {
	m.messagesRejected.Inc()
}

// ObserveIngestLatency records an ingestion latency sample.
func (m *Metrics) ObserveIngestLatency(seconds float64) {
	m.ingestLatency.Observe(seconds)
}

// IncUserUpserts increments the user upsert counter.
func (m *Metrics) IncUserUpserts() {
	m.userUpserts.Inc()
}

// IncHTTPRequest increments the REST request counter for a route and status.
func (m *Metrics) IncHTTPRequest(route string, status int) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// IncRateLimitHit increments the 429 counter for a scope
// (ScopeBucket or ScopeGlobal).
func (m *Metrics) IncRateLimitHit(scope string) {
	m.rateLimitHits.WithLabelValues(scope).Inc()
}

// IncBackfillPages increments the fetched page counter.
func (m *Metrics) IncBackfillPages() {
	m.backfillPages.Inc()
}

// IncChannelsCompleted increments the terminal channel counter.
func (m *Metrics) IncChannelsCompleted() {
	m.channelsCompleted.Inc()
}

// AddStaleClaimsReleased adds recovered claim count from one sweep.
func (m *Metrics) AddStaleClaimsReleased(n int64) {
	m.staleClaims.Add(float64(n))
}

// IncGatewayConnects increments the gateway connect counter.
func (m *Metrics) IncGatewayConnects() {
	m.gatewayConnects.Inc()
}

// IncGatewayDisconnects increments the gateway disconnect counter.
func (m *Metrics) IncGatewayDisconnects() {
	m.gatewayDisconnect.Inc()
}

// IncGatewayDispatch increments the dispatch counter for an event type.
func (m *Metrics) IncGatewayDispatch(eventType string) {
	m.gatewayDispatches.WithLabelValues(eventType).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.messagesIngested,
		m.messagesDuplicate,
		m.messagesRejected,
		m.ingestLatency,
		m.userUpserts,
		m.httpRequests,
		m.rateLimitHits,
		m.backfillPages,
		m.channelsCompleted,
		m.staleClaims,
		m.gatewayConnects,
		m.gatewayDisconnect,
		m.gatewayDispatches,
	}
}
