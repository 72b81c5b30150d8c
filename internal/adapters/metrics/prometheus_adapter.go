package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rc_fetches_total",
			Help: "Remote API requests issued by the fetcher, by resource kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rc_fetch_duration_seconds",
			Help:    "Latency of remote API requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	DedupJoinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rc_dedup_joins_total",
			Help: "Revalidation requests that attached to an in-flight fetch instead of starting one.",
		},
		[]string{"kind"},
	)

	StaleResultsDiscardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rc_stale_results_discarded_total",
			Help: "Fetch results dropped because a newer fetch or mutation superseded them.",
		},
		[]string{"kind"},
	)

	RevalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rc_revalidations_total",
			Help: "Fetches started, by trigger.",
		},
		[]string{"trigger"},
	)

	BlockedRevalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rc_blocked_revalidations_total",
			Help: "Revalidations skipped because the entry failed with the same credential.",
		},
		[]string{"kind"},
	)

	EvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rc_evictions_total",
			Help: "Cache entries evicted after their idle grace period.",
		},
	)

	CacheEntriesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rc_cache_entries",
			Help: "Number of cache entries held by the coordinator.",
		},
	)

	SubscribersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rc_subscribers",
			Help: "Number of live subscriptions across all entries.",
		},
	)

	InFlightGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rc_fetches_in_flight",
			Help: "Number of fetches currently in flight.",
		},
	)

	CredentialInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rc_credential_invalidations_total",
			Help: "Credential invalidations, by source (local 401 or remote instance).",
		},
		[]string{"source"},
	)

	ChangeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rc_change_events_total",
			Help: "Backend change events received over NATS, by kind.",
		},
		[]string{"kind"},
	)

	WebsocketBindingsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rc_websocket_bindings",
			Help: "Bindings held by websocket clients.",
		},
	)

	WebsocketConnectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rc_websocket_connections",
			Help: "Open websocket connections.",
		},
	)

	WebsocketMessagesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rc_websocket_messages_dropped_total",
			Help: "Outbound websocket frames dropped by backpressure policy.",
		},
		[]string{"reason"},
	)

	WebsocketMessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rc_websocket_messages_sent_total",
			Help: "Websocket messages queued to clients, by type.",
		},
		[]string{"type"},
	)

	WebsocketMessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rc_websocket_messages_received_total",
			Help: "Websocket messages received from clients, by type.",
		},
		[]string{"type"},
	)

	APIKeyRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rc_api_key_rejections_total",
			Help: "Requests refused by API key authentication, by reason.",
		},
		[]string{"reason"},
	)
)

// ObserveFetch records one completed remote request.
func ObserveFetch(kind, outcome string, seconds float64) {
	FetchesTotal.WithLabelValues(kind, outcome).Inc()
	FetchDuration.WithLabelValues(kind).Observe(seconds)
}

// IncrementDedupJoins counts a caller attaching to an in-flight fetch.
func IncrementDedupJoins(kind string) {
	DedupJoinsTotal.WithLabelValues(kind).Inc()
}

// IncrementStaleResultsDiscarded counts a superseded fetch result.
func IncrementStaleResultsDiscarded(kind string) {
	StaleResultsDiscardedTotal.WithLabelValues(kind).Inc()
}

// IncrementRevalidations counts a started fetch by trigger.
func IncrementRevalidations(trigger string) {
	RevalidationsTotal.WithLabelValues(trigger).Inc()
}

// IncrementBlockedRevalidations counts a skipped fetch for a known-bad credential.
func IncrementBlockedRevalidations(kind string) {
	BlockedRevalidationsTotal.WithLabelValues(kind).Inc()
}

// IncrementEvictions counts evicted entries.
func IncrementEvictions(n int) {
	EvictionsTotal.Add(float64(n))
}

// SetCacheState publishes the coordinator gauges.
func SetCacheState(entries, subscribers, inFlight int) {
	CacheEntriesGauge.Set(float64(entries))
	SubscribersGauge.Set(float64(subscribers))
	InFlightGauge.Set(float64(inFlight))
}

// IncrementCredentialInvalidations counts credential invalidations by source.
func IncrementCredentialInvalidations(source string) {
	CredentialInvalidationsTotal.WithLabelValues(source).Inc()
}

// IncrementChangeEvents counts backend change events.
func IncrementChangeEvents(kind string) {
	ChangeEventsTotal.WithLabelValues(kind).Inc()
}

// IncrementWebsocketBindings / DecrementWebsocketBindings track websocket bindings.
func IncrementWebsocketBindings() {
	WebsocketBindingsGauge.Inc()
}

func DecrementWebsocketBindings() {
	WebsocketBindingsGauge.Dec()
}

// IncrementActiveConnections increments the websocket connections gauge.
func IncrementActiveConnections() {
	WebsocketConnectionsGauge.Inc()
}

// DecrementActiveConnections decrements the websocket connections gauge.
func DecrementActiveConnections() {
	WebsocketConnectionsGauge.Dec()
}

// IncrementWebsocketMessagesDropped counts frames dropped under backpressure.
func IncrementWebsocketMessagesDropped(reason string) {
	WebsocketMessagesDroppedTotal.WithLabelValues(reason).Inc()
}

// IncrementMessagesSent counts messages queued to websocket clients.
func IncrementMessagesSent(messageType string) {
	WebsocketMessagesSentTotal.WithLabelValues(messageType).Inc()
}

// IncrementMessagesReceived counts messages read from websocket clients.
func IncrementMessagesReceived(messageType string) {
	WebsocketMessagesReceivedTotal.WithLabelValues(messageType).Inc()
}

// IncrementAPIKeyRejections counts requests refused by the API key middleware.
func IncrementAPIKeyRejections(reason string) {
	APIKeyRejectionsTotal.WithLabelValues(reason).Inc()
}
