// Package observability holds the Prometheus collectors shared by every component.
package observability

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream", "op"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "locals_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)

	storeRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_refresh_total",
			Help: "Location store refreshes by outcome.",
		},
		[]string{"outcome"},
	)

	storeRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "store_records",
			Help: "Number of location records in the committed cache.",
		},
	)

	filterCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filter_cycles_total",
			Help: "Filter and render cycles by resulting view status.",
		},
		[]string{"status"},
	)

	renderedCards = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "view_rendered_cards",
			Help:    "Number of cards produced by a full render.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	viewNodeMissingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "view_node_missing_total",
			Help: "Vote patches that found no rendered card.",
		},
	)

	votesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "votes_total",
			Help: "Vote and favorite mutations by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	geoResolveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geo_resolve_total",
			Help: "Position resolutions by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	cacheOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Redis operations by op and result.",
		},
		[]string{"op", "result"},
	)

	redisOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Duration of Redis operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Sessions currently held by the session manager.",
		},
	)

	sessionsEvictedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_evicted_total",
			Help: "Sessions torn down by capacity eviction.",
		},
	)

	kafkaEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_events_total",
			Help: "Kafka events by stream and outcome.",
		},
		[]string{"stream", "outcome"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, upstreamLatencySeconds, buildInfo,
		storeRefreshTotal, storeRecords, filterCyclesTotal, renderedCards, viewNodeMissingTotal,
		votesTotal, geoResolveTotal, cacheOpTotal, redisOpDuration,
		sessionsActive, sessionsEvictedTotal, kafkaEventsTotal,
	}
}

func init() {
	Register(prometheus.DefaultRegisterer)
}

// Register adds every collector to reg; collectors already present are skipped.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream, op string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream, op).Observe(durationSeconds)
}

func ObserveRefresh(outcome string, records int) {
	storeRefreshTotal.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		storeRecords.Set(float64(records))
	}
}

func ObserveRender(status string, cards int) {
	filterCyclesTotal.WithLabelValues(status).Inc()
	renderedCards.Observe(float64(cards))
}

func IncViewNodeMissing() {
	viewNodeMissingTotal.Inc()
}

func IncVote(action, outcome string) {
	votesTotal.WithLabelValues(action, outcome).Inc()
}

func IncGeoResolve(source, outcome string) {
	geoResolveTotal.WithLabelValues(source, outcome).Inc()
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	cacheOpTotal.WithLabelValues(op, result).Inc()
	redisOpDuration.WithLabelValues(op).Observe(durationSeconds)
}

func SetSessionsActive(n int) {
	sessionsActive.Set(float64(n))
}

func IncSessionEvicted() {
	sessionsEvictedTotal.Inc()
}

func IncKafkaEvent(stream, outcome string) {
	kafkaEventsTotal.WithLabelValues(stream, outcome).Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
