// Package metrics provides internal Prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds the Prometheus vectors for every subsystem this
// gateway exposes metrics for: the HTTP boundary, upstream provider
// calls, account selection, and OAuth token refresh.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec
	llmCost            *prometheus.CounterVec

	dispatchFailoversTotal  *prometheus.CounterVec
	dispatchCandidatesCount *prometheus.HistogramVec

	strategySelectionsTotal *prometheus.CounterVec

	refreshTotal    *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec

	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers every metric vector under namespace and
// returns a Collector ready for use. Safe to construct once per
// process; promauto panics on a second registration of the same name.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled by the gateway API",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of upstream LLM provider attempts, one per candidate account tried",
		},
		[]string{"provider", "model", "status"},
	)

	c.llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Upstream LLM request duration in seconds, measured per attempt",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.llmTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens reported by the upstream usage scanner",
		},
		[]string{"provider", "model", "type"}, // type: input, output
	)

	c.llmCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cost_usd_total",
			Help:      "Total estimated upstream cost in USD",
		},
		[]string{"provider", "model"},
	)

	c.dispatchFailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failovers_total",
			Help:      "Total number of times dispatch moved on from a candidate account after a failed attempt",
		},
		[]string{"from_account", "reason"}, // reason: rate_limited, auth_failure, upstream_error
	)

	c.dispatchCandidatesCount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_candidates_tried",
			Help:      "Number of candidate accounts tried before a request finalized, success or not",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
		},
		[]string{"outcome"}, // outcome: success, exhausted
	)

	c.strategySelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_selections_total",
			Help:      "Total number of account selection calls per strategy",
		},
		[]string{"strategy"},
	)

	c.refreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Total number of OAuth access-token refresh attempts",
		},
		[]string{"account", "status"}, // status: success, failure
	)

	c.refreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "token_refresh_duration_seconds",
			Help:      "OAuth token refresh round-trip duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"account"},
	)

	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one inbound HTTP request at the API boundary.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// RecordLLMRequest records one upstream attempt against a candidate
// account, including the usage and cost captured off the response stream.
func (c *Collector) RecordLLMRequest(provider, model, status string, duration time.Duration, inputTokens, outputTokens int64, cost float64) {
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.llmTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	c.llmTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	c.llmCost.WithLabelValues(provider, model).Add(cost)
}

// RecordFailover records dispatch abandoning a candidate account and
// moving on to the next one in the strategy's ordering.
func (c *Collector) RecordFailover(fromAccount, reason string) {
	c.dispatchFailoversTotal.WithLabelValues(fromAccount, reason).Inc()
}

// RecordDispatchOutcome records how many candidates a request burned
// through before it finalized, successfully or not.
func (c *Collector) RecordDispatchOutcome(outcome string, candidatesTried int) {
	c.dispatchCandidatesCount.WithLabelValues(outcome).Observe(float64(candidatesTried))
}

// RecordStrategySelection records one Engine.Select call for a named strategy.
func (c *Collector) RecordStrategySelection(strategyName string) {
	c.strategySelectionsTotal.WithLabelValues(strategyName).Inc()
}

// RecordTokenRefresh records one OAuth refresh attempt for an account.
func (c *Collector) RecordTokenRefresh(account, status string, duration time.Duration) {
	c.refreshTotal.WithLabelValues(account, status).Inc()
	c.refreshDuration.WithLabelValues(account).Observe(duration.Seconds())
}

// RecordDBConnections records the current pool size for a database handle.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery records one database operation's duration.
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// statusCode buckets an HTTP status into its class, keeping the path
// label's cardinality from exploding across exact status codes.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
