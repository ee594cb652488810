// Package metrics provides Prometheus instrumentation for the exchange engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts executed orders, partitioned by side.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kickcap_orders_total",
		Help: "Total number of orders executed",
	}, []string{"side"})

	// OrderLatency tracks order execution latency.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kickcap_order_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// SettlementsTotal counts settled fixtures, partitioned by result.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kickcap_settlements_total",
		Help: "Total number of fixtures settled",
	}, []string{"result"})

	// LedgerEntriesTotal counts appended ledger entries by kind.
	LedgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kickcap_ledger_entries_total",
		Help: "Total ledger entries appended",
	}, []string{"kind"})

	// LockTimeouts counts engine transactions aborted on club lock contention.
	LockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kickcap_lock_timeouts_total",
		Help: "Transactions aborted waiting for a club row lock",
	})

	// StaleQuoteRejections counts orders rejected on quote drift.
	StaleQuoteRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kickcap_stale_quote_rejections_total",
		Help: "Orders rejected because the quoted price drifted from NAV",
	})

	// ExposureRejections counts purchases rejected by position limits.
	ExposureRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kickcap_exposure_rejections_total",
		Help: "Purchases rejected by per-club or portfolio position limits",
	})

	// ClubsLaunched counts clubs brought to market.
	ClubsLaunched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kickcap_clubs_launched_total",
		Help: "Total clubs launched",
	})

	// WalletTransactionsTotal counts applied wallet movements by kind.
	WalletTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kickcap_wallet_transactions_total",
		Help: "Total wallet transactions applied",
	}, []string{"kind"})

	// LeaderboardRuns counts weekly leaderboard computations.
	LeaderboardRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kickcap_leaderboard_runs_total",
		Help: "Weekly leaderboard computations executed",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kickcap_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kickcap_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kickcap_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
