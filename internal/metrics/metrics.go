// Package metrics provides Prometheus instrumentation for the position engine.
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
	// TradesTotal counts processed trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "position_trades_total",
		Help: "Total number of trades processed",
	}, []string{"side"})

	// TradeLatency tracks trade processing latency by side.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "position_trade_latency_seconds",
		Help:    "Trade processing latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// OversellRejections counts sells rejected for exceeding open quantity.
	OversellRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "position_oversell_rejections_total",
		Help: "Sell trades rejected because quantity exceeded open lots",
	})

	// PriceUpdatesTotal counts price upserts.
	PriceUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "position_price_updates_total",
		Help: "Total price update events applied",
	})

	// LotsOpenedTotal counts lots created by BUY trades.
	LotsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "position_lots_opened_total",
		Help: "Tax lots opened by buy trades",
	})

	// LotsClosedTotal counts lots fully closed by SELL trades.
	LotsClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "position_lots_closed_total",
		Help: "Tax lots fully closed by sell trades",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "position_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "position_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "position_http_request_duration_seconds",
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

		// Use the URL path for the path label to avoid high cardinality.
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
