// Package metrics provides Prometheus instrumentation for the liquidation engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SellsTotal counts sell requests, partitioned by outcome and result
	// (ok, conflict, rejected, error).
	SellsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liquidation_sells_total",
		Help: "Total number of sell requests handled",
	}, []string{"outcome", "result"})

	SellLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "liquidation_sell_latency_seconds",
		Help:    "Sell settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// QuotesServed counts sell quotes computed for the quote endpoint.
	QuotesServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liquidation_quotes_served_total",
		Help: "Sell quotes computed",
	})

	// ConfirmationsRequired counts quotes whose price impact triggered the
	// confirmation gate.
	ConfirmationsRequired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liquidation_confirmations_required_total",
		Help: "Quotes that required an explicit confirmation",
	})

	// LimitOrderFills counts resting orders matched by sales.
	LimitOrderFills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liquidation_limit_order_fills_total",
		Help: "Limit order fills produced by sales",
	})

	// SharesSold tracks cumulative sold shares per contract.
	SharesSold = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liquidation_shares_sold_total",
		Help: "Cumulative shares sold",
	}, []string{"contract_id", "outcome"})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "liquidation_active_markets",
		Help: "Number of currently open markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "liquidation_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liquidation_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "liquidation_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSell records the outcome of one sell request.
func ObserveSell(outcome, result string, start time.Time, fills int) {
	SellsTotal.WithLabelValues(outcome, result).Inc()
	SellLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	if fills > 0 {
		LimitOrderFills.Add(float64(fills))
	}
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// The route pattern keeps the path label low-cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
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

// Hijack lets the WebSocket upgrader take over connections that pass through
// the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
