// Package metrics provides Prometheus instrumentation for the keeper host.
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

	"github.com/atmx/cdp-engine/internal/model"
)

var (
	// EventsTotal counts committed engine events by component and kind.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_events_total",
		Help: "Committed engine events",
	}, []string{"component", "kind"})

	// LiquidationsTotal counts positions liquidated, per collateral type.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_liquidations_total",
		Help: "Positions liquidated",
	}, []string{"ilk"})

	// AuctionActionsTotal counts collateral auction takes, redos and yanks.
	AuctionActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_auction_actions_total",
		Help: "Collateral auction actions",
	}, []string{"ilk", "action"})

	// ActiveAuctions tracks running collateral auctions per collateral type.
	ActiveAuctions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cdp_active_auctions",
		Help: "Number of running collateral auctions",
	}, []string{"ilk"})

	// Drips counts stability fee accruals.
	Drips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_drips_total",
		Help: "Stability fee accruals",
	}, []string{"ilk"})

	// Pokes counts safety price updates.
	Pokes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_pokes_total",
		Help: "Safety price updates",
	}, []string{"ilk"})

	// SettlementPhase is 0 while live, 1 once caged and 2 once thawed.
	SettlementPhase = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdp_settlement_phase",
		Help: "Global settlement phase",
	})

	// OperationLatency tracks engine call latency by operation.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdp_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// Rejections counts operations the engine refused, by error kind.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_rejections_total",
		Help: "Operations rejected by the engine",
	}, []string{"op", "kind"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdp_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Observe records one committed event.
func Observe(ev model.Event) {
	EventsTotal.WithLabelValues(ev.Component, ev.Kind).Inc()
	ilk := string(ev.Ilk)
	switch ev.Kind {
	case "bark":
		LiquidationsTotal.WithLabelValues(ilk).Inc()
	case "take", "redo", "yank":
		AuctionActionsTotal.WithLabelValues(ilk, ev.Kind).Inc()
	case "drip":
		Drips.WithLabelValues(ilk).Inc()
	case "poke":
		Pokes.WithLabelValues(ilk).Inc()
	}
}

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
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
