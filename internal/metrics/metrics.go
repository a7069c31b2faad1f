// Package metrics provides Prometheus instrumentation for the margin engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersAnnounced counts announced orders, partitioned by order type.
	OrdersAnnounced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syntha_orders_announced_total",
		Help: "Total number of orders announced",
	}, []string{"type"})

	// OrdersExecuted counts executed orders, partitioned by order type.
	OrdersExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syntha_orders_executed_total",
		Help: "Total number of orders executed",
	}, []string{"type"})

	// OrdersCancelled counts cancelled orders, partitioned by order type.
	OrdersCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syntha_orders_cancelled_total",
		Help: "Total number of orders cancelled",
	}, []string{"type"})

	// LiquidationsTotal counts executed liquidations.
	LiquidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syntha_liquidations_total",
		Help: "Total number of positions liquidated",
	})

	// FundingSettlements counts funding settlements applied to the vault.
	FundingSettlements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syntha_funding_settlements_total",
		Help: "Total number of funding settlements",
	})

	// InvariantFailures counts invariant check failures by check name.
	InvariantFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syntha_invariant_failures_total",
		Help: "Total number of invariant check failures",
	}, []string{"check"})

	// OracleRequests counts price reads by result ("ok" or the fault kind).
	OracleRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syntha_oracle_requests_total",
		Help: "Total number of oracle price requests",
	}, []string{"result"})

	// StoreWriteFailures counts persistence writes that failed after a
	// committed engine mutation.
	StoreWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syntha_store_write_failures_total",
		Help: "Store writes that failed after an engine commit",
	})

	// FundingRate is the current funding rate per day.
	FundingRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syntha_funding_rate",
		Help: "Current funding rate (per day)",
	})

	// CumulativeFundingIndex is the vault's cumulative funding integral.
	CumulativeFundingIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syntha_cumulative_funding_index",
		Help: "Cumulative funding index",
	})

	// SkewFraction is the long-size to stable-collateral skew fraction.
	SkewFraction = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syntha_skew_fraction",
		Help: "Long skew as a fraction of stable collateral",
	})

	// StableCollateralTotal is the stable side of the vault.
	StableCollateralTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syntha_stable_collateral_total",
		Help: "Total stable collateral deposited",
	})

	// MarginDepositedTotal is the margin held for open leveraged positions.
	MarginDepositedTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syntha_margin_deposited_total",
		Help: "Total margin deposited across open positions",
	})

	// CollateralPerShare is the stable pool share price.
	CollateralPerShare = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syntha_stable_collateral_per_share",
		Help: "Collateral per stable pool share",
	})

	// OraclePrice is the last validated oracle price.
	OraclePrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syntha_oracle_price",
		Help: "Last validated oracle price",
	})

	// OraclePriceAge is the age of the last validated price in seconds.
	OraclePriceAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syntha_oracle_price_age_seconds",
		Help: "Age of the last validated oracle price in seconds",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syntha_ws_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syntha_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syntha_http_request_duration_seconds",
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

		// Use the route pattern for the path label so token ids and
		// account names do not blow up cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
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
