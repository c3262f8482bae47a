package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bingo_core_build_info",
			Help: "Build information of the bingo core service",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bingo_core_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bingo_core_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bingo_core_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Slot allocator metrics
	SlotReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bingo_core_slot_reservations_total",
			Help: "Total number of slot reservation attempts",
		},
		[]string{"outcome"}, // "granted", "idempotent", "sold_out", "corrupted", "error"
	)

	SlotFinalizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bingo_core_slot_finalizations_total",
			Help: "Total number of slot finalization attempts",
		},
		[]string{"outcome"}, // "minted", "stale", "error"
	)

	SlotReleasesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bingo_core_slot_releases_total",
			Help: "Total number of slot releases",
		},
	)

	PoolRebuildsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bingo_core_pool_rebuilds_total",
			Help: "Total number of background pool rebuilds after corruption",
		},
	)

	// Game ledger metrics
	GameEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bingo_core_game_entries_total",
			Help: "Total number of game entry attempts",
		},
		[]string{"outcome"}, // "entered", "replay", "rejected", "error"
	)

	GameClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bingo_core_game_claims_total",
			Help: "Total number of win claim attempts",
		},
		[]string{"outcome"}, // "won", "rejected", "error"
	)

	PaymentVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bingo_core_payment_verifications_total",
			Help: "Total number of on-chain payment verifications",
		},
		[]string{"outcome"}, // "verified", "not_found", "failed", "insufficient", "error"
	)

	PaymentVerificationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bingo_core_payment_verification_duration_seconds",
			Help:    "Duration of on-chain payment verifications in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
	)

	PoolTokensRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bingo_core_pool_tokens_remaining",
			Help: "Background tokens left in the allocation pool",
		},
	)

	DisplayedJackpotSol = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bingo_core_displayed_jackpot_sol",
			Help: "Progressive plus current-game jackpot shown to players, in SOL",
		},
	)

	StoreConflictRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bingo_core_store_conflict_retries_total",
			Help: "Total number of transaction retries after write conflicts",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// RecordPaymentVerification records the outcome and latency of one
// on-chain payment check.
func RecordPaymentVerification(outcome string, duration time.Duration) {
	PaymentVerificationsTotal.WithLabelValues(outcome).Inc()
	PaymentVerificationDuration.Observe(duration.Seconds())
}
