package router

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/popkeyd/popkeyd/internal/auth"
	"github.com/popkeyd/popkeyd/internal/handler"
	"github.com/popkeyd/popkeyd/internal/logger"
	"github.com/popkeyd/popkeyd/internal/middleware"
)

// New creates and configures the HTTP router
func New(h *handler.Handler, mw *middleware.Middleware, log *logger.Logger, tokenSvc *auth.TokenService) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints (no auth required)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	// Key reservation and activation (rate limited per client)
	reserveRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Limit:  30,
		Window: 1 * time.Minute,
		KeyFn:  middleware.IPKey,
	})
	activateRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Limit:  10,
		Window: 1 * time.Minute,
		KeyFn:  middleware.IPKey,
	})

	mux.Handle("POST /api/v1/pubkeys", reserveRateLimit(http.HandlerFunc(h.ReservePubKey)))
	mux.Handle("PUT /api/v1/pubkeys/{assertion_ref}", activateRateLimit(http.HandlerFunc(h.ActivatePubKey)))
	mux.Handle("POST /api/v1/pubkeys/{assertion_ref}/generate", activateRateLimit(http.HandlerFunc(h.GenerateLCParams)))
	mux.Handle("POST /api/v1/pubkeys/{assertion_ref}/revoke", activateRateLimit(http.HandlerFunc(h.RevokePubKey)))

	// Assertion retrieval requires a consumer auth token
	consumerAuth := mw.ConsumerAuth(tokenSvc)
	mux.Handle("GET /api/v1/assertions/{assertion_ref}", consumerAuth(http.HandlerFunc(h.GetAssertion)))

	// Apply middleware stack
	var root http.Handler = mux

	// Security headers
	root = mw.SecurityHeaders(root)

	// Request logging
	root = mw.Logger(root)

	// Timing
	root = mw.Timing(root)

	// Request ID
	root = mw.RequestID(root)

	// Panic recovery (outermost)
	root = mw.Recover(root)

	return root
}
