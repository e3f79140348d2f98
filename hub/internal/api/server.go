// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/csi-portal/portal/hub/internal/auth"
	"github.com/csi-portal/portal/hub/internal/config"
	"github.com/csi-portal/portal/hub/internal/membership"
	"github.com/csi-portal/portal/hub/internal/payment"
	"github.com/csi-portal/portal/hub/internal/store"
)

// Deps are the components the API serves.
type Deps struct {
	Store       store.Store
	Auth        auth.Provider
	Issuer      *payment.Issuer
	Memberships *membership.Service
	Reconciler  *membership.Reconciler
	Registerer  prometheus.Registerer // optional; HTTP metrics
	Gatherer    prometheus.Gatherer   // optional; serves /metrics
}

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	authProvider auth.Provider
	issuer       *payment.Issuer
	memberships  *membership.Service
	reconciler   *membership.Reconciler
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	development  bool
	opsTokenHash string
	publicKeyID  string
	currency     string
	ipRL         *rateLimiter
	rl           *rateLimiter
	now          func() time.Time
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		store:        deps.Store,
		authProvider: deps.Auth,
		issuer:       deps.Issuer,
		memberships:  deps.Memberships,
		reconciler:   deps.Reconciler,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		development:  cfg.Server.Development(),
		opsTokenHash: cfg.Auth.OpsTokenHash,
		publicKeyID:  cfg.Payment.PublicKeyID,
		currency:     cfg.Payment.Currency,
		ipRL:         newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		rl:           newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		now:          time.Now,
	}
	if srv.maxBodyBytes <= 0 {
		srv.maxBodyBytes = 1 << 20
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(newHTTPMetrics(deps.Registerer).middleware)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	if deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Checkout routes. The verify call is authenticated by the gateway
	// signature, not by a bearer token.
	mux.Route("/api/payments", func(r chi.Router) {
		r.Use(ipRateLimitMiddleware(srv.ipRL))
		r.Get("/config", srv.handlePaymentConfig)
		r.Post("/orders", srv.handleCreateOrder)
		r.Post("/verify", srv.handleVerifyPayment)
	})

	mux.With(srv.adminOrOpsMiddleware).Post("/api/admin/memberships/sweep", srv.handleSweep)

	// Authenticated API routes
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/memberships/{userID}", srv.handleGetMembership)

		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/admin/audit", srv.handleAdminListAuditEvents)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.ipRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func (s *Server) logAudit(ctx context.Context, action, userID string, detail map[string]any) {
	membership.RecordAudit(ctx, s.store, s.logger, action, userID, detail)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
