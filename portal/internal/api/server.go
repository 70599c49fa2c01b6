// Package api provides the HTTP API and middleware for the portal.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/covenant-hub/covenant/portal/internal/access"
	"github.com/covenant-hub/covenant/portal/internal/auth"
	"github.com/covenant-hub/covenant/portal/internal/billing"
	"github.com/covenant-hub/covenant/portal/internal/config"
	"github.com/covenant-hub/covenant/portal/internal/files"
	"github.com/covenant-hub/covenant/portal/internal/store"
)

// Error kinds carried in the "kind" field of error bodies.
const (
	KindUnauthenticated  = "unauthenticated"
	KindForbidden        = "forbidden"
	KindNotFound         = "not_found"
	KindBadRequest       = "bad_request"
	KindConflict         = "conflict"
	KindInvalidSignature = "invalid_signature"
	KindWriteFailure     = "downstream_write_failure"
	KindRateLimited      = "rate_limited"
	KindInternal         = "internal"
)

// Deps are the collaborators a Server needs. Billing is nil when billing is
// disabled, which leaves the webhook and checkout routes unregistered.
type Deps struct {
	Store    store.Store
	Auth     auth.Provider
	Login    auth.LoginProvider // nil unless the builtin provider is used
	Access   *access.Resolver
	Files    files.Resolver
	Billing  billing.Provider
	Config   *config.Config
	Logger   *slog.Logger
	Clock    func() time.Time
	Validate *validator.Validate
}

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	access        *access.Resolver
	files         files.Resolver
	billing       billing.Provider
	reconciler    *billing.Reconciler
	billingCfg    config.BillingConfig
	logger        *slog.Logger
	mux           *chi.Mux
	validate      *validator.Validate
	now           func() time.Time
	startTime     time.Time
	maxBodyBytes  int64
	maxWebhook    int64
	loginRL       *rateLimiter
	rl            *rateLimiter

	// counters tracks best-effort view/download increments still in flight.
	counters sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(d Deps) *Server {
	cfg := d.Config
	if d.Clock == nil {
		d.Clock = func() time.Time { return time.Now().UTC() }
	}
	if d.Validate == nil {
		d.Validate = newValidator()
	}

	srv := &Server{
		store:         d.Store,
		authProvider:  d.Auth,
		loginProvider: d.Login,
		access:        d.Access,
		files:         d.Files,
		billing:       d.Billing,
		billingCfg:    cfg.Billing,
		logger:        d.Logger.With("component", "api"),
		validate:      d.Validate,
		now:           d.Clock,
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
		maxWebhook:    cfg.Server.MaxWebhookBytes,
	}
	if d.Billing != nil {
		srv.reconciler = billing.NewReconciler(d.Billing, d.Store, cfg.Billing.Currency, cfg.Billing.TierPrices, d.Logger)
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Password routes only exist with builtin auth.
	if d.Login != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.Group(func(r chi.Router) {
			r.Use(loginIPRateLimitMiddleware(srv.loginRL))
			r.Post("/api/auth/login", srv.handleLogin)
			r.Post("/api/auth/register", srv.handleRegister)
		})
	}

	// The webhook authenticates by signature, not bearer token.
	if srv.reconciler != nil {
		mux.Post("/api/billing/webhook", srv.handleBillingWebhook)
	}

	// Content is readable anonymously; a token raises the requester's tier.
	mux.Group(func(r chi.Router) {
		r.Use(srv.optionalAuthMiddleware)
		r.Get("/api/content", srv.handleListContent)
		r.Get("/api/content/{contentID}", srv.handleGetContent)
		r.Get("/api/content/{contentID}/download", srv.handleDownloadContent)
	})

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(srv.memberMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Delete("/api/me", srv.handleDeleteMe)
		r.Get("/api/me/donations", srv.handleListMyDonations)
		r.Post("/api/checkins", srv.handleCheckIn)
		r.Get("/api/checkins/streak", srv.handleGetStreak)
		if srv.billing != nil {
			r.Post("/api/donations/checkout", srv.handleCreateCheckout)
		}

		r.Group(func(r chi.Router) {
			r.Use(requireRole(access.RoleStaff, access.RoleAdmin))
			r.Post("/api/admin/content", srv.handleCreateContent)
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(requireRole(access.RoleAdmin))
			r.Get("/api/admin/members", srv.handleAdminListMembers)
			r.Put("/api/admin/members/{memberID}/tier", srv.handleAdminUpdateTier)
			r.Get("/api/admin/donations", srv.handleAdminListDonations)
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
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// Drain waits for in-flight counter increments, or until ctx is done.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.counters.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
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

// --- helpers ---

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names in validation messages.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeBody reads a size-limited JSON body into dst and validates it. It
// writes the error response and returns false on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "min", "max", "gte", "lte":
		return fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
	}
}

// pageParams reads limit/offset query parameters. limit defaults to 50 and is capped at 500.
func pageParams(r *http.Request) (limit, offset int) {
	limit = 50
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
	return limit, offset
}

// audit records an audit event, logging instead of failing the request.
func (s *Server) audit(ctx context.Context, action, actorID, subjectID string, detail any) {
	var raw json.RawMessage
	if detail != nil {
		b, err := json.Marshal(detail)
		if err == nil {
			raw = b
		}
	}
	if err := s.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		ActorID:   actorID,
		SubjectID: subjectID,
		Detail:    raw,
		CreatedAt: s.now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

type dataResponse struct {
	Data any `json:"data"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, dataResponse{Data: data})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error body whose kind is derived from the status code.
func writeError(w http.ResponseWriter, status int, message string) {
	writeErrorKind(w, status, kindForStatus(status), message)
}

func writeErrorKind(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": message, "kind": kind})
}

func kindForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return KindUnauthenticated
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict:
		return KindConflict
	case http.StatusTooManyRequests:
		return KindRateLimited
	}
	if status >= 400 && status < 500 {
		return KindBadRequest
	}
	return KindInternal
}
