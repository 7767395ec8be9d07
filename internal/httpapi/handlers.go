package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"campusadmin.org/internal/auth"
	"campusadmin.org/internal/obs"
	"campusadmin.org/internal/perm"
)

const (
	defaultMaxBody   = 1 << 20
	defaultRateBurst = 10
	defaultRatePerS  = 5
)

// ReadyProbe reports whether backing stores are reachable.
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the HTTP layer. Service is required.
type Deps struct {
	Service *auth.Service
	Metrics *obs.Metrics
	Logger  *zap.Logger
	Ready   ReadyProbe
	Version string

	// Credential endpoint limits per client IP. Zero uses the defaults.
	RateBurst     int
	RatePerSecond int

	// TrustedProxies lists the peers whose X-Forwarded-For is honoured.
	TrustedProxies []netip.Prefix
}

// API is the HTTP surface over auth.Service.
type API struct {
	svc      *auth.Service
	metrics  *obs.Metrics
	log      *zap.Logger
	ready    ReadyProbe
	version  string
	validate *validator.Validate
	limiter  *ipLimiter
	proxies  []netip.Prefix
	router   chi.Router
}

// New builds the API and its routes.
func New(d Deps) *API {
	a := &API{
		svc:      d.Service,
		metrics:  d.Metrics,
		log:      d.Logger,
		ready:    d.Ready,
		version:  d.Version,
		validate: newValidator(),
		proxies:  d.TrustedProxies,
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	burst, perSecond := d.RateBurst, d.RatePerSecond
	if burst <= 0 {
		burst = defaultRateBurst
	}
	if perSecond <= 0 {
		perSecond = defaultRatePerS
	}
	a.limiter = newIPLimiter(burst, perSecond, 5*time.Minute)
	a.router = a.routes()
	return a
}

// Handler returns the root handler for the server.
func (a *API) Handler() http.Handler { return a.router }

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.Logging)
	r.Use(middleware.Recoverer)
	if a.metrics != nil {
		r.Use(a.metrics.Instrument)
	}
	r.Use(SecurityHeaders)
	r.Use(MaxBodyBytes(defaultMaxBody))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(a.RateLimit)
			r.Post("/auth/register", a.handleRegister)
			r.Post("/auth/login", a.handleLogin)
			r.Post("/auth/refresh", a.handleRefresh)
			r.Post("/auth/logout", a.handleLogout)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)
			r.Get("/me", a.handleMe)
			r.With(a.RateLimit).Post("/auth/password", a.handleChangePassword)
			r.With(requireAny(perm.RoleRead, perm.RoleAssignPermission)).Get("/permissions", a.handleListPermissions)

			r.Route("/users/{userID}", func(r chi.Router) {
				r.With(requireAll(perm.UserAssignRole)).Put("/roles", a.handleAssignRoles)
				r.With(requireAll(perm.UserActivate)).Patch("/status", a.handleUserStatus)
				r.With(requireAll(perm.UserDelete)).Delete("/", a.handleDeleteUser)
			})
			r.Route("/roles/{roleID}", func(r chi.Router) {
				r.With(requireAll(perm.RoleAssignPermission)).Put("/permissions", a.handleAssignPermissions)
				r.With(requireAll(perm.RoleUpdate)).Patch("/status", a.handleRoleStatus)
				r.With(requireAll(perm.RoleUpdate)).Patch("/", a.handleRenameRole)
				r.With(requireAll(perm.RoleDelete)).Delete("/", a.handleDeleteRole)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "campusadmin-auth",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready.Ping(ctx); err != nil {
			a.log.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
