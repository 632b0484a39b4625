package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arkeep-io/arkeep/server/internal/agentconn"
	"github.com/arkeep-io/arkeep/server/internal/audit"
	"github.com/arkeep-io/arkeep/server/internal/auth"
	"github.com/arkeep-io/arkeep/server/internal/cvemirror"
	"github.com/arkeep-io/arkeep/server/internal/orchestrator"
	"github.com/arkeep-io/arkeep/server/internal/registry"
	"github.com/arkeep-io/arkeep/server/internal/repository"
	"github.com/arkeep-io/arkeep/server/internal/secevents"
	"github.com/arkeep-io/arkeep/server/internal/statecache"
	"github.com/arkeep-io/arkeep/server/internal/webconn"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated in main.go after all components are initialized and passed to
// NewRouter as a single struct to keep the constructor signature manageable
// as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.AuthService
	Logger      *zap.Logger
	Audit       audit.Logger

	Users             repository.UserRepository
	Machines          repository.MachineRepository
	UserMachineAccess repository.UserMachineAccessRepository
	Jobs              repository.JobRepository
	Executions        repository.ExecutionRepository
	OIDCProviders     repository.OIDCProviderRepository

	Registry   *registry.Registry
	StateCache *statecache.Cache
	WebHub     *webconn.Hub
	AgentDeps  agentconn.Deps

	Orchestrator *orchestrator.Orchestrator
	CVEMatcher   *cvemirror.Matcher
	SecEvents    *secevents.Engine

	// Secure controls whether auth cookies are set with the Secure flag.
	// Set to true in production (HTTPS), false in local development.
	Secure bool
}

// NewRouter builds and returns the fully configured Chi router. All routes
// are registered under /api/v1 except the two WebSocket upgrades, which sit
// at the root so the agent's URL doesn't embed an API version.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Audit, cfg.Logger, cfg.Secure)
	userHandler := NewUserHandler(cfg.Users, cfg.Audit, cfg.Logger)
	machineHandler := NewMachineHandler(cfg.Machines, cfg.UserMachineAccess, cfg.StateCache, cfg.Registry, cfg.Audit, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Orchestrator, cfg.Jobs, cfg.Executions, cfg.Logger)
	securityHandler := NewSecurityHandler(cfg.CVEMatcher, cfg.SecEvents, cfg.Logger)
	settingsHandler := NewSettingsHandler(cfg.OIDCProviders, cfg.Logger)
	wsHandler := NewWSHandler(cfg.AgentDeps, cfg.WebHub, cfg.AuthService.JWTManager(), cfg.Logger)
	agentHTTPHandler := NewAgentHTTPHandler(cfg.AgentDeps, cfg.Audit, cfg.Logger)

	// jwtMgr is used by the Authenticate middleware to validate Bearer tokens.
	jwtMgr := cfg.AuthService.JWTManager()

	// --- WebSocket upgrades (outside /api/v1, each does its own auth) ---
	r.Get("/ws/agent", wsHandler.ServeAgent)
	r.Get("/ws/web", wsHandler.ServeWeb)

	// --- Prometheus scrape endpoint (ambient, unauthenticated like the
	// WebSocket upgrades — scraped by an in-cluster collector, not a browser) ---
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes (no authentication required) ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)

			// OIDC flow — public because the user is not yet authenticated.
			r.Get("/auth/oidc/login", authHandler.OIDCLogin)
			r.Get("/auth/oidc/callback", authHandler.OIDCCallback)
		})

		// --- Agent-HTTP fallback routes (authenticated by x-agent-secret,
		// not JWT, for agents that cannot hold the WebSocket open) ---
		r.Group(func(r chi.Router) {
			r.Post("/agent/scan", agentHTTPHandler.Scan)
			r.Post("/agent/scan-progress", agentHTTPHandler.ScanProgress)
			r.Post("/agent/security-events", agentHTTPHandler.SecurityEvents)
			r.Post("/agent/audit", agentHTTPHandler.Audit)
		})

		// --- Authenticated routes (valid JWT required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(jwtMgr))

			// Auth
			r.Post("/auth/logout", authHandler.Logout)

			// Current user profile
			r.Get("/users/me", userHandler.GetMe)
			r.Patch("/users/me", userHandler.UpdateMe)

			// Machines
			r.Get("/machines", machineHandler.List)
			r.Get("/machines/{id}", machineHandler.GetByID)
			r.Post("/machines/{id}/access", machineHandler.GrantAccess)
			r.Delete("/machines/{id}/access/{userId}", machineHandler.RevokeAccess)

			// Bulk jobs (C8)
			r.Get("/jobs", jobHandler.List)
			r.Post("/jobs", jobHandler.Create)
			r.Get("/jobs/{id}", jobHandler.GetByID)
			r.Post("/jobs/{id}/abort", jobHandler.Abort)

			// Security — CVE mirror state/trigger (C9), security events (C10)
			r.Get("/security/cve", securityHandler.GetCVEState)
			r.Post("/security/cve", securityHandler.TriggerCVESync)
			r.Get("/machines/{id}/security/events", securityHandler.ListEvents)
			r.Post("/machines/{id}/security/resolve", securityHandler.ResolveAll)
			r.Patch("/machines/{id}/security/resolve", securityHandler.ResolvePartial)
			r.Patch("/machines/{id}/security/acknowledge", securityHandler.Acknowledge)

			// --- Admin-only routes ---
			r.Group(func(r chi.Router) {
				r.Use(RequireRole("admin"))

				// User management
				r.Get("/users", userHandler.List)
				r.Post("/users", userHandler.Create)
				r.Get("/users/{id}", userHandler.GetByID)
				r.Patch("/users/{id}", userHandler.Update)
				r.Delete("/users/{id}", userHandler.Delete)

				// Machine deletion
				r.Delete("/machines/{id}", machineHandler.Delete)

				// OIDC provider configuration
				r.Get("/settings/oidc", settingsHandler.GetOIDC)
				r.Put("/settings/oidc", settingsHandler.UpsertOIDC)
			})
		})
	})

	return r
}
