package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/revguard/revguard/internal/backfill"
	"github.com/revguard/revguard/internal/breaker"
	"github.com/revguard/revguard/internal/detect"
	"github.com/revguard/revguard/internal/identity"
	"github.com/revguard/revguard/internal/storage"
	"github.com/revguard/revguard/pkg/cache"
	"github.com/revguard/revguard/pkg/database"
	"github.com/revguard/revguard/pkg/events"
	"github.com/revguard/revguard/pkg/models"
)

// RouteMounter is satisfied by any package-local route table - the C6
// webhook receiver in particular - that the gateway mounts without
// importing its package (ingest already imports gateway for
// RateLimiter, so gateway cannot import ingest back).
type RouteMounter interface {
	Routes(r chi.Router)
}

// Deps bundles Gateway's constructor dependencies so NewGateway's
// signature stays readable as the wiring grows.
type Deps struct {
	DB           *database.Database
	Cache        *cache.Cache
	Logger       *zap.Logger
	AdminToken   string
	Bus          *events.Bus
	APIKeys      storage.APIKeyRepo
	Orgs         storage.OrgRepo
	Issues       storage.IssueRepo
	AlertConfig  storage.AlertConfigRepo
	Audit        storage.AuditLogRepo
	Breakers     *breaker.Registry
	Backfill     *backfill.Engine
	AccessChecks storage.AccessCheckRepo
	Entitlements storage.EntitlementRepo
	Connections  storage.BillingConnectionRepo
	Identity     *identity.Resolver
	Detector     *detect.Engine
}

// Gateway is revguard's HTTP edge: provider webhook ingestion, API key
// and alert-channel administration, and the issue query surface.
type Gateway struct {
	db          *database.Database
	cache       *cache.Cache
	logger      *zap.Logger
	auth        *Authenticator
	rateLimiter *RateLimiter
	router      *chi.Mux
	adminToken  string
	bus         *events.Bus

	apiKeys      storage.APIKeyRepo
	orgs         storage.OrgRepo
	issues       storage.IssueRepo
	alertConfig  storage.AlertConfigRepo
	audit        storage.AuditLogRepo
	breakers     *breaker.Registry
	backfill     *backfill.Engine
	accessChecks storage.AccessCheckRepo
	entitlements storage.EntitlementRepo
	connections  storage.BillingConnectionRepo
	identity     *identity.Resolver
	detector     *detect.Engine
}

// NewGateway builds the router and mounts every public RouteMounter
// (the C6 webhook receiver) alongside the authenticated admin surface.
func NewGateway(deps Deps, mounters ...RouteMounter) *Gateway {
	g := &Gateway{
		db:           deps.DB,
		cache:        deps.Cache,
		logger:       deps.Logger,
		auth:         NewAuthenticator(deps.APIKeys, deps.Cache, deps.Logger),
		rateLimiter:  NewRateLimiter(deps.Cache, deps.Logger),
		router:       chi.NewRouter(),
		adminToken:   deps.AdminToken,
		bus:          deps.Bus,
		apiKeys:      deps.APIKeys,
		orgs:         deps.Orgs,
		issues:       deps.Issues,
		alertConfig:  deps.AlertConfig,
		audit:        deps.Audit,
		breakers:     deps.Breakers,
		backfill:     deps.Backfill,
		accessChecks: deps.AccessChecks,
		entitlements: deps.Entitlements,
		connections:  deps.Connections,
		identity:     deps.Identity,
		detector:     deps.Detector,
	}

	g.setupRoutes(mounters)
	return g
}

// setupRoutes configures the HTTP routes.
func (g *Gateway) setupRoutes(mounters []RouteMounter) {
	securityConfig := DefaultSecurityConfig()
	g.router.Use(SecurityMiddleware(securityConfig))
	g.router.Use(APISecurityMiddleware())
	g.router.Use(RequestSizeLimitMiddleware(10 * 1024 * 1024))

	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.requestIDResponseMiddleware)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(60 * time.Second))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "https://*.revguard.io"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Admin-Token"},
		ExposedHeaders:   []string{"Link", "X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	g.registerMetrics()

	// === PUBLIC ENDPOINTS (no auth) ===
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Provider webhook endpoints authenticate by signature/credential
	// lookup per (org, source), not by bearer API key.
	g.router.Group(func(r chi.Router) {
		for _, m := range mounters {
			m.Routes(r)
		}
	})

	// === AUTHENTICATED API (Bearer api key, scope-checked per route) ===
	g.router.Group(func(r chi.Router) {
		r.Use(g.AuthMiddleware)

		r.With(RequireScope(models.ScopeReadIssues)).Get("/api/v1/issues", g.handleListIssues)

		r.With(RequireScope(models.ScopeWriteConfig)).Post("/api/v1/alert-configs", g.handleUpsertAlertConfig)

		r.With(RequireScope(models.ScopeAdmin)).Route("/api/v1/api-keys", func(r chi.Router) {
			r.Get("/", g.handleListAPIKeys)
			r.Post("/", g.handleCreateAPIKey)
			r.Delete("/{id}", g.handleRevokeAPIKey)
		})

		r.With(RequireScope(models.ScopeWriteConfig)).Post("/api/v1/backfill/{source}", g.handleStartBackfill)
		r.With(RequireScope(models.ScopeReadIssues)).Get("/api/v1/backfill/{source}/progress", g.handleBackfillProgress)

		r.With(RequireScope(models.ScopeAccessCheckWrite)).Post("/api/v1/access-checks", g.handleRecordAccessCheck)
		r.With(RequireScope(models.ScopeAccessCheckWrite)).Post("/api/v1/access-checks/batch", g.handleRecordAccessChecksBatch)
		r.With(RequireScope(models.ScopeReadIssues)).Get("/api/v1/connections/health", g.handleConnectionHealth)
	})

	// === PLATFORM ADMIN (X-Admin-Token auth) ===
	g.router.Group(func(r chi.Router) {
		r.Use(g.adminAuthMiddleware)
		r.Get("/api/v1/admin/breakers", g.handleAdminBreakerStatus)
	})
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// StartHealthMetrics starts a background goroutine that periodically
// samples dependency health into the dependency_up gauge.
func (g *Gateway) StartHealthMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.updateHealthMetrics(ctx)
			}
		}
	}()
}

func (g *Gateway) updateHealthMetrics(ctx context.Context) {
	dbStatus := 0.0
	if err := g.db.Health(ctx); err == nil {
		dbStatus = 1.0
	}
	dependencyUp.WithLabelValues("postgres").Set(dbStatus)

	redisStatus := 0.0
	if err := g.cache.Health(ctx); err == nil {
		redisStatus = 1.0
	}
	dependencyUp.WithLabelValues("redis").Set(redisStatus)
}

// Middleware implementations

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		authHeader := r.Header.Get("Authorization")
		anonymizedAuth := ""
		if authHeader != "" {
			anonymizedAuth = AnonymizeAPIKey(strings.TrimPrefix(authHeader, "Bearer "))
		}

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("api_key_prefix", anonymizedAuth),
		)
	})
}

func (g *Gateway) requestIDResponseMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		if reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminToken := r.Header.Get("X-Admin-Token")
		if adminToken == "" {
			g.writeError(w, http.StatusUnauthorized, "missing admin token")
			return
		}

		if subtle.ConstantTimeCompare([]byte(adminToken), []byte(g.adminToken)) != 1 {
			g.logger.Warn("invalid admin token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}

		g.logger.Info("admin action authenticated",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)

		next.ServeHTTP(w, r)
	})
}

// Handler implementations

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := g.db.Health(ctx); err != nil {
		g.writeError(w, http.StatusServiceUnavailable, "database not ready")
		return
	}
	if err := g.cache.Health(ctx); err != nil {
		g.writeError(w, http.StatusServiceUnavailable, "cache not ready")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

func (g *Gateway) handleListIssues(w http.ResponseWriter, r *http.Request) {
	key, _ := apiKeyFromContext(r.Context())
	issues, err := g.issues.ListOpen(r.Context(), key.OrgID)
	if err != nil {
		g.logger.Error("list open issues failed", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"issues": issues})
}

func (g *Gateway) handleUpsertAlertConfig(w http.ResponseWriter, r *http.Request) {
	key, _ := apiKeyFromContext(r.Context())

	var cfg models.AlertConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg.OrgID = key.OrgID

	if err := g.alertConfig.Upsert(r.Context(), &cfg); err != nil {
		g.logger.Error("upsert alert config failed", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if g.audit != nil {
		_ = g.audit.Record(r.Context(), &models.AuditLogEntry{
			OrgID:    key.OrgID,
			Action:   models.AuditAlertConfigChange,
			ActorRef: key.Prefix,
			Subject:  cfg.ID.String(),
			Detail:   map[string]any{"channel": cfg.Channel, "enabled": cfg.Enabled},
		})
	}

	g.writeJSON(w, http.StatusOK, cfg)
}

func (g *Gateway) handleAdminBreakerStatus(w http.ResponseWriter, r *http.Request) {
	if g.breakers == nil {
		g.writeJSON(w, http.StatusOK, map[string]interface{}{"breakers": []breaker.Status{}})
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"breakers": g.breakers.Snapshot()})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    "invalid_request_error",
		},
	})
}
