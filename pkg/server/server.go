// Package server exposes the inventory operations over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cloudforet-io/inventory/pkg/audit"
	"github.com/cloudforet-io/inventory/pkg/cache"
	"github.com/cloudforet-io/inventory/pkg/inventory/asset"
	"github.com/cloudforet-io/inventory/pkg/inventory/assettype"
	"github.com/cloudforet-io/inventory/pkg/inventory/collectorrule"
	"github.com/cloudforet-io/inventory/pkg/inventory/job"
	"github.com/cloudforet-io/inventory/pkg/inventory/managed"
	"github.com/cloudforet-io/inventory/pkg/inventory/namespace"
	"github.com/cloudforet-io/inventory/pkg/inventory/region"
	"github.com/cloudforet-io/inventory/pkg/metrics"
	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

// BasePath prefixes every inventory route.
const BasePath = "/api/inventory/v2"

// Services are the operations the server exposes. A nil service leaves its
// routes unmounted.
type Services struct {
	Assets     *asset.Manager
	AssetTypes *assettype.Service
	Regions    *region.Service
	Namespaces *namespace.Service
	Rules      *collectorrule.Service
	Jobs       *job.Service
	Managed    *managed.Synchronizer
}

// Options configure the router.
type Options struct {
	// PageLimit caps and defaults the page size of list requests.
	PageLimit     int
	CORSOrigins   []string
	TenancyMode   tenancy.TenancyMode
	DefaultDomain string
	Metrics       *metrics.Metrics
	Cache         *cache.CacheManager
	// Audit records API writes when set; AuditConfig may disable it.
	Audit       *audit.Store
	AuditConfig *audit.AuditConfig
	// Ready reports whether dependencies such as the database are up.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

// Server routes HTTP requests to the inventory services.
type Server struct {
	svc       Services
	opts      Options
	logger    *slog.Logger
	startedAt time.Time
	router    chi.Router
}

// New builds the server and mounts its routes.
func New(svc Services, opts Options) *Server {
	if opts.PageLimit <= 0 {
		opts.PageLimit = 1000
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, opts: opts, logger: logger, startedAt: time.Now()}
	s.router = s.routes()
	return s
}

// Router returns the mounted router.
func (s *Server) Router() chi.Router { return s.router }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.opts.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			tenancy.DomainHeader, tenancy.WorkspaceHeader, tenancy.UserHeader, tenancy.UserProjectsHeader,
		},
		MaxAge: 300,
	}))

	r.Get("/healthz", s.healthHandler)
	r.Get("/livez", s.healthHandler)
	r.Get("/readyz", s.readyHandler)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.Handler())
	}

	r.Route(BasePath, func(r chi.Router) {
		r.Use(tenancy.NewMiddleware(s.opts.TenancyMode, s.opts.DefaultDomain))
		r.Use(audit.Middleware(s.opts.Audit, s.opts.AuditConfig, BasePath, s.logger))
		if s.svc.Assets != nil {
			s.assetRoutes(r)
		}
		if s.svc.AssetTypes != nil {
			s.assetTypeRoutes(r)
		}
		if s.svc.Regions != nil {
			s.regionRoutes(r)
		}
		if s.svc.Namespaces != nil {
			s.namespaceRoutes(r)
		}
		if s.svc.Rules != nil {
			s.ruleRoutes(r)
		}
		if s.svc.Jobs != nil {
			s.jobRoutes(r)
		}
		if s.svc.Managed != nil {
			r.With(s.opts.Cache.CatalogMiddleware()).Post("/managed:sync", s.syncManagedHandler)
		}
		if s.opts.Audit != nil {
			r.Group(audit.Routes(s.opts.Audit, s.logger))
		}
	})
	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	db := map[string]string{"status": "not_configured"}
	status := http.StatusOK
	if s.opts.Ready != nil {
		db["status"] = "up"
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			db["status"] = "down"
			db["error"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	overall := "ready"
	if status != http.StatusOK {
		overall = "not_ready"
	}
	writeJSON(w, status, map[string]any{
		"status":     overall,
		"components": map[string]any{"database": db},
	})
}

func (s *Server) syncManagedHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Managed.SyncDetailed(r.Context(), tenancy.DomainFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
