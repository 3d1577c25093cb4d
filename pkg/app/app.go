// Package app assembles the inventory stores, services and collection
// workers on one database.
package app

import (
	"context"
	"errors"
	"log/slog"

	"gorm.io/gorm"

	"github.com/cloudforet-io/inventory/pkg/audit"
	"github.com/cloudforet-io/inventory/pkg/cache"
	"github.com/cloudforet-io/inventory/pkg/config"
	"github.com/cloudforet-io/inventory/pkg/database"
	"github.com/cloudforet-io/inventory/pkg/inventory/asset"
	"github.com/cloudforet-io/inventory/pkg/inventory/assettype"
	"github.com/cloudforet-io/inventory/pkg/inventory/collectionstate"
	"github.com/cloudforet-io/inventory/pkg/inventory/collectorrule"
	"github.com/cloudforet-io/inventory/pkg/inventory/identity"
	"github.com/cloudforet-io/inventory/pkg/inventory/job"
	"github.com/cloudforet-io/inventory/pkg/inventory/managed"
	"github.com/cloudforet-io/inventory/pkg/inventory/namespace"
	"github.com/cloudforet-io/inventory/pkg/inventory/plugin"
	"github.com/cloudforet-io/inventory/pkg/inventory/region"
	"github.com/cloudforet-io/inventory/pkg/metrics"
	"github.com/cloudforet-io/inventory/pkg/server"
)

// Deps are the external collaborators of an App. Nil identity and secrets
// fall back to in-memory implementations and nil plugins to a gRPC
// transport.
type Deps struct {
	Identity identity.Client
	Secrets  job.SecretResolver
	Plugins  plugin.Transport
	Catalog  *managed.Loader
	Cache    *cache.CacheConfig
	Jobs     *job.Config
	Audit    *audit.AuditConfig
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// App holds every store and service of the inventory.
type App struct {
	DB       *gorm.DB
	Services server.Services
	Workers  *job.WorkerPool
	Cache    *cache.CacheManager
	Metrics  *metrics.Metrics
	Audit    *audit.Store

	auditCfg *audit.AuditConfig
	stores   []database.Migrator
}

// New wires the inventory on db.
func New(db *gorm.DB, d Deps) *App {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idc := d.Identity
	if idc == nil {
		idc = identity.NewStaticClient()
	}
	if d.Cache != nil && d.Cache.Enabled {
		idc = identity.NewCachedClient(idc, *d.Cache)
	}
	secrets := d.Secrets
	if secrets == nil {
		secrets = job.StaticSecrets{}
	}
	plugins := d.Plugins
	if plugins == nil {
		plugins = plugin.NewGRPCTransport()
	}
	catalog := d.Catalog
	if catalog == nil {
		catalog = managed.DefaultLoader()
	}

	assets := asset.NewStore(db)
	history := asset.NewHistoryStore(db)
	states := collectionstate.NewStore(db)
	assetTypes := assettype.NewStore(db)
	regions := region.NewStore(db)
	groups := namespace.NewGroupStore(db)
	namespaces := namespace.NewNamespaceStore(db)
	metricRows := namespace.NewMetricStore(db)
	rules := collectorrule.NewStore(db)
	jobs := job.NewStore(db)
	events := audit.NewStore(db)
	auditCfg := d.Audit
	if auditCfg == nil {
		auditCfg = audit.DefaultAuditConfig()
	}

	engine := collectorrule.NewEngine(rules, idc, d.Cache, logger)
	ruleSvc := collectorrule.NewService(rules, idc, engine, logger)
	syncer := managed.NewSynchronizer(catalog, groups, namespaces, metricRows, d.Cache, logger, d.Metrics)
	gateway := plugin.NewGateway(plugins, nil, logger, d.Metrics)

	assetMgr := asset.NewManager(asset.Deps{
		Store:    assets,
		History:  history,
		Identity: idc,
		Rules:    engine,
		States:   states,
		Logger:   logger,
		Metrics:  d.Metrics,
	})
	assetTypeSvc := assettype.NewService(assetTypes, idc, logger)
	regionSvc := region.NewService(regions, idc, logger)

	a := &App{
		DB: db,
		Services: server.Services{
			Assets:     assetMgr,
			AssetTypes: assetTypeSvc,
			Regions:    regionSvc,
			Namespaces: namespace.NewService(groups, namespaces, metricRows, idc, syncer, logger),
			Rules:      ruleSvc,
			Jobs:       job.NewService(jobs, gateway, ruleSvc, secrets, logger),
			Managed:    syncer,
		},
		Workers: job.NewWorkerPool(job.WorkerDeps{
			Store:      jobs,
			Gateway:    gateway,
			Secrets:    secrets,
			Assets:     assetMgr,
			AssetTypes: assetTypeSvc,
			Regions:    regionSvc,
			States:     states,
			Logger:     logger,
			Metrics:    d.Metrics,
		}, d.Jobs),
		Cache:    cache.NewCacheManager(d.Cache),
		Metrics:  d.Metrics,
		Audit:    events,
		auditCfg: auditCfg,
		stores: []database.Migrator{
			assets, history, states, assetTypes, regions,
			groups, namespaces, metricRows, rules, jobs, events,
		},
	}
	return a
}

// Migrate creates or updates every table while holding locker.
func (a *App) Migrate(ctx context.Context, locker database.MigrationLocker) error {
	return database.Migrate(ctx, locker, a.stores...)
}

// Server returns the HTTP server over the app's services.
func (a *App) Server(cfg config.ServerConfig, tenancy config.TenancyConfig, logger *slog.Logger) *server.Server {
	return server.New(a.Services, server.Options{
		PageLimit:     cfg.PageLimit,
		CORSOrigins:   cfg.CORSOrigins,
		TenancyMode:   tenancy.Mode,
		DefaultDomain: tenancy.DefaultDomain,
		Metrics:       a.Metrics,
		Cache:         a.Cache,
		Audit:         a.Audit,
		AuditConfig:   a.auditCfg,
		Ready:         func(ctx context.Context) error { return database.Ping(ctx, a.DB) },
		Logger:        logger,
	})
}

// Remote holds the gRPC transports an App built from configuration owns.
type Remote struct {
	transports []*plugin.GRPCTransport
}

// Close closes every transport.
func (r *Remote) Close() error {
	var errList []error
	for _, t := range r.transports {
		errList = append(errList, t.Close())
	}
	return errors.Join(errList...)
}

// FromConfig builds the external collaborators described by cfg. Empty
// identity and secret endpoints use in-memory implementations.
func FromConfig(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (Deps, *Remote) {
	remote := &Remote{}
	plugins := plugin.NewGRPCTransport()
	remote.transports = append(remote.transports, plugins)

	d := Deps{
		Plugins: plugins,
		Cache:   &cfg.Cache,
		Jobs:    &cfg.Job,
		Audit:   &cfg.Audit,
		Logger:  logger,
		Metrics: m,
	}
	if cfg.Identity.Endpoint != "" {
		t := identity.NewGRPCTransport(cfg.Identity.Token)
		remote.transports = append(remote.transports, t)
		d.Identity = identity.NewGRPCClient(t, cfg.Identity.Endpoint)
	}
	if cfg.Secret.Endpoint != "" {
		t := job.NewSecretTransport(cfg.Secret.Token)
		remote.transports = append(remote.transports, t)
		d.Secrets = job.NewGRPCSecrets(t, cfg.Secret.Endpoint)
	} else {
		d.Secrets = job.StaticSecrets(cfg.Secret.Static)
	}
	return d, remote
}
