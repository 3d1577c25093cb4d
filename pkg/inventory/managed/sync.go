package managed

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"

	"github.com/cloudforet-io/inventory/pkg/cache"
	"github.com/cloudforet-io/inventory/pkg/inventory/namespace"
	"github.com/cloudforet-io/inventory/pkg/metrics"
)

// Counts tallies what one sync did to one kind of record.
type Counts struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// SyncResult reports a sync per kind of record.
type SyncResult struct {
	DomainID        string `json:"domain_id"`
	NamespaceGroups Counts `json:"namespace_groups"`
	Namespaces      Counts `json:"namespaces"`
	Metrics         Counts `json:"metrics"`
}

// Synchronizer creates the catalog records a domain is missing and updates
// those whose version differs from the catalog. It never deletes: records
// dropped from the catalog stay in the domain.
type Synchronizer struct {
	loader     *Loader
	groups     *namespace.GroupStore
	namespaces *namespace.NamespaceStore
	metricRows *namespace.MetricStore
	logger     *slog.Logger
	metrics    *metrics.Metrics

	flight singleflight.Group
	synced *cache.LRUCache[time.Time]
}

// NewSynchronizer creates a Synchronizer. When cfg enables caching, Sync
// skips domains synced within cfg.CatalogTTL; SyncDetailed always runs.
func NewSynchronizer(loader *Loader, groups *namespace.GroupStore, namespaces *namespace.NamespaceStore, metricRows *namespace.MetricStore, cfg *cache.CacheConfig, logger *slog.Logger, m *metrics.Metrics) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Synchronizer{
		loader:     loader,
		groups:     groups,
		namespaces: namespaces,
		metricRows: metricRows,
		logger:     logger,
		metrics:    m,
	}
	if cfg != nil && cfg.Enabled {
		s.synced = cache.NewLRUCache[time.Time](cfg.MaxSize, cfg.CatalogTTL)
	}
	return s
}

// Sync brings the domain up to date and reports success.
func (s *Synchronizer) Sync(ctx context.Context, domainID string) (bool, error) {
	if s.synced != nil {
		if _, ok := s.synced.Get(domainID); ok {
			return true, nil
		}
	}
	if _, err := s.SyncDetailed(ctx, domainID); err != nil {
		return false, err
	}
	return true, nil
}

// SyncDetailed brings the domain up to date and reports what changed.
// Concurrent calls for one domain share a single run, which outlives the
// cancellation of whichever caller started it.
func (s *Synchronizer) SyncDetailed(ctx context.Context, domainID string) (*SyncResult, error) {
	v, err, _ := s.flight.Do(domainID, func() (any, error) {
		return s.sync(context.WithoutCancel(ctx), domainID)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*SyncResult)
	return &res, nil
}

func (s *Synchronizer) sync(ctx context.Context, domainID string) (*SyncResult, error) {
	c, err := s.loader.Catalog()
	if err != nil {
		return nil, fmt.Errorf("load managed catalog: %w", err)
	}
	res := &SyncResult{DomainID: domainID}

	res.NamespaceGroups, err = syncKind(ctx, s.groups, c.Groups, domainID,
		func(d GroupDef) *namespace.Group {
			return &namespace.Group{
				NamespaceGroupID: d.NamespaceGroupID,
				DomainID:         domainID,
				Name:             d.Name,
				Icon:             d.Icon,
				Description:      d.Description,
				Tags:             datatypes.JSONMap(cloneMap(d.Tags)),
				IsManaged:        true,
				ResourceGroup:    namespace.ResourceGroupDomain,
				WorkspaceID:      "*",
				Version:          d.Version,
			}
		},
		func(stored, next *namespace.Group) { next.CreatedAt = stored.CreatedAt },
		func(d GroupDef) string { return d.Version })
	if err != nil {
		return nil, err
	}

	res.Namespaces, err = syncKind(ctx, s.namespaces, c.Namespaces, domainID,
		func(d NamespaceDef) *namespace.Namespace {
			return &namespace.Namespace{
				NamespaceID:      d.NamespaceID,
				DomainID:         domainID,
				Name:             d.Name,
				Category:         d.Category,
				Icon:             d.Icon,
				Tag:              datatypes.JSONMap(cloneMap(d.Tag)),
				IsManaged:        true,
				ResourceGroup:    namespace.ResourceGroupDomain,
				NamespaceGroupID: d.NamespaceGroupID,
				WorkspaceID:      "*",
				Version:          d.Version,
			}
		},
		func(stored, next *namespace.Namespace) { next.CreatedAt = stored.CreatedAt },
		func(d NamespaceDef) string { return d.Version })
	if err != nil {
		return nil, err
	}

	res.Metrics, err = syncKind(ctx, s.metricRows, c.Metrics, domainID,
		func(d MetricDef) *namespace.Metric {
			labels := make(datatypes.JSONSlice[map[string]any], 0, len(d.LabelsInfo))
			for _, l := range d.LabelsInfo {
				labels = append(labels, cloneMap(l))
			}
			return &namespace.Metric{
				MetricID:      d.MetricID,
				DomainID:      domainID,
				Name:          d.Name,
				MetricType:    namespace.MetricType(d.MetricType),
				ResourceType:  d.ResourceType,
				QueryOptions:  datatypes.JSONMap(cloneMap(d.QueryOptions)),
				DateField:     d.DateField,
				Unit:          d.Unit,
				Tags:          datatypes.JSONMap(cloneMap(d.Tags)),
				LabelsInfo:    labels,
				IsManaged:     true,
				ResourceGroup: namespace.ResourceGroupDomain,
				NamespaceID:   d.NamespaceID,
				WorkspaceID:   "*",
				Version:       d.Version,
			}
		},
		func(stored, next *namespace.Metric) { next.CreatedAt = stored.CreatedAt },
		func(d MetricDef) string { return d.Version })
	if err != nil {
		return nil, err
	}

	for kind, n := range map[string]Counts{
		"namespace_group": res.NamespaceGroups,
		"namespace":       res.Namespaces,
		"metric":          res.Metrics,
	} {
		s.metrics.ManagedSync(kind, "created", n.Created)
		s.metrics.ManagedSync(kind, "updated", n.Updated)
	}
	if s.synced != nil {
		s.synced.Set(domainID, time.Now())
	}
	s.logger.Debug("managed catalog synced", "domainID", domainID,
		"namespaceGroups", res.NamespaceGroups, "namespaces", res.Namespaces, "metrics", res.Metrics)
	return res, nil
}

// catalogStore is the part of a namespace store sync needs.
type catalogStore[T any] interface {
	ManagedVersions(ctx context.Context, domainID string) (map[string]string, error)
	CreateIfAbsent(ctx context.Context, row *T) (bool, error)
	Get(ctx context.Context, id, domainID, workspaceID string) (*T, error)
	Save(ctx context.Context, row *T) error
}

// syncKind reconciles one kind of record. Catalog ids are visited in sorted
// order so runs are deterministic. A create that loses a race to another
// process is counted as unchanged.
func syncKind[D, T any](
	ctx context.Context,
	store catalogStore[T],
	defs map[string]D,
	domainID string,
	build func(D) *T,
	keep func(stored, next *T),
	version func(D) string,
) (Counts, error) {
	var counts Counts
	installed, err := store.ManagedVersions(ctx, domainID)
	if err != nil {
		return counts, err
	}
	for _, id := range slices.Sorted(maps.Keys(defs)) {
		def := defs[id]
		stored, ok := installed[id]
		switch {
		case !ok:
			created, err := store.CreateIfAbsent(ctx, build(def))
			if err != nil {
				return counts, err
			}
			if created {
				counts.Created++
			} else {
				counts.Unchanged++
			}
		case stored != version(def):
			current, err := store.Get(ctx, id, domainID, "")
			if err != nil {
				return counts, err
			}
			if current == nil {
				continue
			}
			next := build(def)
			keep(current, next)
			if err := store.Save(ctx, next); err != nil {
				return counts, err
			}
			counts.Updated++
		default:
			counts.Unchanged++
		}
	}
	return counts, nil
}

// cloneMap copies the top level of m. Nil becomes an empty map.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return maps.Clone(m)
}
