package namespace

import (
	"context"
	"log/slog"
	"slices"

	"gorm.io/datatypes"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/inventory/identity"
	"github.com/cloudforet-io/inventory/pkg/inventory/query"
	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

// Syncer brings the managed catalog of a domain up to date.
type Syncer interface {
	Sync(ctx context.Context, domainID string) (bool, error)
}

// GroupCreateRequest holds the fields of a new namespace group.
type GroupCreateRequest struct {
	NamespaceGroupID string         `json:"namespace_group_id"`
	Name             string         `json:"name" validate:"required"`
	Icon             string         `json:"icon" validate:"required"`
	Description      string         `json:"description"`
	Tags             map[string]any `json:"tags"`
	ResourceGroup    ResourceGroup  `json:"resource_group" validate:"required,oneof=DOMAIN WORKSPACE"`
}

// GroupUpdateRequest changes the set fields of a namespace group.
type GroupUpdateRequest struct {
	NamespaceGroupID string         `json:"namespace_group_id" validate:"required"`
	Name             *string        `json:"name"`
	Icon             *string        `json:"icon"`
	Description      *string        `json:"description"`
	Tags             map[string]any `json:"tags"`
}

// NamespaceCreateRequest holds the fields of a new namespace.
type NamespaceCreateRequest struct {
	NamespaceID      string         `json:"namespace_id"`
	Name             string         `json:"name" validate:"required"`
	Category         string         `json:"category" validate:"required"`
	Icon             string         `json:"icon"`
	Tag              map[string]any `json:"tag"`
	NamespaceGroupID string         `json:"namespace_group_id" validate:"required"`
	ResourceGroup    ResourceGroup  `json:"resource_group" validate:"required,oneof=DOMAIN WORKSPACE"`
}

// NamespaceUpdateRequest changes the set fields of a namespace.
type NamespaceUpdateRequest struct {
	NamespaceID string         `json:"namespace_id" validate:"required"`
	Name        *string        `json:"name"`
	Icon        *string        `json:"icon"`
	Tag         map[string]any `json:"tag"`
}

// Service implements the namespace group, namespace and metric operations.
type Service struct {
	groups     *GroupStore
	namespaces *NamespaceStore
	metrics    *MetricStore
	identity   identity.Client
	syncer     Syncer
	logger     *slog.Logger
}

// NewService creates a Service. syncer may be nil, in which case listing
// namespace groups does not refresh the managed catalog.
func NewService(groups *GroupStore, namespaces *NamespaceStore, metrics *MetricStore, idc identity.Client, syncer Syncer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		groups:     groups,
		namespaces: namespaces,
		metrics:    metrics,
		identity:   idc,
		syncer:     syncer,
		logger:     logger,
	}
}

// SetSyncer wires the managed catalog synchronizer after construction.
func (s *Service) SetSyncer(syncer Syncer) { s.syncer = syncer }

func tenantOf(ctx context.Context) (tenancy.TenantContext, error) {
	tc, ok := tenancy.TenantFromContext(ctx)
	if !ok || tc.DomainID == "" {
		return tc, errs.RequiredParameter("domain_id")
	}
	return tc, nil
}

// workspaceFor resolves the stored workspace of a new record from its
// resource group.
func (s *Service) workspaceFor(ctx context.Context, rg ResourceGroup, tc tenancy.TenantContext) (string, error) {
	switch rg {
	case ResourceGroupWorkspace:
		if tc.WorkspaceID == "" {
			return "", errs.RequiredParameter("workspace_id")
		}
		if err := s.identity.CheckWorkspace(ctx, tc.WorkspaceID, tc.DomainID); err != nil {
			return "", err
		}
		return tc.WorkspaceID, nil
	case ResourceGroupDomain:
		return "*", nil
	}
	return "", errs.InvalidParameter("resource_group", "must be DOMAIN or WORKSPACE")
}

// CreateGroup stores a tenant-authored namespace group.
func (s *Service) CreateGroup(ctx context.Context, req GroupCreateRequest) (*Group, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, errs.RequiredParameter("name")
	}
	ws, err := s.workspaceFor(ctx, req.ResourceGroup, tc)
	if err != nil {
		return nil, err
	}
	g := &Group{
		NamespaceGroupID: req.NamespaceGroupID,
		DomainID:         tc.DomainID,
		Name:             req.Name,
		Icon:             req.Icon,
		Description:      req.Description,
		Tags:             datatypes.JSONMap(orEmpty(req.Tags)),
		ResourceGroup:    req.ResourceGroup,
		WorkspaceID:      ws,
	}
	if g.NamespaceGroupID == "" {
		g.NamespaceGroupID = newID("nsg")
	}
	created, err := s.groups.CreateIfAbsent(ctx, g)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, errs.AlreadyExists("namespace_group_id", g.NamespaceGroupID)
	}
	return g, nil
}

// UpdateGroup changes a tenant-authored namespace group.
func (s *Service) UpdateGroup(ctx context.Context, req GroupUpdateRequest) (*Group, error) {
	g, err := s.mutableGroup(ctx, req.NamespaceGroupID)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		g.Name = *req.Name
	}
	if req.Icon != nil {
		g.Icon = *req.Icon
	}
	if req.Description != nil {
		g.Description = *req.Description
	}
	if req.Tags != nil {
		g.Tags = datatypes.JSONMap(req.Tags)
	}
	if err := s.groups.Save(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// DeleteGroup removes a tenant-authored namespace group that no namespace
// references.
func (s *Service) DeleteGroup(ctx context.Context, groupID string) error {
	g, err := s.mutableGroup(ctx, groupID)
	if err != nil {
		return err
	}
	child, err := s.namespaces.FirstInGroup(ctx, g.NamespaceGroupID, g.DomainID)
	if err != nil {
		return err
	}
	if child != nil {
		return errs.RelatedNamespaceExist(child.NamespaceID)
	}
	return s.groups.Delete(ctx, g.NamespaceGroupID, g.DomainID)
}

// GetGroup returns one namespace group visible to the caller.
func (s *Service) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	g, err := s.groups.Get(ctx, groupID, tc.DomainID, tc.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, errs.NotFound("namespace_group_id", groupID)
	}
	return g, nil
}

// ListGroups refreshes the managed catalog of the domain and then lists the
// namespace groups matching q.
func (s *Service) ListGroups(ctx context.Context, q query.Query) ([]Group, int64, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, 0, err
	}
	if s.syncer != nil {
		if _, err := s.syncer.Sync(ctx, tc.DomainID); err != nil {
			return nil, 0, err
		}
	}
	return s.groups.Query(ctx, scoped(q, tc))
}

// StatGroups runs sq over the namespace groups of the domain.
func (s *Service) StatGroups(ctx context.Context, sq query.StatQuery) ([]map[string]any, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	sq.Filter = append(slices.Clone(sq.Filter), scopeFilters(tc)...)
	return s.groups.Stat(ctx, sq)
}

// CreateNamespace stores a tenant-authored namespace inside an existing
// group.
func (s *Service) CreateNamespace(ctx context.Context, req NamespaceCreateRequest) (*Namespace, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, errs.RequiredParameter("name")
	}
	if req.NamespaceGroupID == "" {
		return nil, errs.RequiredParameter("namespace_group_id")
	}
	group, err := s.groups.Get(ctx, req.NamespaceGroupID, tc.DomainID, tc.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, errs.NotFound("namespace_group_id", req.NamespaceGroupID)
	}
	ws, err := s.workspaceFor(ctx, req.ResourceGroup, tc)
	if err != nil {
		return nil, err
	}
	ns := &Namespace{
		NamespaceID:      req.NamespaceID,
		DomainID:         tc.DomainID,
		Name:             req.Name,
		Category:         req.Category,
		Icon:             req.Icon,
		Tag:              datatypes.JSONMap(orEmpty(req.Tag)),
		ResourceGroup:    req.ResourceGroup,
		NamespaceGroupID: req.NamespaceGroupID,
		WorkspaceID:      ws,
	}
	if ns.NamespaceID == "" {
		ns.NamespaceID = newID("ns")
	}
	created, err := s.namespaces.CreateIfAbsent(ctx, ns)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, errs.AlreadyExists("namespace_id", ns.NamespaceID)
	}
	return ns, nil
}

// UpdateNamespace changes a tenant-authored namespace.
func (s *Service) UpdateNamespace(ctx context.Context, req NamespaceUpdateRequest) (*Namespace, error) {
	ns, err := s.mutableNamespace(ctx, req.NamespaceID)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		ns.Name = *req.Name
	}
	if req.Icon != nil {
		ns.Icon = *req.Icon
	}
	if req.Tag != nil {
		ns.Tag = datatypes.JSONMap(req.Tag)
	}
	if err := s.namespaces.Save(ctx, ns); err != nil {
		return nil, err
	}
	return ns, nil
}

// DeleteNamespace removes a tenant-authored namespace.
func (s *Service) DeleteNamespace(ctx context.Context, namespaceID string) error {
	ns, err := s.mutableNamespace(ctx, namespaceID)
	if err != nil {
		return err
	}
	return s.namespaces.Delete(ctx, ns.NamespaceID, ns.DomainID)
}

// GetNamespace returns one namespace visible to the caller.
func (s *Service) GetNamespace(ctx context.Context, namespaceID string) (*Namespace, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	ns, err := s.namespaces.Get(ctx, namespaceID, tc.DomainID, tc.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if ns == nil {
		return nil, errs.NotFound("namespace_id", namespaceID)
	}
	return ns, nil
}

// ListNamespaces lists the namespaces matching q.
func (s *Service) ListNamespaces(ctx context.Context, q query.Query) ([]Namespace, int64, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, 0, err
	}
	return s.namespaces.Query(ctx, scoped(q, tc))
}

// StatNamespaces runs sq over the namespaces of the domain.
func (s *Service) StatNamespaces(ctx context.Context, sq query.StatQuery) ([]map[string]any, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	sq.Filter = append(slices.Clone(sq.Filter), scopeFilters(tc)...)
	return s.namespaces.Stat(ctx, sq)
}

// GetMetric returns one metric visible to the caller.
func (s *Service) GetMetric(ctx context.Context, metricID string) (*Metric, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	m, err := s.metrics.Get(ctx, metricID, tc.DomainID, tc.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errs.NotFound("metric_id", metricID)
	}
	return m, nil
}

// ListMetrics lists the metrics matching q.
func (s *Service) ListMetrics(ctx context.Context, q query.Query) ([]Metric, int64, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, 0, err
	}
	return s.metrics.Query(ctx, scoped(q, tc))
}

// StatMetrics runs sq over the metrics of the domain.
func (s *Service) StatMetrics(ctx context.Context, sq query.StatQuery) ([]map[string]any, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	sq.Filter = append(slices.Clone(sq.Filter), scopeFilters(tc)...)
	return s.metrics.Stat(ctx, sq)
}

func (s *Service) mutableGroup(ctx context.Context, groupID string) (*Group, error) {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g.IsManaged {
		return nil, errs.PermissionDenied("managed namespace groups cannot be changed")
	}
	return g, nil
}

func (s *Service) mutableNamespace(ctx context.Context, namespaceID string) (*Namespace, error) {
	ns, err := s.GetNamespace(ctx, namespaceID)
	if err != nil {
		return nil, err
	}
	if ns.IsManaged {
		return nil, errs.PermissionDenied("managed namespaces cannot be changed")
	}
	return ns, nil
}

func scopeFilters(tc tenancy.TenantContext) []query.Condition {
	conds := []query.Condition{query.Filter("domain_id", query.OpEq, tc.DomainID)}
	if tc.WorkspaceID != "" {
		conds = append(conds, query.Filter("workspace_id", query.OpIn, []any{tc.WorkspaceID, "*"}))
	}
	return conds
}

func scoped(q query.Query, tc tenancy.TenantContext) query.Query {
	q = q.Clone()
	q.Filter = append(q.Filter, scopeFilters(tc)...)
	return q
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
