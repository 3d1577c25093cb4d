package region

import (
	"context"
	"log/slog"
	"reflect"
	"slices"

	"gorm.io/datatypes"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/inventory/identity"
	"github.com/cloudforet-io/inventory/pkg/inventory/keycodec"
	"github.com/cloudforet-io/inventory/pkg/inventory/query"
	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

// CreateRequest holds the fields of a new region.
type CreateRequest struct {
	Name          string        `json:"name" validate:"required"`
	RegionCode    string        `json:"region_code" validate:"required"`
	Provider      string        `json:"provider" validate:"required"`
	Tags          any           `json:"tags"`
	ResourceGroup ResourceGroup `json:"resource_group" validate:"required,oneof=DOMAIN WORKSPACE"`
}

// UpdateRequest changes the set fields of a region.
type UpdateRequest struct {
	RegionID string  `json:"region_id" validate:"required"`
	Name     *string `json:"name"`
	Tags     any     `json:"tags"`
}

// Service implements the region operations.
type Service struct {
	store    *Store
	identity identity.Client
	logger   *slog.Logger
}

// NewService creates a Service.
func NewService(store *Store, idc identity.Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, identity: idc, logger: logger}
}

func tenantOf(ctx context.Context) (tenancy.TenantContext, error) {
	tc, ok := tenancy.TenantFromContext(ctx)
	if !ok || tc.DomainID == "" {
		return tc, errs.RequiredParameter("domain_id")
	}
	return tc, nil
}

// Create stores a region. The region id is {provider}-{region_code}.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Region, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	for key, v := range map[string]string{"name": req.Name, "region_code": req.RegionCode, "provider": req.Provider} {
		if v == "" {
			return nil, errs.RequiredParameter(key)
		}
	}
	tags, err := keycodec.TagsToDict(req.Tags)
	if err != nil {
		return nil, errs.InvalidParameter("tags", err.Error())
	}

	var ws string
	switch req.ResourceGroup {
	case ResourceGroupWorkspace:
		if tc.WorkspaceID == "" {
			return nil, errs.RequiredParameter("workspace_id")
		}
		if err := s.identity.CheckWorkspace(ctx, tc.WorkspaceID, tc.DomainID); err != nil {
			return nil, err
		}
		ws = tc.WorkspaceID
	case ResourceGroupDomain:
		ws = "*"
	default:
		return nil, errs.InvalidParameter("resource_group", "must be DOMAIN or WORKSPACE")
	}

	r := &Region{
		RegionID:      RegionID(req.Provider, req.RegionCode),
		DomainID:      tc.DomainID,
		Name:          req.Name,
		RegionCode:    req.RegionCode,
		Provider:      req.Provider,
		Tags:          datatypes.JSONMap(tags),
		ResourceGroup: req.ResourceGroup,
		WorkspaceID:   ws,
	}
	created, err := s.store.CreateIfAbsent(ctx, r)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, errs.AlreadyExists("region_id", r.RegionID)
	}
	return r, nil
}

// Update changes the name or tags of a region.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (*Region, error) {
	r, err := s.Get(ctx, req.RegionID)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		r.Name = *req.Name
	}
	if req.Tags != nil {
		tags, err := keycodec.TagsToDict(req.Tags)
		if err != nil {
			return nil, errs.InvalidParameter("tags", err.Error())
		}
		r.Tags = datatypes.JSONMap(tags)
	}
	if err := s.store.Save(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Delete removes a region.
func (s *Service) Delete(ctx context.Context, regionID string) error {
	r, err := s.Get(ctx, regionID)
	if err != nil {
		return err
	}
	return s.store.Delete(ctx, r.RegionID, r.DomainID)
}

// Get returns one region visible to the caller.
func (s *Service) Get(ctx context.Context, regionID string) (*Region, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	if regionID == "" {
		return nil, errs.RequiredParameter("region_id")
	}
	r, err := s.store.Get(ctx, regionID, tc.DomainID, tc.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errs.NotFound("region_id", regionID)
	}
	return r, nil
}

// List lists the regions matching q.
func (s *Service) List(ctx context.Context, q query.Query) ([]Region, int64, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, 0, err
	}
	q = q.Clone()
	q.Filter = append(q.Filter, scopeFilters(tc)...)
	return s.store.Query(ctx, q)
}

// Stat runs sq over the regions of the domain.
func (s *Service) Stat(ctx context.Context, sq query.StatQuery) ([]map[string]any, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	sq.Filter = append(slices.Clone(sq.Filter), scopeFilters(tc)...)
	return s.store.Stat(ctx, sq)
}

// Upsert stores a region reported by a collector. A region the domain
// already has keeps its scope; only its name and tags follow the payload.
// It reports whether the region was created.
func (s *Service) Upsert(ctx context.Context, payload map[string]any) (*Region, bool, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, false, err
	}
	provider, _ := payload["provider"].(string)
	code, _ := payload["region_code"].(string)
	if provider == "" {
		return nil, false, errs.RequiredField("resource.provider")
	}
	if code == "" {
		return nil, false, errs.RequiredField("resource.region_code")
	}
	name, _ := payload["name"].(string)
	if name == "" {
		name = code
	}
	tags, err := keycodec.TagsToDict(payload["tags"])
	if err != nil {
		return nil, false, errs.InvalidParameter("resource.tags", err.Error())
	}

	id := RegionID(provider, code)
	current, err := s.store.Get(ctx, id, tc.DomainID, "")
	if err != nil {
		return nil, false, err
	}
	if current != nil {
		if current.Name == name && reflect.DeepEqual(map[string]any(current.Tags), tags) {
			return current, false, nil
		}
		current.Name = name
		current.Tags = datatypes.JSONMap(tags)
		if err := s.store.Save(ctx, current); err != nil {
			return nil, false, err
		}
		return current, false, nil
	}

	r := &Region{
		RegionID:      id,
		DomainID:      tc.DomainID,
		Name:          name,
		RegionCode:    code,
		Provider:      provider,
		Tags:          datatypes.JSONMap(tags),
		ResourceGroup: ResourceGroupDomain,
		WorkspaceID:   "*",
	}
	if tc.WorkspaceID != "" {
		r.ResourceGroup, r.WorkspaceID = ResourceGroupWorkspace, tc.WorkspaceID
	}
	created, err := s.store.CreateIfAbsent(ctx, r)
	if err != nil {
		return nil, false, err
	}
	if !created {
		s.logger.Debug("region created concurrently", "regionID", id, "domainID", tc.DomainID)
	}
	return r, created, nil
}

func scopeFilters(tc tenancy.TenantContext) []query.Condition {
	conds := []query.Condition{query.Filter("domain_id", query.OpEq, tc.DomainID)}
	if tc.WorkspaceID != "" {
		conds = append(conds, query.Filter("workspace_id", query.OpIn, []any{tc.WorkspaceID, "*"}))
	}
	return conds
}
