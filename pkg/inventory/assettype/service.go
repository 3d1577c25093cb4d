package assettype

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"slices"

	"gorm.io/datatypes"

	"github.com/cloudforet-io/inventory/pkg/inventory/adapter"
	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/inventory/identity"
	"github.com/cloudforet-io/inventory/pkg/inventory/keycodec"
	"github.com/cloudforet-io/inventory/pkg/inventory/query"
	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

// CreateRequest holds the fields of a new asset type. JSONMetadata, when
// set, replaces Metadata.
type CreateRequest struct {
	AssetTypeID   string         `json:"asset_type_id"`
	Name          string         `json:"name" validate:"required"`
	Description   string         `json:"description"`
	Icon          string         `json:"icon"`
	Provider      string         `json:"provider"`
	ResourceType  string         `json:"resource_type"`
	Metadata      map[string]any `json:"metadata"`
	JSONMetadata  string         `json:"json_metadata"`
	Tags          any            `json:"tags"`
	AssetGroups   []string       `json:"asset_groups"`
	ResourceGroup ResourceGroup  `json:"resource_group" validate:"required,oneof=DOMAIN WORKSPACE"`
}

// UpdateRequest changes the set fields of an asset type.
type UpdateRequest struct {
	AssetTypeID  string         `json:"asset_type_id" validate:"required"`
	Name         *string        `json:"name"`
	Description  *string        `json:"description"`
	Icon         *string        `json:"icon"`
	Metadata     map[string]any `json:"metadata"`
	JSONMetadata string         `json:"json_metadata"`
	Tags         any            `json:"tags"`
	AssetGroups  []string       `json:"asset_groups"`
}

// Service implements the asset type operations.
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

// updatedBy names the writer recorded on an asset type: the collector for
// collector writes, otherwise "manual".
func updatedBy(ctx context.Context) string {
	if id := tenancy.AttributionFromContext(ctx).CollectorID; id != "" {
		return id
	}
	return UpdatedByManual
}

// Create stores an asset type. A collector write without a provider takes
// the provider of the collector's secret.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*AssetType, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, errs.RequiredParameter("name")
	}
	if req.ResourceGroup == "" {
		return nil, errs.RequiredParameter("resource_group")
	}
	provider := req.Provider
	if provider == "" {
		provider = tenancy.AttributionFromContext(ctx).Provider
	}
	if provider == "" {
		return nil, errs.RequiredParameter("provider")
	}
	metadata, err := metadataOf(req.Metadata, req.JSONMetadata)
	if err != nil {
		return nil, err
	}
	tags, err := keycodec.TagsToDict(req.Tags)
	if err != nil {
		return nil, errs.InvalidParameter("tags", err.Error())
	}
	ws, err := s.workspaceFor(ctx, req.ResourceGroup, tc)
	if err != nil {
		return nil, err
	}

	at := &AssetType{
		AssetTypeID:   req.AssetTypeID,
		DomainID:      tc.DomainID,
		Name:          req.Name,
		Description:   req.Description,
		Icon:          req.Icon,
		Provider:      provider,
		ResourceType:  req.ResourceType,
		Metadata:      datatypes.JSONMap(metadata),
		Tags:          datatypes.JSONMap(tags),
		ResourceGroup: req.ResourceGroup,
		AssetGroups:   datatypes.JSONSlice[string](orEmptyList(req.AssetGroups)),
		WorkspaceID:   ws,
		UpdatedBy:     updatedBy(ctx),
	}
	if at.ResourceType == "" {
		at.ResourceType = DefaultResourceType
	}
	if at.AssetTypeID == "" {
		at.AssetTypeID = newAssetTypeID()
	}
	created, err := s.store.CreateIfAbsent(ctx, at)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, errs.AlreadyExists("asset_type_id", at.AssetTypeID)
	}
	return at, nil
}

// Update changes the set fields of an asset type.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (*AssetType, error) {
	at, err := s.Get(ctx, req.AssetTypeID)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		at.Name = *req.Name
	}
	if req.Description != nil {
		at.Description = *req.Description
	}
	if req.Icon != nil {
		at.Icon = *req.Icon
	}
	if req.Metadata != nil || req.JSONMetadata != "" {
		metadata, err := metadataOf(req.Metadata, req.JSONMetadata)
		if err != nil {
			return nil, err
		}
		at.Metadata = datatypes.JSONMap(metadata)
	}
	if req.Tags != nil {
		tags, err := keycodec.TagsToDict(req.Tags)
		if err != nil {
			return nil, errs.InvalidParameter("tags", err.Error())
		}
		at.Tags = datatypes.JSONMap(tags)
	}
	if req.AssetGroups != nil {
		at.AssetGroups = datatypes.JSONSlice[string](req.AssetGroups)
	}
	at.UpdatedBy = updatedBy(ctx)
	if err := s.store.Save(ctx, at); err != nil {
		return nil, err
	}
	return at, nil
}

// Delete removes an asset type.
func (s *Service) Delete(ctx context.Context, assetTypeID string) error {
	at, err := s.Get(ctx, assetTypeID)
	if err != nil {
		return err
	}
	return s.store.Delete(ctx, at.AssetTypeID, at.DomainID)
}

// Get returns one asset type visible to the caller.
func (s *Service) Get(ctx context.Context, assetTypeID string) (*AssetType, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	if assetTypeID == "" {
		return nil, errs.RequiredParameter("asset_type_id")
	}
	at, err := s.store.Get(ctx, assetTypeID, tc.DomainID, tc.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if at == nil {
		return nil, errs.NotFound("asset_type_id", assetTypeID)
	}
	return at, nil
}

// List lists the asset types matching q.
func (s *Service) List(ctx context.Context, q query.Query) ([]AssetType, int64, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, 0, err
	}
	q = q.Clone()
	q.Filter = append(groupConditions(q.Filter), scopeFilters(tc)...)
	q.FilterOr = groupConditions(q.FilterOr)
	return s.store.Query(ctx, q)
}

// Stat runs sq over the asset types of the domain.
func (s *Service) Stat(ctx context.Context, sq query.StatQuery) ([]map[string]any, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	sq.Filter = append(groupConditions(sq.Filter), scopeFilters(tc)...)
	return s.store.Stat(ctx, sq)
}

// Upsert stores an asset type reported by a collector. Ids, asset groups
// and icon come from the adapted record. It reports whether the asset type
// was created.
func (s *Service) Upsert(ctx context.Context, res *adapter.Resource) (*AssetType, bool, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, false, err
	}
	if res.AssetTypeID == "" || res.Payload == nil {
		return nil, false, errs.RequiredField("resource.asset_type_id")
	}
	p := res.Payload
	tags, err := keycodec.TagsToDict(p["tags"])
	if err != nil {
		return nil, false, errs.InvalidParameter("resource.tags", err.Error())
	}
	name, _ := p["name"].(string)
	description, _ := p["description"].(string)
	provider, _ := p["provider"].(string)
	if provider == "" {
		provider = tenancy.AttributionFromContext(ctx).Provider
	}

	current, err := s.store.Get(ctx, res.AssetTypeID, tc.DomainID, "")
	if err != nil {
		return nil, false, err
	}
	if current != nil {
		next := *current
		next.Name = name
		next.Description = description
		next.Icon = res.Icon
		next.Tags = datatypes.JSONMap(tags)
		next.AssetGroups = datatypes.JSONSlice[string](orEmptyList(res.AssetGroups))
		next.UpdatedBy = updatedBy(ctx)
		if unchanged(current, &next) {
			return current, false, nil
		}
		if err := s.store.Save(ctx, &next); err != nil {
			return nil, false, err
		}
		return &next, false, nil
	}

	at := &AssetType{
		AssetTypeID:   res.AssetTypeID,
		DomainID:      tc.DomainID,
		Name:          name,
		Description:   description,
		Icon:          res.Icon,
		Provider:      provider,
		ResourceType:  DefaultResourceType,
		Metadata:      datatypes.JSONMap{},
		Tags:          datatypes.JSONMap(tags),
		ResourceGroup: ResourceGroupDomain,
		AssetGroups:   datatypes.JSONSlice[string](orEmptyList(res.AssetGroups)),
		WorkspaceID:   "*",
		UpdatedBy:     updatedBy(ctx),
	}
	if tc.WorkspaceID != "" {
		at.ResourceGroup, at.WorkspaceID = ResourceGroupWorkspace, tc.WorkspaceID
	}
	created, err := s.store.CreateIfAbsent(ctx, at)
	if err != nil {
		return nil, false, err
	}
	return at, created, nil
}

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

// metadataOf decodes raw when set, otherwise returns m.
func metadataOf(m map[string]any, raw string) (map[string]any, error) {
	if raw == "" {
		if m == nil {
			return map[string]any{}, nil
		}
		return m, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, errs.InvalidParameter("json_metadata", err.Error())
	}
	decoded, ok := v.(map[string]any)
	if !ok {
		return nil, errs.InvalidParameterType("json_metadata", v)
	}
	return decoded, nil
}

// groupConditions rewrites asset_group_id conditions, which name one
// member of the asset_groups list, into matches on the quoted member.
func groupConditions(conds []query.Condition) []query.Condition {
	out := slices.Clone(conds)
	for i, c := range out {
		if c.Key != "asset_group_id" {
			continue
		}
		switch c.Operator {
		case query.OpEq, "":
			out[i] = query.Filter(c.Key, query.OpContain, quoted(c.Value))
		case query.OpNot:
			out[i] = query.Filter(c.Key, query.OpNotContain, quoted(c.Value))
		case query.OpIn:
			var vals []any
			switch v := c.Value.(type) {
			case []any:
				vals = v
			case []string:
				for _, s := range v {
					vals = append(vals, s)
				}
			}
			q := make([]any, len(vals))
			for j, v := range vals {
				q[j] = quoted(v)
			}
			out[i] = query.Filter(c.Key, query.OpContainIn, q)
		}
	}
	return out
}

func quoted(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func unchanged(a, b *AssetType) bool {
	return a.Name == b.Name && a.Description == b.Description && a.Icon == b.Icon &&
		a.UpdatedBy == b.UpdatedBy &&
		reflect.DeepEqual(map[string]any(a.Tags), map[string]any(b.Tags)) &&
		slices.Equal(a.AssetGroups, b.AssetGroups)
}

func scopeFilters(tc tenancy.TenantContext) []query.Condition {
	conds := []query.Condition{query.Filter("domain_id", query.OpEq, tc.DomainID)}
	if tc.WorkspaceID != "" {
		conds = append(conds, query.Filter("workspace_id", query.OpIn, []any{tc.WorkspaceID, "*"}))
	}
	return conds
}

func orEmptyList(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
