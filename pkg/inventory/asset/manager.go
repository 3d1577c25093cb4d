package asset

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/cloudforet-io/inventory/pkg/inventory/collectionstate"
	"github.com/cloudforet-io/inventory/pkg/inventory/compensate"
	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/inventory/identity"
	"github.com/cloudforet-io/inventory/pkg/inventory/keycodec"
	"github.com/cloudforet-io/inventory/pkg/inventory/reconcile"
	"github.com/cloudforet-io/inventory/pkg/metrics"
	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

// CustomProvider is the tag and metadata provider of writes not made by a
// collector.
const CustomProvider = "custom"

// RuleEngine rewrites collector-sourced fields before they are stored.
type RuleEngine interface {
	ChangeAssetData(ctx context.Context, collectorID, domainID string, fields map[string]any) (map[string]any, error)
}

// StateTracker records which collector task last reported an asset.
type StateTracker interface {
	Create(ctx context.Context, assetID, domainID string) (*collectionstate.CollectionState, error)
	Get(ctx context.Context, assetID, domainID string) (*collectionstate.CollectionState, error)
	Reset(ctx context.Context, state *collectionstate.CollectionState) error
	Restore(ctx context.Context, state collectionstate.CollectionState) error
	Delete(ctx context.Context, state *collectionstate.CollectionState) error
}

// Deps are the collaborators of a Manager. Rules and Metrics may be nil.
type Deps struct {
	Store    *Store
	History  *HistoryStore
	Identity identity.Client
	Rules    RuleEngine
	States   StateTracker
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Manager implements the asset operations. Every mutation records undo
// steps and reverts the steps already taken when a later one fails.
type Manager struct {
	store    *Store
	history  *HistoryStore
	identity identity.Client
	rules    RuleEngine
	states   StateTracker
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewManager creates a Manager.
func NewManager(d Deps) *Manager {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    d.Store,
		history:  d.History,
		identity: d.Identity,
		rules:    d.Rules,
		states:   d.States,
		logger:   logger,
		metrics:  d.Metrics,
	}
}

func tenantOf(ctx context.Context) (tenancy.TenantContext, error) {
	tc, ok := tenancy.TenantFromContext(ctx)
	if !ok || tc.DomainID == "" {
		return tc, errs.RequiredParameter("domain_id")
	}
	return tc, nil
}

// Create stores a new ACTIVE asset from fields.
func (m *Manager) Create(ctx context.Context, fields map[string]any) (_ *Asset, err error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	attr := tenancy.AttributionFromContext(ctx)
	params := maps.Clone(fields)

	hasJSON, err := decodeJSONField(params, "json_data", "data")
	if err != nil {
		return nil, err
	}
	if _, ok := params["data"]; !ok && !hasJSON {
		return nil, errs.RequiredParameter("data")
	}
	if _, err := decodeJSONField(params, "json_metadata", "metadata"); err != nil {
		return nil, err
	}
	provider, _ := params["provider"].(string)
	if provider == "" {
		return nil, errs.RequiredParameter("provider")
	}

	if err := normalizeTags(params); err != nil {
		return nil, err
	}
	if params, err = m.applyRules(ctx, attr, tc.DomainID, params); err != nil {
		return nil, err
	}
	if tags, ok := params["tags"].(map[string]any); ok {
		params["tags"], params["tag_keys"] = keycodec.ConvertTagsToHash(tags, provider)
	}
	if meta, ok := params["metadata"].(map[string]any); ok {
		params["metadata"] = map[string]any{provider: meta}
	}

	if projectID, _ := params["project_id"].(string); projectID != "" {
		if _, err := m.identity.GetProject(ctx, projectID, tc.DomainID); err != nil {
			return nil, err
		}
	} else if attr.SecretProjectID != "" {
		params["project_id"] = attr.SecretProjectID
	}
	if saID, _ := params["service_account_id"].(string); saID != "" {
		if _, err := m.identity.GetServiceAccount(ctx, saID, tc.DomainID); err != nil {
			return nil, err
		}
	}
	setAttribution(params, attr)

	a, err := assetFromFields(params)
	if err != nil {
		return nil, err
	}
	if a.AssetID == "" {
		a.AssetID = NewID("asset")
	}
	a.State = StateActive
	a.DeletedAt = nil
	a.DomainID = tc.DomainID
	if a.WorkspaceID == "" {
		a.WorkspaceID = tc.WorkspaceID
	}
	if a.RegionCode != "" {
		a.RefRegion = refRegion(a.DomainID, a.Provider, a.RegionCode)
	}
	if attr.IsCollector() {
		now := time.Now().UTC()
		a.LastCollectedAt = &now
	}

	stack := &compensate.Stack{Logger: m.logger}
	defer func() {
		if err != nil && stack.Len() > 0 {
			m.metrics.Rollback()
			err = stack.Rollback(context.WithoutCancel(ctx), err)
		}
	}()

	if err := m.store.Create(ctx, a); err != nil {
		return nil, err
	}
	stack.Push("asset", a.AssetID, func(ctx context.Context) error {
		return m.store.Purge(ctx, a.AssetID, a.DomainID)
	})

	h := newHistory(a, ActionCreate, reconcile.CreateDiff(pruneEmpty(a.ToMap())))
	if err := m.writeHistory(ctx, stack, h, tc, attr); err != nil {
		return nil, err
	}

	state, err := m.states.Create(ctx, a.AssetID, a.DomainID)
	if err != nil {
		return nil, err
	}
	if state != nil {
		stack.Push("collection_state", a.AssetID, func(ctx context.Context) error {
			return m.states.Delete(ctx, state)
		})
	}

	stack.Discard()
	m.logger.Debug("asset created", "assetID", a.AssetID, "domainID", a.DomainID)
	return a, nil
}

// Update merges fields into the stored asset and writes only what changed.
func (m *Manager) Update(ctx context.Context, assetID string, fields map[string]any) (_ *Asset, err error) {
	if assetID == "" {
		return nil, errs.RequiredParameter("asset_id")
	}
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	attr := tenancy.AttributionFromContext(ctx)
	provider := CustomProvider
	if attr.IsCollector() && attr.Provider != "" {
		provider = attr.Provider
	}

	for _, key := range []string{"state", "deleted_at"} {
		if _, ok := fields[key]; ok {
			return nil, errs.InvalidParameter(key, "only delete may change it")
		}
	}
	params := maps.Clone(fields)
	if _, err := decodeJSONField(params, "json_data", "data"); err != nil {
		return nil, err
	}
	if _, err := decodeJSONField(params, "json_metadata", "metadata"); err != nil {
		return nil, err
	}
	if v, ok := params["ip_addresses"]; ok && v == nil {
		delete(params, "ip_addresses")
	}
	if err := normalizeTags(params); err != nil {
		return nil, err
	}
	if params, err = m.applyRules(ctx, attr, tc.DomainID, params); err != nil {
		return nil, err
	}

	a, err := m.store.Get(ctx, assetID, tc.DomainID, tc.WorkspaceID, tc.UserProjects)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errs.NotFound("asset_id", assetID)
	}
	if err := checkMutable(a, StateActive); err != nil {
		return nil, err
	}

	if projectID, _ := params["project_id"].(string); projectID != "" {
		if _, err := m.identity.GetProject(ctx, projectID, tc.DomainID); err != nil {
			return nil, err
		}
	} else if attr.SecretProjectID != "" && attr.SecretProjectID != a.ProjectID {
		params["project_id"] = attr.SecretProjectID
	}
	if rc, ok := params["region_code"]; ok && rc != nil && rc != "" {
		params["ref_region"] = refRegion(a.DomainID, a.Provider, fmt.Sprint(rc))
	}

	old := a.ToMap()
	snapshot := *a

	if tags, ok := params["tags"].(map[string]any); ok {
		newTags, newKeys := keycodec.ConvertTagsToHash(tags, provider)
		oldTags, _ := old["tags"].(map[string]any)
		oldKeys, _ := old["tag_keys"].(map[string]any)
		merged, keys, changed := reconcile.MergeTags(newTags, newKeys, orEmpty(oldTags), orEmpty(oldKeys), provider)
		if changed {
			params["tags"], params["tag_keys"] = merged, keys
		} else {
			delete(params, "tags")
		}
	}
	if meta, ok := params["metadata"].(map[string]any); ok {
		oldMeta, _ := old["metadata"].(map[string]any)
		if merged, changed := reconcile.MergeMetadata(map[string]any{provider: meta}, orEmpty(oldMeta), provider); changed {
			params["metadata"] = merged
		} else {
			delete(params, "metadata")
		}
	}
	setAttribution(params, attr)
	if attr.IsCollector() {
		params["last_collected_at"] = time.Now().UTC()
	}

	written := writable(reconcile.MergeData(params, old))

	stack := &compensate.Stack{Logger: m.logger}
	defer func() {
		if err != nil && stack.Len() > 0 {
			m.metrics.Rollback()
			err = stack.Rollback(context.WithoutCancel(ctx), err)
		}
	}()

	if err := m.store.Update(ctx, a, written); err != nil {
		return nil, err
	}
	stack.Push("asset", a.AssetID, func(ctx context.Context) error {
		return m.store.Restore(ctx, &snapshot)
	})

	if diff := reconcile.Diff(written, old); len(diff) > 0 {
		if err := m.writeHistory(ctx, stack, newHistory(a, ActionUpdate, diff), tc, attr); err != nil {
			return nil, err
		}
	}

	if err := m.touchState(ctx, stack, a); err != nil {
		return nil, err
	}

	stack.Discard()
	return a, nil
}

// Delete moves the asset to DELETED. Deleting an already deleted asset is a
// conflict and leaves the record untouched.
func (m *Manager) Delete(ctx context.Context, assetID string) (err error) {
	if assetID == "" {
		return errs.RequiredParameter("asset_id")
	}
	tc, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	a, err := m.store.Get(ctx, assetID, tc.DomainID, tc.WorkspaceID, tc.UserProjects)
	if err != nil {
		return err
	}
	if a == nil {
		return errs.NotFound("asset_id", assetID)
	}
	if err := checkMutable(a, StateDeleted); err != nil {
		return err
	}

	snapshot := *a
	stack := &compensate.Stack{Logger: m.logger}
	defer func() {
		if err != nil && stack.Len() > 0 {
			m.metrics.Rollback()
			err = stack.Rollback(context.WithoutCancel(ctx), err)
		}
	}()

	now := time.Now().UTC()
	if err := m.store.MarkDeleted(ctx, a, now); err != nil {
		return err
	}
	stack.Push("asset", a.AssetID, func(ctx context.Context) error {
		return m.store.Restore(ctx, &snapshot)
	})

	h := newHistory(a, ActionDelete, reconcile.DeleteDiff(string(snapshot.State)))
	if err := m.writeHistory(ctx, stack, h, tc, tenancy.AttributionFromContext(ctx)); err != nil {
		return err
	}

	stack.Discard()
	return nil
}

// Get returns the asset within the caller's scope, whatever its state.
func (m *Manager) Get(ctx context.Context, assetID string) (*Asset, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	a, err := m.store.Get(ctx, assetID, tc.DomainID, tc.WorkspaceID, tc.UserProjects)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errs.NotFound("asset_id", assetID)
	}
	return a, nil
}

func (m *Manager) applyRules(ctx context.Context, attr tenancy.Attribution, domainID string, params map[string]any) (map[string]any, error) {
	if m.rules == nil || !attr.IsCollector() {
		return params, nil
	}
	return m.rules.ChangeAssetData(ctx, attr.CollectorID, domainID, params)
}

func (m *Manager) writeHistory(ctx context.Context, stack *compensate.Stack, h *History, tc tenancy.TenantContext, attr tenancy.Attribution) error {
	if attr.IsCollector() {
		h.UpdatedBy = UpdatedByCollector
		h.CollectorID = attr.CollectorID
		h.JobID = attr.JobID
	} else {
		h.UpdatedBy = UpdatedByUser
		h.UserID = tc.UserID
	}
	if err := m.history.Create(ctx, h); err != nil {
		return err
	}
	stack.Push("asset_history", h.HistoryID, func(ctx context.Context) error {
		return m.history.Delete(ctx, h.HistoryID)
	})
	return nil
}

func (m *Manager) touchState(ctx context.Context, stack *compensate.Stack, a *Asset) error {
	state, err := m.states.Get(ctx, a.AssetID, a.DomainID)
	if err != nil {
		return err
	}
	if state != nil {
		prev := *state
		if err := m.states.Reset(ctx, state); err != nil {
			return err
		}
		stack.Push("collection_state", a.AssetID, func(ctx context.Context) error {
			return m.states.Restore(ctx, prev)
		})
		return nil
	}
	created, err := m.states.Create(ctx, a.AssetID, a.DomainID)
	if err != nil {
		return err
	}
	if created != nil {
		stack.Push("collection_state", a.AssetID, func(ctx context.Context) error {
			return m.states.Delete(ctx, created)
		})
	}
	return nil
}

func refRegion(domainID, provider, regionCode string) string {
	return fmt.Sprintf("%s.%s.%s", domainID, provider, regionCode)
}

// setAttribution records which collector run and credentials wrote the
// asset. User writes leave the stored values alone.
func setAttribution(params map[string]any, attr tenancy.Attribution) {
	if attr.CollectorID != "" {
		params["collector_id"] = attr.CollectorID
	}
	if attr.SecretID != "" {
		params["secret_id"] = attr.SecretID
	}
	if attr.ServiceAccountID != "" {
		params["service_account_id"] = attr.ServiceAccountID
	}
}

// decodeJSONField replaces params[src], a JSON document, with its decoded
// object under dst. It reports whether src was present.
func decodeJSONField(params map[string]any, src, dst string) (bool, error) {
	raw, ok := params[src]
	if !ok || raw == nil || raw == "" {
		delete(params, src)
		return false, nil
	}
	delete(params, src)
	s, ok := raw.(string)
	if !ok {
		return true, errs.InvalidParameterType(src, raw)
	}
	var decoded any
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		return true, errs.InvalidParameter(src, err.Error())
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return true, errs.InvalidParameterType(src, decoded)
	}
	params[dst] = obj
	return true, nil
}

func normalizeTags(params map[string]any) error {
	raw, ok := params["tags"]
	if !ok {
		return nil
	}
	tags, err := keycodec.TagsToDict(raw)
	if err != nil {
		return errs.InvalidParameter("tags", err.Error())
	}
	params["tags"] = tags
	return nil
}

func assetFromFields(params map[string]any) (*Asset, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return nil, errs.InvalidParameter("asset", err.Error())
	}
	var a Asset
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, errs.InvalidParameter("asset", err.Error())
	}
	return &a, nil
}

func writable(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if _, ok := updatableColumns[k]; ok {
			out[k] = v
		}
	}
	return out
}

func pruneEmpty(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			if val == "" {
				continue
			}
		case float64:
			if val == 0 {
				continue
			}
		case map[string]any:
			if len(val) == 0 {
				continue
			}
		case []any:
			if len(val) == 0 {
				continue
			}
		}
		out[k] = v
	}
	return out
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
