package asset

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/inventory/keycodec"
	"github.com/cloudforet-io/inventory/pkg/inventory/query"
	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

// Query keys accepted as aliases of stored fields.
var changeQueryKeys = map[string]string{
	"user_projects": "project_id",
	"ip_address":    "ip_addresses",
}

// List returns one page of assets in the caller's scope. DELETED assets
// are excluded unless the filter asks for them.
func (m *Manager) List(ctx context.Context, q query.Query) ([]Asset, int64, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, 0, err
	}
	q, err = m.prepareQuery(ctx, tc, q)
	if err != nil {
		return nil, 0, err
	}
	return m.store.Query(ctx, q)
}

// Stat runs a grouped count over the caller's assets with the same filter
// rewriting as List.
func (m *Manager) Stat(ctx context.Context, sq query.StatQuery) ([]map[string]any, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	q, err := m.prepareQuery(ctx, tc, query.Query{Filter: sq.Filter})
	if err != nil {
		return nil, err
	}
	sq.Filter = q.Filter
	return m.store.Stat(ctx, sq)
}

// Match returns the active asset a collected record refers to, or nil if
// it refers to none. Rule groups are tried in ascending order of their
// names ("1", "2", ...); the first group selecting an asset decides. A
// group selecting more than one asset is an error.
func (m *Manager) Match(ctx context.Context, rules map[string][]string, fields map[string]any) (*Asset, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	names := slices.SortedFunc(maps.Keys(rules), func(a, b string) int {
		if len(a) != len(b) {
			return len(a) - len(b)
		}
		return strings.Compare(a, b)
	})
	for _, name := range names {
		keys := rules[name]
		if len(keys) == 0 {
			continue
		}
		rows, err := m.store.FindByMatchRule(ctx, tc.DomainID, keys, fields)
		if err != nil {
			return nil, err
		}
		switch len(rows) {
		case 0:
			continue
		case 1:
			return &rows[0], nil
		default:
			return nil, errs.TooManyMatch(strings.Join(keys, ","))
		}
	}
	return nil, nil
}

// History returns the change history of one asset, newest first.
func (m *Manager) History(ctx context.Context, assetID string, q query.Query) ([]History, int64, error) {
	a, err := m.Get(ctx, assetID)
	if err != nil {
		return nil, 0, err
	}
	q = q.Clone()
	q.Filter = append(q.Filter,
		query.Filter("asset_id", query.OpEq, a.AssetID),
		query.Filter("domain_id", query.OpEq, a.DomainID),
	)
	return m.history.Query(ctx, q)
}

func (m *Manager) prepareQuery(ctx context.Context, tc tenancy.TenantContext, q query.Query) (query.Query, error) {
	q = q.Clone()
	for i := range q.Filter {
		q.Filter[i].Key = rewriteKey(q.Filter[i].Key, false)
	}
	for i := range q.FilterOr {
		q.FilterOr[i].Key = rewriteKey(q.FilterOr[i].Key, false)
	}
	for i := range q.Sort {
		q.Sort[i].Key = rewriteKey(q.Sort[i].Key, false)
	}
	for i := range q.Only {
		q.Only[i] = rewriteKey(q.Only[i], true)
	}

	filter, err := m.expandProjectGroups(ctx, q.Filter, tc.DomainID)
	if err != nil {
		return q, err
	}
	q.Filter = append(filter, query.Filter("domain_id", query.OpEq, tc.DomainID))
	if tc.WorkspaceID != "" {
		q.Filter = append(q.Filter, query.Filter("workspace_id", query.OpEq, tc.WorkspaceID))
	}
	if tc.UserProjects != nil {
		q.Filter = append(q.Filter, query.Filter("project_id", query.OpIn, tc.UserProjects))
	}
	if !requestsDeleted(q.Filter) {
		q.Filter = append(q.Filter, query.Filter("state", query.OpEq, string(StateActive)))
	}
	return q, nil
}

func rewriteKey(key string, only bool) string {
	if alias, ok := changeQueryKeys[key]; ok {
		return alias
	}
	if strings.HasPrefix(key, "tags.") {
		return keycodec.HashedQueryKey(key, only)
	}
	return key
}

// expandProjectGroups replaces every project_group_id condition with a
// project_id IN condition over the projects of the matching groups.
func (m *Manager) expandProjectGroups(ctx context.Context, conds []query.Condition, domainID string) ([]query.Condition, error) {
	out := make([]query.Condition, 0, len(conds))
	for _, c := range conds {
		if c.Key != "project_group_id" {
			out = append(out, c)
			continue
		}
		groups, err := m.identity.ListProjectGroups(ctx, query.Query{
			Only:   []string{"project_group_id"},
			Filter: []query.Condition{c},
		}, domainID)
		if err != nil {
			return nil, fmt.Errorf("expand project group filter: %w", err)
		}
		projectIDs := mapset.NewSet[string]()
		for _, g := range groups {
			projects, err := m.identity.ProjectsInProjectGroup(ctx, g.ProjectGroupID)
			if err != nil {
				return nil, fmt.Errorf("expand project group %s: %w", g.ProjectGroupID, err)
			}
			for _, p := range projects {
				projectIDs.Add(p.ProjectID)
			}
		}
		ids := projectIDs.ToSlice()
		slices.Sort(ids)
		out = append(out, query.Filter("project_id", query.OpIn, ids))
	}
	return out, nil
}

// requestsDeleted reports whether a state condition explicitly selects
// DELETED assets.
func requestsDeleted(conds []query.Condition) bool {
	for _, c := range conds {
		if c.Key != "state" {
			continue
		}
		switch c.Operator {
		case "", query.OpEq:
			if fmt.Sprint(c.Value) == string(StateDeleted) {
				return true
			}
		case query.OpIn, query.OpContainIn:
			if values, ok := c.Value.([]any); ok {
				for _, v := range values {
					if strings.EqualFold(fmt.Sprint(v), string(StateDeleted)) {
						return true
					}
				}
			}
			if values, ok := c.Value.([]string); ok && slices.Contains(values, string(StateDeleted)) {
				return true
			}
		}
	}
	return false
}

