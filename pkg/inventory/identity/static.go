package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/inventory/query"
)

// StaticClient is an in-memory Client for local runs and tests. List calls
// honor eq, not, in, not_in and contain filters on top-level fields.
type StaticClient struct {
	mu              sync.RWMutex
	projects        map[string]Project
	serviceAccounts map[string]ServiceAccount
	workspaces      map[string]bool
	projectGroups   map[string]ProjectGroup
}

// NewStaticClient returns an empty StaticClient.
func NewStaticClient() *StaticClient {
	return &StaticClient{
		projects:        map[string]Project{},
		serviceAccounts: map[string]ServiceAccount{},
		workspaces:      map[string]bool{},
		projectGroups:   map[string]ProjectGroup{},
	}
}

func staticKey(domainID, id string) string { return domainID + "/" + id }

func (s *StaticClient) AddProject(p Project) *StaticClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[staticKey(p.DomainID, p.ProjectID)] = p
	return s
}

func (s *StaticClient) AddServiceAccount(sa ServiceAccount) *StaticClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serviceAccounts[staticKey(sa.DomainID, sa.ServiceAccountID)] = sa
	return s
}

func (s *StaticClient) AddWorkspace(workspaceID, domainID string) *StaticClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[staticKey(domainID, workspaceID)] = true
	return s
}

// AddProjectGroup registers g. Project groups are not domain scoped here.
func (s *StaticClient) AddProjectGroup(g ProjectGroup) *StaticClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projectGroups[g.ProjectGroupID] = g
	return s
}

func (s *StaticClient) GetProject(_ context.Context, projectID, domainID string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[staticKey(domainID, projectID)]
	if !ok {
		return nil, errs.NotFound("project_id", projectID)
	}
	return &p, nil
}

func (s *StaticClient) GetServiceAccount(_ context.Context, serviceAccountID, domainID string) (*ServiceAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sa, ok := s.serviceAccounts[staticKey(domainID, serviceAccountID)]
	if !ok {
		return nil, errs.NotFound("service_account_id", serviceAccountID)
	}
	return &sa, nil
}

func (s *StaticClient) CheckWorkspace(_ context.Context, workspaceID, domainID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.workspaces[staticKey(domainID, workspaceID)] {
		return errs.NotFound("workspace_id", workspaceID)
	}
	return nil
}

func (s *StaticClient) ListProjectGroups(_ context.Context, q query.Query, _ string) ([]ProjectGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ProjectGroup
	for _, g := range s.projectGroups {
		ok, err := matches(g, q.Filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, func(a, b ProjectGroup) int { return strings.Compare(a.ProjectGroupID, b.ProjectGroupID) })
	return out, nil
}

// ProjectsInProjectGroup includes projects of child groups.
func (s *StaticClient) ProjectsInProjectGroup(_ context.Context, projectGroupID string) ([]Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := map[string]bool{projectGroupID: true}
	for changed := true; changed; {
		changed = false
		for id, g := range s.projectGroups {
			if !groups[id] && groups[g.ParentGroupID] {
				groups[id] = true
				changed = true
			}
		}
	}
	var out []Project
	for _, p := range s.projects {
		if groups[p.ProjectGroupID] {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b Project) int { return strings.Compare(a.ProjectID, b.ProjectID) })
	return out, nil
}

func (s *StaticClient) ListProjects(_ context.Context, q query.Query, domainID string) ([]Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Project
	for _, p := range s.projects {
		if p.DomainID != domainID {
			continue
		}
		ok, err := matches(p, q.Filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b Project) int { return strings.Compare(a.ProjectID, b.ProjectID) })
	return out, nil
}

func (s *StaticClient) ListServiceAccounts(_ context.Context, q query.Query, domainID string) ([]ServiceAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ServiceAccount
	for _, sa := range s.serviceAccounts {
		if sa.DomainID != domainID {
			continue
		}
		ok, err := matches(sa, q.Filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, sa)
		}
	}
	slices.SortFunc(out, func(a, b ServiceAccount) int { return strings.Compare(a.ServiceAccountID, b.ServiceAccountID) })
	return out, nil
}

func matches(record any, conds []query.Condition) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}
	b, err := json.Marshal(record)
	if err != nil {
		return false, err
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return false, err
	}
	for _, c := range conds {
		ok, err := matchCondition(lookup(fields, c.Key), c)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func lookup(fields map[string]any, key string) any {
	var cur any = fields
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func matchCondition(actual any, c query.Condition) (bool, error) {
	got := fmt.Sprint(actual)
	if actual == nil {
		got = ""
	}
	switch c.Operator {
	case "", query.OpEq:
		return got == fmt.Sprint(c.Value), nil
	case query.OpNot:
		return got != fmt.Sprint(c.Value), nil
	case query.OpContain:
		return strings.Contains(strings.ToLower(got), strings.ToLower(fmt.Sprint(c.Value))), nil
	case query.OpIn, query.OpNotIn:
		found := false
		for _, v := range listValues(c.Value) {
			if got == fmt.Sprint(v) {
				found = true
				break
			}
		}
		return found == (c.Operator == query.OpIn), nil
	}
	return false, errs.InvalidParameter("query.filter."+c.Key, fmt.Sprintf("unsupported operator %q", c.Operator))
}

func listValues(v any) []any {
	switch vals := v.(type) {
	case []any:
		return vals
	case []string:
		out := make([]any, len(vals))
		for i, s := range vals {
			out[i] = s
		}
		return out
	}
	return []any{v}
}
