package identity

import (
	"context"
	"strings"

	"github.com/cloudforet-io/inventory/pkg/cache"
	"github.com/cloudforet-io/inventory/pkg/inventory/query"
)

// CachedClient wraps another Client and caches successful get and check
// lookups. Failures and list calls are never cached.
type CachedClient struct {
	inner Client
	cache *cache.LRUCache[any]
}

// NewCachedClient wraps inner with an LRU cache sized by cfg.
func NewCachedClient(inner Client, cfg cache.CacheConfig) *CachedClient {
	return &CachedClient{
		inner: inner,
		cache: cache.NewLRUCache[any](cfg.MaxSize, cfg.IdentityTTL),
	}
}

func cacheKey(parts ...string) string {
	return strings.Join(parts, "|")
}

func (c *CachedClient) GetProject(ctx context.Context, projectID, domainID string) (*Project, error) {
	key := cacheKey(domainID, "project", projectID)
	if v, ok := c.cache.Get(key); ok {
		return v.(*Project), nil
	}
	p, err := c.inner.GetProject(ctx, projectID, domainID)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, p)
	return p, nil
}

func (c *CachedClient) GetServiceAccount(ctx context.Context, serviceAccountID, domainID string) (*ServiceAccount, error) {
	key := cacheKey(domainID, "service_account", serviceAccountID)
	if v, ok := c.cache.Get(key); ok {
		return v.(*ServiceAccount), nil
	}
	sa, err := c.inner.GetServiceAccount(ctx, serviceAccountID, domainID)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, sa)
	return sa, nil
}

func (c *CachedClient) CheckWorkspace(ctx context.Context, workspaceID, domainID string) error {
	key := cacheKey(domainID, "workspace", workspaceID)
	if _, ok := c.cache.Get(key); ok {
		return nil
	}
	if err := c.inner.CheckWorkspace(ctx, workspaceID, domainID); err != nil {
		return err
	}
	c.cache.Set(key, true)
	return nil
}

func (c *CachedClient) ListProjectGroups(ctx context.Context, q query.Query, domainID string) ([]ProjectGroup, error) {
	return c.inner.ListProjectGroups(ctx, q, domainID)
}

func (c *CachedClient) ProjectsInProjectGroup(ctx context.Context, projectGroupID string) ([]Project, error) {
	return c.inner.ProjectsInProjectGroup(ctx, projectGroupID)
}

func (c *CachedClient) ListProjects(ctx context.Context, q query.Query, domainID string) ([]Project, error) {
	return c.inner.ListProjects(ctx, q, domainID)
}

func (c *CachedClient) ListServiceAccounts(ctx context.Context, q query.Query, domainID string) ([]ServiceAccount, error) {
	return c.inner.ListServiceAccounts(ctx, q, domainID)
}

// InvalidateDomain drops every cached lookup of domainID.
func (c *CachedClient) InvalidateDomain(domainID string) {
	c.cache.InvalidatePrefix(domainID + "|")
}
