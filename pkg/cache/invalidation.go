package cache

import (
	"net/http"

	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

// CacheManager holds the response cache for catalog reads. Entries are
// keyed per domain so a write in one domain only clears that domain.
type CacheManager struct {
	catalog *LRUCache[CachedResponse]
}

// NewCacheManager returns nil when cfg is nil or disabled. Every method
// accepts a nil receiver.
func NewCacheManager(cfg *CacheConfig) *CacheManager {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return &CacheManager{
		catalog: NewLRUCache[CachedResponse](cfg.MaxSize, cfg.CatalogTTL),
	}
}

// InvalidateDomain clears every cached response of domainID.
func (cm *CacheManager) InvalidateDomain(domainID string) {
	if cm != nil {
		cm.catalog.InvalidatePrefix(domainKeyPrefix(domainID))
	}
}

// InvalidateAll clears the whole catalog cache.
func (cm *CacheManager) InvalidateAll() {
	if cm != nil {
		cm.catalog.InvalidateAll()
	}
}

// statusWriter remembers the status of a response it passes through.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(p)
}

// CatalogMiddleware caches GET responses and clears the acting domain's
// entries after any successful write passing through it.
func (cm *CacheManager) CatalogMiddleware() func(http.Handler) http.Handler {
	if cm == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	cached := CacheMiddleware(cm.catalog)
	return func(next http.Handler) http.Handler {
		read := cached(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				read.ServeHTTP(w, r)
				return
			}
			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)
			if sw.status == 0 || (sw.status >= 200 && sw.status < 300) {
				cm.InvalidateDomain(tenancy.DomainFromContext(r.Context()))
			}
		})
	}
}
