package cache

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"net/http"
	"strings"

	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

// CachedResponse is a stored 200 response.
type CachedResponse struct {
	Body        []byte
	ContentType string
	ETag        string
}

// bufferedWriter holds the handler's output until it is known whether the
// response is cacheable, so the ETag can be sent on the first response too.
type bufferedWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) flush() {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	b.ResponseWriter.WriteHeader(b.status)
	_, _ = b.ResponseWriter.Write(b.body.Bytes())
}

func domainKeyPrefix(domainID string) string {
	return domainID + "|"
}

// cacheKey scopes a request URL to the caller's domain, workspace and
// project list. Only the domain prefix is used for invalidation.
func cacheKey(r *http.Request) string {
	tc, _ := tenancy.TenantFromContext(r.Context())
	return domainKeyPrefix(tc.DomainID) + tc.WorkspaceID + "|" +
		strings.Join(tc.UserProjects, ",") + "|" + r.URL.RequestURI()
}

func etagOf(body []byte) string {
	return fmt.Sprintf(`"%08x"`, crc32.ChecksumIEEE(body))
}

// CacheMiddleware serves repeated GETs from c. Responses carry X-Cache
// (HIT or MISS) and, when cacheable, an ETag; a matching If-None-Match is
// answered with 304. A request with Cache-Control: no-cache skips the
// lookup and refreshes the entry. Only 200 responses are stored.
func CacheMiddleware(c *LRUCache[CachedResponse]) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			key := cacheKey(r)

			if !strings.Contains(r.Header.Get("Cache-Control"), "no-cache") {
				if hit, ok := c.Get(key); ok {
					w.Header().Set("X-Cache", "HIT")
					w.Header().Set("ETag", hit.ETag)
					if r.Header.Get("If-None-Match") == hit.ETag {
						w.WriteHeader(http.StatusNotModified)
						return
					}
					if hit.ContentType != "" {
						w.Header().Set("Content-Type", hit.ContentType)
					}
					w.WriteHeader(http.StatusOK)
					_, _ = w.Write(hit.Body)
					return
				}
			}

			buf := &bufferedWriter{ResponseWriter: w}
			next.ServeHTTP(buf, r)
			w.Header().Set("X-Cache", "MISS")
			if buf.status == 0 || buf.status == http.StatusOK {
				stored := CachedResponse{
					Body:        bytes.Clone(buf.body.Bytes()),
					ContentType: w.Header().Get("Content-Type"),
					ETag:        etagOf(buf.body.Bytes()),
				}
				c.Set(key, stored)
				w.Header().Set("ETag", stored.ETag)
			}
			buf.flush()
		})
	}
}
