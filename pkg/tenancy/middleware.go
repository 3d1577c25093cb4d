package tenancy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
)

// Middleware stores the tenant resolved by resolver and the collector
// attribution in the request context. A request whose tenant cannot be
// resolved is rejected with the inventory error body.
func Middleware(resolver TenantResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc, err := resolver.Resolve(r)
			if err != nil {
				rejectTenant(w, err)
				return
			}

			ctx := WithTenant(r.Context(), tc)
			ctx = WithAttribution(ctx, AttributionFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func rejectTenant(w http.ResponseWriter, err error) {
	var e *errs.Error
	if !errors.As(err, &e) {
		e = errs.Wrap(err, errs.KindValidation, "ERROR_INVALID_PARAMETER", "invalid tenant")
	}
	msg := e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(e))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": e.Code, "message": msg},
	})
}

// NewMiddleware picks the resolver for mode. Single mode serves every
// request as defaultDomain.
func NewMiddleware(mode TenancyMode, defaultDomain string) func(http.Handler) http.Handler {
	var resolver TenantResolver
	switch mode {
	case ModeHeader:
		resolver = HeaderTenantResolver{}
	default:
		resolver = SingleTenantResolver{DomainID: defaultDomain}
	}
	return Middleware(resolver)
}
