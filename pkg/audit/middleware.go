package audit

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

// responseCapture wraps http.ResponseWriter to capture the status code.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// Middleware records an Event for every write below basePath. It must run
// after the tenancy middleware. A nil store or a disabled cfg passes
// requests through untouched.
func Middleware(store *Store, cfg *AuditConfig, basePath string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if store == nil || cfg == nil || !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isAudited(r.Method, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			startTime := time.Now()
			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			outcome := outcomeFromStatus(capture.statusCode)
			if outcome == "denied" || outcome == "rejected" {
				if !cfg.LogDenied {
					return
				}
			}

			ctx := r.Context()
			tc, _ := tenancy.TenantFromContext(ctx)
			actor := tc.UserID
			if a := tenancy.AttributionFromContext(ctx); a.CollectorID != "" {
				actor = "collector:" + a.CollectorID
			}
			if actor == "" {
				actor = "anonymous"
			}
			t := parseTarget(basePath, r.Method, r.URL.Path)

			event := &Event{
				EventID:      uuid.New().String(),
				DomainID:     tc.DomainID,
				WorkspaceID:  tc.WorkspaceID,
				Actor:        actor,
				RequestID:    middleware.GetReqID(ctx),
				ResourceType: t.resourceType,
				ResourceID:   t.resourceID,
				Action:       t.action,
				Outcome:      outcome,
				StatusCode:   capture.statusCode,
				Method:       r.Method,
				Path:         r.URL.Path,
				DurationMS:   time.Since(startTime).Milliseconds(),
				CreatedAt:    startTime.UTC(),
			}
			// The response is already written; a failed append only loses the event.
			if err := store.Append(context.WithoutCancel(ctx), event); err != nil {
				logger.Error("failed to write audit event", "error", err, "requestID", event.RequestID)
			}
		})
	}
}
