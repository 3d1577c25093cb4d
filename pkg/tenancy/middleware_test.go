package tenancy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		mode       TenancyMode
		domain     string
		wantStatus int
		wantDomain string
		wantCode   string
	}{
		{
			name:       "single mode: no header -> configured domain",
			mode:       ModeSingle,
			wantStatus: http.StatusOK,
			wantDomain: "domain-root",
		},
		{
			name:       "single mode: header provided -> still configured domain",
			mode:       ModeSingle,
			domain:     "domain-a",
			wantStatus: http.StatusOK,
			wantDomain: "domain-root",
		},
		{
			name:       "header mode: domain from header",
			mode:       ModeHeader,
			domain:     "domain-b",
			wantStatus: http.StatusOK,
			wantDomain: "domain-b",
		},
		{
			name:       "header mode: missing domain -> 400",
			mode:       ModeHeader,
			wantStatus: http.StatusBadRequest,
			wantCode:   "ERROR_REQUIRED_PARAMETER",
		},
		{
			name:       "header mode: invalid domain -> 400",
			mode:       ModeHeader,
			domain:     "bad domain",
			wantStatus: http.StatusBadRequest,
			wantCode:   "ERROR_INVALID_PARAMETER",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := NewMiddleware(tt.mode, "domain-root")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = DomainFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			r := httptest.NewRequest(http.MethodGet, "/api/test", nil)
			if tt.domain != "" {
				r.Header.Set(DomainHeader, tt.domain)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && captured != tt.wantDomain {
				t.Errorf("domain = %q, want %q", captured, tt.wantDomain)
			}

			if tt.wantStatus == http.StatusBadRequest {
				var errBody struct {
					Error struct {
						Code    string `json:"code"`
						Message string `json:"message"`
					} `json:"error"`
				}
				if err := json.NewDecoder(w.Body).Decode(&errBody); err != nil {
					t.Fatalf("failed to decode error body: %v", err)
				}
				if errBody.Error.Code != tt.wantCode {
					t.Errorf("error code = %q, want %q", errBody.Error.Code, tt.wantCode)
				}
				if ct := w.Header().Get("Content-Type"); ct != "application/json" {
					t.Errorf("Content-Type = %q, want %q", ct, "application/json")
				}
			}
		})
	}
}

func TestMiddleware_CarriesAttribution(t *testing.T) {
	handler := Middleware(SingleTenantResolver{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := AttributionFromContext(r.Context())
		if a.CollectorID != "collector-1" {
			t.Errorf("CollectorID = %q, want collector-1", a.CollectorID)
		}
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	r.Header.Set(CollectorHeader, "collector-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}
