package audit

import (
	"net/http"
	"strings"
)

// target is what an API path refers to.
type target struct {
	resourceType string
	resourceID   string
	action       string
}

// parseTarget splits a path below basePath into resource type, id and
// action. Paths look like
//
//	/assets
//	/assets/{id}
//	/jobs/{id}:cancel
//	/collectors/{id}:init
//	/managed:sync
func parseTarget(basePath, method, path string) target {
	rest := strings.Trim(strings.TrimPrefix(path, basePath), "/")
	parts := strings.Split(rest, "/")

	var t target
	last := parts[len(parts)-1]
	verb := ""
	if i := strings.LastIndex(last, ":"); i > 0 {
		verb = last[i+1:]
		parts[len(parts)-1] = last[:i]
	}
	t.resourceType = parts[0]
	if len(parts) > 1 {
		t.resourceID = parts[1]
	}

	switch {
	case verb != "":
		t.action = verb
	case method == http.MethodPost:
		t.action = "create"
	case method == http.MethodPut, method == http.MethodPatch:
		t.action = "update"
	case method == http.MethodDelete:
		t.action = "delete"
	default:
		t.action = strings.ToLower(method)
	}
	return t
}

// isAudited reports whether a request writes. POST searches (":list",
// ":stat") and every GET are reads.
func isAudited(method, path string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return false
	}
	return !strings.HasSuffix(path, ":list") && !strings.HasSuffix(path, ":stat")
}

// outcomeFromStatus maps HTTP status codes to audit outcomes.
func outcomeFromStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "success"
	case code == http.StatusForbidden:
		return "denied"
	case code >= 400 && code < 500:
		return "rejected"
	default:
		return "failure"
	}
}
