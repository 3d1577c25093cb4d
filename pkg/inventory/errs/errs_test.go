package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", RequiredParameter("data"), http.StatusBadRequest},
		{"not found", NotFound("asset_id", "asset-1"), http.StatusNotFound},
		{"conflict", AlreadyDeleted("asset_id", "asset-1"), http.StatusConflict},
		{"permission", PermissionDenied("managed"), http.StatusForbidden},
		{"upstream", Upstream(errors.New("dial"), "collect"), http.StatusBadGateway},
		{"wrapped", fmt.Errorf("update asset: %w", NotFound("asset_id", "x")), http.StatusNotFound},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestRollbackKeepsBothErrors(t *testing.T) {
	cause := errors.New("history write failed")
	undo := errors.New("delete failed")

	err := Rollback(cause, undo)

	assert.True(t, IsKind(err, KindRollback))
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, undo)
	assert.Equal(t, "ERROR_ROLLBACK_FAILED", CodeOf(err))
}
