package invoker

import (
	"net/http"
	"testing"

	"github.com/pitabwire/tabula/model"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		body any
		want string
	}{
		{"string", map[string]any{"message": " Customer not found "}, "Customer not found"},
		{"array", map[string]any{"message": []any{"a", "b", nil, ""}}, "a, b"},
		{"nested error", map[string]any{"error": map[string]any{"message": "boom"}}, "boom"},
		{"missing", map[string]any{"code": 1}, ""},
		{"not an object", []any{"x"}, ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorMessage(tt.body); got != tt.want {
				t.Errorf("ErrorMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		status int
		body   any
		code   string
		msg    string
	}{
		{http.StatusUnauthorized, nil, model.ErrUnauthorized, ""},
		{http.StatusForbidden, nil, model.ErrForbidden, ""},
		{http.StatusNotFound, map[string]any{"message": "Customer not found"}, model.ErrNotFound, "Customer not found"},
		{http.StatusConflict, nil, model.ErrConflict, ""},
		{http.StatusUnprocessableEntity, map[string]any{"message": []any{"x", "y"}}, model.ErrBackendRejected, "x, y"},
		{http.StatusBadRequest, nil, model.ErrBackendRejected, "request was rejected"},
		{http.StatusTooManyRequests, nil, model.ErrRateLimited, ""},
		{http.StatusGatewayTimeout, nil, model.ErrBackendTimeout, ""},
		{http.StatusInternalServerError, nil, model.ErrBackendUnavailable, ""},
	}
	for _, tt := range tests {
		err := StatusError(model.InvocationResult{StatusCode: tt.status, Body: tt.body})
		ee, ok := model.AsEnvelope(err)
		if !ok {
			t.Fatalf("status %d: err = %v, want envelope", tt.status, err)
		}
		if ee.Code != tt.code {
			t.Errorf("status %d: code = %s, want %s", tt.status, ee.Code, tt.code)
		}
		if tt.msg != "" && ee.Message != tt.msg {
			t.Errorf("status %d: message = %q, want %q", tt.status, ee.Message, tt.msg)
		}
	}

	if err := StatusError(model.InvocationResult{StatusCode: http.StatusNoContent}); err != nil {
		t.Errorf("204 should not be an error, got %v", err)
	}
}
