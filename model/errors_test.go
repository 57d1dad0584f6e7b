package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "List not found"}
	want := "NOT_FOUND: List not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestAsEnvelope_wrapped(t *testing.T) {
	err := fmt.Errorf("deleting row 7: %w", NewBackendRejectedError("Cannot delete: in use"))
	ee, ok := AsEnvelope(err)
	if !ok {
		t.Fatal("AsEnvelope() ok = false, want true")
	}
	if ee.Message != "Cannot delete: in use" {
		t.Errorf("Message = %q, want %q", ee.Message, "Cannot delete: in use")
	}
	if !IsCode(err, ErrBackendRejected) {
		t.Error("IsCode(BACKEND_REJECTED) = false, want true")
	}
}

func TestAsEnvelope_plain_error(t *testing.T) {
	if _, ok := AsEnvelope(errors.New("boom")); ok {
		t.Error("AsEnvelope(plain) ok = true, want false")
	}
	if IsCode(nil, ErrInternalError) {
		t.Error("IsCode(nil) = true, want false")
	}
}

func TestConstructors_codes(t *testing.T) {
	tests := []struct {
		err  *ErrorEnvelope
		code string
	}{
		{NewBadRequestError("bad json"), ErrBadRequest},
		{NewUnauthorizedError("missing token"), ErrUnauthorized},
		{NewForbiddenError("denied"), ErrForbidden},
		{NewNotFoundError("missing"), ErrNotFound},
		{NewConflictError("dup"), ErrConflict},
		{NewValidationError(nil), ErrValidationError},
		{NewInternalError(), ErrInternalError},
		{NewBackendUnavailableError(), ErrBackendUnavailable},
		{NewBackendTimeoutError(), ErrBackendTimeout},
		{NewRateLimitedError(), ErrRateLimited},
		{NewNoActionArmedError(), ErrNoActionArmed},
		{NewStaleActionError(), ErrStaleAction},
	}
	for _, tt := range tests {
		if tt.err.Code != tt.code {
			t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
		}
		if tt.err.Message == "" && tt.code != ErrBadRequest {
			t.Errorf("%s: empty message", tt.code)
		}
	}
}
