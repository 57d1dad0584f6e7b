// Package transport contains the HTTP router, the middleware chain and the
// list controller endpoints of the BFF.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrRateLimited:        http.StatusTooManyRequests,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
	model.ErrBackendRejected:    http.StatusUnprocessableEntity,
	model.ErrNoActionArmed:      http.StatusConflict,
	model.ErrStaleAction:        http.StatusConflict,
}

// StatusFor returns the HTTP status for an error code, 500 when unknown.
func StatusFor(code string) int {
	if s, ok := statusForCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes err as an ErrorEnvelope with the matching status code.
// Errors without an envelope in their chain become a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusFor(ee.Code), errorResponse{Error: ee})
}

// writeRequestError is WriteError with the request's trace id attached.
func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}
	if id := observability.TraceIDFromContext(r.Context()); id != "" && ee.TraceID == "" {
		c := *ee
		c.TraceID = id
		ee = &c
	}
	WriteJSON(w, StatusFor(ee.Code), errorResponse{Error: ee})
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeBody decodes a JSON request body into dst and validates it.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	if err := validate.Struct(dst); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			// dst is not a struct; nothing to validate.
			return nil
		}
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return model.NewBadRequestError(err.Error())
		}
		details := make([]model.FieldError, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, model.FieldError{
				Field:   jsonField(fe),
				Code:    strings.ToUpper(fe.Tag()),
				Message: "failed " + fe.Tag() + " validation",
			})
		}
		return model.NewValidationError(details)
	}
	return nil
}

// jsonField returns the json name of a failed field.
func jsonField(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ToLower(ns)
}
