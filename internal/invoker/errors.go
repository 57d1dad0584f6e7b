package invoker

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/pitabwire/tabula/model"
)

// ErrorMessage extracts the human-readable message from an upstream error
// body. The "message" field may be a string or an array of strings, which
// are joined with ", ". It returns "" when no message is present.
func ErrorMessage(body any) string {
	obj, ok := body.(map[string]any)
	if !ok {
		return ""
	}
	switch msg := obj["message"].(type) {
	case string:
		return strings.TrimSpace(msg)
	case []any:
		parts := make([]string, 0, len(msg))
		for _, m := range msg {
			if m == nil {
				continue
			}
			if s := strings.TrimSpace(fmt.Sprint(m)); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(msg, ", ")
	}
	if errObj, ok := obj["error"].(map[string]any); ok {
		return ErrorMessage(errObj)
	}
	return ""
}

// IsSuccess reports whether the result carries a 2xx status.
func IsSuccess(result model.InvocationResult) bool {
	return result.StatusCode >= 200 && result.StatusCode < 300
}

// StatusError maps a non-2xx upstream result onto an ErrorEnvelope carrying
// the upstream message when there is one. It returns nil for 2xx results.
func StatusError(result model.InvocationResult) error {
	if IsSuccess(result) {
		return nil
	}
	msg := ErrorMessage(result.Body)
	withDefault := func(def string) string {
		if msg != "" {
			return msg
		}
		return def
	}

	switch code := result.StatusCode; {
	case code == http.StatusUnauthorized:
		return model.NewUnauthorizedError(withDefault("upstream rejected the session"))
	case code == http.StatusForbidden:
		return model.NewForbiddenError(withDefault("upstream denied access"))
	case code == http.StatusNotFound:
		return model.NewNotFoundError(withDefault("resource not found"))
	case code == http.StatusConflict:
		return model.NewConflictError(withDefault("resource was modified"))
	case code == http.StatusTooManyRequests:
		return model.NewRateLimitedError()
	case code == http.StatusGatewayTimeout:
		return model.NewBackendTimeoutError()
	case code >= 500:
		return model.NewBackendUnavailableError()
	default:
		return model.NewBackendRejectedError(withDefault("request was rejected"))
	}
}
