package model

import "context"

// OperationInvoker is the interface for backend invocation.
type OperationInvoker interface {
	// Invoke calls the backend operation described by the binding with the given input.
	Invoke(ctx context.Context, rctx *RequestContext, binding OperationBinding, input InvocationInput) (InvocationResult, error)
}

// InvocationInput is the constructed backend request.
type InvocationInput struct {
	PathParams  map[string]string `json:"path_params,omitempty"`
	QueryParams map[string]string `json:"query_params,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        any               `json:"body,omitempty"`
}

// InvocationResult is the backend response. Body holds the decoded JSON when
// the response was JSON; Raw always holds the response bytes.
type InvocationResult struct {
	StatusCode int               `json:"status_code"`
	Body       any               `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Raw        []byte            `json:"-"`
}

// TokenSource supplies the bearer token used for upstream calls and owns its
// lifecycle.
type TokenSource interface {
	Token(ctx context.Context, rctx *RequestContext, serviceID string) (string, error)
	// Invalidate discards the token after the backend rejected it.
	Invalidate(ctx context.Context, rctx *RequestContext, serviceID string)
}
