package rowaction

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/pitabwire/tabula/internal/columns"
	"github.com/pitabwire/tabula/internal/invoker"
	"github.com/pitabwire/tabula/internal/locale"
	"github.com/pitabwire/tabula/internal/notify"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/model"
)

// Message ids used when a definition supplies no text.
const (
	msgMutationFailed = "errors.mutation_failed"
	msgMutationDone   = "mutations.success"
)

// Executor runs confirmed row actions against the upstream API. No optimistic
// update is made: rows change only through the re-fetch that follows a
// successful mutation.
type Executor struct {
	invoker model.OperationInvoker
	index   *openapi.Index
	notes   *notify.Center
	metrics *observability.Metrics
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithIndex validates request bodies against the upstream OpenAPI schema.
func WithIndex(idx *openapi.Index) ExecutorOption {
	return func(e *Executor) { e.index = idx }
}

// WithMetrics records mutation outcomes.
func WithMetrics(m *observability.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates an Executor that reports outcomes to notes.
func NewExecutor(inv model.OperationInvoker, notes *notify.Center, opts ...ExecutorOption) *Executor {
	e := &Executor{invoker: inv, notes: notes}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request is one confirmation of an armed action.
type Request struct {
	RequestContext *model.RequestContext
	List           model.ListDefinition
	Caps           model.CapabilitySet
	Slot           *Slot
	Token          string
	// Input is the request body for edit and custom actions.
	Input     map[string]any
	Localizer *locale.Localizer
	// Invalidate drops cached pages so the next read re-fetches.
	Invalidate func()
}

// Run confirms the action armed under req.Token. On success the list cache is
// invalidated, a success notification is queued and the slot is cleared. On
// failure an error notification is queued and the slot stays armed so the
// user can retry. A confirmation racing one already in flight for the same
// token fails with CONFLICT. UNAUTHORIZED is returned as is so the caller can
// end the session.
func (e *Executor) Run(ctx context.Context, req Request) (resp model.MutationResponse, err error) {
	ctx, span := observability.StartListSpan(ctx, "rowaction.confirm", req.List.ID, req.RequestContext)
	defer func() { observability.EndSpanWithError(span, err) }()

	armed, release, err := req.Slot.Claim(req.Token)
	if err != nil {
		return model.MutationResponse{}, err
	}
	defer release()

	span.SetAttributes(observability.AttrActionID.String(armed.ActionID))
	action, ok := findAction(req.List, armed.ActionID)
	if !ok {
		return model.MutationResponse{}, model.NewNotFoundError(fmt.Sprintf("action %q not found", armed.ActionID))
	}
	if !columns.Permitted(req.Caps, action) {
		return model.MutationResponse{}, model.NewForbiddenError(fmt.Sprintf("insufficient capabilities for action %q", action.ID))
	}
	if action.Operation == nil {
		return model.MutationResponse{}, model.NewBadRequestError(fmt.Sprintf("action %q has no operation", action.ID))
	}

	input, err := buildInput(action, armed.Row, req.Input)
	if err != nil {
		return model.MutationResponse{}, err
	}
	if fieldErrs := e.validate(*action.Operation, input.Body); len(fieldErrs) > 0 {
		return model.MutationResponse{Errors: fieldErrs}, model.NewValidationError(fieldErrs)
	}

	session := req.RequestContext.SessionKey()
	result, err := e.invoker.Invoke(ctx, req.RequestContext, *action.Operation, input)
	if err == nil {
		err = invoker.StatusError(result)
	}
	if err != nil {
		if model.IsCode(err, model.ErrUnauthorized) {
			e.metrics.RecordMutation(req.List.ID, action.ID, "unauthorized")
			return model.MutationResponse{}, err
		}
		msg := failureMessage(action, result, req.Localizer)
		e.notes.Error(session, req.List.ID, msg)
		e.metrics.RecordMutation(req.List.ID, action.ID, "error")
		return model.MutationResponse{Message: msg, Errors: fieldErrors(result.Body)}, rejected(err, msg)
	}

	if req.Invalidate != nil {
		req.Invalidate()
	}
	req.Slot.ClearIf(req.Token)

	msg := successMessage(action, req.Localizer)
	e.notes.Success(session, req.List.ID, msg)
	e.metrics.RecordMutation(req.List.ID, action.ID, "ok")

	resp = model.MutationResponse{Success: true, Message: msg}
	if body, ok := result.Body.(map[string]any); ok {
		resp.Result = body
	}
	return resp, nil
}

func findAction(list model.ListDefinition, id string) (model.ActionDefinition, bool) {
	for _, a := range list.RowActions {
		if a.ID == id {
			return a, true
		}
	}
	return model.ActionDefinition{}, false
}

// buildInput binds path parameters from the row. Delete actions send no body.
func buildInput(action model.ActionDefinition, row model.Row, body map[string]any) (model.InvocationInput, error) {
	bindings := action.PathParams
	if len(bindings) == 0 {
		bindings = map[string]string{"id": "id"}
	}

	input := model.InvocationInput{PathParams: make(map[string]string, len(bindings))}
	for param, field := range bindings {
		v := rowValue(row, field)
		if v == "" {
			return model.InvocationInput{}, model.NewBadRequestError(
				fmt.Sprintf("row has no value for %q required by action %q", field, action.ID))
		}
		input.PathParams[param] = v
	}
	if action.Variant != model.VariantDelete && len(body) > 0 {
		input.Body = maps.Clone(body)
	}
	return input, nil
}

// rowValue resolves field on row; "id" falls back to the row identity.
func rowValue(row model.Row, field string) string {
	switch v := row.Values[field].(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case nil:
	default:
		return fmt.Sprint(v)
	}
	if field == "id" {
		return row.ID
	}
	return ""
}

func (e *Executor) validate(op model.OperationBinding, body any) []model.FieldError {
	if e.index == nil {
		return nil
	}
	m, ok := body.(map[string]any)
	if !ok {
		return nil
	}
	var out []model.FieldError
	for _, ve := range e.index.ValidateRequest(op.ServiceID, op.OperationID, m) {
		out = append(out, model.FieldError{Field: ve.Field, Code: "INVALID", Message: ve.Message})
	}
	return out
}

// failureMessage picks the body message, translated through the action's
// error map when it has an entry, else the localized generic failure.
func failureMessage(action model.ActionDefinition, result model.InvocationResult, loc *locale.Localizer) string {
	msg := invoker.ErrorMessage(result.Body)
	if body, ok := result.Body.(map[string]any); ok {
		if code, ok := body["code"].(string); ok {
			if mapped, ok := action.ErrorMap[code]; ok {
				return loc.Text(mapped, nil)
			}
		}
	}
	if mapped, ok := action.ErrorMap[msg]; ok {
		return loc.Text(mapped, nil)
	}
	if msg != "" {
		return msg
	}
	return loc.Fallback(msgMutationFailed, "Something went wrong. Please try again.")
}

func successMessage(action model.ActionDefinition, loc *locale.Localizer) string {
	if action.SuccessMessage != "" {
		return loc.Text(action.SuccessMessage, map[string]any{"Label": action.Label})
	}
	return loc.Fallback(msgMutationDone, "Done")
}

// rejected carries msg on the returned envelope so the client shows what the
// notification shows.
func rejected(err error, msg string) error {
	env, ok := model.AsEnvelope(err)
	if !ok {
		return err
	}
	if env.Code == model.ErrBackendRejected || env.Code == model.ErrConflict ||
		env.Code == model.ErrNotFound || env.Code == model.ErrForbidden {
		c := *env
		c.Message = msg
		return &c
	}
	return err
}

// fieldErrors reads the {"errors": {"field": ["msg", ...]}} shape of
// upstream validation failures.
func fieldErrors(body any) []model.FieldError {
	m, ok := body.(map[string]any)
	if !ok {
		return nil
	}
	errs, ok := m["errors"].(map[string]any)
	if !ok {
		return nil
	}
	fields := make([]string, 0, len(errs))
	for f := range errs {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var out []model.FieldError
	for _, f := range fields {
		var msgs []string
		switch v := errs[f].(type) {
		case string:
			msgs = []string{v}
		case []any:
			for _, x := range v {
				if s, ok := x.(string); ok {
					msgs = append(msgs, s)
				}
			}
		}
		if len(msgs) == 0 {
			continue
		}
		out = append(out, model.FieldError{
			Field:   f,
			Code:    strconv.Itoa(http.StatusUnprocessableEntity),
			Message: strings.Join(msgs, ", "),
		})
	}
	return out
}
