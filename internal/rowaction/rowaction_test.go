package rowaction

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/locale"
	"github.com/pitabwire/tabula/internal/notify"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/model"
)

type call struct {
	binding model.OperationBinding
	input   model.InvocationInput
}

type fakeInvoker struct {
	mu     sync.Mutex
	calls  []call
	result model.InvocationResult
	err    error
}

func (f *fakeInvoker) Invoke(_ context.Context, _ *model.RequestContext, b model.OperationBinding, in model.InvocationInput) (model.InvocationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{binding: b, input: in})
	return f.result, f.err
}

var customersList = model.ListDefinition{
	ID: "customers.list",
	RowActions: []model.ActionDefinition{
		{
			ID: "edit", Label: "actions.edit", Variant: model.VariantEdit,
			Capabilities: []string{"customers:edit"},
			Operation:    &model.OperationBinding{ServiceID: "customers-svc", OperationID: "updateCustomer"},
		},
		{
			ID: "delete", Label: "Customer deleted", Variant: model.VariantDelete,
			Capabilities:   []string{"customers:delete"},
			Operation:      &model.OperationBinding{ServiceID: "customers-svc", OperationID: "deleteCustomer"},
			SuccessMessage: "mutations.deleted",
			ErrorMap:       map[string]string{"HAS_TRIPS": "Customer has open trips"},
		},
		{
			ID: "block", Label: "Block", Variant: "custom",
			Operation:  &model.OperationBinding{ServiceID: "customers-svc", OperationID: "blockCustomer"},
			PathParams: map[string]string{"id": "customer_code"},
		},
	},
}

var row = model.Row{ID: "c-1", Values: map[string]any{"id": "c-1", "name": "Amina", "customer_code": "AM-7"}}

type fixture struct {
	inv     *fakeInvoker
	notes   *notify.Center
	reg     *prometheus.Registry
	exec    *Executor
	slot    *Slot
	loc     *locale.Localizer
	rctx    *model.RequestContext
	invalid int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	idx := openapi.NewIndex()
	require.NoError(t, idx.Load([]openapi.SpecSource{
		{ServiceID: "customers-svc", BaseURL: "https://customers.internal", SpecPath: "../openapi/testdata/customers-svc.yaml"},
	}))
	tr, err := locale.NewTranslator(config.I18nConfig{
		DefaultLocale: "en",
		MessageFiles:  []string{"../locale/testdata/active.en.yaml"},
	})
	require.NoError(t, err)

	f := &fixture{
		inv:   &fakeInvoker{result: model.InvocationResult{StatusCode: http.StatusOK, Body: map[string]any{"id": "c-1"}}},
		notes: notify.NewCenter(0),
		reg:   prometheus.NewRegistry(),
		slot:  NewSlot(),
		loc:   tr.For("en"),
		rctx:  &model.RequestContext{TenantID: "t1", SubjectID: "u1"},
	}
	f.exec = NewExecutor(f.inv, f.notes, WithIndex(idx), WithMetrics(observability.InitMetrics(f.reg)))
	return f
}

func (f *fixture) request(token string, input map[string]any) Request {
	return Request{
		RequestContext: f.rctx,
		List:           customersList,
		Caps:           model.CapabilitySet{"customers:*": true},
		Slot:           f.slot,
		Token:          token,
		Input:          input,
		Localizer:      f.loc,
		Invalidate:     func() { f.invalid++ },
	}
}

func TestSlot_ArmReplaces(t *testing.T) {
	s := NewSlot()
	assert.Nil(t, s.Current())

	_, err := s.Check("anything")
	assert.True(t, model.IsCode(err, model.ErrNoActionArmed))

	first := s.Arm("customers.list", row, customersList.RowActions[0])
	second := s.Arm("customers.list", row, customersList.RowActions[1])
	assert.NotEqual(t, first.Token, second.Token)
	assert.Equal(t, "delete", s.Current().ActionID)

	_, err = s.Check(first.Token)
	assert.True(t, model.IsCode(err, model.ErrStaleAction))

	assert.False(t, s.ClearIf(first.Token))
	assert.NotNil(t, s.Current())
	assert.True(t, s.ClearIf(second.Token))
	assert.Nil(t, s.Current())
}

func TestExecutor_DeleteSuccess(t *testing.T) {
	f := newFixture(t)
	armed := f.slot.Arm(customersList.ID, row, customersList.RowActions[1])

	resp, err := f.exec.Run(context.Background(), f.request(armed.Token, map[string]any{"ignored": true}))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "Customer deleted completed", resp.Message)

	require.Len(t, f.inv.calls, 1)
	got := f.inv.calls[0]
	assert.Equal(t, "deleteCustomer", got.binding.OperationID)
	assert.Equal(t, map[string]string{"id": "c-1"}, got.input.PathParams)
	assert.Nil(t, got.input.Body, "delete sends no body")

	assert.Equal(t, 1, f.invalid)
	assert.Nil(t, f.slot.Current())

	notes := f.notes.Drain("t1/u1")
	require.Len(t, notes, 1)
	assert.Equal(t, model.NotifySuccess, notes[0].Level)
	assert.InDelta(t, 1, testutil.ToFloat64(f.exec.metrics.MutationsTotal.WithLabelValues("customers.list", "delete", "ok")), 0)
}

func TestExecutor_EditValidatesBody(t *testing.T) {
	f := newFixture(t)
	armed := f.slot.Arm(customersList.ID, row, customersList.RowActions[0])

	resp, err := f.exec.Run(context.Background(), f.request(armed.Token, map[string]any{"status": "archived"}))
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrValidationError))
	assert.NotEmpty(t, resp.Errors)
	assert.Empty(t, f.inv.calls, "invalid bodies never reach the backend")
	assert.NotNil(t, f.slot.Current())

	resp, err = f.exec.Run(context.Background(), f.request(armed.Token, map[string]any{"name": "Amina K"}))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "Done", resp.Message)
	assert.Equal(t, map[string]any{"name": "Amina K"}, f.inv.calls[0].input.Body)
	assert.Equal(t, map[string]any{"id": "c-1"}, resp.Result)
}

func TestExecutor_CustomPathParams(t *testing.T) {
	f := newFixture(t)
	armed := f.slot.Arm(customersList.ID, row, customersList.RowActions[2])

	_, err := f.exec.Run(context.Background(), f.request(armed.Token, nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"id": "AM-7"}, f.inv.calls[0].input.PathParams)
}

func TestExecutor_FailureKeepsSlotArmed(t *testing.T) {
	tests := []struct {
		name    string
		result  model.InvocationResult
		code    string
		message string
	}{
		{
			name:    "error map",
			result:  model.InvocationResult{StatusCode: http.StatusUnprocessableEntity, Body: map[string]any{"code": "HAS_TRIPS", "message": "constraint"}},
			code:    model.ErrBackendRejected,
			message: "Customer has open trips",
		},
		{
			name:    "upstream message",
			result:  model.InvocationResult{StatusCode: http.StatusConflict, Body: map[string]any{"message": []any{"already deleted"}}},
			code:    model.ErrConflict,
			message: "already deleted",
		},
		{
			name:    "generic",
			result:  model.InvocationResult{StatusCode: http.StatusBadGateway},
			code:    model.ErrBackendUnavailable,
			message: "Something went wrong. Please try again.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.inv.result = tt.result
			armed := f.slot.Arm(customersList.ID, row, customersList.RowActions[1])

			resp, err := f.exec.Run(context.Background(), f.request(armed.Token, nil))
			require.Error(t, err)
			assert.True(t, model.IsCode(err, tt.code), "got %v", err)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.message, resp.Message)

			assert.Equal(t, 0, f.invalid)
			require.NotNil(t, f.slot.Current())
			assert.Equal(t, armed.Token, f.slot.Current().Token)

			notes := f.notes.Drain("t1/u1")
			require.Len(t, notes, 1)
			assert.Equal(t, model.NotifyError, notes[0].Level)
			assert.Equal(t, tt.message, notes[0].Message)
		})
	}
}

func TestExecutor_FieldErrors(t *testing.T) {
	f := newFixture(t)
	f.inv.result = model.InvocationResult{
		StatusCode: http.StatusUnprocessableEntity,
		Body: map[string]any{
			"message": "The given data was invalid.",
			"errors":  map[string]any{"name": []any{"taken", "too short"}, "email": "invalid"},
		},
	}
	armed := f.slot.Arm(customersList.ID, row, customersList.RowActions[0])

	resp, err := f.exec.Run(context.Background(), f.request(armed.Token, map[string]any{"name": "A"}))
	require.Error(t, err)
	require.Len(t, resp.Errors, 2)
	assert.Equal(t, "email", resp.Errors[0].Field)
	assert.Equal(t, "taken, too short", resp.Errors[1].Message)
}

func TestExecutor_Unauthorized(t *testing.T) {
	f := newFixture(t)
	f.inv.result = model.InvocationResult{StatusCode: http.StatusUnauthorized}
	armed := f.slot.Arm(customersList.ID, row, customersList.RowActions[1])

	_, err := f.exec.Run(context.Background(), f.request(armed.Token, nil))
	assert.True(t, model.IsCode(err, model.ErrUnauthorized))
	assert.Empty(t, f.notes.Peek("t1/u1"))
}

func TestExecutor_TransportError(t *testing.T) {
	f := newFixture(t)
	f.inv.err = model.NewBackendTimeoutError()
	armed := f.slot.Arm(customersList.ID, row, customersList.RowActions[1])

	_, err := f.exec.Run(context.Background(), f.request(armed.Token, nil))
	assert.True(t, model.IsCode(err, model.ErrBackendTimeout))
	assert.Len(t, f.notes.Peek("t1/u1"), 1)
}

func TestExecutor_Preconditions(t *testing.T) {
	f := newFixture(t)

	_, err := f.exec.Run(context.Background(), f.request("none", nil))
	assert.True(t, model.IsCode(err, model.ErrNoActionArmed))

	stale := f.slot.Arm(customersList.ID, row, customersList.RowActions[0])
	f.slot.Arm(customersList.ID, row, customersList.RowActions[1])
	_, err = f.exec.Run(context.Background(), f.request(stale.Token, nil))
	assert.True(t, model.IsCode(err, model.ErrStaleAction))

	armed := f.slot.Arm(customersList.ID, row, customersList.RowActions[1])
	req := f.request(armed.Token, nil)
	req.Caps = model.CapabilitySet{"customers:view": true}
	_, err = f.exec.Run(context.Background(), req)
	assert.True(t, model.IsCode(err, model.ErrForbidden))

	noID := f.slot.Arm(customersList.ID, model.Row{Values: map[string]any{}}, customersList.RowActions[1])
	_, err = f.exec.Run(context.Background(), f.request(noID.Token, nil))
	assert.True(t, model.IsCode(err, model.ErrBadRequest))
	assert.Empty(t, f.inv.calls)
}

func TestSlot_ClaimIsExclusive(t *testing.T) {
	s := NewSlot()
	armed := s.Arm("customers.list", row, customersList.RowActions[1])

	got, release, err := s.Claim(armed.Token)
	require.NoError(t, err)
	assert.Equal(t, armed.Token, got.Token)

	_, _, err = s.Claim(armed.Token)
	assert.True(t, model.IsCode(err, model.ErrConflict))

	release()
	require.NotNil(t, s.Current(), "a released claim leaves the action armed")
	_, release, err = s.Claim(armed.Token)
	require.NoError(t, err)
	release()
}

// gatedInvoker holds every call until gate is closed.
type gatedInvoker struct {
	fakeInvoker
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedInvoker) Invoke(ctx context.Context, rctx *model.RequestContext, b model.OperationBinding, in model.InvocationInput) (model.InvocationResult, error) {
	g.entered <- struct{}{}
	<-g.gate
	return g.fakeInvoker.Invoke(ctx, rctx, b, in)
}

func TestExecutor_ConcurrentConfirmRunsOnce(t *testing.T) {
	f := newFixture(t)
	inv := &gatedInvoker{
		fakeInvoker: fakeInvoker{result: model.InvocationResult{StatusCode: http.StatusNoContent}},
		entered:     make(chan struct{}, 2),
		gate:        make(chan struct{}),
	}
	f.exec = NewExecutor(inv, f.notes)
	armed := f.slot.Arm("customers.list", row, customersList.RowActions[1])

	errc := make(chan error, 1)
	go func() {
		_, err := f.exec.Run(context.Background(), f.request(armed.Token, nil))
		errc <- err
	}()
	<-inv.entered

	_, err := f.exec.Run(context.Background(), f.request(armed.Token, nil))
	assert.True(t, model.IsCode(err, model.ErrConflict))

	close(inv.gate)
	require.NoError(t, <-errc)
	assert.Len(t, inv.calls, 1)
	assert.Nil(t, f.slot.Current())
}
