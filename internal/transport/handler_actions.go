package transport

import (
	"net/http"

	"github.com/pitabwire/tabula/model"
)

type armRequest struct {
	RowID    string `json:"row_id"    validate:"required"`
	ActionID string `json:"action_id" validate:"required_without=Variant"`
	Variant  string `json:"variant"   validate:"omitempty,oneof=edit delete"`
}

type confirmRequest struct {
	Token string         `json:"token" validate:"required,uuid"`
	Input map[string]any `json:"input"`
}

func (h *handlers) armAction(w http.ResponseWriter, r *http.Request) {
	c, err := h.controller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req armRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	armed, err := c.Arm(h.view(r), req.RowID, req.ActionID, req.Variant)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, armed)
}

func (h *handlers) currentAction(w http.ResponseWriter, r *http.Request) {
	c, err := h.controller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"action": c.Slot().Current()})
}

func (h *handlers) clearAction(w http.ResponseWriter, r *http.Request) {
	c, err := h.controller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	c.Slot().Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) confirmAction(w http.ResponseWriter, r *http.Request) {
	c, err := h.controller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req confirmRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	resp, err := c.Confirm(r.Context(), h.view(r), req.Token, req.Input)
	if err != nil {
		if ee, ok := model.AsEnvelope(err); ok && len(resp.Errors) > 0 && len(ee.Details) == 0 {
			env := *ee
			env.Details = resp.Errors
			err = &env
		}
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}
