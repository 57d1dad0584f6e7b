package transport

import (
	"net/http"

	"github.com/pitabwire/tabula/model"
)

func (h *handlers) getLayout(w http.ResponseWriter, r *http.Request) {
	c, err := h.controller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	l, err := c.Layout(r.Context(), r.URL.Query().Get("suffix"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"layout": l})
}

func (h *handlers) putLayout(w http.ResponseWriter, r *http.Request) {
	c, err := h.controller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var l model.Layout
	if err := decodeBody(r, &l); err != nil {
		h.fail(w, r, err)
		return
	}
	saved, err := c.SaveLayout(r.Context(), r.URL.Query().Get("suffix"), l)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"layout": saved})
}
