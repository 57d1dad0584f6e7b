package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/tabula/model"
)

func (h *handlers) lookup(w http.ResponseWriter, r *http.Request) {
	if h.deps.Lookups == nil {
		h.fail(w, r, model.NewNotFoundError("lookups are not configured"))
		return
	}
	resp, err := h.deps.Lookups.Get(r.Context(), model.RequestContextFrom(r.Context()),
		chi.URLParam(r, "lookupId"), r.URL.Query().Get("q"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *handlers) drainNotifications(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	notes := h.deps.Manager.Notes().Drain(rctx.SessionKey())
	if notes == nil {
		notes = []model.Notification{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"notifications": notes})
}
