package transport

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/tabula/internal/controller"
	"github.com/pitabwire/tabula/model"
)

type handlers struct {
	deps Dependencies
}

// view assembles the caller-dependent render inputs of a request.
func (h *handlers) view(r *http.Request) controller.View {
	rctx := model.RequestContextFrom(r.Context())
	v := controller.View{RequestContext: rctx, Caps: CapabilitiesFrom(r.Context())}
	if h.deps.Translator != nil && rctx != nil {
		v.Localizer = h.deps.Translator.For(rctx.Locale)
	}
	return v
}

// list resolves the list named in the URL and checks the caller may see it.
func (h *handlers) list(r *http.Request) (model.ListDefinition, error) {
	id := chi.URLParam(r, "listId")
	list, ok := h.deps.Lists.GetList(id)
	if !ok {
		return model.ListDefinition{}, model.NewNotFoundError(fmt.Sprintf("list %q not found", id))
	}
	if !CapabilitiesFrom(r.Context()).HasAll(list.Capabilities...) {
		return model.ListDefinition{}, model.NewForbiddenError("insufficient capabilities for this list")
	}
	return list, nil
}

// controller returns the caller's controller of the list, mounting it on
// first use.
func (h *handlers) controller(r *http.Request) (*controller.Controller, error) {
	list, err := h.list(r)
	if err != nil {
		return nil, err
	}
	return h.deps.Manager.Mount(model.RequestContextFrom(r.Context()), list), nil
}

// fail writes err. An upstream session rejection also ends the caller's
// list session so no stale state survives the re-login.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if model.IsCode(err, model.ErrUnauthorized) {
		if rctx := model.RequestContextFrom(r.Context()); rctx != nil && h.deps.Manager != nil {
			h.deps.Manager.EndSession(rctx)
		}
	}
	writeRequestError(w, r, err)
}

func (h *handlers) listLists(w http.ResponseWriter, r *http.Request) {
	caps := CapabilitiesFrom(r.Context())
	v := h.view(r)

	out := make([]model.ListSummary, 0)
	for _, l := range h.deps.Lists.AllLists() {
		if !caps.HasAll(l.Capabilities...) {
			continue
		}
		out = append(out, model.ListSummary{
			ID:    l.ID,
			Title: v.Localizer.Text(l.Title, nil),
			Route: l.Route,
			Icon:  l.Icon,
			Order: l.Order,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	WriteJSON(w, http.StatusOK, map[string]any{"lists": out})
}

func (h *handlers) mountList(w http.ResponseWriter, r *http.Request) {
	c, err := h.controller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, c.Descriptor(r.Context(), h.view(r)))
}

func (h *handlers) unmountList(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	h.deps.Manager.Unmount(rctx, chi.URLParam(r, "listId"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listData(w http.ResponseWriter, r *http.Request) {
	c, err := h.controller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if partial := queryPatch(r); len(partial) > 0 {
		if _, err := c.Patch(partial); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	h.writeTable(w, r, c)
}

func (h *handlers) writeTable(w http.ResponseWriter, r *http.Request, c *controller.Controller) {
	cfg, err := c.Table(r.Context(), h.view(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if cfg.Error != nil && cfg.Error.Code == model.ErrUnauthorized {
		h.fail(w, r, cfg.Error)
		return
	}
	WriteJSON(w, http.StatusOK, cfg)
}

// queryPatch turns the query string into a search-state patch. An empty
// value clears its key.
func queryPatch(r *http.Request) map[string]any {
	q := r.URL.Query()
	if len(q) == 0 {
		return nil
	}
	out := make(map[string]any, len(q))
	for k := range q {
		v := q.Get(k)
		switch {
		case v == "":
			out[k] = nil
		case k == model.ParamPage || k == model.ParamPerPage:
			if n, err := strconv.Atoi(v); err == nil {
				out[k] = n
			}
		default:
			out[k] = v
		}
	}
	return out
}

type statePatch map[string]any

func (h *handlers) patchState(w http.ResponseWriter, r *http.Request) {
	c, err := h.controller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var partial statePatch
	if err := decodeBody(r, &partial); err != nil {
		h.fail(w, r, err)
		return
	}
	state, err := c.Patch(partial)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"state": state})
}

type searchRequest struct {
	Text string `json:"text" validate:"max=256"`
}

func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	c, err := h.controller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, c.Search(req.Text))
}

func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	c, err := h.controller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	scope := r.URL.Query().Get("scope")
	switch scope {
	case "", controller.ResetAll, controller.ResetExternal:
	default:
		h.fail(w, r, model.NewBadRequestError(fmt.Sprintf("unknown reset scope %q", scope)))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"state": c.Reset(scope)})
}
