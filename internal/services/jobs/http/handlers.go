// Package http provides the job status transport
package http

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"

	phttp "pulse/internal/platform/net/http"
	dom "pulse/internal/services/jobs/domain"
)

// Register mounts the job routes
func Register(r phttp.Router, s dom.StatusPort) {
	h := &handlers{svc: s}
	r.Get("/{id}/status", h.status)
}

type handlers struct{ svc dom.StatusPort }

func (h *handlers) status(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	doc, err := h.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		phttp.RespondError(w, r, err)
		return
	}
	phttp.RespondOK(w, r, doc)
}
