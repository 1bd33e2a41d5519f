// internal/membership/handler.go
package membership

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"tollgate/internal/httpjson"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes registers the membership endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/resources/{resourceID}/members/{subjectID}", func(r chi.Router) {
		r.Get("/", h.handleGetStatus)
		r.Post("/join", h.handleRequestJoin)
		r.Post("/decision", h.handleDecide)
		r.Post("/grant", h.handleGrant)
	})
}

func memberKey(r *http.Request) (subjectID, resourceID string) {
	return chi.URLParam(r, "subjectID"), chi.URLParam(r, "resourceID")
}

func (h *Handler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	subjectID, resourceID := memberKey(r)
	snap, err := h.service.GetStatus(r.Context(), subjectID, resourceID)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, snap)
}

func (h *Handler) handleRequestJoin(w http.ResponseWriter, r *http.Request) {
	subjectID, resourceID := memberKey(r)
	m, err := h.service.RequestJoin(r.Context(), subjectID, resourceID)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusAccepted, m)
}

func (h *Handler) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approve      bool   `json:"approve"`
		Reason       string `json:"reason"`
		DurationDays int    `json:"duration_days"`
	}
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, err)
		return
	}

	subjectID, resourceID := memberKey(r)
	m, err := h.service.Decide(r.Context(), subjectID, resourceID, req.Approve, req.Reason, req.DurationDays)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, m)
}

func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DurationDays int    `json:"duration_days"`
		ByAdminID    string `json:"by_admin_id"`
	}
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, err)
		return
	}

	subjectID, resourceID := memberKey(r)
	m, err := h.service.Grant(r.Context(), subjectID, resourceID, req.DurationDays, req.ByAdminID)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, m)
}
