// internal/tariff/handler.go
package tariff

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tollgate/internal/apperr"
	"tollgate/internal/httpjson"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes registers the tariff endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/tariffs", h.handleCreate)
	r.Get("/tariffs/{tariffID}", h.handleGet)
	r.Patch("/tariffs/{tariffID}", h.handleUpdate)
	r.Delete("/tariffs/{tariffID}", h.handleDelete)
	r.Post("/tariffs/{tariffID}/deactivate", h.handleDeactivate)
	r.Get("/resources/{resourceID}/tariffs", h.handleListActive)
}

// ParseID reads a tariff id URL parameter.
func ParseID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "tariffID"))
	if err != nil {
		return uuid.Nil, apperr.Validation("tariff_id", "invalid tariff ID")
	}
	return id, nil
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResourceID        string          `json:"resource_id"`
		Name              string          `json:"name"`
		Price             decimal.Decimal `json:"price"`
		DurationDays      int             `json:"duration_days"`
		TokenValidityDays int             `json:"token_validity_days"`
	}
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, err)
		return
	}

	t, err := h.service.Create(r.Context(), req.ResourceID, req.Name, req.Price, req.DurationDays, req.TokenValidityDays)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusCreated, t)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := ParseID(r)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	t, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, t)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := ParseID(r)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	var u Update
	if err := httpjson.Decode(r, &u); err != nil {
		httpjson.Error(w, err)
		return
	}
	t, err := h.service.Update(r.Context(), id, u)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, t)
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	id, err := ParseID(r)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	t, err := h.service.Deactivate(r.Context(), id)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, t)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := ParseID(r)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		httpjson.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListActive(w http.ResponseWriter, r *http.Request) {
	tariffs, err := h.service.ListActive(r.Context(), chi.URLParam(r, "resourceID"))
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	if tariffs == nil {
		tariffs = []*Tariff{}
	}
	httpjson.Write(w, http.StatusOK, tariffs)
}
