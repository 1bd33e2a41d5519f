// internal/token/handler.go
package token

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"tollgate/internal/apperr"
	"tollgate/internal/httpjson"
	"tollgate/internal/tariff"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes registers the token endpoints on r. redeemMiddleware wraps only
// the redemption route.
func (h *Handler) Routes(r chi.Router, redeemMiddleware ...func(http.Handler) http.Handler) {
	r.Post("/tariffs/{tariffID}/tokens", h.handleIssue)
	r.Get("/tariffs/{tariffID}/tokens", h.handleListByTariff)
	r.Get("/tokens/{tokenID}", h.handleGet)
	r.Post("/tokens/{tokenID}/revoke", h.handleRevoke)
	r.With(redeemMiddleware...).Post("/redeem", h.handleRedeem)
}

func parseTokenID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "tokenID"))
	if err != nil {
		return uuid.Nil, apperr.Validation("token_id", "invalid token ID")
	}
	return id, nil
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	tariffID, err := tariff.ParseID(r)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	var req struct {
		IssuerSubjectID string `json:"issuer_subject_id"`
		MaxUses         *int   `json:"max_uses"`
	}
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, err)
		return
	}
	maxUses := 1
	if req.MaxUses != nil {
		maxUses = *req.MaxUses
	}

	issued, err := h.service.Issue(r.Context(), tariffID, req.IssuerSubjectID, maxUses)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusCreated, issued)
}

func (h *Handler) handleListByTariff(w http.ResponseWriter, r *http.Request) {
	tariffID, err := tariff.ParseID(r)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	tokens, err := h.service.ListByTariff(r.Context(), tariffID)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	if tokens == nil {
		tokens = []*AccessToken{}
	}
	httpjson.Write(w, http.StatusOK, tokens)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseTokenID(r)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	tok, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, tok)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id, err := parseTokenID(r)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	var req struct {
		ByAdminID string `json:"by_admin_id"`
	}
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, err)
		return
	}
	if err := h.service.Revoke(r.Context(), id, req.ByAdminID); err != nil {
		httpjson.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RedeemRequestBody is the JSON body of POST /redeem.
type RedeemRequestBody struct {
	Secret    string `json:"secret"`
	SubjectID string `json:"subject_id"`
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequestBody
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, err)
		return
	}
	res, err := h.service.Redeem(r.Context(), req.Secret, req.SubjectID)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, res)
}
