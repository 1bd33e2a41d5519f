// internal/eventlog/handler.go
package eventlog

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tollgate/internal/apperr"
	"tollgate/internal/httpjson"
)

const (
	defaultPage = 100
	maxPage     = 1000
)

type Handler struct {
	journal *Journal
}

func NewHandler(journal *Journal) *Handler {
	return &Handler{journal: journal}
}

// Routes registers GET /events?after=&limit= and GET /events/by-key/{key}.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/events", h.handleStream)
	r.Get("/events/by-key/*", h.handleByKey)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultPage)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	if limit <= 0 || limit > maxPage {
		httpjson.Error(w, apperr.Validation("limit", "limit must be between 1 and 1000"))
		return
	}

	records, err := h.journal.Stream(r.Context(), after, int(limit))
	if err != nil {
		httpjson.Error(w, apperr.Transient("stream events", err))
		return
	}
	next := after
	if len(records) > 0 {
		next = records[len(records)-1].Seq
	}
	httpjson.Write(w, http.StatusOK, map[string]any{
		"events": records,
		"next":   next,
	})
}

func (h *Handler) handleByKey(w http.ResponseWriter, r *http.Request) {
	records, err := h.journal.LoadByKey(r.Context(), chi.URLParam(r, "*"))
	if err != nil {
		httpjson.Error(w, apperr.Transient("load events", err))
		return
	}
	httpjson.Write(w, http.StatusOK, records)
}

func queryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, apperr.Validation(name, name+" must be a non-negative integer")
	}
	return v, nil
}
