// internal/httpjson/httpjson.go

// Package httpjson holds the JSON request/response helpers shared by the
// domain handlers.
package httpjson

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"tollgate/internal/apperr"
)

type errorBody struct {
	Code    apperr.Code       `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Write encodes v with the given status.
func Write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// Error writes err as a coded JSON error. Unknown errors become 500 without
// leaking their message.
func Error(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		log.Error().Err(err).Msg("Unhandled error")
		Write(w, http.StatusInternalServerError, errorBody{Code: apperr.CodeUnknown, Message: "internal error"})
		return
	}
	if appErr.Code.Retryable() {
		w.Header().Set("Retry-After", strconv.Itoa(1))
	}
	Write(w, appErr.Code.HTTPStatus(), errorBody{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Metadata,
	})
}

// Decode reads a JSON body into v, rejecting unknown fields.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "invalid request body", err)
	}
	return nil
}
