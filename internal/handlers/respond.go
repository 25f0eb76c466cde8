// Package handlers holds the HTTP entry points of the bridge: webhooks, the
// workflow action, the instance API and the OAuth installation flow.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"ghlbridge/internal/errs"

	"github.com/rs/zerolog/hlog"
)

// Respond writes the standard {code, success, data|error} envelope.
func Respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	envelope := map[string]any{"code": status}
	if err, ok := data.(error); ok {
		envelope["error"] = err.Error()
		envelope["success"] = false
	} else {
		envelope["data"] = data
		envelope["success"] = status < http.StatusBadRequest
	}
	respondWithJSON(w, r, status, envelope)
}

// RespondError answers with the status the error taxonomy maps err to.
func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("Request failed")
		err = errors.New(http.StatusText(status))
	}
	Respond(w, r, status, err)
}

// respondWithJSON writes payload as is, for endpoints whose body shape is
// fixed by the HighLevel app frontend.
func respondWithJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Validation("invalid JSON payload: %v", err)
	}
	return nil
}
