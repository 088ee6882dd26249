package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// writeJSON encodes v before touching the response, so an encoding failure
// still produces a clean 500 instead of a partial body.
func writeJSON(w http.ResponseWriter, logger zerolog.Logger, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		logger.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		logger.Warn().Err(err).Msg("Failed to write response")
	}
}

// accountIDFromPath reads the {id} route variable. It writes a 400 and returns
// false when the id is missing or not a positive integer.
func accountIDFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "account id must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
