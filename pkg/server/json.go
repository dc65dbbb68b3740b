package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pashagolub/bookvote/pkg/data"
	"github.com/pashagolub/bookvote/pkg/elo"
	"github.com/pashagolub/bookvote/pkg/journal"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, data.ErrUserNotFound),
		errors.Is(err, data.ErrItemNotFound),
		errors.Is(err, data.ErrSessionNotFound),
		errors.Is(err, journal.ErrUnknownDataset):
		return http.StatusNotFound
	case errors.Is(err, data.ErrInvalidItemKind),
		errors.Is(err, journal.ErrUnknownFormat),
		errors.Is(err, elo.ErrSameItem):
		return http.StatusBadRequest
	case errors.Is(err, data.ErrInvalidUser),
		errors.Is(err, data.ErrInvalidSurvey),
		errors.Is(err, data.ErrEmptyPayload),
		errors.Is(err, elo.ErrInvalidRating):
		return http.StatusUnprocessableEntity
	case errors.Is(err, data.ErrWrongPhase),
		errors.Is(err, data.ErrSessionComplete),
		errors.Is(err, data.ErrStepOutOfSequence),
		errors.Is(err, data.ErrDuplicateItem),
		errors.Is(err, data.ErrStaleWrite),
		errors.Is(err, data.ErrRoundClosed):
		return http.StatusConflict
	case errors.Is(err, data.ErrNoActiveUser):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// writeErr reports err with the status of its sentinel. Unexpected errors
// are logged and hidden from the client.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
