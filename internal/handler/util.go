package handler

import (
	"encoding/json"
	"net/http"

	"github.com/paperhub/chat-platform/pkg/apperr"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeAppError rejects a handshake before the upgrade.
func writeAppError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), errorText(err))
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindAuthentication:
		return http.StatusUnauthorized
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindMembership, apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindTransient, apperr.KindResourceInit:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorText is the message a client sees for err.
func errorText(err error) string {
	return apperr.PublicMessage(err)
}
