package middleware

import (
	"net/http"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/paperhub/chat-platform/pkg/apperr"
)

// MaxFrameSize is the largest inbound websocket frame accepted.
const MaxFrameSize = 100000

// ValidateFrame checks an inbound websocket frame before it is decoded.
func ValidateFrame(frame []byte) error {
	if len(frame) == 0 {
		return apperr.Validation("Invalid message format")
	}
	if len(frame) > MaxFrameSize {
		return apperr.Validation("message exceeds maximum length")
	}
	if !utf8.Valid(frame) {
		return apperr.Validation("message must be valid UTF-8")
	}
	return nil
}

// ValidateID checks that id is a UUID.
func ValidateID(id, what string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperr.Validation("invalid " + what + " format")
	}
	return nil
}

// RequireUUIDParam rejects requests whose URL parameter name is not a UUID.
func RequireUUIDParam(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := ValidateID(chi.URLParam(r, name), name); err != nil {
				writeJSONError(w, http.StatusBadRequest, apperr.PublicMessage(err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
