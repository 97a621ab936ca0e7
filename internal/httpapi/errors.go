package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/openvoiceproxy/openvoiceproxy/internal/keystore"
	"github.com/openvoiceproxy/openvoiceproxy/internal/voice"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
)

// errorBody is the JSON error envelope every REST error uses.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Short error titles reused across handlers. Clients match on these strings.
const (
	errBadRequest     = "Bad Request"
	errUnauthorized   = "Unauthorized"
	errForbidden      = "Forbidden"
	errVoiceNotFound  = "Voice not found"
	errNotFound       = "Not Found"
	errRateLimited    = "Rate Limit Exceeded"
	errUnavailable    = "Provider Unavailable"
	errProviderFailed = "Provider Failed"
	errUnsupported    = "Unsupported"
	errInternal       = "Internal Server Error"
)

// respondJSON writes v as JSON with the given status.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError writes the standard error envelope.
func respondError(w http.ResponseWriter, status int, title, message string) {
	respondJSON(w, status, errorBody{
		Error:     title,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// respondResolveError maps a voice-resolver failure onto its HTTP shape.
func respondResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, voice.ErrNotFound):
		respondError(w, http.StatusNotFound, errVoiceNotFound, err.Error())
	case errors.Is(err, voice.ErrForbidden):
		respondError(w, http.StatusForbidden, errForbidden, err.Error())
	case errors.Is(err, voice.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, errUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, errInternal, err.Error())
	}
}

// respondAuthError maps a keystore lookup failure onto 401. The message is
// generic so a probe cannot distinguish unknown from expired keys.
func respondAuthError(w http.ResponseWriter, err error) {
	message := "invalid API key"
	switch {
	case errors.Is(err, keystore.ErrInactive):
		message = "API key is inactive"
	case errors.Is(err, keystore.ErrExpired):
		message = "API key is expired"
	}
	respondError(w, http.StatusUnauthorized, errUnauthorized, message)
}

// respondProviderError maps a synthesis failure onto its HTTP shape.
func respondProviderError(w http.ResponseWriter, err error) {
	if errors.Is(err, tts.ErrUnsupported) {
		respondError(w, http.StatusBadRequest, errUnsupported, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, errProviderFailed, err.Error())
}
