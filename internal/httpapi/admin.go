package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openvoiceproxy/openvoiceproxy/internal/keystore"
)

// ---- /admin/api/keys ----

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, errInternal, "listing keys failed")
		return
	}
	if keys == nil {
		keys = []keystore.Key{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// createKeyRequest is the accepted creation body. expiresInDays is the
// caller-friendly alternative to an absolute expiresAt.
type createKeyRequest struct {
	Name          string              `json:"name"`
	IsAdmin       bool                `json:"isAdmin"`
	RateLimit     *keystore.RateLimit `json:"rateLimit"`
	ExpiresAt     *time.Time          `json:"expiresAt"`
	ExpiresInDays int                 `json:"expiresInDays"`
	AllowedVoices []string            `json:"allowedVoices"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, errBadRequest, "name is required")
		return
	}

	params := keystore.CreateParams{
		Name:          req.Name,
		IsAdmin:       req.IsAdmin,
		Active:        true,
		RateLimit:     s.defaultLimit,
		ExpiresAt:     req.ExpiresAt,
		AllowedVoices: req.AllowedVoices,
	}
	if req.RateLimit != nil {
		params.RateLimit = *req.RateLimit
	}
	if params.ExpiresAt == nil && req.ExpiresInDays > 0 {
		at := time.Now().AddDate(0, 0, req.ExpiresInDays)
		params.ExpiresAt = &at
	}

	key, plaintext, err := s.keys.Create(r.Context(), params)
	if err != nil {
		respondError(w, http.StatusInternalServerError, errInternal, "creating key failed")
		return
	}

	// The plaintext appears in this response and nowhere else, ever.
	respondJSON(w, http.StatusCreated, map[string]any{
		"key":       key.Redacted(),
		"plaintext": plaintext,
	})
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.keys.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondKeyError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, key.Redacted())
}

// updateKeyRequest mirrors keystore.Patch with JSON field names.
type updateKeyRequest struct {
	Name           *string             `json:"name"`
	Active         *bool               `json:"active"`
	IsAdmin        *bool               `json:"isAdmin"`
	RateLimit      *keystore.RateLimit `json:"rateLimit"`
	ExpiresAt      *time.Time          `json:"expiresAt"`
	ClearExpiresAt bool                `json:"clearExpiresAt"`
}

func (s *Server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	var req updateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errBadRequest, "invalid JSON body")
		return
	}

	key, err := s.keys.Update(r.Context(), chi.URLParam(r, "id"), keystore.Patch{
		Name:           req.Name,
		Active:         req.Active,
		IsAdmin:        req.IsAdmin,
		RateLimit:      req.RateLimit,
		ExpiresAt:      req.ExpiresAt,
		ClearExpiresAt: req.ClearExpiresAt,
	})
	if err != nil {
		respondKeyError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, key.Redacted())
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.keys.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondKeyError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// ---- /admin/api/keys/{id}/engines ----

func (s *Server) handleGetEngineConfig(w http.ResponseWriter, r *http.Request) {
	engines, allowed, err := s.keys.GetEngineConfig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondKeyError(w, err)
		return
	}
	if engines == nil {
		engines = map[string]keystore.ProviderPolicy{}
	}
	if allowed == nil {
		allowed = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"engines":       engines,
		"allowedVoices": allowed,
	})
}

type engineConfigRequest struct {
	Engines       map[string]keystore.ProviderPolicy `json:"engines"`
	AllowedVoices []string                           `json:"allowedVoices"`
}

func (s *Server) handleSetEngineConfig(w http.ResponseWriter, r *http.Request) {
	var req engineConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errBadRequest, "invalid JSON body")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.keys.SetEngineConfig(r.Context(), id, req.Engines, req.AllowedVoices); err != nil {
		respondKeyError(w, err)
		return
	}
	engines, allowed, err := s.keys.GetEngineConfig(r.Context(), id)
	if err != nil {
		respondKeyError(w, err)
		return
	}
	if engines == nil {
		engines = map[string]keystore.ProviderPolicy{}
	}
	if allowed == nil {
		allowed = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"engines":       engines,
		"allowedVoices": allowed,
	})
}

func respondKeyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, keystore.ErrNotFound):
		respondError(w, http.StatusNotFound, errNotFound, "key not found")
	case errors.Is(err, keystore.ErrImmutable):
		respondError(w, http.StatusBadRequest, errBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, errInternal, "key store operation failed")
	}
}

// ---- /admin/api/credentials ----

func (s *Server) handleGetCredentials(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"credentials": s.creds.Masked()})
}

type credentialsRequest struct {
	Provider string            `json:"provider"`
	Fields   map[string]string `json:"fields"`
}

func (s *Server) handleSetCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errBadRequest, "invalid JSON body")
		return
	}
	if err := s.creds.Set(req.Provider, req.Fields); err != nil {
		respondError(w, http.StatusBadRequest, errBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"credentials": s.creds.Masked()})
}

// ---- /admin/api/usage ----

// handleUsage aggregates the in-memory usage log. ?since=N restricts the
// window to the last N days; zero or absent means everything retained.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 0 {
			respondError(w, http.StatusBadRequest, errBadRequest, "since must be a non-negative day count")
			return
		}
		if days > 0 {
			since = time.Now().AddDate(0, 0, -days)
		}
	}
	respondJSON(w, http.StatusOK, s.usage.Stats(since))
}
