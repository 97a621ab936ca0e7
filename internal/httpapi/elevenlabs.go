package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/openvoiceproxy/openvoiceproxy/internal/align"
	"github.com/openvoiceproxy/openvoiceproxy/internal/voice"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/audio"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
)

// ---- /v1/voices ----

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	key, _ := KeyFromContext(r.Context())
	facades := s.resolver.Catalogue(r.Context(), key, "")

	voices := make([]voice.ElevenLabsVoice, 0, len(facades))
	for _, f := range facades {
		voices = append(voices, voice.WireVoice(f))
	}
	respondJSON(w, http.StatusOK, map[string]any{"voices": voices})
}

// ---- /v1/text-to-speech/{voiceID} ----

// speechRequest is the accepted request body. model_id and voice_settings
// are accepted for client compatibility and otherwise ignored.
type speechRequest struct {
	Text          string          `json:"text"`
	ModelID       string          `json:"model_id"`
	VoiceSettings json.RawMessage `json:"voice_settings"`
}

func (s *Server) handleTextToSpeech(w http.ResponseWriter, r *http.Request) {
	facadeID := chi.URLParam(r, "voiceID")
	key, _ := KeyFromContext(r.Context())

	var req speechRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		respondError(w, http.StatusBadRequest, errBadRequest, "text is required")
		return
	}
	if utf8.RuneCountInString(req.Text) > s.maxTextLen {
		respondError(w, http.StatusBadRequest, errBadRequest, "text exceeds maximum length")
		return
	}

	binding, err := s.resolver.Resolve(r.Context(), facadeID, key)
	if err != nil {
		respondResolveError(w, err)
		return
	}

	plan, err := negotiate(binding.Adapter.Capabilities(), r.URL.Query().Get("output_format"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errBadRequest, err.Error())
		return
	}

	if m := meterFromContext(r.Context()); m != nil {
		m.Provider = binding.Provider
		m.Characters = utf8.RuneCountInString(req.Text)
	}

	data, err := s.synthesize(r.Context(), binding, req.Text, plan)
	if err != nil {
		if s.silentMP3Fallback && plan.format == tts.FormatMP3 && !errors.Is(err, tts.ErrUnsupported) {
			slog.Warn("synthesis failed, serving silent fallback",
				"provider", binding.Provider, "voice", facadeID, "error", err)
			data = audio.SilentMP3(estimateDuration(req.Text))
		} else {
			s.metrics.RecordProviderError(r.Context(), binding.Provider)
			respondProviderError(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", plan.contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// synthesize runs one whole-utterance synthesis under the provider timeout
// and applies the negotiated wire transform.
func (s *Server) synthesize(ctx context.Context, binding *voice.Binding, text string, plan wirePlan) ([]byte, error) {
	if s.providerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.providerTimeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := binding.Adapter.Synthesize(ctx, text, tts.SynthesisOptions{
		VoiceID:    binding.NativeID,
		Format:     plan.format,
		SampleRate: plan.sampleRate,
	})
	if err != nil {
		s.metrics.RecordSynthesis(ctx, binding.Provider, string(plan.format), "error",
			utf8.RuneCountInString(text), time.Since(start).Seconds())
		return nil, err
	}
	s.metrics.RecordSynthesis(ctx, binding.Provider, string(plan.format), "ok",
		utf8.RuneCountInString(text), time.Since(start).Seconds())

	return applyTransform(binding.Provider, plan, raw)
}

// estimateDuration approximates speech length for fallback audio.
func estimateDuration(text string) time.Duration {
	const charsPerSecond = 10.8
	secs := float64(utf8.RuneCountInString(text)) / charsPerSecond
	return time.Duration(secs * float64(time.Second))
}

// ---- /v1/text-to-speech/{voiceID}/stream/with-timestamps ----

// timestampBody is the timestamped response document. All three keys are
// always present; alignment fields are null when no timing information
// exists for the utterance.
type timestampBody struct {
	AudioBase64         string           `json:"audio_base64"`
	Alignment           *align.Alignment `json:"alignment"`
	NormalizedAlignment *align.Alignment `json:"normalized_alignment"`
}

func (s *Server) handleTimestamped(w http.ResponseWriter, r *http.Request) {
	facadeID := chi.URLParam(r, "voiceID")
	key, _ := KeyFromContext(r.Context())

	var req speechRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		respondError(w, http.StatusBadRequest, errBadRequest, "text is required")
		return
	}
	if utf8.RuneCountInString(req.Text) > s.maxTextLen {
		respondError(w, http.StatusBadRequest, errBadRequest, "text exceeds maximum length")
		return
	}

	binding, err := s.resolver.Resolve(r.Context(), facadeID, key)
	if err != nil {
		respondResolveError(w, err)
		return
	}

	if m := meterFromContext(r.Context()); m != nil {
		m.Provider = binding.Provider
		m.Characters = utf8.RuneCountInString(req.Text)
	}

	ctx := r.Context()
	if s.providerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.providerTimeout)
		defer cancel()
	}

	var (
		payload   []byte
		alignment *align.Alignment
	)
	if binding.Adapter.Capabilities().SupportsTimestamps {
		res, err := binding.Adapter.SynthesizeTimestamped(ctx, req.Text, binding.NativeID)
		if err != nil {
			s.metrics.RecordProviderError(r.Context(), binding.Provider)
			respondProviderError(w, err)
			return
		}
		payload = res.Audio
		alignment = align.FromTimings(res.Alignment)
	} else {
		payload, err = binding.Adapter.Synthesize(ctx, req.Text, tts.SynthesisOptions{
			VoiceID: binding.NativeID,
			Format:  tts.FormatMP3,
		})
		if err != nil {
			s.metrics.RecordProviderError(r.Context(), binding.Provider)
			respondProviderError(w, err)
			return
		}
		if s.synthAlignment {
			alignment = align.Synthesize(req.Text, facadeID)
		}
	}

	slog.Debug("timestamped synthesis",
		"voice", facadeID,
		"audio_bytes", len(payload),
		"speech_seconds", alignment.Duration())

	// The body is one JSON document no matter how large the audio is.
	// Chunked transfer still lets the bytes go out as they are written.
	body, err := json.Marshal(timestampBody{
		AudioBase64:         base64.StdEncoding.EncodeToString(payload),
		Alignment:           alignment,
		NormalizedAlignment: alignment,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, errInternal, "response encoding failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	for off := 0; off < len(body); off += tts.DefaultChunkSize {
		end := min(off+tts.DefaultChunkSize, len(body))
		if _, err := w.Write(body[off:end]); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// ---- /v1/user and /v1/models ----

// handleUser answers the ElevenLabs account endpoint with a fixed shape so
// SDK clients that probe it on startup keep working.
func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	key, _ := KeyFromContext(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{
		"subscription": map[string]any{
			"tier":                            "proxy",
			"character_count":                 0,
			"character_limit":                 1_000_000,
			"can_extend_character_limit":      false,
			"allowed_to_extend_character_limit": false,
			"next_character_count_reset_unix": time.Now().Add(30 * 24 * time.Hour).Unix(),
			"voice_limit":                     1000,
			"professional_voice_limit":        0,
			"can_extend_voice_limit":          false,
			"can_use_instant_voice_cloning":   false,
			"can_use_professional_voice_cloning": false,
			"status": "active",
		},
		"is_new_user":      false,
		"xi_api_key":       "",
		"first_name":       key.Name,
		"can_use_delayed_payment_methods": false,
	})
}

// handleModels lists the synthesis backends in the model-catalogue shape
// ElevenLabs clients expect.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type model struct {
		ModelID                 string `json:"model_id"`
		Name                    string `json:"name"`
		CanDoTextToSpeech       bool   `json:"can_do_text_to_speech"`
		CanDoVoiceConversion    bool   `json:"can_do_voice_conversion"`
		CanUseStyle             bool   `json:"can_use_style"`
		CanUseSpeakerBoost      bool   `json:"can_use_speaker_boost"`
		TokenCostFactor         int    `json:"token_cost_factor"`
		MaxCharactersRequestFree int   `json:"max_characters_request_free_user"`
		MaxCharactersRequestSub int    `json:"max_characters_request_subscribed_user"`
	}

	models := make([]model, 0)
	for _, provider := range s.registry.Providers() {
		models = append(models, model{
			ModelID:                 provider,
			Name:                    provider,
			CanDoTextToSpeech:       true,
			TokenCostFactor:         1,
			MaxCharactersRequestFree: s.maxTextLen,
			MaxCharactersRequestSub: s.maxTextLen,
		})
	}
	respondJSON(w, http.StatusOK, models)
}
