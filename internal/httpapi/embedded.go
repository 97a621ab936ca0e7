package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
)

// The /api surface is the compact contract spoken by microcontroller
// firmware: tiny JSON bodies, raw PCM responses described by headers, and
// aggressive defaults so a device can get away with sending only text.

type speakRequest struct {
	Text       string `json:"text"`
	Engine     string `json:"engine"`
	Voice      string `json:"voice"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	key, _ := KeyFromContext(r.Context())

	var req speakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		respondError(w, http.StatusBadRequest, errBadRequest, "text is required")
		return
	}
	if utf8.RuneCountInString(req.Text) > s.maxEmbeddedLen {
		respondError(w, http.StatusBadRequest, errBadRequest, "text exceeds maximum length")
		return
	}

	if req.Engine == "" {
		req.Engine = s.embedded.DefaultEngine
	}
	if req.Voice == "" {
		req.Voice = s.embedded.DefaultVoice
	}
	if req.SampleRate <= 0 {
		req.SampleRate = s.embedded.DefaultSampleRate
	}
	if req.Format == "" {
		req.Format = string(tts.FormatPCM16)
	}

	binding, err := s.resolver.Resolve(r.Context(), req.Engine+"-"+req.Voice, key)
	if err != nil {
		respondResolveError(w, err)
		return
	}

	plan, err := embeddedPlan(binding.Adapter.Capabilities(), tts.Format(req.Format), req.SampleRate)
	if err != nil {
		respondError(w, http.StatusBadRequest, errBadRequest, err.Error())
		return
	}

	if m := meterFromContext(r.Context()); m != nil {
		m.Provider = binding.Provider
		m.Characters = utf8.RuneCountInString(req.Text)
	}

	start := time.Now()
	data, err := s.synthesize(r.Context(), binding, req.Text, plan)
	if err != nil {
		s.metrics.RecordProviderError(r.Context(), binding.Provider)
		respondProviderError(w, err)
		return
	}

	w.Header().Set("Content-Type", plan.contentType)
	w.Header().Set("X-Sample-Rate", strconv.Itoa(req.SampleRate))
	w.Header().Set("X-Channels", "1")
	w.Header().Set("X-Bits-Per-Sample", "16")
	w.Header().Set("X-Processing-Time-Ms", strconv.FormatInt(time.Since(start).Milliseconds(), 10))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// embeddedPlan negotiates the wire plan for a device request. Unlike the
// /v1 path the caller names the container directly and picks the PCM rate.
func embeddedPlan(caps tts.Capabilities, format tts.Format, sampleRate int) (wirePlan, error) {
	switch format {
	case tts.FormatPCM16:
		plan := wirePlan{contentType: contentTypes[tts.FormatPCM16], sampleRate: sampleRate}
		switch {
		case caps.Supports(tts.FormatPCM16):
			plan.format, plan.transform = tts.FormatPCM16, passthrough
		case caps.Supports(tts.FormatWAV):
			plan.format, plan.transform = tts.FormatWAV, stripWAVHeader
		default:
			plan.format, plan.transform = tts.FormatMP3, mp3ToPCMOrSilent
		}
		return plan, nil
	case tts.FormatWAV, tts.FormatMP3:
		if !caps.Supports(format) {
			return wirePlan{}, errUnsupportedFormat(format)
		}
		return wirePlan{
			format:      format,
			contentType: contentTypes[format],
			transform:   passthrough,
			sampleRate:  sampleRate,
		}, nil
	}
	return wirePlan{}, errUnsupportedFormat(format)
}

// ---- /api/voices ----

type embeddedVoice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Engine   string `json:"engine"`
	Language string `json:"language,omitempty"`
	Gender   string `json:"gender,omitempty"`
}

func (s *Server) handleEmbeddedVoices(w http.ResponseWriter, r *http.Request) {
	key, _ := KeyFromContext(r.Context())
	facades := s.resolver.Catalogue(r.Context(), key, r.URL.Query().Get("engine"))

	voices := make([]embeddedVoice, 0, len(facades))
	for _, f := range facades {
		v := embeddedVoice{
			ID:     f.ID,
			Name:   f.Name,
			Engine: f.Provider,
			Gender: f.Gender,
		}
		if len(f.Languages) > 0 {
			v.Language = f.Languages[0]
		}
		voices = append(voices, v)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"voices": voices,
		"count":  len(voices),
	})
}

// ---- /api/engines ----

type engineStatus struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	health := s.registry.ListHealth(r.Context())

	engines := make([]engineStatus, 0, len(health))
	for _, provider := range s.registry.Providers() {
		engines = append(engines, engineStatus{
			ID:        provider,
			Name:      provider,
			Available: health[provider].OK,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"engines": engines,
		"default": s.defaultEngine,
	})
}
