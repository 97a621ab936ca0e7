// Package elevenlabs provides a TTS adapter backed by the ElevenLabs REST
// API. It is the only adapter that reports real per-character timings,
// via the /with-timestamps synthesis endpoint.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io"
	defaultModel   = "eleven_multilingual_v2"
)

// Ensure Provider implements the tts.Provider interface.
var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider backed by the ElevenLabs REST API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client

	mu     sync.Mutex
	voices []tts.Voice
}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g. "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client used for all requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities implements tts.Provider.
func (p *Provider) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		SupportsStream:     true,
		SupportsTimestamps: true,
		NativeFormats:      []tts.Format{tts.FormatMP3, tts.FormatPCM16},
	}
}

// ---- synthesis ----

// synthesizeRequest is the JSON body for both synthesis endpoints.
type synthesizeRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// defaultSettings is applied to every request.
var defaultSettings = &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}

// outputFormat maps the adapter format and rate to the output_format query
// value. ElevenLabs PCM output carries no container, so pcm16 maps directly.
func outputFormat(f tts.Format, sampleRate int) (string, error) {
	switch f {
	case tts.FormatMP3, "":
		return "mp3_44100_128", nil
	case tts.FormatPCM16:
		switch sampleRate {
		case 16000:
			return "pcm_16000", nil
		case 22050:
			return "pcm_22050", nil
		case 0, 24000:
			return "pcm_24000", nil
		case 44100:
			return "pcm_44100", nil
		}
		return "", fmt.Errorf("elevenlabs: %w: pcm rate %d", tts.ErrUnsupported, sampleRate)
	}
	return "", fmt.Errorf("elevenlabs: %w: format %q", tts.ErrUnsupported, f)
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, opts tts.SynthesisOptions) ([]byte, error) {
	format, err := outputFormat(opts.Format, opts.SampleRate)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", p.baseURL, opts.VoiceID, format)
	resp, err := p.post(ctx, url, synthesizeRequest{
		Text:          text,
		ModelID:       p.model,
		VoiceSettings: defaultSettings,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError("synthesize", resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	return data, nil
}

// SynthesizeStream implements tts.Provider by chunking the buffered result.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, opts tts.SynthesisOptions) (*tts.Stream, error) {
	data, err := p.Synthesize(ctx, text, opts)
	if err != nil {
		return nil, err
	}
	return tts.ChunkBuffered(ctx, data, opts, tts.DefaultChunkSize), nil
}

// ---- timestamped synthesis ----

// timestampsResponse is the JSON body of the /with-timestamps endpoint.
type timestampsResponse struct {
	AudioBase64 string     `json:"audio_base64"`
	Alignment   *alignment `json:"alignment"`
}

// alignment is the ElevenLabs character alignment object.
type alignment struct {
	Characters              []string  `json:"characters"`
	CharacterStartTimesSecs []float64 `json:"character_start_times_seconds"`
	CharacterEndTimesSecs   []float64 `json:"character_end_times_seconds"`
}

// SynthesizeTimestamped implements tts.Provider using the /with-timestamps
// endpoint, which reports the real start and end of every character.
func (p *Provider) SynthesizeTimestamped(ctx context.Context, text, voiceID string) (*tts.TimestampedResult, error) {
	url := fmt.Sprintf("%s/v1/text-to-speech/%s/with-timestamps?output_format=mp3_44100_128", p.baseURL, voiceID)
	resp, err := p.post(ctx, url, synthesizeRequest{
		Text:          text,
		ModelID:       p.model,
		VoiceSettings: defaultSettings,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError("synthesize with timestamps", resp)
	}

	var tr timestampsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode timestamps response: %w", err)
	}
	audio, err := base64.StdEncoding.DecodeString(tr.AudioBase64)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: decode audio payload: %w", err)
	}

	result := &tts.TimestampedResult{Audio: audio, Format: tts.FormatMP3}
	if a := tr.Alignment; a != nil {
		n := len(a.Characters)
		if len(a.CharacterStartTimesSecs) != n || len(a.CharacterEndTimesSecs) != n {
			return nil, fmt.Errorf("elevenlabs: alignment arrays disagree on length")
		}
		timings := make([]tts.CharTiming, n)
		for i := range a.Characters {
			timings[i] = tts.CharTiming{
				Character: a.Characters[i],
				StartSec:  a.CharacterStartTimesSecs[i],
				EndSec:    a.CharacterEndTimesSecs[i],
			}
		}
		result.Alignment = timings
	}
	return result, nil
}

// ---- voices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []apiVoice `json:"voices"`
}

// apiVoice is a single voice entry from the ElevenLabs API.
type apiVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices implements tts.Provider. The catalogue is fetched once per
// adapter instance and cached.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	if p.voices != nil {
		cached := p.voices
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError("list voices", resp)
	}
	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}

	voices := make([]tts.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		voice := tts.Voice{ID: v.VoiceID, Name: v.Name}
		if lang, ok := v.Labels["language"]; ok {
			voice.Languages = []string{lang}
		}
		if gender, ok := v.Labels["gender"]; ok {
			voice.Gender = gender
		}
		voices = append(voices, voice)
	}

	p.mu.Lock()
	p.voices = voices
	p.mu.Unlock()
	return voices, nil
}

// HealthCheck implements tts.Provider.
func (p *Provider) HealthCheck(ctx context.Context) tts.Health {
	return tts.HealthByListing(ctx, p)
}

// ---- helpers ----

func (p *Provider) post(ctx context.Context, url string, body synthesizeRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: request: %w", err)
	}
	return resp, nil
}

// apiError drains a non-200 response into an error, keeping a short excerpt
// of the body for diagnosis.
func apiError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("elevenlabs: %s: status %d: %s", op, resp.StatusCode, bytes.TrimSpace(body))
}
