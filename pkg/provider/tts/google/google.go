// Package google provides a TTS adapter backed by the Google Cloud
// Text-to-Speech REST API, the gateway's multilingual cloud engine.
//
// Authentication uses an API key passed as a query parameter; the JSON
// surface returns base64-encoded audio.
package google

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultBaseURL = "https://texttospeech.googleapis.com/v1"
	defaultTimeout = 30 * time.Second
)

// Option is a functional option for configuring the Google Provider.
type Option func(*Provider)

// WithBaseURL overrides the API endpoint. Used by tests.
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(base, "/")
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements tts.Provider backed by Google Cloud TTS.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	mu     sync.Mutex
	voices []tts.Voice // lazily cached catalogue
}

// New creates a Google Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("google: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities reports MP3 and PCM/WAV output with emulated streaming.
func (p *Provider) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		SupportsStream: true,
		NativeFormats:  []tts.Format{tts.FormatMP3, tts.FormatWAV, tts.FormatPCM16},
	}
}

// ---- synthesis request/response shapes ----

type synthesizeRequest struct {
	Input       synthesisInput  `json:"input"`
	Voice       voiceSelection  `json:"voice"`
	AudioConfig audioConfig     `json:"audioConfig"`
}

type synthesisInput struct {
	Text string `json:"text,omitempty"`
	SSML string `json:"ssml,omitempty"`
}

type voiceSelection struct {
	LanguageCode string `json:"languageCode"`
	Name         string `json:"name"`
}

type audioConfig struct {
	AudioEncoding   string `json:"audioEncoding"`
	SampleRateHertz int    `json:"sampleRateHertz,omitempty"`
}

type synthesizeResponse struct {
	AudioContent string `json:"audioContent"`
}

// languageCodeOf derives the required languageCode from a Google voice name
// such as "en-US-Neural2-A".
func languageCodeOf(voiceID string) string {
	parts := strings.SplitN(voiceID, "-", 3)
	if len(parts) >= 2 {
		return parts[0] + "-" + parts[1]
	}
	return "en-US"
}

// Synthesize renders text through the JSON surface. LINEAR16 responses carry
// a WAV header, which the adapter strips for pcm16 requests.
func (p *Provider) Synthesize(ctx context.Context, text string, opts tts.SynthesisOptions) ([]byte, error) {
	encoding := "LINEAR16"
	if opts.Format == tts.FormatMP3 {
		encoding = "MP3"
	}

	reqBody := synthesizeRequest{
		Voice: voiceSelection{
			LanguageCode: languageCodeOf(opts.VoiceID),
			Name:         opts.VoiceID,
		},
		AudioConfig: audioConfig{
			AudioEncoding:   encoding,
			SampleRateHertz: opts.SampleRate,
		},
	}
	if opts.SSML {
		reqBody.Input.SSML = text
	} else {
		reqBody.Input.Text = text
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("google: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/text:synthesize?key=%s", p.baseURL, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("google: synthesize: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("google: synthesize HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("google: synthesize: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var sr synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("google: synthesize decode: %w", err)
	}
	audioBytes, err := base64.StdEncoding.DecodeString(sr.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("google: decode audio: %w", err)
	}

	if opts.Format == tts.FormatPCM16 {
		return stripWAVHeader(audioBytes), nil
	}
	return audioBytes, nil
}

// stripWAVHeader drops the canonical 44-byte header LINEAR16 responses carry.
func stripWAVHeader(data []byte) []byte {
	if len(data) > 44 && string(data[0:4]) == "RIFF" {
		return data[44:]
	}
	return data
}

// SynthesizeStream chunks a buffered result; the JSON surface is batch-only.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, opts tts.SynthesisOptions) (*tts.Stream, error) {
	data, err := p.Synthesize(ctx, text, opts)
	if err != nil {
		return nil, err
	}
	return tts.ChunkBuffered(ctx, data, opts, tts.DefaultChunkSize), nil
}

// SynthesizeTimestamped is not supported; the v1 surface reports no timings.
func (p *Provider) SynthesizeTimestamped(context.Context, string, string) (*tts.TimestampedResult, error) {
	return nil, tts.ErrUnsupported
}

// ---- voice catalogue ----

type voicesResponse struct {
	Voices []googleVoice `json:"voices"`
}

type googleVoice struct {
	Name          string   `json:"name"`
	LanguageCodes []string `json:"languageCodes"`
	SSMLGender    string   `json:"ssmlGender"`
}

// ListVoices returns the catalogue, cached per adapter instance.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.voices != nil {
		return p.voices, nil
	}

	url := fmt.Sprintf("%s/voices?key=%s", p.baseURL, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("google: list voices: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("google: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("google: list voices decode: %w", err)
	}

	voices := make([]tts.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		locale := ""
		if len(v.LanguageCodes) > 0 {
			locale = v.LanguageCodes[0]
		}
		voices = append(voices, tts.Voice{
			ID:        v.Name,
			Name:      v.Name,
			Languages: v.LanguageCodes,
			Locale:    locale,
			Gender:    strings.ToLower(v.SSMLGender),
		})
	}
	p.voices = voices
	return voices, nil
}

// HealthCheck probes the service by listing voices.
func (p *Provider) HealthCheck(ctx context.Context) tts.Health {
	return tts.HealthByListing(ctx, p)
}
