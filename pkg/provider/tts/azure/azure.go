// Package azure provides a TTS adapter backed by the Azure Cognitive
// Services neural speech REST API.
//
// One adapter instance serves every output container: the requested format is
// a synthesis option translated into the X-Microsoft-OutputFormat header, so
// there is no need for per-format adapter identities.
package azure

import (
	"context"
	"encoding/json"
	"encoding/xml"
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
	synthesisEndpointFmt = "https://%s.tts.speech.microsoft.com/cognitiveservices/v1"
	voicesEndpointFmt    = "https://%s.tts.speech.microsoft.com/cognitiveservices/voices/list"
	defaultTimeout       = 30 * time.Second
	userAgent            = "openvoiceproxy"
)

// Option is a functional option for configuring the Azure Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client. Used by tests to point the
// adapter at a local server.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithBaseURL overrides both endpoints with a single base URL. Used by tests.
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		p.synthesisURL = base + "/cognitiveservices/v1"
		p.voicesURL = base + "/cognitiveservices/voices/list"
	}
}

// Provider implements tts.Provider backed by Azure neural TTS.
type Provider struct {
	apiKey       string
	synthesisURL string
	voicesURL    string
	httpClient   *http.Client

	mu     sync.Mutex
	voices []tts.Voice // lazily cached catalogue
}

// New creates an Azure Provider. apiKey and region must be non-empty.
func New(apiKey, region string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("azure: apiKey must not be empty")
	}
	if region == "" {
		return nil, errors.New("azure: region must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		synthesisURL: fmt.Sprintf(synthesisEndpointFmt, region),
		voicesURL:    fmt.Sprintf(voicesEndpointFmt, region),
		httpClient:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities reports MP3, WAV and raw PCM output with emulated streaming.
func (p *Provider) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		SupportsStream: true,
		NativeFormats:  []tts.Format{tts.FormatMP3, tts.FormatWAV, tts.FormatPCM16},
	}
}

// outputFormat maps the requested container and rate onto the
// X-Microsoft-OutputFormat header value.
func outputFormat(format tts.Format, sampleRate int) string {
	khz := 24
	switch sampleRate {
	case 8000:
		khz = 8
	case 16000:
		khz = 16
	case 22050, 24000:
		khz = 24
	case 44100, 48000:
		khz = 48
	}
	switch format {
	case tts.FormatMP3:
		return fmt.Sprintf("audio-%dkhz-96kbitrate-mono-mp3", khz)
	case tts.FormatPCM16:
		return fmt.Sprintf("raw-%dkhz-16bit-mono-pcm", khz)
	default:
		return fmt.Sprintf("riff-%dkhz-16bit-mono-pcm", khz)
	}
}

// ssmlDocument wraps text (or passes through caller SSML) in the envelope the
// endpoint requires.
func ssmlDocument(text, voiceID string, isSSML bool) string {
	if isSSML {
		return text
	}
	var escaped strings.Builder
	_ = xml.EscapeText(&escaped, []byte(text))
	return fmt.Sprintf(
		`<speak version='1.0' xml:lang='en-US'><voice name='%s'>%s</voice></speak>`,
		voiceID, escaped.String())
}

// Synthesize renders text through the REST endpoint.
func (p *Provider) Synthesize(ctx context.Context, text string, opts tts.SynthesisOptions) ([]byte, error) {
	body := ssmlDocument(text, opts.VoiceID, opts.SSML)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.synthesisURL, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("azure: synthesize: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", p.apiKey)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", outputFormat(opts.Format, opts.SampleRate))
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azure: synthesize HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("azure: synthesize: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return io.ReadAll(resp.Body)
}

// SynthesizeStream chunks a buffered result. The REST endpoint streams its
// response body, but chunk boundaries are not audio-frame aligned, so the
// adapter buffers and re-chunks for predictable framing.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, opts tts.SynthesisOptions) (*tts.Stream, error) {
	data, err := p.Synthesize(ctx, text, opts)
	if err != nil {
		return nil, err
	}
	return tts.ChunkBuffered(ctx, data, opts, tts.DefaultChunkSize), nil
}

// SynthesizeTimestamped is not supported on the REST surface.
func (p *Provider) SynthesizeTimestamped(context.Context, string, string) (*tts.TimestampedResult, error) {
	return nil, tts.ErrUnsupported
}

// azureVoice is one entry of the voices/list response.
type azureVoice struct {
	ShortName       string   `json:"ShortName"`
	DisplayName     string   `json:"DisplayName"`
	Locale          string   `json:"Locale"`
	Gender          string   `json:"Gender"`
	SecondaryLocale []string `json:"SecondaryLocaleList"`
}

// ListVoices returns the neural voice catalogue, cached per adapter instance.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.voices != nil {
		return p.voices, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.voicesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: list voices: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azure: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("azure: list voices: unexpected status %d", resp.StatusCode)
	}

	var raw []azureVoice
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("azure: list voices decode: %w", err)
	}

	voices := make([]tts.Voice, 0, len(raw))
	for _, v := range raw {
		langs := append([]string{v.Locale}, v.SecondaryLocale...)
		voices = append(voices, tts.Voice{
			ID:        v.ShortName,
			Name:      v.DisplayName,
			Languages: langs,
			Locale:    v.Locale,
			Gender:    strings.ToLower(v.Gender),
		})
	}
	p.voices = voices
	return voices, nil
}

// HealthCheck probes the service by listing voices.
func (p *Provider) HealthCheck(ctx context.Context) tts.Health {
	return tts.HealthByListing(ctx, p)
}
