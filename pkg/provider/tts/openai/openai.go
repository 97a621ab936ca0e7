// Package openai provides a TTS adapter backed by the OpenAI speech API.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
)

// DefaultModel is the default OpenAI speech model.
const DefaultModel = oai.SpeechModelTTS1

// pcmSampleRate is the fixed rate of OpenAI raw PCM output.
const pcmSampleRate = 24000

// Ensure Provider implements the tts.Provider interface.
var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI speech API. The voice
// catalogue is fixed by the API rather than discoverable, so ListVoices
// returns a static set.
type Provider struct {
	client oai.Client
	model  oai.SpeechModel
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
	model   oai.SpeechModel
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithModel selects the speech model. Defaults to DefaultModel (tts-1).
func WithModel(model string) Option {
	return func(c *config) {
		c.model = oai.SpeechModel(model)
	}
}

// New constructs a new OpenAI speech Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}

	cfg := &config{model: DefaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: cfg.model}, nil
}

// Capabilities implements tts.Provider.
func (p *Provider) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		SupportsStream:     true,
		SupportsTimestamps: false,
		NativeFormats:      []tts.Format{tts.FormatMP3, tts.FormatWAV, tts.FormatPCM16},
	}
}

// voices is the fixed catalogue exposed by the speech API.
var voices = []tts.Voice{
	{ID: "alloy", Name: "Alloy", Languages: []string{"en"}, Gender: "neutral"},
	{ID: "ash", Name: "Ash", Languages: []string{"en"}, Gender: "male"},
	{ID: "coral", Name: "Coral", Languages: []string{"en"}, Gender: "female"},
	{ID: "echo", Name: "Echo", Languages: []string{"en"}, Gender: "male"},
	{ID: "fable", Name: "Fable", Languages: []string{"en"}, Gender: "neutral"},
	{ID: "nova", Name: "Nova", Languages: []string{"en"}, Gender: "female"},
	{ID: "onyx", Name: "Onyx", Languages: []string{"en"}, Gender: "male"},
	{ID: "sage", Name: "Sage", Languages: []string{"en"}, Gender: "female"},
	{ID: "shimmer", Name: "Shimmer", Languages: []string{"en"}, Gender: "female"},
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	out := make([]tts.Voice, len(voices))
	copy(out, voices)
	return out, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, opts tts.SynthesisOptions) ([]byte, error) {
	format, err := responseFormat(opts.Format)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          p.model,
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(opts.VoiceID),
		ResponseFormat: format,
	})
	if err != nil {
		return nil, fmt.Errorf("openai tts: synthesize: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai tts: read response: %w", err)
	}
	return data, nil
}

// SynthesizeStream implements tts.Provider. The speech endpoint returns one
// buffered payload, so streaming is emulated by chunking it.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, opts tts.SynthesisOptions) (*tts.Stream, error) {
	data, err := p.Synthesize(ctx, text, opts)
	if err != nil {
		return nil, err
	}
	if opts.SampleRate == 0 && opts.Format == tts.FormatPCM16 {
		opts.SampleRate = pcmSampleRate
	}
	return tts.ChunkBuffered(ctx, data, opts, tts.DefaultChunkSize), nil
}

// SynthesizeTimestamped implements tts.Provider. The speech API does not
// report character timings.
func (p *Provider) SynthesizeTimestamped(ctx context.Context, text, voiceID string) (*tts.TimestampedResult, error) {
	return nil, tts.ErrUnsupported
}

// HealthCheck implements tts.Provider.
func (p *Provider) HealthCheck(ctx context.Context) tts.Health {
	return tts.HealthByListing(ctx, p)
}

// responseFormat maps the adapter format to the API's response_format value.
func responseFormat(f tts.Format) (oai.AudioSpeechNewParamsResponseFormat, error) {
	switch f {
	case tts.FormatMP3, "":
		return oai.AudioSpeechNewParamsResponseFormatMP3, nil
	case tts.FormatWAV:
		return oai.AudioSpeechNewParamsResponseFormatWAV, nil
	case tts.FormatPCM16:
		return oai.AudioSpeechNewParamsResponseFormatPCM, nil
	}
	return "", fmt.Errorf("openai tts: %w: format %q", tts.ErrUnsupported, f)
}
