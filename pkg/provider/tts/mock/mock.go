// Package mock provides a synthesis adapter that always returns silence.
// It backs the gateway when no real adapter initialises, and doubles as the
// test stand-in for the request pipeline and the streaming session.
package mock

import (
	"context"
	"time"

	"github.com/openvoiceproxy/openvoiceproxy/pkg/audio"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// defaultSampleRate is used when the caller does not request a rate.
const defaultSampleRate = 22050

// charDuration approximates speech pace so the silence length scales with
// the input text.
const charDuration = 60 * time.Millisecond

// Provider implements tts.Provider with generated silence.
type Provider struct {
	voices []tts.Voice
}

// New creates a mock Provider with a single "silence" voice.
func New() *Provider {
	return &Provider{
		voices: []tts.Voice{
			{ID: "silence", Name: "Silence", Languages: []string{"en"}, Locale: "en-US"},
		},
	}
}

// Capabilities reports streaming support and every wire format; silence is
// cheap in any container.
func (p *Provider) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		SupportsStream: true,
		NativeFormats:  []tts.Format{tts.FormatWAV, tts.FormatMP3, tts.FormatPCM16},
	}
}

// ListVoices returns the fixed catalogue.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	return p.voices, nil
}

// Synthesize returns silence whose duration scales with len(text).
func (p *Provider) Synthesize(_ context.Context, text string, opts tts.SynthesisOptions) ([]byte, error) {
	d := time.Duration(len([]rune(text))) * charDuration
	if d < charDuration {
		d = charDuration
	}

	rate := opts.SampleRate
	if rate <= 0 {
		rate = defaultSampleRate
	}

	switch opts.Format {
	case tts.FormatMP3:
		return audio.SilentMP3(d), nil
	case tts.FormatPCM16:
		return audio.Silence(d, rate), nil
	default:
		pcm := audio.Silence(d, rate)
		return audio.EncodeWAV(pcm, audio.Spec{SampleRate: rate, Channels: 1, BitsPerSample: 16}), nil
	}
}

// SynthesizeStream chunks a buffered silent payload.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, opts tts.SynthesisOptions) (*tts.Stream, error) {
	data, err := p.Synthesize(ctx, text, opts)
	if err != nil {
		return nil, err
	}
	return tts.ChunkBuffered(ctx, data, opts, tts.DefaultChunkSize), nil
}

// SynthesizeTimestamped is not supported; silence has no character timings.
func (p *Provider) SynthesizeTimestamped(context.Context, string, string) (*tts.TimestampedResult, error) {
	return nil, tts.ErrUnsupported
}

// HealthCheck always passes.
func (p *Provider) HealthCheck(_ context.Context) tts.Health {
	return tts.Health{OK: true, VoiceCount: len(p.voices)}
}
