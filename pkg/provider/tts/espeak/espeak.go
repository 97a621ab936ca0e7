// Package espeak provides an offline TTS adapter backed by the espeak-ng
// binary. The engine runs entirely on the host, needs no credentials, and
// renders WAV; other containers are derived from it by the gateway.
//
// Synthesis shells out once per utterance:
//
//	espeak-ng -v <voice> --stdout "<text>"
//
// The voice catalogue is parsed from `espeak-ng --voices`.
package espeak

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/openvoiceproxy/openvoiceproxy/pkg/audio"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const defaultBin = "espeak-ng"

// espeak always renders 22.05 kHz 16-bit mono.
const nativeSampleRate = 22050

// Option is a functional option for configuring the espeak Provider.
type Option func(*Provider)

// WithBinary overrides the espeak-ng executable path.
func WithBinary(path string) Option {
	return func(p *Provider) {
		p.bin = path
	}
}

// Provider implements tts.Provider by invoking espeak-ng.
type Provider struct {
	bin string

	mu     sync.Mutex
	voices []tts.Voice // lazily cached catalogue
}

// New creates an espeak Provider. The binary is resolved lazily, so New never
// fails; an absent binary surfaces on first use.
func New(opts ...Option) *Provider {
	p := &Provider{bin: defaultBin}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities reports WAV and PCM output with emulated streaming.
func (p *Provider) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		SupportsStream: true,
		NativeFormats:  []tts.Format{tts.FormatWAV, tts.FormatPCM16},
	}
}

// ListVoices parses `espeak-ng --voices`. The catalogue is static per host,
// so it is cached after the first call.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.voices != nil {
		return p.voices, nil
	}

	out, err := exec.CommandContext(ctx, p.bin, "--voices").Output()
	if err != nil {
		return nil, fmt.Errorf("espeak: list voices: %w", err)
	}
	p.voices = parseVoices(out)
	return p.voices, nil
}

// parseVoices reads the tabular `--voices` output. Columns:
//
//	Pty Language Age/Gender VoiceName File Other Languages
func parseVoices(out []byte) []tts.Voice {
	var voices []tts.Voice
	lines := strings.Split(string(out), "\n")
	for i, line := range lines {
		fields := strings.Fields(line)
		if i == 0 || len(fields) < 4 {
			continue // header or malformed line
		}
		lang := fields[1]
		gender := ""
		if parts := strings.SplitN(fields[2], "/", 2); len(parts) == 2 {
			switch parts[1] {
			case "M":
				gender = "male"
			case "F":
				gender = "female"
			}
		}
		voices = append(voices, tts.Voice{
			ID:        lang,
			Name:      fields[3],
			Languages: []string{lang},
			Gender:    gender,
		})
	}
	return voices
}

// Synthesize runs espeak-ng and returns the rendered audio in the requested
// container.
func (p *Provider) Synthesize(ctx context.Context, text string, opts tts.SynthesisOptions) ([]byte, error) {
	args := []string{"-v", opts.VoiceID, "--stdout"}
	if opts.SSML {
		args = append(args, "-m")
	}
	args = append(args, text)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("espeak: synthesize: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	wav := stdout.Bytes()
	if opts.Format != tts.FormatPCM16 {
		return wav, nil
	}

	pcm, _, err := audio.StripWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("espeak: strip wav: %w", err)
	}
	if opts.SampleRate > 0 && opts.SampleRate != nativeSampleRate {
		pcm = audio.ResampleMono16(pcm, nativeSampleRate, opts.SampleRate)
	}
	return pcm, nil
}

// SynthesizeStream chunks a buffered result; espeak has no native streaming.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, opts tts.SynthesisOptions) (*tts.Stream, error) {
	data, err := p.Synthesize(ctx, text, opts)
	if err != nil {
		return nil, err
	}
	return tts.ChunkBuffered(ctx, data, opts, tts.DefaultChunkSize), nil
}

// SynthesizeTimestamped is not supported; espeak reports no timings.
func (p *Provider) SynthesizeTimestamped(context.Context, string, string) (*tts.TimestampedResult, error) {
	return nil, tts.ErrUnsupported
}

// HealthCheck probes the binary by listing voices.
func (p *Provider) HealthCheck(ctx context.Context) tts.Health {
	return tts.HealthByListing(ctx, p)
}
