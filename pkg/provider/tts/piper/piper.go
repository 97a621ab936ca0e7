// Package piper provides an on-device TTS adapter backed by the piper model
// runner. Piper loads an ONNX voice model and renders raw PCM on the local
// machine; no network access or credentials are required, only the binary and
// a model file.
//
// Synthesis shells out once per utterance:
//
//	piper --model <model.onnx> --output-raw
//
// with the text written to stdin and 16-bit mono PCM read from stdout.
package piper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/openvoiceproxy/openvoiceproxy/pkg/audio"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const defaultBin = "piper"

// defaultSampleRate matches the medium-quality piper voices. The model's
// sidecar JSON overrides it when readable.
const defaultSampleRate = 22050

// Option is a functional option for configuring the piper Provider.
type Option func(*Provider)

// WithBinary overrides the piper executable path.
func WithBinary(path string) Option {
	return func(p *Provider) {
		p.bin = path
	}
}

// Provider implements tts.Provider by invoking the piper runner.
type Provider struct {
	bin        string
	modelPath  string
	sampleRate int
	voice      tts.Voice
}

// New creates a piper Provider for the model at modelPath. The model's
// `.onnx.json` sidecar is consulted for the sample rate and language.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("piper: modelPath must not be empty")
	}
	p := &Provider{
		bin:        defaultBin,
		modelPath:  modelPath,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}

	name := strings.TrimSuffix(filepath.Base(modelPath), ".onnx")
	p.voice = tts.Voice{ID: name, Name: name, Languages: []string{"en"}}
	p.loadSidecar()
	return p, nil
}

// sidecar is the subset of the piper model config the adapter cares about.
type sidecar struct {
	Audio struct {
		SampleRate int `json:"sample_rate"`
	} `json:"audio"`
	Language struct {
		Code string `json:"code"`
	} `json:"language"`
}

func (p *Provider) loadSidecar() {
	raw, err := os.ReadFile(p.modelPath + ".json")
	if err != nil {
		return
	}
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return
	}
	if sc.Audio.SampleRate > 0 {
		p.sampleRate = sc.Audio.SampleRate
	}
	if sc.Language.Code != "" {
		p.voice.Languages = []string{sc.Language.Code}
	}
}

// Capabilities reports WAV and PCM output with emulated streaming.
func (p *Provider) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		SupportsStream: true,
		NativeFormats:  []tts.Format{tts.FormatWAV, tts.FormatPCM16},
	}
}

// ListVoices returns the single loaded model as the catalogue.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	return []tts.Voice{p.voice}, nil
}

// Synthesize runs piper and returns the rendered audio in the requested
// container.
func (p *Provider) Synthesize(ctx context.Context, text string, opts tts.SynthesisOptions) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.bin, "--model", p.modelPath, "--output-raw")
	cmd.Stdin = strings.NewReader(text)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("piper: synthesize: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	pcm := stdout.Bytes()
	if opts.SampleRate > 0 && opts.SampleRate != p.sampleRate {
		pcm = audio.ResampleMono16(pcm, p.sampleRate, opts.SampleRate)
	}
	if opts.Format == tts.FormatPCM16 {
		return pcm, nil
	}

	rate := opts.SampleRate
	if rate <= 0 {
		rate = p.sampleRate
	}
	return audio.EncodeWAV(pcm, audio.Spec{SampleRate: rate, Channels: 1, BitsPerSample: 16}), nil
}

// SynthesizeStream chunks a buffered result; the runner emits faster than
// real time, so emulated streaming is adequate on-device.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, opts tts.SynthesisOptions) (*tts.Stream, error) {
	data, err := p.Synthesize(ctx, text, opts)
	if err != nil {
		return nil, err
	}
	return tts.ChunkBuffered(ctx, data, opts, tts.DefaultChunkSize), nil
}

// SynthesizeTimestamped is not supported; piper reports no timings.
func (p *Provider) SynthesizeTimestamped(context.Context, string, string) (*tts.TimestampedResult, error) {
	return nil, tts.ErrUnsupported
}

// HealthCheck verifies the model file exists and the binary resolves.
func (p *Provider) HealthCheck(_ context.Context) tts.Health {
	if _, err := os.Stat(p.modelPath); err != nil {
		return tts.Health{OK: false, Error: fmt.Sprintf("model: %v", err)}
	}
	if _, err := exec.LookPath(p.bin); err != nil {
		return tts.Health{OK: false, Error: fmt.Sprintf("binary: %v", err)}
	}
	return tts.Health{OK: true, VoiceCount: 1}
}
