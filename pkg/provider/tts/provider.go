// Package tts defines the Provider interface every synthesis backend adapter
// implements, plus the shared option, capability and result types.
//
// A provider wraps one third-party TTS service (a cloud API, a local engine
// binary, or a mock) behind a uniform contract: whole-utterance synthesis,
// optional chunked streaming, and optional character-timestamped synthesis.
// Callers consult [Provider.Capabilities] before requesting an optional mode;
// adapters answer requests outside their capabilities with [ErrUnsupported]
// rather than guessing.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// requests may run in parallel against one adapter instance.
package tts

import (
	"context"
	"errors"
)

// Format is an audio container/encoding requested from an adapter.
type Format string

const (
	FormatWAV   Format = "wav"
	FormatMP3   Format = "mp3"
	FormatPCM16 Format = "pcm16"
)

// IsValid reports whether f is a recognised output format.
func (f Format) IsValid() bool {
	switch f {
	case FormatWAV, FormatMP3, FormatPCM16:
		return true
	}
	return false
}

// ErrUnsupported is returned when an adapter is asked for a capability it
// does not advertise (e.g. timestamps from an engine without timings).
var ErrUnsupported = errors.New("tts: operation not supported by this provider")

// Voice is one entry of a provider's voice catalogue.
type Voice struct {
	// ID is the provider-native voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Languages lists the BCP-47 language tags the voice speaks.
	Languages []string

	// Locale is the primary locale (e.g. "en-US"), when known.
	Locale string

	// Gender is the provider-reported voice gender, when known.
	Gender string
}

// SynthesisOptions parameterise one synthesis call. Output format is an
// option, not an adapter identity: one adapter instance serves every format
// it advertises in its capabilities.
type SynthesisOptions struct {
	// VoiceID is the provider-native voice identifier.
	VoiceID string

	// Format selects the output container.
	Format Format

	// SampleRate is the requested output rate in Hz. Zero lets the adapter
	// pick its native rate.
	SampleRate int

	// SSML marks the text as SSML markup rather than plain text.
	SSML bool
}

// Capabilities is the static capability record of one adapter.
type Capabilities struct {
	SupportsStream     bool
	SupportsTimestamps bool
	NativeFormats      []Format
}

// Supports reports whether f is one of the adapter's native formats.
func (c Capabilities) Supports(f Format) bool {
	for _, nf := range c.NativeFormats {
		if nf == f {
			return true
		}
	}
	return false
}

// Health is the result of one adapter health probe.
type Health struct {
	OK         bool   `json:"ok"`
	VoiceCount int    `json:"voiceCount"`
	Error      string `json:"error,omitempty"`
}

// Stream is the result of a streaming synthesis call: opaque audio chunks in
// production order plus the metadata needed to describe them to a client
// before the first chunk arrives.
type Stream struct {
	// Chunks emits audio byte slices. Closed by the adapter when synthesis
	// completes or the context is cancelled. The caller must drain it.
	Chunks <-chan []byte

	// Format is the container of the emitted bytes.
	Format Format

	// SampleRate is the output rate in Hz.
	SampleRate int

	// TotalBytes is the complete payload size when known ahead of time
	// (adapters that chunk a buffered result), zero otherwise.
	TotalBytes int
}

// CharTiming is the start and end instant of one synthesised character.
type CharTiming struct {
	Character string
	StartSec  float64
	EndSec    float64
}

// TimestampedResult is the outcome of a timestamped synthesis call.
type TimestampedResult struct {
	// Audio is the complete synthesised audio.
	Audio []byte

	// Format is the container of Audio.
	Format Format

	// Alignment holds per-character timings when the provider supplies real
	// ones, nil otherwise.
	Alignment []CharTiming
}

// Provider is the uniform adapter contract over any TTS backend.
type Provider interface {
	// Capabilities returns the static capability record for this adapter.
	Capabilities() Capabilities

	// ListVoices returns the adapter's voice catalogue. Implementations may
	// cache the catalogue per adapter instance.
	ListVoices(ctx context.Context) ([]Voice, error)

	// Synthesize renders text to a complete audio payload in the requested
	// container.
	Synthesize(ctx context.Context, text string, opts SynthesisOptions) ([]byte, error)

	// SynthesizeStream renders text as a sequence of opaque chunks. Adapters
	// without native streaming may buffer and chunk; see [ChunkBuffered].
	// Returns ErrUnsupported when streaming is not advertised.
	SynthesizeStream(ctx context.Context, text string, opts SynthesisOptions) (*Stream, error)

	// SynthesizeTimestamped renders text and, when the provider supplies
	// them, per-character timings. Returns ErrUnsupported when timestamps
	// are not advertised.
	SynthesizeTimestamped(ctx context.Context, text, voiceID string) (*TimestampedResult, error)

	// HealthCheck probes the backend, typically by listing voices.
	HealthCheck(ctx context.Context) Health
}

// DefaultChunkSize is the chunk size used when buffering adapters emulate
// streaming.
const DefaultChunkSize = 32 * 1024

// ChunkBuffered wraps a fully buffered payload in a [Stream] that emits it in
// chunkSize pieces. Used by adapters whose backends only operate in batch
// mode. A non-positive chunkSize falls back to [DefaultChunkSize].
func ChunkBuffered(ctx context.Context, data []byte, opts SynthesisOptions, chunkSize int) *Stream {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		for off := 0; off < len(data); off += chunkSize {
			end := off + chunkSize
			if end > len(data) {
				end = len(data)
			}
			select {
			case ch <- data[off:end]:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &Stream{
		Chunks:     ch,
		Format:     opts.Format,
		SampleRate: opts.SampleRate,
		TotalBytes: len(data),
	}
}

// HealthByListing is the shared health probe used by most adapters: list the
// voice catalogue and report its size.
func HealthByListing(ctx context.Context, p Provider) Health {
	voices, err := p.ListVoices(ctx)
	if err != nil {
		return Health{OK: false, Error: err.Error()}
	}
	return Health{OK: true, VoiceCount: len(voices)}
}
