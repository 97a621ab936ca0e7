package httpapi

import (
	"fmt"
	"log/slog"

	"github.com/openvoiceproxy/openvoiceproxy/pkg/audio"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
)

// transform identifies the post-synthesis rewrite applied to a provider
// payload before it goes on the wire.
type transform int

const (
	passthrough transform = iota
	stripWAVHeader
	downconvert16
	mp3ToPCMOrSilent
)

// wirePlan is the negotiated output: what the adapter is asked for, what
// content type the response carries, and how the bytes are rewritten.
type wirePlan struct {
	format      tts.Format
	contentType string
	transform   transform
	sampleRate  int
}

// contentTypes maps the outgoing container to its media type.
var contentTypes = map[tts.Format]string{
	tts.FormatMP3:   "audio/mpeg",
	tts.FormatWAV:   "audio/wav",
	tts.FormatPCM16: "audio/pcm",
}

// pcmOutputRate is the fixed rate of the pcm_24000 output format.
const pcmOutputRate = 24000

// negotiate picks the wire plan for one request from the adapter's
// capabilities and the optional output_format query value. An empty
// outputFormat keeps the provider's preferred container (mp3 when the
// adapter has it natively, wav otherwise). "pcm_24000" converts whatever
// the adapter yields to raw 16-bit mono PCM at 24 kHz.
func negotiate(caps tts.Capabilities, outputFormat string) (wirePlan, error) {
	native := tts.FormatWAV
	if caps.Supports(tts.FormatMP3) {
		native = tts.FormatMP3
	}

	switch outputFormat {
	case "":
		return wirePlan{format: native, contentType: contentTypes[native], transform: passthrough}, nil
	case "mp3_44100_128", "mp3":
		if !caps.Supports(tts.FormatMP3) {
			return wirePlan{}, fmt.Errorf("httpapi: %w: mp3 output", tts.ErrUnsupported)
		}
		return wirePlan{format: tts.FormatMP3, contentType: contentTypes[tts.FormatMP3], transform: passthrough}, nil
	case "pcm_24000":
		plan := wirePlan{contentType: contentTypes[tts.FormatPCM16], sampleRate: pcmOutputRate}
		switch {
		case caps.Supports(tts.FormatPCM16):
			plan.format, plan.transform = tts.FormatPCM16, passthrough
		case caps.Supports(tts.FormatWAV):
			plan.format, plan.transform = tts.FormatWAV, stripWAVHeader
		default:
			plan.format, plan.transform = tts.FormatMP3, mp3ToPCMOrSilent
		}
		return plan, nil
	}
	return wirePlan{}, fmt.Errorf("httpapi: %w: output format %q", tts.ErrUnsupported, outputFormat)
}

func errUnsupportedFormat(f tts.Format) error {
	return fmt.Errorf("httpapi: %w: output format %q", tts.ErrUnsupported, string(f))
}

// applyTransform rewrites the provider payload per the plan. The provider
// name is only used for logging.
func applyTransform(provider string, plan wirePlan, data []byte) ([]byte, error) {
	switch plan.transform {
	case passthrough:
		return data, nil

	case stripWAVHeader, downconvert16:
		// Some engines hand back raw PCM even when asked for wav.
		if !audio.IsWAV(data) {
			return data, nil
		}
		pcm, spec, err := audio.StripWAV(data)
		if err != nil {
			return nil, fmt.Errorf("httpapi: strip wav: %w", err)
		}
		if spec.BitsPerSample > 16 {
			pcm = audio.DownconvertTo16(pcm, spec.BitsPerSample)
			spec.BitsPerSample = 16
		}
		if spec.Channels > 1 {
			pcm = audio.StereoToMono(pcm)
			spec.Channels = 1
		}
		if plan.sampleRate > 0 && spec.SampleRate != plan.sampleRate {
			pcm = audio.ResampleMono16(pcm, spec.SampleRate, plan.sampleRate)
		}
		return pcm, nil

	case mp3ToPCMOrSilent:
		// No MP3 decoder is wired in; substitute silence matching the
		// estimated duration rather than dropping the response.
		dur := audio.EstimateMP3Duration(data)
		slog.Warn("mp3 payload replaced by silence for pcm output",
			"provider", provider,
			"estimated_seconds", dur.Seconds())
		return audio.Silence(dur, plan.sampleRate), nil
	}
	return data, nil
}
