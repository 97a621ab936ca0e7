// Package audio provides the PCM and container plumbing the gateway needs to
// negotiate wire formats: WAV header construction and stripping, bit-depth
// down-conversion, linear resampling, silence generation, and MP3 duration
// estimation for the decode-unavailable fallback.
//
// Everything operates on little-endian interleaved PCM byte slices. The
// package performs no synthesis and no lossy codec work.
package audio

import (
	"encoding/binary"
	"errors"
)

// headerScanLimit bounds how far into a WAV file the data-chunk scan looks.
// Real-world encoders put LIST/fact chunks before data but never this much.
const headerScanLimit = 100

// Spec describes the sample layout of a PCM stream.
type Spec struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// BytesPerFrame returns the size of one sample frame across all channels.
func (s Spec) BytesPerFrame() int {
	return s.Channels * s.BitsPerSample / 8
}

// ErrNotWAV is returned when the input lacks a RIFF/WAVE signature.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE stream")

// ErrNoDataChunk is returned when no data chunk is found within the scan
// window.
var ErrNoDataChunk = errors.New("audio: no data chunk in WAV header")

// EncodeWAV wraps raw PCM in a canonical 44-byte RIFF header.
func EncodeWAV(pcm []byte, spec Spec) []byte {
	byteRate := spec.SampleRate * spec.BytesPerFrame()
	out := make([]byte, 44+len(pcm))

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // PCM format tag
	binary.LittleEndian.PutUint16(out[22:24], uint16(spec.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(spec.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(spec.BytesPerFrame()))
	binary.LittleEndian.PutUint16(out[34:36], uint16(spec.BitsPerSample))
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}

// StripWAV locates the data chunk of a RIFF/WAVE stream and returns the raw
// PCM payload together with the format parsed from the fmt chunk. The data
// tag is located by scanning the first [headerScanLimit] bytes, which copes
// with encoders that insert LIST or fact chunks before the samples.
func StripWAV(wav []byte) ([]byte, Spec, error) {
	if len(wav) < 44 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, Spec{}, ErrNotWAV
	}

	spec := Spec{
		Channels:      int(binary.LittleEndian.Uint16(wav[22:24])),
		SampleRate:    int(binary.LittleEndian.Uint32(wav[24:28])),
		BitsPerSample: int(binary.LittleEndian.Uint16(wav[34:36])),
	}

	limit := len(wav) - 8
	if limit > headerScanLimit {
		limit = headerScanLimit
	}
	for i := 12; i <= limit; i++ {
		if string(wav[i:i+4]) != "data" {
			continue
		}
		size := int(binary.LittleEndian.Uint32(wav[i+4 : i+8]))
		start := i + 8
		end := start + size
		if size == 0 || end > len(wav) {
			// Streamed WAV headers often carry a zero or bogus size; take
			// everything after the chunk header.
			end = len(wav)
		}
		return wav[start:end], spec, nil
	}
	return nil, Spec{}, ErrNoDataChunk
}

// IsWAV reports whether data begins with a RIFF/WAVE signature.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}
