// Package align produces ElevenLabs-compatible character alignment data.
//
// When a provider reports real character timings they are converted into the
// canonical wire arrays. When it does not, a deterministic character-duration
// model can synthesize plausible timings: each character class carries a base
// duration, jittered by a PRNG seeded from the text and voice id so the same
// request always yields the same alignment, then scaled so the total tracks
// speech rate.
package align

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
)

// Alignment is the canonical wire form: three arrays of equal length.
type Alignment struct {
	Characters                 []string  `json:"characters"`
	CharacterStartTimesSeconds []float64 `json:"character_start_times_seconds"`
	CharacterEndTimesSeconds   []float64 `json:"character_end_times_seconds"`
}

// FromTimings converts provider-reported timings into wire form. Returns nil
// for an empty slice.
func FromTimings(timings []tts.CharTiming) *Alignment {
	if len(timings) == 0 {
		return nil
	}
	a := &Alignment{
		Characters:                 make([]string, len(timings)),
		CharacterStartTimesSeconds: make([]float64, len(timings)),
		CharacterEndTimesSeconds:   make([]float64, len(timings)),
	}
	for i, t := range timings {
		a.Characters[i] = t.Character
		a.CharacterStartTimesSeconds[i] = round3(t.StartSec)
		a.CharacterEndTimesSeconds[i] = round3(t.EndSec)
	}
	return a
}

// Character class base durations in seconds.
const (
	durSpace  = 0.04
	durVowel  = 0.10
	durPunct  = 0.175
	durLetter = 0.065
	durOther  = 0.085
)

// charsPerSecond is the target speech rate the totals are scaled to.
const charsPerSecond = 10.8

// Synthesize derives alignment for text from the duration model. The jitter
// PRNG is seeded from text and voiceID, so repeated calls with the same
// inputs produce identical output. Returns nil for empty text.
func Synthesize(text, voiceID string) *Alignment {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	rng := seededRNG(text, voiceID)
	durations := make([]float64, len(runes))
	rawTotal := 0.0
	for i, r := range runes {
		d := baseDuration(r)
		// Jitter by +/-20%.
		d *= 0.8 + 0.4*rng.Float64()
		durations[i] = d
		rawTotal += d
	}

	targetTotal := float64(len(runes)) / charsPerSecond
	scale := targetTotal / rawTotal

	a := &Alignment{
		Characters:                 make([]string, len(runes)),
		CharacterStartTimesSeconds: make([]float64, len(runes)),
		CharacterEndTimesSeconds:   make([]float64, len(runes)),
	}
	cursor := 0.0
	for i, r := range runes {
		a.Characters[i] = string(r)
		a.CharacterStartTimesSeconds[i] = round3(cursor)
		cursor += durations[i] * scale
		a.CharacterEndTimesSeconds[i] = round3(cursor)
	}
	return a
}

// Duration returns the total modelled duration of text, used by handlers to
// size fallback audio.
func (a *Alignment) Duration() float64 {
	if a == nil || len(a.CharacterEndTimesSeconds) == 0 {
		return 0
	}
	return a.CharacterEndTimesSeconds[len(a.CharacterEndTimesSeconds)-1]
}

func baseDuration(r rune) float64 {
	switch {
	case r == ' ':
		return durSpace
	case strings.ContainsRune("aeiouAEIOU", r):
		return durVowel
	case r == '.' || r == '!' || r == '?':
		return durPunct
	case isLetter(r):
		return durLetter
	default:
		return durOther
	}
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// seededRNG derives a PCG source from the inputs via SHA-256.
func seededRNG(text, voiceID string) *rand.Rand {
	sum := sha256.Sum256([]byte(text + "\x00" + voiceID))
	return rand.New(rand.NewPCG(
		binary.LittleEndian.Uint64(sum[0:8]),
		binary.LittleEndian.Uint64(sum[8:16]),
	))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
