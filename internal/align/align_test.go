package align

import (
	"math"
	"reflect"
	"testing"

	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
)

func TestSynthesize_Deterministic(t *testing.T) {
	a := Synthesize("Hello, world!", "mock-v1")
	b := Synthesize("Hello, world!", "mock-v1")
	if !reflect.DeepEqual(a, b) {
		t.Error("same inputs produced different alignments")
	}

	c := Synthesize("Hello, world!", "mock-v2")
	if reflect.DeepEqual(a, c) {
		t.Error("different voice ids produced identical alignments")
	}
}

func TestSynthesize_ArrayInvariants(t *testing.T) {
	text := "Hi there. How are you?"
	a := Synthesize(text, "v")
	n := len([]rune(text))
	if len(a.Characters) != n || len(a.CharacterStartTimesSeconds) != n || len(a.CharacterEndTimesSeconds) != n {
		t.Fatalf("array lengths %d/%d/%d, want %d",
			len(a.Characters), len(a.CharacterStartTimesSeconds), len(a.CharacterEndTimesSeconds), n)
	}

	for i := 0; i < n; i++ {
		if a.CharacterEndTimesSeconds[i] < a.CharacterStartTimesSeconds[i] {
			t.Errorf("char %d ends before it starts", i)
		}
		if i > 0 && a.CharacterStartTimesSeconds[i] != a.CharacterEndTimesSeconds[i-1] {
			t.Errorf("char %d start %v != previous end %v",
				i, a.CharacterStartTimesSeconds[i], a.CharacterEndTimesSeconds[i-1])
		}
		// Three-decimal rounding.
		v := a.CharacterEndTimesSeconds[i]
		if math.Abs(v*1000-math.Round(v*1000)) > 1e-9 {
			t.Errorf("char %d end %v not rounded to three decimals", i, v)
		}
	}
}

func TestSynthesize_TotalTracksSpeechRate(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog."
	a := Synthesize(text, "v")
	want := float64(len([]rune(text))) / charsPerSecond
	// Cumulative rounding drifts the total by at most 1ms per character.
	if math.Abs(a.Duration()-want) > 0.05 {
		t.Errorf("total = %v, want ~%v", a.Duration(), want)
	}
}

func TestSynthesize_Empty(t *testing.T) {
	if a := Synthesize("", "v"); a != nil {
		t.Errorf("empty text produced %+v", a)
	}
}

func TestSynthesize_MultibyteCharacters(t *testing.T) {
	text := "héllo wörld ü"
	a := Synthesize(text, "v")
	if len(a.Characters) != len([]rune(text)) {
		t.Fatalf("characters = %d, want %d (code points, not bytes)", len(a.Characters), len([]rune(text)))
	}
	if a.Characters[1] != "é" {
		t.Errorf("characters[1] = %q, want é", a.Characters[1])
	}
}

func TestFromTimings(t *testing.T) {
	timings := []tts.CharTiming{
		{Character: "h", StartSec: 0, EndSec: 0.1234},
		{Character: "i", StartSec: 0.1234, EndSec: 0.31},
	}
	a := FromTimings(timings)
	if a.Characters[0] != "h" || a.Characters[1] != "i" {
		t.Errorf("characters = %v", a.Characters)
	}
	if a.CharacterEndTimesSeconds[0] != 0.123 {
		t.Errorf("end[0] = %v, want 0.123 (rounded)", a.CharacterEndTimesSeconds[0])
	}
	if a.Duration() != 0.31 {
		t.Errorf("duration = %v", a.Duration())
	}

	if FromTimings(nil) != nil {
		t.Error("FromTimings(nil) != nil")
	}
}
