package espeak

import "testing"

const voicesOutput = `Pty Language       Age/Gender VoiceName          File                 Other Languages
 5  af              --/M      Afrikaans          gmw/af
 5  en-gb           --/M      English_(Great_Britain) gmw/en
 5  de              --/F      German             gmw/de
`

func TestParseVoices(t *testing.T) {
	voices := parseVoices([]byte(voicesOutput))
	if len(voices) != 3 {
		t.Fatalf("parsed %d voices, want 3", len(voices))
	}

	en := voices[1]
	if en.ID != "en-gb" {
		t.Errorf("id = %q, want en-gb", en.ID)
	}
	if en.Name != "English_(Great_Britain)" {
		t.Errorf("name = %q", en.Name)
	}
	if en.Gender != "male" {
		t.Errorf("gender = %q, want male", en.Gender)
	}

	de := voices[2]
	if de.Gender != "female" {
		t.Errorf("gender = %q, want female", de.Gender)
	}
}

func TestParseVoices_EmptyAndMalformed(t *testing.T) {
	if got := parseVoices(nil); len(got) != 0 {
		t.Errorf("nil input parsed to %d voices", len(got))
	}
	if got := parseVoices([]byte("header\nshort line\n")); len(got) != 0 {
		t.Errorf("malformed input parsed to %d voices", len(got))
	}
}

func TestCapabilities(t *testing.T) {
	p := New()
	caps := p.Capabilities()
	if !caps.SupportsStream {
		t.Error("espeak should advertise emulated streaming")
	}
	if caps.SupportsTimestamps {
		t.Error("espeak must not advertise timestamps")
	}
}
