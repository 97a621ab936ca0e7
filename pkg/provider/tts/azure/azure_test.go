package azure

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
)

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New("", "westeurope"); err == nil {
		t.Error("empty apiKey accepted")
	}
	if _, err := New("k", ""); err == nil {
		t.Error("empty region accepted")
	}
}

func TestOutputFormat(t *testing.T) {
	tests := []struct {
		format tts.Format
		rate   int
		want   string
	}{
		{tts.FormatMP3, 24000, "audio-24khz-96kbitrate-mono-mp3"},
		{tts.FormatMP3, 0, "audio-24khz-96kbitrate-mono-mp3"},
		{tts.FormatWAV, 16000, "riff-16khz-16bit-mono-pcm"},
		{tts.FormatPCM16, 48000, "raw-48khz-16bit-mono-pcm"},
	}
	for _, tc := range tests {
		if got := outputFormat(tc.format, tc.rate); got != tc.want {
			t.Errorf("outputFormat(%s, %d) = %q, want %q", tc.format, tc.rate, got, tc.want)
		}
	}
}

func TestSSMLDocument_EscapesText(t *testing.T) {
	doc := ssmlDocument(`5 < 6 & "quotes"`, "en-US-AriaNeural", false)
	if strings.Contains(doc, `5 < 6`) {
		t.Errorf("unescaped text in SSML: %s", doc)
	}
	if !strings.Contains(doc, "en-US-AriaNeural") {
		t.Errorf("voice missing from SSML: %s", doc)
	}

	raw := `<speak>already ssml</speak>`
	if got := ssmlDocument(raw, "v", true); got != raw {
		t.Errorf("SSML input was rewrapped: %s", got)
	}
}

func TestSynthesize_SendsHeaders(t *testing.T) {
	var gotFormat, gotKey, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFormat = r.Header.Get("X-Microsoft-OutputFormat")
		gotKey = r.Header.Get("Ocp-Apim-Subscription-Key")
		gotContentType = r.Header.Get("Content-Type")
		_, _ = w.Write([]byte("mp3-bytes"))
	}))
	defer srv.Close()

	p, err := New("secret", "westeurope", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data, err := p.Synthesize(context.Background(), "Hello", tts.SynthesisOptions{
		VoiceID: "en-US-AriaNeural", Format: tts.FormatMP3, SampleRate: 24000,
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(data) != "mp3-bytes" {
		t.Errorf("payload = %q", data)
	}
	if gotFormat != "audio-24khz-96kbitrate-mono-mp3" {
		t.Errorf("output format header = %q", gotFormat)
	}
	if gotKey != "secret" {
		t.Errorf("subscription key header = %q", gotKey)
	}
	if gotContentType != "application/ssml+xml" {
		t.Errorf("content type = %q", gotContentType)
	}
}

func TestListVoices_ParsesAndCaches(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`[
			{"ShortName":"en-US-AriaNeural","DisplayName":"Aria","Locale":"en-US","Gender":"Female"},
			{"ShortName":"de-DE-KatjaNeural","DisplayName":"Katja","Locale":"de-DE","Gender":"Female","SecondaryLocaleList":["en-US"]}
		]`))
	}))
	defer srv.Close()

	p, _ := New("k", "westeurope", WithBaseURL(srv.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("voices = %d, want 2", len(voices))
	}
	if voices[0].ID != "en-US-AriaNeural" || voices[0].Gender != "female" {
		t.Errorf("voice 0 = %+v", voices[0])
	}
	if len(voices[1].Languages) != 2 {
		t.Errorf("secondary locales not merged: %v", voices[1].Languages)
	}

	_, _ = p.ListVoices(context.Background())
	if calls != 1 {
		t.Errorf("catalogue fetched %d times, want cached after first", calls)
	}
}

func TestSynthesize_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, _ := New("k", "westeurope", WithBaseURL(srv.URL))
	if _, err := p.Synthesize(context.Background(), "hi", tts.SynthesisOptions{VoiceID: "v"}); err == nil {
		t.Fatal("expected error for non-200 status")
	}
}
