package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openvoiceproxy/openvoiceproxy/pkg/audio"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
)

func TestLanguageCodeOf(t *testing.T) {
	tests := []struct{ voiceID, want string }{
		{"en-US-Neural2-A", "en-US"},
		{"de-DE-Wavenet-B", "de-DE"},
		{"odd", "en-US"},
	}
	for _, tc := range tests {
		if got := languageCodeOf(tc.voiceID); got != tc.want {
			t.Errorf("languageCodeOf(%q) = %q, want %q", tc.voiceID, got, tc.want)
		}
	}
}

func TestSynthesize_RequestShapeAndDecoding(t *testing.T) {
	wav := audio.EncodeWAV([]byte{1, 2, 3, 4}, audio.Spec{SampleRate: 24000, Channels: 1, BitsPerSample: 16})

	var gotReq synthesizeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "apikey" {
			t.Errorf("key query = %q", r.URL.Query().Get("key"))
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"audioContent": base64.StdEncoding.EncodeToString(wav),
		})
	}))
	defer srv.Close()

	p, err := New("apikey", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data, err := p.Synthesize(context.Background(), "Hallo", tts.SynthesisOptions{
		VoiceID: "de-DE-Wavenet-B", Format: tts.FormatPCM16, SampleRate: 24000,
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if gotReq.Voice.LanguageCode != "de-DE" || gotReq.Voice.Name != "de-DE-Wavenet-B" {
		t.Errorf("voice selection = %+v", gotReq.Voice)
	}
	if gotReq.AudioConfig.AudioEncoding != "LINEAR16" {
		t.Errorf("encoding = %q, want LINEAR16", gotReq.AudioConfig.AudioEncoding)
	}
	if gotReq.Input.Text != "Hallo" {
		t.Errorf("input = %+v", gotReq.Input)
	}

	// pcm16 output must have the WAV header stripped.
	if len(data) != 4 {
		t.Errorf("pcm payload = %d bytes, want 4 (header stripped)", len(data))
	}
}

func TestSynthesize_MP3Encoding(t *testing.T) {
	var gotReq synthesizeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"audioContent": base64.StdEncoding.EncodeToString([]byte("mp3")),
		})
	}))
	defer srv.Close()

	p, _ := New("k", WithBaseURL(srv.URL))
	_, err := p.Synthesize(context.Background(), "hi", tts.SynthesisOptions{
		VoiceID: "en-US-Neural2-A", Format: tts.FormatMP3,
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if gotReq.AudioConfig.AudioEncoding != "MP3" {
		t.Errorf("encoding = %q, want MP3", gotReq.AudioConfig.AudioEncoding)
	}
}

func TestListVoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"voices":[
			{"name":"en-US-Neural2-A","languageCodes":["en-US"],"ssmlGender":"MALE"},
			{"name":"cmn-CN-Wavenet-A","languageCodes":["cmn-CN"],"ssmlGender":"FEMALE"}
		]}`))
	}))
	defer srv.Close()

	p, _ := New("k", WithBaseURL(srv.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("voices = %d, want 2", len(voices))
	}
	if voices[0].Gender != "male" || voices[0].Locale != "en-US" {
		t.Errorf("voice 0 = %+v", voices[0])
	}
}
