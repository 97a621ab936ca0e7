package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func TestEncodeWAVRoundTrip(t *testing.T) {
	pcm := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	spec := Spec{SampleRate: 22050, Channels: 1, BitsPerSample: 16}

	wav := EncodeWAV(pcm, spec)
	if !IsWAV(wav) {
		t.Fatal("encoded stream lacks RIFF/WAVE signature")
	}

	got, gotSpec, err := StripWAV(wav)
	if err != nil {
		t.Fatalf("StripWAV: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("payload = %v, want %v", got, pcm)
	}
	if gotSpec != spec {
		t.Errorf("spec = %+v, want %+v", gotSpec, spec)
	}
}

func TestStripWAV_DataChunkAfterExtraChunk(t *testing.T) {
	pcm := []byte{9, 9, 9, 9}
	spec := Spec{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
	wav := EncodeWAV(pcm, spec)

	// Splice a LIST chunk between fmt and data, as some encoders do.
	list := make([]byte, 12)
	copy(list[0:4], "LIST")
	binary.LittleEndian.PutUint32(list[4:8], 4)
	copy(list[8:12], "INFO")
	spliced := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)
	binary.LittleEndian.PutUint32(spliced[4:8], uint32(len(spliced)-8))

	got, _, err := StripWAV(spliced)
	if err != nil {
		t.Fatalf("StripWAV with LIST chunk: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("payload = %v, want %v", got, pcm)
	}
}

func TestStripWAV_Errors(t *testing.T) {
	if _, _, err := StripWAV([]byte("not audio at all, just text")); err == nil {
		t.Error("expected error for non-WAV input")
	}

	// Valid signature but the data tag sits past the scan window.
	junk := make([]byte, 300)
	copy(junk[0:4], "RIFF")
	copy(junk[8:12], "WAVE")
	copy(junk[200:204], "data")
	if _, _, err := StripWAV(junk); err != ErrNoDataChunk {
		t.Errorf("err = %v, want ErrNoDataChunk", err)
	}
}

func TestDownconvertTo16_24Bit(t *testing.T) {
	// One positive and one negative 24-bit sample.
	in := []byte{
		0x00, 0x00, 0x40, // 0x400000 = +4194304 → int16 0x4000
		0x00, 0x00, 0xc0, // 0xc00000 = -4194304 → int16 0xc000
	}
	out := DownconvertTo16(in, 24)
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4", len(out))
	}
	s0 := int16(out[0]) | int16(out[1])<<8
	s1 := int16(out[2]) | int16(out[3])<<8
	if s0 != 0x4000 {
		t.Errorf("sample 0 = %#x, want 0x4000", uint16(s0))
	}
	if s1 != -16384 {
		t.Errorf("sample 1 = %d, want -16384", s1)
	}
}

func TestDownconvertTo16_32Bit(t *testing.T) {
	in := make([]byte, 4)
	binary.LittleEndian.PutUint32(in, uint32(int32(1<<24))) // → 1<<8 after shift
	out := DownconvertTo16(in, 32)
	if got := int16(out[0]) | int16(out[1])<<8; got != 256 {
		t.Errorf("sample = %d, want 256", got)
	}
}

func TestDownconvertTo16_Even(t *testing.T) {
	in := make([]byte, 9) // ragged 24-bit input
	out := DownconvertTo16(in, 24)
	if len(out)%2 != 0 {
		t.Errorf("output length %d not a multiple of 2", len(out))
	}
}

func TestResampleMono16_Lengths(t *testing.T) {
	in := make([]byte, 22050*2) // one second at 22.05 kHz
	out := ResampleMono16(in, 22050, 24000)
	if len(out) != 24000*2 {
		t.Errorf("len = %d, want %d", len(out), 24000*2)
	}
	if len(out)%2 != 0 {
		t.Error("resampled output not 16-bit aligned")
	}
}

func TestStereoToMono_Clamps(t *testing.T) {
	in := make([]byte, 4)
	binary.LittleEndian.PutUint16(in[0:2], uint16(int16(30000)))
	binary.LittleEndian.PutUint16(in[2:4], uint16(int16(30000)))
	out := StereoToMono(in)
	if got := int16(out[0]) | int16(out[1])<<8; got != 30000 {
		t.Errorf("mono sample = %d, want 30000", got)
	}
}

func TestSilence(t *testing.T) {
	pcm := Silence(500*time.Millisecond, 24000)
	if len(pcm) != 12000*2 {
		t.Errorf("len = %d, want %d", len(pcm), 12000*2)
	}
	for _, b := range pcm {
		if b != 0 {
			t.Fatal("silence contains non-zero bytes")
		}
	}
}

func TestSilentMP3_DurationEstimate(t *testing.T) {
	mp3 := SilentMP3(time.Second)
	est := EstimateMP3Duration(mp3)
	if est < 900*time.Millisecond || est > 1100*time.Millisecond {
		t.Errorf("estimated duration = %v, want ~1s", est)
	}
}

func TestEstimateMP3Duration_SkipsID3(t *testing.T) {
	body := SilentMP3(silentFrameDuration)
	tag := make([]byte, 10+20)
	copy(tag[0:3], "ID3")
	tag[9] = 20 // syncsafe size
	withTag := append(tag, body...)

	if est := EstimateMP3Duration(withTag); est == 0 {
		t.Error("ID3 tag defeated frame sync")
	}
}

func TestEstimateMP3Duration_Garbage(t *testing.T) {
	if est := EstimateMP3Duration([]byte("definitely not an mp3")); est != 0 {
		t.Errorf("garbage estimated as %v, want 0", est)
	}
}
