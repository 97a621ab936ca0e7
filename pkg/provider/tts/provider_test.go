package tts

import (
	"context"
	"testing"
)

func TestChunkBuffered_ExactFrames(t *testing.T) {
	data := make([]byte, 10_000)
	stream := ChunkBuffered(context.Background(), data, SynthesisOptions{Format: FormatWAV}, 4096)

	if stream.TotalBytes != len(data) {
		t.Errorf("TotalBytes = %d, want %d", stream.TotalBytes, len(data))
	}

	var chunks [][]byte
	total := 0
	for c := range stream.Chunks {
		chunks = append(chunks, c)
		total += len(c)
	}
	if total != len(data) {
		t.Errorf("streamed %d bytes, want %d", total, len(data))
	}
	// ceil(10000/4096) = 3 frames; all but the last at most chunk size.
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	for i, c := range chunks[:len(chunks)-1] {
		if len(c) != 4096 {
			t.Errorf("chunk %d = %d bytes, want 4096", i, len(c))
		}
	}
}

func TestChunkBuffered_DefaultSize(t *testing.T) {
	stream := ChunkBuffered(context.Background(), make([]byte, DefaultChunkSize+1), SynthesisOptions{}, 0)
	n := 0
	for range stream.Chunks {
		n++
	}
	if n != 2 {
		t.Errorf("chunks = %d, want 2 with default size", n)
	}
}

func TestChunkBuffered_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stream := ChunkBuffered(ctx, make([]byte, 1<<20), SynthesisOptions{}, 1024)

	<-stream.Chunks
	cancel()

	// The channel must close once the goroutine observes cancellation.
	for range stream.Chunks {
	}
}

func TestCapabilities_Supports(t *testing.T) {
	c := Capabilities{NativeFormats: []Format{FormatWAV, FormatPCM16}}
	if !c.Supports(FormatWAV) || c.Supports(FormatMP3) {
		t.Errorf("Supports misreported: %+v", c)
	}
}

func TestFormat_IsValid(t *testing.T) {
	for _, f := range []Format{FormatWAV, FormatMP3, FormatPCM16} {
		if !f.IsValid() {
			t.Errorf("%q should be valid", f)
		}
	}
	if Format("ogg").IsValid() {
		t.Error("ogg should not be valid")
	}
}
