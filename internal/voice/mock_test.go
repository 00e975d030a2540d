package voice

import (
	"bytes"
	"context"
	"testing"

	"github.com/ent0n29/parlance/internal/audio"
)

func TestMockProviderTranscribe(t *testing.T) {
	p := NewMockProvider()
	text, err := p.Transcribe(context.Background(), audio.Clip{Data: make([]byte, 64)}, "en")
	if err != nil || text != "" {
		t.Fatalf("silent clip = %q, %v; want no speech", text, err)
	}
	text, err = p.Transcribe(context.Background(), audio.Clip{Data: []byte{0, 7, 0}}, "en")
	if err != nil || text != "simulated voice input" {
		t.Fatalf("voiced clip = %q, %v", text, err)
	}
}

func TestMockProviderSynthesize(t *testing.T) {
	speech, err := NewMockProvider().Synthesize(context.Background(), SpeechRequest{Text: "two words", VoiceID: "x"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if speech.Format != "wav" || !bytes.HasPrefix(speech.Audio, []byte("RIFF")) {
		t.Fatalf("unexpected mock speech format %q", speech.Format)
	}
	if want := 44 + 2*audio.DefaultSampleRate/20*2; len(speech.Audio) != want {
		t.Fatalf("len = %d, want %d", len(speech.Audio), want)
	}
}
