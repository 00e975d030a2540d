package voice

import (
	"context"
	"strings"

	"github.com/ent0n29/parlance/internal/audio"
)

// MockProvider is a local transcriber and synthesizer used when no speech provider is
// configured. Silent or empty clips transcribe to nothing; anything else transcribes to
// a fixed phrase. Synthesis returns a short silent WAV.
type MockProvider struct {
	Transcript string
}

func NewMockProvider() *MockProvider {
	return &MockProvider{Transcript: "simulated voice input"}
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Transcribe(ctx context.Context, clip audio.Clip, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if isSilent(clip.Data) {
		return "", nil
	}
	return strings.TrimSpace(p.Transcript), nil
}

func (p *MockProvider) Synthesize(ctx context.Context, req SpeechRequest) (Speech, error) {
	if err := ctx.Err(); err != nil {
		return Speech{}, err
	}
	// 50ms of silence per word keeps the clip length proportional to the reply.
	words := len(strings.Fields(req.Text))
	if words == 0 {
		words = 1
	}
	pcm := make([]byte, words*audio.DefaultSampleRate/20*2)
	wav, err := audio.EncodeWAVPCM16LE(pcm, audio.DefaultSampleRate)
	if err != nil {
		return Speech{}, err
	}
	return Speech{Audio: wav, Format: "wav"}, nil
}

func isSilent(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}
