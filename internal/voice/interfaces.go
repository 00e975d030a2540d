package voice

import (
	"context"

	"github.com/ent0n29/parlance/internal/audio"
)

// Transcriber turns recorded speech into text. An empty transcript with a nil error means
// the provider recognized no speech.
type Transcriber interface {
	Transcribe(ctx context.Context, clip audio.Clip, language string) (string, error)
}

// SpeechRequest asks a Synthesizer to speak Text. VoiceID was resolved from Language by
// the caller; Language is kept so a failover provider can pick from its own voice table.
type SpeechRequest struct {
	Text     string
	VoiceID  string
	Language string
}

// Speech is an encoded reply. Format is a provider format name such as "mp3" or
// "mp3_44100_128"; audio.MIMEType maps it to a content type.
type Speech struct {
	Audio  []byte
	Format string
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req SpeechRequest) (Speech, error)
}

// Provider is implemented by capabilities that report a label for logs and metrics.
type Provider interface {
	Name() string
}

// ProviderName returns the label of v, or "unknown".
func ProviderName(v any) string {
	if p, ok := v.(Provider); ok {
		return p.Name()
	}
	return "unknown"
}
