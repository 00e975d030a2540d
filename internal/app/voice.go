package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/parlance/internal/config"
	"github.com/ent0n29/parlance/internal/voice"
)

type voiceSetup struct {
	transcriber      voice.Transcriber
	synthesizer      voice.Synthesizer
	voices           voice.VoiceTable
	resolvedProvider string
	detail           string
}

// resolveVoiceProviders picks the transcription and synthesis backends. OpenAI handles
// transcription whenever it has a key; ElevenLabs only synthesizes, with OpenAI as its
// failover when both are configured.
func resolveVoiceProviders(cfg config.Config) (voiceSetup, error) {
	voiceMode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if voiceMode == "" {
		voiceMode = "auto"
	}
	openAIVoices, err := voice.ParseVoiceTable(cfg.VoiceMap)
	if err != nil {
		return voiceSetup{}, fmt.Errorf("VOICE_MAP: %w", err)
	}

	hasOpenAI := strings.TrimSpace(cfg.OpenAIAPIKey) != ""
	hasElevenLabs := strings.TrimSpace(cfg.ElevenLabsAPIKey) != ""

	newOpenAI := func() *voice.OpenAIProvider {
		return voice.NewOpenAIProvider(voice.OpenAIConfig{
			APIKey:   cfg.OpenAIAPIKey,
			BaseURL:  cfg.OpenAIBaseURL,
			STTModel: cfg.OpenAISTTModel,
			TTSModel: cfg.OpenAITTSModel,
		})
	}
	tryElevenLabs := func(transcriber *voice.OpenAIProvider) (voiceSetup, error) {
		elevenVoices, err := voice.ParseVoiceTable(cfg.ElevenLabsVoiceMap)
		if err != nil {
			return voiceSetup{}, fmt.Errorf("ELEVENLABS_VOICE_MAP: %w", err)
		}
		primary := voice.NewElevenLabsSynthesizer(voice.ElevenLabsConfig{
			APIKey:       cfg.ElevenLabsAPIKey,
			WSBaseURL:    cfg.ElevenLabsWSBaseURL,
			ModelID:      cfg.ElevenLabsTTSModel,
			OutputFormat: cfg.ElevenLabsTTSOutputFormat,
		})
		return voiceSetup{
			transcriber:      transcriber,
			synthesizer:      voice.NewFailoverSynthesizer(primary, transcriber, openAIVoices),
			voices:           elevenVoices,
			resolvedProvider: "elevenlabs",
			detail:           "openai transcription, elevenlabs speech (openai fallback)",
		}, nil
	}
	mock := func(detail string) voiceSetup {
		p := voice.NewMockProvider()
		return voiceSetup{
			transcriber:      p,
			synthesizer:      p,
			voices:           openAIVoices,
			resolvedProvider: "mock",
			detail:           detail,
		}
	}

	switch voiceMode {
	case "openai":
		if !hasOpenAI {
			return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=openai but OPENAI_API_KEY is not set")
		}
		p := newOpenAI()
		return voiceSetup{transcriber: p, synthesizer: p, voices: openAIVoices, resolvedProvider: "openai", detail: "openai whisper + tts"}, nil
	case "elevenlabs":
		if !hasElevenLabs {
			return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
		}
		if !hasOpenAI {
			return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=elevenlabs needs OPENAI_API_KEY for transcription")
		}
		return tryElevenLabs(newOpenAI())
	case "mock":
		return mock("mock"), nil
	case "auto":
		if !hasOpenAI {
			return mock("mock (no OPENAI_API_KEY for transcription)"), nil
		}
		p := newOpenAI()
		if hasElevenLabs {
			return tryElevenLabs(p)
		}
		return voiceSetup{transcriber: p, synthesizer: p, voices: openAIVoices, resolvedProvider: "openai", detail: "openai whisper + tts"}, nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|openai|elevenlabs|mock)", cfg.VoiceProvider)
	}
}
