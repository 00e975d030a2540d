package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/ent0n29/parlance/internal/audio"
	"github.com/ent0n29/parlance/internal/brain"
	"github.com/ent0n29/parlance/internal/reliability"
)

type OpenAIConfig struct {
	APIKey   string
	BaseURL  string
	STTModel string
	TTSModel string
}

// OpenAIProvider transcribes with Whisper and synthesizes with the speech endpoint.
type OpenAIProvider struct {
	client   *openai.Client
	sttModel string
	ttsModel string
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if u := strings.TrimSpace(cfg.BaseURL); u != "" {
		clientCfg.BaseURL = strings.TrimRight(u, "/")
	}
	if strings.TrimSpace(cfg.STTModel) == "" {
		cfg.STTModel = openai.Whisper1
	}
	if strings.TrimSpace(cfg.TTSModel) == "" {
		cfg.TTSModel = string(openai.TTSModel1)
	}
	return &OpenAIProvider{
		client:   openai.NewClientWithConfig(clientCfg),
		sttModel: cfg.STTModel,
		ttsModel: cfg.TTSModel,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Transcribe(ctx context.Context, clip audio.Clip, language string) (string, error) {
	data, ext, err := clip.Container()
	if err != nil {
		return "", reliability.New(reliability.KindInvalidInput, "voice.openai.transcribe", err)
	}
	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    p.sttModel,
		Reader:   bytes.NewReader(data),
		FilePath: "audio." + ext,
		Language: BaseLanguage(language),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", brain.OpenAIError("voice.openai.transcribe", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (p *OpenAIProvider) Synthesize(ctx context.Context, req SpeechRequest) (Speech, error) {
	if strings.TrimSpace(req.VoiceID) == "" {
		return Speech{}, reliability.New(reliability.KindInvalidInput, "voice.openai.synthesize", errors.New("voice id is required"))
	}
	raw, err := p.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(p.ttsModel),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(req.VoiceID),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return Speech{}, brain.OpenAIError("voice.openai.synthesize", err)
	}
	defer raw.Close()

	data, err := io.ReadAll(raw)
	if err != nil {
		return Speech{}, reliability.Wrap("voice.openai.synthesize", fmt.Errorf("read speech: %w", err))
	}
	if len(data) == 0 {
		return Speech{}, reliability.New(reliability.KindUpstreamUnavailable, "voice.openai.synthesize", errors.New("empty speech body"))
	}
	return Speech{Audio: data, Format: "mp3"}, nil
}
