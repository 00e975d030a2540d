package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/parlance/internal/audio"
	"github.com/ent0n29/parlance/internal/observability"
	"github.com/ent0n29/parlance/internal/reliability"
	"github.com/ent0n29/parlance/internal/session"
	"github.com/ent0n29/parlance/internal/voice"
)

const (
	synthesisAttempts    = 2
	synthesisBackoffBase = 200 * time.Millisecond
	synthesisBackoffCap  = time.Second
)

type VoiceOptions struct {
	DefaultLanguage string
	Voices          voice.VoiceTable
	UpstreamTimeout time.Duration
	Metrics         *observability.Metrics
	Logger          logrus.FieldLogger
}

// VoiceOrchestrator runs the transcribe, complete, synthesize pipeline. Completion
// reuses the ChatOrchestrator so voice and text turns share one history and one lock.
type VoiceOrchestrator struct {
	chat        *ChatOrchestrator
	transcriber voice.Transcriber
	synthesizer voice.Synthesizer
	voices      voice.VoiceTable
	language    string
	timeout     time.Duration
	metrics     *observability.Metrics
	log         logrus.FieldLogger
}

func NewVoiceOrchestrator(chat *ChatOrchestrator, transcriber voice.Transcriber, synthesizer voice.Synthesizer, opts VoiceOptions) *VoiceOrchestrator {
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = defaultUpstreamTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &VoiceOrchestrator{
		chat:        chat,
		transcriber: transcriber,
		synthesizer: synthesizer,
		voices:      opts.Voices,
		language:    voice.NormalizeLanguage(opts.DefaultLanguage, "en-US"),
		timeout:     opts.UpstreamTimeout,
		metrics:     opts.Metrics,
		log:         opts.Logger.WithField("component", "voice"),
	}
}

// DefaultLanguage is the tag used when a request carries no language hint.
func (v *VoiceOrchestrator) DefaultLanguage() string { return v.language }

// Voices is the language to voice table used for synthesis.
func (v *VoiceOrchestrator) Voices() voice.VoiceTable { return v.voices }

// VoiceReply is the result of a voice turn. Audio is nil when synthesis degraded; the
// reason is in Warnings.
type VoiceReply struct {
	Transcript  string
	Text        string
	Audio       []byte
	AudioFormat string
	Language    string
	VoiceID     string
	Warnings    []reliability.Kind
}

// HandleVoiceTurn transcribes clip, completes the transcript as a user turn and speaks
// the reply. Transcription failures and empty transcripts never touch history. A
// synthesis failure is not an error: the reply comes back text-only with a
// SynthesisDegraded warning.
func (v *VoiceOrchestrator) HandleVoiceTurn(ctx context.Context, token string, clip audio.Clip, languageHint string) (VoiceReply, error) {
	if len(clip.Data) == 0 {
		v.metrics.ObserveTurn(ModeVoice, string(reliability.KindInvalidInput))
		return VoiceReply{}, reliability.New(reliability.KindInvalidInput, "conversation.validate", errors.New("audio payload is empty"))
	}
	language := voice.NormalizeLanguage(languageHint, v.language)
	log := v.log.WithFields(logrus.Fields{"session": session.Redact(token), "language": language})

	transcript, err := v.transcribe(ctx, clip, language)
	if err != nil {
		outcome := outcomeOf(err)
		v.metrics.ObserveTurn(ModeVoice, outcome)
		v.metrics.ObserveTurnError(outcome)
		log.WithError(err).WithFields(logrus.Fields{"stage": observability.StageTranscribe, "kind": outcome}).Warn("voice turn failed")
		return VoiceReply{}, err
	}

	reply, err := v.chat.complete(ctx, turnRequest{
		token:    token,
		text:     transcript,
		mode:     ModeVoice,
		detached: true,
	})
	if err != nil {
		return VoiceReply{Transcript: transcript}, err
	}

	out := VoiceReply{
		Transcript: transcript,
		Text:       reply,
		Language:   language,
		VoiceID:    v.voices.Lookup(language),
	}
	speech, err := v.synthesize(ctx, reply, out.VoiceID, language)
	if err != nil {
		out.Warnings = append(out.Warnings, reliability.KindSynthesisDegraded)
		v.metrics.ObserveTurnError(string(reliability.KindSynthesisDegraded))
		log.WithError(err).WithFields(logrus.Fields{
			"stage":    observability.StageSynthesize,
			"kind":     reliability.KindOf(err),
			"provider": voice.ProviderName(v.synthesizer),
		}).Warn("synthesis degraded to text-only reply")
		return out, nil
	}
	out.Audio = speech.Audio
	out.AudioFormat = speech.Format
	return out, nil
}

func (v *VoiceOrchestrator) transcribe(ctx context.Context, clip audio.Clip, language string) (string, error) {
	provider := voice.ProviderName(v.transcriber)
	tctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	text, err := v.transcriber.Transcribe(tctx, clip, language)
	v.metrics.ObserveStage(observability.StageTranscribe, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return "", clientGone(err)
		}
		err = reliability.Wrap("transcribe."+provider, err)
		v.metrics.ObserveProviderError(observability.StageTranscribe, provider, string(reliability.KindOf(err)))
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", reliability.New(reliability.KindNoSpeechDetected, "transcribe."+provider, errors.New("no speech recognized"))
	}
	return text, nil
}

// synthesize speaks reply, retrying transient failures once. Replies with nothing
// speakable, such as code only, degrade like a failed synthesis.
func (v *VoiceOrchestrator) synthesize(ctx context.Context, reply, voiceID, language string) (voice.Speech, error) {
	if v.synthesizer == nil {
		return voice.Speech{}, errors.New("no synthesizer configured")
	}
	text := voice.SpeakableText(reply)
	if text == "" {
		return voice.Speech{}, errors.New("reply has no speakable text")
	}

	provider := voice.ProviderName(v.synthesizer)
	start := time.Now()
	var speech voice.Speech
	err := reliability.Retry(ctx, synthesisAttempts, synthesisBackoffBase, synthesisBackoffCap, func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, v.timeout)
		defer cancel()
		var err error
		speech, err = v.synthesizer.Synthesize(sctx, voice.SpeechRequest{Text: text, VoiceID: voiceID, Language: language})
		if err != nil {
			return reliability.Wrap("synthesize."+provider, err)
		}
		if len(speech.Audio) == 0 {
			return reliability.New(reliability.KindUpstreamUnavailable, "synthesize."+provider, errors.New("empty audio"))
		}
		return nil
	})
	v.metrics.ObserveStage(observability.StageSynthesize, time.Since(start))
	if err != nil {
		v.metrics.ObserveProviderError(observability.StageSynthesize, provider, string(reliability.KindOf(err)))
		return voice.Speech{}, err
	}
	return speech, nil
}
