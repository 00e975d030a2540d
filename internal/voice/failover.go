package voice

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ent0n29/parlance/internal/reliability"
)

// FailoverSynthesizer prefers the primary backend and switches to the fallback when the
// primary fails. Once the fallback succeeds it stays active until it fails itself; then
// the primary is retried. Voice ids are provider specific, so the fallback resolves its
// own voice from the request language.
type FailoverSynthesizer struct {
	primary        Synthesizer
	fallback       Synthesizer
	fallbackVoices VoiceTable
	fallbackActive atomic.Bool
}

func NewFailoverSynthesizer(primary, fallback Synthesizer, fallbackVoices VoiceTable) *FailoverSynthesizer {
	return &FailoverSynthesizer{
		primary:        primary,
		fallback:       fallback,
		fallbackVoices: fallbackVoices,
	}
}

func (s *FailoverSynthesizer) Name() string {
	return ProviderName(s.primary) + "+" + ProviderName(s.fallback)
}

// FallbackActive reports whether the next call goes to the fallback first.
func (s *FailoverSynthesizer) FallbackActive() bool {
	return s.fallbackActive.Load()
}

func (s *FailoverSynthesizer) Synthesize(ctx context.Context, req SpeechRequest) (Speech, error) {
	if s.fallbackActive.Load() {
		speech, fbErr := s.synthesizeFallback(ctx, req)
		if fbErr == nil {
			return speech, nil
		}
		if errors.Is(fbErr, context.Canceled) || ctx.Err() != nil {
			return Speech{}, fbErr
		}
		speech, prErr := s.primary.Synthesize(ctx, req)
		if prErr == nil {
			s.fallbackActive.Store(false)
			return speech, nil
		}
		return Speech{}, reliability.New(reliability.KindOf(prErr), "voice.failover",
			fmt.Errorf("tts fallback failed: %v; tts primary failed: %w", fbErr, prErr))
	}

	speech, prErr := s.primary.Synthesize(ctx, req)
	if prErr == nil {
		return speech, nil
	}
	if errors.Is(prErr, context.Canceled) || ctx.Err() != nil {
		return Speech{}, prErr
	}
	speech, fbErr := s.synthesizeFallback(ctx, req)
	if fbErr != nil {
		return Speech{}, reliability.New(reliability.KindOf(fbErr), "voice.failover",
			fmt.Errorf("tts primary failed: %v; tts fallback failed: %w", prErr, fbErr))
	}
	s.fallbackActive.Store(true)
	return speech, nil
}

func (s *FailoverSynthesizer) synthesizeFallback(ctx context.Context, req SpeechRequest) (Speech, error) {
	if v := s.fallbackVoices.Lookup(req.Language); v != "" {
		req.VoiceID = v
	}
	return s.fallback.Synthesize(ctx, req)
}
