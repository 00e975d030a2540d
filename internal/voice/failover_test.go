package voice

import (
	"context"
	"errors"
	"testing"

	"github.com/ent0n29/parlance/internal/reliability"
)

type scriptedSynth struct {
	name   string
	fail   bool
	calls  int
	voices []string
}

func (s *scriptedSynth) Name() string { return s.name }

func (s *scriptedSynth) Synthesize(_ context.Context, req SpeechRequest) (Speech, error) {
	s.calls++
	s.voices = append(s.voices, req.VoiceID)
	if s.fail {
		return Speech{}, reliability.New(reliability.KindUpstreamUnavailable, s.name, errors.New("down"))
	}
	return Speech{Audio: []byte(s.name), Format: "mp3"}, nil
}

func TestFailoverSynthesizerSwitchesAndSticks(t *testing.T) {
	primary := &scriptedSynth{name: "primary", fail: true}
	fallback := &scriptedSynth{name: "fallback"}
	table, err := ParseVoiceTable("es=nova,*=alloy")
	if err != nil {
		t.Fatalf("ParseVoiceTable() error = %v", err)
	}
	s := NewFailoverSynthesizer(primary, fallback, table)

	speech, err := s.Synthesize(context.Background(), SpeechRequest{Text: "hola", VoiceID: "el-voice", Language: "es-ES"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if string(speech.Audio) != "fallback" {
		t.Fatalf("audio = %q, want fallback", speech.Audio)
	}
	if fallback.voices[0] != "nova" {
		t.Fatalf("fallback voice = %q, want nova from its own table", fallback.voices[0])
	}
	if !s.FallbackActive() {
		t.Fatalf("fallback should be active after primary failure")
	}

	if _, err := s.Synthesize(context.Background(), SpeechRequest{Text: "again", VoiceID: "el-voice", Language: "en"}); err != nil {
		t.Fatalf("second Synthesize() error = %v", err)
	}
	if primary.calls != 1 {
		t.Fatalf("primary calls = %d, want 1 while fallback is sticky", primary.calls)
	}

	fallback.fail = true
	primary.fail = false
	speech, err = s.Synthesize(context.Background(), SpeechRequest{Text: "third", VoiceID: "el-voice", Language: "en"})
	if err != nil {
		t.Fatalf("third Synthesize() error = %v", err)
	}
	if string(speech.Audio) != "primary" || s.FallbackActive() {
		t.Fatalf("expected recovery to primary, audio = %q active = %v", speech.Audio, s.FallbackActive())
	}
}

func TestFailoverSynthesizerBothFail(t *testing.T) {
	table, _ := ParseVoiceTable("*=alloy")
	s := NewFailoverSynthesizer(&scriptedSynth{name: "a", fail: true}, &scriptedSynth{name: "b", fail: true}, table)
	_, err := s.Synthesize(context.Background(), SpeechRequest{Text: "x", VoiceID: "v"})
	if reliability.KindOf(err) != reliability.KindUpstreamUnavailable {
		t.Fatalf("kind = %q, want upstream_unavailable", reliability.KindOf(err))
	}
	if s.FallbackActive() {
		t.Fatalf("fallback must not activate when it failed")
	}
}
