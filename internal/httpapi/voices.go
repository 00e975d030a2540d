package httpapi

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/ent0n29/parlance/internal/audio"
	"github.com/ent0n29/parlance/internal/protocol"
	"github.com/ent0n29/parlance/internal/reliability"
)

const maxVoiceUploadBytes = 10 << 20

var errNoAudio = errors.New("no audio in request")

func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	if s.voice == nil {
		respondJSON(w, http.StatusServiceUnavailable, protocol.ErrorFor(reliability.KindUpstreamUnavailable))
		return
	}
	respondJSON(w, http.StatusOK, protocol.VoicesResponse{
		DefaultLanguage: s.voice.DefaultLanguage(),
		Voices:          s.voice.Voices().Entries(),
	})
}

// handleVoiceTurn accepts multipart/form-data with an "audio" file, or a JSON body
// carrying base64 audio. A degraded synthesis still answers 200 with a warning.
func (s *Server) handleVoiceTurn(w http.ResponseWriter, r *http.Request) {
	if s.voice == nil {
		respondJSON(w, http.StatusServiceUnavailable, protocol.ErrorFor(reliability.KindUpstreamUnavailable))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxVoiceUploadBytes)
	clip, language, err := readVoiceRequest(r)
	if err != nil {
		s.log.WithError(err).Debug("rejected voice request")
		respondInvalid(w)
		return
	}
	token := sessionToken(r)
	if !s.allowTurn(w, r) {
		return
	}

	reply, err := s.voice.HandleVoiceTurn(r.Context(), token, clip, language)
	if err != nil {
		s.respondTurnError(w, r, err)
		return
	}
	resp := protocol.VoiceResponse{
		Transcript: reply.Transcript,
		ReplyText:  reply.Text,
		Language:   reply.Language,
		VoiceID:    reply.VoiceID,
	}
	if len(reply.Audio) > 0 {
		resp.AudioBase64 = base64.StdEncoding.EncodeToString(reply.Audio)
		resp.AudioFormat = reply.AudioFormat
		resp.AudioMIME = audio.MIMEType(reply.AudioFormat)
	}
	for _, warning := range reply.Warnings {
		resp.Warnings = append(resp.Warnings, string(warning))
	}
	respondJSON(w, http.StatusOK, resp)
}

func readVoiceRequest(r *http.Request) (audio.Clip, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		return readMultipartVoice(r)
	case "application/json", "":
		var req protocol.VoiceRequest
		if err := decodeJSON(r, &req); err != nil {
			return audio.Clip{}, "", err
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.AudioBase64))
		if err != nil {
			return audio.Clip{}, "", fmt.Errorf("audio_base64: %w", err)
		}
		clip, err := newClip(data, req.Encoding, req.SampleRate)
		return clip, req.Language, err
	default:
		return audio.Clip{}, "", fmt.Errorf("unsupported content type %q", mediaType)
	}
}

func readMultipartVoice(r *http.Request) (audio.Clip, string, error) {
	if err := r.ParseMultipartForm(maxVoiceUploadBytes); err != nil {
		return audio.Clip{}, "", err
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		return audio.Clip{}, "", errNoAudio
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return audio.Clip{}, "", err
	}

	encoding := r.FormValue("encoding")
	if ct := header.Header.Get("Content-Type"); encoding == "" && ct != "application/octet-stream" {
		encoding = ct
	}
	sampleRate := 0
	if raw := strings.TrimSpace(r.FormValue("sample_rate")); raw != "" {
		if sampleRate, err = strconv.Atoi(raw); err != nil {
			return audio.Clip{}, "", fmt.Errorf("sample_rate: %w", err)
		}
	}
	clip, err := newClip(data, encoding, sampleRate)
	return clip, r.FormValue("language"), err
}

func newClip(data []byte, encoding string, sampleRate int) (audio.Clip, error) {
	if len(data) == 0 {
		return audio.Clip{}, errNoAudio
	}
	enc, err := audio.ParseEncoding(encoding)
	if err != nil {
		return audio.Clip{}, err
	}
	if sampleRate < 0 {
		return audio.Clip{}, fmt.Errorf("sample_rate must be positive")
	}
	if enc == audio.EncodingPCM16 && sampleRate == 0 {
		sampleRate = audio.DefaultSampleRate
	}
	return audio.Clip{Data: data, Encoding: enc, SampleRate: sampleRate}, nil
}
