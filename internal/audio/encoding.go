package audio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Encoding describes how an audio payload is packed.
type Encoding string

const (
	EncodingWebM  Encoding = "webm"
	EncodingOgg   Encoding = "ogg"
	EncodingWAV   Encoding = "wav"
	EncodingMP3   Encoding = "mp3"
	EncodingMP4   Encoding = "mp4"
	EncodingPCM16 Encoding = "pcm16"
)

const DefaultSampleRate = 16000

var ErrUnsupportedEncoding = errors.New("unsupported audio encoding")

// ParseEncoding accepts an encoding name or a MIME type such as "audio/webm;codecs=opus".
// An empty value defaults to webm, which is what browser MediaRecorder produces.
func ParseEncoding(raw string) (Encoding, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	v = strings.TrimPrefix(v, "audio/")
	switch v {
	case "", "webm":
		return EncodingWebM, nil
	case "ogg", "opus":
		return EncodingOgg, nil
	case "wav", "wave", "x-wav":
		return EncodingWAV, nil
	case "mp3", "mpeg":
		return EncodingMP3, nil
	case "mp4", "m4a", "x-m4a":
		return EncodingMP4, nil
	case "pcm16", "pcm", "l16", "raw":
		return EncodingPCM16, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEncoding, raw)
	}
}

// Clip is an audio payload plus its encoding descriptor.
type Clip struct {
	Data       []byte
	Encoding   Encoding
	SampleRate int
}

// Container returns data in a self-describing container and the file name extension
// that identifies it. Raw PCM16 is wrapped as WAV.
func (c Clip) Container() ([]byte, string, error) {
	switch c.Encoding {
	case EncodingPCM16:
		wav, err := EncodeWAVPCM16LE(c.Data, c.SampleRate)
		if err != nil {
			return nil, "", err
		}
		return wav, "wav", nil
	case "":
		return c.Data, string(EncodingWebM), nil
	default:
		return c.Data, string(c.Encoding), nil
	}
}

// PCMSampleRateFromFormat extracts the rate from provider formats like "pcm_16000".
// It returns 0 for non-PCM formats.
func PCMSampleRateFromFormat(format string) int {
	rest, ok := strings.CutPrefix(strings.ToLower(strings.TrimSpace(format)), "pcm_")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// MIMEType returns the content type a browser needs to play an encoded reply.
func MIMEType(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	switch {
	case strings.HasPrefix(f, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(f, "wav"), strings.HasPrefix(f, "pcm"):
		return "audio/wav"
	case strings.HasPrefix(f, "opus"), strings.HasPrefix(f, "ogg"):
		return "audio/ogg"
	case strings.HasPrefix(f, "aac"):
		return "audio/aac"
	case strings.HasPrefix(f, "flac"):
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}
