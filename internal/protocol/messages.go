package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ent0n29/parlance/internal/archive"
	"github.com/ent0n29/parlance/internal/reliability"
	"github.com/ent0n29/parlance/internal/session"
	"github.com/ent0n29/parlance/internal/voice"
)

// MessageType identifies stream event and websocket payload variants.
type MessageType string

const (
	TypeUserMessage MessageType = "user_message"
	TypeDelta       MessageType = "delta"
	TypeDone        MessageType = "done"
	TypeError       MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type ChatRequest struct {
	Message string `json:"message"`
}

type ChatResponse struct {
	Reply string `json:"reply"`
}

// VoiceRequest is the JSON form of a voice turn. Multipart uploads carry the same
// fields as form values next to an "audio" file.
type VoiceRequest struct {
	AudioBase64 string `json:"audio_base64"`
	Encoding    string `json:"encoding,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Language    string `json:"language,omitempty"`
}

type VoiceResponse struct {
	Transcript  string   `json:"transcript"`
	ReplyText   string   `json:"reply_text"`
	AudioBase64 string   `json:"audio_base64,omitempty"`
	AudioFormat string   `json:"audio_format,omitempty"`
	AudioMIME   string   `json:"audio_mime,omitempty"`
	Language    string   `json:"language"`
	VoiceID     string   `json:"voice_id,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// ErrorResponse is the only error body clients see. Error is a fixed message per code.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// ErrorFor builds the client-facing error for kind.
func ErrorFor(kind reliability.Kind) ErrorResponse {
	return ErrorResponse{
		Error:     reliability.UserMessage(kind),
		Code:      string(kind),
		Retryable: reliability.Retryable(kind),
	}
}

type HistoryResponse struct {
	Turns    []session.Turn `json:"turns"`
	MaxTurns int            `json:"max_turns"`
}

// ArchiveResponse lists archived exchanges of the caller, oldest first. Content is
// PII-redacted and reaches past the live transcript bound.
type ArchiveResponse struct {
	Records []archive.Record `json:"records"`
	Limit   int              `json:"limit"`
}

type VoicesResponse struct {
	DefaultLanguage string             `json:"default_language"`
	Voices          []voice.VoiceEntry `json:"voices"`
}

// UserMessage is a websocket client frame carrying one chat turn.
type UserMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// Delta carries one reply fragment. Seq starts at 1 within a turn.
type Delta struct {
	Type MessageType `json:"type"`
	Seq  int         `json:"seq"`
	Text string      `json:"text"`
}

// Done ends a streamed turn that was committed to history.
type Done struct {
	Type      MessageType `json:"type"`
	Reply     string      `json:"reply"`
	Fragments int         `json:"fragments"`
}

// StreamError ends a streamed turn that failed; nothing was committed for it.
type StreamError struct {
	Type MessageType `json:"type"`
	ErrorResponse
}

func NewDelta(seq int, text string) Delta {
	return Delta{Type: TypeDelta, Seq: seq, Text: text}
}

func NewDone(reply string, fragments int) Done {
	return Done{Type: TypeDone, Reply: reply, Fragments: fragments}
}

func NewStreamError(kind reliability.Kind) StreamError {
	return StreamError{Type: TypeError, ErrorResponse: ErrorFor(kind)}
}

// ParseClientMessage decodes a websocket client frame.
func ParseClientMessage(raw []byte) (any, error) {
	var env struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeUserMessage:
		var msg UserMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Message) == "" {
			return nil, errors.New("invalid user_message: message is empty")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// WriteSSE writes v as one server-sent event named after event. The JSON payload never
// contains raw newlines, so one data line suffices.
func WriteSSE(w io.Writer, event MessageType, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
