package reliability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the client-visible classification of a failed turn.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindNoSpeechDetected    Kind = "no_speech_detected"
	KindUpstreamAuth        Kind = "upstream_auth"
	KindUpstreamThrottled   Kind = "upstream_throttled"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	// KindSynthesisDegraded is a warning attached to a successful voice turn, never a failure.
	KindSynthesisDegraded Kind = "synthesis_degraded"
)

// Error carries a Kind across the orchestrator boundary. Err is for server-side logs only.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind. A nil err still produces an error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromHTTPStatus classifies a provider HTTP status code.
func FromHTTPStatus(op string, code int, err error) *Error {
	return New(KindForHTTPStatus(code), op, err)
}

// KindForHTTPStatus maps provider status codes onto the taxonomy.
func KindForHTTPStatus(code int) Kind {
	switch code {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
		return KindInvalidInput
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUpstreamAuth
	case http.StatusTooManyRequests:
		return KindUpstreamThrottled
	default:
		return KindUpstreamUnavailable
	}
}

// KindOf classifies any error. Unknown errors and timeouts are UpstreamUnavailable.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstreamUnavailable
}

// Wrap returns err unchanged when it already carries a Kind, otherwise it classifies
// it as UpstreamUnavailable under op.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindUpstreamUnavailable, op, fmt.Errorf("upstream timeout: %w", err))
	}
	return New(KindUpstreamUnavailable, op, err)
}

// HTTPStatus is the status a client receives for kind.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNoSpeechDetected:
		return http.StatusUnprocessableEntity
	case KindUpstreamAuth:
		return http.StatusUnauthorized
	case KindUpstreamThrottled:
		return http.StatusTooManyRequests
	case KindSynthesisDegraded:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the client may retry the same request later.
func Retryable(kind Kind) bool {
	switch kind {
	case KindNoSpeechDetected, KindUpstreamThrottled, KindUpstreamUnavailable:
		return true
	default:
		return false
	}
}

// UserMessage is the fixed text shown to clients; raw upstream errors never leak.
func UserMessage(kind Kind) string {
	switch kind {
	case KindInvalidInput:
		return "The request was empty or malformed."
	case KindNoSpeechDetected:
		return "Sorry, I couldn't understand that. Please try speaking again."
	case KindUpstreamAuth:
		return "The assistant is misconfigured. An operator needs to check the provider credentials."
	case KindUpstreamThrottled:
		return "The assistant is busy right now. Please try again in a moment."
	case KindSynthesisDegraded:
		return "Audio reply is unavailable; showing text only."
	default:
		return "The assistant is temporarily unavailable. Please try again later."
	}
}
