package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/parlance/internal/session"
)

// Request is the stateless payload for one completion: the whole transcript,
// oldest turn first, ending with the pending user turn.
type Request struct {
	SessionID    string         `json:"session_id"`
	SystemPrompt string         `json:"system,omitempty"`
	Turns        []session.Turn `json:"turns"`
}

// Response is the final reply after all deltas were delivered.
type Response struct {
	Text string `json:"text"`
}

// DeltaHandler receives reply fragments in arrival order. Returning an error aborts the
// completion and the adapter returns that error.
type DeltaHandler func(delta string) error

// Adapter is the completion capability. A nil onDelta requests a whole reply;
// implementations that cannot stream deliver the whole reply as one delta.
type Adapter interface {
	StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

// Named is implemented by adapters that report a provider label for logs and metrics.
type Named interface {
	Name() string
}

// Config controls adapter construction.
type Config struct {
	Mode          string
	GeminiAPIKey  string
	GeminiModel   string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	HTTPURL       string
	HTTPStrict    bool
}

func NewAdapter(ctx context.Context, cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoAdapter(ctx, cfg)
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, errors.New("GEMINI_API_KEY is required for gemini mode")
		}
		return NewGeminiAdapter(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("OPENAI_API_KEY is required for openai mode")
		}
		return NewOpenAIAdapter(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("BRAIN_HTTP_URL is required for http mode")
		}
		return NewHTTPAdapterWithOptions(cfg.HTTPURL, cfg.HTTPStrict), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported brain provider %q", cfg.Mode)
	}
}

// newAutoAdapter prefers Gemini, then OpenAI, then a generic HTTP endpoint. When two
// hosted providers are configured the second becomes the fallback.
func newAutoAdapter(ctx context.Context, cfg Config) (Adapter, error) {
	var chain []Adapter
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		gemini, err := NewGeminiAdapter(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		chain = append(chain, gemini)
	}
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		chain = append(chain, NewOpenAIAdapter(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel))
	}
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		chain = append(chain, NewHTTPAdapterWithOptions(cfg.HTTPURL, cfg.HTTPStrict))
	}

	switch len(chain) {
	case 0:
		return NewMockAdapter(), nil
	case 1:
		return chain[0], nil
	default:
		return NewFallbackAdapter(chain[0], chain[1]), nil
	}
}

// NameOf returns the provider label of a, or "unknown".
func NameOf(a Adapter) string {
	if n, ok := a.(Named); ok {
		return n.Name()
	}
	return "unknown"
}
