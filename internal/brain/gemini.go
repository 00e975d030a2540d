package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/ent0n29/parlance/internal/reliability"
	"github.com/ent0n29/parlance/internal/session"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiAdapter completes transcripts with the Gemini API. Transcript roles map directly
// onto Gemini content roles.
type GeminiAdapter struct {
	client *genai.Client
	model  string
}

func NewGeminiAdapter(ctx context.Context, apiKey, model string) (*GeminiAdapter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(apiKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGeminiAdapterWithClient(client, model), nil
}

func newGeminiAdapterWithClient(client *genai.Client, model string) *GeminiAdapter {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiAdapter{client: client, model: model}
}

func (a *GeminiAdapter) Name() string { return "gemini" }

func (a *GeminiAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	contents := geminiContents(req.Turns)
	config := &genai.GenerateContentConfig{}
	if sp := strings.TrimSpace(req.SystemPrompt); sp != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: sp}}}
	}

	if onDelta == nil {
		resp, err := a.client.Models.GenerateContent(ctx, a.model, contents, config)
		if err != nil {
			return Response{}, geminiError(err)
		}
		return Response{Text: resp.Text()}, nil
	}

	var out strings.Builder
	for resp, err := range a.client.Models.GenerateContentStream(ctx, a.model, contents, config) {
		if err != nil {
			return Response{}, geminiError(err)
		}
		delta := resp.Text()
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: out.String()}, nil
}

func geminiContents(turns []session.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := string(session.RoleUser)
		if t.Role == session.RoleModel {
			role = string(session.RoleModel)
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: t.Text}},
		})
	}
	return contents
}

// geminiError classifies SDK errors by their HTTP code, falling back to message matching
// for transport errors the SDK wraps as plain strings.
func geminiError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return reliability.FromHTTPStatus("brain.gemini", apiErr.Code, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return reliability.FromHTTPStatus("brain.gemini", apiErrPtr.Code, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "api key") || strings.Contains(msg, "permission_denied") || strings.Contains(msg, "unauthenticated"):
		return reliability.New(reliability.KindUpstreamAuth, "brain.gemini", err)
	case strings.Contains(msg, "resource_exhausted") || strings.Contains(msg, "quota") || strings.Contains(msg, "rate limit"):
		return reliability.New(reliability.KindUpstreamThrottled, "brain.gemini", err)
	}
	return reliability.Wrap("brain.gemini", err)
}
