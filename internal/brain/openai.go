package brain

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/ent0n29/parlance/internal/reliability"
	"github.com/ent0n29/parlance/internal/session"
)

const defaultOpenAIModel = openai.GPT4oMini

// OpenAIAdapter completes transcripts through the chat completions API of OpenAI or any
// compatible server reachable at baseURL.
type OpenAIAdapter struct {
	client *openai.Client
	model  string
}

func NewOpenAIAdapter(apiKey, baseURL, model string) *OpenAIAdapter {
	cfg := openai.DefaultConfig(strings.TrimSpace(apiKey))
	if u := strings.TrimSpace(baseURL); u != "" {
		cfg.BaseURL = strings.TrimRight(u, "/")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIAdapter{client: openai.NewClientWithConfig(cfg), model: model}
}

func (a *OpenAIAdapter) Name() string { return "openai" }

func (a *OpenAIAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    a.model,
		Messages: openAIMessages(req),
	}

	if onDelta == nil {
		resp, err := a.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return Response{}, OpenAIError("brain.openai", err)
		}
		if len(resp.Choices) == 0 {
			return Response{}, reliability.New(reliability.KindUpstreamUnavailable, "brain.openai", errors.New("completion returned no choices"))
		}
		return Response{Text: resp.Choices[0].Message.Content}, nil
	}

	chatReq.Stream = true
	stream, err := a.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return Response{}, OpenAIError("brain.openai", err)
	}
	defer stream.Close()

	var out strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Response{}, OpenAIError("brain.openai", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
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

func openAIMessages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+1)
	if sp := strings.TrimSpace(req.SystemPrompt); sp != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: sp})
	}
	for _, t := range req.Turns {
		role := openai.ChatMessageRoleUser
		if t.Role == session.RoleModel {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Text})
	}
	return msgs
}

// OpenAIError classifies go-openai errors by their HTTP status code. It is shared with
// the speech clients, which use the same SDK.
func OpenAIError(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return reliability.FromHTTPStatus(op, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return reliability.FromHTTPStatus(op, reqErr.HTTPStatusCode, err)
	}
	return reliability.Wrap(op, err)
}
