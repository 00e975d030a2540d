package brain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ent0n29/parlance/internal/reliability"
)

// HTTPAdapter forwards the transcript to a self-hosted completion endpoint that replies
// with JSON, plain text, SSE or NDJSON.
type HTTPAdapter struct {
	url    string
	strict bool
	client *http.Client
}

func NewHTTPAdapter(url string) *HTTPAdapter {
	return NewHTTPAdapterWithOptions(url, false)
}

// NewHTTPAdapterWithOptions builds an adapter. In strict mode every streamed line must be
// valid JSON. The call is bounded by the request context, not a client timeout, so long
// streams are not cut off mid-reply.
func NewHTTPAdapterWithOptions(url string, strict bool) *HTTPAdapter {
	return &HTTPAdapter{
		url:    strings.TrimSpace(url),
		strict: strict,
		client: &http.Client{},
	}
}

func (a *HTTPAdapter) Name() string { return "http" }

type httpTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type httpRequest struct {
	SessionID string     `json:"session_id"`
	System    string     `json:"system,omitempty"`
	Turns     []httpTurn `json:"turns"`
	Stream    bool       `json:"stream"`
}

func (a *HTTPAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	body := httpRequest{
		SessionID: req.SessionID,
		System:    req.SystemPrompt,
		Turns:     make([]httpTurn, 0, len(req.Turns)),
		Stream:    onDelta != nil,
	}
	for _, t := range req.Turns {
		body.Turns = append(body.Turns, httpTurn{Role: string(t.Role), Text: t.Text})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if onDelta != nil {
		httpReq.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")
	}

	res, err := a.client.Do(httpReq)
	if err != nil {
		return Response{}, reliability.Wrap("brain.http", fmt.Errorf("send request: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Response{}, reliability.FromHTTPStatus("brain.http", res.StatusCode,
			fmt.Errorf("completion http status %d: %s", res.StatusCode, strings.TrimSpace(string(detail))))
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		return a.consumeSSE(res.Body, onDelta)
	case strings.Contains(ct, "application/x-ndjson"):
		return a.consumeNDJSON(res.Body, onDelta)
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, reliability.Wrap("brain.http", fmt.Errorf("read response: %w", err))
	}

	var obj map[string]any
	text := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &obj); err == nil {
		text = extractText(obj)
	}
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

// consumeSSE reads "data:" lines; comments, blank lines and the [DONE] marker are skipped.
func (a *HTTPAdapter) consumeSSE(body io.Reader, onDelta DeltaHandler) (Response, error) {
	return a.consumeLines(body, onDelta, func(line string) (string, bool) {
		if strings.HasPrefix(line, ":") {
			return "", false
		}
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			return "", false
		}
		return strings.TrimSpace(payload), true
	})
}

func (a *HTTPAdapter) consumeNDJSON(body io.Reader, onDelta DeltaHandler) (Response, error) {
	return a.consumeLines(body, onDelta, func(line string) (string, bool) {
		return line, true
	})
}

func (a *HTTPAdapter) consumeLines(body io.Reader, onDelta DeltaHandler, payloadOf func(string) (string, bool)) (Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		payload, ok := payloadOf(line)
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		delta := payload
		var obj map[string]any
		if err := json.Unmarshal([]byte(payload), &obj); err == nil {
			if msg := errorText(obj); msg != "" {
				return Response{}, reliability.New(reliability.KindUpstreamUnavailable, "brain.http", fmt.Errorf("stream error: %s", msg))
			}
			delta = extractText(obj)
		} else if a.strict {
			return Response{}, reliability.New(reliability.KindUpstreamUnavailable, "brain.http", fmt.Errorf("invalid stream payload: %w", err))
		}

		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return Response{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, reliability.Wrap("brain.http", fmt.Errorf("stream read: %w", err))
	}

	return Response{Text: out.String()}, nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"delta", "text", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func errorText(obj map[string]any) string {
	switch v := obj["error"].(type) {
	case string:
		return v
	case map[string]any:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
		return "unknown"
	default:
		return ""
	}
}
