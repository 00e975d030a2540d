package brain

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/parlance/internal/session"
)

// MockAdapter provides deterministic local replies when no provider is configured.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) Name() string { return "mock" }

func (a *MockAdapter) StreamResponse(
	ctx context.Context,
	req Request,
	onDelta DeltaHandler,
) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	if onDelta != nil {
		// Word-sized deltas so the streaming path is exercised without a provider.
		for _, word := range strings.SplitAfter(text, " ") {
			if word == "" {
				continue
			}
			if err := ctx.Err(); err != nil {
				return Response{}, err
			}
			if err := onDelta(word); err != nil {
				return Response{}, err
			}
		}
	}
	return Response{Text: text}, nil
}

func buildMockReply(req Request) string {
	var last string
	userTurns := 0
	for _, t := range req.Turns {
		if t.Role == session.RoleUser {
			last = strings.TrimSpace(t.Text)
			userTurns++
		}
	}
	if last == "" {
		return "I am listening."
	}
	if userTurns == 1 {
		return fmt.Sprintf("I heard you: %s", last)
	}
	return fmt.Sprintf("I heard you: %s (message %d of our conversation)", last, userTurns)
}
