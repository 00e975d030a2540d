package brain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/parlance/internal/reliability"
)

// FallbackAdapter attempts a primary adapter first and falls back when it fails before
// producing any output. Once a fragment reached the caller the primary's result stands,
// so a client never sees fragments from two providers in one reply.
type FallbackAdapter struct {
	primary  Adapter
	fallback Adapter
}

func NewFallbackAdapter(primary Adapter, fallback Adapter) *FallbackAdapter {
	return &FallbackAdapter{
		primary:  primary,
		fallback: fallback,
	}
}

func (a *FallbackAdapter) Name() string {
	return NameOf(a.primary) + "+" + NameOf(a.fallback)
}

// Primary returns the preferred adapter used before fallback.
func (a *FallbackAdapter) Primary() Adapter { return a.primary }

// Secondary returns the fallback adapter.
func (a *FallbackAdapter) Secondary() Adapter { return a.fallback }

func (a *FallbackAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if a.primary == nil {
		if a.fallback != nil {
			return a.fallback.StreamResponse(ctx, req, onDelta)
		}
		return Response{}, errors.New("fallback adapter misconfigured")
	}

	delivered := false
	resp, err := a.primary.StreamResponse(ctx, req, func(delta string) error {
		delivered = true
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil {
		return resp, nil
	}
	if delivered || a.fallback == nil || ctx.Err() != nil || !shouldFallback(err) {
		return Response{}, err
	}

	fallbackResp, fallbackErr := a.fallback.StreamResponse(ctx, req, onDelta)
	if fallbackErr != nil {
		return Response{}, reliability.New(reliability.KindOf(fallbackErr), "brain.fallback",
			fmt.Errorf("primary adapter error: %v; fallback adapter error: %w", err, fallbackErr))
	}
	return fallbackResp, nil
}

func shouldFallback(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch reliability.KindOf(err) {
	case reliability.KindUpstreamThrottled, reliability.KindUpstreamUnavailable, reliability.KindUpstreamAuth:
		return true
	default:
		return false
	}
}
