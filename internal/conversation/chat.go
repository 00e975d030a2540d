package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/parlance/internal/archive"
	"github.com/ent0n29/parlance/internal/brain"
	"github.com/ent0n29/parlance/internal/observability"
	"github.com/ent0n29/parlance/internal/reliability"
	"github.com/ent0n29/parlance/internal/session"
)

const defaultUpstreamTimeout = 60 * time.Second

// Turn modes, used as metric and archive labels.
const (
	ModeText   = "text"
	ModeStream = "stream"
	ModeVoice  = "voice"
)

type ChatOptions struct {
	SystemPrompt    string
	UpstreamTimeout time.Duration
	Recorder        *archive.Recorder
	Metrics         *observability.Metrics
	Logger          logrus.FieldLogger
}

// ChatOrchestrator runs text turns: it appends the user turn, submits the whole
// transcript to the completion adapter and commits the reply as one model turn once it
// is complete. Turns of one session are serialized by the TurnLocker.
type ChatOrchestrator struct {
	store    session.Store
	locker   session.TurnLocker
	brain    brain.Adapter
	recorder *archive.Recorder
	metrics  *observability.Metrics
	log      logrus.FieldLogger

	systemPrompt string
	timeout      time.Duration
}

func NewChatOrchestrator(store session.Store, locker session.TurnLocker, adapter brain.Adapter, opts ChatOptions) *ChatOrchestrator {
	if locker == nil {
		locker = session.NewLocker()
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = defaultUpstreamTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &ChatOrchestrator{
		store:        store,
		locker:       locker,
		brain:        adapter,
		recorder:     opts.Recorder,
		metrics:      opts.Metrics,
		log:          opts.Logger.WithField("component", "chat"),
		systemPrompt: strings.TrimSpace(opts.SystemPrompt),
		timeout:      opts.UpstreamTimeout,
	}
}

// Reply is a completed model turn.
type Reply struct {
	Text      string
	Fragments int
}

// HandleTextTurn completes one user message. The upstream call is detached from ctx
// cancellation and bounded by the upstream timeout, so a client that disconnects still
// leaves a consistent transcript behind.
func (c *ChatOrchestrator) HandleTextTurn(ctx context.Context, token, userText string) (Reply, error) {
	text, err := validateUserText(userText)
	if err != nil {
		c.metrics.ObserveTurn(ModeText, string(reliability.KindInvalidInput))
		return Reply{}, err
	}
	reply, err := c.complete(ctx, turnRequest{
		token:    token,
		text:     text,
		mode:     ModeText,
		detached: true,
	})
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: reply}, nil
}

// StreamTextTurn completes one user message and forwards each fragment through relay as
// it arrives. The model turn is committed only if the stream completed and the client is
// still connected. Cancelling ctx cancels the upstream call.
func (c *ChatOrchestrator) StreamTextTurn(ctx context.Context, token, userText string, relay *StreamRelay) (Reply, error) {
	text, err := validateUserText(userText)
	if err != nil {
		c.metrics.ObserveTurn(ModeStream, string(reliability.KindInvalidInput))
		relay.Fail()
		return Reply{}, err
	}

	start := time.Now()
	first := true
	reply, err := c.complete(ctx, turnRequest{
		token: token,
		text:  text,
		mode:  ModeStream,
		onStart: func() {
			relay.Begin()
		},
		onDelta: func(fragment string) error {
			if first {
				first = false
				c.metrics.ObserveStage(observability.StageFirstFragment, time.Since(start))
			}
			if err := relay.Forward(fragment); err != nil {
				return err
			}
			c.metrics.ObserveFragment()
			return nil
		},
		finalize: func(resp brain.Response) (string, bool) {
			if ctx.Err() != nil {
				relay.Cancel()
			}
			return relay.Complete(resp.Text)
		},
		onFail: relay.Fail,
	})
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: reply, Fragments: relay.Fragments()}, nil
}

func validateUserText(userText string) (string, error) {
	text := strings.TrimSpace(userText)
	if text == "" {
		return "", reliability.New(reliability.KindInvalidInput, "conversation.validate", errors.New("user text is empty"))
	}
	return text, nil
}

type turnRequest struct {
	token string
	text  string
	mode  string
	// detached runs the upstream call on a context that ignores caller cancellation.
	detached bool
	onStart  func()
	onDelta  brain.DeltaHandler
	finalize func(brain.Response) (string, bool)
	onFail   func()
}

// complete holds the session lock across append, upstream call and commit. The user
// turn stays in history when the upstream fails; a model turn is appended only for a
// complete reply.
func (c *ChatOrchestrator) complete(ctx context.Context, req turnRequest) (reply string, err error) {
	start := time.Now()
	provider := brain.NameOf(c.brain)
	log := c.log.WithFields(logrus.Fields{"session": session.Redact(req.token), "mode": req.mode, "provider": provider})

	defer func() {
		outcome := "ok"
		if err != nil {
			if req.onFail != nil {
				req.onFail()
			}
			outcome = outcomeOf(err)
			c.metrics.ObserveTurnError(outcome)
			log.WithError(err).WithFields(logrus.Fields{
				"kind":        outcome,
				"duration_ms": time.Since(start).Milliseconds(),
			}).Warn("turn failed")
		}
		c.metrics.ObserveTurn(req.mode, outcome)
	}()

	unlock, err := c.locker.Lock(ctx, req.token)
	if err != nil {
		return "", clientGone(err)
	}
	defer unlock()

	if err := c.store.Append(ctx, req.token, session.RoleUser, req.text); err != nil {
		return "", reliability.Wrap("session.append", err)
	}
	transcript, err := c.store.GetOrCreate(ctx, req.token)
	if err != nil {
		return "", reliability.Wrap("session.get", err)
	}

	upstreamParent := ctx
	if req.detached {
		upstreamParent = context.WithoutCancel(ctx)
	}
	upCtx, cancel := context.WithTimeout(upstreamParent, c.timeout)
	defer cancel()

	if req.onStart != nil {
		req.onStart()
	}
	upStart := time.Now()
	resp, err := c.brain.StreamResponse(upCtx, brain.Request{
		SessionID:    archive.SessionKey(req.token),
		SystemPrompt: c.systemPrompt,
		Turns:        transcript,
	}, req.onDelta)
	c.metrics.ObserveStage(observability.StageComplete, time.Since(upStart))
	if err != nil {
		if errors.Is(err, ErrClientGone) || (!req.detached && ctx.Err() != nil) {
			return "", clientGone(err)
		}
		// Timeouts classify as UpstreamUnavailable.
		err = reliability.Wrap("brain."+provider, err)
		c.metrics.ObserveProviderError(observability.StageComplete, provider, string(reliability.KindOf(err)))
		return "", err
	}

	reply = resp.Text
	if req.finalize != nil {
		var ok bool
		if reply, ok = req.finalize(resp); !ok {
			return "", ErrClientGone
		}
	}
	if strings.TrimSpace(reply) == "" {
		return "", reliability.New(reliability.KindUpstreamUnavailable, "brain."+provider, errors.New("empty completion"))
	}

	// The reply is complete; commit even if the caller went away in the meantime.
	commitCtx := context.WithoutCancel(ctx)
	if err := c.store.Append(commitCtx, req.token, session.RoleModel, reply); err != nil {
		return "", reliability.Wrap("session.append", err)
	}
	c.recorder.RecordExchange(commitCtx, req.token, req.mode, req.text, reply)
	c.metrics.ObserveStage(observability.StageTurnTotal, time.Since(start))
	log.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("turn committed")
	return reply, nil
}

func clientGone(err error) error {
	if errors.Is(err, ErrClientGone) {
		return err
	}
	return errors.Join(ErrClientGone, err)
}

func outcomeOf(err error) string {
	if errors.Is(err, ErrClientGone) {
		return "client_gone"
	}
	return string(reliability.KindOf(err))
}

// History returns the session's transcript, oldest first.
func (c *ChatOrchestrator) History(ctx context.Context, token string) ([]session.Turn, error) {
	turns, err := c.store.GetOrCreate(ctx, token)
	if err != nil {
		return nil, reliability.Wrap("session.get", err)
	}
	return turns, nil
}
