package conversation

import (
	"errors"
	"strings"
	"sync"
)

// StreamState is the lifecycle of one streamed reply.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamStreaming
	StreamCompleted
	StreamFailed
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamStreaming:
		return "streaming"
	case StreamCompleted:
		return "completed"
	case StreamFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrClientGone reports that the streaming client disconnected before the reply was
// complete. Nothing is committed for such a turn.
var ErrClientGone = errors.New("stream client disconnected")

var errRelayNotStreaming = errors.New("stream relay is not streaming")

// FragmentSink writes one fragment to the client as a discrete event. An error means
// the client can no longer be written to.
type FragmentSink func(fragment string) error

// StreamRelay forwards reply fragments to one client in arrival order while buffering
// them. Only a relay that reached StreamCompleted yields text to commit.
type StreamRelay struct {
	mu        sync.Mutex
	state     StreamState
	cancelled bool
	sink      FragmentSink
	buf       strings.Builder
	fragments int
}

func NewStreamRelay(sink FragmentSink) *StreamRelay {
	return &StreamRelay{sink: sink}
}

func (r *StreamRelay) State() StreamState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Fragments returns how many fragments reached the client.
func (r *StreamRelay) Fragments() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fragments
}

// Cancel marks the client as gone. It may be called from any goroutine; the next
// Forward observes it and stops.
func (r *StreamRelay) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

// Begin moves Idle to Streaming.
func (r *StreamRelay) Begin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StreamIdle {
		r.state = StreamStreaming
	}
}

// Forward delivers one fragment. It fails once the client is gone, after which the
// relay is Failed and every later call fails too. Forward has a single caller, the
// upstream reader; the sink runs without the relay lock so Cancel never waits on I/O.
func (r *StreamRelay) Forward(fragment string) error {
	r.mu.Lock()
	if r.state != StreamStreaming {
		r.mu.Unlock()
		return errRelayNotStreaming
	}
	if r.cancelled {
		r.state = StreamFailed
		r.mu.Unlock()
		return ErrClientGone
	}
	if fragment == "" {
		r.mu.Unlock()
		return nil
	}
	r.buf.WriteString(fragment)
	r.mu.Unlock()

	var sinkErr error
	if r.sink != nil {
		sinkErr = r.sink(fragment)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sinkErr != nil {
		r.cancelled = true
		r.state = StreamFailed
		return errors.Join(ErrClientGone, sinkErr)
	}
	r.fragments++
	return nil
}

// Complete handles upstream end-of-stream. final is the upstream's own view of the whole
// reply; it is forwarded as one fragment when the upstream delivered nothing
// incrementally. It returns the buffered reply and whether it may be committed.
func (r *StreamRelay) Complete(final string) (string, bool) {
	r.mu.Lock()
	needsFinal := r.state == StreamStreaming && r.fragments == 0 && r.buf.Len() == 0 && final != ""
	r.mu.Unlock()
	if needsFinal {
		if err := r.Forward(final); err != nil {
			return "", false
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StreamStreaming || r.cancelled {
		r.state = StreamFailed
		return "", false
	}
	r.state = StreamCompleted
	return r.buf.String(), true
}

// Fail handles an upstream error or cancellation. The buffer is discarded.
func (r *StreamRelay) Fail() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StreamCompleted {
		r.state = StreamFailed
	}
	r.buf.Reset()
}
