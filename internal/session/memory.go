package session

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps transcripts in process memory. History is lost on restart.
type MemoryStore struct {
	mu          sync.RWMutex
	transcripts map[string]*transcript
	maxTurns    int
	closed      bool
	onExpire    func(token string)
	busy        func(token string) bool
}

type transcript struct {
	mu             sync.Mutex
	turns          []Turn
	lastActivityAt time.Time
}

func NewMemoryStore(maxTurns int) *MemoryStore {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &MemoryStore{
		transcripts: make(map[string]*transcript),
		maxTurns:    maxTurns,
	}
}

func (m *MemoryStore) SetExpireHook(hook func(token string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// SetBusyCheck makes the janitor skip tokens for which busy reports true, so a
// transcript is never dropped while a turn holds its lock.
func (m *MemoryStore) SetBusyCheck(busy func(token string) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = busy
}

func (m *MemoryStore) GetOrCreate(_ context.Context, token string) ([]Turn, error) {
	t, err := m.entry(token)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastActivityAt = time.Now().UTC()
	return cloneTurns(t.turns), nil
}

func (m *MemoryStore) Append(_ context.Context, token string, role Role, text string) error {
	if !validRole(role) {
		return ErrInvalidRole
	}
	t, err := m.entry(token)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = append(t.turns, Turn{Role: role, Text: text, CreatedAt: now})
	if over := len(t.turns) - m.maxTurns; over > 0 {
		// Copy into a fresh slice so evicted turns are not pinned by the backing array.
		t.turns = append([]Turn(nil), t.turns[over:]...)
	}
	t.lastActivityAt = now
	return nil
}

func (m *MemoryStore) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transcripts), nil
}

func (m *MemoryStore) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// StartJanitor drops transcripts idle for longer than idleTTL. A non-positive idleTTL
// keeps transcripts for the lifetime of the process and starts nothing.
func (m *MemoryStore) StartJanitor(ctx context.Context, idleTTL, interval time.Duration) {
	if idleTTL <= 0 {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle(idleTTL)
			}
		}
	}()
}

func (m *MemoryStore) expireIdle(idleTTL time.Duration) {
	now := time.Now().UTC()
	var expired []string

	m.mu.Lock()
	for token, t := range m.transcripts {
		t.mu.Lock()
		idle := now.Sub(t.lastActivityAt)
		t.mu.Unlock()
		if idle < idleTTL || (m.busy != nil && m.busy(token)) {
			continue
		}
		delete(m.transcripts, token)
		expired = append(expired, token)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, token := range expired {
			hook(token)
		}
	}
}

func (m *MemoryStore) entry(token string) (*transcript, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrEmptyToken
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	t, ok := m.transcripts[token]
	m.mu.RUnlock()
	if ok {
		return t, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	if t, ok := m.transcripts[token]; ok {
		return t, nil
	}
	t = &transcript{lastActivityAt: time.Now().UTC()}
	m.transcripts[token] = t
	return t, nil
}

func cloneTurns(turns []Turn) []Turn {
	if len(turns) == 0 {
		return []Turn{}
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
