package session

import (
	"context"
	"errors"
	"time"
)

// Role tags who produced a turn. Values match the completion wire roles.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one immutable message in a transcript.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// DefaultMaxTurns bounds a transcript when no explicit bound is configured.
const DefaultMaxTurns = 20

var (
	ErrEmptyToken  = errors.New("session token is empty")
	ErrInvalidRole = errors.New("invalid turn role")
	ErrStoreClosed = errors.New("session store closed")
)

// Store owns every transcript. Append is the only mutator of transcript contents;
// after each append the transcript is trimmed FIFO to the configured bound.
type Store interface {
	// GetOrCreate returns a copy of the transcript for token, oldest turn first.
	// The first call for a token creates an empty transcript.
	GetOrCreate(ctx context.Context, token string) ([]Turn, error)
	Append(ctx context.Context, token string, role Role, text string) error
	Len(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

func validRole(r Role) bool {
	return r == RoleUser || r == RoleModel
}
