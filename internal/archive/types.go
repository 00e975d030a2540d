package archive

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is one committed turn as written to the archive. Content is already redacted.
type Record struct {
	ID          string    `json:"id"`
	SessionKey  string    `json:"session_key"`
	Mode        string    `json:"mode"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is an append-only log of committed turns. It is never read back into a live
// transcript.
type Store interface {
	Save(ctx context.Context, records ...Record) error
	Recent(ctx context.Context, sessionKey string, limit int) ([]Record, error)
	Close() error
}

var sessionKeyNamespace = uuid.MustParse("6f1c3f0e-8f53-4b1e-9d59-2f3b8a1c7d42")

// SessionKey derives a stable archive key from a session token so raw tokens never
// reach the archive.
func SessionKey(token string) string {
	return uuid.NewSHA1(sessionKeyNamespace, []byte(token)).String()
}
