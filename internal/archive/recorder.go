package archive

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/parlance/internal/policy"
)

const defaultRecordTimeout = 2 * time.Second

// Recorder archives committed exchanges on a best-effort basis: failures are logged and
// never reach the turn that produced them. A nil *Recorder records nothing.
type Recorder struct {
	store   Store
	log     logrus.FieldLogger
	timeout time.Duration
}

func NewRecorder(store Store, log logrus.FieldLogger) *Recorder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Recorder{store: store, log: log.WithField("component", "archive"), timeout: defaultRecordTimeout}
}

// RecordExchange stores the redacted user turn and model reply of one completed turn.
func (r *Recorder) RecordExchange(ctx context.Context, token, mode, userText, replyText string) {
	if r == nil || r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	key := SessionKey(token)
	now := time.Now().UTC()
	records := make([]Record, 0, 2)
	for i, turn := range []struct{ role, text string }{{"user", userText}, {"model", replyText}} {
		content, redacted := policy.RedactPII(turn.text)
		records = append(records, Record{
			SessionKey:  key,
			Mode:        mode,
			Role:        turn.role,
			Content:     content,
			PIIRedacted: redacted,
			CreatedAt:   now.Add(time.Duration(i) * time.Microsecond),
		})
	}
	if err := r.store.Save(ctx, records...); err != nil {
		r.log.WithError(err).WithField("session_key", key).Warn("archive write failed")
	}
}

// Recent returns the newest archived records for a session token.
func (r *Recorder) Recent(ctx context.Context, token string, limit int) ([]Record, error) {
	if r == nil || r.store == nil {
		return nil, nil
	}
	return r.store.Recent(ctx, SessionKey(token), limit)
}
