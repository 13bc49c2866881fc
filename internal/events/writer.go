// Package events persists audit entries to SQLite. It is the durable sink
// behind audit.AsyncSink and is never on the decision path.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"steward/internal/db"
	"steward/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append inserts entry within tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, entry domain.AuditEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		if w.Now == nil {
			w.Now = time.Now
		}
		ts = w.Now()
	}
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_events(id,ts,action,actor,target,result,risk_score,details_json) VALUES (?,?,?,?,?,?,?,?)`,
		entry.ID, ts.UTC().Format(db.TimeLayout), entry.Action, entry.Actor, nullable(entry.Target), entry.Result, entry.RiskScore, string(data))
	return err
}

// Write implements audit.Sink. Failures that a retry cannot fix are marked
// permanent so the sink worker moves on.
func (w Writer) Write(ctx context.Context, entry domain.AuditEntry) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, entry); err != nil {
		if permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return tx.Commit()
}

func permanent(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "marshal audit details") ||
		strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "CHECK constraint failed") ||
		strings.Contains(msg, "no such table")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
