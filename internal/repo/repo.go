package repo

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

type Repo struct {
	DB *sql.DB
}

// ErrNotFound is the domain sentinel, so callers need only one errors.Is.
var ErrNotFound = domain.ErrNotFound

// AuditQuery filters the durable audit trail. String fields are substring
// matches; zero times leave the range open.
type AuditQuery struct {
	Actor   string
	Target  string
	Action  string
	Result  string
	From    time.Time
	To      time.Time
	MinRisk int
	Limit   int
	Offset  int
}

func (q AuditQuery) where() (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	like := func(col, v string) {
		if v != "" {
			clauses = append(clauses, fmt.Sprintf("LOWER(COALESCE(%s,'')) LIKE ?", col))
			args = append(args, "%"+strings.ToLower(v)+"%")
		}
	}
	like("actor", q.Actor)
	like("target", q.Target)
	like("action", q.Action)
	if q.Result != "" {
		clauses = append(clauses, "result=?")
		args = append(args, strings.ToUpper(q.Result))
	}
	if !q.From.IsZero() {
		clauses = append(clauses, "ts>=?")
		args = append(args, q.From.UTC().Format(db.TimeLayout))
	}
	if !q.To.IsZero() {
		clauses = append(clauses, "ts<=?")
		args = append(args, q.To.UTC().Format(db.TimeLayout))
	}
	if q.MinRisk > 0 {
		clauses = append(clauses, "risk_score>=?")
		args = append(args, q.MinRisk)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// ListAudit returns matching persisted entries newest first and the total
// match count.
func (r Repo) ListAudit(ctx context.Context, q AuditQuery) ([]domain.AuditEntry, int, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	where, args := q.where()
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := fmt.Sprintf(`SELECT id,ts,action,actor,COALESCE(target,''),result,risk_score,details_json FROM audit_events %s ORDER BY seq DESC LIMIT ? OFFSET ?`, where)
	rows, err := r.DB.QueryContext(ctx, query, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := scanAudit(rows, nil, &e); err != nil {
			return nil, 0, err
		}
		res = append(res, e)
	}
	return res, total, rows.Err()
}

// AuditRecord is a persisted entry with its insertion sequence, which
// cursors advance over.
type AuditRecord struct {
	Seq int64
	domain.AuditEntry
}

// AuditAfter returns up to limit entries with seq greater than after, oldest
// first.
func (r Repo) AuditAfter(ctx context.Context, limit int, after int64) ([]AuditRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,id,ts,action,actor,COALESCE(target,''),result,risk_score,details_json FROM audit_events WHERE seq>? ORDER BY seq ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		if err := scanAudit(rows, &rec.Seq, &rec.AuditEntry); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// LatestAuditSeq returns the highest persisted sequence, or 0.
func (r Repo) LatestAuditSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(seq) FROM audit_events`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// CountAudit returns the number of persisted entries.
func (r Repo) CountAudit(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&n)
	return n, err
}

// scanAudit reads one audit row. seq is scanned only when non-nil and must
// then lead the column list.
func scanAudit(rows *sql.Rows, seq *int64, e *domain.AuditEntry) error {
	var ts, details string
	dest := []any{&e.ID, &ts, &e.Action, &e.Actor, &e.Target, &e.Result, &e.RiskScore, &details}
	if seq != nil {
		dest = append([]any{seq}, dest...)
	}
	if err := rows.Scan(dest...); err != nil {
		return err
	}
	var err error
	if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return fmt.Errorf("audit %s: bad timestamp %q: %w", e.ID, ts, err)
	}
	if details != "" && details != "{}" {
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return fmt.Errorf("audit %s: bad details: %w", e.ID, err)
		}
	}
	return nil
}

// execer is what store statements run on: *sql.DB, *sql.Tx and *sql.Conn.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withImmediateTx runs fn inside BEGIN IMMEDIATE on a dedicated connection.
// The write lock is held before fn reads, so another process writing the
// same file waits on busy_timeout instead of interleaving its own
// read-modify-write.
func (r Repo) withImmediateTx(ctx context.Context, fn func(execer) error) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()
	if err := beginImmediate(ctx, conn); err != nil {
		return fmt.Errorf("begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()
	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// beginImmediate retries while another connection holds the write lock.
// busy_timeout covers other processes; within one process the shared cache
// reports the conflict at once as "table is locked".
func beginImmediate(ctx context.Context, conn *sql.Conn) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(func() error {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err != nil && !strings.Contains(err.Error(), "locked") {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
