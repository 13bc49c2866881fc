package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"steward/internal/domain"
	"steward/internal/escalation"
)

// EscalationStore implements escalation.Store on SQLite, so an escalation
// opened by one process can be forwarded or resolved by another.
type EscalationStore struct {
	Repo
}

var _ escalation.Store = EscalationStore{}

func (s EscalationStore) Get(ctx context.Context, id string) (domain.EscalationRequest, error) {
	return getEscalation(ctx, s.DB, id)
}

func (s EscalationStore) Save(ctx context.Context, req domain.EscalationRequest) error {
	return s.withImmediateTx(ctx, func(x execer) error {
		return saveEscalation(ctx, x, req)
	})
}

// Update holds the database write lock across the read, fn and the write.
func (s EscalationStore) Update(ctx context.Context, id string, fn func(*domain.EscalationRequest) error) (domain.EscalationRequest, error) {
	var out domain.EscalationRequest
	err := s.withImmediateTx(ctx, func(x execer) error {
		req, err := getEscalation(ctx, x, id)
		if err != nil {
			return err
		}
		if err := fn(&req); err != nil {
			return err
		}
		if err := saveEscalation(ctx, x, req); err != nil {
			return fmt.Errorf("save escalation %s: %w", id, err)
		}
		out = req
		return nil
	})
	if err != nil {
		return domain.EscalationRequest{}, err
	}
	return out, nil
}

// List returns matches newest first.
func (s EscalationStore) List(ctx context.Context, f escalation.ListFilter) ([]domain.EscalationRequest, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Handler != "" {
		clauses = append(clauses, "current_handler=?")
		args = append(args, f.Handler)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.UnitID != "" {
		clauses = append(clauses, "unit_id=?")
		args = append(args, f.UnitID)
	}
	query := fmt.Sprintf(`SELECT id,doc_json FROM escalations WHERE %s ORDER BY created_at DESC, id DESC`, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.EscalationRequest{}
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		req, err := decodeEscalation(id, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func getEscalation(ctx context.Context, x execer, id string) (domain.EscalationRequest, error) {
	var doc string
	err := x.QueryRowContext(ctx, `SELECT doc_json FROM escalations WHERE id=?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EscalationRequest{}, domain.Errorf(domain.CodeNotFound, "escalation %s not found", id)
	}
	if err != nil {
		return domain.EscalationRequest{}, err
	}
	return decodeEscalation(id, doc)
}

func saveEscalation(ctx context.Context, x execer, req domain.EscalationRequest) error {
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal escalation %s: %w", req.ID, err)
	}
	_, err = x.ExecContext(ctx, `INSERT INTO escalations(id,actor_id,unit_id,action,status,current_handler,created_at,updated_at,doc_json)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, current_handler=excluded.current_handler,
			updated_at=excluded.updated_at, doc_json=excluded.doc_json`,
		req.ID, req.ActorID, nullable(req.UnitID), string(req.Action), string(req.Status), nullable(req.CurrentHandler),
		formatTime(req.CreatedAt), formatTime(req.UpdatedAt), string(doc))
	return err
}

func decodeEscalation(id, doc string) (domain.EscalationRequest, error) {
	var req domain.EscalationRequest
	if err := json.Unmarshal([]byte(doc), &req); err != nil {
		return domain.EscalationRequest{}, fmt.Errorf("escalation %s: bad document: %w", id, err)
	}
	return req, nil
}
