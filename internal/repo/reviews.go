package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/review"
)

// ReviewStore implements review.Store on SQLite. The full request is kept as
// a JSON document; the indexed columns and the reviewer table serve List.
type ReviewStore struct {
	Repo
}

var _ review.Store = ReviewStore{}

func (s ReviewStore) Get(ctx context.Context, id string) (domain.ReviewRequest, error) {
	return getReview(ctx, s.DB, id)
}

func (s ReviewStore) Save(ctx context.Context, req domain.ReviewRequest) error {
	return s.withImmediateTx(ctx, func(x execer) error {
		return saveReview(ctx, x, req)
	})
}

// Update holds the database write lock across the read, fn and the write.
func (s ReviewStore) Update(ctx context.Context, id string, fn func(*domain.ReviewRequest) error) (domain.ReviewRequest, error) {
	var out domain.ReviewRequest
	err := s.withImmediateTx(ctx, func(x execer) error {
		req, err := getReview(ctx, x, id)
		if err != nil {
			return err
		}
		if err := fn(&req); err != nil {
			return err
		}
		if err := saveReview(ctx, x, req); err != nil {
			return fmt.Errorf("save review request %s: %w", id, err)
		}
		out = req
		return nil
	})
	if err != nil {
		return domain.ReviewRequest{}, err
	}
	return out, nil
}

func getReview(ctx context.Context, x execer, id string) (domain.ReviewRequest, error) {
	var doc string
	err := x.QueryRowContext(ctx, `SELECT doc_json FROM review_requests WHERE id=?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ReviewRequest{}, domain.Errorf(domain.CodeNotFound, "review request %s not found", id)
	}
	if err != nil {
		return domain.ReviewRequest{}, err
	}
	return decodeReview(id, doc)
}

func saveReview(ctx context.Context, x execer, req domain.ReviewRequest) error {
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal review request %s: %w", req.ID, err)
	}
	_, err = x.ExecContext(ctx, `INSERT INTO review_requests(id,title,category,status,author_id,author_type,unit_id,can_merge,is_blocked,created_at,updated_at,doc_json)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET title=excluded.title, category=excluded.category, status=excluded.status,
			unit_id=excluded.unit_id, can_merge=excluded.can_merge, is_blocked=excluded.is_blocked,
			updated_at=excluded.updated_at, doc_json=excluded.doc_json`,
		req.ID, req.Title, string(req.Category), string(req.Status), req.Author.ID, string(req.Author.Type), nullable(req.UnitID),
		boolInt(req.CanMerge), boolInt(req.IsBlocked), formatTime(req.CreatedAt), formatTime(req.UpdatedAt), string(doc))
	if err != nil {
		return err
	}
	if _, err := x.ExecContext(ctx, `DELETE FROM review_reviewers WHERE request_id=?`, req.ID); err != nil {
		return err
	}
	for _, slots := range []struct {
		list     []domain.ReviewerSlot
		required bool
	}{{req.RequiredReviewers, true}, {req.OptionalReviewers, false}} {
		for _, slot := range slots.list {
			if _, err := x.ExecContext(ctx, `INSERT OR IGNORE INTO review_reviewers(request_id,agent_id,required) VALUES (?,?,?)`,
				req.ID, slot.AgentID, boolInt(slots.required)); err != nil {
				return err
			}
		}
	}
	return nil
}

// List returns matches newest first.
func (s ReviewStore) List(ctx context.Context, f review.ListFilter) ([]domain.ReviewRequest, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, string(f.Category))
	}
	if f.Author != "" {
		clauses = append(clauses, "author_id=?")
		args = append(args, f.Author)
	}
	if f.UnitID != "" {
		clauses = append(clauses, "unit_id=?")
		args = append(args, f.UnitID)
	}
	if f.Reviewer != "" {
		clauses = append(clauses, "id IN (SELECT request_id FROM review_reviewers WHERE agent_id=?)")
		args = append(args, f.Reviewer)
	}
	query := fmt.Sprintf(`SELECT id,doc_json FROM review_requests WHERE %s ORDER BY created_at DESC, id DESC`, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.ReviewRequest{}
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		req, err := decodeReview(id, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func decodeReview(id, doc string) (domain.ReviewRequest, error) {
	var req domain.ReviewRequest
	if err := json.Unmarshal([]byte(doc), &req); err != nil {
		return domain.ReviewRequest{}, fmt.Errorf("review request %s: bad document: %w", id, err)
	}
	return req, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(db.TimeLayout)
}
