package review

import (
	"context"
	"sort"
	"sync"

	"steward/internal/domain"
	"steward/internal/policy"
)

// Store persists review requests. Get and Update return domain.ErrNotFound
// for an unknown id. Implementations must hand out copies, never shared
// state.
type Store interface {
	Get(ctx context.Context, id string) (domain.ReviewRequest, error)
	Save(ctx context.Context, req domain.ReviewRequest) error
	// Update applies fn to the stored request and saves the result as one
	// atomic step, also against other processes sharing the store. An error
	// from fn aborts without saving and is returned unchanged.
	Update(ctx context.Context, id string, fn func(*domain.ReviewRequest) error) (domain.ReviewRequest, error)
	List(ctx context.Context, f ListFilter) ([]domain.ReviewRequest, error)
}

// ListFilter narrows List. Zero fields match everything. Reviewer matches any
// required or optional slot.
type ListFilter struct {
	Status   domain.ReviewStatus
	Category policy.Category
	Author   string
	UnitID   string
	Reviewer string
	Limit    int
}

// Match reports whether req passes f.
func (f ListFilter) Match(req domain.ReviewRequest) bool {
	if f.Status != "" && req.Status != f.Status {
		return false
	}
	if f.Category != "" && req.Category != f.Category {
		return false
	}
	if f.Author != "" && req.Author.ID != f.Author {
		return false
	}
	if f.UnitID != "" && req.UnitID != f.UnitID {
		return false
	}
	if f.Reviewer != "" && !hasReviewer(req, f.Reviewer) {
		return false
	}
	return true
}

func hasReviewer(req domain.ReviewRequest, id string) bool {
	for _, s := range req.RequiredReviewers {
		if s.AgentID == id {
			return true
		}
	}
	for _, s := range req.OptionalReviewers {
		if s.AgentID == id {
			return true
		}
	}
	return false
}

// MemoryStore keeps requests in a map guarded by one lock.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.ReviewRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]domain.ReviewRequest{}}
}

func (s *MemoryStore) Get(_ context.Context, id string) (domain.ReviewRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.records[id]
	if !ok {
		return domain.ReviewRequest{}, domain.Errorf(domain.CodeNotFound, "review request %s not found", id)
	}
	return req.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, req domain.ReviewRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[req.ID] = req.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*domain.ReviewRequest) error) (domain.ReviewRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[id]
	if !ok {
		return domain.ReviewRequest{}, domain.Errorf(domain.CodeNotFound, "review request %s not found", id)
	}
	req := stored.Clone()
	if err := fn(&req); err != nil {
		return domain.ReviewRequest{}, err
	}
	s.records[id] = req.Clone()
	return req, nil
}

// List returns matches newest first.
func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]domain.ReviewRequest, error) {
	s.mu.RLock()
	out := make([]domain.ReviewRequest, 0, len(s.records))
	for _, req := range s.records {
		if f.Match(req) {
			out = append(out, req.Clone())
		}
	}
	s.mu.RUnlock()
	SortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// SortNewestFirst orders by creation time, newest first, then id.
func SortNewestFirst(reqs []domain.ReviewRequest) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.After(reqs[j].CreatedAt)
		}
		return reqs[i].ID > reqs[j].ID
	})
}
