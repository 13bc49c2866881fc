package escalation

import (
	"context"
	"sort"
	"sync"

	"steward/internal/domain"
)

// Store persists escalations. Get and Update return domain.ErrNotFound for
// an unknown id. Implementations hand out copies, never shared state.
type Store interface {
	Get(ctx context.Context, id string) (domain.EscalationRequest, error)
	Save(ctx context.Context, req domain.EscalationRequest) error
	// Update applies fn to the stored escalation and saves the result as one
	// atomic step. An error from fn aborts without saving and is returned
	// unchanged.
	Update(ctx context.Context, id string, fn func(*domain.EscalationRequest) error) (domain.EscalationRequest, error)
	List(ctx context.Context, f ListFilter) ([]domain.EscalationRequest, error)
}

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	Status  domain.EscalationStatus
	Handler string
	ActorID string
	UnitID  string
	Limit   int
}

// Match reports whether req passes f.
func (f ListFilter) Match(req domain.EscalationRequest) bool {
	if f.Status != "" && req.Status != f.Status {
		return false
	}
	if f.Handler != "" && req.CurrentHandler != f.Handler {
		return false
	}
	if f.ActorID != "" && req.ActorID != f.ActorID {
		return false
	}
	if f.UnitID != "" && req.UnitID != f.UnitID {
		return false
	}
	return true
}

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]domain.EscalationRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]domain.EscalationRequest{}}
}

func (s *MemoryStore) Get(_ context.Context, id string) (domain.EscalationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.records[id]
	if !ok {
		return domain.EscalationRequest{}, notFound(id)
	}
	return req.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, req domain.EscalationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[req.ID] = req.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*domain.EscalationRequest) error) (domain.EscalationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[id]
	if !ok {
		return domain.EscalationRequest{}, notFound(id)
	}
	req := stored.Clone()
	if err := fn(&req); err != nil {
		return domain.EscalationRequest{}, err
	}
	s.records[id] = req.Clone()
	return req, nil
}

// List returns matches newest first.
func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]domain.EscalationRequest, error) {
	s.mu.Lock()
	out := make([]domain.EscalationRequest, 0, len(s.records))
	for _, req := range s.records {
		if f.Match(req) {
			out = append(out, req.Clone())
		}
	}
	s.mu.Unlock()
	SortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// SortNewestFirst orders by creation time, newest first, then id.
func SortNewestFirst(reqs []domain.EscalationRequest) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.After(reqs[j].CreatedAt)
		}
		return reqs[i].ID > reqs[j].ID
	})
}

func notFound(id string) error {
	return domain.Errorf(domain.CodeNotFound, "escalation %s not found", id)
}
