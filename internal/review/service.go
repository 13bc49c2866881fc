// Package review runs the multi-reviewer approval workflow. A request is
// created with reviewer slots drawn from the canonical category table,
// accumulates decisions, and may merge only once every required reviewer has
// approved and no veto-tier reviewer has blocked it.
package review

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"steward/internal/audit"
	"steward/internal/domain"
	"steward/internal/policy"
	"steward/internal/registry"
)

type Service struct {
	// mu orders in-process writes and their audit entries; Store.Update
	// keeps each read-modify-write atomic across processes.
	mu       sync.Mutex
	Registry *registry.Registry
	Store    Store
	Audit    *audit.Log
	Now      func() time.Time
	NewID    func() string
}

func New(reg *registry.Registry, store Store, log *audit.Log) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Service{
		Registry: reg,
		Store:    store,
		Audit:    log,
		Now:      time.Now,
		NewID:    func() string { return uuid.NewString() },
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// CreateInput are parameters for Create. An empty Category is derived from
// Files, or the default category when no file classifies.
type CreateInput struct {
	Title       string
	Description string
	Category    string
	Author      domain.Actor
	UnitID      string
	Files       []string
	Metadata    map[string]string
}

func (s *Service) Create(ctx context.Context, in CreateInput) (domain.ReviewRequest, error) {
	if !in.Author.Type.Valid() {
		return domain.ReviewRequest{}, domain.Errorf(domain.CodeInvalidActorType, "author type %q is not AGENT or HUMAN", in.Author.Type)
	}
	if strings.TrimSpace(in.Author.ID) == "" {
		return domain.ReviewRequest{}, domain.Errorf(domain.CodeInvalidRequest, "author id is required")
	}
	var cat policy.Category
	if strings.TrimSpace(in.Category) != "" {
		c, err := policy.ParseCategory(in.Category)
		if err != nil {
			return domain.ReviewRequest{}, domain.Errorf(domain.CodeInvalidCategory, "%v", err)
		}
		cat = c
	}
	if in.UnitID != "" {
		if _, ok := s.Registry.Unit(in.UnitID); !ok {
			return domain.ReviewRequest{}, domain.Errorf(domain.CodeUnknownUnit, "unit %q does not exist", in.UnitID)
		}
	}

	var fileSet ReviewerSet
	if len(in.Files) > 0 {
		fileSet = s.reviewersForFiles(in.Files, in.UnitID)
		if cat == "" {
			cat = primaryCategory(fileSet.Categories)
		}
	}
	if cat == "" {
		cat = policy.DefaultCategory
	}
	entry := s.Registry.Category(cat)
	required := union(entry.Required, fileSet.Required)
	optional := subtract(union(entry.Optional, fileSet.Optional), required)

	now := s.now()
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = fmt.Sprintf("%s review", cat)
	}
	req := domain.ReviewRequest{
		ID:                s.NewID(),
		Title:             title,
		Description:       in.Description,
		Category:          cat,
		Author:            domain.Actor{ID: in.Author.ID, Type: in.Author.Type},
		UnitID:            in.UnitID,
		Files:             append([]string(nil), in.Files...),
		Metadata:          copyMetadata(in.Metadata),
		RequiredReviewers: slots(required, domain.SlotPending),
		OptionalReviewers: slots(optional, domain.SlotNotRequested),
		Reviews:           []domain.Review{},
		Status:            domain.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Store.Save(ctx, req); err != nil {
		return domain.ReviewRequest{}, fmt.Errorf("save review request: %w", err)
	}
	s.write(req, policy.ActionReviewCreate, in.Author, domain.ResultSuccess, map[string]any{
		"category": string(cat),
		"required": required,
		"files":    len(in.Files),
	})
	return req, nil
}

// Submit records reviewer's decision and recomputes the request status.
func (s *Service) Submit(ctx context.Context, id string, reviewer domain.Actor, decision domain.Decision, comments string) (domain.ReviewRequest, error) {
	decision = domain.Decision(strings.ToUpper(strings.TrimSpace(string(decision))))
	if !decision.Valid() {
		return domain.ReviewRequest{}, domain.Errorf(domain.CodeInvalidDecision, "decision %q is not APPROVE, REQUEST_CHANGES or BLOCK", decision)
	}
	if !reviewer.Type.Valid() {
		return domain.ReviewRequest{}, domain.Errorf(domain.CodeInvalidActorType, "reviewer type %q is not AGENT or HUMAN", reviewer.Type)
	}
	if strings.TrimSpace(reviewer.ID) == "" {
		return domain.ReviewRequest{}, domain.Errorf(domain.CodeInvalidRequest, "reviewer id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	action := policy.ActionReviewSubmit
	req, err := s.Store.Update(ctx, id, func(req *domain.ReviewRequest) error {
		if req.Status.Terminal() {
			return domain.Errorf(domain.CodeInvalidState, "review request %s is %s", id, req.Status)
		}
		now := s.now()
		rev := domain.Review{
			ID:        s.NewID(),
			Reviewer:  domain.Actor{ID: reviewer.ID, Type: reviewer.Type},
			Decision:  decision,
			Comments:  comments,
			Timestamp: now,
		}
		req.Reviews = append(req.Reviews, rev)
		if reviewer.Type == domain.ActorAgent {
			completeSlot(req.RequiredReviewers, rev)
			completeSlot(req.OptionalReviewers, rev)
		}

		veto := decision == domain.DecisionBlock && reviewer.Type == domain.ActorAgent && s.Registry.IsVetoTier(reviewer.ID)
		next := req.Status
		switch {
		case veto:
			action = policy.ActionReviewBlock
			if !req.IsBlocked {
				req.IsBlocked = true
				req.BlockedBy = &domain.BlockInfo{AgentID: reviewer.ID, Reason: comments}
			}
			next = domain.StatusBlocked
		case req.IsBlocked:
			next = domain.StatusBlocked
		default:
			next = recompute(*req)
		}
		if err := ensureTransition(req.Status, next); err != nil {
			return err
		}
		req.Status = next
		req.CanMerge = next == domain.StatusApproved && !req.IsBlocked
		req.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.ReviewRequest{}, err
	}
	s.write(req, action, reviewer, domain.ResultSuccess, map[string]any{
		"decision":  string(decision),
		"status":    string(req.Status),
		"can_merge": req.CanMerge,
	})
	return req, nil
}

// Merge fails with CANNOT_MERGE, leaving the request untouched, unless it
// is mergeable.
func (s *Service) Merge(ctx context.Context, id string, by domain.Actor) (domain.ReviewRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refused *domain.ReviewRequest
	req, err := s.Store.Update(ctx, id, func(req *domain.ReviewRequest) error {
		if !req.CanMerge || req.IsBlocked {
			snapshot := req.Clone()
			refused = &snapshot
			return domain.Errorf(domain.CodeCannotMerge, "review request %s cannot merge: status is %s", id, req.Status)
		}
		if err := ensureTransition(req.Status, domain.StatusMerged); err != nil {
			return err
		}
		now := s.now()
		req.Status = domain.StatusMerged
		req.CanMerge = false
		req.MergedAt = &now
		req.MergedBy = by.ID
		req.UpdatedAt = now
		return nil
	})
	if refused != nil {
		s.write(*refused, policy.ActionReviewMerge, by, domain.ResultFailure, map[string]any{"status": string(refused.Status)})
	}
	if err != nil {
		return domain.ReviewRequest{}, err
	}
	s.write(req, policy.ActionReviewMerge, by, domain.ResultSuccess, map[string]any{"status": string(req.Status)})
	return req, nil
}

// Close ends a non-terminal request.
func (s *Service) Close(ctx context.Context, id string, by domain.Actor, reason string) (domain.ReviewRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, err := s.Store.Update(ctx, id, func(req *domain.ReviewRequest) error {
		if err := ensureTransition(req.Status, domain.StatusClosed); err != nil {
			return err
		}
		now := s.now()
		req.Status = domain.StatusClosed
		req.CanMerge = false
		req.ClosedAt = &now
		req.ClosedBy = by.ID
		req.CloseReason = reason
		req.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.ReviewRequest{}, err
	}
	s.write(req, policy.ActionReviewClose, by, domain.ResultSuccess, map[string]any{"reason": reason})
	return req, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.ReviewRequest, error) {
	return s.Store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.ReviewRequest, error) {
	return s.Store.List(ctx, f)
}

// recompute derives the status from each reviewer's latest decision.
func recompute(req domain.ReviewRequest) domain.ReviewStatus {
	latest := map[string]domain.Decision{}
	agentLatest := map[string]domain.Decision{}
	for _, r := range req.Reviews {
		latest[r.Reviewer.String()] = r.Decision
		if r.Reviewer.Type == domain.ActorAgent {
			agentLatest[r.Reviewer.ID] = r.Decision
		}
	}
	for _, d := range latest {
		if d == domain.DecisionRequestChanges {
			return domain.StatusChangesRequested
		}
	}
	if len(req.RequiredReviewers) > 0 {
		approved := true
		for _, slot := range req.RequiredReviewers {
			if agentLatest[slot.AgentID] != domain.DecisionApprove {
				approved = false
				break
			}
		}
		if approved {
			return domain.StatusApproved
		}
	}
	if len(req.Reviews) == 0 {
		return domain.StatusPending
	}
	return domain.StatusInReview
}

func ensureTransition(from, to domain.ReviewStatus) error {
	switch from {
	case domain.StatusPending, domain.StatusInReview, domain.StatusChangesRequested:
		if to != domain.StatusMerged {
			return nil
		}
	case domain.StatusApproved:
		return nil
	case domain.StatusBlocked:
		if to == domain.StatusBlocked || to == domain.StatusClosed {
			return nil
		}
	}
	return domain.Errorf(domain.CodeInvalidState, "invalid review status transition %s -> %s", from, to)
}

func completeSlot(slots []domain.ReviewerSlot, rev domain.Review) {
	for i := range slots {
		if slots[i].AgentID != rev.Reviewer.ID {
			continue
		}
		at := rev.Timestamp
		slots[i].Status = domain.SlotCompleted
		slots[i].Decision = rev.Decision
		slots[i].Comments = rev.Comments
		slots[i].ReviewedAt = &at
	}
}

func slots(ids []string, status domain.SlotStatus) []domain.ReviewerSlot {
	out := make([]domain.ReviewerSlot, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.ReviewerSlot{AgentID: id, Status: status})
	}
	return out
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *Service) write(req domain.ReviewRequest, action policy.Action, actor domain.Actor, result string, details map[string]any) {
	if s.Audit == nil {
		return
	}
	var reg policy.Regulatory
	if u, ok := s.Registry.Unit(req.UnitID); ok {
		reg = u.Regulatory
	}
	details["category"] = string(req.Category)
	s.Audit.Write(domain.AuditEntry{
		Action:    string(action),
		Actor:     actor.String(),
		Target:    req.ID,
		Details:   details,
		Result:    result,
		RiskScore: audit.RiskScore(action, result != domain.ResultFailure, reg),
	})
}
