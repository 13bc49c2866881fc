package server

import (
	"time"

	"steward/internal/audit"
	"steward/internal/domain"
	"steward/internal/engine/auth"
	"steward/internal/policy"
	"steward/internal/registry"
	"steward/internal/review"
)

// Request payloads

// ActorInput names the actor an access question is about. Omitted, the
// caller is used.
type ActorInput struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty" enum:"AGENT,HUMAN"`
	Role string `json:"role,omitempty"`
}

type AccessCheckRequest struct {
	Actor   *ActorInput        `json:"actor,omitempty"`
	Action  string             `json:"action"`
	UnitID  string             `json:"unit_id,omitempty"`
	Context auth.AccessContext `json:"context,omitempty"`
}

type CreateReviewRequest struct {
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Category    string            `json:"category,omitempty"`
	UnitID      string            `json:"unit_id,omitempty"`
	Files       []string          `json:"files,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type SubmitReviewRequest struct {
	Decision string `json:"decision"`
	Comments string `json:"comments,omitempty"`
}

type MergeReviewRequest struct {
	HumanApproved bool     `json:"human_approved,omitempty"`
	Approvals     []string `json:"approvals,omitempty"`
	Environment   string   `json:"environment,omitempty"`
}

type CloseReviewRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ReviewersRequest struct {
	Files  []string `json:"files"`
	UnitID string   `json:"unit_id,omitempty"`
}

// EscalationInput opens an escalation when ID is empty and forwards the
// stored one otherwise. It mirrors domain.EscalationRequest so a response can
// be posted back unchanged; a forward reads nothing but the id, and an opening
// may not carry status, chain, or handler.
type EscalationInput struct {
	ID             string                  `json:"id,omitempty"`
	ActorID        string                  `json:"actor_id,omitempty"`
	UnitID         string                  `json:"unit_id,omitempty"`
	Action         string                  `json:"action,omitempty"`
	Reason         string                  `json:"reason,omitempty"`
	Status         string                  `json:"status,omitempty" enum:"OPEN,ESCALATED,RESOLVED"`
	Chain          []domain.EscalationStep `json:"chain,omitempty"`
	CurrentHandler string                  `json:"current_handler,omitempty"`
	CreatedAt      time.Time               `json:"created_at,omitempty"`
	UpdatedAt      time.Time               `json:"updated_at,omitempty"`
}

func (in EscalationInput) toDomain() domain.EscalationRequest {
	return domain.EscalationRequest{
		ID:             in.ID,
		ActorID:        in.ActorID,
		UnitID:         in.UnitID,
		Action:         policy.Action(in.Action),
		Reason:         in.Reason,
		Status:         domain.EscalationStatus(in.Status),
		Chain:          in.Chain,
		CurrentHandler: in.CurrentHandler,
		CreatedAt:      in.CreatedAt,
		UpdatedAt:      in.UpdatedAt,
	}
}

type ResolveEscalationRequest struct {
	ID      string `json:"id" minLength:"1"`
	Approve bool   `json:"approve"`
	Note    string `json:"note,omitempty"`
}

type OverrideRequest struct {
	ActorID  string `json:"actor_id,omitempty"`
	TargetID string `json:"target_id"`
}

type ViolationsRequest struct {
	Action        string   `json:"action"`
	ActorID       string   `json:"actor_id,omitempty"`
	UnitID        string   `json:"unit_id,omitempty"`
	Environment   string   `json:"environment,omitempty"`
	Approvals     []string `json:"approvals,omitempty"`
	HumanApproved bool     `json:"human_approved,omitempty"`
}

type DevLoginRequest struct {
	ActorID   string `json:"actor_id"`
	ActorType string `json:"actor_type,omitempty" enum:"AGENT,HUMAN"`
	Role      string `json:"role,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	ActorType   string   `json:"actor_type"`
	Role        string   `json:"role,omitempty"`
	Source      string   `json:"source"`
	Permissions []string `json:"permissions"`
}

type AuditResponse struct {
	Source string `json:"source" enum:"memory,durable"`
	audit.Page
}

type ReviewListResponse struct {
	Items []domain.ReviewRequest `json:"items"`
}

type EscalationListResponse struct {
	Items []domain.EscalationRequest `json:"items"`
}

type ViolationsResponse struct {
	Violations []domain.Violation `json:"violations"`
}

type PathResponse struct {
	AgentID string                   `json:"agent_id"`
	Path    []domain.AgentDescriptor `json:"path"`
}

type AgentListResponse struct {
	Items []domain.AgentDescriptor `json:"items"`
}

type UnitListResponse struct {
	Items []domain.UnitBinding `json:"items"`
}

type CategoryListResponse struct {
	Items []registry.CategoryPolicy `json:"items"`
}

type ReviewersResponse = review.ReviewerSet

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
