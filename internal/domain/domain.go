package domain

import (
	"time"

	"steward/internal/policy"
)

type ActorType string

const (
	ActorAgent ActorType = "AGENT"
	ActorHuman ActorType = "HUMAN"
)

func (t ActorType) Valid() bool {
	return t == ActorAgent || t == ActorHuman
}

// Actor is an already-authenticated caller. RoleOverride, when set, names
// the role to use instead of the one bound to the actor.
type Actor struct {
	ID           string    `json:"id" yaml:"id"`
	Type         ActorType `json:"type" yaml:"type" enum:"AGENT,HUMAN"`
	RoleOverride string    `json:"role_override,omitempty" yaml:"role_override,omitempty"`
}

// String renders the audit form "TYPE:id".
func (a Actor) String() string {
	return string(a.Type) + ":" + a.ID
}

type AgentDescriptor struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	RoleClass     string   `json:"role_class"`
	AuthorityTags []string `json:"authority_tags,omitempty"`
	Rank          int      `json:"rank"`
	Units         []string `json:"units,omitempty"`
}

type ConstraintKind string

const (
	ConstraintDeferTo              ConstraintKind = "defer_to"
	ConstraintRequireHumanApproval ConstraintKind = "require_human_approval"
	ConstraintReadOnly             ConstraintKind = "read_only"
	ConstraintNoProduction         ConstraintKind = "no_production"
)

func (k ConstraintKind) Valid() bool {
	switch k {
	case ConstraintDeferTo, ConstraintRequireHumanApproval, ConstraintReadOnly, ConstraintNoProduction:
		return true
	}
	return false
}

// Constraint is a behavioral restriction attached to a role. For defer_to,
// exactly one of Category or Agent names the authority being deferred to.
type Constraint struct {
	Kind     ConstraintKind  `json:"kind"`
	Category policy.Category `json:"category,omitempty"`
	Agent    string          `json:"agent,omitempty"`
}

type Role struct {
	ID          string       `json:"id"`
	Description string       `json:"description,omitempty"`
	Permissions []string     `json:"permissions"`
	Level       int          `json:"level"`
	Constraints []Constraint `json:"constraints,omitempty"`
	Agents      []string     `json:"agents,omitempty"`
	Classes     []string     `json:"classes,omitempty"`
	Humans      []string     `json:"humans,omitempty"`
}

// Allows reports whether the permission set covers action.
func (r Role) Allows(action policy.Action) bool {
	for _, p := range r.Permissions {
		if p == policy.Wildcard || p == string(action) {
			return true
		}
	}
	return false
}

type UnitBinding struct {
	UnitID           string            `json:"unit_id"`
	Name             string            `json:"name"`
	Parent           string            `json:"parent,omitempty"`
	PrimaryAgent     string            `json:"primary_agent"`
	SecondaryAgent   string            `json:"secondary_agent,omitempty"`
	ExecutionAgent   string            `json:"execution_agent,omitempty"`
	EscalationTarget string            `json:"escalation_target,omitempty"`
	Autonomy         policy.Autonomy   `json:"autonomy" enum:"ASSIST_ONLY,PARTIAL,FULL"`
	Regulatory       policy.Regulatory `json:"regulatory,omitempty"`
}

// Binds reports whether agentID is the unit's primary, secondary or
// execution agent.
func (u UnitBinding) Binds(agentID string) bool {
	if agentID == "" {
		return false
	}
	return agentID == u.PrimaryAgent || agentID == u.SecondaryAgent || agentID == u.ExecutionAgent
}

type ReviewStatus string

const (
	StatusPending          ReviewStatus = "PENDING"
	StatusInReview         ReviewStatus = "IN_REVIEW"
	StatusApproved         ReviewStatus = "APPROVED"
	StatusChangesRequested ReviewStatus = "CHANGES_REQUESTED"
	StatusBlocked          ReviewStatus = "BLOCKED"
	StatusMerged           ReviewStatus = "MERGED"
	StatusClosed           ReviewStatus = "CLOSED"
)

// Terminal states accept no further transitions.
func (s ReviewStatus) Terminal() bool {
	return s == StatusMerged || s == StatusClosed
}

type Decision string

const (
	DecisionApprove        Decision = "APPROVE"
	DecisionRequestChanges Decision = "REQUEST_CHANGES"
	DecisionBlock          Decision = "BLOCK"
)

func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionRequestChanges || d == DecisionBlock
}

type SlotStatus string

const (
	SlotPending      SlotStatus = "PENDING"
	SlotNotRequested SlotStatus = "NOT_REQUESTED"
	SlotCompleted    SlotStatus = "COMPLETED"
)

type ReviewerSlot struct {
	AgentID    string     `json:"agent_id"`
	Status     SlotStatus `json:"status" enum:"PENDING,NOT_REQUESTED,COMPLETED"`
	Decision   Decision   `json:"decision,omitempty"`
	Comments   string     `json:"comments,omitempty"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
}

type Review struct {
	ID        string    `json:"id"`
	Reviewer  Actor     `json:"reviewer"`
	Decision  Decision  `json:"decision" enum:"APPROVE,REQUEST_CHANGES,BLOCK"`
	Comments  string    `json:"comments,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type BlockInfo struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
}

type ReviewRequest struct {
	ID                string            `json:"id"`
	Title             string            `json:"title"`
	Description       string            `json:"description,omitempty"`
	Category          policy.Category   `json:"category"`
	Author            Actor             `json:"author"`
	UnitID            string            `json:"unit_id,omitempty"`
	Files             []string          `json:"files,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	RequiredReviewers []ReviewerSlot    `json:"required_reviewers"`
	OptionalReviewers []ReviewerSlot    `json:"optional_reviewers"`
	Reviews           []Review          `json:"reviews"`
	Status            ReviewStatus      `json:"status" enum:"PENDING,IN_REVIEW,APPROVED,CHANGES_REQUESTED,BLOCKED,MERGED,CLOSED"`
	CanMerge          bool              `json:"can_merge"`
	IsBlocked         bool              `json:"is_blocked"`
	BlockedBy         *BlockInfo        `json:"blocked_by,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	MergedAt          *time.Time        `json:"merged_at,omitempty"`
	MergedBy          string            `json:"merged_by,omitempty"`
	ClosedAt          *time.Time        `json:"closed_at,omitempty"`
	ClosedBy          string            `json:"closed_by,omitempty"`
	CloseReason       string            `json:"close_reason,omitempty"`
}

// Clone returns a deep copy so callers never share slices or maps with a
// store.
func (r ReviewRequest) Clone() ReviewRequest {
	out := r
	out.Files = cloneStrings(r.Files)
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	out.RequiredReviewers = cloneSlots(r.RequiredReviewers)
	out.OptionalReviewers = cloneSlots(r.OptionalReviewers)
	if r.Reviews != nil {
		out.Reviews = make([]Review, len(r.Reviews))
		copy(out.Reviews, r.Reviews)
	}
	if r.BlockedBy != nil {
		b := *r.BlockedBy
		out.BlockedBy = &b
	}
	out.MergedAt = cloneTime(r.MergedAt)
	out.ClosedAt = cloneTime(r.ClosedAt)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneSlots(in []ReviewerSlot) []ReviewerSlot {
	if in == nil {
		return nil
	}
	out := make([]ReviewerSlot, len(in))
	for i, s := range in {
		s.ReviewedAt = cloneTime(s.ReviewedAt)
		out[i] = s
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Target    string         `json:"target,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Result    string         `json:"result"`
	RiskScore int            `json:"risk_score" minimum:"0" maximum:"100"`
}

// Audit results.
const (
	ResultSuccess = "SUCCESS"
	ResultFailure = "FAILURE"
	ResultAllowed = "ALLOWED"
	ResultDenied  = "DENIED"
)

type EscalationStatus string

const (
	EscalationOpen      EscalationStatus = "OPEN"
	EscalationEscalated EscalationStatus = "ESCALATED"
	EscalationResolved  EscalationStatus = "RESOLVED"
)

type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepForwarded StepStatus = "FORWARDED"
	StepApproved  StepStatus = "APPROVED"
	StepRejected  StepStatus = "REJECTED"
)

type EscalationStep struct {
	Target    string     `json:"target"`
	Timestamp time.Time  `json:"timestamp"`
	Status    StepStatus `json:"status" enum:"PENDING,FORWARDED,APPROVED,REJECTED"`
	DecidedBy string     `json:"decided_by,omitempty"`
	Note      string     `json:"note,omitempty"`
}

type EscalationRequest struct {
	ID             string           `json:"id"`
	ActorID        string           `json:"actor_id"`
	UnitID         string           `json:"unit_id"`
	Action         policy.Action    `json:"action"`
	Reason         string           `json:"reason,omitempty"`
	Status         EscalationStatus `json:"status" enum:"OPEN,ESCALATED,RESOLVED"`
	Chain          []EscalationStep `json:"chain"`
	CurrentHandler string           `json:"current_handler,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
)

type Violation struct {
	Rule             string   `json:"rule"`
	Severity         Severity `json:"severity" enum:"CRITICAL,HIGH,MEDIUM"`
	Message          string   `json:"message"`
	RequiredApprover string   `json:"required_approver,omitempty"`
}

func (r EscalationRequest) Clone() EscalationRequest {
	out := r
	if r.Chain != nil {
		out.Chain = make([]EscalationStep, len(r.Chain))
		copy(out.Chain, r.Chain)
	}
	return out
}
