// Package escalation routes denied or disputed actions to the authority that
// must decide them and records the hand-off chain.
package escalation

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"steward/internal/audit"
	"steward/internal/domain"
	"steward/internal/engine/auth"
	"steward/internal/policy"
	"steward/internal/registry"
)

type Router struct {
	// mu orders every escalation write and its audit entry.
	mu       sync.Mutex
	Registry *registry.Registry
	Access   *auth.Engine
	Store    Store
	Audit    *audit.Log
	Now      func() time.Time
	NewID    func() string
}

func New(reg *registry.Registry, access *auth.Engine, store Store, log *audit.Log) *Router {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Router{
		Registry: reg,
		Access:   access,
		Store:    store,
		Audit:    log,
		Now:      time.Now,
		NewID:    func() string { return uuid.NewString() },
	}
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// ResolveEscalationTarget names the agent who decides action in unitID: the
// authority of the action's escalation category when it has one, then the
// unit's escalation target, then its primary agent, then the global default.
func (r *Router) ResolveEscalationTarget(unitID string, action policy.Action) (string, error) {
	if !action.Valid() {
		return "", domain.Errorf(domain.CodeInvalidAction, "action %q is not a known action", action)
	}
	var (
		unit    domain.UnitBinding
		hasUnit bool
	)
	if unitID != "" {
		if unit, hasUnit = r.Registry.Unit(unitID); !hasUnit {
			return "", domain.Errorf(domain.CodeUnknownUnit, "unit %q does not exist", unitID)
		}
	}
	if cat := action.Spec().Escalation; cat != "" && r.Registry.HasCategory(cat) {
		return r.Registry.Category(cat).Authority, nil
	}
	if hasUnit {
		if unit.EscalationTarget != "" {
			return unit.EscalationTarget, nil
		}
		if unit.PrimaryAgent != "" {
			return unit.PrimaryAgent, nil
		}
	}
	return r.Registry.DefaultAuthority(), nil
}

// ExecutionVerdict is an access verdict plus, on denial, who to escalate to.
type ExecutionVerdict struct {
	auth.Verdict
	EscalateTo string `json:"escalate_to,omitempty"`
}

// CanExecuteAction asks whether agent actorID may perform action in unitID
// on its own. It does not audit; the caller audits the eventual decision.
func (r *Router) CanExecuteAction(actorID, unitID string, action policy.Action) ExecutionVerdict {
	actor := domain.Actor{ID: actorID, Type: domain.ActorAgent}
	v := ExecutionVerdict{Verdict: r.Access.Evaluate(actor, action, unitID, auth.AccessContext{})}
	if v.Allowed {
		return v
	}
	if target, err := r.ResolveEscalationTarget(unitID, action); err == nil && target != actorID {
		v.EscalateTo = target
	} else if next, ok := r.Registry.EscalationTarget(actorID); ok {
		v.EscalateTo = next.ID
	}
	return v
}

// ProcessEscalation moves an escalation one hop up on behalf of by. A
// request without an id opens a new escalation raised by by and routed to
// the resolved escalation target. A request with an id forwards the stored
// escalation to its handler's nearest superior; only the current handler or
// an agent that outranks it may do so. Chain, status and handler are always
// taken from the store, never from req.
func (r *Router) ProcessEscalation(ctx context.Context, req domain.EscalationRequest, by domain.Actor) (domain.EscalationRequest, error) {
	if strings.TrimSpace(by.ID) == "" {
		return domain.EscalationRequest{}, domain.Errorf(domain.CodeInvalidRequest, "the escalating actor is required")
	}
	if req.ID != "" {
		return r.forward(ctx, req.ID, by)
	}
	return r.open(ctx, req, by)
}

func (r *Router) open(ctx context.Context, req domain.EscalationRequest, by domain.Actor) (domain.EscalationRequest, error) {
	if req.ActorID != "" && req.ActorID != by.ID {
		return domain.EscalationRequest{}, domain.Errorf(domain.CodeInvalidRequest, "%s cannot open an escalation for %s", by.ID, req.ActorID)
	}
	if (req.Status != "" && req.Status != domain.EscalationOpen) || len(req.Chain) > 0 || req.CurrentHandler != "" {
		return domain.EscalationRequest{}, domain.Errorf(domain.CodeInvalidRequest, "a new escalation carries no status, chain or handler")
	}
	if !req.Action.Valid() {
		return domain.EscalationRequest{}, domain.Errorf(domain.CodeInvalidAction, "action %q is not a known action", req.Action)
	}
	target, err := r.ResolveEscalationTarget(req.UnitID, req.Action)
	if err != nil {
		return domain.EscalationRequest{}, err
	}
	if target == by.ID {
		next, ok := r.Registry.EscalationTarget(by.ID)
		if !ok {
			return domain.EscalationRequest{}, domain.Errorf(domain.CodeNoEscalationTarget, "no authority above %s", by.ID)
		}
		target = next.ID
	}

	now := r.now()
	out := domain.EscalationRequest{
		ID:             r.NewID(),
		ActorID:        by.ID,
		UnitID:         req.UnitID,
		Action:         req.Action,
		Reason:         req.Reason,
		Status:         domain.EscalationEscalated,
		Chain:          []domain.EscalationStep{{Target: target, Timestamp: now, Status: domain.StepPending}},
		CurrentHandler: target,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Store.Save(ctx, out); err != nil {
		return domain.EscalationRequest{}, fmt.Errorf("save escalation: %w", err)
	}
	r.writeHop(out, policy.ActionEscalationCreate, by)
	return out, nil
}

func (r *Router) forward(ctx context.Context, id string, by domain.Actor) (domain.EscalationRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, err := r.Store.Update(ctx, id, func(esc *domain.EscalationRequest) error {
		if esc.Status != domain.EscalationEscalated || len(esc.Chain) == 0 {
			return domain.Errorf(domain.CodeInvalidState, "escalation %s is %s, not ESCALATED", esc.ID, esc.Status)
		}
		if err := r.authorizeHandler(ctx, by, esc.CurrentHandler); err != nil {
			return err
		}
		next, ok := r.Registry.EscalationTarget(esc.CurrentHandler)
		if !ok {
			return domain.Errorf(domain.CodeNoEscalationTarget, "no authority above %s", esc.CurrentHandler)
		}
		now := r.now()
		last := &esc.Chain[len(esc.Chain)-1]
		if last.Status == domain.StepPending {
			last.Status = domain.StepForwarded
			last.DecidedBy = by.ID
		}
		esc.Chain = append(esc.Chain, domain.EscalationStep{Target: next.ID, Timestamp: now, Status: domain.StepPending})
		esc.CurrentHandler = next.ID
		esc.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.EscalationRequest{}, err
	}
	r.writeHop(out, policy.ActionEscalationProcessed, by)
	return out, nil
}

// ResolveEscalation records by's decision on the pending step of the stored
// escalation id. by must be the current handler or outrank it.
func (r *Router) ResolveEscalation(ctx context.Context, id string, by domain.Actor, approve bool, note string) (domain.EscalationRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, err := r.Store.Update(ctx, id, func(esc *domain.EscalationRequest) error {
		if esc.Status != domain.EscalationEscalated || len(esc.Chain) == 0 {
			return domain.Errorf(domain.CodeInvalidState, "escalation %s is %s, not ESCALATED", esc.ID, esc.Status)
		}
		if err := r.authorizeHandler(ctx, by, esc.CurrentHandler); err != nil {
			return err
		}
		last := &esc.Chain[len(esc.Chain)-1]
		last.DecidedBy = by.ID
		last.Note = note
		if approve {
			last.Status = domain.StepApproved
		} else {
			last.Status = domain.StepRejected
		}
		esc.Status = domain.EscalationResolved
		esc.UpdatedAt = r.now()
		return nil
	})
	if err != nil {
		return domain.EscalationRequest{}, err
	}

	r.write(domain.AuditEntry{
		Action: string(policy.ActionEscalationResolve),
		Actor:  by.String(),
		Target: out.ID,
		Details: map[string]any{
			"approved": approve,
			"action":   string(out.Action),
			"unit":     out.UnitID,
			"handler":  out.CurrentHandler,
			"note":     note,
		},
		Result:    domain.ResultSuccess,
		RiskScore: audit.RiskScore(policy.ActionEscalationResolve, true, r.regulatory(out.UnitID)),
	})
	return out, nil
}

func (r *Router) GetEscalation(ctx context.Context, id string) (domain.EscalationRequest, error) {
	return r.Store.Get(ctx, id)
}

func (r *Router) ListEscalations(ctx context.Context, f ListFilter) ([]domain.EscalationRequest, error) {
	return r.Store.List(ctx, f)
}

// authorizeHandler lets by act on an escalation held by handler.
func (r *Router) authorizeHandler(ctx context.Context, by domain.Actor, handler string) error {
	if by.ID == handler {
		return nil
	}
	if d := r.ValidateOverride(ctx, by.ID, handler); !d.Allowed {
		return domain.Errorf(domain.CodeOverrideDenied, "%s", d.Reason)
	}
	return nil
}

func (r *Router) writeHop(esc domain.EscalationRequest, action policy.Action, by domain.Actor) {
	r.write(domain.AuditEntry{
		Action: string(action),
		Actor:  by.String(),
		Target: esc.CurrentHandler,
		Details: map[string]any{
			"escalation_id": esc.ID,
			"unit":          esc.UnitID,
			"action":        string(esc.Action),
			"hop":           len(esc.Chain),
			"reason":        esc.Reason,
		},
		Result:    domain.ResultSuccess,
		RiskScore: audit.RiskScore(action, true, r.regulatory(esc.UnitID)),
	})
}

// OverrideDecision is the outcome of ValidateOverride.
type OverrideDecision struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason"`
	ActorRank   int    `json:"actor_rank,omitempty"`
	TargetRank  int    `json:"target_rank,omitempty"`
	ActorID     string `json:"actor_id"`
	TargetID    string `json:"target_id"`
	VetoCapable bool   `json:"veto_capable"`
}

// ValidateOverride allows actorID to override targetID iff it holds strictly
// more authority. The decision is audited.
func (r *Router) ValidateOverride(ctx context.Context, actorID, targetID string) OverrideDecision {
	d := OverrideDecision{ActorID: actorID, TargetID: targetID}
	actor, aok := r.Registry.Agent(actorID)
	target, tok := r.Registry.Agent(targetID)
	switch {
	case !aok:
		d.Reason = fmt.Sprintf("unknown agent %q", actorID)
	case !tok:
		d.Reason = fmt.Sprintf("unknown agent %q", targetID)
	default:
		d.ActorRank, d.TargetRank = actor.Rank, target.Rank
		d.VetoCapable = r.Registry.IsVetoTier(actorID)
		if r.Registry.CanOverride(actorID, targetID) {
			d.Allowed = true
			d.Reason = fmt.Sprintf("%s (rank %d) outranks %s (rank %d)", actorID, actor.Rank, targetID, target.Rank)
		} else {
			d.Reason = fmt.Sprintf("%s (rank %d) cannot override %s (rank %d)", actorID, actor.Rank, targetID, target.Rank)
		}
	}
	result := domain.ResultAllowed
	if !d.Allowed {
		result = domain.ResultDenied
	}
	r.write(domain.AuditEntry{
		Action:    string(policy.ActionOverrideValidate),
		Actor:     domain.Actor{ID: actorID, Type: domain.ActorAgent}.String(),
		Target:    targetID,
		Details:   map[string]any{"reason": d.Reason},
		Result:    result,
		RiskScore: audit.RiskScore(policy.ActionOverrideValidate, d.Allowed, policy.Unregulated),
	})
	return d
}

// EscalationPath lists every hierarchy level above actorID, nearest first.
func (r *Router) EscalationPath(actorID string) []domain.AgentDescriptor {
	return r.Registry.EscalationPath(actorID)
}

// PolicyContext is what CheckPolicyViolations knows about a proposed
// action.
type PolicyContext struct {
	ActorID       string   `json:"actor_id,omitempty"`
	UnitID        string   `json:"unit_id,omitempty"`
	Environment   string   `json:"environment,omitempty"`
	Approvals     []string `json:"approvals,omitempty"`
	HumanApproved bool     `json:"human_approved,omitempty"`
}

// Violation rule names.
const (
	RuleProductionDeploySignoff = "production-deploy-signoff"
	RuleSchemaMigrationSignoff  = "schema-migration-signoff"
	RuleTokenomicsSignoff       = "tokenomics-signoff"
	RuleRegulatedHumanApproval  = "regulated-human-approval"
	RuleOverrideVetoTier        = "override-requires-veto-tier"
	RuleAssistOnlyMutation      = "assist-only-mutation"
)

// CheckPolicyViolations evaluates the fixed hard gates for action and
// returns every violation found.
func (r *Router) CheckPolicyViolations(action policy.Action, pctx PolicyContext) ([]domain.Violation, error) {
	spec, ok := policy.Lookup(action)
	if !ok {
		return nil, domain.Errorf(domain.CodeInvalidAction, "action %q is not a known action", action)
	}
	var (
		unit    domain.UnitBinding
		hasUnit bool
	)
	if pctx.UnitID != "" {
		unit, hasUnit = r.Registry.Unit(pctx.UnitID)
		if !hasUnit {
			return nil, domain.Errorf(domain.CodeUnknownUnit, "unit %q does not exist", pctx.UnitID)
		}
	}
	top, _ := r.Registry.TopAuthority()
	signed := func(agentID string) bool { return agentID != "" && slices.Contains(pctx.Approvals, agentID) }

	var out []domain.Violation
	if action == policy.ActionDeployExecute && strings.EqualFold(pctx.Environment, auth.EnvProduction) && !signed(top.ID) {
		out = append(out, domain.Violation{
			Rule:             RuleProductionDeploySignoff,
			Severity:         domain.SeverityCritical,
			Message:          fmt.Sprintf("production deployment requires sign-off from %s", top.ID),
			RequiredApprover: top.ID,
		})
	}
	if action == policy.ActionSchemaMigrate {
		arch := r.Registry.Category(policy.CategoryArchitecture).Authority
		if !signed(arch) {
			out = append(out, domain.Violation{
				Rule:             RuleSchemaMigrationSignoff,
				Severity:         domain.SeverityHigh,
				Message:          fmt.Sprintf("schema migration requires sign-off from %s", arch),
				RequiredApprover: arch,
			})
		}
	}
	if action == policy.ActionTokenomicsUpdate && !signed(top.ID) {
		out = append(out, domain.Violation{
			Rule:             RuleTokenomicsSignoff,
			Severity:         domain.SeverityCritical,
			Message:          fmt.Sprintf("tokenomics change requires sign-off from %s", top.ID),
			RequiredApprover: top.ID,
		})
	}
	if spec.Mutation && hasUnit && unit.Regulatory == policy.HighlyRegulated && !pctx.HumanApproved {
		out = append(out, domain.Violation{
			Rule:     RuleRegulatedHumanApproval,
			Severity: domain.SeverityHigh,
			Message:  fmt.Sprintf("%s in highly regulated unit %s requires human approval", action, unit.UnitID),
		})
	}
	if action == policy.ActionPolicyOverride && !r.Registry.IsVetoTier(pctx.ActorID) {
		out = append(out, domain.Violation{
			Rule:             RuleOverrideVetoTier,
			Severity:         domain.SeverityCritical,
			Message:          fmt.Sprintf("%q is not veto-tier and may not override policy", pctx.ActorID),
			RequiredApprover: top.ID,
		})
	}
	if spec.Mutation && hasUnit && unit.Autonomy == policy.AssistOnly {
		approver, _ := r.ResolveEscalationTarget(unit.UnitID, action)
		out = append(out, domain.Violation{
			Rule:             RuleAssistOnlyMutation,
			Severity:         domain.SeverityMedium,
			Message:          fmt.Sprintf("unit %s is ASSIST_ONLY; %s needs a supervising decision", unit.UnitID, action),
			RequiredApprover: approver,
		})
	}
	return out, nil
}

func (r *Router) write(e domain.AuditEntry) {
	if r.Audit != nil {
		r.Audit.Write(e)
	}
}

func (r *Router) regulatory(unitID string) policy.Regulatory {
	if u, ok := r.Registry.Unit(unitID); ok {
		return u.Regulatory
	}
	return policy.Unregulated
}
