package auth

import (
	"context"
	"fmt"
	"slices"

	"steward/internal/audit"
	"steward/internal/domain"
	"steward/internal/policy"
	"steward/internal/registry"
)

// EnvProduction is the environment name the no_production constraint
// guards.
const EnvProduction = "production"

// AccessContext carries the per-request facts role constraints are
// evaluated against.
type AccessContext struct {
	Environment   string   `json:"environment,omitempty"`
	VetoedBy      []string `json:"vetoed_by,omitempty"`
	HumanApproved bool     `json:"human_approved,omitempty"`
	Approvals     []string `json:"approvals,omitempty"`
}

type Verdict struct {
	Allowed  bool            `json:"allowed"`
	Reason   string          `json:"reason"`
	Code     domain.Code     `json:"code,omitempty"`
	Role     string          `json:"role,omitempty"`
	Autonomy policy.Autonomy `json:"autonomy,omitempty"`
}

// AccessError is returned by EnforceAccess on denial. errors.Is matches it
// against a *domain.Error with the same code.
type AccessError struct {
	Code   domain.Code
	Reason string
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *AccessError) Is(target error) bool {
	switch t := target.(type) {
	case *AccessError:
		return t.Code == e.Code
	case *domain.Error:
		return t.Code == e.Code
	}
	return false
}

// Observer is notified of every verdict after it has been audited.
type Observer interface {
	ObserveAccess(ctx context.Context, actor domain.Actor, action policy.Action, v Verdict)
}

// Engine decides access against the static registry and audits every call.
type Engine struct {
	Registry *registry.Registry
	Audit    *audit.Log
	Observer Observer
}

func New(reg *registry.Registry, log *audit.Log) *Engine {
	return &Engine{Registry: reg, Audit: log}
}

// CheckAccess evaluates the request, writes exactly one audit entry and
// returns the verdict.
func (e *Engine) CheckAccess(ctx context.Context, actor domain.Actor, action policy.Action, unitID string, ac AccessContext) Verdict {
	v := e.Evaluate(actor, action, unitID, ac)
	e.record(actor, action, unitID, v)
	if e.Observer != nil {
		e.Observer.ObserveAccess(ctx, actor, action, v)
	}
	return v
}

// EnforceAccess is CheckAccess for request boundaries: a denial becomes an
// *AccessError carrying the same code and reason.
func (e *Engine) EnforceAccess(ctx context.Context, actor domain.Actor, action policy.Action, unitID string, ac AccessContext) (Verdict, error) {
	v := e.CheckAccess(ctx, actor, action, unitID, ac)
	if !v.Allowed {
		return v, &AccessError{Code: v.Code, Reason: v.Reason}
	}
	return v, nil
}

// Evaluate is the pure decision. It neither audits nor notifies.
func (e *Engine) Evaluate(actor domain.Actor, action policy.Action, unitID string, ac AccessContext) Verdict {
	if !actor.Type.Valid() {
		return deny(domain.CodeInvalidActorType, "actor type %q is not AGENT or HUMAN", actor.Type)
	}
	spec, ok := policy.Lookup(action)
	if !ok {
		return deny(domain.CodeInvalidAction, "action %q is not a known action", action)
	}
	var (
		unit    domain.UnitBinding
		hasUnit bool
	)
	if unitID != "" {
		unit, hasUnit = e.Registry.Unit(unitID)
		if !hasUnit {
			return deny(domain.CodeUnknownUnit, "unit %q does not exist", unitID)
		}
	}

	role, ok := e.Registry.ResolveRole(actor)
	if !ok {
		return deny(domain.CodeNoRole, "no role resolves for %s", actor)
	}
	if !role.Allows(action) {
		v := deny(domain.CodePermissionDenied, "role %s does not grant %s", role.ID, action)
		v.Role = role.ID
		return v
	}
	if hasUnit && actor.Type == domain.ActorAgent && !unit.Autonomy.Satisfies(spec.MinAutonomy) {
		v := deny(domain.CodeInsufficientAutonomy, "%s requires %s autonomy; unit %s is %s", action, spec.MinAutonomy, unit.UnitID, unit.Autonomy)
		v.Role, v.Autonomy = role.ID, unit.Autonomy
		return v
	}
	if hasUnit && actor.Type == domain.ActorAgent && !unit.Binds(actor.ID) {
		v := deny(domain.CodeNotAuthorizedDepartment, "%s is not assigned to unit %s", actor.ID, unit.UnitID)
		v.Role, v.Autonomy = role.ID, unit.Autonomy
		return v
	}
	if reason, violated := e.violatedConstraint(role, spec, ac); violated {
		v := deny(domain.CodeConstraintViolation, "role %s: %s", role.ID, reason)
		v.Role, v.Autonomy = role.ID, unit.Autonomy
		return v
	}

	v := Verdict{Allowed: true, Role: role.ID, Autonomy: unit.Autonomy}
	if hasUnit {
		v.Reason = fmt.Sprintf("%s allowed in %s at %s autonomy", action, unit.UnitID, unit.Autonomy)
	} else {
		v.Reason = fmt.Sprintf("%s allowed", action)
	}
	return v
}

func (e *Engine) violatedConstraint(role domain.Role, spec policy.ActionSpec, ac AccessContext) (string, bool) {
	for _, c := range role.Constraints {
		switch c.Kind {
		case domain.ConstraintDeferTo:
			authority := c.Agent
			if c.Category != "" {
				authority = e.Registry.Category(c.Category).Authority
			}
			if authority != "" && slices.Contains(ac.VetoedBy, authority) {
				return fmt.Sprintf("vetoed by %s", authority), true
			}
		case domain.ConstraintRequireHumanApproval:
			if spec.Mutation && !ac.HumanApproved {
				return "human approval required", true
			}
		case domain.ConstraintReadOnly:
			if spec.Mutation {
				return "read-only role may not mutate", true
			}
		case domain.ConstraintNoProduction:
			if spec.Mutation && ac.Environment == EnvProduction {
				return "mutation in production is not permitted", true
			}
		}
	}
	return "", false
}

func (e *Engine) record(actor domain.Actor, action policy.Action, unitID string, v Verdict) {
	if e.Audit == nil {
		return
	}
	result := domain.ResultAllowed
	if !v.Allowed {
		result = domain.ResultDenied
	}
	details := map[string]any{
		"check":  string(policy.ActionAccessCheck),
		"reason": v.Reason,
	}
	if v.Code != "" {
		details["code"] = string(v.Code)
	}
	if v.Role != "" {
		details["role"] = v.Role
	}
	if v.Autonomy != "" {
		details["autonomy"] = string(v.Autonomy)
	}
	var reg policy.Regulatory
	if u, ok := e.Registry.Unit(unitID); ok {
		reg = u.Regulatory
	}
	e.Audit.Write(domain.AuditEntry{
		Action:    string(action),
		Actor:     actor.String(),
		Target:    unitID,
		Details:   details,
		Result:    result,
		RiskScore: audit.RiskScore(action, v.Allowed, reg),
	})
}

func deny(code domain.Code, format string, args ...any) Verdict {
	return Verdict{Code: code, Reason: fmt.Sprintf(format, args...)}
}
