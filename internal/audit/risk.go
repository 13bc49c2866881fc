package audit

import (
	"steward/internal/domain"
	"steward/internal/policy"
)

const (
	FailurePenalty         = 20
	RegulatedPenalty       = 10
	HighlyRegulatedPenalty = 20
)

// RiskScore derives a score in [0,100] from the action's base risk, the
// outcome and the regulatory tag of the target unit.
func RiskScore(action policy.Action, success bool, reg policy.Regulatory) int {
	score := action.Spec().BaseRisk
	if !success {
		score += FailurePenalty
	}
	switch reg {
	case policy.Regulated:
		score += RegulatedPenalty
	case policy.HighlyRegulated:
		score += HighlyRegulatedPenalty
	}
	return clamp(score)
}

// AIAction describes something an agent did, as opposed to a decision the
// core made about it.
type AIAction struct {
	Actor      domain.Actor
	Action     policy.Action
	Target     string
	Regulatory policy.Regulatory
	Success    bool
	Details    map[string]any
}

// LogAIAction records an agent action with a derived risk score.
func (l *Log) LogAIAction(a AIAction) domain.AuditEntry {
	result := domain.ResultSuccess
	if !a.Success {
		result = domain.ResultFailure
	}
	details := copyDetails(a.Details)
	if a.Regulatory != policy.Unregulated {
		if details == nil {
			details = map[string]any{}
		}
		details["regulatory"] = string(a.Regulatory)
	}
	return l.Write(domain.AuditEntry{
		Action:    string(a.Action),
		Actor:     a.Actor.String(),
		Target:    a.Target,
		Details:   details,
		Result:    result,
		RiskScore: RiskScore(a.Action, a.Success, a.Regulatory),
	})
}
