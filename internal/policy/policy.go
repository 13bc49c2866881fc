// Package policy holds the closed vocabularies shared by every governance
// component: actions, autonomy levels, review categories and the fixed tables
// keyed by them. Nothing here is mutable after package initialization.
package policy

import (
	"fmt"
	"sort"
	"strings"
)

// Autonomy is the per-unit ceiling on what an agent may execute unsupervised.
type Autonomy string

const (
	AssistOnly Autonomy = "ASSIST_ONLY"
	Partial    Autonomy = "PARTIAL"
	Full       Autonomy = "FULL"
)

var autonomyRank = map[Autonomy]int{
	AssistOnly: 0,
	Partial:    1,
	Full:       2,
}

// Rank orders autonomy levels ASSIST_ONLY < PARTIAL < FULL. Unknown levels
// rank below ASSIST_ONLY so they never satisfy a requirement.
func (a Autonomy) Rank() int {
	if r, ok := autonomyRank[a]; ok {
		return r
	}
	return -1
}

// Satisfies reports whether a unit configured at a permits an action that
// requires min.
func (a Autonomy) Satisfies(min Autonomy) bool {
	return a.Rank() >= min.Rank()
}

func (a Autonomy) Valid() bool {
	_, ok := autonomyRank[a]
	return ok
}

// ParseAutonomy accepts the canonical names case-insensitively.
func ParseAutonomy(s string) (Autonomy, error) {
	a := Autonomy(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown autonomy level %q", s)
	}
	return a, nil
}

// Regulatory tags a unit whose actions carry extra audit risk.
type Regulatory string

const (
	Unregulated     Regulatory = ""
	Regulated       Regulatory = "REGULATED"
	HighlyRegulated Regulatory = "HIGHLY_REGULATED"
)

func (r Regulatory) Valid() bool {
	return r == Unregulated || r == Regulated || r == HighlyRegulated
}

// Category names a review/escalation domain. The category table in the policy
// document maps each one to an authority and a reviewer set.
type Category string

const (
	CategoryArchitecture Category = "ARCHITECTURE"
	CategoryUI           Category = "UI"
	CategoryRelease      Category = "RELEASE"
	CategoryTokenomics   Category = "TOKENOMICS"
	CategoryLocalization Category = "LOCALIZATION"
	CategoryResearch     Category = "RESEARCH"
	CategoryAnalytics    Category = "ANALYTICS"
	CategoryConfig       Category = "CONFIG"
	CategoryContent      Category = "CONTENT"
	CategoryCode         Category = "CODE"
	CategoryGeneral      Category = "GENERAL"
)

// DefaultCategory is used when a request names no category and no file
// matches the taxonomy.
const DefaultCategory = CategoryGeneral

var categories = []Category{
	CategoryArchitecture,
	CategoryUI,
	CategoryRelease,
	CategoryTokenomics,
	CategoryLocalization,
	CategoryResearch,
	CategoryAnalytics,
	CategoryConfig,
	CategoryContent,
	CategoryCode,
	CategoryGeneral,
}

// Categories returns every known category in declaration order.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

func (c Category) Valid() bool {
	for _, k := range categories {
		if k == c {
			return true
		}
	}
	return false
}

// ParseCategory is strict: unknown names are an error, not a fallback.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// Action is a namespaced "<resource>:<verb>" string drawn from a closed set.
type Action string

const (
	ActionCodeRead            Action = "code:read"
	ActionCodeGenerate        Action = "code:generate"
	ActionCodeReview          Action = "code:review"
	ActionCodeMerge           Action = "code:merge"
	ActionDeployExecute       Action = "deploy:execute"
	ActionDeployRollback      Action = "deploy:rollback"
	ActionSchemaMigrate       Action = "schema:migrate"
	ActionArchitectureChange  Action = "architecture:change"
	ActionDesignUpdate        Action = "design:update"
	ActionContentPublish      Action = "content:publish"
	ActionResearchPublish     Action = "research:publish"
	ActionLocalizationUpdate  Action = "localization:update"
	ActionAnalyticsModel      Action = "analytics:model"
	ActionTokenomicsUpdate    Action = "tokenomics:update"
	ActionConfigUpdate        Action = "config:update"
	ActionPolicyOverride      Action = "policy:override"
	ActionChatReply           Action = "chat:reply"
	ActionAuditRead           Action = "audit:read"
	ActionReviewCreate        Action = "review:create"
	ActionReviewSubmit        Action = "review:submit"
	ActionReviewMerge         Action = "review:merge"
	ActionReviewClose         Action = "review:close"
	ActionEscalationCreate    Action = "escalation:create"
	ActionEscalationResolve   Action = "escalation:resolve"
	ActionAccessCheck         Action = "access:check"
	ActionOverrideValidate    Action = "override:validate"
	ActionReviewBlock         Action = "review:block"
	ActionEscalationProcessed Action = "escalation:process"
)

// ActionSpec is the fixed row for one action.
type ActionSpec struct {
	// MinAutonomy is the lowest unit autonomy at which an agent may perform
	// the action.
	MinAutonomy Autonomy
	// BaseRisk seeds the audit risk score.
	BaseRisk int
	// Escalation is the category whose authority decides disputes about the
	// action. Empty means no fixed rule.
	Escalation Category
	// Mutation marks actions that change state outside the core.
	Mutation bool
}

var actionTable = map[Action]ActionSpec{
	ActionCodeRead:            {MinAutonomy: AssistOnly, BaseRisk: 5},
	ActionCodeGenerate:        {MinAutonomy: Partial, BaseRisk: 30, Escalation: CategoryCode, Mutation: true},
	ActionCodeReview:          {MinAutonomy: AssistOnly, BaseRisk: 10},
	ActionCodeMerge:           {MinAutonomy: Full, BaseRisk: 50, Escalation: CategoryCode, Mutation: true},
	ActionDeployExecute:       {MinAutonomy: Full, BaseRisk: 80, Escalation: CategoryRelease, Mutation: true},
	ActionDeployRollback:      {MinAutonomy: Full, BaseRisk: 70, Escalation: CategoryRelease, Mutation: true},
	ActionSchemaMigrate:       {MinAutonomy: Full, BaseRisk: 75, Escalation: CategoryArchitecture, Mutation: true},
	ActionArchitectureChange:  {MinAutonomy: Partial, BaseRisk: 60, Escalation: CategoryArchitecture, Mutation: true},
	ActionDesignUpdate:        {MinAutonomy: Partial, BaseRisk: 25, Escalation: CategoryUI, Mutation: true},
	ActionContentPublish:      {MinAutonomy: Partial, BaseRisk: 35, Escalation: CategoryContent, Mutation: true},
	ActionResearchPublish:     {MinAutonomy: Partial, BaseRisk: 30, Escalation: CategoryResearch, Mutation: true},
	ActionLocalizationUpdate:  {MinAutonomy: Partial, BaseRisk: 20, Escalation: CategoryLocalization, Mutation: true},
	ActionAnalyticsModel:      {MinAutonomy: Partial, BaseRisk: 40, Escalation: CategoryAnalytics, Mutation: true},
	ActionTokenomicsUpdate:    {MinAutonomy: Full, BaseRisk: 85, Escalation: CategoryTokenomics, Mutation: true},
	ActionConfigUpdate:        {MinAutonomy: Partial, BaseRisk: 45, Escalation: CategoryConfig, Mutation: true},
	ActionPolicyOverride:      {MinAutonomy: Full, BaseRisk: 90, Escalation: CategoryRelease, Mutation: true},
	ActionChatReply:           {MinAutonomy: AssistOnly, BaseRisk: 5},
	ActionAuditRead:           {MinAutonomy: AssistOnly, BaseRisk: 5},
	ActionReviewCreate:        {MinAutonomy: AssistOnly, BaseRisk: 10},
	ActionReviewSubmit:        {MinAutonomy: AssistOnly, BaseRisk: 10},
	ActionReviewMerge:         {MinAutonomy: Partial, BaseRisk: 40, Escalation: CategoryCode, Mutation: true},
	ActionReviewClose:         {MinAutonomy: AssistOnly, BaseRisk: 10},
	ActionReviewBlock:         {MinAutonomy: AssistOnly, BaseRisk: 30},
	ActionEscalationCreate:    {MinAutonomy: AssistOnly, BaseRisk: 15},
	ActionEscalationProcessed: {MinAutonomy: AssistOnly, BaseRisk: 15},
	ActionEscalationResolve:   {MinAutonomy: AssistOnly, BaseRisk: 20},
	ActionAccessCheck:         {MinAutonomy: AssistOnly, BaseRisk: 10},
	ActionOverrideValidate:    {MinAutonomy: AssistOnly, BaseRisk: 25},
}

// Lookup returns the fixed row for a. The boolean is false for actions
// outside the closed set.
func Lookup(a Action) (ActionSpec, bool) {
	spec, ok := actionTable[a]
	return spec, ok
}

func (a Action) Valid() bool {
	_, ok := actionTable[a]
	return ok
}

// Resource is the part before the colon.
func (a Action) Resource() string {
	res, _, _ := strings.Cut(string(a), ":")
	return res
}

// Spec returns the row for a, or a zero-risk ASSIST_ONLY row when a is not
// part of the closed set.
func (a Action) Spec() ActionSpec {
	if spec, ok := actionTable[a]; ok {
		return spec
	}
	return ActionSpec{MinAutonomy: AssistOnly}
}

// ParseAction rejects anything outside the closed set. Matching is exact:
// an action merely containing a known resource name does not match.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// Actions lists the closed set in lexical order.
func Actions() []Action {
	out := make([]Action, 0, len(actionTable))
	for a := range actionTable {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Wildcard grants every action when present in a role's permission set.
const Wildcard = "*"
