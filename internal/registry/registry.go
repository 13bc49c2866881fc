// Package registry holds the static governance tables: agents, organization
// units, roles, the authority hierarchy and the canonical category policy.
// A Registry is built once by Load and is read-only afterwards, so it may be
// shared by any number of goroutines without locking.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/policy"
)

// CategoryPolicy is one row of the canonical category table.
type CategoryPolicy struct {
	Category  policy.Category `json:"category"`
	Authority string          `json:"authority"`
	Required  []string        `json:"required"`
	Optional  []string        `json:"optional,omitempty"`
}

type Registry struct {
	orgID            string
	orgName          string
	agents           map[string]domain.AgentDescriptor
	agentNames       map[string]string
	units            map[string]domain.UnitBinding
	children         map[string][]string
	roles            map[string]domain.Role
	roleByAgent      map[string]string
	roleByClass      map[string]string
	roleByHuman      map[string]string
	hierarchy        []string
	vetoMaxRank      int
	defaultAuthority string
	categories       map[policy.Category]CategoryPolicy
}

// Load validates cfg and builds the registry. Every structural problem found
// is reported; any problem aborts the load.
func Load(cfg *config.Config) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("registry: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	r := &Registry{
		orgID:            cfg.Organization.ID,
		orgName:          cfg.Organization.Name,
		agents:           map[string]domain.AgentDescriptor{},
		agentNames:       map[string]string{},
		units:            map[string]domain.UnitBinding{},
		children:         map[string][]string{},
		roles:            map[string]domain.Role{},
		roleByAgent:      map[string]string{},
		roleByClass:      map[string]string{},
		roleByHuman:      map[string]string{},
		vetoMaxRank:      cfg.Hierarchy.VetoMaxRank,
		defaultAuthority: cfg.Hierarchy.DefaultAuthority,
		categories:       map[policy.Category]CategoryPolicy{},
	}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	ranks := map[int]string{}
	for _, a := range cfg.Agents {
		if _, dup := r.agents[a.ID]; dup {
			fail("duplicate agent id %q", a.ID)
			continue
		}
		if other, dup := ranks[a.Rank]; dup {
			fail("agents %q and %q share rank %d; ranks must form a strict total order", other, a.ID, a.Rank)
		}
		ranks[a.Rank] = a.ID
		name := a.Name
		if name == "" {
			name = a.ID
		}
		key := strings.ToLower(name)
		if other, dup := r.agentNames[key]; dup {
			fail("agents %q and %q share name %q", other, a.ID, name)
		}
		r.agentNames[key] = a.ID
		r.agents[a.ID] = domain.AgentDescriptor{
			ID:            a.ID,
			Name:          name,
			RoleClass:     a.RoleClass,
			AuthorityTags: append([]string(nil), a.Authority...),
			Rank:          a.Rank,
			Units:         append([]string(nil), a.Units...),
		}
	}
	knownAgent := func(field, id string) {
		if id == "" {
			return
		}
		if _, ok := r.agents[id]; !ok {
			fail("%s references unknown agent %q", field, id)
		}
	}

	for _, u := range cfg.Units {
		if _, dup := r.units[u.ID]; dup {
			fail("duplicate unit id %q", u.ID)
			continue
		}
		autonomy, _ := policy.ParseAutonomy(u.Autonomy)
		b := domain.UnitBinding{
			UnitID:           u.ID,
			Name:             u.Name,
			Parent:           u.Parent,
			PrimaryAgent:     u.Primary,
			SecondaryAgent:   u.Secondary,
			ExecutionAgent:   u.Execution,
			EscalationTarget: u.Escalation,
			Autonomy:         autonomy,
			Regulatory:       policy.Regulatory(strings.ToUpper(u.Regulatory)),
		}
		if b.Name == "" {
			b.Name = b.UnitID
		}
		knownAgent("unit "+u.ID+" primary", u.Primary)
		knownAgent("unit "+u.ID+" secondary", u.Secondary)
		knownAgent("unit "+u.ID+" execution", u.Execution)
		knownAgent("unit "+u.ID+" escalation", u.Escalation)
		r.units[u.ID] = b
	}
	for id, u := range r.units {
		if u.Parent == "" {
			continue
		}
		if _, ok := r.units[u.Parent]; !ok {
			fail("unit %q has unknown parent %q", id, u.Parent)
			continue
		}
		r.children[u.Parent] = append(r.children[u.Parent], id)
	}
	for id := range r.units {
		if r.inCycle(id) {
			fail("unit %q is part of a parent cycle", id)
		}
	}
	for parent := range r.children {
		sort.Strings(r.children[parent])
	}

	// Agent unit membership is the declared list plus every unit binding.
	for id, a := range r.agents {
		seen := map[string]bool{}
		var units []string
		for _, u := range a.Units {
			if _, ok := r.units[u]; !ok {
				fail("agent %q lists unknown unit %q", id, u)
				continue
			}
			if !seen[u] {
				seen[u] = true
				units = append(units, u)
			}
		}
		for uid, u := range r.units {
			if u.Binds(id) && !seen[uid] {
				seen[uid] = true
				units = append(units, uid)
			}
		}
		sort.Strings(units)
		a.Units = units
		r.agents[id] = a
	}

	for _, rc := range cfg.Roles {
		if _, dup := r.roles[rc.ID]; dup {
			fail("duplicate role id %q", rc.ID)
			continue
		}
		role := domain.Role{
			ID:          rc.ID,
			Description: rc.Description,
			Permissions: normalizePermissions(rc.Permissions),
			Level:       rc.Level,
			Agents:      append([]string(nil), rc.Agents...),
			Classes:     append([]string(nil), rc.Classes...),
			Humans:      append([]string(nil), rc.Humans...),
		}
		for _, c := range rc.Constraints {
			con := domain.Constraint{Kind: domain.ConstraintKind(c.Kind), Agent: c.Agent}
			if c.Category != "" {
				con.Category, _ = policy.ParseCategory(c.Category)
			}
			knownAgent("role "+rc.ID+" constraint", c.Agent)
			role.Constraints = append(role.Constraints, con)
		}
		for _, a := range rc.Agents {
			knownAgent("role "+rc.ID+" binding", a)
			bind(r.roleByAgent, "agent", a, rc.ID, fail)
		}
		for _, c := range rc.Classes {
			bind(r.roleByClass, "role class", c, rc.ID, fail)
		}
		for _, h := range rc.Humans {
			bind(r.roleByHuman, "human role", h, rc.ID, fail)
		}
		r.roles[rc.ID] = role
	}

	r.hierarchy = r.buildHierarchy(cfg.Hierarchy.Order, fail)
	knownAgent("hierarchy.default_authority", cfg.Hierarchy.DefaultAuthority)

	for cat, entry := range cfg.Categories {
		field := "category " + string(cat)
		knownAgent(field+" authority", entry.Authority)
		for _, a := range entry.Required {
			knownAgent(field+" required", a)
		}
		for _, a := range entry.Optional {
			knownAgent(field+" optional", a)
		}
		r.categories[cat] = CategoryPolicy{
			Category:  cat,
			Authority: entry.Authority,
			Required:  dedupe(entry.Required),
			Optional:  subtract(dedupe(entry.Optional), entry.Required),
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("registry: invalid policy: %w", errors.Join(errs...))
	}
	return r, nil
}

func bind(m map[string]string, kind, key, roleID string, fail func(string, ...any)) {
	if prev, dup := m[key]; dup && prev != roleID {
		fail("%s %q is bound to both role %q and role %q", kind, key, prev, roleID)
		return
	}
	m[key] = roleID
}

func (r *Registry) inCycle(start string) bool {
	seen := map[string]bool{}
	for cur := start; cur != ""; {
		if seen[cur] {
			return true
		}
		seen[cur] = true
		u, ok := r.units[cur]
		if !ok {
			return false
		}
		cur = u.Parent
	}
	return false
}

// buildHierarchy returns the explicit order, or every agent by rank when the
// document leaves it empty. The order must run strictly from most to least
// authority.
func (r *Registry) buildHierarchy(order []string, fail func(string, ...any)) []string {
	if len(order) == 0 {
		out := make([]string, 0, len(r.agents))
		for id := range r.agents {
			out = append(out, id)
		}
		sort.Slice(out, func(i, j int) bool { return r.agents[out[i]].Rank < r.agents[out[j]].Rank })
		return out
	}
	out := make([]string, 0, len(order))
	seen := map[string]bool{}
	prevRank := 0
	for _, id := range order {
		a, ok := r.agents[id]
		if !ok {
			fail("hierarchy references unknown agent %q", id)
			continue
		}
		if seen[id] {
			fail("hierarchy lists agent %q twice", id)
			continue
		}
		seen[id] = true
		if len(out) > 0 && a.Rank <= prevRank {
			fail("hierarchy is out of rank order at %q (rank %d after %d)", id, a.Rank, prevRank)
		}
		prevRank = a.Rank
		out = append(out, id)
	}
	return out
}

func normalizePermissions(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func subtract(in, remove []string) []string {
	drop := map[string]bool{}
	for _, s := range remove {
		drop[s] = true
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !drop[s] {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) OrganizationID() string   { return r.orgID }
func (r *Registry) OrganizationName() string { return r.orgName }
func (r *Registry) VetoMaxRank() int         { return r.vetoMaxRank }
func (r *Registry) DefaultAuthority() string { return r.defaultAuthority }

func (r *Registry) Agent(id string) (domain.AgentDescriptor, bool) {
	a, ok := r.agents[id]
	return cloneAgent(a), ok
}

// AgentByName is case-insensitive.
func (r *Registry) AgentByName(name string) (domain.AgentDescriptor, bool) {
	id, ok := r.agentNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return domain.AgentDescriptor{}, false
	}
	return r.Agent(id)
}

func (r *Registry) Unit(id string) (domain.UnitBinding, bool) {
	u, ok := r.units[id]
	return u, ok
}

func (r *Registry) Role(id string) (domain.Role, bool) {
	role, ok := r.roles[id]
	return cloneRole(role), ok
}

// Agents returns every agent ordered by rank.
func (r *Registry) Agents() []domain.AgentDescriptor {
	out := make([]domain.AgentDescriptor, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// Units returns every unit ordered by id.
func (r *Registry) Units() []domain.UnitBinding {
	out := make([]domain.UnitBinding, 0, len(r.units))
	for _, u := range r.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out
}

// Roles returns every role ordered by descending level, then id.
func (r *Registry) Roles() []domain.Role {
	out := make([]domain.Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, cloneRole(role))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level > out[j].Level
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Children returns the direct child units of unitID. An empty id lists the
// roots of the organization tree.
func (r *Registry) Children(unitID string) []domain.UnitBinding {
	var ids []string
	if unitID == "" {
		for id, u := range r.units {
			if u.Parent == "" {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
	} else {
		ids = r.children[unitID]
	}
	out := make([]domain.UnitBinding, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.units[id])
	}
	return out
}

// ResolveRole finds the role for actor: an explicit override first, then the
// agent's own binding, then its role class, then the human role. An override
// that names no role resolves nothing rather than falling back.
func (r *Registry) ResolveRole(actor domain.Actor) (domain.Role, bool) {
	if actor.RoleOverride != "" {
		if role, ok := r.roles[actor.RoleOverride]; ok {
			return cloneRole(role), true
		}
		if actor.Type == domain.ActorHuman {
			if id, ok := r.roleByHuman[actor.RoleOverride]; ok {
				return r.Role(id)
			}
		}
		return domain.Role{}, false
	}
	switch actor.Type {
	case domain.ActorAgent:
		if id, ok := r.roleByAgent[actor.ID]; ok {
			return r.Role(id)
		}
		a, ok := r.agents[actor.ID]
		if !ok {
			return domain.Role{}, false
		}
		if id, ok := r.roleByClass[a.RoleClass]; ok {
			return r.Role(id)
		}
	case domain.ActorHuman:
		if id, ok := r.roleByHuman[actor.ID]; ok {
			return r.Role(id)
		}
	}
	return domain.Role{}, false
}

// CanOverride reports whether actorID outranks targetID. Both must resolve.
func (r *Registry) CanOverride(actorID, targetID string) bool {
	a, ok := r.agents[actorID]
	if !ok {
		return false
	}
	t, ok := r.agents[targetID]
	if !ok {
		return false
	}
	return a.Rank < t.Rank
}

// Hierarchy returns the explicitly placed agents from most to least
// authority.
func (r *Registry) Hierarchy() []domain.AgentDescriptor {
	out := make([]domain.AgentDescriptor, 0, len(r.hierarchy))
	for _, id := range r.hierarchy {
		out = append(out, cloneAgent(r.agents[id]))
	}
	return out
}

// EscalationTarget returns the nearest hierarchy member with strictly more
// authority than agentID.
func (r *Registry) EscalationTarget(agentID string) (domain.AgentDescriptor, bool) {
	path := r.EscalationPath(agentID)
	if len(path) == 0 {
		return domain.AgentDescriptor{}, false
	}
	return path[0], true
}

// EscalationPath lists every hierarchy member above agentID, nearest first.
func (r *Registry) EscalationPath(agentID string) []domain.AgentDescriptor {
	a, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	var out []domain.AgentDescriptor
	for i := len(r.hierarchy) - 1; i >= 0; i-- {
		h := r.agents[r.hierarchy[i]]
		if h.Rank < a.Rank {
			out = append(out, cloneAgent(h))
		}
	}
	return out
}

// IsVetoTier reports whether a BLOCK from agentID is sticky.
func (r *Registry) IsVetoTier(agentID string) bool {
	a, ok := r.agents[agentID]
	return ok && a.Rank <= r.vetoMaxRank
}

// TopAuthority is the most senior hierarchy member.
func (r *Registry) TopAuthority() (domain.AgentDescriptor, bool) {
	if len(r.hierarchy) == 0 {
		return domain.AgentDescriptor{}, false
	}
	return cloneAgent(r.agents[r.hierarchy[0]]), true
}

// Category returns the canonical policy row for cat, falling back to the
// default category when cat has no row.
func (r *Registry) Category(cat policy.Category) CategoryPolicy {
	entry, ok := r.categories[cat]
	if !ok {
		entry = r.categories[policy.DefaultCategory]
	}
	return cloneCategory(entry)
}

// HasCategory reports whether cat has its own row.
func (r *Registry) HasCategory(cat policy.Category) bool {
	_, ok := r.categories[cat]
	return ok
}

// Categories returns every configured row in declaration order of the
// category enumeration.
func (r *Registry) Categories() []CategoryPolicy {
	var out []CategoryPolicy
	for _, c := range policy.Categories() {
		if entry, ok := r.categories[c]; ok {
			out = append(out, cloneCategory(entry))
		}
	}
	return out
}

func cloneAgent(a domain.AgentDescriptor) domain.AgentDescriptor {
	a.AuthorityTags = append([]string(nil), a.AuthorityTags...)
	a.Units = append([]string(nil), a.Units...)
	return a
}

func cloneRole(role domain.Role) domain.Role {
	role.Permissions = append([]string(nil), role.Permissions...)
	role.Constraints = append([]domain.Constraint(nil), role.Constraints...)
	role.Agents = append([]string(nil), role.Agents...)
	role.Classes = append([]string(nil), role.Classes...)
	role.Humans = append([]string(nil), role.Humans...)
	return role
}

func cloneCategory(c CategoryPolicy) CategoryPolicy {
	c.Required = append([]string(nil), c.Required...)
	c.Optional = append([]string(nil), c.Optional...)
	return c
}
