package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/policy"
	"steward/internal/registry"
)

func loadDefault(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Load(config.Default())
	require.NoError(t, err)
	return reg
}

func TestLoadDefaultPolicy(t *testing.T) {
	reg := loadDefault(t)
	assert.Equal(t, "northwind", reg.OrganizationID())
	assert.Len(t, reg.Agents(), 9)

	arch, ok := reg.AgentByName("ARCHITECT")
	require.True(t, ok)
	assert.Equal(t, "agent-architect", arch.ID)
	assert.Equal(t, []string{"platform"}, arch.Units)

	agents := reg.Agents()
	for i := 1; i < len(agents); i++ {
		assert.Less(t, agents[i-1].Rank, agents[i].Rank)
	}

	roots := reg.Children("")
	require.Len(t, roots, 1)
	assert.Equal(t, "exec", roots[0].UnitID)
	var kids []string
	for _, u := range reg.Children("design") {
		kids = append(kids, u.UnitID)
	}
	assert.Equal(t, []string{"content", "localization"}, kids)
}

func TestLoadRejectsDuplicateAgent(t *testing.T) {
	cfg := config.Default()
	dup := cfg.Agents[0]
	dup.Rank = 99
	dup.Name = "Other"
	cfg.Agents = append(cfg.Agents, dup)
	_, err := registry.Load(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate agent id")
}

func TestLoadRejectsSharedRank(t *testing.T) {
	cfg := config.Default()
	cfg.Agents[8].Rank = cfg.Agents[7].Rank
	_, err := registry.Load(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict total order")
}

func TestLoadRejectsDanglingUnitAgent(t *testing.T) {
	cfg := config.Default()
	cfg.Units[1].Secondary = "agent-ghost"
	_, err := registry.Load(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown agent "agent-ghost"`)
}

func TestLoadRejectsHierarchyOutOfOrder(t *testing.T) {
	cfg := config.Default()
	cfg.Hierarchy.Order[0], cfg.Hierarchy.Order[1] = cfg.Hierarchy.Order[1], cfg.Hierarchy.Order[0]
	_, err := registry.Load(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of rank order")
}

func TestLoadRejectsParentCycle(t *testing.T) {
	cfg := config.Default()
	for i := range cfg.Units {
		if cfg.Units[i].ID == "exec" {
			cfg.Units[i].Parent = "content"
		}
	}
	_, err := registry.Load(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parent cycle")
}

func TestLoadRejectsDoubleRoleBinding(t *testing.T) {
	cfg := config.Default()
	cfg.Roles = append(cfg.Roles, config.RoleConfig{
		ID:          "shadow",
		Permissions: []string{"code:read"},
		Agents:      []string{"agent-architect"},
	})
	_, err := registry.Load(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bound to both")
}

func TestResolveRoleOrder(t *testing.T) {
	reg := loadDefault(t)

	role, ok := reg.ResolveRole(domain.Actor{ID: "agent-architect", Type: domain.ActorAgent})
	require.True(t, ok)
	assert.Equal(t, "architecture-steward", role.ID)

	role, ok = reg.ResolveRole(domain.Actor{ID: "agent-builder", Type: domain.ActorAgent})
	require.True(t, ok)
	assert.Equal(t, "engineer", role.ID, "role class binding")

	role, ok = reg.ResolveRole(domain.Actor{ID: "agent-builder", Type: domain.ActorAgent, RoleOverride: "writer"})
	require.True(t, ok)
	assert.Equal(t, "writer", role.ID, "override wins")

	role, ok = reg.ResolveRole(domain.Actor{ID: "alice", Type: domain.ActorHuman, RoleOverride: "reviewer"})
	require.True(t, ok)
	assert.Equal(t, "human-reviewer", role.ID, "human role via override")

	_, ok = reg.ResolveRole(domain.Actor{ID: "alice", Type: domain.ActorHuman})
	assert.False(t, ok)

	_, ok = reg.ResolveRole(domain.Actor{ID: "agent-builder", Type: domain.ActorAgent, RoleOverride: "nope"})
	assert.False(t, ok, "unknown override must not fall back")

	_, ok = reg.ResolveRole(domain.Actor{ID: "agent-ghost", Type: domain.ActorAgent})
	assert.False(t, ok)
}

func TestCanOverrideIsStrictOrder(t *testing.T) {
	reg := loadDefault(t)
	agents := reg.Agents()
	for _, a := range agents {
		assert.False(t, reg.CanOverride(a.ID, a.ID), "irreflexive: %s", a.ID)
		for _, b := range agents {
			if reg.CanOverride(a.ID, b.ID) {
				assert.False(t, reg.CanOverride(b.ID, a.ID), "asymmetric: %s/%s", a.ID, b.ID)
				for _, c := range agents {
					if reg.CanOverride(b.ID, c.ID) {
						assert.True(t, reg.CanOverride(a.ID, c.ID), "transitive: %s/%s/%s", a.ID, b.ID, c.ID)
					}
				}
			}
		}
	}
	assert.False(t, reg.CanOverride("agent-sovereign", "agent-ghost"))
	assert.False(t, reg.CanOverride("agent-ghost", "agent-scribe"))
}

func TestEscalationTargetUsesPlacedHierarchy(t *testing.T) {
	reg := loadDefault(t)

	next, ok := reg.EscalationTarget("agent-quant")
	require.True(t, ok)
	assert.Equal(t, "agent-researcher", next.ID)

	// builder is ranked but not placed; its nearest placed superior is the operator
	next, ok = reg.EscalationTarget("agent-builder")
	require.True(t, ok)
	assert.Equal(t, "agent-operator", next.ID)

	_, ok = reg.EscalationTarget("agent-sovereign")
	assert.False(t, ok)

	var path []string
	for _, a := range reg.EscalationPath("agent-designer") {
		path = append(path, a.ID)
	}
	assert.Equal(t, []string{"agent-architect", "agent-sovereign"}, path)
	assert.Empty(t, reg.EscalationPath("agent-ghost"))
}

func TestVetoTier(t *testing.T) {
	reg := loadDefault(t)
	assert.True(t, reg.IsVetoTier("agent-sovereign"))
	assert.True(t, reg.IsVetoTier("agent-architect"))
	assert.False(t, reg.IsVetoTier("agent-designer"))
	assert.False(t, reg.IsVetoTier("agent-ghost"))
}

func TestCategoryFallsBackToDefault(t *testing.T) {
	cfg := config.Default()
	delete(cfg.Categories, policy.CategoryResearch)
	reg, err := registry.Load(cfg)
	require.NoError(t, err)

	assert.False(t, reg.HasCategory(policy.CategoryResearch))
	entry := reg.Category(policy.CategoryResearch)
	assert.Equal(t, policy.CategoryGeneral, entry.Category)
	assert.Equal(t, []string{"agent-builder"}, entry.Required)

	arch := reg.Category(policy.CategoryArchitecture)
	assert.Equal(t, "agent-architect", arch.Authority)
	assert.Equal(t, []string{"agent-architect"}, arch.Required)
}

func TestSnapshotsAreCopies(t *testing.T) {
	reg := loadDefault(t)
	a, _ := reg.Agent("agent-architect")
	a.AuthorityTags[0] = "mutated"
	again, _ := reg.Agent("agent-architect")
	assert.Equal(t, "veto", again.AuthorityTags[0])

	entry := reg.Category(policy.CategoryRelease)
	entry.Required[0] = "mutated"
	assert.Equal(t, "agent-operator", reg.Category(policy.CategoryRelease).Required[0])
}
