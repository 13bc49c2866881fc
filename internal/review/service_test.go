package review_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/audit"
	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/policy"
	"steward/internal/registry"
	"steward/internal/review"
)

type testEnv struct {
	Svc   *review.Service
	Audit *audit.Log
	Ctx   context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	reg, err := registry.Load(config.Default())
	require.NoError(t, err)
	log := audit.New()
	svc := review.New(reg, review.NewMemoryStore(), log)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	svc.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Minute)
		return clock
	}
	seq := 0
	svc.NewID = func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("id-%03d", seq)
	}
	return testEnv{Svc: svc, Audit: log, Ctx: context.Background()}
}

func agent(id string) domain.Actor { return domain.Actor{ID: id, Type: domain.ActorAgent} }

func slotIDs(slots []domain.ReviewerSlot) []string {
	var out []string
	for _, s := range slots {
		out = append(out, s.AgentID)
	}
	return out
}

func TestCreateArchitectureRequest(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Svc.Create(env.Ctx, review.CreateInput{
		Title:    "Split accounts table",
		Category: "architecture",
		Author:   agent("agent-builder"),
		UnitID:   "platform",
	})
	require.NoError(t, err)
	assert.Equal(t, policy.CategoryArchitecture, req.Category)
	assert.Equal(t, domain.StatusPending, req.Status)
	assert.False(t, req.CanMerge)
	assert.False(t, req.IsBlocked)
	assert.Nil(t, req.BlockedBy)
	assert.Equal(t, []string{"agent-architect"}, slotIDs(req.RequiredReviewers))
	assert.Equal(t, domain.SlotPending, req.RequiredReviewers[0].Status)
	assert.Equal(t, []string{"agent-builder", "agent-sovereign"}, slotIDs(req.OptionalReviewers))
	for _, s := range req.OptionalReviewers {
		assert.Equal(t, domain.SlotNotRequested, s.Status)
	}

	stored, err := env.Svc.Get(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req, stored)

	entries := env.Audit.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "review:create", entries[0].Action)
	assert.Equal(t, req.ID, entries[0].Target)
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Svc.Create(env.Ctx, review.CreateInput{Category: "PLUMBING", Author: agent("agent-builder")})
	assert.ErrorIs(t, err, domain.ErrInvalidCategory)

	_, err = env.Svc.Create(env.Ctx, review.CreateInput{Author: domain.Actor{ID: "x", Type: "ROBOT"}})
	assert.ErrorIs(t, err, domain.ErrInvalidActorType)

	_, err = env.Svc.Create(env.Ctx, review.CreateInput{Author: agent("agent-builder"), UnitID: "nowhere"})
	assert.ErrorIs(t, err, domain.ErrUnknownUnit)

	assert.Zero(t, env.Audit.Len())
}

func TestCreateDerivesCategory(t *testing.T) {
	env := newTestEnv(t)

	req, err := env.Svc.Create(env.Ctx, review.CreateInput{Author: agent("agent-builder"), Files: []string{"db/migrations/0002_accounts.sql"}})
	require.NoError(t, err)
	assert.Equal(t, policy.CategoryArchitecture, req.Category)

	req, err = env.Svc.Create(env.Ctx, review.CreateInput{Author: agent("agent-builder")})
	require.NoError(t, err)
	assert.Equal(t, policy.CategoryGeneral, req.Category)
	assert.Equal(t, "GENERAL review", req.Title)
	assert.Equal(t, []string{"agent-builder"}, slotIDs(req.RequiredReviewers))
}

func TestApproveThenVetoBlockThenMergeFails(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Svc.Create(env.Ctx, review.CreateInput{Category: "ARCHITECTURE", Author: agent("agent-builder"), UnitID: "platform"})
	require.NoError(t, err)

	req, err = env.Svc.Submit(env.Ctx, req.ID, agent("agent-architect"), domain.DecisionApprove, "looks right")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, req.Status)
	assert.True(t, req.CanMerge)
	assert.Equal(t, domain.SlotCompleted, req.RequiredReviewers[0].Status)
	assert.Equal(t, domain.DecisionApprove, req.RequiredReviewers[0].Decision)
	require.NotNil(t, req.RequiredReviewers[0].ReviewedAt)

	req, err = env.Svc.Submit(env.Ctx, req.ID, agent("agent-sovereign"), domain.DecisionBlock, "not before the audit")
	require.NoError(t, err)
	assert.True(t, req.IsBlocked)
	assert.Equal(t, domain.StatusBlocked, req.Status)
	assert.False(t, req.CanMerge)
	require.NotNil(t, req.BlockedBy)
	assert.Equal(t, "agent-sovereign", req.BlockedBy.AgentID)
	assert.Equal(t, "not before the audit", req.BlockedBy.Reason)

	// later approvals are recorded but the block sticks
	req, err = env.Svc.Submit(env.Ctx, req.ID, agent("agent-architect"), domain.DecisionApprove, "still fine")
	require.NoError(t, err)
	assert.Len(t, req.Reviews, 3)
	assert.Equal(t, domain.StatusBlocked, req.Status)
	assert.False(t, req.CanMerge)
	assert.True(t, req.IsBlocked)

	before, err := env.Svc.Get(env.Ctx, req.ID)
	require.NoError(t, err)
	_, err = env.Svc.Merge(env.Ctx, req.ID, agent("agent-operator"))
	require.ErrorIs(t, err, domain.ErrCannotMerge)
	assert.Contains(t, err.Error(), "BLOCKED")
	after, err := env.Svc.Get(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Nil(t, after.MergedAt)

	var actions []string
	for _, e := range env.Audit.Snapshot() {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"review:create", "review:submit", "review:block", "review:submit", "review:merge"}, actions)
	last := env.Audit.Snapshot()[4]
	assert.Equal(t, domain.ResultFailure, last.Result)
}

func TestBlockedRequestCanOnlyClose(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Svc.Create(env.Ctx, review.CreateInput{Category: "CODE", Author: agent("agent-builder")})
	require.NoError(t, err)
	_, err = env.Svc.Submit(env.Ctx, req.ID, agent("agent-architect"), domain.DecisionBlock, "wrong layer")
	require.NoError(t, err)

	closed, err := env.Svc.Close(env.Ctx, req.ID, agent("agent-builder"), "superseded")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, closed.Status)
	assert.Equal(t, "superseded", closed.CloseReason)
	assert.Equal(t, "agent-builder", closed.ClosedBy)
	require.NotNil(t, closed.ClosedAt)

	_, err = env.Svc.Submit(env.Ctx, req.ID, agent("agent-builder"), domain.DecisionApprove, "")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = env.Svc.Close(env.Ctx, req.ID, agent("agent-builder"), "again")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = env.Svc.Merge(env.Ctx, req.ID, agent("agent-builder"))
	assert.ErrorIs(t, err, domain.ErrCannotMerge)
}

func TestNonVetoBlockDoesNotStick(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Svc.Create(env.Ctx, review.CreateInput{Category: "UI", Author: agent("agent-builder")})
	require.NoError(t, err)

	req, err = env.Svc.Submit(env.Ctx, req.ID, agent("agent-designer"), domain.DecisionBlock, "off-brand")
	require.NoError(t, err)
	assert.False(t, req.IsBlocked)
	assert.Equal(t, domain.StatusInReview, req.Status)

	req, err = env.Svc.Submit(env.Ctx, req.ID, agent("agent-designer"), domain.DecisionApprove, "fixed")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, req.Status)
	assert.True(t, req.CanMerge)
}

func TestChangesRequestedCycleAndMerge(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Svc.Create(env.Ctx, review.CreateInput{Author: agent("agent-scribe")})
	require.NoError(t, err)
	require.Equal(t, []string{"agent-builder"}, slotIDs(req.RequiredReviewers))

	req, err = env.Svc.Submit(env.Ctx, req.ID, agent("agent-architect"), domain.DecisionRequestChanges, "naming")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusChangesRequested, req.Status)
	assert.Equal(t, domain.SlotCompleted, req.OptionalReviewers[0].Status)

	req, err = env.Svc.Submit(env.Ctx, req.ID, agent("agent-architect"), domain.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInReview, req.Status)
	assert.False(t, req.CanMerge)

	req, err = env.Svc.Submit(env.Ctx, req.ID, domain.Actor{ID: "carol", Type: domain.ActorHuman}, "request_changes", "typo")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusChangesRequested, req.Status)

	req, err = env.Svc.Submit(env.Ctx, req.ID, domain.Actor{ID: "carol", Type: domain.ActorHuman}, domain.DecisionApprove, "")
	require.NoError(t, err)
	req, err = env.Svc.Submit(env.Ctx, req.ID, agent("agent-builder"), domain.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, req.Status)
	assert.True(t, req.CanMerge)

	merged, err := env.Svc.Merge(env.Ctx, req.ID, agent("agent-operator"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMerged, merged.Status)
	assert.Equal(t, "agent-operator", merged.MergedBy)
	require.NotNil(t, merged.MergedAt)
	assert.False(t, merged.CanMerge)

	_, err = env.Svc.Merge(env.Ctx, req.ID, agent("agent-operator"))
	assert.ErrorIs(t, err, domain.ErrCannotMerge)
	_, err = env.Svc.Close(env.Ctx, req.ID, agent("agent-operator"), "")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Svc.Create(env.Ctx, review.CreateInput{Author: agent("agent-builder")})
	require.NoError(t, err)

	_, err = env.Svc.Submit(env.Ctx, req.ID, agent("agent-builder"), "MAYBE", "")
	assert.ErrorIs(t, err, domain.ErrInvalidDecision)
	_, err = env.Svc.Submit(env.Ctx, req.ID, domain.Actor{ID: "x", Type: "ROBOT"}, domain.DecisionApprove, "")
	assert.ErrorIs(t, err, domain.ErrInvalidActorType)
	_, err = env.Svc.Submit(env.Ctx, "missing", agent("agent-builder"), domain.DecisionApprove, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err := env.Svc.Get(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Reviews)
}

func TestDetermineReviewersForFiles(t *testing.T) {
	env := newTestEnv(t)

	set, err := env.Svc.DetermineReviewersForFiles([]string{
		"web/src/components/Button.tsx",
		"db/migrations/0002.sql",
		"locales/fr.po",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, []policy.Category{policy.CategoryArchitecture, policy.CategoryUI, policy.CategoryLocalization}, set.Categories)
	assert.Equal(t, []string{"agent-architect", "agent-designer", "agent-linguist"}, set.Required)
	assert.Equal(t, []string{"agent-builder", "agent-sovereign", "agent-scribe"}, set.Optional)

	set, err = env.Svc.DetermineReviewersForFiles([]string{"deploy/helm/values.yaml", "db/schema.sql"}, "platform")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-architect", "agent-operator", "agent-sovereign"}, set.Required)
	assert.Equal(t, []string{"agent-builder"}, set.Optional, "required reviewers never repeat as optional")

	set, err = env.Svc.DetermineReviewersForFiles(nil, "")
	require.NoError(t, err)
	assert.Empty(t, set.Categories)
	assert.Empty(t, set.Required)

	_, err = env.Svc.DetermineReviewersForFiles([]string{"a.go"}, "nowhere")
	assert.ErrorIs(t, err, domain.ErrUnknownUnit)
}

func TestListFilters(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Svc.Create(env.Ctx, review.CreateInput{Category: "UI", Author: agent("agent-builder"), UnitID: "design"})
	require.NoError(t, err)
	b, err := env.Svc.Create(env.Ctx, review.CreateInput{Category: "RELEASE", Author: agent("agent-operator"), UnitID: "release"})
	require.NoError(t, err)
	_, err = env.Svc.Submit(env.Ctx, a.ID, agent("agent-designer"), domain.DecisionApprove, "")
	require.NoError(t, err)

	all, err := env.Svc.List(env.Ctx, review.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "newest first")

	approved, err := env.Svc.List(env.Ctx, review.ListFilter{Status: domain.StatusApproved})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, a.ID, approved[0].ID)

	mine, err := env.Svc.List(env.Ctx, review.ListFilter{Reviewer: "agent-sovereign"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, b.ID, mine[0].ID)

	limited, err := env.Svc.List(env.Ctx, review.ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestConcurrentSubmissions(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Svc.Create(env.Ctx, review.CreateInput{Author: agent("agent-builder")})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.Svc.Submit(env.Ctx, req.ID, domain.Actor{ID: fmt.Sprintf("h%d", i), Type: domain.ActorHuman}, domain.DecisionApprove, "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	got, err := env.Svc.Get(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, got.Reviews, 20)
	assert.Equal(t, domain.StatusInReview, got.Status)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Svc.Create(env.Ctx, review.CreateInput{Author: agent("agent-builder"), Metadata: map[string]string{"pr": "42"}})
	require.NoError(t, err)

	got, err := env.Svc.Get(env.Ctx, req.ID)
	require.NoError(t, err)
	got.RequiredReviewers[0].Status = domain.SlotCompleted
	got.Metadata["pr"] = "mutated"

	again, err := env.Svc.Get(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SlotPending, again.RequiredReviewers[0].Status)
	assert.Equal(t, "42", again.Metadata["pr"])
}
