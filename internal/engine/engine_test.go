package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/engine/auth"
	"steward/internal/escalation"
	"steward/internal/migrate"
	"steward/internal/policy"
	"steward/internal/repo"
	"steward/internal/review"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func clock() func() time.Time {
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func newTestEnv(t *testing.T, durable bool) testEnv {
	t.Helper()
	opts := engine.Options{Now: clock()}
	if durable {
		conn, err := db.Open(db.Config{Workspace: t.TempDir()})
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		require.NoError(t, migrate.Migrate(conn))
		opts.DB = conn
	}
	eng, err := engine.New(config.Default(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close(context.Background()) })
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func agent(id string) domain.Actor { return domain.Actor{ID: id, Type: domain.ActorAgent} }
func human(id string) domain.Actor { return domain.Actor{ID: id, Type: domain.ActorHuman} }

func denied(code domain.Code) error { return &domain.Error{Code: code} }

func TestNewRejectsInvalidPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.Agents = append(cfg.Agents, cfg.Agents[0])
	_, err := engine.New(cfg, engine.Options{})
	require.Error(t, err)

	_, err = engine.New(nil, engine.Options{})
	require.Error(t, err)
}

func TestReviewOperationsEnforceAccess(t *testing.T) {
	env := newTestEnv(t, false)
	eng := env.Engine

	_, err := eng.CreateReview(env.Ctx, review.CreateInput{Category: "UI", Author: human("viewer")})
	assert.ErrorIs(t, err, denied(domain.CodePermissionDenied))

	req, err := eng.CreateReview(env.Ctx, review.CreateInput{Files: []string{"internal/schema/user.sql"}, Author: agent("agent-builder")})
	require.NoError(t, err)

	_, err = eng.SubmitReview(env.Ctx, req.ID, human("viewer"), domain.DecisionApprove, "")
	assert.ErrorIs(t, err, denied(domain.CodePermissionDenied))

	// the human reviewer role needs explicit human approval to mutate
	_, err = eng.MergeReview(env.Ctx, req.ID, human("reviewer"), auth.AccessContext{})
	assert.ErrorIs(t, err, denied(domain.CodeConstraintViolation))
	var accessErr *auth.AccessError
	require.True(t, errors.As(err, &accessErr))

	_, err = eng.MergeReview(env.Ctx, req.ID, human("reviewer"), auth.AccessContext{HumanApproved: true})
	assert.ErrorIs(t, err, domain.ErrCannotMerge)

	_, err = eng.MergeReview(env.Ctx, "missing", agent("agent-builder"), auth.AccessContext{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReviewLifecycleThroughEngine(t *testing.T) {
	env := newTestEnv(t, false)
	eng := env.Engine

	req, err := eng.CreateReview(env.Ctx, review.CreateInput{Category: "ARCHITECTURE", Author: agent("agent-builder")})
	require.NoError(t, err)
	req, err = eng.SubmitReview(env.Ctx, req.ID, agent("agent-architect"), domain.DecisionApprove, "ok")
	require.NoError(t, err)
	require.True(t, req.CanMerge)

	merged, err := eng.MergeReview(env.Ctx, req.ID, agent("agent-builder"), auth.AccessContext{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMerged, merged.Status)

	other, err := eng.CreateReview(env.Ctx, review.CreateInput{Category: "UI", Author: agent("agent-scribe")})
	require.NoError(t, err)
	_, err = eng.CloseReview(env.Ctx, other.ID, agent("agent-scribe"), "dup")
	assert.ErrorIs(t, err, denied(domain.CodePermissionDenied))
	closed, err := eng.CloseReview(env.Ctx, other.ID, agent("agent-designer"), "dup")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, closed.Status)

	list, err := eng.ListReviews(env.Ctx, review.ListFilter{Author: "agent-builder"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, req.ID, list[0].ID)
}

func TestEscalateRequiresCreatePermission(t *testing.T) {
	env := newTestEnv(t, false)
	eng := env.Engine

	_, err := eng.Escalate(env.Ctx, domain.EscalationRequest{Action: policy.ActionDeployExecute}, agent("ghost"))
	assert.ErrorIs(t, err, denied(domain.CodeNoRole))

	_, err = eng.Escalate(env.Ctx, domain.EscalationRequest{Action: policy.ActionDeployExecute}, domain.Actor{})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	esc, err := eng.Escalate(env.Ctx, domain.EscalationRequest{
		UnitID: "platform", Action: policy.ActionDeployExecute, Reason: "needs FULL",
	}, agent("agent-operator"))
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationEscalated, esc.Status)
	assert.Equal(t, "agent-sovereign", esc.CurrentHandler)
	assert.Equal(t, "agent-operator", esc.ActorID)
}

func TestEscalateCannotSkipCreateCheckWithStatus(t *testing.T) {
	env := newTestEnv(t, false)
	eng := env.Engine

	for _, status := range []domain.EscalationStatus{domain.EscalationEscalated, domain.EscalationResolved, "BOGUS"} {
		_, err := eng.Escalate(env.Ctx, domain.EscalationRequest{Action: policy.ActionDeployExecute, Status: status}, agent("ghost"))
		assert.ErrorIs(t, err, denied(domain.CodeNoRole), "status %s", status)
	}
	list, err := eng.ListEscalations(env.Ctx, escalation.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	// a permitted actor still cannot smuggle state into a new escalation
	_, err = eng.Escalate(env.Ctx, domain.EscalationRequest{Action: policy.ActionDeployExecute, Status: domain.EscalationEscalated}, agent("agent-operator"))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestEscalationsPersistAcrossEngines(t *testing.T) {
	dir := t.TempDir()
	open := func() *engine.Engine {
		conn, err := db.Open(db.Config{Workspace: dir})
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		require.NoError(t, migrate.Migrate(conn))
		eng, err := engine.New(config.Default(), engine.Options{DB: conn, Now: clock()})
		require.NoError(t, err)
		t.Cleanup(func() { eng.Close(context.Background()) })
		return eng
	}
	ctx := context.Background()

	first := open()
	esc, err := first.Escalate(ctx, domain.EscalationRequest{UnitID: "platform", Action: policy.ActionCodeMerge}, agent("agent-builder"))
	require.NoError(t, err)

	second := open()
	_, err = second.ResolveEscalation(ctx, esc.ID, agent("agent-operator"), true, "")
	assert.ErrorIs(t, err, domain.ErrOverrideDenied)
	done, err := second.ResolveEscalation(ctx, esc.ID, agent("agent-architect"), true, "go")
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationResolved, done.Status)

	stored, err := first.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationResolved, stored.Status)
	assert.Equal(t, "agent-architect", stored.Chain[0].DecidedBy)
}

func TestMergeReviewIsOrganizationWide(t *testing.T) {
	env := newTestEnv(t, false)
	eng := env.Engine

	// research is ASSIST_ONLY and the builder is not bound to it
	req, err := eng.CreateReview(env.Ctx, review.CreateInput{Category: "ARCHITECTURE", UnitID: "research", Author: agent("agent-researcher")})
	require.NoError(t, err)
	_, err = eng.SubmitReview(env.Ctx, req.ID, agent("agent-architect"), domain.DecisionApprove, "")
	require.NoError(t, err)

	merged, err := eng.MergeReview(env.Ctx, req.ID, agent("agent-builder"), auth.AccessContext{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMerged, merged.Status)

	var checks []domain.AuditEntry
	for _, e := range eng.Audit.Snapshot() {
		if e.Action == string(policy.ActionReviewMerge) && e.Details["check"] != nil {
			checks = append(checks, e)
		}
	}
	require.Len(t, checks, 1)
	assert.Empty(t, checks[0].Target)
	assert.Equal(t, domain.ResultAllowed, checks[0].Result)
}

func TestDurableAuditMirrorsMemory(t *testing.T) {
	env := newTestEnv(t, true)
	eng := env.Engine

	req, err := eng.CreateReview(env.Ctx, review.CreateInput{Category: "ARCHITECTURE", Author: agent("agent-builder")})
	require.NoError(t, err)
	_, err = eng.SubmitReview(env.Ctx, req.ID, agent("agent-architect"), domain.DecisionApprove, "")
	require.NoError(t, err)
	eng.CheckAccess(env.Ctx, agent("agent-operator"), policy.ActionDeployExecute, "platform", auth.AccessContext{})

	ctx, cancel := context.WithTimeout(env.Ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Close(ctx))

	entries, total, err := eng.DurableAudit(env.Ctx, repo.AuditQuery{Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, eng.Audit.Len(), total)
	require.NotEmpty(t, entries)
	assert.Equal(t, string(policy.ActionDeployExecute), entries[0].Action)
	assert.Equal(t, domain.ResultDenied, entries[0].Result)

	// reviews are persisted too
	stored, err := eng.GetReview(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, stored.Status)
}

func TestDurableAuditWithoutStore(t *testing.T) {
	env := newTestEnv(t, false)
	_, _, err := env.Engine.DurableAudit(env.Ctx, repo.AuditQuery{})
	assert.ErrorIs(t, err, engine.ErrNoDurableStore)
}
