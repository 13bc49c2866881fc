package repo_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/audit"
	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/escalation"
	"steward/internal/events"
	"steward/internal/migrate"
	"steward/internal/policy"
	"steward/internal/registry"
	"steward/internal/repo"
	"steward/internal/review"
)

type testEnv struct {
	Repo   repo.Repo
	Writer events.Writer
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return testEnv{
		Repo:   repo.Repo{DB: conn},
		Writer: events.Writer{DB: conn},
		Ctx:    context.Background(),
	}
}

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestMigrateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, migrate.Migrate(env.Repo.DB))
	versions, err := migrate.Versions()
	require.NoError(t, err)
	current, err := migrate.Current(env.Repo.DB)
	require.NoError(t, err)
	assert.Equal(t, len(versions), current)
}

func TestAuditRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	entries := []domain.AuditEntry{
		{ID: "a1", Timestamp: base, Action: "code:read", Actor: "AGENT:agent-builder", Target: "platform", Result: domain.ResultAllowed, RiskScore: 5},
		{ID: "a2", Timestamp: base.Add(time.Second), Action: "deploy:execute", Actor: "AGENT:agent-operator", Target: "platform", Result: domain.ResultDenied, RiskScore: 100, Details: map[string]any{"code": "INSUFFICIENT_AUTONOMY"}},
		{ID: "a3", Timestamp: base.Add(2 * time.Second), Action: "review:merge", Actor: "AGENT:agent-builder", Result: domain.ResultFailure, RiskScore: 60},
	}
	for _, e := range entries {
		require.NoError(t, env.Writer.Write(env.Ctx, e))
	}

	n, err := env.Repo.CountAudit(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, total, err := env.Repo.ListAudit(env.Ctx, repo.AuditQuery{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, got, 3)
	assert.Equal(t, "a3", got[0].ID)
	assert.Equal(t, "a1", got[2].ID)
	assert.True(t, base.Add(time.Second).Equal(got[1].Timestamp))
	assert.Equal(t, "INSUFFICIENT_AUTONOMY", got[1].Details["code"])
	assert.Empty(t, got[2].Details)
}

func TestAuditQueryFilters(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 10; i++ {
		actor := "AGENT:agent-builder"
		if i%2 == 1 {
			actor = "HUMAN:owner"
		}
		require.NoError(t, env.Writer.Write(env.Ctx, domain.AuditEntry{
			ID:        fmt.Sprintf("e%02d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Action:    "code:read",
			Actor:     actor,
			Result:    domain.ResultAllowed,
			RiskScore: i * 10,
		}))
	}

	got, total, err := env.Repo.ListAudit(env.Ctx, repo.AuditQuery{Actor: "owner"})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, got, 5)

	_, total, err = env.Repo.ListAudit(env.Ctx, repo.AuditQuery{MinRisk: 70})
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	got, total, err = env.Repo.ListAudit(env.Ctx, repo.AuditQuery{From: base.Add(2 * time.Minute), To: base.Add(4 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, "e04", got[0].ID)

	got, total, err = env.Repo.ListAudit(env.Ctx, repo.AuditQuery{Limit: 3, Offset: 3})
	require.NoError(t, err)
	assert.Equal(t, 10, total)
	require.Len(t, got, 3)
	assert.Equal(t, "e06", got[0].ID)

	_, total, err = env.Repo.ListAudit(env.Ctx, repo.AuditQuery{Result: "denied"})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestWriterDuplicateIsPermanent(t *testing.T) {
	env := newTestEnv(t)
	e := domain.AuditEntry{ID: "dup", Timestamp: base, Action: "code:read", Actor: "AGENT:x", Result: domain.ResultAllowed}
	require.NoError(t, env.Writer.Write(env.Ctx, e))
	err := env.Writer.Write(env.Ctx, e)
	require.Error(t, err)
	var perm *backoff.PermanentError
	assert.True(t, errors.As(err, &perm))
}

func TestAsyncSinkPersists(t *testing.T) {
	env := newTestEnv(t)
	sink := audit.NewAsyncSink(env.Writer, 16)
	log := audit.New(audit.WithForwarder(sink))
	for i := 0; i < 5; i++ {
		log.Write(domain.AuditEntry{Action: "code:read", Actor: "AGENT:agent-builder", Result: domain.ResultAllowed})
	}
	ctx, cancel := context.WithTimeout(env.Ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))

	n, err := env.Repo.CountAudit(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(5), sink.Stats().Written)
}

func TestReviewStoreNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := repo.ReviewStore{Repo: env.Repo}.Get(env.Ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestReviewStoreSaveAndList(t *testing.T) {
	env := newTestEnv(t)
	store := repo.ReviewStore{Repo: env.Repo}
	mk := func(id string, cat string, status domain.ReviewStatus, author string, at time.Time, required ...string) domain.ReviewRequest {
		var slots []domain.ReviewerSlot
		for _, r := range required {
			slots = append(slots, domain.ReviewerSlot{AgentID: r, Status: domain.SlotPending})
		}
		return domain.ReviewRequest{
			ID: id, Title: id, Category: policy.Category(cat), Status: status,
			Author:            domain.Actor{ID: author, Type: domain.ActorAgent},
			RequiredReviewers: slots,
			OptionalReviewers: []domain.ReviewerSlot{},
			Reviews:           []domain.Review{},
			CreatedAt:         at, UpdatedAt: at,
		}
	}
	require.NoError(t, store.Save(env.Ctx, mk("r1", "ARCHITECTURE", domain.StatusPending, "agent-builder", base, "agent-architect")))
	require.NoError(t, store.Save(env.Ctx, mk("r2", "UI", domain.StatusPending, "agent-scribe", base.Add(time.Hour), "agent-designer")))
	require.NoError(t, store.Save(env.Ctx, mk("r3", "RELEASE", domain.StatusApproved, "agent-builder", base.Add(2*time.Hour), "agent-operator", "agent-sovereign")))

	all, err := store.List(env.Ctx, review.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r3", all[0].ID)

	got, err := store.List(env.Ctx, review.ListFilter{Author: "agent-builder", Status: domain.StatusPending})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)

	got, err = store.List(env.Ctx, review.ListFilter{Reviewer: "agent-sovereign"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r3", got[0].ID)

	got, err = store.List(env.Ctx, review.ListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// upsert replaces the document and the reviewer rows
	r1, err := store.Get(env.Ctx, "r1")
	require.NoError(t, err)
	r1.Status = domain.StatusClosed
	r1.RequiredReviewers = []domain.ReviewerSlot{{AgentID: "agent-sovereign", Status: domain.SlotPending}}
	require.NoError(t, store.Save(env.Ctx, r1))
	got, err = store.List(env.Ctx, review.ListFilter{Reviewer: "agent-architect"})
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = store.List(env.Ctx, review.ListFilter{Status: domain.StatusClosed})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)
}

func TestReviewWorkflowOnSQLite(t *testing.T) {
	env := newTestEnv(t)
	reg, err := registry.Load(config.Default())
	require.NoError(t, err)
	svc := review.New(reg, repo.ReviewStore{Repo: env.Repo}, audit.New())
	builder := domain.Actor{ID: "agent-builder", Type: domain.ActorAgent}
	architect := domain.Actor{ID: "agent-architect", Type: domain.ActorAgent}

	req, err := svc.Create(env.Ctx, review.CreateInput{Category: "ARCHITECTURE", Author: builder})
	require.NoError(t, err)
	req, err = svc.Submit(env.Ctx, req.ID, architect, domain.DecisionApprove, "lgtm")
	require.NoError(t, err)
	assert.True(t, req.CanMerge)

	merged, err := svc.Merge(env.Ctx, req.ID, builder)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMerged, merged.Status)

	stored, err := svc.Get(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMerged, stored.Status)
	require.Len(t, stored.Reviews, 1)
	assert.Equal(t, "lgtm", stored.Reviews[0].Comments)
	require.NotNil(t, stored.MergedAt)
}

func TestAuditCursor(t *testing.T) {
	env := newTestEnv(t)
	seq, err := env.Repo.LatestAuditSeq(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)

	for i := 0; i < 5; i++ {
		require.NoError(t, env.Writer.Write(env.Ctx, domain.AuditEntry{
			ID: fmt.Sprintf("c%d", i), Timestamp: base, Action: "code:read", Actor: "AGENT:x", Result: domain.ResultAllowed,
		}))
	}
	seq, err = env.Repo.LatestAuditSeq(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), seq)

	page, err := env.Repo.AuditAfter(env.Ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c0", page[0].ID)
	page, err = env.Repo.AuditAfter(env.Ctx, 10, page[1].Seq)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "c2", page[0].ID)
	assert.Equal(t, int64(5), page[2].Seq)
}

func openShared(t *testing.T, dir string) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func TestReviewStoreUpdateHoldsWriteLock(t *testing.T) {
	dir := t.TempDir()
	a := repo.ReviewStore{Repo: openShared(t, dir)}
	b := repo.ReviewStore{Repo: openShared(t, dir)}
	ctx := context.Background()
	require.NoError(t, a.Save(ctx, domain.ReviewRequest{
		ID: "r1", Title: "r1", Category: policy.CategoryCode, Status: domain.StatusPending,
		Author:    domain.Actor{ID: "agent-builder", Type: domain.ActorAgent},
		Reviews:   []domain.Review{},
		CreatedAt: base, UpdatedAt: base,
	}))
	appendReview := func(id string) func(*domain.ReviewRequest) error {
		return func(req *domain.ReviewRequest) error {
			req.Reviews = append(req.Reviews, domain.Review{ID: id, Decision: domain.DecisionApprove})
			return nil
		}
	}

	_, err := a.Update(ctx, "r1", func(req *domain.ReviewRequest) error {
		// a second handle on the same file cannot interleave its write
		short, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		_, err := b.Update(short, "r1", appendReview("rev-b-early"))
		require.Error(t, err)
		return appendReview("rev-a")(req)
	})
	require.NoError(t, err)

	_, err = b.Update(ctx, "r1", appendReview("rev-b"))
	require.NoError(t, err)

	got, err := a.Get(ctx, "r1")
	require.NoError(t, err)
	var ids []string
	for _, r := range got.Reviews {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"rev-a", "rev-b"}, ids)
}

func TestReviewStoreUpdateAbortsOnError(t *testing.T) {
	env := newTestEnv(t)
	store := repo.ReviewStore{Repo: env.Repo}
	_, err := store.Update(env.Ctx, "missing", func(*domain.ReviewRequest) error { return nil })
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, store.Save(env.Ctx, domain.ReviewRequest{
		ID: "r1", Title: "r1", Category: policy.CategoryCode, Status: domain.StatusPending,
		Author:    domain.Actor{ID: "agent-builder", Type: domain.ActorAgent},
		CreatedAt: base, UpdatedAt: base,
	}))
	_, err = store.Update(env.Ctx, "r1", func(req *domain.ReviewRequest) error {
		req.Status = domain.StatusClosed
		return domain.Errorf(domain.CodeInvalidState, "refused")
	})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	got, err := store.Get(env.Ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestEscalationStore(t *testing.T) {
	env := newTestEnv(t)
	store := repo.EscalationStore{Repo: env.Repo}
	mk := func(id, actor, handler string, status domain.EscalationStatus, at time.Time) domain.EscalationRequest {
		return domain.EscalationRequest{
			ID: id, ActorID: actor, UnitID: "platform", Action: policy.ActionCodeMerge, Status: status,
			Chain:          []domain.EscalationStep{{Target: handler, Timestamp: at, Status: domain.StepPending}},
			CurrentHandler: handler,
			CreatedAt:      at, UpdatedAt: at,
		}
	}
	_, err := store.Get(env.Ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, store.Save(env.Ctx, mk("e1", "agent-builder", "agent-architect", domain.EscalationEscalated, base)))
	require.NoError(t, store.Save(env.Ctx, mk("e2", "agent-operator", "agent-sovereign", domain.EscalationEscalated, base.Add(time.Hour))))

	all, err := store.List(env.Ctx, escalation.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "e2", all[0].ID)

	got, err := store.List(env.Ctx, escalation.ListFilter{Handler: "agent-architect"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].ID)

	out, err := store.Update(env.Ctx, "e1", func(esc *domain.EscalationRequest) error {
		esc.Chain[0].Status = domain.StepApproved
		esc.Status = domain.EscalationResolved
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationResolved, out.Status)

	got, err = store.List(env.Ctx, escalation.ListFilter{Status: domain.EscalationEscalated})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e2", got[0].ID)

	e1, err := store.Get(env.Ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.StepApproved, e1.Chain[0].Status)
	assert.True(t, base.Equal(e1.CreatedAt))
}
