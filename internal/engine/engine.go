// Package engine assembles the governance core from a policy document and
// exposes the operations the CLI and the HTTP API share.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"steward/internal/audit"
	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/engine/auth"
	"steward/internal/escalation"
	"steward/internal/events"
	"steward/internal/policy"
	"steward/internal/registry"
	"steward/internal/repo"
	"steward/internal/review"
	"steward/internal/telemetry"
)

// ErrNoDurableStore is returned by durable audit reads on an engine built
// without a database.
var ErrNoDurableStore = errors.New("engine: no durable audit store configured")

type Engine struct {
	Config   *config.Config
	Registry *registry.Registry
	Audit    *audit.Log
	Access   *auth.Engine
	Router   *escalation.Router
	Reviews  *review.Service
	Repo     *repo.Repo
	Sink     *audit.AsyncSink
	Logger   *slog.Logger
}

// Options tune New. A nil DB keeps review requests in memory and disables
// the durable audit sink.
type Options struct {
	DB       *sql.DB
	Logger   *slog.Logger
	Observer auth.Observer
	Now      func() time.Time
}

func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: config not loaded")
	}
	cfg.ApplyDefaults()
	reg, err := registry.Load(cfg)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	e := &Engine{Config: cfg, Registry: reg, Logger: logger}
	logOpts := []audit.Option{
		audit.WithCapacity(cfg.Audit.Capacity),
		audit.WithHighRiskThreshold(cfg.Audit.HighRiskThreshold),
		audit.WithLogger(logger),
	}
	var (
		reviews     review.Store
		escalations escalation.Store
	)
	if opts.DB != nil {
		e.Repo = &repo.Repo{DB: opts.DB}
		reviews = repo.ReviewStore{Repo: *e.Repo}
		escalations = repo.EscalationStore{Repo: *e.Repo}
		e.Sink = audit.NewAsyncSink(
			telemetry.WrapSink(events.Writer{DB: opts.DB}),
			cfg.Audit.SinkQueue,
			audit.WithSinkLogger(logger),
		)
		logOpts = append(logOpts, audit.WithForwarder(e.Sink))
	}
	e.Audit = audit.New(logOpts...)
	e.Access = auth.New(reg, e.Audit)
	e.Access.Observer = opts.Observer
	e.Router = escalation.New(reg, e.Access, escalations, e.Audit)
	e.Reviews = review.New(reg, reviews, e.Audit)
	if opts.Now != nil {
		e.Audit.Now = opts.Now
		e.Router.Now = opts.Now
		e.Reviews.Now = opts.Now
	}
	logger.Debug("engine ready",
		"organization", reg.OrganizationID(),
		"agents", len(reg.Agents()),
		"units", len(reg.Units()),
		"durable", opts.DB != nil,
	)
	return e, nil
}

// Close drains the durable sink. It is a no-op without one.
func (e *Engine) Close(ctx context.Context) error {
	if e.Sink == nil {
		return nil
	}
	err := e.Sink.Close(ctx)
	stats := e.Sink.Stats()
	e.Logger.Info("audit sink closed",
		"written", stats.Written, "dropped", stats.Dropped, "failed", stats.Failed)
	if errors.Is(err, audit.ErrSinkClosed) {
		return nil
	}
	return err
}

func (e *Engine) CheckAccess(ctx context.Context, actor domain.Actor, action policy.Action, unitID string, ac auth.AccessContext) auth.Verdict {
	return e.Access.CheckAccess(ctx, actor, action, unitID, ac)
}

func (e *Engine) EnforceAccess(ctx context.Context, actor domain.Actor, action policy.Action, unitID string, ac auth.AccessContext) (auth.Verdict, error) {
	return e.Access.EnforceAccess(ctx, actor, action, unitID, ac)
}

// CreateReview opens a review request once the author holds review:create.
func (e *Engine) CreateReview(ctx context.Context, in review.CreateInput) (domain.ReviewRequest, error) {
	if _, err := e.Access.EnforceAccess(ctx, in.Author, policy.ActionReviewCreate, "", auth.AccessContext{}); err != nil {
		return domain.ReviewRequest{}, err
	}
	return e.Reviews.Create(ctx, in)
}

func (e *Engine) SubmitReview(ctx context.Context, id string, reviewer domain.Actor, decision domain.Decision, comments string) (domain.ReviewRequest, error) {
	if _, err := e.Access.EnforceAccess(ctx, reviewer, policy.ActionReviewSubmit, "", auth.AccessContext{}); err != nil {
		return domain.ReviewRequest{}, err
	}
	return e.Reviews.Submit(ctx, id, reviewer, decision, comments)
}

// MergeReview checks review:merge before merging. Review actions are
// organization-wide, so the check names no unit and a merger need not be
// bound to the request's unit. ac carries the approvals mutation
// constraints look at.
func (e *Engine) MergeReview(ctx context.Context, id string, by domain.Actor, ac auth.AccessContext) (domain.ReviewRequest, error) {
	if _, err := e.Access.EnforceAccess(ctx, by, policy.ActionReviewMerge, "", ac); err != nil {
		return domain.ReviewRequest{}, err
	}
	e.Logger.Debug("merging review request", "id", id, "by", by.String())
	return e.Reviews.Merge(ctx, id, by)
}

func (e *Engine) CloseReview(ctx context.Context, id string, by domain.Actor, reason string) (domain.ReviewRequest, error) {
	if _, err := e.Access.EnforceAccess(ctx, by, policy.ActionReviewClose, "", auth.AccessContext{}); err != nil {
		return domain.ReviewRequest{}, err
	}
	return e.Reviews.Close(ctx, id, by, reason)
}

func (e *Engine) GetReview(ctx context.Context, id string) (domain.ReviewRequest, error) {
	return e.Reviews.Get(ctx, id)
}

func (e *Engine) ListReviews(ctx context.Context, f review.ListFilter) ([]domain.ReviewRequest, error) {
	return e.Reviews.List(ctx, f)
}

// Escalate opens req on behalf of by, or forwards the stored escalation
// named by req.ID. Every new escalation needs escalation:create; the router
// decides who may forward an existing one.
func (e *Engine) Escalate(ctx context.Context, req domain.EscalationRequest, by domain.Actor) (domain.EscalationRequest, error) {
	if by.ID == "" {
		return domain.EscalationRequest{}, domain.Errorf(domain.CodeInvalidRequest, "the escalating actor is required")
	}
	if req.ID == "" {
		if _, err := e.Access.EnforceAccess(ctx, by, policy.ActionEscalationCreate, "", auth.AccessContext{}); err != nil {
			return domain.EscalationRequest{}, err
		}
	}
	return e.Router.ProcessEscalation(ctx, req, by)
}

func (e *Engine) ResolveEscalation(ctx context.Context, id string, by domain.Actor, approve bool, note string) (domain.EscalationRequest, error) {
	return e.Router.ResolveEscalation(ctx, id, by, approve, note)
}

func (e *Engine) GetEscalation(ctx context.Context, id string) (domain.EscalationRequest, error) {
	return e.Router.GetEscalation(ctx, id)
}

func (e *Engine) ListEscalations(ctx context.Context, f escalation.ListFilter) ([]domain.EscalationRequest, error) {
	return e.Router.ListEscalations(ctx, f)
}

// DurableAudit reads the persisted trail, which outlives the in-memory ring.
func (e *Engine) DurableAudit(ctx context.Context, q repo.AuditQuery) ([]domain.AuditEntry, int, error) {
	if e.Repo == nil {
		return nil, 0, ErrNoDurableStore
	}
	entries, total, err := e.Repo.ListAudit(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("read durable audit: %w", err)
	}
	return entries, total, nil
}
