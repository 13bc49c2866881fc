package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"steward/internal/audit"
	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/engine/auth"
	"steward/internal/escalation"
	"steward/internal/policy"
	"steward/internal/repo"
	"steward/internal/review"
)

const defaultBasePath = "/v1"

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"PERMISSION_DENIED"`
	Message string         `json:"message" example:"role engineer does not grant deploy:execute"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// output wraps a response body for huma.
type output[T any] struct {
	Body T
}

func respond[T any](v T) (*output[T], error) {
	return &output[T]{Body: v}, nil
}

// New returns an HTTP handler exposing the steward API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = defaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = cfg.Engine.Logger
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Steward API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerHealth(group)
	registerMe(group, e)
	registerDevAuth(group, cfg.Auth)
	registerAccess(group, e)
	registerAudit(group, e)
	registerReviews(group, e)
	registerEscalations(group, e)
	registerDirectory(group, e)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ae *auth.AccessError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusForbidden, string(ae.Code), ae.Reason, nil)
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return newAPIError(statusForCode(de.Code), string(de.Code), de.Error(), nil)
	}
	if errors.Is(err, engine.ErrNoDurableStore) {
		return newAPIError(http.StatusServiceUnavailable, "no_durable_store", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func statusForCode(code domain.Code) int {
	switch code {
	case domain.CodeNoRole, domain.CodePermissionDenied, domain.CodeInsufficientAutonomy,
		domain.CodeNotAuthorizedDepartment, domain.CodeConstraintViolation, domain.CodeOverrideDenied:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeCannotMerge, domain.CodeInvalidState, domain.CodeNoEscalationTarget:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return respond(map[string]string{"status": "ok"})
	})
}

func registerMe(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal and the permissions its role grants",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[WhoAmIResponse], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resp := WhoAmIResponse{
			ActorID:     principal.ActorID,
			ActorType:   string(principal.ActorType),
			Source:      principal.Source,
			Permissions: []string{},
		}
		if role, ok := e.Registry.ResolveRole(principal.Actor()); ok {
			resp.Role = role.ID
			resp.Permissions = nonNilSlice(role.Permissions)
		}
		return respond(resp)
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*output[DevLoginResponse], error) {
		actorID := strings.TrimSpace(input.Body.ActorID)
		if actorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		actorType, err := parseActorType(input.Body.ActorType)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, string(domain.CodeInvalidActorType), err.Error(), nil)
		}
		token, err := SignToken(authCfg.JWTSecret, domain.Actor{ID: actorID, Type: actorType, RoleOverride: input.Body.Role}, time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return respond(DevLoginResponse{Token: token})
	})
}

func registerAccess(api huma.API, e *engine.Engine) {
	resolve := func(ctx context.Context, in AccessCheckRequest) (domain.Actor, policy.Action, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return domain.Actor{}, "", authErr
		}
		actor := principal.Actor()
		if in.Actor != nil {
			actor = domain.Actor{ID: in.Actor.ID, Type: domain.ActorType(in.Actor.Type), RoleOverride: in.Actor.Role}
			if actor.Type == "" {
				actor.Type = domain.ActorAgent
			}
		}
		return actor, policy.Action(in.Action), nil
	}
	huma.Register(api, huma.Operation{
		OperationID: "check-access",
		Method:      http.MethodPost,
		Path:        "/access/check",
		Summary:     "Decide whether an actor may perform an action; always audited",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body AccessCheckRequest
	}) (*output[auth.Verdict], error) {
		actor, action, err := resolve(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e.CheckAccess(ctx, actor, action, input.Body.UnitID, input.Body.Context))
	})
	huma.Register(api, huma.Operation{
		OperationID: "enforce-access",
		Method:      http.MethodPost,
		Path:        "/access/enforce",
		Summary:     "Like check, but a denial is a 403 error",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body AccessCheckRequest
	}) (*output[auth.Verdict], error) {
		actor, action, err := resolve(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.EnforceAccess(ctx, actor, action, input.Body.UnitID, input.Body.Context)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(v)
	})
}

type auditQuery struct {
	Actor   string `query:"actor"`
	Target  string `query:"target"`
	Action  string `query:"action"`
	Result  string `query:"result"`
	From    string `query:"from" doc:"RFC 3339 lower bound, inclusive"`
	To      string `query:"to" doc:"RFC 3339 upper bound, inclusive"`
	MinRisk int    `query:"min_risk" minimum:"0" maximum:"100"`
	Page    int    `query:"page" default:"1" minimum:"1"`
	Limit   int    `query:"limit" default:"50" minimum:"1" maximum:"1000"`
	Source  string `query:"source" default:"memory" enum:"memory,durable"`
}

func (q auditQuery) filter() (audit.Filter, error) {
	f := audit.Filter{
		Actor: q.Actor, Target: q.Target, Action: q.Action, Result: q.Result,
		MinRisk: q.MinRisk, Page: q.Page, Limit: q.Limit,
	}
	var err error
	if q.From != "" {
		if f.From, err = time.Parse(time.RFC3339, q.From); err != nil {
			return f, newAPIError(http.StatusBadRequest, "bad_request", "invalid from", map[string]any{"from": q.From})
		}
	}
	if q.To != "" {
		if f.To, err = time.Parse(time.RFC3339, q.To); err != nil {
			return f, newAPIError(http.StatusBadRequest, "bad_request", "invalid to", map[string]any{"to": q.To})
		}
	}
	return f, nil
}

func requireAuditRead(ctx context.Context, e *engine.Engine) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	_, err := e.EnforceAccess(ctx, principal.Actor(), policy.ActionAuditRead, "", auth.AccessContext{})
	return err
}

func registerAudit(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Read the audit trail newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *auditQuery) (*output[AuditResponse], error) {
		if err := requireAuditRead(ctx, e); err != nil {
			return nil, handleError(err)
		}
		f, err := input.filter()
		if err != nil {
			return nil, handleError(err)
		}
		if input.Source != "durable" {
			return respond(AuditResponse{Source: "memory", Page: e.Audit.Read(f)})
		}
		entries, total, err := e.DurableAudit(ctx, repo.AuditQuery{
			Actor: f.Actor, Target: f.Target, Action: f.Action, Result: f.Result,
			From: f.From, To: f.To, MinRisk: f.MinRisk,
			Limit: f.Limit, Offset: (f.Page - 1) * f.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(AuditResponse{Source: "durable", Page: audit.Page{
			Entries: nonNilSlice(entries),
			Total:   total,
			Page:    f.Page,
			Limit:   f.Limit,
			HasMore: f.Page*f.Limit < total,
		}})
	})
	huma.Register(api, huma.Operation{
		OperationID: "audit-summary",
		Method:      http.MethodGet,
		Path:        "/audit/summary",
		Summary:     "Aggregate the in-memory audit trail",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *auditQuery) (*output[audit.Summary], error) {
		if err := requireAuditRead(ctx, e); err != nil {
			return nil, handleError(err)
		}
		f, err := input.filter()
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e.Audit.Summary(f))
	})
}

func registerReviews(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-reviews",
		Method:      http.MethodGet,
		Path:        "/reviews",
		Summary:     "List review requests newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"PENDING,IN_REVIEW,APPROVED,CHANGES_REQUESTED,BLOCKED,MERGED,CLOSED"`
		Category string `query:"category"`
		Author   string `query:"author"`
		UnitID   string `query:"unit_id"`
		Reviewer string `query:"reviewer"`
		Limit    int    `query:"limit" default:"50" minimum:"1" maximum:"1000"`
	}) (*output[ReviewListResponse], error) {
		f := review.ListFilter{
			Status: domain.ReviewStatus(input.Status), Author: input.Author,
			UnitID: input.UnitID, Reviewer: input.Reviewer, Limit: input.Limit,
		}
		if input.Category != "" {
			cat, err := policy.ParseCategory(input.Category)
			if err != nil {
				return nil, handleError(domain.Errorf(domain.CodeInvalidCategory, "%v", err))
			}
			f.Category = cat
		}
		items, err := e.ListReviews(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ReviewListResponse{Items: nonNilSlice(items)})
	})
	huma.Register(api, huma.Operation{
		OperationID:   "create-review",
		Method:        http.MethodPost,
		Path:          "/reviews",
		Summary:       "Open a review request authored by the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateReviewRequest
	}) (*output[domain.ReviewRequest], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.CreateReview(ctx, review.CreateInput{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Category:    input.Body.Category,
			Author:      principal.Actor(),
			UnitID:      input.Body.UnitID,
			Files:       input.Body.Files,
			Metadata:    input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(req)
	})
	huma.Register(api, huma.Operation{
		OperationID: "determine-reviewers",
		Method:      http.MethodPost,
		Path:        "/reviews/reviewers",
		Summary:     "Derive required and optional reviewers from changed files",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ReviewersRequest
	}) (*output[ReviewersResponse], error) {
		set, err := e.Reviews.DetermineReviewersForFiles(input.Body.Files, input.Body.UnitID)
		if err != nil {
			return nil, handleError(err)
		}
		set.Categories = nonNilSlice(set.Categories)
		set.Optional = nonNilSlice(set.Optional)
		return respond(set)
	})
	huma.Register(api, huma.Operation{
		OperationID: "get-review",
		Method:      http.MethodGet,
		Path:        "/reviews/{id}",
		Summary:     "Get a review request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.ReviewRequest], error) {
		req, err := e.GetReview(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(req)
	})
	huma.Register(api, huma.Operation{
		OperationID: "submit-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{id}/reviews",
		Summary:     "Record the caller's decision on a review request",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body SubmitReviewRequest
	}) (*output[domain.ReviewRequest], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.SubmitReview(ctx, input.ID, principal.Actor(), domain.Decision(input.Body.Decision), input.Body.Comments)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(req)
	})
	huma.Register(api, huma.Operation{
		OperationID: "merge-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{id}/merge",
		Summary:     "Merge an approved, unblocked review request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body *MergeReviewRequest `required:"false"`
	}) (*output[domain.ReviewRequest], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var ac auth.AccessContext
		if input.Body != nil {
			ac = auth.AccessContext{
				Environment:   input.Body.Environment,
				HumanApproved: input.Body.HumanApproved,
				Approvals:     input.Body.Approvals,
			}
		}
		req, err := e.MergeReview(ctx, input.ID, principal.Actor(), ac)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(req)
	})
	huma.Register(api, huma.Operation{
		OperationID: "close-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{id}/close",
		Summary:     "Close a review request without merging",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body *CloseReviewRequest `required:"false"`
	}) (*output[domain.ReviewRequest], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var reason string
		if input.Body != nil {
			reason = input.Body.Reason
		}
		req, err := e.CloseReview(ctx, input.ID, principal.Actor(), reason)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(req)
	})
}

func registerEscalations(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List escalations newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status" enum:"OPEN,ESCALATED,RESOLVED"`
		Handler string `query:"handler"`
		ActorID string `query:"actor_id"`
		UnitID  string `query:"unit_id"`
		Limit   int    `query:"limit" default:"50" minimum:"1" maximum:"1000"`
	}) (*output[EscalationListResponse], error) {
		items, err := e.ListEscalations(ctx, escalation.ListFilter{
			Status:  domain.EscalationStatus(input.Status),
			Handler: input.Handler,
			ActorID: input.ActorID,
			UnitID:  input.UnitID,
			Limit:   input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(EscalationListResponse{Items: nonNilSlice(items)})
	})
	huma.Register(api, huma.Operation{
		OperationID: "escalate",
		Method:      http.MethodPost,
		Path:        "/escalations",
		Summary:     "Open an escalation as the caller or forward a stored one a hop up",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body EscalationInput
	}) (*output[domain.EscalationRequest], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.Escalate(ctx, input.Body.toDomain(), principal.Actor())
		if err != nil {
			return nil, handleError(err)
		}
		return respond(out)
	})
	huma.Register(api, huma.Operation{
		OperationID: "resolve-escalation",
		Method:      http.MethodPost,
		Path:        "/escalations/resolve",
		Summary:     "Approve or reject a stored escalation as the caller",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ResolveEscalationRequest
	}) (*output[domain.EscalationRequest], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.ResolveEscalation(ctx, input.Body.ID, principal.Actor(), input.Body.Approve, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(out)
	})
	huma.Register(api, huma.Operation{
		OperationID: "get-escalation",
		Method:      http.MethodGet,
		Path:        "/escalations/{id}",
		Summary:     "Get an escalation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.EscalationRequest], error) {
		out, err := e.GetEscalation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(out)
	})
	huma.Register(api, huma.Operation{
		OperationID: "escalation-target",
		Method:      http.MethodGet,
		Path:        "/escalations/target",
		Summary:     "Name the authority who decides an action in a unit",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		UnitID string `query:"unit_id"`
		Action string `query:"action" required:"true"`
	}) (*output[map[string]string], error) {
		target, err := e.Router.ResolveEscalationTarget(input.UnitID, policy.Action(input.Action))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(map[string]string{"target": target})
	})
	huma.Register(api, huma.Operation{
		OperationID: "can-execute",
		Method:      http.MethodGet,
		Path:        "/escalations/can-execute",
		Summary:     "Ask whether an agent may act alone and whom to escalate to if not",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id" required:"true"`
		UnitID  string `query:"unit_id"`
		Action  string `query:"action" required:"true"`
	}) (*output[escalation.ExecutionVerdict], error) {
		return respond(e.Router.CanExecuteAction(input.ActorID, input.UnitID, policy.Action(input.Action)))
	})
	huma.Register(api, huma.Operation{
		OperationID: "escalation-path",
		Method:      http.MethodGet,
		Path:        "/escalations/path/{agent_id}",
		Summary:     "Authorities above an agent, nearest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*output[PathResponse], error) {
		if _, ok := e.Registry.Agent(input.AgentID); !ok {
			return nil, handleError(domain.Errorf(domain.CodeUnknownActor, "agent %q does not exist", input.AgentID))
		}
		return respond(PathResponse{AgentID: input.AgentID, Path: nonNilSlice(e.Router.EscalationPath(input.AgentID))})
	})
	huma.Register(api, huma.Operation{
		OperationID: "validate-override",
		Method:      http.MethodPost,
		Path:        "/overrides/validate",
		Summary:     "Check whether one agent may override another",
	}, func(ctx context.Context, input *struct {
		Body OverrideRequest
	}) (*output[escalation.OverrideDecision], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID := input.Body.ActorID
		if actorID == "" {
			actorID = principal.ActorID
		}
		return respond(e.Router.ValidateOverride(ctx, actorID, input.Body.TargetID))
	})
	huma.Register(api, huma.Operation{
		OperationID: "policy-violations",
		Method:      http.MethodPost,
		Path:        "/policy/violations",
		Summary:     "List the sign-off rules a proposed action would break",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ViolationsRequest
	}) (*output[ViolationsResponse], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pctx := escalation.PolicyContext{
			ActorID:       input.Body.ActorID,
			UnitID:        input.Body.UnitID,
			Environment:   input.Body.Environment,
			Approvals:     input.Body.Approvals,
			HumanApproved: input.Body.HumanApproved,
		}
		if pctx.ActorID == "" {
			pctx.ActorID = principal.ActorID
		}
		vs, err := e.Router.CheckPolicyViolations(policy.Action(input.Body.Action), pctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ViolationsResponse{Violations: nonNilSlice(vs)})
	})
}

func registerDirectory(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "Agents by rank",
	}, func(ctx context.Context, _ *struct{}) (*output[AgentListResponse], error) {
		return respond(AgentListResponse{Items: nonNilSlice(e.Registry.Agents())})
	})
	huma.Register(api, huma.Operation{
		OperationID: "list-units",
		Method:      http.MethodGet,
		Path:        "/units",
		Summary:     "Organizational units",
	}, func(ctx context.Context, _ *struct{}) (*output[UnitListResponse], error) {
		return respond(UnitListResponse{Items: nonNilSlice(e.Registry.Units())})
	})
	huma.Register(api, huma.Operation{
		OperationID: "list-categories",
		Method:      http.MethodGet,
		Path:        "/categories",
		Summary:     "The category policy table",
	}, func(ctx context.Context, _ *struct{}) (*output[CategoryListResponse], error) {
		return respond(CategoryListResponse{Items: nonNilSlice(e.Registry.Categories())})
	})
}
