package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"govline/internal/domain"
	"govline/internal/engine"
	"govline/internal/engine/auth"
	"govline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"handoff_not_acceptable"`
	Message string         `json:"message" example:"handoff score 62 below acceptance threshold 85"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"unmet_gates\":[\"narrative_quality\"]}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the govline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Handle("/metrics", promhttp.Handler())
	hcfg := huma.DefaultConfig("govline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDirectives(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerEvidence(group, cfg.Engine)
	registerHandoffs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"fields": ve.Fields})
	}
	var it domain.InvalidTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": it.From, "to": it.To})
	}
	var cm domain.ConcurrentModificationError
	if errors.As(err, &cm) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"entity": cm.Entity, "id": cm.ID})
	}
	var na domain.HandoffNotAcceptableError
	if errors.As(err, &na) {
		return newAPIError(http.StatusUnprocessableEntity, "handoff_not_acceptable", err.Error(), map[string]any{
			"status":          na.Status,
			"score":           na.Score,
			"threshold":       na.Threshold,
			"unmet_gates":     nonNilSlice(na.UnmetGates),
			"blocking_failed": nonNilSlice(na.BlockingFailed),
			"remediation":     nonNilSlice(na.Remediation),
		})
	}
	var cb domain.CompletionBlockedError
	if errors.As(err, &cb) {
		return newAPIError(http.StatusUnprocessableEntity, "completion_blocked", err.Error(), map[string]any{
			"reason":            cb.Reason,
			"current_progress":  cb.CurrentProgress,
			"incomplete_phases": nonNilSlice(cb.IncompletePhases),
		})
	}
	var pn domain.PhaseNotReadyError
	if errors.As(err, &pn) {
		return newAPIError(http.StatusUnprocessableEntity, "phase_not_ready", err.Error(), map[string]any{"phase": pn.Phase, "progress": pn.Progress})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>govline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type directivePath struct {
	ID string `path:"directive_id"`
}

type directiveOutput struct {
	Body domain.Directive `json:"body"`
}

func directiveResult(d domain.Directive, err error) (*directiveOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &directiveOutput{Body: d}, nil
}

func registerDirectives(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-directive",
		Method:        http.MethodPost,
		Path:          "/directives",
		Summary:       "Create directive",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateDirectiveRequest `json:"body"`
	}) (*directiveOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, err := requirePermission(ctx, auth.DirectiveWrite)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.DirectiveCreateOptions{
			Title:                  input.Body.Title,
			Description:            stringOrEmpty(input.Body.Description),
			Type:                   input.Body.Type,
			ParentID:               stringOrEmpty(input.Body.ParentID),
			RequiresGatedSubagents: input.Body.RequiresGatedSubagents,
			ActorID:                principal.ActorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		return directiveResult(e.CreateDirective(ctx, opts))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-directives",
		Method:      http.MethodGet,
		Path:        "/directives",
		Summary:     "List directives",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		Phase    string `query:"phase"`
		Type     string `query:"type"`
		ParentID string `query:"parent_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedDirectives `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListDirectives(ctx, repo.DirectiveFilters{
			Status:   input.Status,
			Phase:    input.Phase,
			Type:     input.Type,
			ParentID: input.ParentID,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedDirectives `json:"body"`
		}{Body: paginatedDirectives{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-directive",
		Method:      http.MethodGet,
		Path:        "/directives/{directive_id}",
		Summary:     "Get directive",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *directivePath) (*directiveOutput, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		return directiveResult(e.GetDirective(ctx, input.ID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-directive",
		Method:      http.MethodPost,
		Path:        "/directives/{directive_id}/approve",
		Summary:     "Approve a draft directive (DRAFT to LEAD)",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *directivePath) (*directiveOutput, error) {
		principal, err := requirePermission(ctx, auth.DirectiveApprove)
		if err != nil {
			return nil, handleError(err)
		}
		return directiveResult(e.ApproveDirective(ctx, input.ID, principal.ActorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-directive",
		Method:      http.MethodPost,
		Path:        "/directives/{directive_id}/complete",
		Summary:     "Complete a directive through the completion guard",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *directivePath) (*directiveOutput, error) {
		principal, err := requirePermission(ctx, auth.DirectiveComplete)
		if err != nil {
			return nil, handleError(err)
		}
		return directiveResult(e.CompleteDirective(ctx, input.ID, principal.ActorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-directive",
		Method:      http.MethodPost,
		Path:        "/directives/{directive_id}/archive",
		Summary:     "Archive an open directive",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"directive_id"`
		Body ArchiveDirectiveRequest `json:"body" required:"false"`
	}) (*directiveOutput, error) {
		principal, err := requirePermission(ctx, auth.DirectiveWrite)
		if err != nil {
			return nil, handleError(err)
		}
		return directiveResult(e.ArchiveDirective(ctx, input.ID, input.Body.Reason, principal.ActorID))
	})
}

func registerPhases(api huma.API, e engine.Engine) {
	type progressOutput struct {
		Body ProgressResponse `json:"body"`
	}
	type contributionOutput struct {
		Body domain.PhaseContribution `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-progress",
		Method:      http.MethodGet,
		Path:        "/directives/{directive_id}/progress",
		Summary:     "Progress breakdown",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *directivePath) (*progressOutput, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		b, err := e.GetProgress(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		b.Phases = nonNilSlice(b.Phases)
		return &progressOutput{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-phase-progress",
		Method:      http.MethodPut,
		Path:        "/directives/{directive_id}/phases/{phase}",
		Summary:     "Set phase progress (clamped to 0..100)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID    string                  `path:"directive_id"`
		Phase string                  `path:"phase"`
		Body  SetPhaseProgressRequest `json:"body"`
	}) (*contributionOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, err := requirePermission(ctx, auth.ProgressWrite)
		if err != nil {
			return nil, handleError(err)
		}
		pc, err := e.SetPhaseProgress(ctx, input.ID, input.Phase, input.Body.Progress, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &contributionOutput{Body: pc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-phase",
		Method:      http.MethodPost,
		Path:        "/directives/{directive_id}/phases/{phase}/complete",
		Summary:     "Mark a phase at 100% complete",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"directive_id"`
		Phase string `path:"phase"`
	}) (*contributionOutput, error) {
		principal, err := requirePermission(ctx, auth.ProgressWrite)
		if err != nil {
			return nil, handleError(err)
		}
		pc, err := e.MarkPhaseComplete(ctx, input.ID, input.Phase, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &contributionOutput{Body: pc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-verdict",
		Method:        http.MethodPost,
		Path:          "/directives/{directive_id}/verdicts",
		Summary:       "Record a sub-agent verdict",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"directive_id"`
		Body RecordVerdictRequest `json:"body"`
	}) (*struct {
		Body domain.Verdict `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, auth.VerdictWrite)
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.RecordVerdict(ctx, engine.VerdictOptions{
			DirectiveID: input.ID,
			AgentCode:   input.Body.AgentCode,
			Verdict:     input.Body.Verdict,
			Confidence:  input.Body.Confidence,
			Summary:     stringOrEmpty(input.Body.Summary),
			ActorID:     principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Verdict `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-verdicts",
		Method:      http.MethodGet,
		Path:        "/directives/{directive_id}/verdicts",
		Summary:     "List sub-agent verdicts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *directivePath) (*struct {
		Body verdictList `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListVerdicts(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body verdictList `json:"body"`
		}{Body: verdictList{Items: nonNilSlice(items)}}, nil
	})
}

func registerEvidence(api huma.API, e engine.Engine) {
	type checklistOutput struct {
		Body domain.ChecklistItem `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "record-prd",
		Method:      http.MethodPut,
		Path:        "/directives/{directive_id}/prd",
		Summary:     "Record the requirements document",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"directive_id"`
		Body RecordPRDRequest `json:"body"`
	}) (*struct {
		Body domain.PRD `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, auth.EvidenceWrite)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.RecordPRD(ctx, input.ID, input.Body.Title, input.Body.Status, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PRD `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-checklist-item",
		Method:        http.MethodPost,
		Path:          "/directives/{directive_id}/checklist",
		Summary:       "Add a checklist item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"directive_id"`
		Body AddChecklistItemRequest `json:"body"`
	}) (*checklistOutput, error) {
		principal, err := requirePermission(ctx, auth.EvidenceWrite)
		if err != nil {
			return nil, handleError(err)
		}
		item, err := e.AddChecklistItem(ctx, input.ID, input.Body.Phase, input.Body.Label, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &checklistOutput{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-checklist",
		Method:      http.MethodGet,
		Path:        "/directives/{directive_id}/checklist",
		Summary:     "List checklist items",
	}, func(ctx context.Context, input *directivePath) (*struct {
		Body checklistList `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListChecklist(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body checklistList `json:"body"`
		}{Body: checklistList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-checklist-item",
		Method:      http.MethodPatch,
		Path:        "/checklist/{item_id}",
		Summary:     "Tick or untick a checklist item",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ItemID string                     `path:"item_id"`
		Body   UpdateChecklistItemRequest `json:"body"`
	}) (*checklistOutput, error) {
		principal, err := requirePermission(ctx, auth.EvidenceWrite)
		if err != nil {
			return nil, handleError(err)
		}
		item, err := e.SetChecklistItem(ctx, input.ItemID, input.Body.Done, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &checklistOutput{Body: item}, nil
	})
}

type handoffOutput struct {
	Body HandoffResponse `json:"body"`
}

func registerHandoffs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "propose-handoff",
		Method:        http.MethodPost,
		Path:          "/directives/{directive_id}/handoffs",
		Summary:       "Propose a handoff and run the gate pipeline",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"directive_id"`
		Body ProposeHandoffRequest `json:"body"`
	}) (*handoffOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, err := requirePermission(ctx, auth.HandoffPropose)
		if err != nil {
			return nil, handleError(err)
		}
		h, err := e.ProposeHandoff(ctx, engine.ProposeOptions{
			DirectiveID: input.ID,
			ToPhase:     input.Body.ToPhase,
			Narrative:   input.Body.Narrative,
			Metadata:    input.Body.Metadata,
			ActorID:     principal.ActorID,
		})
		return handoffResult(ctx, e, h, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-handoffs",
		Method:      http.MethodGet,
		Path:        "/handoffs",
		Summary:     "List handoffs",
	}, func(ctx context.Context, input *struct {
		DirectiveID string `query:"directive_id"`
		Status      string `query:"status" enum:"pending,accepted,rejected"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedHandoffs `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListHandoffs(ctx, repo.HandoffFilters{
			DirectiveID: input.DirectiveID,
			Status:      input.Status,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		thresholds := map[string]int{}
		resp := paginatedHandoffs{Items: []HandoffResponse{}}
		for _, h := range items {
			t, ok := thresholds[h.DirectiveID]
			if !ok {
				t, err = thresholdFor(ctx, e, h.DirectiveID)
				if err != nil {
					return nil, handleError(err)
				}
				thresholds[h.DirectiveID] = t
			}
			resp.Items = append(resp.Items, handoffResponse(h, t))
		}
		return &struct {
			Body paginatedHandoffs `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-handoff",
		Method:      http.MethodGet,
		Path:        "/handoffs/{handoff_id}",
		Summary:     "Get handoff",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"handoff_id"`
	}) (*handoffOutput, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		h, err := e.GetHandoff(ctx, input.ID)
		return handoffResult(ctx, e, h, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-handoff",
		Method:      http.MethodPost,
		Path:        "/handoffs/{handoff_id}/accept",
		Summary:     "Accept a pending handoff",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"handoff_id"`
	}) (*handoffOutput, error) {
		principal, err := requirePermission(ctx, auth.HandoffAccept)
		if err != nil {
			return nil, handleError(err)
		}
		h, err := e.AcceptHandoff(ctx, input.ID, principal.ActorID)
		return handoffResult(ctx, e, h, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-handoff",
		Method:      http.MethodPost,
		Path:        "/handoffs/{handoff_id}/reject",
		Summary:     "Reject a pending handoff",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"handoff_id"`
		Body RejectHandoffRequest `json:"body"`
	}) (*handoffOutput, error) {
		principal, err := requirePermission(ctx, auth.HandoffAccept)
		if err != nil {
			return nil, handleError(err)
		}
		h, err := e.RejectHandoff(ctx, input.ID, input.Body.Reason, principal.ActorID)
		return handoffResult(ctx, e, h, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-pending-handoffs",
		Method:      http.MethodPost,
		Path:        "/handoffs/accept-pending",
		Summary:     "Accept every acceptable pending handoff",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body AcceptPendingRequest `json:"body" required:"false"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, auth.HandoffAccept)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.AcceptPending(ctx, input.Body.DirectiveID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: res}, nil
	})
}

func thresholdFor(ctx context.Context, e engine.Engine, directiveID string) (int, error) {
	d, err := e.GetDirective(ctx, directiveID)
	if err != nil {
		return 0, err
	}
	return e.Policy.AcceptanceThreshold(d.Type), nil
}

func handoffResult(ctx context.Context, e engine.Engine, h domain.Handoff, err error) (*handoffOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	t, err := thresholdFor(ctx, e, h.DirectiveID)
	if err != nil {
		return nil, handleError(err)
	}
	return &handoffOutput{Body: handoffResponse(h, t)}, nil
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type        string `query:"type"`
		EntityKind  string `query:"entity_kind" enum:"directive,handoff,phase,verdict,prd,checklist_item,api_key"`
		EntityID    string `query:"entity_id"`
		DirectiveID string `query:"directive_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, limit+1, cursorID, repo.EventFilters{
			Type:        input.Type,
			EntityKind:  input.EntityKind,
			EntityID:    input.EntityID,
			DirectiveID: input.DirectiveID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create an API key; the key is returned once",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, auth.APIKeyCreate)
		if err != nil {
			return nil, handleError(err)
		}
		actorID := principal.ActorID
		if input.Body.ActorID != nil && strings.TrimSpace(*input.Body.ActorID) != "" {
			actorID = strings.TrimSpace(*input.Body.ActorID)
		}
		// a key never carries more than its creator holds
		for _, p := range input.Body.Permissions {
			if !auth.Allowed(principal.Permissions, p) {
				return nil, handleError(auth.ForbiddenError{Permission: p})
			}
		}
		key, secret, err := e.CreateAPIKey(ctx, actorID, input.Body.Name, input.Body.Permissions)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: apiKeyResponse(key, secret)}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: nonNilSlice(principal.Permissions),
			Source:      principal.Source,
		}}, nil
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
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions, time.Duration(input.Body.TTLSeconds)*time.Second)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
