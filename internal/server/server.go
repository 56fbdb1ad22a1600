// Package server exposes the triage engine over HTTP. Errors use one JSON
// envelope; the engine's typed errors decide the status code.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"triageline/internal/config"
	"triageline/internal/domain"
	"triageline/internal/engine"
	"triageline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_action"`
	Message string         `json:"message" example:"action snooze does not accept field assign_to"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the triage API.
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
	hcfg := huma.DefaultConfig("Triageline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	registerDocs(router, basePath)
	registerHealth(group)
	registerSignals(group, cfg.Engine)
	registerIssues(group, cfg.Engine)
	registerInbox(group, cfg.Engine)
	registerSuppressions(group, cfg.Engine)
	registerLog(group, cfg.Engine)
	registerConfig(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	serverLogger = logger
	return router, nil
}

// serverLogger receives invariant violation reports. Those are defects, not
// client mistakes, and must not pass silently.
var serverLogger = log.Default()

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
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{"action": ve.Action}
		if len(ve.Rejected) > 0 {
			details["rejected"] = ve.Rejected
		}
		if ve.Missing != "" {
			details["missing"] = ve.Missing
		}
		if ve.Invalid != "" {
			details["invalid"] = ve.Invalid
		}
		return newAPIError(http.StatusBadRequest, "invalid_action", err.Error(), details)
	}
	var te engine.AlreadyTerminalError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "already_terminal", err.Error(), map[string]any{"state": te.State})
	}
	var it engine.InvalidTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"state": it.State, "action": it.Action})
	}
	var iv repo.InvariantViolationError
	if errors.As(err, &iv) {
		serverLogger.Printf("INVARIANT VIOLATION: %v", err)
		return newAPIError(http.StatusInternalServerError, "invariant_violation", "internal error", map[string]any{"entity": iv.Entity})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Triageline API Docs</title>
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

func registerSignals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-signal",
		Method:        http.MethodPost,
		Path:          "/signals",
		Summary:       "Ingest a detector signal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body IngestSignalRequest `json:"body"`
	}) (*struct {
		Body IngestResponse `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		res, err := e.IngestSignal(ctx, engine.SignalInput{
			Source:         input.Body.Source,
			SourceRef:      input.Body.SourceRef,
			Sentiment:      input.Body.Sentiment,
			Severity:       input.Body.Severity,
			ClientID:       input.Body.ClientID,
			BrandID:        input.Body.BrandID,
			EngagementID:   input.Body.EngagementID,
			Summary:        input.Body.Summary,
			EvidenceJSON:   input.Body.EvidenceJSON,
			AggregationKey: input.Body.AggregationKey,
			Candidates:     input.Body.Candidates,
			ObservedAt:     input.Body.ObservedAt,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IngestResponse `json:"body"`
		}{Body: IngestResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-signals",
		Method:      http.MethodGet,
		Path:        "/signals",
		Summary:     "List recent signals",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body signalList `json:"body"`
	}, error) {
		items, err := e.Repo.ListSignals(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body signalList `json:"body"`
		}{Body: signalList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dismiss-signal",
		Method:      http.MethodPost,
		Path:        "/signals/{signal_id}/dismiss",
		Summary:     "Dismiss a raw signal",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		SignalID string `path:"signal_id"`
	}) (*struct {
		Body domain.Signal `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sig, err := e.DismissSignal(ctx, input.SignalID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Signal `json:"body"`
		}{Body: sig}, nil
	})
}

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-issue",
		Method:        http.MethodPost,
		Path:          "/issues",
		Summary:       "Create a tracked issue",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateIssueRequest `json:"body"`
	}) (*struct {
		Body IssueWithItemResponse `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		issue, item, err := e.CreateIssue(ctx, engine.IssueCreateOptions{
			ID:             strOrEmpty(input.Body.ID),
			Type:           input.Body.Type,
			Severity:       input.Body.Severity,
			ClientID:       input.Body.ClientID,
			BrandID:        strOrEmpty(input.Body.BrandID),
			EngagementID:   strOrEmpty(input.Body.EngagementID),
			Title:          input.Body.Title,
			EvidenceJSON:   strOrEmpty(input.Body.EvidenceJSON),
			AggregationKey: strOrEmpty(input.Body.AggregationKey),
			FromSignalID:   strOrEmpty(input.Body.FromSignalID),
			Surfaced:       input.Body.Surfaced,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueWithItemResponse `json:"body"`
		}{Body: IssueWithItemResponse{Issue: issue, Item: item}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues",
	}, func(ctx context.Context, input *struct {
		State        string `query:"state"`
		Type         string `query:"type"`
		Severity     string `query:"severity"`
		ClientID     string `query:"client_id"`
		EngagementID string `query:"engagement_id"`
		Limit        int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body issueList `json:"body"`
	}, error) {
		items, err := e.ListIssues(ctx, repo.IssueFilter{
			State:        input.State,
			Type:         input.Type,
			Severity:     input.Severity,
			ClientID:     input.ClientID,
			EngagementID: input.EngagementID,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body issueList `json:"body"`
		}{Body: issueList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issue-counts",
		Method:      http.MethodGet,
		Path:        "/issues/counts",
		Summary:     "Issue counts grouped by state or severity",
	}, func(ctx context.Context, input *struct {
		By string `query:"by" default:"state" enum:"state,severity,type"`
	}) (*struct {
		Body CountsResponse `json:"body"`
	}, error) {
		counts, err := e.Repo.CountIssuesBy(ctx, input.By)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CountsResponse `json:"body"`
		}{Body: CountsResponse{Counts: counts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}",
		Summary:     "Get one issue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		issue, err := e.GetIssue(ctx, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issue-action",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/actions",
		Summary:     "Apply a lifecycle action to an issue",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		IssueID string             `path:"issue_id"`
		Body    IssueActionRequest `json:"body"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Action == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action is required", nil)
		}
		opts := engine.IssueActionOptions{
			Note:            input.Body.Note,
			TriggerSignalID: input.Body.TriggerSignalID,
		}
		if input.Body.SnoozeDays != nil {
			opts.SnoozeDays = *input.Body.SnoozeDays
		}
		if input.Body.SnoozeReason != nil {
			opts.SnoozeReason = *input.Body.SnoozeReason
		}
		if input.Body.AssignTo != nil {
			opts.AssignTo = *input.Body.AssignTo
		}
		issue, err := e.TransitionIssue(ctx, input.IssueID, input.Body.Action, actor, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issue-transitions",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}/transitions",
		Summary:     "Full transition history of an issue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
	}) (*struct {
		Body transitionList `json:"body"`
	}, error) {
		if _, err := e.GetIssue(ctx, input.IssueID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListIssueTransitions(ctx, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body transitionList `json:"body"`
		}{Body: transitionList{Items: items}}, nil
	})
}

func registerInbox(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-inbox",
		Method:      http.MethodGet,
		Path:        "/inbox",
		Summary:     "List inbox items",
	}, func(ctx context.Context, input *struct {
		State        string `query:"state"`
		Type         string `query:"type"`
		Severity     string `query:"severity"`
		ClientID     string `query:"client_id"`
		EngagementID string `query:"engagement_id"`
		Limit        int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body inboxList `json:"body"`
	}, error) {
		items, err := e.ListInboxItems(ctx, repo.InboxFilter{
			State:        input.State,
			Type:         input.Type,
			Severity:     input.Severity,
			ClientID:     input.ClientID,
			EngagementID: input.EngagementID,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body inboxList `json:"body"`
		}{Body: inboxList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "inbox-counts",
		Method:      http.MethodGet,
		Path:        "/inbox/counts",
		Summary:     "Inbox counts grouped by state or severity",
	}, func(ctx context.Context, input *struct {
		By string `query:"by" default:"state" enum:"state,severity,type"`
	}) (*struct {
		Body CountsResponse `json:"body"`
	}, error) {
		counts, err := e.Repo.CountInboxBy(ctx, input.By)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CountsResponse `json:"body"`
		}{Body: CountsResponse{Counts: counts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-inbox-item",
		Method:      http.MethodGet,
		Path:        "/inbox/{item_id}",
		Summary:     "Get one inbox item, stamping read_at",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.InboxItem `json:"body"`
	}, error) {
		item, err := e.MarkInboxItemRead(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InboxItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "inbox-action",
		Method:      http.MethodPost,
		Path:        "/inbox/{item_id}/actions",
		Summary:     "Apply one primary action to an inbox item",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ItemID string             `path:"item_id"`
		Body   InboxActionRequest `json:"body"`
	}) (*struct {
		Body domain.InboxItem `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Action == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action is required", nil)
		}
		item, err := e.InboxAct(ctx, input.ItemID, input.Body.Action, engine.ActionPayload{
			AssignTo:          input.Body.AssignTo,
			SnoozeDays:        input.Body.SnoozeDays,
			LinkEngagementID:  input.Body.LinkEngagementID,
			SelectCandidateID: input.Body.SelectCandidateID,
			IssueID:           input.Body.IssueID,
			ExpiryDays:        input.Body.ExpiryDays,
			Reason:            input.Body.Reason,
			Note:              input.Body.Note,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InboxItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resurface-inbox-item",
		Method:      http.MethodPost,
		Path:        "/inbox/{item_id}/resurface",
		Summary:     "Bring a snoozed item back to proposed",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.InboxItem `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.ResurfaceInboxItem(ctx, input.ItemID, actor, domain.ReasonUser)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InboxItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "inbox-transitions",
		Method:      http.MethodGet,
		Path:        "/inbox/{item_id}/transitions",
		Summary:     "Full transition history of an inbox item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body transitionList `json:"body"`
	}, error) {
		if _, err := e.GetInboxItem(ctx, input.ItemID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListInboxTransitions(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body transitionList `json:"body"`
		}{Body: transitionList{Items: items}}, nil
	})
}

func registerSuppressions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-suppression-rules",
		Method:      http.MethodGet,
		Path:        "/suppressions",
		Summary:     "List suppression rules",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body ruleList `json:"body"`
	}, error) {
		items, err := e.ListSuppressionRules(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ruleList `json:"body"`
		}{Body: ruleList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-suppression-rule",
		Method:        http.MethodPost,
		Path:          "/suppressions",
		Summary:       "Create a suppression rule pre-emptively",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateSuppressionRuleRequest `json:"body"`
	}) (*struct {
		Body domain.SuppressionRule `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rule, err := e.CreateSuppressionRule(ctx, domain.SuppressionRule{
			SuppressionKey: input.Body.SuppressionKey,
			ItemType:       input.Body.ItemType,
			ClientID:       input.Body.ClientID,
			EngagementID:   input.Body.EngagementID,
			Source:         input.Body.Source,
			CreatedBy:      actor,
			Reason:         input.Body.Reason,
		}, input.Body.ExpiryDays)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SuppressionRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-suppression-rule",
		Method:        http.MethodDelete,
		Path:          "/suppressions/{suppression_key}",
		Summary:       "Remove a suppression rule",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		SuppressionKey string `path:"suppression_key"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Unsuppress(ctx, input.SuppressionKey); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerLog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tail-transitions",
		Method:      http.MethodGet,
		Path:        "/log",
		Summary:     "Most recent issue transitions",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body transitionList `json:"body"`
	}, error) {
		items, err := e.Repo.TailIssueTransitions(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body transitionList `json:"body"`
		}{Body: transitionList{Items: items}}, nil
	})
}

func registerConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Export the active configuration as YAML",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			YAML string `json:"yaml"`
		} `json:"body"`
	}, error) {
		data, err := e.Config.Get().ToYAML()
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				YAML string `json:"yaml"`
			} `json:"body"`
		}{}
		out.Body.YAML = string(data)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-config",
		Method:      http.MethodPut,
		Path:        "/config",
		Summary:     "Import configuration from YAML",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body struct {
			YAML string `json:"yaml"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			YAML string `json:"yaml"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		cfg, err := config.FromYAML([]byte(input.Body.YAML))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if err := e.UpdateConfig(ctx, cfg); err != nil {
			return nil, handleError(err)
		}
		data, err := e.Config.Get().ToYAML()
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				YAML string `json:"yaml"`
			} `json:"body"`
		}{}
		out.Body.YAML = string(data)
		return out, nil
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
		token, err := signDevToken(authCfg.JWTSecret, actor)
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

func strOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
