package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"flowline/internal/engine"
	"flowline/internal/flowerr"
	"flowline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_state"`
	Message string         `json:"message" example:"cannot advance session in status paused"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the read side of the engine. The API
// is deliberately read-only; mutations go through the CLI against the same
// workspace database.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Flowline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDefinitions(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	var fe *flowerr.Error
	if errors.As(err, &fe) {
		var details map[string]any
		if len(fe.Details) > 0 {
			details = map[string]any{"issues": fe.Details}
		}
		switch fe.Kind {
		case flowerr.Validation:
			return newAPIError(http.StatusUnprocessableEntity, "validation_failed", fe.Message, details)
		case flowerr.NotFound:
			return newAPIError(http.StatusNotFound, "not_found", fe.Message, details)
		case flowerr.IllegalState:
			return newAPIError(http.StatusConflict, "illegal_state", fe.Message, details)
		case flowerr.Conflict:
			return newAPIError(http.StatusConflict, "conflict", fe.Message, details)
		}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Flowline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func registerDefinitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-definitions",
		Method:      http.MethodGet,
		Path:        "/definitions",
		Summary:     "List workflow definitions",
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Status string `query:"status" enum:"active,archived,"`
	}) (*definitionListResponse, error) {
		items, err := e.ListDefinitions(ctx, repo.DefinitionFilters{Type: input.Type, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return newDefinitionListResponse(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-definition",
		Method:      http.MethodGet,
		Path:        "/definitions/{definition_id}",
		Summary:     "Get a definition with its graph",
	}, func(ctx context.Context, input *struct {
		DefinitionID string `path:"definition_id"`
	}) (*definitionDetailResponse, error) {
		detail, err := e.GetDefinitionDetail(ctx, input.DefinitionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &definitionDetailResponse{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-definition",
		Method:      http.MethodGet,
		Path:        "/definitions/{definition_id}/validation",
		Summary:     "Run structural validation against a definition",
	}, func(ctx context.Context, input *struct {
		DefinitionID string `path:"definition_id"`
	}) (*validationResponse, error) {
		issues, err := e.ValidateDefinition(ctx, input.DefinitionID)
		if err != nil {
			return nil, handleError(err)
		}
		return newValidationResponse(issues), nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List flow sessions",
	}, func(ctx context.Context, input *struct {
		DefinitionID string `query:"definition_id"`
		Status       string `query:"status" enum:"active,paused,completed,aborted,"`
		Limit        int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*sessionListResponse, error) {
		items, err := e.ListSessions(ctx, repo.SessionFilters{
			DefinitionID: input.DefinitionID,
			Status:       input.Status,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return newSessionListResponse(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get a session with its stage history",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*sessionDetailResponse, error) {
		detail, err := e.GetSessionDetail(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionDetailResponse{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session-context",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/context",
		Summary:     "Get the shared context of a session",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*contextResponse, error) {
		detail, err := e.GetSessionDetail(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return newContextResponse(detail.Session.Context), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the status event log",
	}, func(ctx context.Context, input *struct {
		SessionID  string `query:"session_id"`
		EntityKind string `query:"entity_kind" enum:"definition,session,stage_instance,"`
		Limit      int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*eventListResponse, error) {
		items, err := e.Repo.LatestStatusEvents(ctx, repo.StatusEventFilters{
			SessionID:  input.SessionID,
			EntityKind: input.EntityKind,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return newEventListResponse(items), nil
	})
}
