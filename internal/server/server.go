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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"fieldcheck/internal/domain"
	"fieldcheck/internal/engine"
	"fieldcheck/internal/engine/auth"
	"fieldcheck/internal/repo"
	"fieldcheck/internal/upload"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Files    upload.DiskStore
	Log      zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"submission blocked by 2 deficiencies"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
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

// New returns an HTTP handler exposing the Fieldcheck API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope everywhere.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema validation errors are 400 bad_request; 422 is reserved
			// for blocked submissions.
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
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") || r.Header.Get("Content-Type") == "" {
				bodyBytes, _ := io.ReadAll(r.Body)
				r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
				ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Fieldcheck API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSites(group, cfg.Engine)
	registerTemplates(group, cfg.Engine)
	registerInstances(group, cfg.Engine)
	registerResponses(group, cfg.Engine)
	registerPhotos(router, basePath, cfg)
	registerSignatures(group, cfg.Engine)
	registerSubmission(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerFiles(router, cfg.Files)
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{
			"deficiencies": deficiencyDTOs(ve.Deficiencies),
		})
	}
	var ce engine.CompletionError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadGateway, "completion_failed", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInstanceSubmitted) {
		return newAPIError(http.StatusConflict, "already_submitted", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"),
		strings.Contains(lowered, "in flight"),
		strings.Contains(lowered, "being submitted"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

func requirePermission(ctx context.Context, e engine.Engine, siteID, perm string) error {
	principal, authErr := principalFromContextOrError(ctx)
	if authErr != nil {
		return authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	ok, err := e.Auth.ActorHasPermission(ctx, siteID, principal.ActorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerFiles(r chi.Router, store upload.DiskStore) {
	if store.Dir == "" {
		return
	}
	fs := http.StripPrefix("/files/", http.FileServer(http.Dir(store.Dir)))
	r.Get("/files/*", func(w http.ResponseWriter, req *http.Request) {
		fs.ServeHTTP(w, req)
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
		joinPath(basePath, "health"):         true,
		joinPath(basePath, "auth/dev/login"): true,
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

func joinPath(base, rest string) string {
	p := path.Join(base, rest)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Fieldcheck API Docs</title>
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

func registerSites(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-site",
		Method:        http.MethodPost,
		Path:          "/sites",
		Summary:       "Create site",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateSiteRequest `json:"body"`
	}) (*struct {
		Body SiteResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		s, err := e.InitSite(ctx, input.Body.ID, desc, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SiteResponse `json:"body"`
		}{Body: siteResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sites",
		Method:      http.MethodGet,
		Path:        "/sites",
		Summary:     "List sites",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []SiteResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListSites(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]SiteResponse, 0, len(items))
		for _, s := range items {
			res = append(res, siteResponse(s))
		}
		return &struct {
			Body []SiteResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-site",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}",
		Summary:     "Get site",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
	}) (*struct {
		Body SiteResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.SiteID, "site.read"); err != nil {
			return nil, handleError(err)
		}
		s, err := e.Repo.GetSite(ctx, input.SiteID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SiteResponse `json:"body"`
		}{Body: siteResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-site-config",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/config",
		Summary:     "Get site config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
	}) (*struct {
		Body SiteConfigResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.SiteID, "site.read"); err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.Repo.GetSiteConfig(ctx, input.SiteID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SiteConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "site-status",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/status",
		Summary:     "Site status with instance counts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.SiteID, "site.read"); err != nil {
			return nil, handleError(err)
		}
		s, err := e.Repo.GetSite(ctx, input.SiteID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountInstancesByStatus(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"site_id":         s.ID,
			"status":          s.Status,
			"instance_counts": counts,
		}}, nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "import-template",
		Method:        http.MethodPost,
		Path:          "/sites/{site_id}/templates",
		Summary:       "Import checklist template",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		SiteID string                `path:"site_id"`
		Body   ImportTemplateRequest `json:"body"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.SiteID, "template.import"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TemplateImportOptions{
			SiteID:  input.SiteID,
			Name:    input.Body.Name,
			ActorID: actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		for _, s := range input.Body.Sections {
			sec := engine.SectionSpec{Name: s.Name}
			for _, it := range s.Items {
				sec.Items = append(sec.Items, engine.ItemSpec{
					Name:              it.Name,
					Description:       stringOrEmpty(it.Description),
					RequiresPhoto:     it.MustImage,
					RequiresNote:      it.MustNote,
					RequiresSignature: it.MustSignature,
				})
			}
			opts.Sections = append(opts.Sections, sec)
		}
		t, err := e.ImportTemplate(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: templateResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/templates",
		Summary:     "List templates",
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
	}) (*struct {
		Body []TemplateResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.SiteID, "template.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTemplates(ctx, input.SiteID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]TemplateResponse, 0, len(items))
		for _, t := range items {
			res = append(res, templateResponse(t))
		}
		return &struct {
			Body []TemplateResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/templates/{id}",
		Summary:     "Get template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
		ID     string `path:"id"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.SiteID, "template.read"); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetTemplate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if t.SiteID != input.SiteID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "template not found in site", nil)
		}
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: templateResponse(t)}, nil
	})
}

func registerInstances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-instance",
		Method:        http.MethodPost,
		Path:          "/sites/{site_id}/instances",
		Summary:       "Create checklist instance",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		SiteID string                `path:"site_id"`
		Body   CreateInstanceRequest `json:"body"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.TemplateID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "template_id is required", nil)
		}
		if err := requirePermission(ctx, e, input.SiteID, "instance.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.InstanceCreateOptions{
			SiteID:     input.SiteID,
			TemplateID: input.Body.TemplateID,
			Name:       stringOrEmpty(input.Body.Name),
			AssigneeID: stringOrEmpty(input.Body.AssigneeID),
			ActorID:    actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		inst, err := e.CreateInstance(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: instanceResponse(inst)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/instances",
		Summary:     "List instances",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		SiteID     string `path:"site_id"`
		TemplateID string `query:"template_id"`
		Status     string `query:"status" enum:",draft,submitting,submitted,submission_failed"`
		AssigneeID string `query:"assignee_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedInstances `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.SiteID, "instance.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListInstances(ctx, repo.InstanceFilters{
			SiteID:          input.SiteID,
			TemplateID:      input.TemplateID,
			Status:          input.Status,
			AssigneeID:      input.AssigneeID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedInstances{Items: []InstanceResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		for _, inst := range items {
			resp.Items = append(resp.Items, instanceResponse(inst))
		}
		return &struct {
			Body paginatedInstances `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/instances/{id}",
		Summary:     "Get instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
		ID     string `path:"id"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.SiteID, "instance.read"); err != nil {
			return nil, handleError(err)
		}
		inst, err := instanceInSite(ctx, e, input.SiteID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: instanceResponse(inst)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-instance",
		Method:      http.MethodPost,
		Path:        "/sites/{site_id}/instances/{id}/assign",
		Summary:     "Assign inspector",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SiteID string        `path:"site_id"`
		ID     string        `path:"id"`
		Body   AssignRequest `json:"body"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		if input.Body.AssigneeID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "assignee_id is required", nil)
		}
		if err := requirePermission(ctx, e, input.SiteID, "instance.assign"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := instanceInSite(ctx, e, input.SiteID, input.ID); err != nil {
			return nil, handleError(err)
		}
		a, err := e.AssignInspector(ctx, input.ID, input.Body.AssigneeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: AssignmentResponse{InstanceID: a.InstanceID, ActorID: a.ActorID, UpdatedAt: a.UpdatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "instance-progress",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/instances/{id}/progress",
		Summary:     "Instance progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
		ID     string `path:"id"`
	}) (*struct {
		Body ProgressResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.SiteID, "instance.read"); err != nil {
			return nil, handleError(err)
		}
		if _, err := instanceInSite(ctx, e, input.SiteID, input.ID); err != nil {
			return nil, handleError(err)
		}
		p, err := e.InstanceProgress(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgressResponse `json:"body"`
		}{Body: ProgressResponse{Completed: p.Completed, Total: p.Total, Percentage: p.Percentage}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "instance-deficiencies",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/instances/{id}/deficiencies",
		Summary:     "Instance deficiencies",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
		ID     string `path:"id"`
	}) (*struct {
		Body DeficienciesResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.SiteID, "instance.read"); err != nil {
			return nil, handleError(err)
		}
		if _, err := instanceInSite(ctx, e, input.SiteID, input.ID); err != nil {
			return nil, handleError(err)
		}
		defs, err := e.InstanceDeficiencies(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeficienciesResponse `json:"body"`
		}{Body: DeficienciesResponse{Ready: len(defs) == 0, Items: deficiencyDTOs(defs)}}, nil
	})
}

func registerResponses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-response",
		Method:      http.MethodPatch,
		Path:        "/sites/{site_id}/instances/{id}/items/{item_id}",
		Summary:     "Record item response",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		SiteID string                `path:"site_id"`
		ID     string                `path:"id"`
		ItemID string                `path:"item_id"`
		Body   UpsertResponseRequest `json:"body"`
	}) (*struct {
		Body ResponseDTO `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.SiteID, "response.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := instanceInSite(ctx, e, input.SiteID, input.ID); err != nil {
			return nil, handleError(err)
		}
		resp, err := e.UpsertResponse(ctx, input.ID, input.ItemID, engine.ResponsePatch{
			Status:    input.Body.Status,
			Notes:     input.Body.Notes,
			ImageURLs: input.Body.ImageURLs,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResponseDTO `json:"body"`
		}{Body: responseDTO(resp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-responses",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/instances/{id}/items",
		Summary:     "List item responses",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
		ID     string `path:"id"`
	}) (*struct {
		Body []ResponseDTO `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.SiteID, "instance.read"); err != nil {
			return nil, handleError(err)
		}
		if _, err := instanceInSite(ctx, e, input.SiteID, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListResponses(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ResponseDTO, 0, len(items))
		for _, r := range items {
			res = append(res, responseDTO(r))
		}
		return &struct {
			Body []ResponseDTO `json:"body"`
		}{Body: res}, nil
	})
}

// registerPhotos uses a raw chi route: huma's typed inputs do not cover
// streaming multipart bodies well, and the upload pipeline wants per-file
// readers.
func registerPhotos(router chi.Router, basePath string, cfg Config) {
	e := cfg.Engine
	route := joinPath(basePath, "sites/{site_id}/instances/{id}/items/{item_id}/photos")
	router.Post(route, func(w http.ResponseWriter, r *http.Request) {
		siteID := chi.URLParam(r, "site_id")
		instanceID := chi.URLParam(r, "id")
		itemID := chi.URLParam(r, "item_id")
		ctx := r.Context()
		if err := requirePermission(ctx, e, siteID, "response.write"); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		if _, err := instanceInSite(ctx, e, siteID, instanceID); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid multipart body", nil))
			return
		}
		var files []upload.File
		var names []string
		for _, fh := range r.MultipartForm.File["photos"] {
			fh := fh
			files = append(files, upload.File{
				Name: fh.Filename,
				Open: func() (io.ReadCloser, error) { return fh.Open() },
			})
			names = append(names, fh.Filename)
		}
		pipeline := upload.Pipeline{
			Store:       cfg.Files,
			Concurrency: e.Config.UploadConcurrency(),
			Log:         cfg.Log,
		}
		results := pipeline.UploadAll(ctx, files)
		resp, err := e.AttachPhotos(ctx, instanceID, itemID, upload.URLs(results), actorID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		out := AttachPhotosResponse{Uploaded: []UploadedPhotoDTO{}, Response: responseDTO(resp)}
		for i, res := range results {
			out.Uploaded = append(out.Uploaded, UploadedPhotoDTO{
				Name: names[i],
				URL:  res.URL,
				OK:   res.Err == nil,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(out)
	})
}

func registerSignatures(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "capture-signature",
		Method:        http.MethodPost,
		Path:          "/sites/{site_id}/instances/{id}/signature",
		Summary:       "Capture signature",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SiteID string                  `path:"site_id"`
		ID     string                  `path:"id"`
		Body   CaptureSignatureRequest `json:"body"`
	}) (*struct {
		Body SignatureResponse `json:"body"`
	}, error) {
		if input.Body.URL == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "url is required", nil)
		}
		if err := requirePermission(ctx, e, input.SiteID, "signature.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := instanceInSite(ctx, e, input.SiteID, input.ID); err != nil {
			return nil, handleError(err)
		}
		signer := actorID
		if input.Body.SignerID != nil && *input.Body.SignerID != "" {
			signer = *input.Body.SignerID
		}
		sig, err := e.CaptureSignature(ctx, input.ID, input.Body.URL, signer)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignatureResponse `json:"body"`
		}{Body: signatureResponse(sig)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-signatures",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/instances/{id}/signatures",
		Summary:     "List signatures",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
		ID     string `path:"id"`
	}) (*struct {
		Body []SignatureResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.SiteID, "instance.read"); err != nil {
			return nil, handleError(err)
		}
		if _, err := instanceInSite(ctx, e, input.SiteID, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListSignatures(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]SignatureResponse, 0, len(items))
		for _, sig := range items {
			res = append(res, signatureResponse(sig))
		}
		return &struct {
			Body []SignatureResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerSubmission(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-instance",
		Method:      http.MethodPost,
		Path:        "/sites/{site_id}/instances/{id}/submit",
		Summary:     "Submit instance",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
		ID     string `path:"id"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.SiteID, "instance.submit"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := instanceInSite(ctx, e, input.SiteID, input.ID); err != nil {
			return nil, handleError(err)
		}
		inst, err := e.Submit(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: instanceResponse(inst)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		SiteID     string `path:"site_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:",site,template,instance,response,signature,rbac"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.SiteID, "event.read"); err != nil {
			return nil, handleError(err)
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
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.SiteID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
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

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/me/permissions",
		Summary:     "Current actor permissions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
	}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromContextOrError(ctx)
		if authErr != nil {
			return nil, authErr
		}
		who, err := e.WhoAmI(ctx, input.SiteID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     who.ActorID,
			Roles:       nonNilSlice(who.Roles),
			Permissions: nonNilSlice(who.Permissions),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/sites/{site_id}/rbac/roles/grant",
		Summary:     "Grant role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		SiteID string            `path:"site_id"`
		Body   RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.GrantRole(ctx, input.SiteID, actorID, input.Body.ActorID, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodPost,
		Path:        "/sites/{site_id}/rbac/roles/revoke",
		Summary:     "Revoke role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		SiteID string            `path:"site_id"`
		Body   RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeRole(ctx, input.SiteID, actorID, input.Body.ActorID, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func instanceInSite(ctx context.Context, e engine.Engine, siteID, instanceID string) (domain.Instance, error) {
	inst, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return inst, err
	}
	if siteID != "" && inst.SiteID != siteID {
		return inst, fmt.Errorf("instance %s: %w", instanceID, repo.ErrNotFound)
	}
	return inst, nil
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
