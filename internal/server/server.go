// Package server exposes the read-only inspection API: run listings, the
// full metadata trail, version lineage, events, and rendered screenshots.
// It never mutates a run; all writes go through the engine.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"slidegen/internal/artifacts"
	"slidegen/internal/domain"
	"slidegen/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Repo      repo.Repo
	Artifacts *artifacts.Manager
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"run not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns the HTTP handler for the inspection API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(cfg.Auth))
	hcfg := huma.DefaultConfig("Slidegen API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRuns(group, cfg.Repo)
	registerLineage(group, cfg.Repo)
	registerEvents(group, cfg.Repo)
	registerScreenshots(router, basePath, cfg)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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

func registerRuns(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Items []domain.Run `json:"items"`
		} `json:"body"`
	}, error) {
		runs, err := r.ListRuns(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.Run `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = runs
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Full run metadata",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.RunMetadata `json:"body"`
	}, error) {
		md, err := r.Metadata(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RunMetadata `json:"body"`
		}{Body: md}, nil
	})
}

func registerLineage(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "version-lineage",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/versions/{version_id}/lineage",
		Summary:     "Parent chain of a script version, root first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID     string `path:"run_id"`
		VersionID int64  `path:"version_id"`
	}) (*struct {
		Body struct {
			Items []domain.ScriptVersion `json:"items"`
		} `json:"body"`
	}, error) {
		chain, err := r.Lineage(ctx, input.RunID, input.VersionID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.ScriptVersion `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = chain
		return out, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-run-events",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/events",
		Summary:     "Recent events of a run, newest first",
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Limit int    `query:"limit" default:"100"`
	}) (*struct {
		Body struct {
			Items []repo.Event `json:"items"`
		} `json:"body"`
	}, error) {
		items, err := r.ListEvents(ctx, input.RunID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []repo.Event `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = items
		return out, nil
	})
}

// registerScreenshots serves rendered PNGs straight from the run tree.
// Raw chi route rather than a huma operation: the response is a file, not
// a schema.
func registerScreenshots(router chi.Router, basePath string, cfg Config) {
	router.Get(basePath+"/runs/{run_id}/versions/{version_id}/screenshot", func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")
		versionID := chi.URLParam(r, "version_id")
		if strings.ContainsAny(runID, "/\\") || strings.ContainsAny(versionID, "/\\") {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		vid, err := strconv.ParseInt(versionID, 10, 64)
		if err != nil {
			http.Error(w, "bad version id", http.StatusBadRequest)
			return
		}
		paths := cfg.Artifacts.Paths(runID)
		file := cfg.Artifacts.ScreenshotPath(paths, vid)
		if _, err := os.Stat(file); err != nil {
			http.Error(w, "screenshot not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		http.ServeFile(w, r, file)
	})
}
