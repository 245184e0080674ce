package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/Valgeir99/distributed-optimization-solver/internal/engine"
	"github.com/Valgeir99/distributed-optimization-solver/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"problem instance not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope shared by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the platform API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
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
	hcfg := huma.DefaultConfig("Distributed Optimization Solver API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAgents(group, cfg.Engine, cfg.Auth)
	registerInstances(group, cfg.Engine)
	registerSubmissions(group, cfg.Engine)
	registerValidation(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

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
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrOwnSubmission):
		return newAPIError(http.StatusConflict, "own_submission", err.Error(), nil)
	case errors.Is(err, repo.ErrAlreadyValidated):
		return newAPIError(http.StatusConflict, "already_validated", err.Error(), nil)
	case errors.Is(err, repo.ErrAlreadyFinalized):
		return newAPIError(http.StatusConflict, "already_finalized", err.Error(), nil)
	case errors.Is(err, engine.ErrInstanceInactive):
		return newAPIError(http.StatusConflict, "instance_inactive", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerAgents(api huma.API, e *engine.Engine, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RegisterAgentResponse `json:"body"`
	}, error) {
		agent, err := e.RegisterAgent(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := auth.IssueAgentToken(agent.ID, e.Clock())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RegisterAgentResponse `json:"body"`
		}{Body: RegisterAgentResponse{
			AgentID:      agent.ID,
			RegisteredAt: agent.RegisteredAt,
			Token:        token,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AgentResponse `json:"body"`
	}, error) {
		agents, err := e.Repo.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]AgentResponse, 0, len(agents))
		for _, a := range agents {
			out = append(out, AgentResponse{ID: a.ID, RegisteredAt: a.RegisteredAt})
		}
		return &struct {
			Body []AgentResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerInstances(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "instance-pool",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "Active problem instance pool",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []InstanceResponse `json:"body"`
	}, error) {
		pool, err := e.InstancePool(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []InstanceResponse `json:"body"`
		}{Body: mapInstances(pool)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{name}",
		Summary:     "Problem instance data",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body InstanceDataResponse `json:"body"`
	}, error) {
		inst, data, err := e.InstanceData(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceDataResponse `json:"body"`
		}{Body: InstanceDataResponse{
			Instance: instanceResponse(inst),
			Data:     data,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "best-solution",
		Method:      http.MethodGet,
		Path:        "/instances/{name}/solution",
		Summary:     "Best accepted solution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body BestSolutionResponse `json:"body"`
	}, error) {
		rec, data, err := e.BestSolution(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BestSolutionResponse `json:"body"`
		}{Body: BestSolutionResponse{
			ProblemInstanceName: rec.ProblemInstanceName,
			SubmissionID:        rec.SubmissionID,
			Data:                data,
		}}, nil
	})
}

func registerSubmissions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "upload-solution",
		Method:        http.MethodPost,
		Path:          "/instances/{name}/solutions",
		Summary:       "Upload solution submission",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Name string                `path:"name"`
		Body UploadSolutionRequest `json:"body"`
	}) (*struct {
		Body SubmissionResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.SolutionData == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "solution_data is required", nil)
		}
		sub, err := e.Upload(ctx, input.Name, agentID, input.Body.SolutionData, input.Body.ClaimedObjective)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmissionResponse `json:"body"`
		}{Body: submissionResponse(sub)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-submission",
		Method:      http.MethodGet,
		Path:        "/solutions/{id}",
		Summary:     "Submission status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SubmissionResponse `json:"body"`
	}, error) {
		sub, err := e.GetSubmissionStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmissionResponse `json:"body"`
		}{Body: submissionResponse(sub)}, nil
	})
}

func registerValidation(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "request-validation",
		Method:      http.MethodGet,
		Path:        "/instances/{name}/validate",
		Summary:     "Request a solution to validate",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body ValidateResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sub, data, found, err := e.RequestSolutionToValidate(ctx, input.Name, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		if !found {
			return &struct {
				Body ValidateResponse `json:"body"`
			}{Body: ValidateResponse{Found: false}}, nil
		}
		resp := submissionResponse(sub)
		return &struct {
			Body ValidateResponse `json:"body"`
		}{Body: ValidateResponse{
			Found:        true,
			Submission:   &resp,
			SolutionData: data,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-vote",
		Method:        http.MethodPost,
		Path:          "/solutions/{id}/votes",
		Summary:       "Submit validation vote",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body SubmitVoteRequest `json:"body"`
	}) (*struct {
		Body VoteRecordedResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reward, err := e.SubmitVote(ctx, input.ID, agentID, input.Body.Response, input.Body.ClaimedObjective)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VoteRecordedResponse `json:"body"`
		}{Body: VoteRecordedResponse{
			SubmissionID: input.ID,
			Reward:       reward,
		}}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest platform events",
	}, func(ctx context.Context, input *struct {
		Limit    int    `query:"limit" default:"50"`
		Instance string `query:"instance"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := e.Events.Latest(ctx, limit, input.Instance)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
