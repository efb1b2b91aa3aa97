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
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"plenario/internal/agenda"
	"plenario/internal/domain"
	"plenario/internal/engine"
	"plenario/internal/flow"
	"plenario/internal/repo"
	"plenario/internal/session"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Agenda   agenda.Service
	Session  session.Service
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"opinion_required"`
	Message string         `json:"message" example:"stage requires a recorded opinion before advancing"`
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

// New returns an HTTP handler exposing the Plenario API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
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
	hcfg := huma.DefaultConfig("Plenario API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPropositions(group, cfg.Engine)
	registerTramitacoes(group, cfg.Engine)
	registerSittings(group, cfg.Session)
	registerAgenda(group, cfg.Agenda, cfg.Session)
	registerVoting(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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

// conflictCodes are business rejections that are really state conflicts.
var conflictCodes = map[string]bool{
	"round_open":   true,
	"stage_open":   true,
	"item_running": true,
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	code, ok := validationCode(err)
	if ok {
		status := http.StatusUnprocessableEntity
		if conflictCodes[code] {
			status = http.StatusConflict
		}
		return newAPIError(status, code, err.Error(), nil)
	}
	var ce flow.ConfigurationError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadRequest, "unknown_category", err.Error(), map[string]any{"category": ce.Category})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
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

// validationCode extracts the business-rule code from any of the service
// validation error types.
func validationCode(err error) (string, bool) {
	var ee engine.ValidationError
	if errors.As(err, &ee) {
		return ee.Code, true
	}
	var ae agenda.ValidationError
	if errors.As(err, &ae) {
		return ae.Code, true
	}
	var se session.ValidationError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return "", false
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

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Plenario API Docs</title>
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

func registerPropositions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "protocol-proposition",
		Method:        http.MethodPost,
		Path:          "/proposicoes",
		Summary:       "Protocol a proposition",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreatePropositionRequest `json:"body"`
	}) (*struct {
		Body domain.Proposition `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Protocol(ctx, engine.ProtocolOptions{
			ID:       input.Body.ID,
			Category: input.Body.Category,
			Title:    input.Body.Title,
			Summary:  input.Body.Summary,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposition `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-propositions",
		Method:      http.MethodGet,
		Path:        "/proposicoes",
		Summary:     "List propositions",
	}, func(ctx context.Context, input *struct {
		Category string `query:"category"`
		Status   string `query:"status"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.Proposition `json:"body"`
	}, error) {
		items, err := e.Repo.ListPropositions(ctx, repo.PropositionFilters{
			Category: input.Category,
			Status:   input.Status,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Proposition `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposition",
		Method:      http.MethodGet,
		Path:        "/proposicoes/{proposition_id}",
		Summary:     "Get proposition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PropositionID string `path:"proposition_id"`
	}) (*struct {
		Body domain.Proposition `json:"body"`
	}, error) {
		p, err := e.Repo.GetProposition(ctx, input.PropositionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposition `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposition-tramitacoes",
		Method:      http.MethodGet,
		Path:        "/proposicoes/{proposition_id}/tramitacoes",
		Summary:     "List a proposition's stage instances",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PropositionID string `path:"proposition_id"`
	}) (*struct {
		Body []domain.Tramitacao `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProposition(ctx, input.PropositionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListTramitacoes(ctx, input.PropositionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Tramitacao `json:"body"`
		}{Body: items}, nil
	})
}

func registerTramitacoes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-tramitacao",
		Method:      http.MethodGet,
		Path:        "/tramitacoes/{tramitacao_id}",
		Summary:     "Get stage instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TramitacaoID string `path:"tramitacao_id"`
	}) (*struct {
		Body domain.Tramitacao `json:"body"`
	}, error) {
		t, err := e.GetTramitacao(ctx, input.TramitacaoID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Tramitacao `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-tramitacao",
		Method:      http.MethodPost,
		Path:        "/tramitacoes/{tramitacao_id}/advance",
		Summary:     "Conclude the stage and route to the next",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TramitacaoID string         `path:"tramitacao_id"`
		Body         AdvanceRequest `json:"body"`
	}) (*struct {
		Body domain.Tramitacao `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Advance(ctx, engine.AdvanceOptions{
			TramitacaoID: input.TramitacaoID,
			ActorID:      actorID,
			Outcome:      domain.StageOutcome(input.Body.Outcome),
			Opinion:      input.Body.Opinion,
			Comment:      input.Body.Comment,
			RuleID:       input.Body.RuleID,
			NextStage:    input.Body.NextStage,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Tramitacao `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-tramitacao",
		Method:      http.MethodPost,
		Path:        "/tramitacoes/{tramitacao_id}/reopen",
		Summary:     "Reopen a concluded stage instance",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TramitacaoID string        `path:"tramitacao_id"`
		Body         ReopenRequest `json:"body"`
	}) (*struct {
		Body domain.Tramitacao `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Reopen(ctx, input.TramitacaoID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Tramitacao `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-proposition",
		Method:      http.MethodPost,
		Path:        "/tramitacoes/{tramitacao_id}/finalize",
		Summary:     "Finalize the proposition behind a stage instance",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TramitacaoID string          `path:"tramitacao_id"`
		Body         FinalizeRequest `json:"body"`
	}) (*struct {
		Body domain.Proposition `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTramitacao(ctx, input.TramitacaoID)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.Finalize(ctx, t.PropositionID, actorID, domain.StageOutcome(input.Body.Outcome), input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposition `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tramitacao-history",
		Method:      http.MethodGet,
		Path:        "/tramitacoes/{tramitacao_id}/history",
		Summary:     "Stage instance change history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TramitacaoID string `path:"tramitacao_id"`
	}) (*struct {
		Body []domain.StageHistory `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTramitacao(ctx, input.TramitacaoID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListStageHistory(ctx, input.TramitacaoID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StageHistory `json:"body"`
		}{Body: items}, nil
	})
}

func registerSittings(api huma.API, s session.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-sitting",
		Method:        http.MethodPost,
		Path:          "/sessoes",
		Summary:       "Schedule a sitting",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateSittingRequest `json:"body"`
	}) (*struct {
		Body domain.Sitting `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		when, err := time.Parse(time.RFC3339, input.Body.ScheduledAt)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "scheduled_at must be RFC 3339", nil)
		}
		sitting, err := s.Schedule(ctx, input.Body.Number, when, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Sitting `json:"body"`
		}{Body: sitting}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sittings",
		Method:      http.MethodGet,
		Path:        "/sessoes",
		Summary:     "List sittings",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []domain.Sitting `json:"body"`
	}, error) {
		items, err := s.ListSittings(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Sitting `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-sitting",
		Method:      http.MethodGet,
		Path:        "/sessoes/{sitting_id}",
		Summary:     "Get sitting",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SittingID string `path:"sitting_id"`
	}) (*struct {
		Body domain.Sitting `json:"body"`
	}, error) {
		sitting, err := s.GetSitting(ctx, input.SittingID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Sitting `json:"body"`
		}{Body: sitting}, nil
	})

	type sittingTransition struct {
		id      string
		summary string
		apply   func(ctx context.Context, sittingID, actorID, reason string) (domain.Sitting, error)
	}
	transitions := []sittingTransition{
		{"start", "Open the sitting", func(ctx context.Context, id, actor, _ string) (domain.Sitting, error) {
			return s.Start(ctx, id, actor)
		}},
		{"suspend", "Suspend the sitting", s.Suspend},
		{"resume", "Resume a suspended sitting", func(ctx context.Context, id, actor, _ string) (domain.Sitting, error) {
			return s.Resume(ctx, id, actor)
		}},
		{"conclude", "Conclude the sitting", func(ctx context.Context, id, actor, _ string) (domain.Sitting, error) {
			return s.Conclude(ctx, id, actor)
		}},
		{"cancel", "Cancel the sitting", s.Cancel},
	}
	for _, tr := range transitions {
		tr := tr
		huma.Register(api, huma.Operation{
			OperationID: "sitting-" + tr.id,
			Method:      http.MethodPost,
			Path:        "/sessoes/{sitting_id}/" + tr.id,
			Summary:     tr.summary,
			Errors: []int{
				http.StatusNotFound,
				http.StatusUnprocessableEntity,
			},
		}, func(ctx context.Context, input *struct {
			SittingID string `path:"sitting_id"`
			// Pointer body: huma only treats the request body as optional
			// when the field can be nil.
			Body *SuspendRequest `json:"body,omitempty"`
		}) (*struct {
			Body domain.Sitting `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			var reason string
			if input.Body != nil {
				reason = input.Body.Reason
			}
			sitting, err := tr.apply(ctx, input.SittingID, actorID, reason)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Sitting `json:"body"`
			}{Body: sitting}, nil
		})
	}
}

func registerAgenda(api huma.API, a agenda.Service, s session.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "get-agenda",
		Method:      http.MethodGet,
		Path:        "/sessoes/{sitting_id}/pauta",
		Summary:     "Sitting agenda in display order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SittingID string `path:"sitting_id"`
	}) (*struct {
		Body AgendaResponse `json:"body"`
	}, error) {
		sitting, err := s.GetSitting(ctx, input.SittingID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := a.List(ctx, input.SittingID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgendaResponse `json:"body"`
		}{Body: AgendaResponse{Sitting: sitting, Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-agenda-item",
		Method:        http.MethodPost,
		Path:          "/sessoes/{sitting_id}/pauta",
		Summary:       "Schedule an agenda item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		SittingID string               `path:"sitting_id"`
		Body      AddAgendaItemRequest `json:"body"`
	}) (*struct {
		Body domain.AgendaItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := a.AddItem(ctx, agenda.AddItemOptions{
			SittingID:     input.SittingID,
			Section:       domain.AgendaSection(input.Body.Section),
			ActionType:    domain.ActionType(input.Body.ActionType),
			PropositionID: input.Body.PropositionID,
			RapporteurID:  input.Body.RapporteurID,
			EstimatedSecs: input.Body.EstimatedSecs,
			Position:      input.Body.Position,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgendaItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-agenda-item",
		Method:      http.MethodPut,
		Path:        "/pauta/{item_id}",
		Summary:     "Move an agenda item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string                `path:"item_id"`
		Body   MoveAgendaItemRequest `json:"body"`
	}) (*struct {
		Body domain.AgendaItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := a.MoveItem(ctx, input.ItemID, domain.AgendaSection(input.Body.Section), input.Body.Position, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgendaItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-agenda-item",
		Method:      http.MethodDelete,
		Path:        "/pauta/{item_id}",
		Summary:     "Withdraw a pending agenda item",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.RemoveItem(ctx, input.ItemID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-agenda-item",
		Method:      http.MethodPost,
		Path:        "/pauta/{item_id}/iniciar",
		Summary:     "Start (or restart) the item clock",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.AgendaItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := s.StartItem(ctx, input.ItemID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgendaItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-agenda-item",
		Method:      http.MethodPost,
		Path:        "/pauta/{item_id}/pausar",
		Summary:     "Pause the item clock",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.AgendaItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := s.PauseItem(ctx, input.ItemID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgendaItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finish-agenda-item",
		Method:      http.MethodPost,
		Path:        "/pauta/{item_id}/finalizar",
		Summary:     "Finish the item with a final status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string             `path:"item_id"`
		Body   *FinishItemRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.AgendaItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var status string
		if input.Body != nil {
			status = input.Body.Status
		}
		item, err := s.FinishItem(ctx, input.ItemID, domain.ItemStatus(status), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgendaItem `json:"body"`
		}{Body: item}, nil
	})
}

func registerVoting(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-round",
		Method:        http.MethodPost,
		Path:          "/sessoes/{sitting_id}/votacao/turno",
		Summary:       "Open a voting round",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		SittingID string            `path:"sitting_id"`
		Body      StartRoundRequest `json:"body"`
	}) (*struct {
		Body domain.Round `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ItemID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "item_id is required", nil)
		}
		item, err := e.Repo.GetAgendaItem(ctx, input.Body.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		if item.SittingID != input.SittingID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "item does not belong to sitting", nil)
		}
		v, err := e.StartRound(ctx, engine.StartRoundOptions{
			ItemID:         input.Body.ItemID,
			Round:          input.Body.Round,
			PresentMembers: input.Body.PresentMembers,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Round `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-round",
		Method:      http.MethodPut,
		Path:        "/sessoes/{sitting_id}/votacao/turno",
		Summary:     "Update the open round's tally, optionally closing it",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		SittingID string             `path:"sitting_id"`
		Body      RoundUpdateRequest `json:"body"`
	}) (*struct {
		Body domain.Round `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ItemID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "item_id is required", nil)
		}
		v, err := e.UpdateTally(ctx, engine.TallyOptions{
			ItemID: input.Body.ItemID,
			Tally: domain.VoteTally{
				Yes:     input.Body.Yes,
				No:      input.Body.No,
				Abstain: input.Body.Abstain,
			},
			PresentMembers: input.Body.PresentMembers,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Close {
			var override *domain.RoundOutcome
			if input.Body.Override != "" {
				o := domain.RoundOutcome(input.Body.Override)
				override = &o
			}
			v, err = e.CloseRound(ctx, engine.CloseRoundOptions{
				ItemID:         input.Body.ItemID,
				ActorID:        actorID,
				Override:       override,
				OverrideReason: input.Body.OverrideReason,
			})
			if err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body domain.Round `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "round-status",
		Method:      http.MethodGet,
		Path:        "/sessoes/{sitting_id}/votacao/turno",
		Summary:     "Rounds held for an item",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SittingID string `path:"sitting_id"`
		ItemID    string `query:"item_id"`
	}) (*struct {
		Body RoundsResponse `json:"body"`
	}, error) {
		if input.ItemID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "item_id is required", nil)
		}
		item, err := e.Repo.GetAgendaItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		rounds, err := e.RoundStatus(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		out := RoundsResponse{ItemID: input.ItemID, Rounds: rounds}
		if item.PropositionID != nil {
			p, err := e.Repo.GetProposition(ctx, *item.PropositionID)
			if err != nil {
				return nil, handleError(err)
			}
			if out.TotalRounds, err = e.Catalog.Rounds(p.Category); err != nil {
				return nil, handleError(err)
			}
			if out.IntersticeDays, err = e.Catalog.IntersticeDays(p.Category); err != nil {
				return nil, handleError(err)
			}
			policy, err := e.Catalog.VoteQuorum(p.Category)
			if err != nil {
				return nil, handleError(err)
			}
			out.QuorumType = policy.Type
		}
		return &struct {
			Body RoundsResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "presiding-vote",
		Method:      http.MethodPost,
		Path:        "/sessoes/{sitting_id}/votacao/voto-presidente",
		Summary:     "Register the presiding member's tie-break vote",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		SittingID string               `path:"sitting_id"`
		Body      PresidingVoteRequest `json:"body"`
	}) (*struct {
		Body domain.Round `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ItemID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "item_id is required", nil)
		}
		v, err := e.RegisterPresidingVote(ctx, input.Body.ItemID, input.Body.Vote, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Round `json:"body"`
		}{Body: v}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/eventos",
		Summary:     "Audit log, newest first",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.AuditEvent `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.LatestAuditEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditEvent `json:"body"`
		}{Body: items}, nil
	})
}
