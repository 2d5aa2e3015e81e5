package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/provider-router/middleware"
	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/keyscan"
	"github.com/upb/provider-router/services/providers"
	"github.com/upb/provider-router/services/routing"
	"github.com/upb/provider-router/utils"
)

// RouteRequest is the body of POST /api/v1/route and /api/v1/route/stream
type RouteRequest struct {
	TaskType   string            `json:"task_type" validate:"required,task_type"`
	BudgetTier string            `json:"budget_tier,omitempty" validate:"omitempty,max=64"`
	Payload    providers.Payload `json:"payload"`
}

// Router is the routing engine as seen by the HTTP layer
type Router interface {
	Route(ctx context.Context, req *routing.Request) (*routing.Response, error)
	RouteStream(ctx context.Context, req *routing.Request, onChunk providers.StreamCallback) (*routing.Response, error)
}

// ProviderCatalog lists the registered provider profiles
type ProviderCatalog interface {
	Profiles() []models.ProviderProfile
}

// RouteHandler handles routing requests
type RouteHandler struct {
	router  Router
	catalog ProviderCatalog
	logger  *zap.Logger
}

// NewRouteHandler creates a new RouteHandler
func NewRouteHandler(router Router, catalog ProviderCatalog, logger *zap.Logger) *RouteHandler {
	return &RouteHandler{
		router:  router,
		catalog: catalog,
		logger:  logger,
	}
}

func (h *RouteHandler) parse(w http.ResponseWriter, r *http.Request) (*routing.Request, bool) {
	ctx := r.Context()
	tenantID := middleware.GetTenantIDFromContext(ctx)
	if tenantID == "" {
		h.logger.Error("missing tenant in context")
		_ = utils.WriteUnauthorized(w, "Missing tenant information")
		return nil, false
	}

	var body RouteRequest
	if !decodeBody(w, r, &body, h.logger) {
		return nil, false
	}
	if err := utils.ValidateStruct(&body.Payload); err != nil {
		HandleValidationError(w, err, h.logger)
		return nil, false
	}
	if kinds := keyscan.ProviderKeys(payloadTexts(&body.Payload)...); len(kinds) > 0 {
		h.logger.Warn("payload carries a provider credential",
			zap.String("tenant_id", tenantID),
			zap.Any("kinds", kinds))
		HandleServiceError(w, services.NewDomainError(services.ErrorTypeValidation,
			"payload must not contain provider credentials", nil).WithDetail("kinds", kinds), h.logger)
		return nil, false
	}

	return &routing.Request{
		CorrelationID: middleware.GetRequestIDFromContext(ctx),
		TenantID:      tenantID,
		TaskType:      models.TaskType(body.TaskType),
		BudgetTier:    models.BudgetTier(body.BudgetTier),
		Payload:       &body.Payload,
	}, true
}

func payloadTexts(p *providers.Payload) []string {
	texts := make([]string, 0, len(p.Messages)+len(p.Input)+len(p.Documents)+1)
	for _, m := range p.Messages {
		texts = append(texts, m.Content)
	}
	texts = append(texts, p.Input...)
	texts = append(texts, p.Documents...)
	return append(texts, p.Query)
}

// HandleRoute handles POST /api/v1/route
func (h *RouteHandler) HandleRoute(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}

	resp, err := h.router.Route(r.Context(), req)
	if err != nil {
		h.logger.Warn("route failed",
			zap.String("request_id", req.RequestID),
			zap.String("tenant_id", req.TenantID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, resp); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
	}
}

// StreamDone is the final server-sent event of a successful stream
type StreamDone struct {
	RequestID     string                   `json:"request_id"`
	CorrelationID string                   `json:"correlation_id,omitempty"`
	ProviderID    string                   `json:"provider_id"`
	PlatformKey   bool                     `json:"platform_key"`
	Model         string                   `json:"model"`
	TokensIn      int                      `json:"tokens_in"`
	TokensOut     int                      `json:"tokens_out"`
	Cost          string                   `json:"cost"`
	Attempts      []routing.AttemptSummary `json:"attempts"`
}

// HandleRouteStream handles POST /api/v1/route/stream. Until the first chunk
// arrives failures are plain JSON errors; afterwards they are sent as an
// "error" event on the open stream.
func (h *RouteHandler) HandleRouteStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		_ = utils.WriteInternalServerError(w, "Streaming not supported")
		return
	}

	req, ok := h.parse(w, r)
	if !ok {
		return
	}

	sse := &eventStream{w: w, flusher: flusher}
	resp, err := h.router.RouteStream(r.Context(), req, func(chunk providers.Chunk) error {
		return sse.send("", chunk)
	})
	if err != nil {
		h.logger.Warn("stream route failed",
			zap.String("request_id", req.RequestID),
			zap.String("tenant_id", req.TenantID),
			zap.Bool("stream_started", sse.started),
			zap.Error(err))
		if !sse.started {
			HandleServiceError(w, err, h.logger)
			return
		}
		_ = sse.send("error", utils.ErrorResponse{
			Error:   string(services.GetErrorType(err)),
			Message: publicMessage(err),
			Details: services.GetErrorDetails(err),
		})
		return
	}

	done := StreamDone{
		RequestID:     resp.RequestID,
		CorrelationID: resp.CorrelationID,
		ProviderID:    resp.ProviderID,
		PlatformKey:   resp.PlatformKey,
		Cost:          resp.Cost.String(),
		Attempts:      resp.Attempts,
	}
	if resp.Result != nil {
		done.Model = resp.Result.Model
		done.TokensIn = resp.Result.TokensIn
		done.TokensOut = resp.Result.TokensOut
	}
	if err := sse.send("done", done); err != nil {
		h.logger.Error("failed to write stream trailer",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
	}
}

// HandleListProviders handles GET /api/v1/providers
func (h *RouteHandler) HandleListProviders(w http.ResponseWriter, r *http.Request) {
	if err := utils.WriteOK(w, h.catalog.Profiles()); err != nil {
		h.logger.Error("failed to write providers response", zap.Error(err))
	}
}

// eventStream writes server-sent events, sending headers on first use
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *eventStream) send(event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func publicMessage(err error) string {
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return "An unexpected error occurred"
}
