package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/provider-router/middleware"
	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services/ledger"
	"github.com/upb/provider-router/utils"
)

// defaultUsageWindow is used when a summary request omits from
const defaultUsageWindow = 30 * 24 * time.Hour

// UsageLedger defines the ledger reads exposed over HTTP
type UsageLedger interface {
	Query(ctx context.Context, q ledger.Query) ([]*models.UsageRecord, error)
	ListByRequest(ctx context.Context, requestID string) ([]*models.UsageRecord, error)
	Summary(ctx context.Context, tenantID string, from, to time.Time) ([]*models.ProviderUsage, error)
}

// UsageHandler handles usage ledger requests
type UsageHandler struct {
	ledger UsageLedger
	logger *zap.Logger
	now    func() time.Time
}

// NewUsageHandler creates a new UsageHandler
func NewUsageHandler(ledger UsageLedger, logger *zap.Logger) *UsageHandler {
	return &UsageHandler{
		ledger: ledger,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// HandleQuery handles GET /api/v1/tenants/{tenantID}/usage
func (h *UsageHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	from, to, ok := h.window(w, r, false)
	if !ok {
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "limit must be an integer", nil)
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "offset must be an integer", nil)
		return
	}

	records, err := h.ledger.Query(ctx, ledger.Query{
		TenantID:   middleware.GetTenantIDFromContext(ctx),
		ProviderID: q.Get("provider"),
		From:       from,
		To:         to,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if records == nil {
		records = []*models.UsageRecord{}
	}
	if err := utils.WriteOK(w, records); err != nil {
		h.logger.Error("failed to write usage response", zap.Error(err))
	}
}

// HandleSummary handles GET /api/v1/tenants/{tenantID}/usage/summary.
// The window defaults to the last 30 days.
func (h *UsageHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	from, to, ok := h.window(w, r, true)
	if !ok {
		return
	}

	summary, err := h.ledger.Summary(ctx, middleware.GetTenantIDFromContext(ctx), from, to)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if summary == nil {
		summary = []*models.ProviderUsage{}
	}
	if err := utils.WriteOK(w, map[string]interface{}{
		"from":      from,
		"to":        to,
		"providers": summary,
	}); err != nil {
		h.logger.Error("failed to write usage summary response", zap.Error(err))
	}
}

// HandleRequest handles GET /api/v1/requests/{requestID}/usage. Records of
// other tenants are filtered out for non-admin callers.
func (h *UsageHandler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi.URLParam(r, "requestID")

	records, err := h.ledger.ListByRequest(ctx, requestID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	visible := make([]*models.UsageRecord, 0, len(records))
	for _, rec := range records {
		if canAccess(ctx, rec.TenantID) {
			visible = append(visible, rec)
		}
	}
	if len(visible) == 0 {
		_ = utils.WriteNotFound(w, "No usage recorded for request")
		return
	}
	if err := utils.WriteOK(w, visible); err != nil {
		h.logger.Error("failed to write request usage response", zap.Error(err))
	}
}

// window parses the from and to query parameters as RFC 3339
func (h *UsageHandler) window(w http.ResponseWriter, r *http.Request, defaults bool) (time.Time, time.Time, bool) {
	q := r.URL.Query()
	from, err := timeParam(q.Get("from"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "from must be an RFC 3339 timestamp", nil)
		return time.Time{}, time.Time{}, false
	}
	to, err := timeParam(q.Get("to"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "to must be an RFC 3339 timestamp", nil)
		return time.Time{}, time.Time{}, false
	}
	if defaults {
		if to.IsZero() {
			to = h.now()
		}
		if from.IsZero() {
			from = to.Add(-defaultUsageWindow)
		}
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		_ = utils.WriteBadRequest(w, "from must be before to", nil)
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func timeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
