package routing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/budget"
	"github.com/upb/provider-router/services/providers"
)

// failureCredentialUnreadable marks an attempt whose key could not be decrypted
const failureCredentialUnreadable = "credential_unreadable"

// attemptResult is what one DISPATCHING step hands back to the loop
type attemptResult struct {
	summary *AttemptSummary
	resp    *Response
	// err ends the request immediately (cancellation, infrastructure)
	err error
	// deadline means the request deadline expired during the attempt
	deadline bool
	// interrupted means a stream failed after delivering output
	interrupted bool
}

// attempt dispatches one candidate. ctx carries the request deadline;
// callerCtx is the caller's own context and tells cancellation apart from
// the deadline.
func (e *Engine) attempt(ctx, callerCtx context.Context, req *Request, index int, c *candidate, onChunk providers.StreamCallback, logger *zap.Logger) attemptResult {
	ctx, span := e.tracer.Start(ctx, "routing.Attempt", trace.WithAttributes(
		attribute.String("provider_id", c.providerID),
		attribute.Int("attempt_index", index),
		attribute.Bool("platform_credential", c.platform),
	))
	defer span.End()

	// bookkeeping outlives cancellation of the request
	bg := context.WithoutCancel(ctx)
	logger = logger.With(zap.String("provider_id", c.providerID), zap.Int("attempt_index", index))

	credID := c.cred.ID
	rec := &models.UsageRecord{
		TenantID:      req.TenantID,
		RequestID:     req.RequestID,
		CorrelationID: req.CorrelationID,
		ProviderID:    c.providerID,
		CredentialID:  &credID,
		TaskType:      req.TaskType,
		AttemptIndex:  index,
	}
	finish := func(outcome models.Outcome, kind string, latency time.Duration) *AttemptSummary {
		rec.Outcome = outcome
		rec.FailureKind = kind
		rec.LatencyMs = latency.Milliseconds()
		e.record(bg, rec, logger)
		e.metrics.ObserveAttempt(c.providerID, string(outcome), latency)
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		if outcome != models.OutcomeSuccess {
			span.SetStatus(codes.Error, string(outcome))
		}
		logger.Debug("attempt finished", zap.String("outcome", string(outcome)), zap.String("failure_kind", kind))
		return &AttemptSummary{Index: index, ProviderID: c.providerID, Outcome: outcome, FailureKind: kind}
	}

	est, err := e.registry.EstimateCost(c.providerID, req.TaskType, req.Payload)
	if err != nil {
		f := asFailure(c.providerID, err)
		return attemptResult{summary: finish(f.Kind.Outcome(), string(f.Kind), 0)}
	}
	rec.EstimatedCost = est.Cost

	verdict, err := e.guard.Check(ctx, req.TenantID, est.Cost)
	if err != nil {
		if callerCtx.Err() != nil {
			return attemptResult{err: cancelled(callerCtx)}
		}
		return attemptResult{err: err}
	}
	if !verdict.Allowed {
		e.metrics.IncBudgetDenial()
		logger.Info("attempt denied by budget guard", zap.String("reason", verdict.Reason))
		return attemptResult{summary: finish(models.OutcomeBudgetDenied, "", 0)}
	}
	reservation := verdict.Reservation

	if limit := e.limiter.CheckLimit(c.cred); !limit.Allowed {
		e.release(bg, reservation, logger)
		logger.Info("credential rate limit reached",
			zap.String("credential_id", credID.String()),
			zap.Duration("retry_after", limit.RetryAfter))
		return attemptResult{summary: finish(models.OutcomeRateLimited, string(providers.FailureRateLimited), 0)}
	}

	key, err := e.vault.Open(ctx, c.cred)
	if err != nil {
		e.release(bg, reservation, logger)
		switch {
		case callerCtx.Err() != nil:
			return attemptResult{summary: finish(models.OutcomeCancelled, "", 0), err: cancelled(callerCtx)}
		case services.IsUnavailableError(err):
			return attemptResult{err: err}
		}
		logger.Error("failed to open credential", zap.String("credential_id", credID.String()), zap.Error(err))
		return attemptResult{summary: finish(models.OutcomeError, failureCredentialUnreadable, 0)}
	}

	timeout := e.attemptTimeout(ctx, c.profile)
	delivered := false
	start := time.Now()

	var result *providers.Result
	if onChunk != nil {
		sa := c.adapter.(providers.StreamingAdapter)
		result, err = sa.InvokeStream(ctx, req.TaskType, req.Payload, providers.Credential{Key: key}, timeout,
			func(chunk providers.Chunk) error {
				delivered = true
				return onChunk(chunk)
			})
	} else {
		result, err = c.adapter.Invoke(ctx, req.TaskType, req.Payload, providers.Credential{Key: key}, timeout)
	}
	latency := time.Since(start)

	if err == nil {
		actual, cerr := e.registry.ActualCost(c.providerID, req.TaskType, result.TokensIn, result.TokensOut)
		if cerr != nil {
			actual = est.Cost
		}
		if err := e.guard.Commit(bg, reservation, actual); err != nil {
			logger.Error("failed to commit spend", zap.String("amount", actual.String()), zap.Error(err))
		}
		rec.Cost = actual
		rec.TokensIn = result.TokensIn
		rec.TokensOut = result.TokensOut
		summary := finish(models.OutcomeSuccess, "", latency)

		return attemptResult{summary: summary, resp: &Response{
			RequestID:     req.RequestID,
			CorrelationID: req.CorrelationID,
			ProviderID:    c.providerID,
			CredentialID:  credID,
			PlatformKey:   c.platform,
			Result:        result,
			EstimatedCost: est.Cost,
			Cost:          actual,
		}}
	}

	e.release(bg, reservation, logger)

	if callerCtx.Err() != nil {
		return attemptResult{summary: finish(models.OutcomeCancelled, "", latency), err: cancelled(callerCtx)}
	}

	f := asFailure(c.providerID, err)
	deadline := expired(ctx)
	if deadline {
		f.Kind = providers.FailureTimeout
	}
	summary := finish(f.Kind.Outcome(), string(f.Kind), latency)
	logger.Warn("attempt failed", zap.Error(f))

	if f.Kind == providers.FailureAuth && !c.platform {
		e.vault.FlagSuspectInvalid(bg, c.cred, req.RequestID, "provider rejected the credential")
	}

	return attemptResult{summary: summary, deadline: deadline, interrupted: delivered}
}

func asFailure(providerID string, err error) *providers.Failure {
	if f, ok := providers.AsFailure(err); ok {
		cp := *f
		return &cp
	}
	return providers.Classify(providerID, err)
}

func (e *Engine) release(ctx context.Context, r *budget.Reservation, logger *zap.Logger) {
	if err := e.guard.Release(ctx, r); err != nil {
		logger.Error("failed to release budget reservation", zap.Error(err))
	}
}

// record appends to the ledger. A failed append is logged and counted but
// does not fail the request.
func (e *Engine) record(ctx context.Context, rec *models.UsageRecord, logger *zap.Logger) {
	if rec.Outcome != models.OutcomeSuccess {
		rec.Cost = decimal.Zero
	}
	if err := e.ledger.Append(ctx, rec); err != nil {
		e.metrics.IncLedgerFailure()
		logger.Error("failed to append usage record",
			zap.String("outcome", string(rec.Outcome)),
			zap.Error(err))
	}
}
