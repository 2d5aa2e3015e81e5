package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/utils"
)

// statusFor maps a domain error type to its HTTP status
var statusFor = map[services.ErrorType]int{
	services.ErrorTypeNotFound:           http.StatusNotFound,
	services.ErrorTypeValidation:         http.StatusBadRequest,
	services.ErrorTypeUnauthorized:       http.StatusUnauthorized,
	services.ErrorTypeForbidden:          http.StatusForbidden,
	services.ErrorTypeConflict:           http.StatusConflict,
	services.ErrorTypeNoEligibleProvider: http.StatusUnprocessableEntity,
	services.ErrorTypeExhausted:          http.StatusBadGateway,
	services.ErrorTypeExternal:           http.StatusBadGateway,
	services.ErrorTypeBudget:             http.StatusPaymentRequired,
	services.ErrorTypeUnavailable:        http.StatusServiceUnavailable,
	services.ErrorTypeCancelled:          utils.StatusClientClosedRequest,
	services.ErrorTypeInternal:           http.StatusInternalServerError,
}

// HandleServiceError maps domain errors to HTTP responses. Only the domain
// message and details reach the caller; wrapped causes are logged.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	var domainErr *services.DomainError
	if !errors.As(err, &domainErr) {
		logger.Error("unhandled error type", zap.Error(err))
		if err := utils.WriteInternalServerError(w, "An unexpected error occurred"); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}
		return
	}

	status, ok := statusFor[domainErr.Type]
	if !ok {
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusServiceUnavailable {
		logger.Error("internal server error", zap.Error(err))
		if err := utils.WriteInternalServerError(w, "An internal error occurred"); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}
		return
	}

	logger.Debug("handled service error",
		zap.String("type", string(domainErr.Type)),
		zap.String("message", domainErr.Message),
		zap.Error(err))

	var details map[string]interface{}
	if len(domainErr.Details) > 0 {
		details = domainErr.Details
	}
	var writeErr error
	if status == http.StatusConflict {
		writeErr = utils.WriteConflict(w, domainErr.Message, details)
	} else {
		writeErr = utils.WriteError(w, status, domainErr.Message, details)
	}
	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}

// decodeBody decodes and validates a JSON request body, writing the 400
// itself. It reports whether the handler should continue.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, logger *zap.Logger) bool {
	if err := utils.DecodeJSON(w, r, v); err != nil {
		logger.Warn("failed to parse request body", zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return false
	}
	if err := utils.ValidateStruct(v); err != nil {
		HandleValidationError(w, err, logger)
		return false
	}
	return true
}
