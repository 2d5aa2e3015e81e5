package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeExternal     ErrorType = "external"

	// Routing outcomes surfaced to callers
	ErrorTypeNoEligibleProvider ErrorType = "no_eligible_provider"
	ErrorTypeExhausted          ErrorType = "exhausted"
	ErrorTypeBudget             ErrorType = "budget"
	ErrorTypeUnavailable        ErrorType = "unavailable"
	ErrorTypeCancelled          ErrorType = "cancelled"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	// Not Found Errors
	ErrCredentialNotFound = NewDomainError(ErrorTypeNotFound, "credential not found", nil)
	ErrPolicyNotFound     = NewDomainError(ErrorTypeNotFound, "routing policy not found", nil)
	ErrBudgetNotFound     = NewDomainError(ErrorTypeNotFound, "budget configuration not found", nil)
	ErrProviderNotFound   = NewDomainError(ErrorTypeNotFound, "provider not registered", nil)

	// Validation Errors
	ErrInvalidInput       = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidKeyMaterial = NewDomainError(ErrorTypeValidation, "invalid key material", nil)
	ErrInvalidPolicy      = NewDomainError(ErrorTypeValidation, "invalid routing policy", nil)
	ErrInvalidTaskType    = NewDomainError(ErrorTypeValidation, "invalid task type", nil)
	ErrInvalidBudget      = NewDomainError(ErrorTypeValidation, "invalid budget configuration", nil)

	// Authorization Errors
	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)

	// Permission Errors
	ErrForbidden      = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrTenantMismatch = NewDomainError(ErrorTypeForbidden, "tenant mismatch", nil)

	// Conflict Errors
	ErrActiveCredentialExists = NewDomainError(ErrorTypeConflict, "an active credential already exists for this provider", nil)
	ErrConcurrentUpdate       = NewDomainError(ErrorTypeConflict, "concurrent update detected", nil)

	// Internal Errors
	ErrInternal          = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError     = NewDomainError(ErrorTypeInternal, "database error", nil)
	ErrTransactionFailed = NewDomainError(ErrorTypeInternal, "transaction failed", nil)
	ErrCorruptCiphertext = NewDomainError(ErrorTypeInternal, "credential ciphertext failed authentication", nil)

	// Routing Errors
	ErrNoEligibleProvider     = NewDomainError(ErrorTypeNoEligibleProvider, "no eligible provider", nil)
	ErrProvidersExhausted     = NewDomainError(ErrorTypeExhausted, "every eligible provider failed", nil)
	ErrStreamInterrupted      = NewDomainError(ErrorTypeExhausted, "stream interrupted after first chunk", nil)
	ErrBudgetExceeded         = NewDomainError(ErrorTypeBudget, "budget exceeded", nil)
	ErrVaultUnavailable       = NewDomainError(ErrorTypeUnavailable, "credential vault unavailable", nil)
	ErrBudgetGuardUnavailable = NewDomainError(ErrorTypeUnavailable, "budget guard unavailable", nil)
	ErrRequestCancelled       = NewDomainError(ErrorTypeCancelled, "request cancelled", nil)
)

// Error type checking helper functions

func isType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool { return isType(err, ErrorTypeUnauthorized) }

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool { return isType(err, ErrorTypeForbidden) }

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool { return isType(err, ErrorTypeConflict) }

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool { return isType(err, ErrorTypeInternal) }

// IsExternalError checks if an error is an external provider error
func IsExternalError(err error) bool { return isType(err, ErrorTypeExternal) }

// IsNoEligibleProviderError checks if routing found no usable candidate
func IsNoEligibleProviderError(err error) bool { return isType(err, ErrorTypeNoEligibleProvider) }

// IsExhaustedError checks if every eligible candidate was tried and failed
func IsExhaustedError(err error) bool { return isType(err, ErrorTypeExhausted) }

// IsBudgetError checks if an error is a budget error
func IsBudgetError(err error) bool { return isType(err, ErrorTypeBudget) }

// IsUnavailableError checks if an error is a transient infrastructure error
func IsUnavailableError(err error) bool { return isType(err, ErrorTypeUnavailable) }

// IsCancelledError checks if an error is a cancellation
func IsCancelledError(err error) bool { return isType(err, ErrorTypeCancelled) }

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapUnavailable wraps an infrastructure failure that callers may retry
func WrapUnavailable(message string, err error) error {
	return NewDomainError(ErrorTypeUnavailable, message, err)
}
