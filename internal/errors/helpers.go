package errors

import (
	"errors"
	"fmt"
)

// Common error creators for the relay pipeline.

// NewTransientAPIError wraps a network/5xx/timeout failure from an upstream
// API. Always retryable.
func NewTransientAPIError(service string, err error) *AppError {
	return WrapRetryable(err, ErrCodeTransientAPI, fmt.Sprintf("%s API call failed", service)).
		WithContext("service", service)
}

// NewAPIError creates an error for an external service call, classifying
// retryability from the HTTP status code.
func NewAPIError(service, endpoint string, statusCode int, err error) *AppError {
	var code ErrorCode
	switch service {
	case "crm":
		code = ErrCodeCrmAPI
	case "channel":
		code = ErrCodeChannelAPI
	default:
		code = ErrCodeInternalError
	}

	retryable := statusCode >= 500 || statusCode == 429 || statusCode == 408

	appErr := Wrap(err, code, fmt.Sprintf("%s API call failed", service)).
		WithContext("service", service).
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)
	appErr.Retryable = retryable

	return appErr
}

// NewAuthRefreshError marks a failed OAuth refresh exchange. Retryable a
// bounded number of times by the queue before escalation.
func NewAuthRefreshError(portal string, err error) *AppError {
	return WrapRetryable(err, ErrCodeAuthRefresh, "token refresh exchange failed").
		WithContext("portal", portal)
}

// NewPortalNotConfiguredError marks a tenant with no stored credential
// record. Fatal per tenant, never retried.
func NewPortalNotConfiguredError(portal string) *AppError {
	return New(ErrCodePortalNotConfigured, "portal is not provisioned").
		WithContext("portal", portal)
}

// NewConflictError marks an attempt to create a mapping over an existing
// one. Non-retryable.
func NewConflictError(key, value string) *AppError {
	return New(ErrCodeConflict, "conversation mapping already exists").
		WithContext("key", key).
		WithContext("value", value)
}

// NewMappingNotFoundError marks an outbound relay whose target conversation
// is unknown. Non-retryable; there is nothing to retry toward.
func NewMappingNotFoundError(identifier string) *AppError {
	return New(ErrCodeMappingNotFound, "conversation mapping not found").
		WithContext("identifier", identifier)
}

// NewMalformedWebhookError marks an unparseable payload shape, such as a
// dialog id that does not match the expected pattern.
func NewMalformedWebhookError(detail string) *AppError {
	return New(ErrCodeMalformedWebhook, detail)
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation)
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key)
}

// HasCode reports whether err or any error in its chain carries the given
// code.
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
