// Package errors defines the typed errors surfaced by the requirements client.
//
// Every failure that reaches a caller is, or wraps, a *ServiceError carrying a
// machine readable Code, a human readable Message and, for HTTP-backed failures,
// the response status. Callers branch on the class of failure with the Is*
// helpers instead of matching strings.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies a ServiceError.
type ErrorCode string

const (
	CodeValidation   ErrorCode = "VALIDATION_ERROR"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeForbidden    ErrorCode = "FORBIDDEN"
	CodeNetwork      ErrorCode = "NETWORK_ERROR"
	CodeHTTP         ErrorCode = "HTTP_ERROR"
	CodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// ServiceError is the error type returned by the HTTP client, the domain
// services and the entity store.
type ServiceError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails returns the error with an extra detail attached.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Validation reports input rejected before any network call.
func Validation(message string) *ServiceError {
	return &ServiceError{Code: CodeValidation, Message: message, HTTPStatus: http.StatusBadRequest}
}

// Validationf is Validation with formatting.
func Validationf(format string, args ...interface{}) *ServiceError {
	return Validation(fmt.Sprintf(format, args...))
}

// NotFound reports an entity absent from the cache or the backend.
func NotFound(resource, id string) *ServiceError {
	return &ServiceError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]interface{}{"resource": resource, "id": id},
	}
}

// Unauthorized reports a missing, expired or rejected credential.
func Unauthorized(message string) *ServiceError {
	return &ServiceError{Code: CodeUnauthorized, Message: message, HTTPStatus: http.StatusUnauthorized}
}

// InvalidToken reports a bearer token that could not be parsed.
func InvalidToken(err error) *ServiceError {
	return &ServiceError{Code: CodeUnauthorized, Message: "invalid token", HTTPStatus: http.StatusUnauthorized, Err: err}
}

// Forbidden reports an action the current role may not perform.
func Forbidden(message string) *ServiceError {
	return &ServiceError{Code: CodeForbidden, Message: message, HTTPStatus: http.StatusForbidden}
}

// Network reports a transport failure where no response was received.
func Network(err error) *ServiceError {
	return &ServiceError{Code: CodeNetwork, Message: "network error", Err: err}
}

// HTTP reports a non-2xx response. The status selects the most specific code.
func HTTP(status int, message string) *ServiceError {
	if message == "" {
		message = http.StatusText(status)
	}
	code := CodeHTTP
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		code = CodeValidation
	case http.StatusUnauthorized:
		code = CodeUnauthorized
	case http.StatusForbidden:
		code = CodeForbidden
	case http.StatusNotFound:
		code = CodeNotFound
	}
	return &ServiceError{Code: code, Message: message, HTTPStatus: status}
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *ServiceError {
	return &ServiceError{Code: CodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// GetServiceError returns the first *ServiceError in err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

func hasCode(err error, code ErrorCode) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return hasCode(err, CodeValidation) }

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsAuth reports whether err is an authentication failure. It is distinct
// from validation so callers can route the user back to login.
func IsAuth(err error) bool { return hasCode(err, CodeUnauthorized) }

// IsForbidden reports whether err is an authorization failure.
func IsForbidden(err error) bool { return hasCode(err, CodeForbidden) }

// IsNetwork reports whether err is a transport failure.
func IsNetwork(err error) bool { return hasCode(err, CodeNetwork) }

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	if se := GetServiceError(err); se != nil {
		return se.HTTPStatus
	}
	return 0
}

// Message returns the human readable message of err: the ServiceError message
// when there is one, err.Error() otherwise.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if se := GetServiceError(err); se != nil {
		return se.Message
	}
	return err.Error()
}
