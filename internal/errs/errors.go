// Package errs holds the error taxonomy shared by the adapters, services and
// HTTP handlers.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthKind distinguishes the two terminal authentication failures.
type AuthKind string

const (
	NotAuthenticated AuthKind = "not_authenticated"
	RefreshFailed    AuthKind = "refresh_failed"
)

// AuthError means the tenant must re-run the OAuth authorization.
type AuthError struct {
	Kind     AuthKind
	TenantID string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error (%s) for tenant %s: %v", e.Kind, e.TenantID, e.Err)
	}
	return fmt.Sprintf("auth error (%s) for tenant %s", e.Kind, e.TenantID)
}

func (e *AuthError) Unwrap() error { return e.Err }

// UpstreamError is a non-2xx answer from the Platform or the Messaging API.
type UpstreamError struct {
	Service string
	Method  string
	Path    string
	Status  int
	Body    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s API %s %s returned status %d: %s", e.Service, e.Method, e.Path, e.Status, e.Body)
}

// RoutingError means no usable messaging instance could be selected.
type RoutingError struct {
	Reason string
}

func (e *RoutingError) Error() string { return "routing error: " + e.Reason }

// TransformError is an unsupported or empty payload.
type TransformError struct {
	Reason string
}

func (e *TransformError) Error() string { return "transform error: " + e.Reason }

// DataError is missing required linkage between records or upstream objects.
type DataError struct {
	Reason string
}

func (e *DataError) Error() string { return "data error: " + e.Reason }

// ValidationError is a malformed request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// NotFoundError is a missing tenant or instance.
type NotFoundError struct {
	What string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.What, e.ID) }

// ErrConflict marks a create that collides with an existing record.
var ErrConflict = errors.New("already exists")

func Routing(format string, args ...any) error {
	return &RoutingError{Reason: fmt.Sprintf(format, args...)}
}

func Transform(format string, args ...any) error {
	return &TransformError{Reason: fmt.Sprintf(format, args...)}
}

func Data(format string, args ...any) error {
	return &DataError{Reason: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func NotFound(what, id string) error {
	return &NotFoundError{What: what, ID: id}
}

// HTTPStatus maps an error to the status code the HTTP API answers with.
func HTTPStatus(err error) int {
	var (
		authErr       *AuthError
		upstreamErr   *UpstreamError
		routingErr    *RoutingError
		transformErr  *TransformError
		validationErr *ValidationError
		notFoundErr   *NotFoundError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.As(err, &validationErr), errors.As(err, &transformErr):
		return http.StatusBadRequest
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.As(err, &routingErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &upstreamErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code is a short machine-readable name for err, used in status callbacks.
func Code(err error) string {
	var (
		authErr      *AuthError
		upstreamErr  *UpstreamError
		routingErr   *RoutingError
		transformErr *TransformError
		dataErr      *DataError
	)
	switch {
	case errors.As(err, &authErr):
		return "AUTH_ERROR"
	case errors.As(err, &upstreamErr):
		return "UPSTREAM_ERROR"
	case errors.As(err, &routingErr):
		return "ROUTING_ERROR"
	case errors.As(err, &transformErr):
		return "TRANSFORM_ERROR"
	case errors.As(err, &dataErr):
		return "DATA_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}
