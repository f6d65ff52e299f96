// Package errdefs defines the error taxonomy shared by the pipeline, the
// search facade, and the HTTP layer.
//
// Every failure crossing a component boundary is classified with a Kind.
// Pipeline stages wrap causes into *Error, the executor short-circuits on
// them, and the server maps kinds to HTTP status codes. Inner packages may
// keep their own sentinel errors; they are wrapped here at the boundary.
package errdefs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindValidation              Kind = "validation_error"
	KindNotFound                Kind = "not_found"
	KindAlreadyExists           Kind = "already_exists"
	KindSessionExpired          Kind = "session_expired"
	KindConfigurationMissing    Kind = "configuration_missing"
	KindTemplateVariableMissing Kind = "template_variable_missing"
	KindProvider                Kind = "provider_error"
	KindVectorStore             Kind = "vector_store_error"
	KindDeadlineExceeded        Kind = "deadline_exceeded"
	KindInternal                Kind = "internal_error"
)

// ProviderReason refines KindProvider failures.
type ProviderReason string

const (
	ProviderAuth        ProviderReason = "auth"
	ProviderRateLimited ProviderReason = "rate_limited"
	ProviderTimeout     ProviderReason = "timeout"
	ProviderMalformed   ProviderReason = "malformed_response"
	ProviderUnavailable ProviderReason = "unavailable"
)

// Error is a classified error. Component names the subsystem that raised
// it (e.g. "pipeline.retrieval", "llms.openai", "conversation").
type Error struct {
	Kind      Kind
	Component string
	Message   string

	// Entity and Missing carry kind-specific detail: the addressed entity
	// for not-found/already-exists, the absent variable names for
	// template rendering.
	Entity  string
	Missing []string

	// Reason refines provider errors.
	Reason ProviderReason

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s: %s", e.Component, e.Kind, e.Message)
	if e.Entity != "" {
		msg += fmt.Sprintf(" (entity: %s)", e.Entity)
	}
	if len(e.Missing) > 0 {
		msg += fmt.Sprintf(" (missing: %v)", e.Missing)
	}
	if e.Reason != "" {
		msg += fmt.Sprintf(" (reason: %s)", e.Reason)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, component, message string) *Error {
	return &Error{Kind: kind, Component: component, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, component, message string, err error) *Error {
	return &Error{Kind: kind, Component: component, Message: message, Err: err}
}

// NewValidation reports invalid input.
func NewValidation(component, message string) *Error {
	return New(KindValidation, component, message)
}

// NewNotFound reports a missing or invisible entity.
func NewNotFound(component, entity, id string) *Error {
	return &Error{
		Kind:      KindNotFound,
		Component: component,
		Message:   fmt.Sprintf("%s %q not found", entity, id),
		Entity:    entity,
	}
}

// NewAlreadyExists reports a unique-constraint violation.
func NewAlreadyExists(component, entity, name string) *Error {
	return &Error{
		Kind:      KindAlreadyExists,
		Component: component,
		Message:   fmt.Sprintf("%s %q already exists", entity, name),
		Entity:    entity,
	}
}

// NewSessionExpired reports an operation on an expired session.
func NewSessionExpired(component, sessionID string) *Error {
	return &Error{
		Kind:      KindSessionExpired,
		Component: component,
		Message:   fmt.Sprintf("session %q is expired", sessionID),
		Entity:    "session",
	}
}

// NewConfigurationMissing reports an unresolvable required configuration.
func NewConfigurationMissing(component, what string) *Error {
	return New(KindConfigurationMissing, component, "no "+what+" configured")
}

// NewTemplateVariableMissing reports a render without all declared
// variables; missing lists the absent names.
func NewTemplateVariableMissing(component string, missing []string) *Error {
	return &Error{
		Kind:      KindTemplateVariableMissing,
		Component: component,
		Message:   "template variables not supplied",
		Missing:   missing,
	}
}

// NewProvider reports an upstream LLM failure after retries.
func NewProvider(component string, reason ProviderReason, message string, err error) *Error {
	return &Error{
		Kind:      KindProvider,
		Component: component,
		Message:   message,
		Reason:    reason,
		Err:       err,
	}
}

// NewVectorStore reports an upstream retrieval failure.
func NewVectorStore(component, message string, err error) *Error {
	return Wrap(KindVectorStore, component, message, err)
}

// NewDeadlineExceeded reports that the outer pipeline deadline elapsed.
func NewDeadlineExceeded(component string) *Error {
	return New(KindDeadlineExceeded, component, "deadline exceeded")
}

// NewInternal wraps an unclassified failure.
func NewInternal(component, message string, err error) *Error {
	return Wrap(KindInternal, component, message, err)
}

// KindOf extracts the Kind from an error chain. Plain context deadline
// errors report KindDeadlineExceeded; anything else unclassified reports
// KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDeadlineExceeded
	}
	return KindInternal
}

// ReasonOf extracts the provider reason, if any.
func ReasonOf(err error) ProviderReason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func IsValidation(err error) bool    { return Is(err, KindValidation) }
func IsNotFound(err error) bool      { return Is(err, KindNotFound) }
func IsAlreadyExists(err error) bool { return Is(err, KindAlreadyExists) }
func IsProvider(err error) bool      { return Is(err, KindProvider) }
func IsVectorStore(err error) bool   { return Is(err, KindVectorStore) }
func IsDeadline(err error) bool      { return Is(err, KindDeadlineExceeded) }

// HTTPStatus maps a kind to the status code the server returns.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindTemplateVariableMissing:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindSessionExpired:
		return http.StatusGone
	case KindConfigurationMissing:
		return http.StatusPreconditionFailed
	case KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case KindProvider, KindVectorStore, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
