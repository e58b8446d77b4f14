package analysis

import (
	"errors"
	"fmt"
)

// Kind classifies a service error for retry and display decisions.
type Kind int

const (
	// KindNetwork means the transport failed; the request may never have
	// reached the service and can be retried by resubmission.
	KindNetwork Kind = iota
	// KindBusiness means the service answered with a well-formed failure;
	// the service-provided message is shown and resubmission may retry.
	KindBusiness
	// KindNotFound means the referenced job or resource is gone; there is
	// nothing to retry.
	KindNotFound
)

// Error is a classified analysis-service error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "analysis service error"
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(err error) *Error {
	return &Error{Kind: KindNetwork, Message: "cannot reach analysis service", Err: err}
}

// NewBusinessError carries a failure message returned by the service.
func NewBusinessError(message string) *Error {
	if message == "" {
		message = "analysis request failed"
	}
	return &Error{Kind: KindBusiness, Message: message}
}

// NewNotFoundError marks a missing job or resource.
func NewNotFoundError(what string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found", what)}
}

// ErrorKind extracts the kind of an analysis error. Unclassified errors are
// treated as network failures, the retryable default.
func ErrorKind(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindNetwork
}

// IsNetwork reports whether err is a transport failure.
func IsNetwork(err error) bool {
	return ErrorKind(err) == KindNetwork
}

// IsNotFound reports whether err references a missing job or resource.
func IsNotFound(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == KindNotFound
}
