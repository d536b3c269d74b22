// Package apperr defines the error categories surfaced by the summarizer
// pipeline and their HTTP status mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes a pipeline failure.
type Kind string

// Error kinds reported to API clients.
const (
	KindFetch         Kind = "fetch"
	KindParse         Kind = "parse"
	KindSummarization Kind = "summarization"
	KindConfig        Kind = "configuration"
	KindTimeout       Kind = "timeout"
	KindUnknown       Kind = "internal"
)

// Error is a categorized failure with a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Message, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Fetch reports a network or transport failure while retrieving the page.
func Fetch(msg string, err error) *Error {
	return &Error{Kind: KindFetch, Message: msg, Err: err}
}

// Parse reports a page with no extractable body.
func Parse(msg string) *Error {
	return &Error{Kind: KindParse, Message: msg}
}

// Summarization reports an exhausted or terminal summarization failure.
func Summarization(msg string, err error) *Error {
	return &Error{Kind: KindSummarization, Message: msg, Err: err}
}

// Config reports missing or invalid configuration.
func Config(msg string, err error) *Error {
	return &Error{Kind: KindConfig, Message: msg, Err: err}
}

// Timeout reports that the overall request deadline expired.
func Timeout(msg string, err error) *Error {
	return &Error{Kind: KindTimeout, Message: msg, Err: err}
}

// KindOf returns the category of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind onto the status code returned to API clients.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindFetch:
		return http.StatusBadRequest
	case KindParse:
		return http.StatusUnprocessableEntity
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindSummarization, KindConfig:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-facing message for err.
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		if appErr.Err != nil {
			return fmt.Sprintf("%s: %v", appErr.Message, appErr.Err)
		}
		return appErr.Message
	}
	return err.Error()
}
