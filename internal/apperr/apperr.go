// Package apperr defines the error taxonomy surfaced by the HTTP API.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for transport.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindValidation
	KindBlocked
	KindRateLimited
	KindUpstreamUnavailable
	KindUpstreamError
	KindTimeout
	KindNotFound
)

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindBlocked:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstreamError:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is an error with a kind and a client-safe message.
type Error struct {
	Kind    Kind
	Message string
	Reason  string // optional tag, e.g. the rate limit that tripped
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind around err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Unauthorized() *Error             { return New(KindUnauthorized, "unauthorized") }
func Validation(msg string) *Error     { return New(KindValidation, msg) }
func Blocked() *Error                  { return New(KindBlocked, "blocked") }
func NotFound(msg string) *Error       { return New(KindNotFound, msg) }
func Internal(err error) *Error        { return Wrap(KindInternal, "internal server error", err) }
func RateLimited(reason string) *Error { return &Error{Kind: KindRateLimited, Message: "rate limited", Reason: reason} }

// From converts any error into an *Error. Errors that carry no kind are
// treated as internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// Body is the JSON shape of every error response.
type Body struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Body returns the client-facing representation. Internal errors never
// expose their cause.
func (e *Error) Body() Body {
	return Body{Error: e.Message, Reason: e.Reason}
}
