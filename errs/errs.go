// Package errs provides structured error types and helpers for threadline components.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies the failure category. Categories decide who handles an error:
// the connection machine, the composition form, or a transient alert.
type Code string

const (
	// CodeTransport indicates a recoverable network failure that drives a reconnect.
	CodeTransport Code = "transport"
	// CodeProtocol indicates the server sent something the client cannot interpret.
	CodeProtocol Code = "protocol"
	// CodeRequest indicates a single API call failed.
	CodeRequest Code = "request"
	// CodeValidation indicates a business rule rejected user input (captcha, file size, ...).
	CodeValidation Code = "validation"
	// CodeTimeout indicates an operation exceeded its deadline.
	CodeTimeout Code = "timeout"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_argument"
)

// Reason narrows a Code with a machine readable cause.
type Reason string

const (
	// ReasonUnknown captures uncategorized failures.
	ReasonUnknown Reason = ""
	// ReasonCaptchaRequired indicates the server demands a solved captcha before accepting a post.
	ReasonCaptchaRequired Reason = "captcha_required"
	// ReasonFileTooLarge indicates an attachment exceeded the server limit.
	ReasonFileTooLarge Reason = "file_too_large"
	// ReasonNotConnected indicates a send was attempted without a live link.
	ReasonNotConnected Reason = "not_connected"
	// ReasonMalformedFrame indicates a frame could not be decoded.
	ReasonMalformedFrame Reason = "malformed_frame"
)

// E captures structured error information produced across the threadline stack.
type E struct {
	Op      string
	Code    Code
	HTTP    int
	Reason  Reason
	Message string
	RawMsg  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:   strings.TrimSpace(op),
		Code: code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithReason records a machine readable reason.
func WithReason(reason Reason) Option {
	return func(e *E) {
		e.Reason = reason
	}
}

// WithRawMessage captures the raw server response body.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Reason != ReasonUnknown {
		parts = append(parts, "reason="+string(e.Reason))
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the first envelope in err's chain, or "" when none exists.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// ReasonOf returns the reason of the first envelope in err's chain.
func ReasonOf(err error) Reason {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Reason
	}
	return ReasonUnknown
}

// Is reports whether err carries the provided code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
