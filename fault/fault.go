// Package fault provides the machine-readable error taxonomy of the mixer.
//
// None of these errors is fatal: every one is scoped to a single message or
// command and is logged with its code under the "kind" attribute.
package fault

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Inbound message errors
	CodeMalformedPayload Code = "MALFORMED_PAYLOAD"
	CodeMissingIdentity  Code = "MISSING_IDENTITY"
	CodeUnknownTopic     Code = "UNKNOWN_TOPIC"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeOverloaded       Code = "OVERLOADED"

	// Registry and playback errors
	CodeResourceNotFound    Code = "RESOURCE_NOT_FOUND"
	CodePlaybackUnavailable Code = "PLAYBACK_UNAVAILABLE"
	CodeNotSupported        Code = "NOT_SUPPORTED"

	// Bus errors
	CodeNotConnected Code = "NOT_CONNECTED"
)

// Sentinels for errors.Is comparisons.
var (
	ErrMalformedPayload    = &Error{Code: CodeMalformedPayload}
	ErrMissingIdentity     = &Error{Code: CodeMissingIdentity}
	ErrUnknownTopic        = &Error{Code: CodeUnknownTopic}
	ErrInvalidArgument     = &Error{Code: CodeInvalidArgument}
	ErrOverloaded          = &Error{Code: CodeOverloaded}
	ErrResourceNotFound    = &Error{Code: CodeResourceNotFound}
	ErrPlaybackUnavailable = &Error{Code: CodePlaybackUnavailable}
	ErrNotSupported        = &Error{Code: CodeNotSupported}
	ErrNotConnected        = &Error{Code: CodeNotConnected}
)

// Error carries a Code plus the operation that produced it.
type Error struct {
	Code Code
	Op   string
	Err  error
}

// New returns an Error for op with a formatted cause.
func New(code Code, op string, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches code and op to err.
func Wrap(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first Error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeUnknown
}
