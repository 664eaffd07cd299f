// Package errors defines the tagged error taxonomy shared by every layer of
// the transfer client: crypto, transport, capability negotiation, the
// upload/download engines, and the P2P session engine.
package errors

import (
	"errors"
	"fmt"
)

// Kind tags an Error with a coarse category so callers can branch on
// classification without string-matching messages.
type Kind string

const (
	// Validation marks a precondition violated by the caller or a server cap.
	Validation Kind = "validation"
	// Network marks a failure to reach a server or peer, transient or fatal.
	Network Kind = "network"
	// Protocol marks a response that violates the wire contract.
	Protocol Kind = "protocol"
	// Crypto marks a key generation, encryption, or decryption failure.
	Crypto Kind = "crypto"
	// Abort marks a caller- or internally-triggered cancellation.
	Abort Kind = "abort"
	// Timeout marks an expired composed timer.
	Timeout Kind = "timeout"
)

// Error is the concrete error type returned across package boundaries. It
// carries a machine-readable code, a human message, optional structured
// details, and the preserved underlying cause so errors.Is/errors.As keep
// working through %w-wrapped chains.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause so errors.Is / errors.As compose.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error with no underlying cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an Error that preserves cause as its Unwrap target.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// WithDetails returns a shallow copy of e with Details set.
func (e *Error) WithDetails(details map[string]any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// Is reports whether target is an *Error with the same Kind and Code,
// allowing errors.Is(err, errors.New(Validation, "some_code", "")) style checks
// against a sentinel built with the same kind/code pair.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Code == "" {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// IsKind reports whether err (or any error in its chain) is a tagged Error of
// the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
