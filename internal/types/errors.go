package types

import (
	"errors"
	"fmt"
)

// Kind is a stable wire code for an error category. Every component raises
// its own kind; pipelines propagate kinds without rewrapping.
type Kind string

const (
	KindInvalidInput      Kind = "INVALID_INPUT"
	KindAuthExpired       Kind = "AUTH_EXPIRED"
	KindRateLimited       Kind = "RATE_LIMITED"
	KindUpstreamError     Kind = "UPSTREAM_ERROR"
	KindDependencyMissing Kind = "DEPENDENCY_MISSING"
	KindInternal          Kind = "INTERNAL_ERROR"
)

// Error is a tagged error carrying a stable kind and optional structured
// metadata (e.g. remaining cooldown seconds on RATE_LIMITED).
type Error struct {
	Kind    Kind
	Message string
	Meta    map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a tagged error with a formatted message.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a kind. If the underlying error already
// carries a kind, that kind is preserved and only the message is prefixed.
func Wrap(kind Kind, err error, message string) *Error {
	var te *Error
	if errors.As(err, &te) {
		kind = te.Kind
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithMeta attaches a metadata key to the error and returns it.
func (e *Error) WithMeta(key string, value interface{}) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]interface{})
	}
	e.Meta[key] = value
	return e
}

// KindOf classifies any error into a wire code. Untagged errors are
// INTERNAL_ERROR; a nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// MetaOf returns the structured metadata of a tagged error, or nil.
func MetaOf(err error) map[string]interface{} {
	var te *Error
	if errors.As(err, &te) {
		return te.Meta
	}
	return nil
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
