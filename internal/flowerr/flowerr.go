// Package flowerr defines the engine error taxonomy. Every rejected
// operation surfaces one of these kinds so the CLI and HTTP layers can map
// failures to structured payloads without string matching.
package flowerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	Validation   Kind = "validation"
	NotFound     Kind = "not_found"
	IllegalState Kind = "illegal_state"
	Conflict     Kind = "conflict"
)

type Error struct {
	Kind    Kind     `json:"kind"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func (e *Error) Error() string { return e.Message }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches per-issue detail lines, e.g. graph validation issues.
func (e *Error) WithDetails(details ...string) *Error {
	e.Details = append(e.Details, details...)
	return e
}

// IsKind reports whether err is a flowline error of the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// KindOf returns the error kind, or the empty string for foreign errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
