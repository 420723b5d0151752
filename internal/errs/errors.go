// Package errs defines the partitioned error kinds used across the runtime.
//
// Errors are grouped by subsystem (database, channel, model, tool, safety,
// job, pipeline, config). Callers branch on the category with errors.Is and
// recover structured detail with errors.As. User-visible messages stay
// short; internal detail is carried in the wrapped cause.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies the subsystem an error belongs to.
type Kind string

const (
	KindConfig   Kind = "config"
	KindDatabase Kind = "database"
	KindChannel  Kind = "channel"
	KindModel    Kind = "model"
	KindTool     Kind = "tool"
	KindSafety   Kind = "safety"
	KindJob      Kind = "job"
	KindPipeline Kind = "pipeline"
)

// Sentinel categories. Wrap these so call sites can use errors.Is without
// caring which subsystem produced the failure.
var (
	ErrNotFound          = errors.New("not found")
	ErrConstraint        = errors.New("constraint violation")
	ErrPool              = errors.New("connection pool failure")
	ErrSerialization     = errors.New("serialization failure")
	ErrMigration         = errors.New("migration failure")
	ErrTimeout           = errors.New("timeout")
	ErrRateLimit         = errors.New("rate limited")
	ErrAuth              = errors.New("authentication failure")
	ErrInvalidResponse   = errors.New("invalid response")
	ErrContextLength     = errors.New("context length exceeded")
	ErrDisconnected      = errors.New("disconnected")
	ErrInvalidParams     = errors.New("invalid parameters")
	ErrDisabled          = errors.New("disabled")
	ErrPolicy            = errors.New("policy violation")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Error is a kinded error with an optional sentinel category and cause.
type Error struct {
	Kind Kind
	Op   string // short operation name, e.g. "cards.insert"
	Msg  string
	Err  error // wrapped cause or sentinel
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kinded error.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap builds a kinded error around a cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf builds a kinded error around a cause with a formatted message.
func Wrapf(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// IsKind reports whether err (or anything it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Kind == kind {
			return true
		}
		err = e.Err
		if err == nil {
			return false
		}
	}
	return false
}

// NotFound builds a database not-found error for the given entity.
func NotFound(op, entity, id string) *Error {
	return &Error{Kind: KindDatabase, Op: op, Msg: fmt.Sprintf("%s %s", entity, id), Err: ErrNotFound}
}
