// Package errors implements the §7 error taxonomy shared by every
// component: Transient, ProtocolViolation, Conflict, Stale, Fatal.
// Handlers recover the taxonomy tag with KindOf(err) regardless of how
// many layers of context wrapped it, the way the teacher recovers its
// own sentinel errors (cmn.NewErrAborted, cmn.NewErrXactUsePrev)
// through arbitrary wrapping.
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error for propagation-policy decisions (§7):
// Transient is retried in place and never surfaces to the object
// host; ProtocolViolation and Stale are logged and discarded; Conflict
// surfaces as ConnectResponse::Error; Fatal aborts startup.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindProtocolViolation
	KindConflict
	KindStale
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindProtocolViolation:
		return "protocol-violation"
	case KindConflict:
		return "conflict"
	case KindStale:
		return "stale"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type taggedError struct {
	kind Kind
	err  error
}

func (t *taggedError) Error() string { return t.err.Error() }
func (t *taggedError) Unwrap() error { return t.err }
func (t *taggedError) Cause() error  { return t.err } // pkg/errors compatibility

// Tag wraps err (via pkg/errors, preserving its stack) with a
// taxonomy kind.
func Tag(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &taggedError{kind: kind, err: errors.WithStack(err)}
}

// Tagf formats a new error and tags it in one step.
func Tagf(kind Kind, format string, v ...any) error {
	return Tag(kind, fmt.Errorf(format, v...))
}

// KindOf walks the error's Unwrap/Cause chain looking for a tag. Returns
// KindUnknown if none is found.
func KindOf(err error) Kind {
	for err != nil {
		if t, ok := err.(*taggedError); ok {
			return t.kind
		}
		type causer interface{ Cause() error }
		type unwrapper interface{ Unwrap() error }
		if c, ok := err.(causer); ok {
			err = c.Cause()
			continue
		}
		if u, ok := err.(unwrapper); ok {
			err = u.Unwrap()
			continue
		}
		break
	}
	return KindUnknown
}

func IsTransient(err error) bool         { return KindOf(err) == KindTransient }
func IsProtocolViolation(err error) bool  { return KindOf(err) == KindProtocolViolation }
func IsConflict(err error) bool           { return KindOf(err) == KindConflict }
func IsStale(err error) bool              { return KindOf(err) == KindStale }
func IsFatal(err error) bool              { return KindOf(err) == KindFatal }

// Convenience constructors for the common call sites.
func Transient(format string, v ...any) error        { return Tagf(KindTransient, format, v...) }
func ProtocolViolation(format string, v ...any) error { return Tagf(KindProtocolViolation, format, v...) }
func Conflict(format string, v ...any) error          { return Tagf(KindConflict, format, v...) }
func Stale(format string, v ...any) error             { return Tagf(KindStale, format, v...) }
func Fatal(format string, v ...any) error             { return Tagf(KindFatal, format, v...) }
