package meander

import (
	"errors"
	"fmt"
)

// ErrorKind classifies SDK errors for callers that branch on failure
// class rather than message text.
type ErrorKind string

const (
	// KindConfig marks invalid or incomplete configuration.
	KindConfig ErrorKind = "config"
	// KindStorage marks local persistence failures.
	KindStorage ErrorKind = "storage"
	// KindNetwork marks transport failures talking to the backend.
	KindNetwork ErrorKind = "network"
)

// Error is the typed error returned from the public surface. Internal
// packages wrap with fmt.Errorf; the facade classifies at the boundary.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("meander: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("meander: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err carries the given kind anywhere in its
// chain.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// wrapErr classifies an internal error at the facade boundary. Nil stays
// nil so call sites can wrap unconditionally.
func wrapErr(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func configErr(op, msg string) error {
	return &Error{Kind: KindConfig, Op: op, Err: errors.New(msg)}
}
