// Package errs defines the error kinds of a detection run.
//
// Callers distinguish "fix your parameters" (Configuration) from failures of
// the environment (Storage) or of an image operator (Operator). A failed chunk
// task is reported as a Task error that wraps the underlying cause, so
// errors.As still reaches the original *Error.
package errs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
)

// Kind classifies an error.
type Kind int

const (
	Unknown Kind = iota
	Configuration
	Operator
	Storage
	Task
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Operator:
		return "operator"
	case Storage:
		return "storage"
	case Task:
		return "task"
	default:
		return "unknown"
	}
}

// Sentinels matched by kind through errors.Is.
var (
	ErrConfiguration = &Error{Kind: Configuration}
	ErrOperator      = &Error{Kind: Operator}
	ErrStorage       = &Error{Kind: Storage}
	ErrTask          = &Error{Kind: Task}
)

// NoChunk marks an error that is not tied to a chunk.
const NoChunk = -1

// Error carries the kind of a failure plus where it happened.
type Error struct {
	Kind Kind
	// Op names the failing step, e.g. "plan", "materialize", "run".
	Op string
	// Chunk is the chunk index, or NoChunk.
	Chunk int
	// Operator is the operator name for operator failures.
	Operator string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	s := e.Kind.String() + " error"
	if e.Op != "" {
		s += " in " + e.Op
	}
	if e.Chunk != NoChunk {
		s += fmt.Sprintf(" (chunk %d)", e.Chunk)
	}
	if e.Operator != "" {
		s += fmt.Sprintf(" [operator %s]", e.Operator)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Configf returns a configuration error.
func Configf(op, format string, args ...any) error {
	return &Error{Kind: Configuration, Op: op, Chunk: NoChunk, Msg: fmt.Sprintf(format, args...)}
}

// Storagef returns a storage error wrapping err.
func Storagef(op string, err error, format string, args ...any) error {
	return &Error{Kind: Storage, Op: op, Chunk: NoChunk, Msg: fmt.Sprintf(format, args...), Err: err}
}

// OperatorErr returns an operator error for the named operator.
func OperatorErr(name string, err error) error {
	return &Error{Kind: Operator, Op: "run", Chunk: NoChunk, Operator: name, Err: err}
}

// InChunk returns err annotated with the chunk index. Errors of this package
// are copied with Chunk set; anything else becomes a storage or operator error
// according to Classify.
func InChunk(chunk int, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Chunk == NoChunk {
		c := *e
		c.Chunk = chunk
		return &c
	}
	if errors.As(err, &e) {
		return err
	}
	kind := Classify(err)
	if kind == Unknown {
		kind = Operator
	}
	return &Error{Kind: kind, Chunk: chunk, Err: err}
}

// TaskFailure wraps the error of a failed chunk task.
func TaskFailure(chunk int, err error) error {
	return &Error{Kind: Task, Op: "task", Chunk: chunk, Err: err}
}

// Classify returns the kind of err. Errors of this package report their own
// kind, except that a Task error reports the kind of its cause when known.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == Task && e.Err != nil {
			if inner := Classify(e.Err); inner != Unknown {
				return inner
			}
		}
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Task
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return Storage
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return Storage
	}
	return Unknown
}
