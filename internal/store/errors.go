package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// Kind is the outcome class of a failed store operation. Callers pick their
// policy from the kind, never from the error text.
type Kind int

const (
	// KindFatal is an unexpected failure: log with context and surface it.
	KindFatal Kind = iota
	// KindTransient is a connectivity, timeout or contention failure that is
	// expected to succeed when retried.
	KindTransient
	// KindNoOp means the target was already gone or already in the requested
	// state; the operation had nothing left to do.
	KindNoOp
	// KindInvalid is a caller error such as a missing user id.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNoOp:
		return "noop"
	case KindInvalid:
		return "invalid"
	default:
		return "fatal"
	}
}

var (
	// ErrNotFound marks a mutate call whose row no longer exists.
	ErrNotFound = errors.New("not found")
	// ErrInvalid marks rejected input.
	ErrInvalid = errors.New("invalid argument")
	// ErrContention marks an upsert that kept losing races to concurrent writers.
	ErrContention = errors.New("concurrent update contention")
)

// Error attaches an operation name and an explicit kind to a cause.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap annotates err with op and its classified kind. It returns nil for a nil err.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: Classify(err), Err: err}
}

// Invalid returns a KindInvalid error for op.
func Invalid(op, format string, a ...any) error {
	return &Error{Op: op, Kind: KindInvalid, Err: fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, a...)...)}
}

// Classify maps an error to its Kind by inspecting typed causes.
func Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}

	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return KindNoOp
	case errors.Is(err, ErrInvalid):
		return KindInvalid
	case errors.Is(err, ErrContention),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn):
		return KindTransient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return KindTransient
		}
		return KindFatal
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	return KindFatal
}

// classifySQLState sorts postgres SQLSTATE codes. Class 08 is connection
// exceptions, 53 insufficient resources, 57P0x operator intervention.
func classifySQLState(code string) Kind {
	switch {
	case len(code) >= 2 && code[:2] == "08":
		return KindTransient
	case len(code) >= 2 && code[:2] == "53":
		return KindTransient
	case code == "40001", code == "40P01": // serialization failure, deadlock
		return KindTransient
	case code == "57P01", code == "57P02", code == "57P03", code == "57014":
		return KindTransient
	case len(code) >= 2 && code[:2] == "22", code == "23502", code == "23514":
		return KindInvalid
	default:
		return KindFatal
	}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return err != nil && Classify(err) == KindTransient }

// IsNoOp reports whether err only says there was nothing to do.
func IsNoOp(err error) bool { return err != nil && Classify(err) == KindNoOp }

// IsInvalid reports whether err was caused by bad input.
func IsInvalid(err error) bool { return err != nil && Classify(err) == KindInvalid }
