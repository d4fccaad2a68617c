package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hanko-field/commerce/internal/repositories"
)

const (
	pgUniqueViolation      = "23505"
	orderNumberConstraint  = "orders_order_number_key"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgCheckViolation       = "23514"
	pgAdminShutdown        = "57P01"
	pgCannotConnectNow     = "57P03"
)

// Error implements repositories.RepositoryError for Postgres backed repositories.
type Error struct {
	op          string
	err         error
	notFound    bool
	conflict    bool
	unavailable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether the error represents a missing row.
func (e *Error) IsNotFound() bool {
	return e != nil && e.notFound
}

// IsConflict reports whether the error represents a constraint or concurrency conflict.
func (e *Error) IsConflict() bool {
	return e != nil && e.conflict
}

// IsUnavailable reports whether the database could not be reached.
func (e *Error) IsUnavailable() bool {
	return e != nil && e.unavailable
}

func newError(op string, err error) *Error {
	e := &Error{op: op, err: err}
	if errors.Is(err, pgx.ErrNoRows) {
		e.notFound = true
		return e
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgSerializationFailure, pgDeadlockDetected, pgCheckViolation:
			e.conflict = true
		case pgAdminShutdown, pgCannotConnectNow:
			e.unavailable = true
		default:
			// Class 08 covers connection exceptions.
			if len(pgErr.Code) == 5 && pgErr.Code[:2] == "08" {
				e.unavailable = true
			}
		}
		return e
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) {
		e.unavailable = true
	}
	return e
}

// notFoundError builds a not-found error without a driver cause.
func notFoundError(op, message string) *Error {
	return &Error{op: op, err: errors.New(message), notFound: true}
}

// conflictError builds a conflict error without a driver cause.
func conflictError(op, message string) *Error {
	return &Error{op: op, err: errors.New(message), conflict: true}
}

// WrapError annotates pgx errors with repository semantics. Context cancellations are passed through.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var repoErr *Error
	if errors.As(err, &repoErr) {
		if op != "" && repoErr.op == "" {
			repoErr.op = op
		}
		return repoErr
	}
	return newError(op, err)
}

// orderInsertError tags a unique violation on the order number so callers can
// tell it apart from deadlocks and other conflicts.
func orderInsertError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == orderNumberConstraint {
		return &Error{
			op:       "orders.insert",
			err:      fmt.Errorf("%w: %w", repositories.ErrDuplicateOrderNumber, pgErr),
			conflict: true,
		}
	}
	return WrapError("orders.insert", err)
}
