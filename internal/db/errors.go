package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"
)

// Sentinel errors for database operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrEntityAlreadyExists indicates a record violating a unique index,
	// e.g. two writers allocating the same version number.
	ErrEntityAlreadyExists = errors.New("entity already exists")

	// ErrTransactionConflict indicates a SurrealDB transaction conflict.
	// This occurs when multiple concurrent operations attempt to modify the same records.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a state precondition failed inside a transaction.
	ErrConflict = errors.New("conflict")

	// ErrAlreadyApproved is the approval-specific ErrConflict.
	ErrAlreadyApproved = fmt.Errorf("%w: version already approved", ErrConflict)

	// ErrRunTerminal is returned when a transition targets a finished run.
	ErrRunTerminal = fmt.Errorf("%w: run is in a terminal state", ErrConflict)
)

// Messages raised with THROW inside transactions. wrapQueryError maps them
// back to sentinels.
const (
	throwNotFound        = "not found"
	throwAlreadyApproved = "version already approved"
	throwRunTerminal     = "run is in a terminal state"
)

// wrapQueryError inspects a SurrealDB error and wraps it with the appropriate
// sentinel error if it's a known query error type. Returns the original error
// if it's not a QueryError or doesn't match known patterns.
//
// A failed transaction reports one error per statement, most of them
// "not executed", so the whole joined message is scanned rather than only the
// first QueryError.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if !errors.As(err, &queryErr) {
		return err
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, throwAlreadyApproved):
		return fmt.Errorf("%w (%s)", ErrAlreadyApproved, queryErr.Message)
	case strings.Contains(msg, throwRunTerminal):
		return fmt.Errorf("%w (%s)", ErrRunTerminal, queryErr.Message)
	case strings.Contains(msg, "already exists"), strings.Contains(msg, "already contains"):
		return fmt.Errorf("%w: %s", ErrEntityAlreadyExists, queryErr.Message)
	case strings.Contains(msg, "Transaction conflict"), strings.Contains(msg, "transaction conflict"):
		return fmt.Errorf("%w: %s", ErrTransactionConflict, queryErr.Message)
	case strings.Contains(msg, throwNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, queryErr.Message)
	}
	return err
}
