package engine

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Code is a stable, caller-visible error code.
type Code string

const (
	CodeInvariantViolation  Code = "INVARIANT_VIOLATION"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodePSPTimeout          Code = "PSP_TIMEOUT"
	CodePSPAPIError         Code = "PSP_API_ERROR"
	CodeBlockedByKillSwitch Code = "BLOCKED_BY_KILLSWITCH"
	CodeLedgerDrift         Code = "LEDGER_DRIFT"
	CodeConflict            Code = "CONFLICT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeForbidden           Code = "FORBIDDEN"
	CodePayoutsDisabled     Code = "PAYOUTS_DISABLED"
)

// Error is the typed failure surfaced to callers. Lower layers always win:
// database trigger violations map to INVARIANT_VIOLATION and are never
// retried without state re-evaluation.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newErr(code Code, msg string, wrapped ...error) *Error {
	var inner error
	if len(wrapped) > 0 {
		inner = wrapped[0]
	}
	return &Error{Code: code, Msg: msg, Err: inner}
}

// CodeOf extracts the stable code, or empty if err is not an engine error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Postgres SQLSTATEs the engine reacts to.
const (
	sqlstateRaiseException       = "P0001"
	sqlstateUniqueViolation      = "23505"
	sqlstateCheckViolation       = "23514"
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
)

// mapPgError folds database failures into the engine's error kinds. Trigger
// RAISEs and constraint violations are invariant violations; serialization
// failures are conflicts that callers may retry only after re-reading state.
func mapPgError(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateRaiseException, sqlstateCheckViolation:
			return newErr(CodeInvariantViolation, op+": "+pgErr.Message, err)
		case sqlstateUniqueViolation:
			return newErr(CodeConflict, op+": "+pgErr.Message, err)
		case sqlstateSerializationFailure, sqlstateDeadlockDetected:
			return newErr(CodeConflict, op+": serialization failure", err)
		}
	}
	return err
}
