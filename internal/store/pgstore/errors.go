package pgstore

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jacksonlee411/coopguard/pkg/httperr"
)

func ErrorCode(err error) string {
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr != nil {
		return strings.TrimSpace(pgErr.Code)
	}
	return ""
}

func ErrorMessage(err error) string {
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr != nil {
		msg := strings.TrimSpace(pgErr.Message)
		if msg != "" {
			return msg
		}
	}
	return "UNKNOWN"
}

func IsInvalidInput(err error) bool {
	switch ErrorCode(err) {
	case "22P02", "22003", "22007", "22008":
		return true
	default:
		return false
	}
}

// IsPolicyRejection reports a row refused by an RLS policy, or a statement
// run without app.current_tenant.
func IsPolicyRejection(err error) bool {
	if ErrorCode(err) == "42501" {
		return true
	}
	return ErrorMessage(err) == "RLS_TENANT_CONTEXT_MISSING"
}

func IsUniqueViolation(err error) bool {
	return ErrorCode(err) == "23505"
}

// IsUnknownColumn covers undefined and ambiguous column references.
func IsUnknownColumn(err error) bool {
	switch ErrorCode(err) {
	case "42703", "42702":
		return true
	default:
		return false
	}
}

// classify turns database refusals that describe the caller's input into the
// typed errors the engine reports; everything else passes through.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case IsPolicyRejection(err):
		return httperr.NewRLSViolation("database policy: " + ErrorMessage(err))
	case IsInvalidInput(err):
		return httperr.NewBadRequest("invalid input")
	case IsUniqueViolation(err):
		return httperr.NewBadRequest("duplicate key")
	case IsUnknownColumn(err):
		return httperr.NewBadRequest("unknown column")
	default:
		return err
	}
}
