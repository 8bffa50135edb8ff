package models

import (
	"errors"

	"github.com/mmdatafocus/books_reconciliation/matcher"
)

// Reconciliation error taxonomy. Callers match with errors.Is; the
// coordinator wraps these with the obligation or movement involved.
var (
	ErrInvalidState          = errors.New("invalid state")
	ErrAlreadyConsumed       = errors.New("movement already consumed")
	ErrSumMismatch           = errors.New("split instruments do not sum to the obligation amount")
	ErrToleranceExceeded     = matcher.ErrToleranceExceeded
	ErrDeletionBlocked       = errors.New("deletion blocked")
	ErrJustificationRequired = errors.New("justification required")
	ErrInvalidChannel        = errors.New("invalid payment channel")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrResidualInsufficient  = errors.New("advance payment residual insufficient")
	ErrDuplicateKey          = errors.New("duplicate key")
	// ErrTxConflict marks a transaction the database aborted (deadlock or
	// lock wait timeout). Running it again is safe.
	ErrTxConflict = errors.New("transaction conflict")
)
