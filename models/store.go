package models

import (
	"context"
	"time"
)

// Every store method is scoped to the business id carried by ctx.
// Lookups of missing rows return utils.ErrorRecordNotFound.

type ObligationStore interface {
	CreateObligation(ctx context.Context, o *Obligation) error
	GetObligation(ctx context.Context, id int) (*Obligation, error)
	// GetObligationForUpdate locks the row until the surrounding transaction ends.
	GetObligationForUpdate(ctx context.Context, id int) (*Obligation, error)
	SaveObligation(ctx context.Context, o *Obligation) error
	DeleteObligation(ctx context.Context, id int) error
	ListObligations(ctx context.Context, f ObligationFilter) ([]*Obligation, error)
}

type MovementStore interface {
	CreateMovement(ctx context.Context, m *Movement) error
	GetMovement(ctx context.Context, id int) (*Movement, error)
	FindMovementByExternalRef(ctx context.Context, channel PaymentChannel, externalRef string) (*Movement, error)
	// ListUnconsumedMovements returns the channel's free movements posted in [from, to].
	ListUnconsumedMovements(ctx context.Context, channel PaymentChannel, from, to time.Time) ([]*Movement, error)
	// ClaimMovement marks the movement consumed by c. It fails with
	// ErrAlreadyConsumed when another consumer got there first.
	ClaimMovement(ctx context.Context, id int, c Consumer) error
	// ReleaseMovement frees a movement held by c.
	ReleaseMovement(ctx context.Context, id int, c Consumer) error
	DeleteMovement(ctx context.Context, id int) error
	CreateStatementPeriod(ctx context.Context, p *StatementPeriod) error
	ListStatementPeriods(ctx context.Context, channel PaymentChannel) ([]*StatementPeriod, error)
}

type AdvancePaymentStore interface {
	CreateAdvancePayment(ctx context.Context, a *AdvancePayment) error
	GetAdvancePayment(ctx context.Context, id int) (*AdvancePayment, error)
	GetAdvancePaymentForUpdate(ctx context.Context, id int) (*AdvancePayment, error)
	SaveAdvancePayment(ctx context.Context, a *AdvancePayment) error
	DeleteAdvancePayment(ctx context.Context, id int) error
	ListOpenAdvancePayments(ctx context.Context) ([]*AdvancePayment, error)
	CreateAdvanceConsumption(ctx context.Context, c *AdvanceConsumption) error
	ListAdvanceConsumptions(ctx context.Context, advancePaymentId int) ([]*AdvanceConsumption, error)
	DeleteAdvanceConsumption(ctx context.Context, id int) error
}

type SplitGroupStore interface {
	// CreateSplitGroup inserts the group and its instruments.
	CreateSplitGroup(ctx context.Context, g *SplitGroup) error
	GetSplitGroup(ctx context.Context, id int) (*SplitGroup, error)
	SaveSplitGroup(ctx context.Context, g *SplitGroup) error
	SaveSplitInstrument(ctx context.Context, in *SplitInstrument) error
	DeleteSplitGroup(ctx context.Context, id int) error
}

// AuditSink is append-only.
type AuditSink interface {
	AppendRecord(ctx context.Context, rec *ReconciliationRecord) error
	ListRecords(ctx context.Context, f RecordFilter) ([]*ReconciliationRecord, error)
}

type Store interface {
	ObligationStore
	MovementStore
	AdvancePaymentStore
	SplitGroupStore
	AuditSink

	// Transaction runs fn atomically. Every change made through tx is
	// discarded when fn returns an error.
	Transaction(ctx context.Context, fn func(tx Store) error) error
}
