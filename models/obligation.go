package models

import (
	"time"

	"github.com/mmdatafocus/books_reconciliation/matcher"
	"github.com/shopspring/decimal"
)

// Obligation is an amount owed to or by the business. A positive amount is
// a payment the business has to make; a negative one is money it expects
// back (a refund, a reversed salary).
type Obligation struct {
	ID                int             `gorm:"primary_key" json:"id"`
	BusinessId        string          `gorm:"size:64;not null;index:idx_obligation_sweep,priority:1" json:"business_id"`
	Kind              ObligationKind  `gorm:"size:20;not null" json:"kind"`
	CounterpartyName  string          `gorm:"size:255;not null;index" json:"counterparty_name"`
	CounterpartyTaxId string          `gorm:"size:32;index" json:"counterparty_tax_id"`
	DocumentNumber    string          `gorm:"size:100" json:"document_number"`
	Reference         string          `gorm:"size:100" json:"reference"`
	Amount            decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	ReferenceDate     time.Time       `gorm:"type:date;not null;index" json:"reference_date"`
	Channel           PaymentChannel  `gorm:"size:10;not null;default:'unset';index:idx_obligation_sweep,priority:2" json:"channel"`
	State             ObligationState `gorm:"size:40;not null;index:idx_obligation_sweep,priority:3" json:"state"`
	PreLockState      ObligationState `gorm:"size:40" json:"pre_lock_state,omitempty"`
	ProposedChannel   PaymentChannel  `gorm:"size:10" json:"proposed_channel,omitempty"`
	SettledMovementId *int            `gorm:"index" json:"settled_movement_id"`
	AdvancePaymentId  *int            `gorm:"index" json:"advance_payment_id"`
	SplitGroupId      *int            `gorm:"index" json:"split_group_id"`
	LastScore         float64         `gorm:"not null;default:0" json:"last_score"`
	Candidates        MatchCandidates `gorm:"type:text" json:"candidates"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewObligation struct {
	Kind              ObligationKind  `json:"kind" validate:"required"`
	CounterpartyName  string          `json:"counterparty_name" validate:"required,max=255"`
	CounterpartyTaxId string          `json:"counterparty_tax_id" validate:"max=32"`
	DocumentNumber    string          `json:"document_number" validate:"max=100"`
	Reference         string          `json:"reference" validate:"max=100"`
	Amount            decimal.Decimal `json:"amount" validate:"decimal_ne0"`
	ReferenceDate     time.Time       `json:"reference_date" validate:"required"`
}

func (o *Obligation) TextReference() matcher.TextReference {
	return matcher.TextReference{
		Counterparty:      o.CounterpartyName,
		CounterpartyTaxId: o.CounterpartyTaxId,
		DocumentNumber:    o.DocumentNumber,
		Reference:         o.Reference,
	}
}

// Subject describes the obligation to the matcher.
func (o *Obligation) Subject(p matcher.Policy) matcher.Subject {
	return matcher.Subject{
		ID:            o.ID,
		Amount:        o.Amount,
		ReferenceDate: o.ReferenceDate,
		Text:          o.TextReference(),
		WindowDays:    o.Kind.WindowDays(p),
	}
}

// MatchWindow is the posting-date range searched for o.
func (o *Obligation) MatchWindow(p matcher.Policy) (time.Time, time.Time) {
	days := o.Kind.WindowDays(p)
	return o.ReferenceDate.AddDate(0, 0, -days), o.ReferenceDate.AddDate(0, 0, days)
}

// IsPayable reports whether o is a payment the business makes.
func (o *Obligation) IsPayable() bool {
	return o.Amount.IsPositive()
}

type ObligationFilter struct {
	States        []ObligationState
	Channel       PaymentChannel
	Counterparty  string
	TaxId         string
	ReferenceFrom *time.Time
	ReferenceTo   *time.Time
	Limit         int
}
