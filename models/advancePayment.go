package models

import (
	"time"

	"github.com/mmdatafocus/books_reconciliation/matcher"
	"github.com/shopspring/decimal"
)

// AdvancePayment is money paid to a counterparty before the obligation it
// settles exists. Residual = Amount - sum(consumptions) and never drops below zero.
type AdvancePayment struct {
	ID                int                  `gorm:"primary_key" json:"id"`
	BusinessId        string               `gorm:"size:64;not null;index:idx_advance_open,priority:1" json:"business_id"`
	CounterpartyName  string               `gorm:"size:255;not null" json:"counterparty_name"`
	CounterpartyTaxId string               `gorm:"size:32;index" json:"counterparty_tax_id"`
	Amount            decimal.Decimal      `gorm:"type:decimal(20,4);not null" json:"amount"`
	Residual          decimal.Decimal      `gorm:"type:decimal(20,4);not null" json:"residual"`
	PaymentDate       time.Time            `gorm:"type:date;not null" json:"payment_date"`
	Channel           PaymentChannel       `gorm:"size:10;not null" json:"channel"`
	Reference         string               `gorm:"size:100" json:"reference"`
	MovementId        *int                 `gorm:"index" json:"movement_id"`
	Status            AdvancePaymentStatus `gorm:"size:20;not null;index:idx_advance_open,priority:2" json:"status"`
	CreatedAt         time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewAdvancePayment struct {
	CounterpartyName  string          `json:"counterparty_name" validate:"required,max=255"`
	CounterpartyTaxId string          `json:"counterparty_tax_id" validate:"max=32"`
	Amount            decimal.Decimal `json:"amount" validate:"decimal_gt0"`
	PaymentDate       time.Time       `json:"payment_date" validate:"required"`
	Channel           PaymentChannel  `json:"channel" validate:"required"`
	Reference         string          `json:"reference" validate:"max=100"`
	MovementId        *int            `json:"movement_id"`
}

type AdvanceConsumption struct {
	ID               int             `gorm:"primary_key" json:"id"`
	BusinessId       string          `gorm:"size:64;not null;index" json:"business_id"`
	AdvancePaymentId int             `gorm:"not null;index" json:"advance_payment_id"`
	ObligationId     int             `gorm:"not null;index" json:"obligation_id"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (a *AdvancePayment) Candidate() matcher.AdvanceCandidate {
	return matcher.AdvanceCandidate{
		ID:                a.ID,
		Counterparty:      a.CounterpartyName,
		CounterpartyTaxId: a.CounterpartyTaxId,
		Residual:          a.Residual,
		PaymentDate:       a.PaymentDate,
		Channel:           string(a.Channel),
	}
}

// Subject describes the advance to the matcher when looking for the
// movement that paid it.
func (a *AdvancePayment) Subject(p matcher.Policy) matcher.Subject {
	return matcher.Subject{
		ID:            a.ID,
		Amount:        a.Amount,
		ReferenceDate: a.PaymentDate,
		Text: matcher.TextReference{
			Counterparty:      a.CounterpartyName,
			CounterpartyTaxId: a.CounterpartyTaxId,
			Reference:         a.Reference,
		},
		WindowDays: p.DefaultWindowDays,
	}
}

// Consume takes amount from the residual. The caller has already checked
// amount <= Residual.
func (a *AdvancePayment) Consume(amount decimal.Decimal) {
	a.Residual = a.Residual.Sub(amount)
	if a.Residual.IsZero() {
		a.Status = AdvancePaymentStatusExhausted
	}
}

// Restore gives amount back, reopening an exhausted advance.
func (a *AdvancePayment) Restore(amount decimal.Decimal) {
	a.Residual = a.Residual.Add(amount)
	if a.Residual.IsPositive() {
		a.Status = AdvancePaymentStatusOpen
	}
}
