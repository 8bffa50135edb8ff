package models

import (
	"time"

	"github.com/mmdatafocus/books_reconciliation/matcher"
	"github.com/shopspring/decimal"
)

// Movement is one statement line. Cash movements come from the cash book,
// bank movements from imported bank statements. Only the consumer columns
// are ever updated after import.
type Movement struct {
	ID                int             `gorm:"primary_key" json:"id"`
	BusinessId        string          `gorm:"size:64;not null;index:idx_movement_pool,priority:1;index:uniq_movement_ext,unique,priority:1" json:"business_id"`
	Channel           PaymentChannel  `gorm:"size:10;not null;index:idx_movement_pool,priority:2;index:uniq_movement_ext,unique,priority:2" json:"channel"`
	AccountRef        string          `gorm:"size:64" json:"account_ref"`
	PostingDate       time.Time       `gorm:"type:date;not null;index:idx_movement_pool,priority:4" json:"posting_date"`
	Amount            decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Description       string          `gorm:"type:text" json:"description"`
	ExternalRef       *string         `gorm:"size:100;index:uniq_movement_ext,unique,priority:3" json:"external_ref"`
	StatementPeriodId *int            `gorm:"index" json:"statement_period_id"`
	Reconciled        bool            `gorm:"not null;default:false" json:"reconciled"`
	ConsumerType      ConsumerType    `gorm:"size:20;not null;default:'';index:idx_movement_pool,priority:3" json:"consumer_type"`
	ConsumerId        int             `gorm:"not null;default:0" json:"consumer_id"`
	ConsumedAt        *time.Time      `json:"consumed_at"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewMovement struct {
	AccountRef  string          `json:"account_ref" validate:"max=64"`
	PostingDate time.Time       `json:"posting_date" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"decimal_ne0"`
	Description string          `json:"description"`
	ExternalRef string          `json:"external_ref" validate:"max=100"`
}

// Consumer identifies what a movement settles.
type Consumer struct {
	Type ConsumerType
	Id   int
}

func (m *Movement) IsConsumed() bool {
	return m.ConsumerType != ConsumerNone
}

func (m *Movement) ConsumedBy(c Consumer) bool {
	return m.ConsumerType == c.Type && m.ConsumerId == c.Id
}

func (m *Movement) Candidate() matcher.MovementCandidate {
	return matcher.MovementCandidate{
		ID:          m.ID,
		Channel:     string(m.Channel),
		PostingDate: m.PostingDate,
		Amount:      m.Amount,
		Description: m.Description,
	}
}

// StatementPeriod records that a channel's statements were imported for
// [PeriodFrom, PeriodTo]. Coverage decides between "no match found" and
// "suspended awaiting statement".
type StatementPeriod struct {
	ID            int            `gorm:"primary_key" json:"id"`
	BusinessId    string         `gorm:"size:64;not null;index:idx_statement_cover,priority:1" json:"business_id"`
	Channel       PaymentChannel `gorm:"size:10;not null;index:idx_statement_cover,priority:2" json:"channel"`
	AccountRef    string         `gorm:"size:64" json:"account_ref"`
	PeriodFrom    time.Time      `gorm:"type:date;not null;index:idx_statement_cover,priority:3" json:"period_from"`
	PeriodTo      time.Time      `gorm:"type:date;not null" json:"period_to"`
	Source        string         `gorm:"size:100" json:"source"`
	MovementCount int            `gorm:"not null;default:0" json:"movement_count"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
}
