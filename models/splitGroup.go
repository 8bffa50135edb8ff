package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SplitGroup settles one obligation with several instruments (checks,
// partial transfers). The group closes, and the obligation reconciles, only
// when every instrument is settled.
type SplitGroup struct {
	ID           int               `gorm:"primary_key" json:"id"`
	BusinessId   string            `gorm:"size:64;not null;index" json:"business_id"`
	ObligationId int               `gorm:"not null;index" json:"obligation_id"`
	Tolerance    decimal.Decimal   `gorm:"type:decimal(20,4);not null" json:"tolerance"`
	Status       SplitGroupStatus  `gorm:"size:20;not null;index" json:"status"`
	Instruments  []SplitInstrument `gorm:"foreignKey:SplitGroupId" json:"instruments"`
	ClosedAt     *time.Time        `json:"closed_at"`
	CreatedAt    time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type SplitInstrument struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"size:64;not null;index" json:"business_id"`
	SplitGroupId int             `gorm:"not null;index" json:"split_group_id"`
	Reference    string          `gorm:"size:100;not null" json:"reference"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Settled      bool            `gorm:"not null;default:false" json:"settled"`
	MovementId   *int            `gorm:"index" json:"movement_id"`
	SettledAt    *time.Time      `json:"settled_at"`
}

type NewSplitInstrument struct {
	Reference string          `json:"reference" validate:"required,max=100"`
	Amount    decimal.Decimal `json:"amount" validate:"decimal_gt0"`
}

func (g *SplitGroup) Sum() decimal.Decimal {
	sum := decimal.Zero
	for _, in := range g.Instruments {
		sum = sum.Add(in.Amount)
	}
	return sum
}

func (g *SplitGroup) SettledCount() int {
	n := 0
	for _, in := range g.Instruments {
		if in.Settled {
			n++
		}
	}
	return n
}

func (g *SplitGroup) AllSettled() bool {
	return len(g.Instruments) > 0 && g.SettledCount() == len(g.Instruments)
}

func (g *SplitGroup) Instrument(id int) *SplitInstrument {
	for i := range g.Instruments {
		if g.Instruments[i].ID == id {
			return &g.Instruments[i]
		}
	}
	return nil
}
