package models

import (
	"time"
)

// ReconciliationRecord is the append-only audit trail. Rows are inserted in
// the same transaction as the change they describe and never updated.
type ReconciliationRecord struct {
	ID               int                  `gorm:"primary_key" json:"id"`
	BusinessId       string               `gorm:"size:64;not null;index" json:"business_id"`
	ObligationId     int                  `gorm:"not null;index" json:"obligation_id"`
	MovementIds      IntList              `gorm:"type:text" json:"movement_ids"`
	AdvancePaymentId *int                 `gorm:"index" json:"advance_payment_id"`
	SplitGroupId     *int                 `gorm:"index" json:"split_group_id"`
	Score            float64              `gorm:"not null;default:0" json:"score"`
	Method           ReconciliationMethod `gorm:"size:10;not null" json:"method"`
	Action           RecordAction         `gorm:"size:40;not null;index" json:"action"`
	FromState        ObligationState      `gorm:"size:40" json:"from_state"`
	ToState          ObligationState      `gorm:"size:40" json:"to_state"`
	Actor            string               `gorm:"size:100;not null" json:"actor"`
	Justification    string               `gorm:"type:text" json:"justification"`
	Details          string               `gorm:"type:text" json:"details"`
	CorrelationId    string               `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time            `gorm:"autoCreateTime;index" json:"created_at"`
}

type RecordFilter struct {
	ObligationId     int
	AdvancePaymentId int
	SplitGroupId     int
	Actions          []RecordAction
	Limit            int
}
