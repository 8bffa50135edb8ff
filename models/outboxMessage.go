package models

import (
	"encoding/json"
	"time"

	"github.com/mmdatafocus/books_reconciliation/config"
)

// Outbox publish statuses for OutboxMessage.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// OutboxMessage is written next to every ReconciliationRecord and published
// to Pub/Sub after commit by the dispatcher.
type OutboxMessage struct {
	ID               int        `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	BusinessId       string     `gorm:"size:64;not null;index" json:"business_id"`
	RecordId         int        `gorm:"not null;index" json:"record_id"`
	ObligationId     int        `gorm:"not null" json:"obligation_id"`
	Action           string     `gorm:"size:40;not null" json:"action"`
	FromState        string     `gorm:"size:40" json:"from_state"`
	ToState          string     `gorm:"size:40" json:"to_state"`
	Payload          []byte     `gorm:"type:blob" json:"payload"`
	PublishStatus    string     `gorm:"size:20;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewOutboxMessage builds the outbox row for a freshly inserted record.
func NewOutboxMessage(rec *ReconciliationRecord) (*OutboxMessage, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return &OutboxMessage{
		BusinessId:    rec.BusinessId,
		RecordId:      rec.ID,
		ObligationId:  rec.ObligationId,
		Action:        string(rec.Action),
		FromState:     string(rec.FromState),
		ToState:       string(rec.ToState),
		Payload:       payload,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: rec.CorrelationId,
	}, nil
}

func ConvertToReconciliationEvent(m OutboxMessage) config.ReconciliationEvent {
	return config.ReconciliationEvent{
		ID:            m.ID,
		BusinessId:    m.BusinessId,
		RecordId:      m.RecordId,
		ObligationId:  m.ObligationId,
		Action:        m.Action,
		FromState:     m.FromState,
		ToState:       m.ToState,
		OccurredAt:    m.CreatedAt,
		Payload:       json.RawMessage(m.Payload),
		CorrelationId: m.CorrelationId,
	}
}
