package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/books_reconciliation/utils"
	"gorm.io/gorm"
)

// OutboxStatus summarizes the outbox rows of one obligation for operators.
type OutboxStatus struct {
	ObligationId     int        `json:"obligation_id"`
	Total            int        `json:"total"`
	Pending          int        `json:"pending"`
	Sent             int        `json:"sent"`
	Failed           int        `json:"failed"`
	Dead             int        `json:"dead"`
	LatestMessageId  int        `json:"latest_message_id"`
	LatestAction     string     `json:"latest_action"`
	PublishStatus    string     `json:"publish_status"`
	PublishAttempts  int        `json:"publish_attempts"`
	NextAttemptAt    *time.Time `json:"next_attempt_at"`
	LastPublishError *string    `json:"last_publish_error"`
	PublishedAt      *time.Time `json:"published_at"`
}

func GetOutboxStatus(ctx context.Context, db *gorm.DB, obligationId int) (*OutboxStatus, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	var rows []OutboxMessage
	if err := db.WithContext(ctx).
		Where("business_id = ? AND obligation_id = ?", businessId, obligationId).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, utils.ErrorRecordNotFound
	}
	st := &OutboxStatus{ObligationId: obligationId, Total: len(rows)}
	for _, r := range rows {
		switch r.PublishStatus {
		case OutboxPublishStatusSent:
			st.Sent++
		case OutboxPublishStatusFailed:
			st.Failed++
		case OutboxPublishStatusDead:
			st.Dead++
		default:
			st.Pending++
		}
	}
	last := rows[len(rows)-1]
	st.LatestMessageId = last.ID
	st.LatestAction = last.Action
	st.PublishStatus = last.PublishStatus
	st.PublishAttempts = last.PublishAttempts
	st.NextAttemptAt = last.NextAttemptAt
	st.LastPublishError = last.LastPublishError
	st.PublishedAt = last.PublishedAt
	return st, nil
}

// ReprocessOutbox puts the obligation's unsent rows (including DEAD ones)
// back in the dispatch queue with a fresh attempt budget.
func ReprocessOutbox(ctx context.Context, db *gorm.DB, obligationId int) (*OutboxStatus, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	res := db.WithContext(ctx).
		Model(&OutboxMessage{}).
		Where("business_id = ? AND obligation_id = ? AND publish_status <> ?", businessId, obligationId, OutboxPublishStatusSent).
		Updates(map[string]interface{}{
			"publish_status":   OutboxPublishStatusPending,
			"publish_attempts": 0,
			"next_attempt_at":  nil,
			"locked_at":        nil,
			"locked_by":        nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, utils.ErrorRecordNotFound
	}
	return GetOutboxStatus(ctx, db, obligationId)
}
