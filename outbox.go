package main

import (
	"context"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/mmdatafocus/books_reconciliation/config"
	"github.com/mmdatafocus/books_reconciliation/workflow"
	"github.com/sirupsen/logrus"
)

// directOutboxPublishing reports whether outbox events are only logged
// instead of published. Local environments without Pub/Sub set
// OUTBOX_DIRECT_PROCESSING=true; when unset, a missing topic implies it.
func directOutboxPublishing() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("OUTBOX_DIRECT_PROCESSING"))) {
	case "true":
		return true
	case "false":
		return false
	}
	return strings.TrimSpace(os.Getenv("PUBSUB_RECONCILIATION_TOPIC")) == ""
}

func outboxPublisher(logger *logrus.Logger) workflow.PublishFunc {
	if directOutboxPublishing() {
		logger.WithFields(logrus.Fields{"field": "outbox"}).Warn("no reconciliation topic; outbox events are logged only")
		return logOnlyPublisher(logger)
	}
	return config.PublishReconciliationEventWithResult
}

// logOnlyPublisher acknowledges every event with a local id so rows still
// move to SENT in development.
func logOnlyPublisher(logger *logrus.Logger) workflow.PublishFunc {
	return func(ctx context.Context, ev config.ReconciliationEvent) (string, error) {
		id := "direct-" + uuid.NewString()
		logger.WithFields(logrus.Fields{
			"business_id":    ev.BusinessId,
			"obligation_id":  ev.ObligationId,
			"record_id":      ev.RecordId,
			"action":         ev.Action,
			"from_state":     ev.FromState,
			"to_state":       ev.ToState,
			"correlation_id": ev.CorrelationId,
			"message_id":     id,
		}).Info("reconciliation event")
		return id, nil
	}
}
