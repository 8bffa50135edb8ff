package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/books_reconciliation/config"
	"github.com/mmdatafocus/books_reconciliation/models"
	"github.com/mmdatafocus/books_reconciliation/utils"
	"github.com/mmdatafocus/books_reconciliation/workflow"
	"github.com/sirupsen/logrus"
)

// PubSubMessage is the push envelope Pub/Sub posts to the endpoint.
type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// statementMessage is a statement published by the bank-feed importer.
type statementMessage struct {
	BusinessId    string `json:"business_id"`
	CorrelationId string `json:"correlation_id"`
	workflow.StatementImport
}

const statementPushHandlerName = "pubsub.statements"

// statementPushHandler imports statements delivered by a Pub/Sub push
// subscription. Malformed or invalid messages are acked with 204 so they do
// not loop; processing failures answer 500 and Pub/Sub retries.
func (a *api) statementPushHandler(c *gin.Context) {
	logger := a.logger
	if want := os.Getenv("PUBSUB_PUSH_TOKEN"); want != "" && c.Query("token") != want {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		config.LogError(logger, "pubsub.go", "statementPushHandler", "io.ReadAll", nil, err)
		c.Status(http.StatusNoContent)
		return
	}
	// []byte fields decode base64 on their own
	var msg PubSubMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		config.LogError(logger, "pubsub.go", "statementPushHandler", "Unmarshal body", string(body), err)
		c.Status(http.StatusNoContent)
		return
	}
	var m statementMessage
	if err := json.Unmarshal(msg.Message.Data, &m); err != nil {
		config.LogError(logger, "pubsub.go", "statementPushHandler", "Unmarshal pubsub message", string(msg.Message.Data), err)
		c.Status(http.StatusNoContent)
		return
	}
	if m.BusinessId == "" {
		config.LogError(logger, "pubsub.go", "statementPushHandler", "Invalid pubsub message", msg.Message.ID, utils.ErrorBusinessIdRequired)
		c.Status(http.StatusNoContent)
		return
	}

	correlationID := m.CorrelationId
	if correlationID == "" {
		correlationID = msg.Message.ID
	}
	ctx := utils.SetBusinessIdInContext(c.Request.Context(), m.BusinessId)
	ctx = utils.SetUserIdInContext(ctx, 0)
	ctx = utils.SetUserNameInContext(ctx, utils.SystemActor)
	ctx = utils.SetCorrelationIdInContext(ctx, correlationID)

	fields := logrus.Fields{
		"field":          "statementPushHandler",
		"business_id":    m.BusinessId,
		"channel":        m.Channel,
		"message_id":     msg.Message.ID,
		"correlation_id": correlationID,
	}

	res, err := a.importStatementOnce(ctx, msg.Message.ID, m.StatementImport)
	switch {
	case err == nil:
	case isPoison(err):
		logger.WithFields(fields).Error("pubsub statement rejected: " + err.Error())
		c.Status(http.StatusNoContent)
		return
	default:
		logger.WithFields(fields).Error("pubsub processing failed: " + err.Error())
		c.Status(http.StatusInternalServerError)
		return
	}
	if res != nil {
		fields["created"], fields["skipped"] = res.Created, res.Skipped
	}
	logger.WithFields(fields).Info("statement imported")
	c.Status(http.StatusNoContent)
}

// importStatementOnce keys the import on the Pub/Sub message id so a
// redelivered message is not imported twice.
func (a *api) importStatementOnce(ctx context.Context, messageId string, imp workflow.StatementImport) (*workflow.StatementResult, error) {
	if a.idem == nil || messageId == "" {
		return a.coord.RegisterStatement(ctx, imp)
	}
	replay, err := a.idem.Begin(ctx, statementPushHandlerName, messageId)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return nil, nil
	}
	res, err := a.coord.RegisterStatement(ctx, imp)
	if err != nil {
		_ = a.idem.Fail(ctx, statementPushHandlerName, messageId, err)
		return nil, err
	}
	summary := fmt.Sprintf(`{"created":%d,"skipped":%d}`, res.Created, res.Skipped)
	if err := a.idem.Succeed(ctx, statementPushHandlerName, messageId, summary); err != nil {
		config.LogError(a.logger, "pubsub.go", "importStatementOnce", "mark idempotency succeeded", messageId, err)
	}
	return res, nil
}

// isPoison reports errors a retry cannot fix.
func isPoison(err error) bool {
	switch statusFor(err) {
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusNotFound:
		return true
	}
	return errors.Is(err, models.ErrDuplicateKey)
}
