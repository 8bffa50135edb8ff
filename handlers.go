package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/books_reconciliation/config"
	"github.com/mmdatafocus/books_reconciliation/middlewares"
	"github.com/mmdatafocus/books_reconciliation/models"
	"github.com/mmdatafocus/books_reconciliation/utils"
	"github.com/mmdatafocus/books_reconciliation/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// api serves the reconciliation REST surface. db is only needed by the
// outbox endpoints and stays nil when the service runs on the memory store.
type api struct {
	coord  *workflow.Coordinator
	idem   workflow.IdempotencyGuard
	db     *gorm.DB
	logger *logrus.Logger
}

func (a *api) register(r gin.IRouter) {
	write := []gin.HandlerFunc{middlewares.RequireRole(utils.RoleAdmin, utils.RoleAccountant)}
	with := func(h gin.HandlerFunc) []gin.HandlerFunc { return append(append([]gin.HandlerFunc{}, write...), h) }

	r.GET("/obligations", a.listObligations)
	r.POST("/obligations", with(a.registerObligation)...)
	r.GET("/obligations/:id", a.getObligation)
	r.DELETE("/obligations/:id", with(a.deleteObligation)...)
	r.POST("/obligations/:id/channel", with(a.confirmChannel)...)
	r.POST("/obligations/:id/accept-channel", with(a.acceptChannel)...)
	r.GET("/obligations/:id/candidates", a.obligationCandidates)
	r.POST("/obligations/:id/resolve", with(a.resolveManual)...)
	r.POST("/obligations/:id/lock", with(a.lock)...)
	r.POST("/obligations/:id/unlock", with(a.unlock)...)
	r.POST("/obligations/:id/reverse", with(a.reverse)...)
	r.GET("/obligations/:id/records", a.obligationRecords)
	r.POST("/obligations/:id/split", with(a.registerSplit)...)

	r.GET("/split-groups/:id", a.getSplitGroup)
	r.POST("/split-groups/:id/settle", with(a.settleInstrument)...)
	r.POST("/split-groups/:id/settle-all", with(a.settleGroup)...)
	r.DELETE("/split-groups/:id", with(a.cancelSplitGroup)...)

	r.POST("/advance-payments", with(a.registerAdvance)...)
	r.GET("/advance-payments/:id", a.getAdvance)
	r.GET("/advance-payments/:id/candidates", a.advanceCandidates)
	r.POST("/advance-payments/:id/bind", with(a.bindAdvance)...)
	r.DELETE("/advance-payments/:id", with(a.deleteAdvance)...)

	r.POST("/statements", with(a.registerStatement)...)
	r.GET("/movements", a.listMovements)
	r.GET("/movements/:id", a.getMovement)
	r.DELETE("/movements/:id", with(a.deleteMovement)...)

	r.POST("/sweeps", with(a.runSweep)...)

	r.GET("/outbox/obligations/:id", a.outboxStatus)
	r.POST("/outbox/obligations/:id/replay", middlewares.RequireRole(utils.RoleAdmin), a.outboxReplay)
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, utils.ErrorValidation),
		errors.Is(err, utils.ErrorBusinessIdRequired),
		errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, models.ErrInvalidChannel):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidState),
		errors.Is(err, models.ErrAlreadyConsumed),
		errors.Is(err, models.ErrDeletionBlocked),
		errors.Is(err, models.ErrDuplicateKey),
		errors.Is(err, models.ErrResidualInsufficient),
		errors.Is(err, workflow.ErrIdempotencyInProgress),
		errors.Is(err, workflow.ErrLockNotObtained):
		return http.StatusConflict
	case errors.Is(err, models.ErrSumMismatch),
		errors.Is(err, models.ErrToleranceExceeded),
		errors.Is(err, models.ErrJustificationRequired):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (a *api) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		config.LogError(a.logger, "server.go", c.FullPath(), "request failed", c.Request.URL.Path, err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return false
	}
	return true
}

// optionalJSON binds the body when there is one.
func optionalJSON(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return bindJSON(c, dst)
}

type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// mutate runs fn at most once per Idempotency-Key. A retried key that already
// succeeded gets the first response back verbatim.
func (a *api) mutate(c *gin.Context, fn func(ctx context.Context) (int, any, error)) {
	ctx := c.Request.Context()
	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if key == "" || a.idem == nil {
		status, body, err := fn(ctx)
		if err != nil {
			a.fail(c, err)
			return
		}
		c.JSON(status, body)
		return
	}

	handler := c.Request.Method + " " + c.Request.URL.Path
	replay, err := a.idem.Begin(ctx, handler, key)
	if err != nil {
		a.fail(c, err)
		return
	}
	if replay != nil {
		if *replay == "" {
			a.fail(c, workflow.ErrIdempotencyInProgress)
			return
		}
		var stored storedResponse
		if err := json.Unmarshal([]byte(*replay), &stored); err != nil || stored.Status == 0 {
			a.fail(c, errors.New("stored idempotent response unreadable"))
			return
		}
		c.Header("Idempotent-Replayed", "true")
		c.Data(stored.Status, "application/json; charset=utf-8", stored.Body)
		return
	}

	status, body, err := fn(ctx)
	if err != nil {
		if ferr := a.idem.Fail(ctx, handler, key, err); ferr != nil {
			config.LogError(a.logger, "server.go", "mutate", "mark idempotency failed", key, ferr)
		}
		a.fail(c, err)
		return
	}
	raw, err := json.Marshal(body)
	if err != nil {
		a.fail(c, err)
		return
	}
	stored, _ := json.Marshal(storedResponse{Status: status, Body: raw})
	if err := a.idem.Succeed(ctx, handler, key, string(stored)); err != nil {
		config.LogError(a.logger, "server.go", "mutate", "mark idempotency succeeded", key, err)
	}
	c.Data(status, "application/json; charset=utf-8", raw)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type justificationRequest struct {
	Justification string `json:"justification"`
}

// obligations

func (a *api) listObligations(c *gin.Context) {
	f := models.ObligationFilter{
		Channel:      models.PaymentChannel(c.Query("channel")),
		Counterparty: c.Query("counterparty"),
		TaxId:        c.Query("tax_id"),
	}
	for _, s := range c.QueryArray("state") {
		st := models.ObligationState(s)
		if !st.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state " + s})
			return
		}
		f.States = append(f.States, st)
	}
	for param, dst := range map[string]**time.Time{"from": &f.ReferenceFrom, "to": &f.ReferenceTo} {
		if v := c.Query(param); v != "" {
			t, err := utils.ParseDate(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + param})
				return
			}
			*dst = &t
		}
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		f.Limit = n
	}
	list, err := a.coord.Obligations(c.Request.Context(), f)
	if err != nil {
		a.fail(c, err)
		return
	}
	if list == nil {
		list = []*models.Obligation{}
	}
	c.JSON(http.StatusOK, gin.H{"obligations": list})
}

func (a *api) registerObligation(c *gin.Context) {
	var in models.NewObligation
	if !bindJSON(c, &in) {
		return
	}
	a.mutate(c, func(ctx context.Context) (int, any, error) {
		o, out, err := a.coord.RegisterObligation(ctx, in)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, gin.H{"obligation": o, "outcome": out}, nil
	})
}

func (a *api) getObligation(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	o, err := a.coord.Store.GetObligation(c.Request.Context(), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (a *api) deleteObligation(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req reasonRequest
	if !optionalJSON(c, &req) {
		return
	}
	a.mutate(c, func(ctx context.Context) (int, any, error) {
		if err := a.coord.DeleteObligation(ctx, id, req.Reason); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"deleted": id}, nil
	})
}

type channelRequest struct {
	Channel models.PaymentChannel `json:"channel"`
}

func (a *api) confirmChannel(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req channelRequest
	if !bindJSON(c, &req) {
		return
	}
	a.mutate(c, func(ctx context.Context) (int, any, error) {
		o, out, err := a.coord.ConfirmChannel(ctx, id, req.Channel)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"obligation": o, "outcome": out}, nil
	})
}

func (a *api) acceptChannel(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	a.mutate(c, func(ctx context.Context) (int, any, error) {
		o, out, err := a.coord.AcceptChannelCorrection(ctx, id)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"obligation": o, "outcome": out}, nil
	})
}

func (a *api) obligationCandidates(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	pv, err := a.coord.CandidatesForObligation(c.Request.Context(), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pv)
}

func (a *api) resolveManual(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req workflow.Resolution
	if !bindJSON(c, &req) {
		return
	}
	a.mutate(c, func(ctx context.Context) (int, any, error) {
		out, err := a.coord.ResolveManual(ctx, id, req)
		if err != nil {
			return 0, nil, err
		}
		o, err := a.coord.Store.GetObligation(ctx, id)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"obligation": o, "outcome": out}, nil
	})
}

func (a *api) lock(c *gin.Context) {
	a.obligationAction(c, func(ctx context.Context, id int, text string) (*models.Obligation, error) {
		return a.coord.Lock(ctx, id, text)
	})
}

func (a *api) unlock(c *gin.Context) {
	a.obligationAction(c, func(ctx context.Context, id int, text string) (*models.Obligation, error) {
		return a.coord.Unlock(ctx, id, text)
	})
}

func (a *api) reverse(c *gin.Context) {
	a.obligationAction(c, func(ctx context.Context, id int, text string) (*models.Obligation, error) {
		return a.coord.Reverse(ctx, id, text)
	})
}

// obligationAction serves lock, unlock and reverse. The free text comes as
// "reason" or "justification".
func (a *api) obligationAction(c *gin.Context, fn func(ctx context.Context, id int, text string) (*models.Obligation, error)) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req struct {
		reasonRequest
		justificationRequest
	}
	if !optionalJSON(c, &req) {
		return
	}
	text := req.Justification
	if text == "" {
		text = req.Reason
	}
	a.mutate(c, func(ctx context.Context) (int, any, error) {
		o, err := fn(ctx, id, text)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"obligation": o}, nil
	})
}

func (a *api) obligationRecords(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	recs, err := a.coord.Records(c.Request.Context(), models.RecordFilter{ObligationId: id})
	if err != nil {
		a.fail(c, err)
		return
	}
	if recs == nil {
		recs = []*models.ReconciliationRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

// split payments

func (a *api) registerSplit(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req workflow.SplitPaymentRequest
	if !bindJSON(c, &req) {
		return
	}
	a.mutate(c, func(ctx context.Context) (int, any, error) {
		g, out, err := a.coord.RegisterSplitPayment(ctx, id, req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, gin.H{"split_group": g, "outcome": out}, nil
	})
}

func (a *api) getSplitGroup(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	g, err := a.coord.Store.GetSplitGroup(c.Request.Context(), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (a *api) settleInstrument(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req workflow.InstrumentSettlement
	if !bindJSON(c, &req) {
		return
	}
	a.mutate(c, func(ctx context.Context) (int, any, error) {
		out, err := a.coord.SettleSplitInstrument(ctx, id, req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"outcome": out}, nil
	})
}

func (a *api) settleGroup(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req struct {
		Settlements []workflow.InstrumentSettlement `json:"settlements"`
	}
	if !bindJSON(c, &req) {
		return
	}
	a.mutate(c, func(ctx context.Context) (int, any, error) {
		out, err := a.coord.SettleSplitGroup(ctx, id, req.Settlements)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"outcome": out}, nil
	})
}

func (a *api) cancelSplitGroup(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req reasonRequest
	if !optionalJSON(c, &req) {
		return
	}
	a.mutate(c, func(ctx context.Context) (int, any, error) {
		if err := a.coord.CancelSplitGroup(ctx, id, req.Reason); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"cancelled": id}, nil
	})
}

// advance payments

func (a *api) registerAdvance(c *gin.Context) {
	var in models.NewAdvancePayment
	if !bindJSON(c, &in) {
		return
	}
	a.mutate(c, func(ctx context.Context) (int, any, error) {
		adv, err := a.coord.RegisterAdvancePayment(ctx, in)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, adv, nil
	})
}

func (a *api) getAdvance(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	adv, err := a.coord.Store.GetAdvancePayment(ctx, id)
	if err != nil {
		a.fail(c, err)
		return
	}
	used, err := a.coord.Store.ListAdvanceConsumptions(ctx, id)
	if err != nil {
		a.fail(c, err)
		return
	}
	if used == nil {
		used = []*models.AdvanceConsumption{}
	}
	c.JSON(http.StatusOK, gin.H{"advance_payment": adv, "consumptions": used})
}

func (a *api) advanceCandidates(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	res, err := a.coord.CandidatesForAdvancePayment(c.Request.Context(), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *api) bindAdvance(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req struct {
		MovementId    int    `json:"movement_id"`
		Justification string `json:"justification"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.MovementId <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "movement_id is required"})
		return
	}
	a.mutate(c, func(ctx context.Context) (int, any, error) {
		adv, err := a.coord.BindAdvanceMovement(ctx, id, req.MovementId, req.Justification)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, adv, nil
	})
}

func (a *api) deleteAdvance(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req reasonRequest
	if !optionalJSON(c, &req) {
		return
	}
	a.mutate(c, func(ctx context.Context) (int, any, error) {
		if err := a.coord.DeleteAdvancePayment(ctx, id, req.Reason); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"deleted": id}, nil
	})
}

// statements and movements

func (a *api) registerStatement(c *gin.Context) {
	var imp workflow.StatementImport
	if !bindJSON(c, &imp) {
		return
	}
	a.mutate(c, func(ctx context.Context) (int, any, error) {
		res, err := a.coord.RegisterStatement(ctx, imp)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, res, nil
	})
}

func (a *api) listMovements(c *gin.Context) {
	channel := models.PaymentChannel(c.Query("channel"))
	from, err := utils.ParseDate(c.DefaultQuery("from", "1900-01-01"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
		return
	}
	to, err := utils.ParseDate(c.DefaultQuery("to", "2999-12-31"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
		return
	}
	list, err := a.coord.MovementsUnconsumedInWindow(c.Request.Context(), channel, from, to)
	if err != nil {
		a.fail(c, err)
		return
	}
	if list == nil {
		list = []*models.Movement{}
	}
	c.JSON(http.StatusOK, gin.H{"movements": list})
}

func (a *api) getMovement(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	m, err := a.coord.Store.GetMovement(c.Request.Context(), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (a *api) deleteMovement(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req reasonRequest
	if !optionalJSON(c, &req) {
		return
	}
	a.mutate(c, func(ctx context.Context) (int, any, error) {
		if err := a.coord.DeleteMovement(ctx, id, req.Reason); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"deleted": id}, nil
	})
}

type sweepRequest struct {
	Channel models.PaymentChannel `json:"channel"`
	From    string                `json:"from"`
	To      string                `json:"to"`
}

func (a *api) runSweep(c *gin.Context) {
	var req sweepRequest
	if !bindJSON(c, &req) {
		return
	}
	var window workflow.SweepWindow
	for _, p := range []struct {
		raw string
		dst **time.Time
	}{{req.From, &window.From}, {req.To, &window.To}} {
		if p.raw == "" {
			continue
		}
		t, err := utils.ParseDate(p.raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date " + p.raw})
			return
		}
		*p.dst = &t
	}
	a.mutate(c, func(ctx context.Context) (int, any, error) {
		report, err := a.coord.RunSweep(ctx, req.Channel, window)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, report, nil
	})
}

// outbox

func (a *api) outboxStatus(c *gin.Context) {
	a.outbox(c, models.GetOutboxStatus)
}

func (a *api) outboxReplay(c *gin.Context) {
	a.outbox(c, models.ReprocessOutbox)
}

func (a *api) outbox(c *gin.Context, fn func(ctx context.Context, db *gorm.DB, obligationId int) (*models.OutboxStatus, error)) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	if a.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "outbox is only kept by the database store"})
		return
	}
	st, err := fn(c.Request.Context(), a.db, id)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
