package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/books_reconciliation/config"
	"github.com/mmdatafocus/books_reconciliation/matcher"
	"github.com/mmdatafocus/books_reconciliation/metrics"
	"github.com/mmdatafocus/books_reconciliation/models"
	"github.com/mmdatafocus/books_reconciliation/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Coordinator drives obligations through their lifecycle. Every mutation
// runs in one store transaction together with its audit record.
type Coordinator struct {
	Store   models.Store
	Matcher *matcher.Matcher
	Logger  *logrus.Logger

	// Locker serializes work on one obligation across instances. Best effort:
	// correctness comes from the conditional movement claim.
	Locker Locker
	// SweepLocker keeps a single sweep per business and channel.
	SweepLocker Locker

	AutoReconcile    func() bool
	SweepConcurrency int
	MaxClaimAttempts int
	LockTTL          time.Duration

	tracer trace.Tracer
}

func NewCoordinator(store models.Store, m *matcher.Matcher, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Coordinator{
		Store:            store,
		Matcher:          m,
		Logger:           logger,
		Locker:           NopLocker{},
		SweepLocker:      NopLocker{},
		AutoReconcile:    config.AutoReconcileEnabled,
		SweepConcurrency: config.SweepConcurrency(),
		MaxClaimAttempts: 3,
		LockTTL:          30 * time.Second,
		tracer:           otel.Tracer("books.reconciliation"),
	}
}

func (c *Coordinator) policy() matcher.Policy {
	return c.Matcher.Policy()
}

func (c *Coordinator) autoReconcile() bool {
	return c.AutoReconcile == nil || c.AutoReconcile()
}

// Outcome describes what one operation did to one obligation.
type Outcome struct {
	ObligationId int                         `json:"obligation_id"`
	From         models.ObligationState      `json:"from"`
	To           models.ObligationState      `json:"to"`
	Changed      bool                        `json:"changed"`
	Method       models.ReconciliationMethod `json:"method,omitempty"`
	BoundKind    matcher.CandidateKind       `json:"bound_kind,omitempty"`
	BoundRefId   int                         `json:"bound_ref_id,omitempty"`
	Score        float64                     `json:"score"`
	Conflicts    int                         `json:"conflicts,omitempty"`
}

func (o Outcome) Bound() bool { return o.BoundKind != "" }

// observe updates metrics once the outcome is committed.
func (c *Coordinator) observe(out Outcome) {
	if out.Changed {
		metrics.Transitions.WithLabelValues(string(out.To), string(out.Method)).Inc()
	}
	if out.Bound() {
		metrics.Bindings.WithLabelValues(string(out.BoundKind), string(out.Method)).Inc()
	}
}

func (c *Coordinator) newRecord(ctx context.Context, o *models.Obligation, action models.RecordAction, method models.ReconciliationMethod) *models.ReconciliationRecord {
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	rec := &models.ReconciliationRecord{
		Action:        action,
		Method:        method,
		Actor:         utils.GetActorFromContext(ctx),
		CorrelationId: cid,
	}
	if method == models.ReconciliationMethodAuto {
		rec.Actor = utils.SystemActor
	}
	if o != nil {
		rec.BusinessId = o.BusinessId
		rec.ObligationId = o.ID
		rec.FromState = o.State
		rec.ToState = o.State
	}
	return rec
}

// transition moves o to state `to` if the transition table allows it, then
// saves o and appends rec. The caller fills rec with bindings, score and
// justification.
func (c *Coordinator) transition(ctx context.Context, tx models.Store, o *models.Obligation, to models.ObligationState, rec *models.ReconciliationRecord) error {
	manual := rec.Method == models.ReconciliationMethodManual
	if err := models.CheckTransition(o.State, to, manual); err != nil {
		return fmt.Errorf("obligation %d: %w", o.ID, err)
	}
	return c.apply(ctx, tx, o, to, rec)
}

// apply writes the state change without consulting the transition table.
// Only unlock uses it directly.
func (c *Coordinator) apply(ctx context.Context, tx models.Store, o *models.Obligation, to models.ObligationState, rec *models.ReconciliationRecord) error {
	rec.FromState = o.State
	rec.ToState = to
	o.State = to
	if err := tx.SaveObligation(ctx, o); err != nil {
		return err
	}
	if err := tx.AppendRecord(ctx, rec); err != nil {
		return err
	}
	c.Logger.WithFields(logrus.Fields{
		"field":          "Coordinator",
		"business_id":    o.BusinessId,
		"obligation_id":  o.ID,
		"from":           rec.FromState,
		"to":             rec.ToState,
		"action":         rec.Action,
		"method":         rec.Method,
		"score":          rec.Score,
		"correlation_id": rec.CorrelationId,
	}).Info("obligation transition")
	return nil
}

// lockObligation takes the best-effort cross-instance lock for one obligation.
func (c *Coordinator) lockObligation(ctx context.Context, id int) func() {
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	key := fmt.Sprintf("lock:reconcile:%s:%d", businessId, id)
	release, err := c.Locker.Obtain(ctx, key, c.LockTTL)
	if err != nil {
		c.Logger.WithFields(logrus.Fields{
			"field":         "Coordinator",
			"business_id":   businessId,
			"obligation_id": id,
		}).Warn("could not obtain obligation lock; proceeding without lock: " + err.Error())
		return func() {}
	}
	return release
}

func detailsJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func intPtr(v int) *int { return &v }

// claimLostError marks a binding that lost its movement or advance to a
// concurrent consumer. evaluate retries those.
type claimLostError struct {
	cand matcher.MatchCandidate
	err  error
}

func (e *claimLostError) Error() string { return e.err.Error() }
func (e *claimLostError) Unwrap() error { return e.err }

// retryConflicts runs fn again while the store aborts it as a transaction
// conflict, up to MaxClaimAttempts times in total.
func (c *Coordinator) retryConflicts(ctx context.Context, op string, fn func() error) error {
	attempts := c.MaxClaimAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		err := fn()
		if !errors.Is(err, models.ErrTxConflict) || attempt >= attempts || ctx.Err() != nil {
			return err
		}
		c.Logger.WithFields(logrus.Fields{
			"field":   "Coordinator",
			"op":      op,
			"attempt": attempt,
		}).Warn("transaction conflict, retrying: " + err.Error())
	}
}

func lostClaim(cand matcher.MatchCandidate, err error) error {
	if isClaimLost(err) {
		return &claimLostError{cand: cand, err: err}
	}
	return err
}

func isClaimLost(err error) bool {
	return errors.Is(err, models.ErrAlreadyConsumed) || errors.Is(err, models.ErrResidualInsufficient)
}
