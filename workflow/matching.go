package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mmdatafocus/books_reconciliation/matcher"
	"github.com/mmdatafocus/books_reconciliation/metrics"
	"github.com/mmdatafocus/books_reconciliation/models"
	"github.com/mmdatafocus/books_reconciliation/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// decision is the classification of one obligation against the current pools.
type decision struct {
	To       models.ObligationState
	Bind     *matcher.MatchCandidate
	Proposed models.PaymentChannel
	Result   matcher.Result
}

func (c *Coordinator) movementCandidates(ctx context.Context, st models.Store, o *models.Obligation, channel models.PaymentChannel) ([]matcher.MovementCandidate, error) {
	if !channel.IsConfirmable() {
		return nil, nil
	}
	from, to := o.MatchWindow(c.policy())
	mvs, err := st.ListUnconsumedMovements(ctx, channel, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]matcher.MovementCandidate, 0, len(mvs))
	for _, mv := range mvs {
		out = append(out, mv.Candidate())
	}
	return out, nil
}

// advanceCandidates lists open advances; only outgoing obligations can consume one.
func (c *Coordinator) advanceCandidates(ctx context.Context, st models.Store, o *models.Obligation) ([]matcher.AdvanceCandidate, error) {
	if !o.IsPayable() || o.AdvancePaymentId != nil {
		return nil, nil
	}
	advs, err := st.ListOpenAdvancePayments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]matcher.AdvanceCandidate, 0, len(advs))
	for _, a := range advs {
		out = append(out, a.Candidate())
	}
	return out, nil
}

func (c *Coordinator) decide(ctx context.Context, st models.Store, o *models.Obligation) (decision, error) {
	p := c.policy()
	var d decision

	movements, err := c.movementCandidates(ctx, st, o, o.Channel)
	if err != nil {
		return d, err
	}
	advances, err := c.advanceCandidates(ctx, st, o)
	if err != nil {
		return d, err
	}
	d.Result = c.Matcher.Match(o.Subject(p), movements, advances)
	best := d.Result.Best()
	autoBind := best != nil && best.Composite >= p.AutoScore && !d.Result.TopTied() && c.autoReconcile()

	// before the channel is confirmed only advances are visible
	if o.State == models.ObligationStateAwaitingChannel {
		d.To = o.State
		if autoBind && best.Kind == matcher.CandidateAdvancePayment {
			d.To = models.ObligationStateReconciled
			d.Bind = best
		}
		return d, nil
	}

	if autoBind {
		d.To = models.ObligationStateReconciled
		d.Bind = best
		return d, nil
	}

	other, err := c.movementCandidates(ctx, st, o, o.Channel.Other())
	if err != nil {
		return d, err
	}
	if len(other) > 0 {
		alt := c.Matcher.Match(o.Subject(p), other, nil)
		if b := alt.Best(); b != nil && b.Composite >= p.AutoScore {
			d.To = models.ObligationStateChannelMismatch
			d.Proposed = o.Channel.Other()
			d.Result.Candidates = mergeCandidates(alt.Candidates[:1], d.Result.Candidates, p.MaxCandidates)
			return d, nil
		}
	}

	if best != nil {
		d.To = models.ObligationStateAmbiguousMatch
		return d, nil
	}

	from, to := o.MatchWindow(p)
	periods, err := st.ListStatementPeriods(ctx, o.Channel)
	if err != nil {
		return d, err
	}
	if Covered(periods, from, to) {
		d.To = models.ObligationStateNoMatchFound
	} else {
		d.To = models.ObligationStateSuspended
	}
	return d, nil
}

func mergeCandidates(head, rest []matcher.MatchCandidate, limit int) []matcher.MatchCandidate {
	out := append([]matcher.MatchCandidate{}, head...)
	out = append(out, rest...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Covered reports whether the statement periods cover every day of [from, to].
func Covered(periods []*models.StatementPeriod, from, to time.Time) bool {
	sorted := append([]*models.StatementPeriod(nil), periods...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PeriodFrom.Before(sorted[j].PeriodFrom) })
	cursor, end := utils.DateOnly(from), utils.DateOnly(to)
	for _, p := range sorted {
		pf, pt := utils.DateOnly(p.PeriodFrom), utils.DateOnly(p.PeriodTo)
		if pt.Before(cursor) {
			continue
		}
		if pf.After(cursor) {
			return false
		}
		cursor = pt.AddDate(0, 0, 1)
		if cursor.After(end) {
			return true
		}
	}
	return false
}

func evaluable(o *models.Obligation, allowFlagged bool) bool {
	switch {
	case o.State.IsSweepable(), o.State == models.ObligationStateAwaitingChannel:
		return true
	case allowFlagged && o.State == models.ObligationStateAmbiguousMatch:
		return true
	}
	return false
}

// evaluate runs one matching attempt for an obligation and applies the
// result. A binding that loses its movement or advance to a concurrent
// consumer is rolled back, audited and retried against the remaining pool.
func (c *Coordinator) evaluate(ctx context.Context, id int, allowFlagged bool) (Outcome, error) {
	release := c.lockObligation(ctx, id)
	defer release()

	attempts := c.MaxClaimAttempts
	if attempts < 1 {
		attempts = 1
	}
	out := Outcome{ObligationId: id}
	for attempt := 1; ; attempt++ {
		err := c.retryConflicts(ctx, "evaluate", func() error {
			return c.Store.Transaction(ctx, func(tx models.Store) error {
				o, err := tx.GetObligationForUpdate(ctx, id)
				if err != nil {
					return err
				}
				out = Outcome{ObligationId: id, From: o.State, To: o.State, Conflicts: out.Conflicts}
				if !evaluable(o, allowFlagged) {
					return nil
				}
				if o.SplitGroupId != nil {
					return c.settleSplitFromPool(ctx, tx, o, &out)
				}
				d, err := c.decide(ctx, tx, o)
				if err != nil {
					return err
				}
				if !models.CanTransition(o.State, d.To, false) {
					return nil
				}
				if d.Bind != nil {
					return lostClaim(*d.Bind, c.bind(ctx, tx, o, *d.Bind, models.ReconciliationMethodAuto, "", &out))
				}
				return c.classify(ctx, tx, o, d, &out)
			})
		})
		var lost *claimLostError
		if errors.As(err, &lost) {
			out.Conflicts++
			c.recordClaimConflict(ctx, id, lost.cand, lost.err)
			if attempt < attempts {
				continue
			}
		}
		if err != nil {
			return out, err
		}
		c.observe(out)
		return out, nil
	}
}

// classify stores a non-binding decision. Nothing is audited when the state
// does not change, which keeps repeated sweeps free of duplicate records.
func (c *Coordinator) classify(ctx context.Context, tx models.Store, o *models.Obligation, d decision, out *Outcome) error {
	score := 0.0
	if best := d.Result.Best(); best != nil {
		score = best.Composite
	}
	snapshot := models.MatchCandidates(d.Result.Candidates)
	if d.To == o.State {
		if sameCandidates(o.Candidates, snapshot) && o.ProposedChannel == d.Proposed {
			return nil
		}
		o.Candidates, o.LastScore, o.ProposedChannel = snapshot, score, d.Proposed
		return tx.SaveObligation(ctx, o)
	}
	o.Candidates, o.LastScore, o.ProposedChannel = snapshot, score, d.Proposed

	method := models.ReconciliationMethodAuto
	rec := c.newRecord(ctx, o, models.ActionForState(d.To, method), method)
	rec.Score = score
	rec.Details = detailsJSON(map[string]any{
		"candidates":       len(d.Result.Candidates),
		"considered":       d.Result.Considered,
		"discarded":        d.Result.Discarded,
		"proposed_channel": d.Proposed,
	})
	if err := c.transition(ctx, tx, o, d.To, rec); err != nil {
		return err
	}
	out.To, out.Changed, out.Method, out.Score = d.To, true, method, score
	return nil
}

func sameCandidates(a, b models.MatchCandidates) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return detailsJSON(a) == detailsJSON(b)
}

// bind settles o with cand and moves it to reconciled.
func (c *Coordinator) bind(ctx context.Context, tx models.Store, o *models.Obligation, cand matcher.MatchCandidate, method models.ReconciliationMethod, justification string, out *Outcome) error {
	rec := c.newRecord(ctx, o, models.ActionForState(models.ObligationStateReconciled, method), method)
	rec.Score = cand.Composite
	rec.Justification = justification

	switch cand.Kind {
	case matcher.CandidateMovement:
		consumer := models.Consumer{Type: models.ConsumerObligation, Id: o.ID}
		if err := tx.ClaimMovement(ctx, cand.RefId, consumer); err != nil {
			return err
		}
		o.SettledMovementId = intPtr(cand.RefId)
		rec.MovementIds = models.IntList{cand.RefId}
	case matcher.CandidateAdvancePayment:
		consumed, err := c.consumeAdvance(ctx, tx, o, cand.RefId)
		if err != nil {
			return err
		}
		o.AdvancePaymentId = intPtr(cand.RefId)
		rec.AdvancePaymentId = intPtr(cand.RefId)
		rec.Details = detailsJSON(map[string]any{"consumed": consumed})
	default:
		return fmt.Errorf("cannot bind candidate kind %q", cand.Kind)
	}
	o.LastScore = cand.Composite
	o.ProposedChannel = ""
	if err := c.transition(ctx, tx, o, models.ObligationStateReconciled, rec); err != nil {
		return err
	}
	out.To, out.Changed, out.Method, out.Score = models.ObligationStateReconciled, true, method, cand.Composite
	out.BoundKind, out.BoundRefId = cand.Kind, cand.RefId
	return nil
}

// consumeAdvance takes o's amount from the advance. A residual short of the
// amount by no more than the rounding tolerance is consumed in full.
func (c *Coordinator) consumeAdvance(ctx context.Context, tx models.Store, o *models.Obligation, advanceId int) (decimal.Decimal, error) {
	adv, err := tx.GetAdvancePaymentForUpdate(ctx, advanceId)
	if err != nil {
		return decimal.Zero, err
	}
	need := o.Amount.Abs()
	amount := need
	if adv.Status != models.AdvancePaymentStatusOpen || adv.Residual.LessThan(need) {
		if adv.Status != models.AdvancePaymentStatusOpen || !c.policy().WithinRounding(need, adv.Residual) {
			return decimal.Zero, fmt.Errorf("advance %d residual %s for %s: %w", adv.ID, adv.Residual, need, models.ErrResidualInsufficient)
		}
		amount = adv.Residual
	}
	adv.Consume(amount)
	if err := tx.SaveAdvancePayment(ctx, adv); err != nil {
		return decimal.Zero, err
	}
	consumption := &models.AdvanceConsumption{
		AdvancePaymentId: adv.ID,
		ObligationId:     o.ID,
		Amount:           amount,
	}
	if err := tx.CreateAdvanceConsumption(ctx, consumption); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// recordClaimConflict audits a lost binding in its own transaction.
func (c *Coordinator) recordClaimConflict(ctx context.Context, id int, lost matcher.MatchCandidate, cause error) {
	metrics.ClaimConflicts.Inc()
	err := c.Store.Transaction(ctx, func(tx models.Store) error {
		o, err := tx.GetObligation(ctx, id)
		if err != nil {
			return err
		}
		rec := c.newRecord(ctx, o, models.RecordActionClaimConflict, models.ReconciliationMethodAuto)
		rec.Score = lost.Composite
		switch lost.Kind {
		case matcher.CandidateMovement:
			rec.MovementIds = models.IntList{lost.RefId}
		case matcher.CandidateAdvancePayment:
			rec.AdvancePaymentId = intPtr(lost.RefId)
		}
		if cause != nil {
			rec.Details = detailsJSON(map[string]any{"error": cause.Error()})
		}
		return tx.AppendRecord(ctx, rec)
	})
	fields := logrus.Fields{
		"field":         "Coordinator",
		"obligation_id": id,
		"kind":          lost.Kind,
		"ref_id":        lost.RefId,
	}
	if err != nil {
		c.Logger.WithFields(fields).Error("failed to record claim conflict: " + err.Error())
		return
	}
	c.Logger.WithFields(fields).Warn("binding lost to a concurrent consumer; retrying against remaining pool")
}
