package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmdatafocus/books_reconciliation/config"
	"github.com/mmdatafocus/books_reconciliation/matcher"
	"github.com/mmdatafocus/books_reconciliation/models"
)

// Resolution is an operator's decision on a flagged obligation. With neither
// target set the obligation is marked unresolved.
type Resolution struct {
	MovementId       *int   `json:"movement_id"`
	AdvancePaymentId *int   `json:"advance_payment_id"`
	Justification    string `json:"justification"`
}

// ResolveManual binds an obligation to the movement or advance payment the
// operator picked. When that target was taken by someone else the obligation
// is re-classified against what is left and the conflict is returned.
func (c *Coordinator) ResolveManual(ctx context.Context, id int, r Resolution) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "ResolveManual")
	defer span.End()

	if r.MovementId != nil && r.AdvancePaymentId != nil {
		return Outcome{}, fmt.Errorf("choose a movement or an advance payment, not both: %w", models.ErrInvalidState)
	}

	release := c.lockObligation(ctx, id)
	out := Outcome{ObligationId: id}
	err := c.Store.Transaction(ctx, func(tx models.Store) error {
		o, err := tx.GetObligationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		out.From, out.To = o.State, o.State
		if r.MovementId == nil && r.AdvancePaymentId == nil {
			return c.markUnresolved(ctx, tx, o, r.Justification, &out)
		}
		if o.SplitGroupId != nil {
			return fmt.Errorf("obligation %d is settled through split group %d: %w", id, *o.SplitGroupId, models.ErrInvalidState)
		}
		if o.State.IsTerminal() {
			return fmt.Errorf("obligation %d is %s: %w", id, o.State, models.ErrInvalidState)
		}
		if err := models.CheckTransition(o.State, models.ObligationStateReconciled, true); err != nil {
			return fmt.Errorf("obligation %d: %w", id, err)
		}
		cand, err := c.manualCandidate(ctx, tx, o, r)
		if err != nil {
			return err
		}
		if cand.Composite < c.policy().SuggestScore && strings.TrimSpace(r.Justification) == "" {
			return fmt.Errorf("score %.2f below %.0f: %w", cand.Composite, c.policy().SuggestScore, models.ErrJustificationRequired)
		}
		return c.bind(ctx, tx, o, cand, models.ReconciliationMethodManual, r.Justification, &out)
	})
	release()

	if isClaimLost(err) {
		span.RecordError(err)
		if _, rerr := c.evaluate(ctx, id, true); rerr != nil {
			config.LogError(c.Logger, "Coordinator", "ResolveManual", "reclassify after conflict", id, rerr)
		}
		return out, err
	}
	if err != nil {
		return out, err
	}
	c.observe(out)
	return out, nil
}

func (c *Coordinator) markUnresolved(ctx context.Context, tx models.Store, o *models.Obligation, justification string, out *Outcome) error {
	rec := c.newRecord(ctx, o, models.RecordActionMarkUnresolved, models.ReconciliationMethodManual)
	rec.Justification = justification
	if err := c.transition(ctx, tx, o, models.ObligationStateNoMatchFound, rec); err != nil {
		return err
	}
	out.To, out.Changed, out.Method = o.State, out.From != o.State, models.ReconciliationMethodManual
	return nil
}

// manualCandidate scores the operator's pick the way a sweep would have.
// A pick the matcher would discard scores zero.
func (c *Coordinator) manualCandidate(ctx context.Context, tx models.Store, o *models.Obligation, r Resolution) (matcher.MatchCandidate, error) {
	p := c.policy()
	if r.MovementId != nil {
		mv, err := tx.GetMovement(ctx, *r.MovementId)
		if err != nil {
			return matcher.MatchCandidate{}, err
		}
		if mv.IsConsumed() {
			return matcher.MatchCandidate{}, fmt.Errorf("movement %d: %w", mv.ID, models.ErrAlreadyConsumed)
		}
		if mv.Amount.Sign() == o.Amount.Sign() {
			return matcher.MatchCandidate{}, fmt.Errorf("movement %d goes the wrong way for obligation %d: %w", mv.ID, o.ID, models.ErrInvalidAmount)
		}
		if mv.Channel != o.Channel {
			// accepting a movement on the other channel is how an operator
			// settles a channel mismatch
			if o.State != models.ObligationStateChannelMismatch {
				return matcher.MatchCandidate{}, fmt.Errorf("movement %d is %s, obligation %d is %s: %w", mv.ID, mv.Channel, o.ID, o.Channel, models.ErrInvalidChannel)
			}
			o.Channel = mv.Channel
		}
		res := c.Matcher.Match(o.Subject(p), []matcher.MovementCandidate{mv.Candidate()}, nil)
		if best := res.Best(); best != nil {
			return *best, nil
		}
		return matcher.MatchCandidate{
			Kind:             matcher.CandidateMovement,
			RefId:            mv.ID,
			Channel:          string(mv.Channel),
			Amount:           mv.Amount,
			AmountDifference: o.Amount.Abs().Sub(mv.Amount.Abs()).Abs(),
		}, nil
	}

	adv, err := tx.GetAdvancePayment(ctx, *r.AdvancePaymentId)
	if err != nil {
		return matcher.MatchCandidate{}, err
	}
	if !o.IsPayable() {
		return matcher.MatchCandidate{}, fmt.Errorf("obligation %d is not a payment: %w", o.ID, models.ErrInvalidAmount)
	}
	if o.AdvancePaymentId != nil {
		return matcher.MatchCandidate{}, fmt.Errorf("obligation %d already consumed advance %d: %w", o.ID, *o.AdvancePaymentId, models.ErrInvalidState)
	}
	res := c.Matcher.Match(o.Subject(p), nil, []matcher.AdvanceCandidate{adv.Candidate()})
	if best := res.Best(); best != nil {
		return *best, nil
	}
	return matcher.MatchCandidate{
		Kind:    matcher.CandidateAdvancePayment,
		RefId:   adv.ID,
		Channel: string(adv.Channel),
		Amount:  adv.Residual,
	}, nil
}

// Lock freezes an obligation; sweeps skip it until Unlock.
func (c *Coordinator) Lock(ctx context.Context, id int, reason string) (*models.Obligation, error) {
	var o *models.Obligation
	err := c.Store.Transaction(ctx, func(tx models.Store) error {
		var err error
		o, err = tx.GetObligationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if o.State == models.ObligationStateManuallyLocked {
			return fmt.Errorf("obligation %d is already locked: %w", id, models.ErrInvalidState)
		}
		rec := c.newRecord(ctx, o, models.RecordActionLock, models.ReconciliationMethodManual)
		rec.Justification = reason
		o.PreLockState = o.State
		return c.transition(ctx, tx, o, models.ObligationStateManuallyLocked, rec)
	})
	if err != nil {
		return nil, err
	}
	c.observe(Outcome{To: o.State, Changed: true, Method: models.ReconciliationMethodManual})
	return o, nil
}

// Unlock returns a locked obligation to the state it was locked from.
func (c *Coordinator) Unlock(ctx context.Context, id int, reason string) (*models.Obligation, error) {
	var o *models.Obligation
	err := c.Store.Transaction(ctx, func(tx models.Store) error {
		var err error
		o, err = tx.GetObligationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if o.State != models.ObligationStateManuallyLocked {
			return fmt.Errorf("obligation %d is %s: %w", id, o.State, models.ErrInvalidState)
		}
		to := o.PreLockState
		if !to.IsValid() || to == models.ObligationStateManuallyLocked {
			to = models.ObligationStateAwaitingChannel
			if o.Channel.IsConfirmable() {
				to = o.Channel.ConfirmedState()
			}
		}
		rec := c.newRecord(ctx, o, models.RecordActionUnlock, models.ReconciliationMethodManual)
		rec.Justification = reason
		o.PreLockState = ""
		return c.apply(ctx, tx, o, to, rec)
	})
	if err != nil {
		return nil, err
	}
	c.observe(Outcome{To: o.State, Changed: true, Method: models.ReconciliationMethodManual})
	return o, nil
}

// Reverse undoes a reconciliation: the movement, advance residual or split
// instruments are released and the obligation goes back to its confirmed
// channel state (or to awaiting confirmation when it never had one).
func (c *Coordinator) Reverse(ctx context.Context, id int, justification string) (*models.Obligation, error) {
	ctx, span := c.tracer.Start(ctx, "Reverse")
	defer span.End()

	if strings.TrimSpace(justification) == "" {
		return nil, fmt.Errorf("reversal of obligation %d: %w", id, models.ErrJustificationRequired)
	}
	release := c.lockObligation(ctx, id)
	defer release()

	var o *models.Obligation
	err := c.Store.Transaction(ctx, func(tx models.Store) error {
		var err error
		o, err = tx.GetObligationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if o.State != models.ObligationStateReconciled {
			return fmt.Errorf("obligation %d is %s: %w", id, o.State, models.ErrInvalidState)
		}
		rec := c.newRecord(ctx, o, models.RecordActionReverse, models.ReconciliationMethodManual)
		rec.Justification = justification

		switch {
		case o.SettledMovementId != nil:
			if err := tx.ReleaseMovement(ctx, *o.SettledMovementId, models.Consumer{Type: models.ConsumerObligation, Id: o.ID}); err != nil {
				return err
			}
			rec.MovementIds = models.IntList{*o.SettledMovementId}
			o.SettledMovementId = nil
		case o.AdvancePaymentId != nil:
			if err := c.restoreAdvance(ctx, tx, o); err != nil {
				return err
			}
			rec.AdvancePaymentId = intPtr(*o.AdvancePaymentId)
			o.AdvancePaymentId = nil
		case o.SplitGroupId != nil:
			released, err := c.reopenSplitGroup(ctx, tx, *o.SplitGroupId)
			if err != nil {
				return err
			}
			rec.SplitGroupId = intPtr(*o.SplitGroupId)
			rec.MovementIds = released
		}

		to := models.ObligationStateAwaitingChannel
		if o.Channel.IsConfirmable() {
			to = o.Channel.ConfirmedState()
		}
		o.LastScore = 0
		o.Candidates = nil
		return c.transition(ctx, tx, o, to, rec)
	})
	if err != nil {
		return nil, err
	}
	c.observe(Outcome{To: o.State, Changed: true, Method: models.ReconciliationMethodManual})
	return o, nil
}

func (c *Coordinator) restoreAdvance(ctx context.Context, tx models.Store, o *models.Obligation) error {
	adv, err := tx.GetAdvancePaymentForUpdate(ctx, *o.AdvancePaymentId)
	if err != nil {
		return err
	}
	consumptions, err := tx.ListAdvanceConsumptions(ctx, adv.ID)
	if err != nil {
		return err
	}
	for _, ac := range consumptions {
		if ac.ObligationId != o.ID {
			continue
		}
		adv.Restore(ac.Amount)
		if err := tx.DeleteAdvanceConsumption(ctx, ac.ID); err != nil {
			return err
		}
	}
	return tx.SaveAdvancePayment(ctx, adv)
}
