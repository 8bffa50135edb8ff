package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmdatafocus/books_reconciliation/config"
	"github.com/mmdatafocus/books_reconciliation/matcher"
	"github.com/mmdatafocus/books_reconciliation/models"
	"github.com/mmdatafocus/books_reconciliation/utils"
	"github.com/sirupsen/logrus"
)

// RegisterAdvancePayment records money paid ahead of any obligation. When
// the paying movement is known it is claimed in the same transaction. Open
// obligations of the same counterparty are then offered the new advance.
func (c *Coordinator) RegisterAdvancePayment(ctx context.Context, in models.NewAdvancePayment) (*models.AdvancePayment, error) {
	ctx, span := c.tracer.Start(ctx, "RegisterAdvancePayment")
	defer span.End()

	if err := utils.ValidateStruct(in); err != nil {
		return nil, err
	}
	if !in.Channel.IsConfirmable() {
		return nil, fmt.Errorf("channel %q: %w", in.Channel, models.ErrInvalidChannel)
	}
	a := &models.AdvancePayment{
		CounterpartyName:  in.CounterpartyName,
		CounterpartyTaxId: in.CounterpartyTaxId,
		Amount:            in.Amount,
		Residual:          in.Amount,
		PaymentDate:       utils.DateOnly(in.PaymentDate),
		Channel:           in.Channel,
		Reference:         in.Reference,
		Status:            models.AdvancePaymentStatusOpen,
	}
	err := c.Store.Transaction(ctx, func(tx models.Store) error {
		if err := tx.CreateAdvancePayment(ctx, a); err != nil {
			return err
		}
		rec := c.advanceRecord(ctx, a, models.RecordActionAdvanceRegistered, models.ReconciliationMethodManual)
		if in.MovementId != nil {
			if err := c.claimForAdvance(ctx, tx, a, *in.MovementId); err != nil {
				return err
			}
			rec.MovementIds = models.IntList{*in.MovementId}
		}
		rec.Details = detailsJSON(map[string]any{"amount": a.Amount, "channel": a.Channel})
		return tx.AppendRecord(ctx, rec)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	c.offerAdvance(ctx, a)
	return c.Store.GetAdvancePayment(ctx, a.ID)
}

// offerAdvance re-evaluates the counterparty's unsettled obligations so a
// late-registered advance can still settle them.
func (c *Coordinator) offerAdvance(ctx context.Context, a *models.AdvancePayment) {
	f := models.ObligationFilter{
		States: append([]models.ObligationState{models.ObligationStateAwaitingChannel},
			models.ObligationStateConfirmedCash, models.ObligationStateConfirmedBank, models.ObligationStateSuspended),
	}
	if a.CounterpartyTaxId != "" {
		f.TaxId = a.CounterpartyTaxId
	} else {
		f.Counterparty = a.CounterpartyName
	}
	obligations, err := c.Store.ListObligations(ctx, f)
	if err != nil {
		config.LogError(c.Logger, "Coordinator", "offerAdvance", "list obligations", a.ID, err)
		return
	}
	for _, o := range obligations {
		if !o.IsPayable() || o.AdvancePaymentId != nil || o.SplitGroupId != nil {
			continue
		}
		out, err := c.evaluate(ctx, o.ID, false)
		if err != nil {
			config.LogError(c.Logger, "Coordinator", "offerAdvance", "evaluate obligation", o.ID, err)
			continue
		}
		if out.BoundKind == matcher.CandidateAdvancePayment && out.BoundRefId == a.ID {
			c.Logger.WithFields(logrus.Fields{
				"field":              "Coordinator",
				"advance_payment_id": a.ID,
				"obligation_id":      o.ID,
			}).Info("advance payment consumed by existing obligation")
		}
	}
}

func (c *Coordinator) advanceRecord(ctx context.Context, a *models.AdvancePayment, action models.RecordAction, method models.ReconciliationMethod) *models.ReconciliationRecord {
	rec := c.newRecord(ctx, nil, action, method)
	rec.BusinessId = a.BusinessId
	rec.AdvancePaymentId = intPtr(a.ID)
	return rec
}

// claimForAdvance ties the movement that paid a to it. The movement must
// leave the advance's channel for the advance amount, within rounding.
func (c *Coordinator) claimForAdvance(ctx context.Context, tx models.Store, a *models.AdvancePayment, movementId int) error {
	if a.MovementId != nil {
		return fmt.Errorf("advance %d is already paid by movement %d: %w", a.ID, *a.MovementId, models.ErrInvalidState)
	}
	mv, err := tx.GetMovement(ctx, movementId)
	if err != nil {
		return err
	}
	if mv.Channel != a.Channel {
		return fmt.Errorf("movement %d is %s, advance %d is %s: %w", mv.ID, mv.Channel, a.ID, a.Channel, models.ErrInvalidChannel)
	}
	if !mv.Amount.IsNegative() || !c.policy().WithinRounding(mv.Amount.Abs(), a.Amount) {
		return fmt.Errorf("movement %d amount %s does not pay advance %d of %s: %w", mv.ID, mv.Amount, a.ID, a.Amount, models.ErrInvalidAmount)
	}
	if err := tx.ClaimMovement(ctx, mv.ID, models.Consumer{Type: models.ConsumerAdvancePayment, Id: a.ID}); err != nil {
		return err
	}
	a.MovementId = intPtr(mv.ID)
	return tx.SaveAdvancePayment(ctx, a)
}

// BindAdvanceMovement lets an operator pick the movement that paid an advance.
func (c *Coordinator) BindAdvanceMovement(ctx context.Context, advanceId, movementId int, justification string) (*models.AdvancePayment, error) {
	var a *models.AdvancePayment
	err := c.Store.Transaction(ctx, func(tx models.Store) error {
		var err error
		a, err = tx.GetAdvancePaymentForUpdate(ctx, advanceId)
		if err != nil {
			return err
		}
		mv, err := tx.GetMovement(ctx, movementId)
		if err != nil {
			return err
		}
		score := 0.0
		res := c.Matcher.Match(a.Subject(c.policy()), []matcher.MovementCandidate{mv.Candidate()}, nil)
		if best := res.Best(); best != nil {
			score = best.Composite
		}
		if score < c.policy().SuggestScore && strings.TrimSpace(justification) == "" {
			return fmt.Errorf("score %.2f below %.0f: %w", score, c.policy().SuggestScore, models.ErrJustificationRequired)
		}
		if err := c.claimForAdvance(ctx, tx, a, movementId); err != nil {
			return err
		}
		rec := c.advanceRecord(ctx, a, models.RecordActionAdvanceBound, models.ReconciliationMethodManual)
		rec.MovementIds = models.IntList{movementId}
		rec.Score = score
		rec.Justification = justification
		return tx.AppendRecord(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// CandidatesForAdvancePayment previews the movements that could have paid
// the advance. Nothing is written.
func (c *Coordinator) CandidatesForAdvancePayment(ctx context.Context, advanceId int) (matcher.Result, error) {
	a, err := c.Store.GetAdvancePayment(ctx, advanceId)
	if err != nil {
		return matcher.Result{}, err
	}
	return c.advanceMovementMatch(ctx, c.Store, a)
}

func (c *Coordinator) advanceMovementMatch(ctx context.Context, st models.Store, a *models.AdvancePayment) (matcher.Result, error) {
	p := c.policy()
	from, to := a.PaymentDate.AddDate(0, 0, -p.DefaultWindowDays), a.PaymentDate.AddDate(0, 0, p.DefaultWindowDays)
	mvs, err := st.ListUnconsumedMovements(ctx, a.Channel, from, to)
	if err != nil {
		return matcher.Result{}, err
	}
	cands := make([]matcher.MovementCandidate, 0, len(mvs))
	for _, mv := range mvs {
		cands = append(cands, mv.Candidate())
	}
	return c.Matcher.Match(a.Subject(p), cands, nil), nil
}

// sweepAdvances binds open advances of channel to their paying movement when
// the match is unambiguous. It returns how many were bound and how many lost
// their movement to a concurrent consumer.
func (c *Coordinator) sweepAdvances(ctx context.Context, channel models.PaymentChannel) (bound, conflicts int, err error) {
	advances, err := c.Store.ListOpenAdvancePayments(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, head := range advances {
		if head.Channel != channel || head.MovementId != nil {
			continue
		}
		if ctx.Err() != nil {
			return bound, conflicts, ctx.Err()
		}
		var ok bool
		err := c.Store.Transaction(ctx, func(tx models.Store) error {
			a, err := tx.GetAdvancePaymentForUpdate(ctx, head.ID)
			if err != nil || a.MovementId != nil {
				return err
			}
			res, err := c.advanceMovementMatch(ctx, tx, a)
			if err != nil {
				return err
			}
			best := res.Best()
			if best == nil || best.Composite < c.policy().AutoScore || res.TopTied() || !c.autoReconcile() {
				return nil
			}
			if err := c.claimForAdvance(ctx, tx, a, best.RefId); err != nil {
				return err
			}
			rec := c.advanceRecord(ctx, a, models.RecordActionAdvanceBound, models.ReconciliationMethodAuto)
			rec.MovementIds = models.IntList{best.RefId}
			rec.Score = best.Composite
			ok = true
			return tx.AppendRecord(ctx, rec)
		})
		switch {
		case isClaimLost(err):
			conflicts++
			c.Logger.WithFields(logrus.Fields{
				"field":              "Coordinator",
				"advance_payment_id": head.ID,
			}).Warn("advance payment movement taken by a concurrent consumer")
		case err != nil:
			config.LogError(c.Logger, "Coordinator", "sweepAdvances", "bind advance movement", head.ID, err)
		case ok:
			bound++
		}
	}
	return bound, conflicts, nil
}

// DeleteAdvancePayment removes an advance nothing has consumed yet and frees
// the movement that paid it.
func (c *Coordinator) DeleteAdvancePayment(ctx context.Context, id int, reason string) error {
	return c.Store.Transaction(ctx, func(tx models.Store) error {
		a, err := tx.GetAdvancePaymentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		consumptions, err := tx.ListAdvanceConsumptions(ctx, id)
		if err != nil {
			return err
		}
		if len(consumptions) > 0 {
			return fmt.Errorf("advance %d consumed by %d obligations: %w", id, len(consumptions), models.ErrDeletionBlocked)
		}
		rec := c.advanceRecord(ctx, a, models.RecordActionAdvanceDeleted, models.ReconciliationMethodManual)
		rec.Justification = reason
		rec.Details = detailsJSON(a)
		if a.MovementId != nil {
			if err := tx.ReleaseMovement(ctx, *a.MovementId, models.Consumer{Type: models.ConsumerAdvancePayment, Id: a.ID}); err != nil {
				return err
			}
			rec.MovementIds = models.IntList{*a.MovementId}
		}
		if err := tx.AppendRecord(ctx, rec); err != nil {
			return err
		}
		return tx.DeleteAdvancePayment(ctx, id)
	})
}
