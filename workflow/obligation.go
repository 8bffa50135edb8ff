package workflow

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/books_reconciliation/models"
	"github.com/mmdatafocus/books_reconciliation/utils"
)

// RegisterObligation stores a new obligation awaiting channel confirmation
// and offers it the open advance payments of its counterparty.
func (c *Coordinator) RegisterObligation(ctx context.Context, in models.NewObligation) (*models.Obligation, Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "RegisterObligation")
	defer span.End()

	if err := utils.ValidateStruct(in); err != nil {
		return nil, Outcome{}, err
	}
	if !in.Kind.IsValid() {
		return nil, Outcome{}, fmt.Errorf("kind %q: %w", in.Kind, utils.ErrorValidation)
	}
	o := &models.Obligation{
		Kind:              in.Kind,
		CounterpartyName:  in.CounterpartyName,
		CounterpartyTaxId: in.CounterpartyTaxId,
		DocumentNumber:    in.DocumentNumber,
		Reference:         in.Reference,
		Amount:            in.Amount,
		ReferenceDate:     utils.DateOnly(in.ReferenceDate),
		Channel:           models.PaymentChannelUnset,
		State:             models.ObligationStateAwaitingChannel,
	}
	err := c.Store.Transaction(ctx, func(tx models.Store) error {
		if err := tx.CreateObligation(ctx, o); err != nil {
			return err
		}
		rec := c.newRecord(ctx, o, models.RecordActionObligationRegistered, models.ReconciliationMethodSystem)
		rec.Details = detailsJSON(map[string]any{"kind": o.Kind, "amount": o.Amount})
		return tx.AppendRecord(ctx, rec)
	})
	if err != nil {
		return nil, Outcome{}, err
	}

	out, err := c.evaluate(ctx, o.ID, false)
	if err != nil {
		return nil, out, err
	}
	o, err = c.Store.GetObligation(ctx, o.ID)
	return o, out, err
}

// ConfirmChannel records the operator's cash/bank choice and runs an
// immediate matching attempt.
func (c *Coordinator) ConfirmChannel(ctx context.Context, id int, channel models.PaymentChannel) (*models.Obligation, Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "ConfirmChannel")
	defer span.End()

	if !channel.IsConfirmable() {
		return nil, Outcome{}, fmt.Errorf("channel %q: %w", channel, models.ErrInvalidChannel)
	}
	err := c.Store.Transaction(ctx, func(tx models.Store) error {
		o, err := tx.GetObligationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if o.State != models.ObligationStateAwaitingChannel {
			return fmt.Errorf("obligation %d is %s: %w", id, o.State, models.ErrInvalidState)
		}
		o.Channel = channel
		rec := c.newRecord(ctx, o, models.RecordActionConfirmChannel, models.ReconciliationMethodManual)
		rec.Details = detailsJSON(map[string]any{"channel": channel})
		return c.transition(ctx, tx, o, channel.ConfirmedState(), rec)
	})
	if err != nil {
		return nil, Outcome{}, err
	}
	c.observe(Outcome{To: channel.ConfirmedState(), Changed: true, Method: models.ReconciliationMethodManual})
	return c.rematch(ctx, id)
}

// AcceptChannelCorrection applies the channel proposed for a mismatched
// obligation and re-matches it on that channel.
func (c *Coordinator) AcceptChannelCorrection(ctx context.Context, id int) (*models.Obligation, Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "AcceptChannelCorrection")
	defer span.End()

	var to models.ObligationState
	err := c.Store.Transaction(ctx, func(tx models.Store) error {
		o, err := tx.GetObligationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if o.State != models.ObligationStateChannelMismatch || !o.ProposedChannel.IsConfirmable() {
			return fmt.Errorf("obligation %d is %s: %w", id, o.State, models.ErrInvalidState)
		}
		rec := c.newRecord(ctx, o, models.RecordActionAcceptChannel, models.ReconciliationMethodManual)
		rec.Details = detailsJSON(map[string]any{"from_channel": o.Channel, "to_channel": o.ProposedChannel})
		o.Channel, o.ProposedChannel = o.ProposedChannel, ""
		to = o.Channel.ConfirmedState()
		return c.transition(ctx, tx, o, to, rec)
	})
	if err != nil {
		return nil, Outcome{}, err
	}
	c.observe(Outcome{To: to, Changed: true, Method: models.ReconciliationMethodManual})
	return c.rematch(ctx, id)
}

func (c *Coordinator) rematch(ctx context.Context, id int) (*models.Obligation, Outcome, error) {
	out, err := c.evaluate(ctx, id, false)
	if err != nil {
		return nil, out, err
	}
	o, err := c.Store.GetObligation(ctx, id)
	return o, out, err
}

// DeleteObligation removes an obligation that was never settled. An open
// split group without settled instruments goes with it.
func (c *Coordinator) DeleteObligation(ctx context.Context, id int, reason string) error {
	return c.Store.Transaction(ctx, func(tx models.Store) error {
		o, err := tx.GetObligationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if o.State == models.ObligationStateReconciled || o.State == models.ObligationStateManuallyLocked {
			return fmt.Errorf("obligation %d is %s: %w", id, o.State, models.ErrDeletionBlocked)
		}
		rec := c.newRecord(ctx, o, models.RecordActionObligationDeleted, models.ReconciliationMethodManual)
		rec.Justification = reason
		rec.Details = detailsJSON(o)
		if o.SplitGroupId != nil {
			g, err := tx.GetSplitGroup(ctx, *o.SplitGroupId)
			if err != nil {
				return err
			}
			if g.SettledCount() > 0 {
				return fmt.Errorf("obligation %d split group %d has settled instruments: %w", id, g.ID, models.ErrDeletionBlocked)
			}
			if err := tx.DeleteSplitGroup(ctx, g.ID); err != nil {
				return err
			}
			rec.SplitGroupId = intPtr(g.ID)
		}
		if err := tx.AppendRecord(ctx, rec); err != nil {
			return err
		}
		return tx.DeleteObligation(ctx, id)
	})
}
