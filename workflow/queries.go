package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/books_reconciliation/matcher"
	"github.com/mmdatafocus/books_reconciliation/models"
)

// Preview is a dry run of one matching attempt.
type Preview struct {
	Obligation      *models.Obligation      `json:"obligation"`
	WouldBecome     models.ObligationState  `json:"would_become"`
	ProposedChannel models.PaymentChannel   `json:"proposed_channel,omitempty"`
	AutoBind        *matcher.MatchCandidate `json:"auto_bind,omitempty"`
	Result          matcher.Result          `json:"result"`
}

func (c *Coordinator) ObligationsByState(ctx context.Context, states ...models.ObligationState) ([]*models.Obligation, error) {
	return c.Store.ListObligations(ctx, models.ObligationFilter{States: states})
}

func (c *Coordinator) Obligations(ctx context.Context, f models.ObligationFilter) ([]*models.Obligation, error) {
	return c.Store.ListObligations(ctx, f)
}

func (c *Coordinator) MovementsUnconsumedInWindow(ctx context.Context, channel models.PaymentChannel, from, to time.Time) ([]*models.Movement, error) {
	if !channel.IsConfirmable() {
		return nil, models.ErrInvalidChannel
	}
	return c.Store.ListUnconsumedMovements(ctx, channel, from, to)
}

// CandidatesForObligation runs the matcher for one obligation without
// writing anything. Terminal obligations get an empty preview.
func (c *Coordinator) CandidatesForObligation(ctx context.Context, id int) (*Preview, error) {
	o, err := c.Store.GetObligation(ctx, id)
	if err != nil {
		return nil, err
	}
	pv := &Preview{Obligation: o, WouldBecome: o.State}
	if o.State.IsTerminal() {
		return pv, nil
	}
	d, err := c.decide(ctx, c.Store, o)
	if err != nil {
		return nil, err
	}
	pv.Result = d.Result
	pv.ProposedChannel = d.Proposed
	pv.AutoBind = d.Bind
	if d.To != "" {
		pv.WouldBecome = d.To
	}
	return pv, nil
}

func (c *Coordinator) Records(ctx context.Context, f models.RecordFilter) ([]*models.ReconciliationRecord, error) {
	return c.Store.ListRecords(ctx, f)
}
