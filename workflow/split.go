package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/books_reconciliation/matcher"
	"github.com/mmdatafocus/books_reconciliation/models"
	"github.com/mmdatafocus/books_reconciliation/utils"
	"github.com/shopspring/decimal"
)

// BoundSplitGroup is the Outcome.BoundKind of an obligation closed by its split group.
const BoundSplitGroup matcher.CandidateKind = "split_group"

type SplitPaymentRequest struct {
	Instruments []models.NewSplitInstrument `json:"instruments" validate:"required,min=1,dive"`
	// Tolerance overrides the exact-cent default, up to the rounding hard cap.
	Tolerance *decimal.Decimal `json:"tolerance"`
}

type InstrumentSettlement struct {
	InstrumentId int  `json:"instrument_id" validate:"required"`
	MovementId   *int `json:"movement_id"`
}

// RegisterSplitPayment attaches a group of instruments to an obligation with
// a confirmed channel. The instruments must add up to the obligation amount
// within the tolerance; the obligation returns to (and stays in) its
// confirmed state until every instrument is settled.
func (c *Coordinator) RegisterSplitPayment(ctx context.Context, obligationId int, req SplitPaymentRequest) (*models.SplitGroup, Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "RegisterSplitPayment")
	defer span.End()

	if err := utils.ValidateStruct(req); err != nil {
		return nil, Outcome{}, err
	}
	p := c.policy()
	tolerance := p.ExactTolerance
	if req.Tolerance != nil {
		if _, err := p.WithRoundingTolerance(*req.Tolerance); err != nil {
			return nil, Outcome{}, err
		}
		tolerance = *req.Tolerance
	}

	g := &models.SplitGroup{
		ObligationId: obligationId,
		Tolerance:    tolerance,
		Status:       models.SplitGroupStatusOpen,
	}
	for _, in := range req.Instruments {
		g.Instruments = append(g.Instruments, models.SplitInstrument{Reference: in.Reference, Amount: in.Amount})
	}

	err := c.Store.Transaction(ctx, func(tx models.Store) error {
		o, err := tx.GetObligationForUpdate(ctx, obligationId)
		if err != nil {
			return err
		}
		if !o.Channel.IsConfirmable() || o.State.IsTerminal() || o.State == models.ObligationStateChannelMismatch {
			return fmt.Errorf("obligation %d is %s: %w", o.ID, o.State, models.ErrInvalidState)
		}
		if o.SplitGroupId != nil {
			return fmt.Errorf("obligation %d already has split group %d: %w", o.ID, *o.SplitGroupId, models.ErrInvalidState)
		}
		if diff := g.Sum().Sub(o.Amount.Abs()).Abs(); diff.GreaterThan(tolerance) {
			return fmt.Errorf("instruments sum %s, obligation %s, tolerance %s: %w", g.Sum(), o.Amount.Abs(), tolerance, models.ErrSumMismatch)
		}
		if err := tx.CreateSplitGroup(ctx, g); err != nil {
			return err
		}
		o.SplitGroupId = intPtr(g.ID)
		o.Candidates, o.LastScore = nil, 0
		rec := c.newRecord(ctx, o, models.RecordActionSplitRegistered, models.ReconciliationMethodManual)
		rec.SplitGroupId = intPtr(g.ID)
		rec.Details = detailsJSON(map[string]any{
			"instruments": len(g.Instruments),
			"sum":         g.Sum(),
			"tolerance":   tolerance,
		})
		// a group in progress keeps the obligation in its confirmed state
		return c.transition(ctx, tx, o, o.Channel.ConfirmedState(), rec)
	})
	if err != nil {
		span.RecordError(err)
		return nil, Outcome{}, err
	}

	// instruments may already be on a statement
	out, err := c.evaluate(ctx, obligationId, false)
	if err != nil {
		return nil, out, err
	}
	g, err = c.Store.GetSplitGroup(ctx, g.ID)
	return g, out, err
}

// SettleSplitInstrument marks one instrument as cashed, optionally claiming
// the movement that paid it.
func (c *Coordinator) SettleSplitInstrument(ctx context.Context, groupId int, s InstrumentSettlement) (Outcome, error) {
	return c.settleInstruments(ctx, groupId, []InstrumentSettlement{s}, false)
}

// SettleSplitGroup settles every open instrument of the group at once. Either
// the whole group closes or nothing changes.
func (c *Coordinator) SettleSplitGroup(ctx context.Context, groupId int, settlements []InstrumentSettlement) (Outcome, error) {
	return c.settleInstruments(ctx, groupId, settlements, true)
}

func (c *Coordinator) settleInstruments(ctx context.Context, groupId int, settlements []InstrumentSettlement, all bool) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "SettleSplitInstruments")
	defer span.End()

	for _, s := range settlements {
		if err := utils.ValidateStruct(s); err != nil {
			return Outcome{}, err
		}
	}
	head, err := c.Store.GetSplitGroup(ctx, groupId)
	if err != nil {
		return Outcome{}, err
	}
	release := c.lockObligation(ctx, head.ObligationId)
	defer release()

	out := Outcome{ObligationId: head.ObligationId}
	err = c.retryConflicts(ctx, "settleInstruments", func() error {
		return c.Store.Transaction(ctx, func(tx models.Store) error {
			return c.settleInstrumentsTx(ctx, tx, head.ObligationId, groupId, settlements, all, &out)
		})
	})
	if err != nil {
		span.RecordError(err)
		return out, err
	}
	c.observe(out)
	return out, nil
}

// settleInstrumentsTx is one attempt of settleInstruments; out is rebuilt on
// every attempt.
func (c *Coordinator) settleInstrumentsTx(ctx context.Context, tx models.Store, obligationId, groupId int, settlements []InstrumentSettlement, all bool, out *Outcome) error {
	o, err := tx.GetObligationForUpdate(ctx, obligationId)
	if err != nil {
		return err
	}
	*out = Outcome{ObligationId: obligationId, From: o.State, To: o.State}
	g, err := tx.GetSplitGroup(ctx, groupId)
	if err != nil {
		return err
	}
	if g.Status != models.SplitGroupStatusOpen || o.State.IsTerminal() {
		return fmt.Errorf("split group %d is %s, obligation %d is %s: %w", g.ID, g.Status, o.ID, o.State, models.ErrInvalidState)
	}
	if all {
		listed := map[int]bool{}
		for _, s := range settlements {
			listed[s.InstrumentId] = true
		}
		for _, in := range g.Instruments {
			if !in.Settled && !listed[in.ID] {
				return fmt.Errorf("instrument %d of split group %d not settled: %w", in.ID, g.ID, models.ErrInvalidState)
			}
		}
	}

	var movementIds models.IntList
	for _, s := range settlements {
		in := g.Instrument(s.InstrumentId)
		if in == nil {
			return fmt.Errorf("instrument %d of split group %d: %w", s.InstrumentId, g.ID, utils.ErrorRecordNotFound)
		}
		if in.Settled {
			return fmt.Errorf("instrument %d already settled: %w", in.ID, models.ErrInvalidState)
		}
		if s.MovementId != nil {
			if err := c.claimForInstrument(ctx, tx, o, in, *s.MovementId); err != nil {
				return err
			}
			movementIds = append(movementIds, *s.MovementId)
		}
		if err := settleInstrument(ctx, tx, in, s.MovementId); err != nil {
			return err
		}
	}

	if g.AllSettled() {
		return c.closeSplitGroup(ctx, tx, o, g, models.ReconciliationMethodManual, out)
	}
	rec := c.newRecord(ctx, o, models.RecordActionSplitInstrument, models.ReconciliationMethodManual)
	rec.SplitGroupId = intPtr(g.ID)
	rec.MovementIds = movementIds
	rec.Details = detailsJSON(map[string]any{"settled": g.SettledCount(), "instruments": len(g.Instruments)})
	return tx.AppendRecord(ctx, rec)
}

func (c *Coordinator) claimForInstrument(ctx context.Context, tx models.Store, o *models.Obligation, in *models.SplitInstrument, movementId int) error {
	mv, err := tx.GetMovement(ctx, movementId)
	if err != nil {
		return err
	}
	if mv.Channel != o.Channel {
		return fmt.Errorf("movement %d is %s, obligation %d is %s: %w", mv.ID, mv.Channel, o.ID, o.Channel, models.ErrInvalidChannel)
	}
	if mv.Amount.Sign() == o.Amount.Sign() || !c.policy().WithinRounding(mv.Amount.Abs(), in.Amount) {
		return fmt.Errorf("movement %d amount %s does not pay instrument %d of %s: %w", mv.ID, mv.Amount, in.ID, in.Amount, models.ErrInvalidAmount)
	}
	return tx.ClaimMovement(ctx, mv.ID, models.Consumer{Type: models.ConsumerSplitInstrument, Id: in.ID})
}

func settleInstrument(ctx context.Context, tx models.Store, in *models.SplitInstrument, movementId *int) error {
	now := time.Now().UTC()
	in.Settled = true
	in.MovementId = movementId
	in.SettledAt = &now
	return tx.SaveSplitInstrument(ctx, in)
}

// closeSplitGroup reconciles o through its fully settled group. The record
// carries every contributing movement.
func (c *Coordinator) closeSplitGroup(ctx context.Context, tx models.Store, o *models.Obligation, g *models.SplitGroup, method models.ReconciliationMethod, out *Outcome) error {
	if !g.AllSettled() {
		return fmt.Errorf("split group %d has unsettled instruments: %w", g.ID, models.ErrInvalidState)
	}
	if diff := g.Sum().Sub(o.Amount.Abs()).Abs(); diff.GreaterThan(g.Tolerance) {
		return fmt.Errorf("split group %d sums to %s for %s: %w", g.ID, g.Sum(), o.Amount.Abs(), models.ErrSumMismatch)
	}
	now := time.Now().UTC()
	g.Status = models.SplitGroupStatusClosed
	g.ClosedAt = &now
	if err := tx.SaveSplitGroup(ctx, g); err != nil {
		return err
	}

	rec := c.newRecord(ctx, o, models.ActionForState(models.ObligationStateReconciled, method), method)
	rec.SplitGroupId = intPtr(g.ID)
	for _, in := range g.Instruments {
		if in.MovementId != nil {
			rec.MovementIds = append(rec.MovementIds, *in.MovementId)
		}
	}
	rec.Score = 100
	rec.Details = detailsJSON(map[string]any{"instruments": len(g.Instruments), "sum": g.Sum(), "tolerance": g.Tolerance})
	o.ProposedChannel = ""
	if err := c.transition(ctx, tx, o, models.ObligationStateReconciled, rec); err != nil {
		return err
	}
	out.To, out.Changed, out.Method, out.Score = models.ObligationStateReconciled, true, method, 100
	out.BoundKind, out.BoundRefId = BoundSplitGroup, g.ID
	return nil
}

// settleSplitFromPool matches each open instrument of o's split group against
// the free movements of o's channel. All bindings of one pass commit together,
// and the group closes in the same transaction once every instrument is settled.
func (c *Coordinator) settleSplitFromPool(ctx context.Context, tx models.Store, o *models.Obligation, out *Outcome) error {
	g, err := tx.GetSplitGroup(ctx, *o.SplitGroupId)
	if err != nil {
		return err
	}
	if g.Status != models.SplitGroupStatusOpen {
		return nil
	}
	pool, err := c.movementCandidates(ctx, tx, o, o.Channel)
	if err != nil {
		return err
	}
	p := c.policy()
	taken := map[int]bool{}
	var settled models.IntList
	for i := range g.Instruments {
		in := &g.Instruments[i]
		if in.Settled {
			continue
		}
		free := pool[:0:0]
		for _, mv := range pool {
			if !taken[mv.ID] {
				free = append(free, mv)
			}
		}
		res := c.Matcher.Match(instrumentSubject(o, in, p), free, nil)
		best := res.Best()
		if best == nil || best.Composite < p.AutoScore || res.TopTied() || !c.autoReconcile() {
			continue
		}
		consumer := models.Consumer{Type: models.ConsumerSplitInstrument, Id: in.ID}
		if err := tx.ClaimMovement(ctx, best.RefId, consumer); err != nil {
			return lostClaim(*best, err)
		}
		if err := settleInstrument(ctx, tx, in, intPtr(best.RefId)); err != nil {
			return err
		}
		taken[best.RefId] = true
		settled = append(settled, best.RefId)
	}

	if g.AllSettled() {
		return c.closeSplitGroup(ctx, tx, o, g, models.ReconciliationMethodAuto, out)
	}
	if len(settled) == 0 {
		return nil
	}
	rec := c.newRecord(ctx, o, models.RecordActionSplitInstrument, models.ReconciliationMethodAuto)
	rec.SplitGroupId = intPtr(g.ID)
	rec.MovementIds = settled
	rec.Details = detailsJSON(map[string]any{"settled": g.SettledCount(), "instruments": len(g.Instruments)})
	return tx.AppendRecord(ctx, rec)
}

// instrumentSubject describes one instrument to the matcher. The instrument
// reference (a check number, say) plays the part of the document number.
func instrumentSubject(o *models.Obligation, in *models.SplitInstrument, p matcher.Policy) matcher.Subject {
	amount := in.Amount
	if !o.IsPayable() {
		amount = amount.Neg()
	}
	return matcher.Subject{
		ID:            in.ID,
		Amount:        amount,
		ReferenceDate: o.ReferenceDate,
		Text: matcher.TextReference{
			Counterparty:      o.CounterpartyName,
			CounterpartyTaxId: o.CounterpartyTaxId,
			DocumentNumber:    in.Reference,
			Reference:         o.DocumentNumber,
		},
		WindowDays: o.Kind.WindowDays(p),
	}
}

// CancelSplitGroup drops a group none of whose instruments has settled.
func (c *Coordinator) CancelSplitGroup(ctx context.Context, groupId int, reason string) error {
	return c.Store.Transaction(ctx, func(tx models.Store) error {
		g, err := tx.GetSplitGroup(ctx, groupId)
		if err != nil {
			return err
		}
		if g.Status != models.SplitGroupStatusOpen {
			return fmt.Errorf("split group %d is %s: %w", g.ID, g.Status, models.ErrInvalidState)
		}
		if n := g.SettledCount(); n > 0 {
			return fmt.Errorf("split group %d has %d settled instruments: %w", g.ID, n, models.ErrDeletionBlocked)
		}
		o, err := tx.GetObligationForUpdate(ctx, g.ObligationId)
		if err != nil {
			return err
		}
		g.Status = models.SplitGroupStatusCancelled
		if err := tx.SaveSplitGroup(ctx, g); err != nil {
			return err
		}
		o.SplitGroupId = nil
		if err := tx.SaveObligation(ctx, o); err != nil {
			return err
		}
		rec := c.newRecord(ctx, o, models.RecordActionSplitCancelled, models.ReconciliationMethodManual)
		rec.SplitGroupId = intPtr(g.ID)
		rec.Justification = reason
		return tx.AppendRecord(ctx, rec)
	})
}

// reopenSplitGroup unsettles every instrument of a closed group and frees the
// movements they held.
func (c *Coordinator) reopenSplitGroup(ctx context.Context, tx models.Store, groupId int) (models.IntList, error) {
	g, err := tx.GetSplitGroup(ctx, groupId)
	if err != nil {
		return nil, err
	}
	var released models.IntList
	for i := range g.Instruments {
		in := &g.Instruments[i]
		if in.MovementId != nil {
			if err := tx.ReleaseMovement(ctx, *in.MovementId, models.Consumer{Type: models.ConsumerSplitInstrument, Id: in.ID}); err != nil {
				return nil, err
			}
			released = append(released, *in.MovementId)
		}
		if !in.Settled {
			continue
		}
		in.Settled, in.MovementId, in.SettledAt = false, nil, nil
		if err := tx.SaveSplitInstrument(ctx, in); err != nil {
			return nil, err
		}
	}
	g.Status = models.SplitGroupStatusOpen
	g.ClosedAt = nil
	if err := tx.SaveSplitGroup(ctx, g); err != nil {
		return nil, err
	}
	return released, nil
}
