package workflow

import (
	"context"
	"fmt"
	"testing"

	"github.com/mmdatafocus/books_reconciliation/models"
)

// newCheckSplit registers a 300.00 cash obligation paid by two checks whose
// statement lines carry no usable text, so nothing settles on its own.
func newCheckSplit(t *testing.T) (*Coordinator, models.Store, *models.Obligation, *models.SplitGroup) {
	t.Helper()
	c, st, ctx := newTestEnv(t)
	o := mustRegister(t, c, ctx, invoice("Moro", "300.00", "2024-11-10"))
	mustConfirm(t, c, ctx, o.ID, models.PaymentChannelCash)
	g, _, err := c.RegisterSplitPayment(ctx, o.ID, SplitPaymentRequest{Instruments: []models.NewSplitInstrument{
		{Reference: "A1", Amount: dec("100.00")},
		{Reference: "A2", Amount: dec("200.00")},
	}})
	if err != nil {
		t.Fatalf("RegisterSplitPayment: %v", err)
	}
	mustImport(t, c, ctx, models.PaymentChannelCash, "2024-11-01", "2024-11-30",
		movement("2024-11-11", "-100.00", "VERSAMENTO"),
		movement("2024-11-12", "-200.00", "VERSAMENTO"))
	if g2, _ := st.GetSplitGroup(ctx, g.ID); g2.SettledCount() != 0 {
		t.Fatalf("setup: instruments settled without evidence")
	}
	return c, st, mustGet(t, st, ctx, o.ID), g
}

func movementByAmount(t *testing.T, st models.Store, channel models.PaymentChannel, amount string) *models.Movement {
	t.Helper()
	mvs, err := st.ListUnconsumedMovements(testCtx(), channel, day("2000-01-01"), day("2100-01-01"))
	if err != nil {
		t.Fatalf("ListUnconsumedMovements: %v", err)
	}
	for _, mv := range mvs {
		if mv.Amount.Equal(dec(amount)) {
			return mv
		}
	}
	t.Fatalf("no free %s movement of %s", channel, amount)
	return nil
}

func TestSettleSplitGroupManually(t *testing.T) {
	c, st, o, g := newCheckSplit(t)
	ctx := testCtx()
	small := movementByAmount(t, st, models.PaymentChannelCash, "-100.00")
	large := movementByAmount(t, st, models.PaymentChannelCash, "-200.00")
	first, second := g.Instruments[0], g.Instruments[1]

	_, err := c.SettleSplitGroup(ctx, g.ID, []InstrumentSettlement{{InstrumentId: first.ID, MovementId: &small.ID}})
	expectErr(t, err, models.ErrInvalidState)

	_, err = c.SettleSplitInstrument(ctx, g.ID, InstrumentSettlement{InstrumentId: first.ID, MovementId: &large.ID})
	expectErr(t, err, models.ErrInvalidAmount)

	out, err := c.SettleSplitGroup(ctx, g.ID, []InstrumentSettlement{
		{InstrumentId: first.ID, MovementId: &small.ID},
		{InstrumentId: second.ID, MovementId: &large.ID},
	})
	if err != nil {
		t.Fatalf("SettleSplitGroup: %v", err)
	}
	if out.To != models.ObligationStateReconciled || out.BoundKind != BoundSplitGroup || out.BoundRefId != g.ID {
		t.Fatalf("unexpected outcome %+v", out)
	}
	closed, _ := st.GetSplitGroup(ctx, g.ID)
	if closed.Status != models.SplitGroupStatusClosed || closed.ClosedAt == nil {
		t.Fatalf("group not closed: %+v", closed)
	}
	mv, _ := st.GetMovement(ctx, large.ID)
	if !mv.ConsumedBy(models.Consumer{Type: models.ConsumerSplitInstrument, Id: second.ID}) {
		t.Fatalf("movement %d not held by instrument %d", large.ID, second.ID)
	}

	_, err = c.ResolveManual(ctx, o.ID, Resolution{MovementId: &small.ID})
	expectErr(t, err, models.ErrInvalidState)

	reversed, err := c.Reverse(ctx, o.ID, "checks bounced")
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	if reversed.State != models.ObligationStateConfirmedCash || reversed.SplitGroupId == nil {
		t.Fatalf("expected confirmed_cash keeping its group, got %s", reversed.State)
	}
	reopened, _ := st.GetSplitGroup(ctx, g.ID)
	if reopened.Status != models.SplitGroupStatusOpen || reopened.SettledCount() != 0 {
		t.Fatalf("group not reopened: %s settled=%d", reopened.Status, reopened.SettledCount())
	}
	for _, id := range []int{small.ID, large.ID} {
		if mv, _ := st.GetMovement(ctx, id); mv.IsConsumed() {
			t.Fatalf("movement %d still consumed after reversal", id)
		}
	}
	recs, _ := st.ListRecords(ctx, models.RecordFilter{ObligationId: o.ID, Actions: []models.RecordAction{models.RecordActionReverse}})
	if len(recs) != 1 || len(recs[0].MovementIds) != 2 {
		t.Fatalf("reverse record should list both released movements: %+v", recs)
	}
}

func TestPartiallySettledSplitBlocksDeletion(t *testing.T) {
	c, st, o, g := newCheckSplit(t)
	ctx := testCtx()
	small := movementByAmount(t, st, models.PaymentChannelCash, "-100.00")

	out, err := c.SettleSplitInstrument(ctx, g.ID, InstrumentSettlement{InstrumentId: g.Instruments[0].ID, MovementId: &small.ID})
	if err != nil {
		t.Fatalf("SettleSplitInstrument: %v", err)
	}
	if out.To != models.ObligationStateConfirmedCash {
		t.Fatalf("one of two instruments must not reconcile, got %s", out.To)
	}
	_, err = c.SettleSplitInstrument(ctx, g.ID, InstrumentSettlement{InstrumentId: g.Instruments[0].ID})
	expectErr(t, err, models.ErrInvalidState)

	expectErr(t, c.CancelSplitGroup(ctx, g.ID, "wrong"), models.ErrDeletionBlocked)
	expectErr(t, c.DeleteObligation(ctx, o.ID, "wrong"), models.ErrDeletionBlocked)

	_, _, err = c.RegisterSplitPayment(ctx, o.ID, SplitPaymentRequest{Instruments: []models.NewSplitInstrument{{Reference: "B1", Amount: dec("300.00")}}})
	expectErr(t, err, models.ErrInvalidState)
}

func TestCancelSplitGroup(t *testing.T) {
	c, st, o, g := newCheckSplit(t)
	ctx := testCtx()

	if err := c.CancelSplitGroup(ctx, g.ID, "paid by transfer instead"); err != nil {
		t.Fatalf("CancelSplitGroup: %v", err)
	}
	got := mustGet(t, st, ctx, o.ID)
	if got.SplitGroupId != nil {
		t.Fatalf("obligation still points at cancelled group")
	}
	cancelled, _ := st.GetSplitGroup(ctx, g.ID)
	if cancelled.Status != models.SplitGroupStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	expectErr(t, c.CancelSplitGroup(ctx, g.ID, "again"), models.ErrInvalidState)

	// a fresh group can now be attached
	if _, _, err := c.RegisterSplitPayment(ctx, o.ID, SplitPaymentRequest{Instruments: []models.NewSplitInstrument{
		{Reference: "C1", Amount: dec("150.00")},
		{Reference: "C2", Amount: dec("150.00")},
	}}); err != nil {
		t.Fatalf("RegisterSplitPayment after cancel: %v", err)
	}
}

func TestSplitPaymentNeedsConfirmedChannel(t *testing.T) {
	c, _, ctx := newTestEnv(t)
	o := mustRegister(t, c, ctx, invoice("Moro", "300.00", "2024-11-10"))
	_, _, err := c.RegisterSplitPayment(ctx, o.ID, SplitPaymentRequest{Instruments: []models.NewSplitInstrument{{Reference: "A1", Amount: dec("300.00")}}})
	expectErr(t, err, models.ErrInvalidState)

	mustConfirm(t, c, ctx, o.ID, models.PaymentChannelBank)
	_, _, err = c.RegisterSplitPayment(ctx, o.ID, SplitPaymentRequest{})
	if err == nil {
		t.Fatalf("empty instrument list accepted")
	}
}

// conflictStore aborts the next `aborts` transactions after their work is
// done, the way MySQL rolls back a deadlock victim.
type conflictStore struct {
	models.Store
	aborts int
	calls  int
}

func (s *conflictStore) Transaction(ctx context.Context, fn func(tx models.Store) error) error {
	s.calls++
	return s.Store.Transaction(ctx, func(tx models.Store) error {
		if err := fn(tx); err != nil {
			return err
		}
		if s.aborts > 0 {
			s.aborts--
			return fmt.Errorf("Error 1213: Deadlock found when trying to get lock: %w", models.ErrTxConflict)
		}
		return nil
	})
}

func TestSplitSettlementRetriesDeadlock(t *testing.T) {
	c, st, o, g := newCheckSplit(t)
	ctx := testCtx()
	small := movementByAmount(t, st, models.PaymentChannelCash, "-100.00")
	large := movementByAmount(t, st, models.PaymentChannelCash, "-200.00")

	cs := &conflictStore{Store: st, aborts: 1}
	c.Store = cs
	out, err := c.SettleSplitGroup(ctx, g.ID, []InstrumentSettlement{
		{InstrumentId: g.Instruments[0].ID, MovementId: &small.ID},
		{InstrumentId: g.Instruments[1].ID, MovementId: &large.ID},
	})
	if err != nil {
		t.Fatalf("SettleSplitGroup after a deadlock: %v", err)
	}
	if cs.calls != 2 {
		t.Fatalf("expected one retry, got %d transactions", cs.calls)
	}
	if out.To != models.ObligationStateReconciled || out.BoundRefId != g.ID {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if got := mustGet(t, st, ctx, o.ID); got.State != models.ObligationStateReconciled {
		t.Fatalf("expected reconciled, got %s", got.State)
	}
	recs, _ := st.ListRecords(ctx, models.RecordFilter{SplitGroupId: g.ID, Actions: []models.RecordAction{models.RecordActionManualReconcile}})
	if len(recs) != 1 {
		t.Fatalf("rolled back attempt left %d closing records", len(recs))
	}
}

func TestSweepRetriesDeadlockedBinding(t *testing.T) {
	c, st, ctx := newTestEnv(t)
	o := mustRegister(t, c, ctx, invoice("Rossi", "90.00", "2024-06-01"))
	mustConfirm(t, c, ctx, o.ID, models.PaymentChannelBank)
	if err := st.CreateMovement(ctx, &models.Movement{
		Channel:     models.PaymentChannelBank,
		PostingDate: day("2024-06-02"),
		Amount:      dec("-90.00"),
		Description: "BONIFICO ROSSI",
	}); err != nil {
		t.Fatalf("CreateMovement: %v", err)
	}

	cs := &conflictStore{Store: st, aborts: c.MaxClaimAttempts}
	c.Store = cs
	rep, err := c.RunSweep(ctx, models.PaymentChannelBank, SweepWindow{})
	if err != nil {
		t.Fatalf("RunSweep: %v", err)
	}
	if rep.Failed != 1 {
		t.Fatalf("expected the binding to give up after %d conflicts: %+v", c.MaxClaimAttempts, rep)
	}
	if got := mustGet(t, st, ctx, o.ID); got.State == models.ObligationStateReconciled {
		t.Fatalf("aborted transactions must not reconcile")
	}

	cs.aborts = 1
	rep, err = c.RunSweep(ctx, models.PaymentChannelBank, SweepWindow{})
	if err != nil || rep.Reconciled != 1 {
		t.Fatalf("expected the retry to reconcile: %+v %v", rep, err)
	}
	if mustGet(t, st, ctx, o.ID).SettledMovementId == nil {
		t.Fatalf("no settled movement")
	}
}
