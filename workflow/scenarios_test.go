package workflow

import (
	"testing"

	"github.com/mmdatafocus/books_reconciliation/matcher"
	"github.com/mmdatafocus/books_reconciliation/models"
	"github.com/mmdatafocus/books_reconciliation/utils"
)

func TestExactBankMovementAutoReconciles(t *testing.T) {
	c, st, ctx := newTestEnv(t)

	o := mustRegister(t, c, ctx, invoice("Mario Rossi", "1228.13", "2024-03-04"))
	if o.State != models.ObligationStateAwaitingChannel || o.Channel != models.PaymentChannelUnset {
		t.Fatalf("new obligation: state=%s channel=%s", o.State, o.Channel)
	}
	o = mustConfirm(t, c, ctx, o.ID, models.PaymentChannelBank)
	if o.State != models.ObligationStateSuspended {
		t.Fatalf("expected suspended before any statement, got %s", o.State)
	}

	res := mustImport(t, c, ctx, models.PaymentChannelBank, "2024-03-01", "2024-03-31",
		movement("2024-03-06", "-1228.13", "BONIFICO SEPA ROSSI FT 153"))
	if res.Created != 1 || res.Sweep == nil || res.Sweep.Reconciled != 1 {
		t.Fatalf("unexpected import result: %+v sweep=%+v", res, res.Sweep)
	}

	o = mustGet(t, st, ctx, o.ID)
	if o.State != models.ObligationStateReconciled {
		t.Fatalf("expected reconciled, got %s", o.State)
	}
	if o.LastScore < 98 {
		t.Fatalf("expected score >= 98, got %.2f", o.LastScore)
	}
	if o.SettledMovementId == nil {
		t.Fatalf("expected settled movement")
	}
	mv, err := st.GetMovement(ctx, *o.SettledMovementId)
	if err != nil {
		t.Fatalf("GetMovement: %v", err)
	}
	if !mv.ConsumedBy(models.Consumer{Type: models.ConsumerObligation, Id: o.ID}) || !mv.Reconciled {
		t.Fatalf("movement not consumed by obligation: %+v", mv)
	}

	recs := recordsFor(t, st, ctx, o.ID)
	want := []models.RecordAction{
		models.RecordActionObligationRegistered,
		models.RecordActionConfirmChannel,
		models.RecordActionSuspend,
		models.RecordActionAutoReconcile,
	}
	if len(recs) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(recs))
	}
	for i, a := range want {
		if recs[i].Action != a {
			t.Fatalf("record %d: expected %s, got %s", i, a, recs[i].Action)
		}
	}
	last := recs[len(recs)-1]
	if last.Method != models.ReconciliationMethodAuto || last.Actor != utils.SystemActor {
		t.Fatalf("auto record: method=%s actor=%s", last.Method, last.Actor)
	}
	if len(last.MovementIds) != 1 || last.MovementIds[0] != mv.ID {
		t.Fatalf("auto record movements: %v", last.MovementIds)
	}
	if recs[1].Actor != "Tester" || recs[1].CorrelationId != "corr-test" {
		t.Fatalf("manual record actor=%q correlation=%q", recs[1].Actor, recs[1].CorrelationId)
	}
	if got := len(st.Outbox()); got < len(recs) {
		t.Fatalf("expected an outbox message per record, got %d for %d", got, len(recs))
	}
}

func TestTwoObligationsCompetingForOneMovement(t *testing.T) {
	c, st, ctx := newTestEnv(t)

	a := mustRegister(t, c, ctx, invoice("Bianchi Srl", "500.00", "2024-03-15"))
	b := mustRegister(t, c, ctx, invoice("Bianchi Srl", "500.50", "2024-03-15"))
	mustConfirm(t, c, ctx, a.ID, models.PaymentChannelBank)
	mustConfirm(t, c, ctx, b.ID, models.PaymentChannelBank)

	res := mustImport(t, c, ctx, models.PaymentChannelBank, "2024-02-01", "2024-04-30",
		movement("2024-03-16", "-500.20", "PAGAMENTO FORNITORE BIANCHI"))
	if res.Sweep.Flagged != 2 {
		t.Fatalf("expected both obligations flagged, got %+v", res.Sweep)
	}
	for _, id := range []int{a.ID, b.ID} {
		o := mustGet(t, st, ctx, id)
		if o.State != models.ObligationStateAmbiguousMatch {
			t.Fatalf("obligation %d: expected ambiguous, got %s", id, o.State)
		}
		if o.LastScore != 88 || len(o.Candidates) != 1 {
			t.Fatalf("obligation %d: score=%.2f candidates=%d", id, o.LastScore, len(o.Candidates))
		}
		if o.Candidates[0].Breakdown.AmountTier != matcher.TierRounding {
			t.Fatalf("obligation %d: tier %s", id, o.Candidates[0].Breakdown.AmountTier)
		}
	}

	mv := firstMovement(t, st, ctx, models.PaymentChannelBank)
	out, err := c.ResolveManual(ctx, a.ID, Resolution{MovementId: &mv.ID})
	if err != nil {
		t.Fatalf("ResolveManual(a): %v", err)
	}
	if out.To != models.ObligationStateReconciled || out.Method != models.ReconciliationMethodManual {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	_, err = c.ResolveManual(ctx, b.ID, Resolution{MovementId: &mv.ID})
	expectErr(t, err, models.ErrAlreadyConsumed)

	if o := mustGet(t, st, ctx, b.ID); o.State != models.ObligationStateNoMatchFound {
		t.Fatalf("expected b re-classified to no match, got %s", o.State)
	}
	mv, _ = st.GetMovement(ctx, mv.ID)
	if !mv.ConsumedBy(models.Consumer{Type: models.ConsumerObligation, Id: a.ID}) {
		t.Fatalf("movement should stay with a: %+v", mv)
	}
}

func TestSplitPaymentToleranceAndSettlement(t *testing.T) {
	c, st, ctx := newTestEnv(t)

	o := mustRegister(t, c, ctx, invoice("Verdi Sas", "500.00", "2024-05-10"))
	mustConfirm(t, c, ctx, o.ID, models.PaymentChannelBank)
	checks := []models.NewSplitInstrument{
		{Reference: "0001", Amount: dec("200.00")},
		{Reference: "0002", Amount: dec("150.00")},
		{Reference: "0003", Amount: dec("150.25")},
	}

	_, _, err := c.RegisterSplitPayment(ctx, o.ID, SplitPaymentRequest{Instruments: checks})
	expectErr(t, err, models.ErrSumMismatch)
	if got := mustGet(t, st, ctx, o.ID); got.State != models.ObligationStateSuspended || got.SplitGroupId != nil {
		t.Fatalf("obligation changed by rejected split: state=%s group=%v", got.State, got.SplitGroupId)
	}

	tooLoose := dec("5.01")
	_, _, err = c.RegisterSplitPayment(ctx, o.ID, SplitPaymentRequest{Instruments: checks, Tolerance: &tooLoose})
	expectErr(t, err, models.ErrToleranceExceeded)

	tolerance := dec("1.00")
	g, _, err := c.RegisterSplitPayment(ctx, o.ID, SplitPaymentRequest{Instruments: checks, Tolerance: &tolerance})
	if err != nil {
		t.Fatalf("RegisterSplitPayment: %v", err)
	}
	if g.Status != models.SplitGroupStatusOpen || len(g.Instruments) != 3 {
		t.Fatalf("unexpected group: %+v", g)
	}
	if got := mustGet(t, st, ctx, o.ID); got.State != models.ObligationStateConfirmedBank {
		t.Fatalf("expected confirmed_bank while split is open, got %s", got.State)
	}

	mustImport(t, c, ctx, models.PaymentChannelBank, "2024-05-01", "2024-05-31",
		movement("2024-05-12", "-200.00", "ASSEGNO N. 0001 VERDI"),
		movement("2024-05-14", "-150.00", "ASSEGNO N. 0002 VERDI"))

	g, _ = st.GetSplitGroup(ctx, g.ID)
	if g.SettledCount() != 2 || g.Status != models.SplitGroupStatusOpen {
		t.Fatalf("expected 2 settled of an open group, got %d (%s)", g.SettledCount(), g.Status)
	}
	if got := mustGet(t, st, ctx, o.ID); got.State != models.ObligationStateConfirmedBank {
		t.Fatalf("partial settlement must keep confirmed_bank, got %s", got.State)
	}

	mustImport(t, c, ctx, models.PaymentChannelBank, "2024-06-01", "2024-06-30",
		movement("2024-06-02", "-150.25", "ASSEGNO N. 0003 VERDI"))

	g, _ = st.GetSplitGroup(ctx, g.ID)
	if g.Status != models.SplitGroupStatusClosed || !g.AllSettled() {
		t.Fatalf("expected closed group, got %s settled=%d", g.Status, g.SettledCount())
	}
	if g.Sum().Sub(dec("500.00")).Abs().GreaterThan(g.Tolerance) {
		t.Fatalf("closed group sum %s outside tolerance %s", g.Sum(), g.Tolerance)
	}
	got := mustGet(t, st, ctx, o.ID)
	if got.State != models.ObligationStateReconciled {
		t.Fatalf("expected reconciled, got %s", got.State)
	}
	recs, _ := st.ListRecords(ctx, models.RecordFilter{SplitGroupId: g.ID, Actions: []models.RecordAction{models.RecordActionAutoReconcile}})
	if len(recs) != 1 || len(recs[0].MovementIds) != 3 {
		t.Fatalf("expected one closing record with 3 movements, got %d", len(recs))
	}
	for _, in := range g.Instruments {
		mv, _ := st.GetMovement(ctx, *in.MovementId)
		if !mv.ConsumedBy(models.Consumer{Type: models.ConsumerSplitInstrument, Id: in.ID}) {
			t.Fatalf("movement %d not held by instrument %d", mv.ID, in.ID)
		}
	}
}

func TestAdvancePaymentConsumedByLaterObligation(t *testing.T) {
	c, st, ctx := newTestEnv(t)

	adv, err := c.RegisterAdvancePayment(ctx, models.NewAdvancePayment{
		CounterpartyName:  "Neri Spa",
		CounterpartyTaxId: "IT01234567890",
		Amount:            dec("1000.00"),
		PaymentDate:       day("2024-01-10"),
		Channel:           models.PaymentChannelBank,
	})
	if err != nil {
		t.Fatalf("RegisterAdvancePayment: %v", err)
	}

	neri := func(amount string) models.NewObligation {
		in := invoice("Neri Spa", amount, "2024-04-20")
		in.CounterpartyTaxId = "IT01234567890"
		return in
	}

	o, out, err := c.RegisterObligation(ctx, neri("400.00"))
	if err != nil {
		t.Fatalf("RegisterObligation: %v", err)
	}
	if o.State != models.ObligationStateReconciled || out.BoundKind != matcher.CandidateAdvancePayment {
		t.Fatalf("expected reconciled through the advance, got %s (%+v)", o.State, out)
	}
	if o.AdvancePaymentId == nil || *o.AdvancePaymentId != adv.ID {
		t.Fatalf("advance link missing: %v", o.AdvancePaymentId)
	}
	adv, _ = st.GetAdvancePayment(ctx, adv.ID)
	if !adv.Residual.Equal(dec("600.00")) || adv.Status != models.AdvancePaymentStatusOpen {
		t.Fatalf("expected open advance with 600.00 left, got %s %s", adv.Residual, adv.Status)
	}

	// more than what is left: not offered
	big := mustRegister(t, c, ctx, neri("700.00"))
	if big.State != models.ObligationStateAwaitingChannel {
		t.Fatalf("700.00 should not consume a 600.00 residual, got %s", big.State)
	}

	rest := mustRegister(t, c, ctx, neri("600.00"))
	if rest.State != models.ObligationStateReconciled {
		t.Fatalf("expected the residual to settle 600.00, got %s", rest.State)
	}
	adv, _ = st.GetAdvancePayment(ctx, adv.ID)
	if !adv.Residual.IsZero() || adv.Status != models.AdvancePaymentStatusExhausted {
		t.Fatalf("expected exhausted advance, got %s %s", adv.Residual, adv.Status)
	}
	consumptions, _ := st.ListAdvanceConsumptions(ctx, adv.ID)
	total := dec("0")
	for _, ac := range consumptions {
		total = total.Add(ac.Amount)
	}
	if !total.Equal(adv.Amount) {
		t.Fatalf("consumed %s of %s", total, adv.Amount)
	}
}

func TestSharedFirstNameNeedsReview(t *testing.T) {
	c, st, ctx := newTestEnv(t)
	o := mustRegister(t, c, ctx, invoice("Mario Rossi", "100.00", "2024-03-04"))
	mustConfirm(t, c, ctx, o.ID, models.PaymentChannelBank)

	mustImport(t, c, ctx, models.PaymentChannelBank, "2024-03-01", "2024-03-31",
		movement("2024-03-05", "-100.00", "BONIFICO A FAVORE DI MARIO BIANCHI"))

	got := mustGet(t, st, ctx, o.ID)
	if got.State == models.ObligationStateReconciled {
		t.Fatalf("a different surname must not auto-reconcile (score %.2f)", got.LastScore)
	}
	if got.LastScore != 80 || len(got.Candidates) != 1 {
		t.Fatalf("expected the line offered as a candidate at 80, got %.2f with %d candidates", got.LastScore, len(got.Candidates))
	}
	if mv := firstMovement(t, st, ctx, models.PaymentChannelBank); mv.IsConsumed() {
		t.Fatalf("movement %d consumed", mv.ID)
	}
}
