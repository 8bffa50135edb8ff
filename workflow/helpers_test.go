package workflow

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/mmdatafocus/books_reconciliation/matcher"
	"github.com/mmdatafocus/books_reconciliation/models"
	"github.com/mmdatafocus/books_reconciliation/models/memstore"
	"github.com/mmdatafocus/books_reconciliation/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const testBusinessId = "biz-test"

func testCtx() context.Context {
	ctx := utils.SetBusinessIdInContext(context.Background(), testBusinessId)
	ctx = utils.SetUserNameInContext(ctx, "Tester")
	return utils.SetCorrelationIdInContext(ctx, "corr-test")
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestCoordinator(st models.Store) *Coordinator {
	c := NewCoordinator(st, matcher.New(matcher.DefaultPolicy(), nil), quietLogger())
	c.AutoReconcile = func() bool { return true }
	c.SweepConcurrency = 4
	return c
}

func newTestEnv(t *testing.T) (*Coordinator, *memstore.Store, context.Context) {
	t.Helper()
	st := memstore.New()
	return newTestCoordinator(st), st, testCtx()
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(s string) time.Time {
	d, err := time.Parse(utils.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func invoice(counterparty, amount, date string) models.NewObligation {
	return models.NewObligation{
		Kind:             models.ObligationKindInvoice,
		CounterpartyName: counterparty,
		Amount:           dec(amount),
		ReferenceDate:    day(date),
	}
}

func movement(date, amount, description string) models.NewMovement {
	return models.NewMovement{PostingDate: day(date), Amount: dec(amount), Description: description}
}

func mustRegister(t *testing.T, c *Coordinator, ctx context.Context, in models.NewObligation) *models.Obligation {
	t.Helper()
	o, _, err := c.RegisterObligation(ctx, in)
	if err != nil {
		t.Fatalf("RegisterObligation: %v", err)
	}
	return o
}

func mustConfirm(t *testing.T, c *Coordinator, ctx context.Context, id int, channel models.PaymentChannel) *models.Obligation {
	t.Helper()
	o, _, err := c.ConfirmChannel(ctx, id, channel)
	if err != nil {
		t.Fatalf("ConfirmChannel(%d): %v", id, err)
	}
	return o
}

func mustImport(t *testing.T, c *Coordinator, ctx context.Context, channel models.PaymentChannel, from, to string, lines ...models.NewMovement) *StatementResult {
	t.Helper()
	res, err := c.RegisterStatement(ctx, StatementImport{
		Channel:    channel,
		PeriodFrom: day(from),
		PeriodTo:   day(to),
		Source:     "test",
		Movements:  lines,
	})
	if err != nil {
		t.Fatalf("RegisterStatement: %v", err)
	}
	return res
}

func mustGet(t *testing.T, st models.Store, ctx context.Context, id int) *models.Obligation {
	t.Helper()
	o, err := st.GetObligation(ctx, id)
	if err != nil {
		t.Fatalf("GetObligation(%d): %v", id, err)
	}
	return o
}

func firstMovement(t *testing.T, st models.Store, ctx context.Context, channel models.PaymentChannel) *models.Movement {
	t.Helper()
	mvs, err := st.ListUnconsumedMovements(ctx, channel, day("2000-01-01"), day("2100-01-01"))
	if err != nil || len(mvs) == 0 {
		t.Fatalf("no free %s movement (err=%v)", channel, err)
	}
	return mvs[0]
}

func recordsFor(t *testing.T, st models.Store, ctx context.Context, obligationId int) []*models.ReconciliationRecord {
	t.Helper()
	recs, err := st.ListRecords(ctx, models.RecordFilter{ObligationId: obligationId})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	return recs
}

func countActions(recs []*models.ReconciliationRecord, action models.RecordAction) int {
	n := 0
	for _, r := range recs {
		if r.Action == action {
			n++
		}
	}
	return n
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
