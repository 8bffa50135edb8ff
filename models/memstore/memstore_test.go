package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/books_reconciliation/models"
	"github.com/mmdatafocus/books_reconciliation/utils"
	"github.com/shopspring/decimal"
)

func tenant(id string) context.Context {
	return utils.SetBusinessIdInContext(context.Background(), id)
}

func movement(day int, amount string) *models.Movement {
	return &models.Movement{
		Channel:     models.PaymentChannelBank,
		PostingDate: time.Date(2024, 5, day, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.RequireFromString(amount),
		Description: "BONIFICO",
	}
}

func TestTransactionRollsBack(t *testing.T) {
	s := New()
	ctx := tenant("b1")
	kept := movement(1, "-10")
	if err := s.CreateMovement(ctx, kept); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := s.Transaction(ctx, func(tx models.Store) error {
		if err := tx.ClaimMovement(ctx, kept.ID, models.Consumer{Type: models.ConsumerObligation, Id: 1}); err != nil {
			return err
		}
		if err := tx.CreateMovement(ctx, movement(2, "-20")); err != nil {
			return err
		}
		if err := tx.AppendRecord(ctx, &models.ReconciliationRecord{Action: models.RecordActionAutoReconcile}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the callback error, got %v", err)
	}

	got, err := s.GetMovement(ctx, kept.ID)
	if err != nil || got.IsConsumed() {
		t.Fatalf("claim survived the rollback: %+v %v", got, err)
	}
	free, _ := s.ListUnconsumedMovements(ctx, models.PaymentChannelBank, time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	if len(free) != 1 {
		t.Fatalf("expected only the committed movement, got %d", len(free))
	}
	if recs, _ := s.ListRecords(ctx, models.RecordFilter{}); len(recs) != 0 || len(s.Outbox()) != 0 {
		t.Fatalf("records and outbox must roll back together")
	}
}

func TestNestedTransactionIsASavepoint(t *testing.T) {
	s := New()
	ctx := tenant("b1")
	err := s.Transaction(ctx, func(tx models.Store) error {
		if err := tx.CreateMovement(ctx, movement(1, "-10")); err != nil {
			return err
		}
		_ = tx.Transaction(ctx, func(inner models.Store) error {
			_ = inner.CreateMovement(ctx, movement(2, "-20"))
			return errors.New("inner failure")
		})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	free, _ := s.ListUnconsumedMovements(ctx, models.PaymentChannelBank, time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	if len(free) != 1 || !free[0].Amount.Equal(decimal.NewFromInt(-10)) {
		t.Fatalf("outer work must survive an inner rollback, got %d movements", len(free))
	}
}

func TestTenantScope(t *testing.T) {
	s := New()
	a, b := tenant("a"), tenant("b")
	o := &models.Obligation{Kind: models.ObligationKindInvoice, CounterpartyName: "Rossi", Amount: decimal.NewFromInt(5), State: models.ObligationStateAwaitingChannel}
	if err := s.CreateObligation(a, o); err != nil {
		t.Fatal(err)
	}
	if o.BusinessId != "a" {
		t.Fatalf("business id not stamped: %q", o.BusinessId)
	}
	if _, err := s.GetObligation(b, o.ID); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("other tenant saw the row: %v", err)
	}
	if err := s.DeleteObligation(b, o.ID); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("other tenant deleted the row: %v", err)
	}
	if list, _ := s.ListObligations(b, models.ObligationFilter{}); len(list) != 0 {
		t.Fatalf("other tenant listed %d rows", len(list))
	}
	if _, err := s.GetObligation(context.Background(), o.ID); err != nil {
		t.Fatalf("an unscoped context sees every row: %v", err)
	}
}

func TestClaimAndRelease(t *testing.T) {
	s := New()
	ctx := tenant("b1")
	m := movement(3, "-99")
	if err := s.CreateMovement(ctx, m); err != nil {
		t.Fatal(err)
	}
	first := models.Consumer{Type: models.ConsumerObligation, Id: 1}
	second := models.Consumer{Type: models.ConsumerSplitInstrument, Id: 2}

	if err := s.ClaimMovement(ctx, m.ID, first); err != nil {
		t.Fatal(err)
	}
	if err := s.ClaimMovement(ctx, m.ID, second); !errors.Is(err, models.ErrAlreadyConsumed) {
		t.Fatalf("expected ErrAlreadyConsumed, got %v", err)
	}
	if err := s.ReleaseMovement(ctx, m.ID, second); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("only the holder may release, got %v", err)
	}
	if err := s.ReleaseMovement(ctx, m.ID, first); err != nil {
		t.Fatal(err)
	}
	if err := s.ClaimMovement(ctx, m.ID, second); err != nil {
		t.Fatalf("a released movement is claimable again: %v", err)
	}
	got, _ := s.GetMovement(ctx, m.ID)
	if !got.ConsumedBy(second) || !got.Reconciled || got.ConsumedAt == nil {
		t.Fatalf("unexpected movement %+v", got)
	}
}

func TestExternalRefIsUniquePerChannel(t *testing.T) {
	s := New()
	ctx := tenant("b1")
	ref := "TRN-9"
	m := movement(1, "-5")
	m.ExternalRef = &ref
	if err := s.CreateMovement(ctx, m); err != nil {
		t.Fatal(err)
	}
	dup := movement(2, "-6")
	dup.ExternalRef = &ref
	if err := s.CreateMovement(ctx, dup); !errors.Is(err, models.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	cash := movement(2, "-6")
	cash.Channel = models.PaymentChannelCash
	cash.ExternalRef = &ref
	if err := s.CreateMovement(ctx, cash); err != nil {
		t.Fatalf("the same reference on another channel is fine: %v", err)
	}
	other := movement(2, "-6")
	other.ExternalRef = &ref
	if err := s.CreateMovement(tenant("b2"), other); err != nil {
		t.Fatalf("the same reference for another business is fine: %v", err)
	}
	found, err := s.FindMovementByExternalRef(ctx, models.PaymentChannelBank, ref)
	if err != nil || found.ID != m.ID {
		t.Fatalf("FindMovementByExternalRef = %+v, %v", found, err)
	}
}

func TestUnconsumedMovementsWindow(t *testing.T) {
	s := New()
	ctx := tenant("b1")
	for _, day := range []int{20, 1, 10, 31} {
		if err := s.CreateMovement(ctx, movement(day, "-1")); err != nil {
			t.Fatal(err)
		}
	}
	from := time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)
	to := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	got, _ := s.ListUnconsumedMovements(ctx, models.PaymentChannelBank, from, to)
	if len(got) != 3 {
		t.Fatalf("expected 3 movements inside the window, got %d", len(got))
	}
	for i, day := range []int{1, 10, 20} {
		if got[i].PostingDate.Day() != day {
			t.Fatalf("movements not ordered by posting date: %v", got[i].PostingDate)
		}
	}
}
