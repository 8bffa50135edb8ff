package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/books_reconciliation/models"
	"github.com/mmdatafocus/books_reconciliation/models/memstore"
)

func TestSweepBindsEachMovementOnce(t *testing.T) {
	c, st, ctx := newTestEnv(t)
	var ids []int
	for i := 0; i < 6; i++ {
		o := mustRegister(t, c, ctx, invoice("Gallo Snc", "300.00", "2024-10-05"))
		mustConfirm(t, c, ctx, o.ID, models.PaymentChannelBank)
		ids = append(ids, o.ID)
	}

	res := mustImport(t, c, ctx, models.PaymentChannelBank, "2024-09-01", "2024-11-30",
		movement("2024-10-06", "-300.00", "BONIFICO GALLO"))
	if res.Sweep.Evaluated != 6 || res.Sweep.Reconciled != 1 || res.Sweep.Flagged != 5 {
		t.Fatalf("unexpected sweep: %+v", res.Sweep)
	}

	winners := 0
	var mvId int
	for _, id := range ids {
		o := mustGet(t, st, ctx, id)
		switch o.State {
		case models.ObligationStateReconciled:
			winners++
			mvId = *o.SettledMovementId
		case models.ObligationStateNoMatchFound:
		default:
			t.Fatalf("obligation %d in %s", id, o.State)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one consumer, got %d", winners)
	}

	// every loser now races for the same movement by hand
	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := c.ResolveManual(ctx, id, Resolution{MovementId: &mvId, Justification: "race"})
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err == nil {
			t.Fatalf("a second consumer bound movement %d", mvId)
		}
	}
	mv, _ := st.GetMovement(ctx, mvId)
	holders := 0
	for _, id := range ids {
		if mv.ConsumedBy(models.Consumer{Type: models.ConsumerObligation, Id: id}) {
			holders++
		}
	}
	if holders != 1 {
		t.Fatalf("movement has %d holders", holders)
	}
}

func TestRepeatedSweepsAreIdempotent(t *testing.T) {
	c, st, ctx := newTestEnv(t)
	for _, amount := range []string{"10.00", "20.00", "30.00"} {
		o := mustRegister(t, c, ctx, invoice("Fabbri", amount, "2024-04-20"))
		mustConfirm(t, c, ctx, o.ID, models.PaymentChannelBank)
	}
	before, _ := st.ListRecords(ctx, models.RecordFilter{})

	for i := 0; i < 3; i++ {
		rep, err := c.RunSweep(ctx, models.PaymentChannelBank, SweepWindow{})
		if err != nil {
			t.Fatalf("RunSweep: %v", err)
		}
		if rep.Evaluated != 3 || rep.Unchanged != 3 {
			t.Fatalf("sweep %d changed something: %+v", i, rep)
		}
	}
	after, _ := st.ListRecords(ctx, models.RecordFilter{})
	if len(after) != len(before) {
		t.Fatalf("repeated sweeps wrote %d records", len(after)-len(before))
	}
}

func TestParallelSweepsAgree(t *testing.T) {
	c, st, ctx := newTestEnv(t)
	var ids []int
	for i := 0; i < 8; i++ {
		o := mustRegister(t, c, ctx, invoice(fmt.Sprintf("Fornitore%02d", i), fmt.Sprintf("%d.00", 100+i), "2024-06-15"))
		mustConfirm(t, c, ctx, o.ID, models.PaymentChannelCash)
		ids = append(ids, o.ID)
	}
	for i := 0; i < 8; i++ {
		if err := st.CreateMovement(ctx, &models.Movement{
			Channel:     models.PaymentChannelCash,
			PostingDate: day("2024-06-16"),
			Amount:      dec(fmt.Sprintf("-%d.00", 100+i)),
			Description: fmt.Sprintf("FORNITORE%02d", i),
		}); err != nil {
			t.Fatalf("CreateMovement: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.RunSweep(ctx, models.PaymentChannelCash, SweepWindow{}); err != nil {
				t.Errorf("RunSweep: %v", err)
			}
		}()
	}
	wg.Wait()

	seen := map[int]bool{}
	for _, id := range ids {
		o := mustGet(t, st, ctx, id)
		if o.State != models.ObligationStateReconciled {
			t.Fatalf("obligation %d in %s", id, o.State)
		}
		if seen[*o.SettledMovementId] {
			t.Fatalf("movement %d bound twice", *o.SettledMovementId)
		}
		seen[*o.SettledMovementId] = true
		if n := countActions(recordsFor(t, st, ctx, id), models.RecordActionAutoReconcile); n != 1 {
			t.Fatalf("obligation %d has %d reconciliation records", id, n)
		}
	}
}

// stealingStore loses the next `steals` movement claims to an invisible
// competitor, the way a concurrent instance would.
type stealingStore struct {
	models.Store
	mu     *sync.Mutex
	steals *int
	stolen map[int]bool
}

func newStealingStore(inner models.Store) *stealingStore {
	return &stealingStore{Store: inner, mu: &sync.Mutex{}, steals: new(int), stolen: map[int]bool{}}
}

func (s *stealingStore) Transaction(ctx context.Context, fn func(tx models.Store) error) error {
	return s.Store.Transaction(ctx, func(tx models.Store) error {
		return fn(&stealingStore{Store: tx, mu: s.mu, steals: s.steals, stolen: s.stolen})
	})
}

func (s *stealingStore) ClaimMovement(ctx context.Context, id int, c models.Consumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *s.steals > 0 {
		*s.steals--
		s.stolen[id] = true
		return fmt.Errorf("movement %d: %w", id, models.ErrAlreadyConsumed)
	}
	return s.Store.ClaimMovement(ctx, id, c)
}

func (s *stealingStore) ListUnconsumedMovements(ctx context.Context, channel models.PaymentChannel, from, to time.Time) ([]*models.Movement, error) {
	mvs, err := s.Store.ListUnconsumedMovements(ctx, channel, from, to)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := mvs[:0]
	for _, mv := range mvs {
		if !s.stolen[mv.ID] {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (s *stealingStore) steal(n int) {
	s.mu.Lock()
	*s.steals = n
	s.mu.Unlock()
}

func TestLostClaimIsRetriedAgainstRemainingPool(t *testing.T) {
	tests := []struct {
		name      string
		lines     []models.NewMovement
		wantState models.ObligationState
		wantBound bool
	}{
		{
			name:      "second candidate takes over",
			lines:     []models.NewMovement{movement("2024-05-11", "-250.00", "ROSSI"), movement("2024-05-14", "-250.00", "ROSSI")},
			wantState: models.ObligationStateReconciled,
			wantBound: true,
		},
		{
			name:      "nothing left",
			lines:     []models.NewMovement{movement("2024-05-11", "-250.00", "ROSSI")},
			wantState: models.ObligationStateNoMatchFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := newStealingStore(memstore.New())
			c, ctx := newTestCoordinator(mem), testCtx()

			o := mustRegister(t, c, ctx, invoice("Rossi", "250.00", "2024-05-10"))
			mustConfirm(t, c, ctx, o.ID, models.PaymentChannelBank)

			mem.steal(1)
			res := mustImport(t, c, ctx, models.PaymentChannelBank, "2024-04-01", "2024-06-30", tt.lines...)
			if res.Sweep.Conflicts != 1 {
				t.Fatalf("expected one conflict, got %+v", res.Sweep)
			}

			got := mustGet(t, mem, ctx, o.ID)
			if got.State != tt.wantState {
				t.Fatalf("expected %s, got %s", tt.wantState, got.State)
			}
			if tt.wantBound {
				mv, _ := mem.GetMovement(ctx, *got.SettledMovementId)
				if !mv.PostingDate.Equal(day("2024-05-14")) {
					t.Fatalf("bound the stolen movement %d", mv.ID)
				}
			}
			recs := recordsFor(t, mem, ctx, o.ID)
			if n := countActions(recs, models.RecordActionClaimConflict); n != 1 {
				t.Fatalf("expected one claim_conflict record, got %d", n)
			}
		})
	}
}

func TestSweepHonoursCancellation(t *testing.T) {
	c, _, ctx := newTestEnv(t)
	o := mustRegister(t, c, ctx, invoice("Rossi", "1.00", "2024-05-10"))
	mustConfirm(t, c, ctx, o.ID, models.PaymentChannelBank)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err := c.RunSweep(cctx, models.PaymentChannelBank, SweepWindow{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryIdempotencyGuard(t *testing.T) {
	g := NewMemoryIdempotency()
	ctx := testCtx()

	var wg sync.WaitGroup
	var mu sync.Mutex
	owners := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replay, err := g.Begin(ctx, "sweep", "key-1")
			if err == nil && replay == nil {
				mu.Lock()
				owners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if owners != 1 {
		t.Fatalf("expected one owner, got %d", owners)
	}

	if err := g.Succeed(ctx, "sweep", "key-1", `{"ok":true}`); err != nil {
		t.Fatalf("Succeed: %v", err)
	}
	replay, err := g.Begin(ctx, "sweep", "key-1")
	if err != nil || replay == nil || *replay != `{"ok":true}` {
		t.Fatalf("expected stored response, got %v %v", replay, err)
	}

	if _, err := g.Begin(ctx, "sweep", "key-2"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := g.Fail(ctx, "sweep", "key-2", errors.New("boom")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if replay, err := g.Begin(ctx, "sweep", "key-2"); err != nil || replay != nil {
		t.Fatalf("a failed key must be retryable, got %v %v", replay, err)
	}
}
