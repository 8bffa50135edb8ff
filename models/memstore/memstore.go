// Package memstore is an in-process models.Store used by tests and by
// reconctl preview runs. It keeps the same contract as the gorm store:
// business scoping from ctx, conditional movement claims and
// all-or-nothing transactions.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/books_reconciliation/models"
	"github.com/mmdatafocus/books_reconciliation/utils"
)

type state struct {
	obligations  map[int]models.Obligation
	movements    map[int]models.Movement
	periods      map[int]models.StatementPeriod
	advances     map[int]models.AdvancePayment
	consumptions map[int]models.AdvanceConsumption
	groups       map[int]models.SplitGroup
	instruments  map[int]models.SplitInstrument
	records      []models.ReconciliationRecord
	outbox       []models.OutboxMessage
}

func newState() *state {
	return &state{
		obligations:  map[int]models.Obligation{},
		movements:    map[int]models.Movement{},
		periods:      map[int]models.StatementPeriod{},
		advances:     map[int]models.AdvancePayment{},
		consumptions: map[int]models.AdvanceConsumption{},
		groups:       map[int]models.SplitGroup{},
		instruments:  map[int]models.SplitInstrument{},
	}
}

func (st *state) clone() *state {
	c := newState()
	for k, v := range st.obligations {
		c.obligations[k] = v
	}
	for k, v := range st.movements {
		c.movements[k] = v
	}
	for k, v := range st.periods {
		c.periods[k] = v
	}
	for k, v := range st.advances {
		c.advances[k] = v
	}
	for k, v := range st.consumptions {
		c.consumptions[k] = v
	}
	for k, v := range st.groups {
		c.groups[k] = v
	}
	for k, v := range st.instruments {
		c.instruments[k] = v
	}
	c.records = append([]models.ReconciliationRecord(nil), st.records...)
	c.outbox = append([]models.OutboxMessage(nil), st.outbox...)
	return c
}

// Store serializes transactions with txMu; single statements take mu
// briefly, like autocommit statements against a database.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state
	seq  int
}

func New() *Store {
	return &Store{st: newState()}
}

type txStore struct {
	*Store
}

func (s *Store) Transaction(ctx context.Context, fn func(tx models.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.savepoint(fn)
}

// Nested transactions behave like savepoints.
func (t *txStore) Transaction(ctx context.Context, fn func(tx models.Store) error) error {
	return t.savepoint(fn)
}

func (s *Store) savepoint(fn func(tx models.Store) error) error {
	s.mu.RLock()
	snap := s.st.clone()
	s.mu.RUnlock()
	if err := fn(&txStore{Store: s}); err != nil {
		s.mu.Lock()
		s.st = snap
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) nextID() int {
	s.seq++
	return s.seq
}

func businessId(ctx context.Context) string {
	id, _ := utils.GetBusinessIdFromContext(ctx)
	return id
}

// visible applies the tenant scope: with no business id in ctx every row is visible.
func visible(ctx context.Context, rowBusinessId string) bool {
	id := businessId(ctx)
	return id == "" || id == rowBusinessId
}

func stamp(ctx context.Context, dst *string) {
	if *dst == "" {
		*dst = businessId(ctx)
	}
}

func (s *Store) CreateObligation(ctx context.Context, o *models.Obligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp(ctx, &o.BusinessId)
	now := time.Now().UTC()
	o.ID = s.nextID()
	o.CreatedAt, o.UpdatedAt = now, now
	s.st.obligations[o.ID] = *o
	return nil
}

func (s *Store) GetObligation(ctx context.Context, id int) (*models.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.st.obligations[id]
	if !ok || !visible(ctx, o.BusinessId) {
		return nil, utils.ErrorRecordNotFound
	}
	return &o, nil
}

func (s *Store) GetObligationForUpdate(ctx context.Context, id int) (*models.Obligation, error) {
	return s.GetObligation(ctx, id)
}

func (s *Store) SaveObligation(ctx context.Context, o *models.Obligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.obligations[o.ID]
	if !ok || !visible(ctx, cur.BusinessId) {
		return utils.ErrorRecordNotFound
	}
	o.UpdatedAt = time.Now().UTC()
	s.st.obligations[o.ID] = *o
	return nil
}

func (s *Store) DeleteObligation(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.obligations[id]
	if !ok || !visible(ctx, o.BusinessId) {
		return utils.ErrorRecordNotFound
	}
	delete(s.st.obligations, id)
	return nil
}

func (s *Store) ListObligations(ctx context.Context, f models.ObligationFilter) ([]*models.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Obligation
	for _, o := range s.st.obligations {
		if !visible(ctx, o.BusinessId) || !matchesObligation(o, f) {
			continue
		}
		o := o
		out = append(out, &o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReferenceDate.Equal(out[j].ReferenceDate) {
			return out[i].ReferenceDate.Before(out[j].ReferenceDate)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchesObligation(o models.Obligation, f models.ObligationFilter) bool {
	if len(f.States) > 0 {
		found := false
		for _, st := range f.States {
			if o.State == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Channel != "" && o.Channel != f.Channel {
		return false
	}
	if f.Counterparty != "" && !strings.Contains(strings.ToLower(o.CounterpartyName), strings.ToLower(f.Counterparty)) {
		return false
	}
	if f.TaxId != "" && o.CounterpartyTaxId != f.TaxId {
		return false
	}
	if f.ReferenceFrom != nil && o.ReferenceDate.Before(utils.DateOnly(*f.ReferenceFrom)) {
		return false
	}
	if f.ReferenceTo != nil && o.ReferenceDate.After(utils.DateOnly(*f.ReferenceTo)) {
		return false
	}
	return true
}

func (s *Store) CreateMovement(ctx context.Context, m *models.Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp(ctx, &m.BusinessId)
	if m.ExternalRef != nil {
		for _, x := range s.st.movements {
			if x.BusinessId == m.BusinessId && x.Channel == m.Channel && x.ExternalRef != nil && *x.ExternalRef == *m.ExternalRef {
				return fmt.Errorf("movement %s/%s: %w", m.Channel, *m.ExternalRef, models.ErrDuplicateKey)
			}
		}
	}
	now := time.Now().UTC()
	m.ID = s.nextID()
	m.CreatedAt, m.UpdatedAt = now, now
	s.st.movements[m.ID] = *m
	return nil
}

func (s *Store) GetMovement(ctx context.Context, id int) (*models.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.st.movements[id]
	if !ok || !visible(ctx, m.BusinessId) {
		return nil, utils.ErrorRecordNotFound
	}
	return &m, nil
}

func (s *Store) FindMovementByExternalRef(ctx context.Context, channel models.PaymentChannel, externalRef string) (*models.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.st.movements {
		if visible(ctx, m.BusinessId) && m.Channel == channel && m.ExternalRef != nil && *m.ExternalRef == externalRef {
			m := m
			return &m, nil
		}
	}
	return nil, utils.ErrorRecordNotFound
}

func (s *Store) ListUnconsumedMovements(ctx context.Context, channel models.PaymentChannel, from, to time.Time) ([]*models.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	from, to = utils.DateOnly(from), utils.DateOnly(to)
	var out []*models.Movement
	for _, m := range s.st.movements {
		if !visible(ctx, m.BusinessId) || m.Channel != channel || m.IsConsumed() {
			continue
		}
		d := utils.DateOnly(m.PostingDate)
		if d.Before(from) || d.After(to) {
			continue
		}
		m := m
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PostingDate.Equal(out[j].PostingDate) {
			return out[i].PostingDate.Before(out[j].PostingDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ClaimMovement(ctx context.Context, id int, c models.Consumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.st.movements[id]
	if !ok || !visible(ctx, m.BusinessId) {
		return utils.ErrorRecordNotFound
	}
	if m.IsConsumed() {
		return fmt.Errorf("movement %d: %w", id, models.ErrAlreadyConsumed)
	}
	now := time.Now().UTC()
	m.ConsumerType, m.ConsumerId, m.ConsumedAt, m.Reconciled = c.Type, c.Id, &now, true
	m.UpdatedAt = now
	s.st.movements[id] = m
	return nil
}

func (s *Store) ReleaseMovement(ctx context.Context, id int, c models.Consumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.st.movements[id]
	if !ok || !visible(ctx, m.BusinessId) || !m.ConsumedBy(c) {
		return fmt.Errorf("movement %d not held by %s %d: %w", id, c.Type, c.Id, models.ErrInvalidState)
	}
	m.ConsumerType, m.ConsumerId, m.ConsumedAt, m.Reconciled = models.ConsumerNone, 0, nil, false
	m.UpdatedAt = time.Now().UTC()
	s.st.movements[id] = m
	return nil
}

func (s *Store) DeleteMovement(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.st.movements[id]
	if !ok || !visible(ctx, m.BusinessId) {
		return utils.ErrorRecordNotFound
	}
	delete(s.st.movements, id)
	return nil
}

func (s *Store) CreateStatementPeriod(ctx context.Context, p *models.StatementPeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp(ctx, &p.BusinessId)
	p.ID = s.nextID()
	p.CreatedAt = time.Now().UTC()
	s.st.periods[p.ID] = *p
	return nil
}

func (s *Store) ListStatementPeriods(ctx context.Context, channel models.PaymentChannel) ([]*models.StatementPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.StatementPeriod
	for _, p := range s.st.periods {
		if visible(ctx, p.BusinessId) && p.Channel == channel {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodFrom.Before(out[j].PeriodFrom) })
	return out, nil
}

func (s *Store) CreateAdvancePayment(ctx context.Context, a *models.AdvancePayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp(ctx, &a.BusinessId)
	now := time.Now().UTC()
	a.ID = s.nextID()
	a.CreatedAt, a.UpdatedAt = now, now
	s.st.advances[a.ID] = *a
	return nil
}

func (s *Store) GetAdvancePayment(ctx context.Context, id int) (*models.AdvancePayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.st.advances[id]
	if !ok || !visible(ctx, a.BusinessId) {
		return nil, utils.ErrorRecordNotFound
	}
	return &a, nil
}

func (s *Store) GetAdvancePaymentForUpdate(ctx context.Context, id int) (*models.AdvancePayment, error) {
	return s.GetAdvancePayment(ctx, id)
}

func (s *Store) SaveAdvancePayment(ctx context.Context, a *models.AdvancePayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.advances[a.ID]
	if !ok || !visible(ctx, cur.BusinessId) {
		return utils.ErrorRecordNotFound
	}
	a.UpdatedAt = time.Now().UTC()
	s.st.advances[a.ID] = *a
	return nil
}

func (s *Store) DeleteAdvancePayment(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.st.advances[id]
	if !ok || !visible(ctx, a.BusinessId) {
		return utils.ErrorRecordNotFound
	}
	delete(s.st.advances, id)
	return nil
}

func (s *Store) ListOpenAdvancePayments(ctx context.Context) ([]*models.AdvancePayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AdvancePayment
	for _, a := range s.st.advances {
		if visible(ctx, a.BusinessId) && a.Status == models.AdvancePaymentStatusOpen && a.Residual.IsPositive() {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PaymentDate.Equal(out[j].PaymentDate) {
			return out[i].PaymentDate.Before(out[j].PaymentDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) CreateAdvanceConsumption(ctx context.Context, c *models.AdvanceConsumption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp(ctx, &c.BusinessId)
	c.ID = s.nextID()
	c.CreatedAt = time.Now().UTC()
	s.st.consumptions[c.ID] = *c
	return nil
}

func (s *Store) ListAdvanceConsumptions(ctx context.Context, advancePaymentId int) ([]*models.AdvanceConsumption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AdvanceConsumption
	for _, c := range s.st.consumptions {
		if visible(ctx, c.BusinessId) && c.AdvancePaymentId == advancePaymentId {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteAdvanceConsumption(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.st.consumptions, id)
	return nil
}

func (s *Store) CreateSplitGroup(ctx context.Context, g *models.SplitGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp(ctx, &g.BusinessId)
	now := time.Now().UTC()
	g.ID = s.nextID()
	g.CreatedAt, g.UpdatedAt = now, now
	for i := range g.Instruments {
		in := &g.Instruments[i]
		in.ID = s.nextID()
		in.SplitGroupId = g.ID
		in.BusinessId = g.BusinessId
		s.st.instruments[in.ID] = *in
	}
	row := *g
	row.Instruments = nil
	s.st.groups[g.ID] = row
	return nil
}

func (s *Store) GetSplitGroup(ctx context.Context, id int) (*models.SplitGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.st.groups[id]
	if !ok || !visible(ctx, g.BusinessId) {
		return nil, utils.ErrorRecordNotFound
	}
	for _, in := range s.st.instruments {
		if in.SplitGroupId == id {
			g.Instruments = append(g.Instruments, in)
		}
	}
	sort.Slice(g.Instruments, func(i, j int) bool { return g.Instruments[i].ID < g.Instruments[j].ID })
	return &g, nil
}

func (s *Store) SaveSplitGroup(ctx context.Context, g *models.SplitGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.groups[g.ID]
	if !ok || !visible(ctx, cur.BusinessId) {
		return utils.ErrorRecordNotFound
	}
	row := *g
	row.Instruments = nil
	row.UpdatedAt = time.Now().UTC()
	s.st.groups[g.ID] = row
	return nil
}

func (s *Store) SaveSplitInstrument(ctx context.Context, in *models.SplitInstrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.instruments[in.ID]
	if !ok || !visible(ctx, cur.BusinessId) {
		return utils.ErrorRecordNotFound
	}
	s.st.instruments[in.ID] = *in
	return nil
}

func (s *Store) DeleteSplitGroup(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.st.groups[id]
	if !ok || !visible(ctx, g.BusinessId) {
		return utils.ErrorRecordNotFound
	}
	for k, in := range s.st.instruments {
		if in.SplitGroupId == id {
			delete(s.st.instruments, k)
		}
	}
	delete(s.st.groups, id)
	return nil
}

func (s *Store) AppendRecord(ctx context.Context, rec *models.ReconciliationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp(ctx, &rec.BusinessId)
	rec.ID = s.nextID()
	rec.CreatedAt = time.Now().UTC()
	msg, err := models.NewOutboxMessage(rec)
	if err != nil {
		return err
	}
	msg.ID = s.nextID()
	msg.CreatedAt = rec.CreatedAt
	s.st.records = append(s.st.records, *rec)
	s.st.outbox = append(s.st.outbox, *msg)
	return nil
}

func (s *Store) ListRecords(ctx context.Context, f models.RecordFilter) ([]*models.ReconciliationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ReconciliationRecord
	for _, r := range s.st.records {
		if !visible(ctx, r.BusinessId) {
			continue
		}
		if f.ObligationId > 0 && r.ObligationId != f.ObligationId {
			continue
		}
		if f.AdvancePaymentId > 0 && (r.AdvancePaymentId == nil || *r.AdvancePaymentId != f.AdvancePaymentId) {
			continue
		}
		if f.SplitGroupId > 0 && (r.SplitGroupId == nil || *r.SplitGroupId != f.SplitGroupId) {
			continue
		}
		if len(f.Actions) > 0 && !hasAction(f.Actions, r.Action) {
			continue
		}
		r := r
		out = append(out, &r)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func hasAction(actions []models.RecordAction, a models.RecordAction) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

// Outbox returns a copy of the pending outbox rows, oldest first.
func (s *Store) Outbox() []models.OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.OutboxMessage(nil), s.st.outbox...)
}
