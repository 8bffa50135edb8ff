package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/books_reconciliation/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore persists reconciliation state in MySQL. Tenant scoping comes
// from the tenant guard plugin registered on the connection.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) DB() *gorm.DB { return s.db }

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
	return mapMySQLError(err)
}

// mapMySQLError translates the MySQL error numbers callers act on.
func mapMySQLError(err error) error {
	var mysqlErr *mysqlDriver.MySQLError
	if err == nil || errors.Is(err, ErrDuplicateKey) || errors.Is(err, ErrTxConflict) || !errors.As(err, &mysqlErr) {
		return err
	}
	switch mysqlErr.Number {
	case 1062:
		return fmt.Errorf("%w: %w", ErrDuplicateKey, err)
	case 1205, 1213:
		return fmt.Errorf("%w: %w", ErrTxConflict, err)
	}
	return err
}

func (s *GormStore) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorRecordNotFound
	}
	return err
}

func (s *GormStore) CreateObligation(ctx context.Context, o *Obligation) error {
	return s.conn(ctx).Create(o).Error
}

func (s *GormStore) GetObligation(ctx context.Context, id int) (*Obligation, error) {
	var o Obligation
	if err := s.conn(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (s *GormStore) GetObligationForUpdate(ctx context.Context, id int) (*Obligation, error) {
	var o Obligation
	err := s.conn(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&o).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (s *GormStore) SaveObligation(ctx context.Context, o *Obligation) error {
	return s.conn(ctx).Save(o).Error
}

func (s *GormStore) DeleteObligation(ctx context.Context, id int) error {
	res := s.conn(ctx).Where("id = ?", id).Delete(&Obligation{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

func (s *GormStore) ListObligations(ctx context.Context, f ObligationFilter) ([]*Obligation, error) {
	q := s.conn(ctx).Model(&Obligation{})
	if len(f.States) > 0 {
		q = q.Where("state IN ?", f.States)
	}
	if f.Channel != "" {
		q = q.Where("channel = ?", f.Channel)
	}
	if f.Counterparty != "" {
		q = q.Where("counterparty_name LIKE ?", "%"+f.Counterparty+"%")
	}
	if f.TaxId != "" {
		q = q.Where("counterparty_tax_id = ?", f.TaxId)
	}
	if f.ReferenceFrom != nil {
		q = q.Where("reference_date >= ?", utils.DateOnly(*f.ReferenceFrom))
	}
	if f.ReferenceTo != nil {
		q = q.Where("reference_date <= ?", utils.DateOnly(*f.ReferenceTo))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []*Obligation
	if err := q.Order("reference_date ASC, id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) CreateMovement(ctx context.Context, m *Movement) error {
	return mapMySQLError(s.conn(ctx).Create(m).Error)
}

func (s *GormStore) GetMovement(ctx context.Context, id int) (*Movement, error) {
	var m Movement
	if err := s.conn(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (s *GormStore) FindMovementByExternalRef(ctx context.Context, channel PaymentChannel, externalRef string) (*Movement, error) {
	var m Movement
	err := s.conn(ctx).Where("channel = ? AND external_ref = ?", channel, externalRef).First(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (s *GormStore) ListUnconsumedMovements(ctx context.Context, channel PaymentChannel, from, to time.Time) ([]*Movement, error) {
	var out []*Movement
	err := s.conn(ctx).
		Where("channel = ? AND consumer_type = ?", channel, ConsumerNone).
		Where("posting_date BETWEEN ? AND ?", utils.DateOnly(from), utils.DateOnly(to)).
		Order("posting_date ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimMovement is a conditional update so two transactions racing for the
// same movement cannot both win, whatever the isolation level.
func (s *GormStore) ClaimMovement(ctx context.Context, id int, c Consumer) error {
	now := time.Now().UTC()
	res := s.conn(ctx).Model(&Movement{}).
		Where("id = ? AND consumer_type = ?", id, ConsumerNone).
		Updates(map[string]interface{}{
			"consumer_type": c.Type,
			"consumer_id":   c.Id,
			"consumed_at":   &now,
			"reconciled":    true,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetMovement(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("movement %d: %w", id, ErrAlreadyConsumed)
	}
	return nil
}

func (s *GormStore) ReleaseMovement(ctx context.Context, id int, c Consumer) error {
	res := s.conn(ctx).Model(&Movement{}).
		Where("id = ? AND consumer_type = ? AND consumer_id = ?", id, c.Type, c.Id).
		Updates(map[string]interface{}{
			"consumer_type": ConsumerNone,
			"consumer_id":   0,
			"consumed_at":   nil,
			"reconciled":    false,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("movement %d not held by %s %d: %w", id, c.Type, c.Id, ErrInvalidState)
	}
	return nil
}

func (s *GormStore) DeleteMovement(ctx context.Context, id int) error {
	res := s.conn(ctx).Where("id = ?", id).Delete(&Movement{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

func (s *GormStore) CreateStatementPeriod(ctx context.Context, p *StatementPeriod) error {
	return s.conn(ctx).Create(p).Error
}

func (s *GormStore) ListStatementPeriods(ctx context.Context, channel PaymentChannel) ([]*StatementPeriod, error) {
	var out []*StatementPeriod
	if err := s.conn(ctx).Where("channel = ?", channel).Order("period_from ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) CreateAdvancePayment(ctx context.Context, a *AdvancePayment) error {
	return s.conn(ctx).Create(a).Error
}

func (s *GormStore) GetAdvancePayment(ctx context.Context, id int) (*AdvancePayment, error) {
	var a AdvancePayment
	if err := s.conn(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *GormStore) GetAdvancePaymentForUpdate(ctx context.Context, id int) (*AdvancePayment, error) {
	var a AdvancePayment
	err := s.conn(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&a).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *GormStore) SaveAdvancePayment(ctx context.Context, a *AdvancePayment) error {
	return s.conn(ctx).Save(a).Error
}

func (s *GormStore) DeleteAdvancePayment(ctx context.Context, id int) error {
	res := s.conn(ctx).Where("id = ?", id).Delete(&AdvancePayment{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

func (s *GormStore) ListOpenAdvancePayments(ctx context.Context) ([]*AdvancePayment, error) {
	var out []*AdvancePayment
	err := s.conn(ctx).
		Where("status = ? AND residual > 0", AdvancePaymentStatusOpen).
		Order("payment_date ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) CreateAdvanceConsumption(ctx context.Context, c *AdvanceConsumption) error {
	return s.conn(ctx).Create(c).Error
}

func (s *GormStore) ListAdvanceConsumptions(ctx context.Context, advancePaymentId int) ([]*AdvanceConsumption, error) {
	var out []*AdvanceConsumption
	err := s.conn(ctx).Where("advance_payment_id = ?", advancePaymentId).Order("id ASC").Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) DeleteAdvanceConsumption(ctx context.Context, id int) error {
	return s.conn(ctx).Where("id = ?", id).Delete(&AdvanceConsumption{}).Error
}

func (s *GormStore) CreateSplitGroup(ctx context.Context, g *SplitGroup) error {
	return s.conn(ctx).Create(g).Error
}

func (s *GormStore) GetSplitGroup(ctx context.Context, id int) (*SplitGroup, error) {
	var g SplitGroup
	err := s.conn(ctx).
		Preload("Instruments", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("id = ?", id).First(&g).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &g, nil
}

// SaveSplitGroup writes the group row only; instruments go through SaveSplitInstrument.
func (s *GormStore) SaveSplitGroup(ctx context.Context, g *SplitGroup) error {
	return s.conn(ctx).Omit(clause.Associations).Save(g).Error
}

func (s *GormStore) SaveSplitInstrument(ctx context.Context, in *SplitInstrument) error {
	return s.conn(ctx).Save(in).Error
}

func (s *GormStore) DeleteSplitGroup(ctx context.Context, id int) error {
	if err := s.conn(ctx).Where("split_group_id = ?", id).Delete(&SplitInstrument{}).Error; err != nil {
		return err
	}
	res := s.conn(ctx).Where("id = ?", id).Delete(&SplitGroup{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

// AppendRecord inserts the audit row and its outbox message together.
func (s *GormStore) AppendRecord(ctx context.Context, rec *ReconciliationRecord) error {
	if err := s.conn(ctx).Create(rec).Error; err != nil {
		return err
	}
	msg, err := NewOutboxMessage(rec)
	if err != nil {
		return err
	}
	return s.conn(ctx).Create(msg).Error
}

func (s *GormStore) ListRecords(ctx context.Context, f RecordFilter) ([]*ReconciliationRecord, error) {
	q := s.conn(ctx).Model(&ReconciliationRecord{})
	if f.ObligationId > 0 {
		q = q.Where("obligation_id = ?", f.ObligationId)
	}
	if f.AdvancePaymentId > 0 {
		q = q.Where("advance_payment_id = ?", f.AdvancePaymentId)
	}
	if f.SplitGroupId > 0 {
		q = q.Where("split_group_id = ?", f.SplitGroupId)
	}
	if len(f.Actions) > 0 {
		q = q.Where("action IN ?", f.Actions)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []*ReconciliationRecord
	if err := q.Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
