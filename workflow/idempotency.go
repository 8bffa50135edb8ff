package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/books_reconciliation/models"
	"github.com/mmdatafocus/books_reconciliation/utils"
	"gorm.io/gorm"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// staleIdempotency is how long a STARTED key blocks retries before it is
// considered abandoned.
const staleIdempotency = 5 * time.Minute

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, models.ErrDuplicateKey)
}

// BeginIdempotency inserts STARTED. If SUCCEEDED exists, returns skip=true
// together with the stored response so the caller can replay it.
func BeginIdempotency(tx *gorm.DB, businessId, handlerName, messageId string) (skip bool, response *string, err error) {
	key := models.IdempotencyKey{
		BusinessId:  businessId,
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&key).Error; err == nil {
		return false, nil, nil
	} else if !isDuplicateKeyErr(err) {
		return false, nil, err
	}

	var existing models.IdempotencyKey
	if err := tx.Where("business_id = ? AND handler_name = ? AND message_id = ?", businessId, handlerName, messageId).
		First(&existing).Error; err != nil {
		return false, nil, err
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, existing.Response, nil
	case models.IdempotencyStatusStarted:
		if time.Since(existing.UpdatedAt) < staleIdempotency {
			return false, nil, ErrIdempotencyInProgress
		}
	}
	// FAILED or stale STARTED: take the key over
	return false, nil, tx.Model(&models.IdempotencyKey{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
}

func MarkIdempotencySucceeded(tx *gorm.DB, businessId, handlerName, messageId, response string) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("business_id = ? AND handler_name = ? AND message_id = ?", businessId, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "response": &response, "last_error": nil}).Error
}

func MarkIdempotencyFailed(tx *gorm.DB, businessId, handlerName, messageId string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return tx.Model(&models.IdempotencyKey{}).
		Where("business_id = ? AND handler_name = ? AND message_id = ?", businessId, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}

// IdempotencyGuard runs a keyed mutation at most once per business. Begin
// returns the stored response when the key already succeeded.
type IdempotencyGuard interface {
	Begin(ctx context.Context, handlerName, key string) (replay *string, err error)
	Succeed(ctx context.Context, handlerName, key, response string) error
	Fail(ctx context.Context, handlerName, key string, cause error) error
}

// GormIdempotency keeps keys in the idempotency_keys table.
type GormIdempotency struct {
	DB *gorm.DB
}

func (g GormIdempotency) Begin(ctx context.Context, handlerName, key string) (*string, error) {
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	var replay *string
	err := g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		skip, resp, err := BeginIdempotency(tx, businessId, handlerName, key)
		if err != nil {
			return err
		}
		if skip {
			replay = resp
			if replay == nil {
				empty := ""
				replay = &empty
			}
		}
		return nil
	})
	return replay, err
}

func (g GormIdempotency) Succeed(ctx context.Context, handlerName, key, response string) error {
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	return MarkIdempotencySucceeded(g.DB.WithContext(ctx), businessId, handlerName, key, response)
}

func (g GormIdempotency) Fail(ctx context.Context, handlerName, key string, cause error) error {
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	return MarkIdempotencyFailed(g.DB.WithContext(ctx), businessId, handlerName, key, cause)
}

// MemoryIdempotency is the in-process guard used with the memory store.
type MemoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]*models.IdempotencyKey
}

func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{keys: map[string]*models.IdempotencyKey{}}
}

func memoryKey(ctx context.Context, handlerName, key string) string {
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	return businessId + "\x00" + handlerName + "\x00" + key
}

func (m *MemoryIdempotency) Begin(ctx context.Context, handlerName, key string) (*string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memoryKey(ctx, handlerName, key)
	existing, ok := m.keys[k]
	if ok {
		switch existing.Status {
		case models.IdempotencyStatusSucceeded:
			resp := ""
			if existing.Response != nil {
				resp = *existing.Response
			}
			return &resp, nil
		case models.IdempotencyStatusStarted:
			if time.Since(existing.UpdatedAt) < staleIdempotency {
				return nil, ErrIdempotencyInProgress
			}
		}
	}
	m.keys[k] = &models.IdempotencyKey{
		HandlerName: handlerName,
		MessageId:   key,
		Status:      models.IdempotencyStatusStarted,
		UpdatedAt:   time.Now(),
	}
	return nil, nil
}

func (m *MemoryIdempotency) Succeed(ctx context.Context, handlerName, key, response string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[memoryKey(ctx, handlerName, key)]; ok {
		k.Status, k.Response, k.UpdatedAt = models.IdempotencyStatusSucceeded, &response, time.Now()
	}
	return nil
}

func (m *MemoryIdempotency) Fail(ctx context.Context, handlerName, key string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[memoryKey(ctx, handlerName, key)]; ok {
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		k.Status, k.LastError, k.UpdatedAt = models.IdempotencyStatusFailed, &msg, time.Now()
	}
	return nil
}
