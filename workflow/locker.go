package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"gorm.io/gorm"
)

var ErrLockNotObtained = errors.New("lock not obtained")

// Locker hands out named locks. release is safe to call once.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

type NopLocker struct{}

func (NopLocker) Obtain(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}

// RedisLocker uses redislock. A nil client behaves like NopLocker.
type RedisLocker struct {
	Client *redislock.Client
}

func (l RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l.Client == nil {
		return func() {}, nil
	}
	lock, err := l.Client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%s: %w", key, ErrLockNotObtained)
	}
	if err != nil {
		return nil, err
	}
	return func() {
		// detached so a cancelled request still releases
		_ = lock.Release(context.Background())
	}, nil
}

// AdvisoryLocker uses MySQL GET_LOCK, waiting up to ttl for it. GET_LOCK is
// connection-scoped, so the lock pins one pooled connection until release.
type AdvisoryLocker struct {
	DB *gorm.DB
}

func (l AdvisoryLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	sqlDB, err := l.DB.DB()
	if err != nil {
		return nil, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	var ok int
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", key, int(ttl.Seconds())).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if ok != 1 {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", key, ErrLockNotObtained)
	}
	return func() {
		var released int
		_ = conn.QueryRowContext(context.Background(), "SELECT RELEASE_LOCK(?)", key).Scan(&released)
		_ = conn.Close()
	}, nil
}
