package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const readTries = 3

// retryRead 对幂等读做指数退避重试；记录不存在不重试，直接映射为 ErrNotFound。
func retryRead[T any](ctx context.Context, op func() (T, error)) (T, error) {
	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, ErrNotFound) {
			return v, backoff.Permanent(ErrNotFound)
		}
		return v, err
	}, backoff.WithBackOff(newBackOff()), backoff.WithMaxTries(readTries))
	if err == nil || errors.Is(err, ErrNotFound) {
		return v, err
	}
	return v, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}

// storeErr 把写操作的底层错误归入 ErrStoreUnavailable。
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// clock 保证本节点产生的时间戳严格递增（微秒精度），同一房间内 created_at 不会相等或倒退。
type clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func newClock() *clock { return &clock{now: time.Now} }

func (c *clock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

// newChatID 生成 UUIDv7，按字典序与生成时间一致。
func newChatID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
