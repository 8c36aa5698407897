package rate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Bucket names an independent sliding-window counter. Intent creation and
// token redemption are limited separately so a redemption burst cannot
// starve intent submission or the other way around.
type Bucket string

const (
	BucketIntent Bucket = "intent"
	BucketRedeem Bucket = "redeem"
)

type WindowStore interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	WindowState(ctx context.Context, key string) (int64, time.Duration, error)
}

type LimitExceededError struct {
	Bucket        Bucket
	RetryAfterSec int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s bucket, retry after %ds", e.Bucket, e.RetryAfterSec)
}

func (e *LimitExceededError) RetryAfter() int64 {
	return e.RetryAfterSec
}

func IsLimitExceeded(err error) (*LimitExceededError, bool) {
	var target *LimitExceededError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

type Config struct {
	Window           time.Duration
	IntentsPerWindow int
	RedeemsPerWindow int
}

type Limiter struct {
	store WindowStore
	cfg   Config
}

func NewLimiter(store WindowStore, cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.IntentsPerWindow < 0 {
		cfg.IntentsPerWindow = 0
	}
	if cfg.RedeemsPerWindow < 0 {
		cfg.RedeemsPerWindow = 0
	}

	return &Limiter{store: store, cfg: cfg}
}

// Allow counts one action in the owner's bucket. A zero per-window limit
// disables the bucket entirely.
func (l *Limiter) Allow(ctx context.Context, bucket Bucket, ownerID string) error {
	if ownerID == "" {
		return fmt.Errorf("owner id is required")
	}
	if l.store == nil {
		return fmt.Errorf("rate limiter store is nil")
	}

	limit := l.limitFor(bucket)
	if limit <= 0 {
		return nil
	}

	count, ttl, err := l.store.IncrementWindow(ctx, bucketKey(bucket, ownerID), l.cfg.Window)
	if err != nil {
		return err
	}
	if count > int64(limit) {
		return &LimitExceededError{Bucket: bucket, RetryAfterSec: ceilSeconds(ttl)}
	}

	return nil
}

// RetryAfter reports the wait without counting an action; zero means the
// owner is not currently blocked.
func (l *Limiter) RetryAfter(ctx context.Context, bucket Bucket, ownerID string) (int64, error) {
	if ownerID == "" {
		return 0, fmt.Errorf("owner id is required")
	}
	if l.store == nil {
		return 0, fmt.Errorf("rate limiter store is nil")
	}

	limit := l.limitFor(bucket)
	if limit <= 0 {
		return 0, nil
	}

	count, ttl, err := l.store.WindowState(ctx, bucketKey(bucket, ownerID))
	if err != nil {
		return 0, err
	}
	if count >= int64(limit) {
		return ceilSeconds(ttl), nil
	}

	return 0, nil
}

func (l *Limiter) limitFor(bucket Bucket) int {
	switch bucket {
	case BucketIntent:
		return l.cfg.IntentsPerWindow
	case BucketRedeem:
		return l.cfg.RedeemsPerWindow
	default:
		return 0
	}
}

func bucketKey(bucket Bucket, ownerID string) string {
	return "rate:" + string(bucket) + ":" + ownerID
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	sec := int64(d / time.Second)
	if d%time.Second != 0 {
		sec++
	}
	if sec <= 0 {
		sec = 1
	}
	return sec
}
