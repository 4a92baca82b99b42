// Package ratelimit budgets tokens per minute for each request subject.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(defaultTPM)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// CallerSubject and AddrSubject name the two kinds of budget holders.
func CallerSubject(callerID string) string { return "caller:" + callerID }
func AddrSubject(addr string) string       { return "addr:" + addr }

func (l *Limiter) Allow(ctx context.Context, subject string, tokens int) (bool, error) {
	if tokens < 1 {
		tokens = 1
	}
	res, err := l.store.AllowN(ctx, key(subject), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, subject string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(subject))
}

func key(subject string) string {
	return fmt.Sprintf("ratelimit:%s", subject)
}
