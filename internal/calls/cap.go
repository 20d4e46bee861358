package calls

import (
	"context"
	"fmt"
	"time"

	"callgrid/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// ConcurrencyCap limits how many calls a single caller may hold open at
// once. A nil cap on the service disables the limit.
type ConcurrencyCap interface {
	Acquire(ctx context.Context, userID string) (bool, error)
	Release(ctx context.Context, userID string) error
}

// RedisCap backs the cap with the shared redis counter scripts, so the
// limit holds across multiple signaling processes.
type RedisCap struct {
	RDB   *redis.Client
	Limit int
	TTL   time.Duration
}

func (c *RedisCap) Acquire(ctx context.Context, userID string) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, c.RDB, capKey(userID), c.Limit, c.TTL)
}

func (c *RedisCap) Release(ctx context.Context, userID string) error {
	return utils.ReleaseConcurrencyCap(ctx, c.RDB, capKey(userID))
}

func capKey(userID string) string {
	return fmt.Sprintf("callcap:%s", userID)
}
