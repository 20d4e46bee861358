package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatusStore keeps the broadcastable status in redis so presence survives
// process restarts and is visible to sibling services. Entries carry a TTL;
// a crashed process's users age out to offline.
type StatusStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStatusStore(rdb *redis.Client, ttl time.Duration) *StatusStore {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &StatusStore{rdb: rdb, ttl: ttl}
}

func statusKey(userID string) string {
	return fmt.Sprintf("presence:%s", userID)
}

func (s *StatusStore) Set(ctx context.Context, userID, status string) error {
	if !ValidStatus(status) {
		return ErrInvalidStatus
	}
	return s.rdb.Set(ctx, statusKey(userID), status, s.ttl).Err()
}

// Get returns the stored status, or offline when no entry exists.
func (s *StatusStore) Get(ctx context.Context, userID string) (string, error) {
	v, err := s.rdb.Get(ctx, statusKey(userID)).Result()
	if err == redis.Nil {
		return StatusOffline, nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s *StatusStore) Delete(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, statusKey(userID)).Err()
}
