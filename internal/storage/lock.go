package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// AcquireLock sets the given key when it does not yet exist. It returns false
// when the key was already set, meaning an other process holds the lock.
func AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	set, err := RedisClient().SetNX(ctx, key, "lock", ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "acquire lock error")
	}
	return set, nil
}
