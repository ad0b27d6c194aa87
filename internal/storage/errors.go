package storage

import (
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// errors
var (
	ErrAlreadyExists = errors.New("object already exists")
	ErrDoesNotExist  = errors.New("object does not exist")
)

func handleRedisError(err error, description string) error {
	if err == redis.Nil {
		return ErrDoesNotExist
	}
	return errors.Wrap(err, description)
}
