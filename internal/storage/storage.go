// Package storage persists the device state (device records, frame counters,
// deduplication claims, return paths and ADR history) in Redis.
package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flora-lorawan/flora-network-server/internal/config"
)

const connectRetryInterval = 2 * time.Second

var (
	redisClient redis.UniversalClient
	keyPrefix   string
)

// Setup connects the device-state store. It blocks until Redis answers, or
// until the configured connect timeout expires.
func Setup(c config.Config) error {
	client, err := newRedisClient(c)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"servers":    c.Redis.Servers,
		"cluster":    c.Redis.Cluster,
		"sentinel":   c.Redis.MasterName != "",
		"key_prefix": c.Redis.KeyPrefix,
	}).Info("storage: connecting to device-state store")

	if err := connect(context.Background(), client, c.Redis.ConnectTimeout, connectRetryInterval); err != nil {
		client.Close()
		return err
	}

	redisClient = client
	keyPrefix = c.Redis.KeyPrefix
	return nil
}

// newRedisClient returns a cluster, sentinel or single node client,
// depending on the configuration.
func newRedisClient(c config.Config) (redis.UniversalClient, error) {
	if len(c.Redis.Servers) == 0 {
		return nil, errors.New("at least one redis server must be configured")
	}

	var tlsConfig *tls.Config
	if c.Redis.TLSEnabled {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	switch {
	case c.Redis.Cluster:
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:     c.Redis.Servers,
			PoolSize:  c.Redis.PoolSize,
			Password:  c.Redis.Password,
			TLSConfig: tlsConfig,
		}), nil
	case c.Redis.MasterName != "":
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       c.Redis.MasterName,
			SentinelAddrs:    c.Redis.Servers,
			SentinelPassword: c.Redis.Password,
			DB:               c.Redis.Database,
			PoolSize:         c.Redis.PoolSize,
			TLSConfig:        tlsConfig,
		}), nil
	default:
		return redis.NewClient(&redis.Options{
			Addr:      c.Redis.Servers[0],
			DB:        c.Redis.Database,
			Password:  c.Redis.Password,
			PoolSize:  c.Redis.PoolSize,
			TLSConfig: tlsConfig,
		}), nil
	}
}

// connect pings the client until it answers. A zero timeout retries forever.
func connect(ctx context.Context, client redis.UniversalClient, timeout, interval time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		err := client.Ping(ctx).Err()
		if err == nil {
			return nil
		}

		log.WithError(err).Warningf("storage: device-state store not reachable, will retry in %s", interval)

		select {
		case <-ctx.Done():
			return errors.Wrap(err, "connect redis error")
		case <-time.After(interval):
		}
	}
}

// RedisClient returns the client of the device-state store.
func RedisClient() redis.UniversalClient {
	return redisClient
}

// GetRedisKey returns the key for the given template and parameters, within
// the configured key prefix.
func GetRedisKey(tmpl string, params ...interface{}) string {
	return keyPrefix + fmt.Sprintf(tmpl, params...)
}
