package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/brocaar/lorawan"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

const (
	joinFirstKeyTempl  = "lora:ns:device:%s:join:first"
	dataFirstKeyTempl  = "lora:ns:device:%s:data:first"
	nwkCounterKeyTempl = "lora:ns:device:%s:fcnt:nwk"
	appCounterKeyTempl = "lora:ns:device:%s:fcnt:app"
	joinRetryKeyTempl  = "lora:ns:device:%s:join:retry:%s"
)

// ClaimMode defines how a claim compares against the stored value.
type ClaimMode string

// Claim modes.
const (
	// ClaimGreater succeeds when the value is greater than the stored value.
	ClaimGreater ClaimMode = "gt"

	// ClaimDifferent succeeds when the value differs from the stored value.
	ClaimDifferent ClaimMode = "ne"
)

// claimScript atomically compares ARGV[1] against the value stored at
// KEYS[1] and stores it on success. An absent key always succeeds.
var claimScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
	cur = tonumber(cur)
	local val = tonumber(ARGV[1])
	if ARGV[2] == "gt" and cur >= val then
		return 0
	end
	if ARGV[2] == "ne" and cur == val then
		return 0
	end
end
redis.call("SET", KEYS[1], ARGV[1])
return 1
`)

// CompareAndSet stores value under key when it passes the comparison with the
// currently stored value. It returns true when the value was stored. As the
// comparison and the write happen within a single script, exactly one caller
// wins for a given value, even across processes.
func CompareAndSet(ctx context.Context, key string, value int64, mode ClaimMode) (bool, error) {
	n, err := claimScript.Run(ctx, RedisClient(), []string{key}, value, string(mode)).Int()
	if err != nil {
		return false, errors.Wrap(err, "compare and set error")
	}
	return n == 1, nil
}

// ClaimJoin claims the join-request with the given DevNonce. Devices
// implementing LoRaWAN 1.1 use incrementing nonces, older devices random
// nonces.
func ClaimJoin(ctx context.Context, devEUI lorawan.EUI64, devNonce uint16, minor uint8) (bool, error) {
	mode := ClaimDifferent
	if minor > 0 {
		mode = ClaimGreater
	}
	return CompareAndSet(ctx, GetRedisKey(joinFirstKeyTempl, devEUI), int64(devNonce), mode)
}

// ClaimJoinRetry claims the retransmission of an already accepted
// join-request of which the join window passed. Each retransmission is
// identified by the DevNonce and the deadline it was received after.
func ClaimJoinRetry(ctx context.Context, devEUI lorawan.EUI64, devNonce uint16, readyAt time.Time, ttl time.Duration) (bool, error) {
	id := fmt.Sprintf("%d:%d", devNonce, readyAt.UnixNano())
	return AcquireLock(ctx, GetRedisKey(joinRetryKeyTempl, devEUI, id), ttl)
}

// ClaimDataUp claims the uplink with the given (full) frame counter.
func ClaimDataUp(ctx context.Context, devEUI lorawan.EUI64, counter uint32) (bool, error) {
	return CompareAndSet(ctx, GetRedisKey(dataFirstKeyTempl, devEUI), int64(counter), ClaimGreater)
}

// ResetSessionCounters removes the downlink and application frame counters
// and the data-up claim. This must be called after a join.
func ResetSessionCounters(ctx context.Context, devEUI lorawan.EUI64) error {
	err := RedisClient().Del(ctx,
		GetRedisKey(nwkCounterKeyTempl, devEUI),
		GetRedisKey(appCounterKeyTempl, devEUI),
		GetRedisKey(dataFirstKeyTempl, devEUI),
	).Err()
	if err != nil {
		return errors.Wrap(err, "reset session counters error")
	}
	return nil
}

// NextNwkCounter returns the network downlink frame counter to use and
// increments the stored value.
func NextNwkCounter(ctx context.Context, devEUI lorawan.EUI64) (uint32, error) {
	n, err := RedisClient().Incr(ctx, GetRedisKey(nwkCounterKeyTempl, devEUI)).Result()
	if err != nil {
		return 0, errors.Wrap(err, "increment nwk counter error")
	}
	return uint32(n - 1), nil
}

// NextAppCounter returns the application downlink frame counter to use and
// increments the stored value.
func NextAppCounter(ctx context.Context, devEUI lorawan.EUI64) (uint32, error) {
	n, err := RedisClient().Incr(ctx, GetRedisKey(appCounterKeyTempl, devEUI)).Result()
	if err != nil {
		return 0, errors.Wrap(err, "increment app counter error")
	}
	return uint32(n - 1), nil
}

// GetCounters returns the network and application downlink frame counters.
func GetCounters(ctx context.Context, devEUI lorawan.EUI64) (uint32, uint32, error) {
	var nwk, app *redis.StringCmd
	_, err := RedisClient().Pipelined(ctx, func(pipe redis.Pipeliner) error {
		nwk = pipe.Get(ctx, GetRedisKey(nwkCounterKeyTempl, devEUI))
		app = pipe.Get(ctx, GetRedisKey(appCounterKeyTempl, devEUI))
		return nil
	})
	if err != nil && err != redis.Nil {
		return 0, 0, errors.Wrap(err, "get counters error")
	}

	nwkCnt, err := nwk.Uint64()
	if err != nil && err != redis.Nil {
		return 0, 0, errors.Wrap(err, "read nwk counter error")
	}
	appCnt, err := app.Uint64()
	if err != nil && err != redis.Nil {
		return 0, 0, errors.Wrap(err, "read app counter error")
	}

	return uint32(nwkCnt), uint32(appCnt), nil
}
