package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/brocaar/lorawan"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

const returnPathKeyTempl = "lora:ns:device:%s:rp"

// returnPathTTL bounds the lifetime of a return-path set of which the
// selection never happened (e.g. all receptions were rejected).
const returnPathTTL = time.Minute

// ReturnPath holds a single gateway reception of an uplink.
type ReturnPath struct {
	Time          time.Time       `json:"time"`
	SNR           float64         `json:"snr"`
	RSSI          int             `json:"rssi"`
	GatewayID     lorawan.EUI64   `json:"gw_id"`
	GatewayParams json.RawMessage `json:"gw_params,omitempty"`
}

// AddReturnPath adds the given reception to the return-path set of the
// device.
func AddReturnPath(ctx context.Context, devEUI lorawan.EUI64, rp ReturnPath) error {
	b, err := json.Marshal(rp)
	if err != nil {
		return errors.Wrap(err, "marshal json error")
	}

	key := GetRedisKey(returnPathKeyTempl, devEUI)
	pipe := RedisClient().TxPipeline()
	pipe.SAdd(ctx, key, b)
	pipe.PExpire(ctx, key, returnPathTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "add return path error")
	}

	return nil
}

// PopReturnPaths returns and removes all receptions from the return-path set
// of the device.
func PopReturnPaths(ctx context.Context, devEUI lorawan.EUI64) ([]ReturnPath, error) {
	key := GetRedisKey(returnPathKeyTempl, devEUI)

	var val *redis.StringSliceCmd
	_, err := RedisClient().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		val = pipe.SMembers(ctx, key)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "get return paths error")
	}

	var out []ReturnPath
	for _, s := range val.Val() {
		var rp ReturnPath
		if err := json.Unmarshal([]byte(s), &rp); err != nil {
			return nil, errors.Wrap(err, "unmarshal json error")
		}
		out = append(out, rp)
	}

	return out, nil
}

// ClearReturnPaths removes the return-path set of the device.
func ClearReturnPaths(ctx context.Context, devEUI lorawan.EUI64) error {
	if err := RedisClient().Del(ctx, GetRedisKey(returnPathKeyTempl, devEUI)).Err(); err != nil {
		return errors.Wrap(err, "clear return paths error")
	}
	return nil
}
