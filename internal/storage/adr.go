package storage

import (
	"context"
	"encoding/json"

	"github.com/brocaar/lorawan"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/flora-lorawan/flora-network-server/internal/adr"
)

const (
	adrSettingsKeyTempl   = "lora:ns:device:%s:adr"
	uplinkHistoryKeyTempl = "lora:ns:device:%s:uplink:history"
)

// GetADRSettings returns the cached ADR settings of the device. The default
// settings are returned when the device has none.
func GetADRSettings(ctx context.Context, devEUI lorawan.EUI64) (adr.Settings, error) {
	b, err := RedisClient().Get(ctx, GetRedisKey(adrSettingsKeyTempl, devEUI)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return adr.DefaultSettings(), nil
		}
		return adr.Settings{}, errors.Wrap(err, "get adr settings error")
	}

	var s adr.Settings
	if err := json.Unmarshal(b, &s); err != nil {
		return s, errors.Wrap(err, "unmarshal json error")
	}
	return s, nil
}

// SaveADRSettings caches the ADR settings of the device.
func SaveADRSettings(ctx context.Context, devEUI lorawan.EUI64, s adr.Settings) error {
	b, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "marshal json error")
	}

	if err := RedisClient().Set(ctx, GetRedisKey(adrSettingsKeyTempl, devEUI), b, 0).Err(); err != nil {
		return errors.Wrap(err, "save adr settings error")
	}
	return nil
}

// AddUplinkHistory appends the given item to the uplink history of the
// device, keeping the last adr.HistorySize items.
func AddUplinkHistory(ctx context.Context, devEUI lorawan.EUI64, uh adr.UplinkHistory) error {
	b, err := json.Marshal(uh)
	if err != nil {
		return errors.Wrap(err, "marshal json error")
	}

	key := GetRedisKey(uplinkHistoryKeyTempl, devEUI)
	pipe := RedisClient().TxPipeline()
	pipe.RPush(ctx, key, b)
	pipe.LTrim(ctx, key, -adr.HistorySize, -1)

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "add uplink history error")
	}
	return nil
}

// GetUplinkHistory returns the uplink history of the device, in insertion
// order.
func GetUplinkHistory(ctx context.Context, devEUI lorawan.EUI64) ([]adr.UplinkHistory, error) {
	vals, err := RedisClient().LRange(ctx, GetRedisKey(uplinkHistoryKeyTempl, devEUI), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "get uplink history error")
	}

	var out []adr.UplinkHistory
	for _, v := range vals {
		var uh adr.UplinkHistory
		if err := json.Unmarshal([]byte(v), &uh); err != nil {
			return nil, errors.Wrap(err, "unmarshal json error")
		}
		out = append(out, uh)
	}
	return out, nil
}

// ClearUplinkHistory removes the uplink history of the device.
func ClearUplinkHistory(ctx context.Context, devEUI lorawan.EUI64) error {
	if err := RedisClient().Del(ctx, GetRedisKey(uplinkHistoryKeyTempl, devEUI)).Err(); err != nil {
		return errors.Wrap(err, "clear uplink history error")
	}
	return nil
}

// ClearADR removes the uplink history and the ADR settings of the device.
func ClearADR(ctx context.Context, devEUI lorawan.EUI64) error {
	err := RedisClient().Del(ctx,
		GetRedisKey(uplinkHistoryKeyTempl, devEUI),
		GetRedisKey(adrSettingsKeyTempl, devEUI),
	).Err()
	if err != nil {
		return errors.Wrap(err, "clear adr error")
	}
	return nil
}
