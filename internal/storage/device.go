package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/brocaar/lorawan"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flora-lorawan/flora-network-server/internal/band"
	"github.com/flora-lorawan/flora-network-server/internal/logging"
	"github.com/flora-lorawan/flora-network-server/internal/security"
)

const (
	deviceKeyTempl  = "lora:ns:device:%s"
	devAddrKeyTempl = "lora:ns:devaddr:%s"
)

// Device is the persistent record of a device. Optional fields are nil
// until set, the defaults are resolved by the consumer.
//
// JoinEUI is set once the device completed a join, UpCounter once an uplink
// was accepted after that join.
type Device struct {
	DevEUI    lorawan.EUI64   `json:"dev_eui"`
	DevAddr   lorawan.DevAddr `json:"dev_addr"`
	Region    band.Name       `json:"region"`
	Keys      security.KeySet `json:"keys"`
	JoinNonce uint32          `json:"join_nonce"`
	NetID     *lorawan.NetID  `json:"net_id,omitempty"`
	JoinEUI   *lorawan.EUI64  `json:"join_eui,omitempty"`
	DevNonce  *uint16         `json:"dev_nonce,omitempty"`
	Minor     uint8           `json:"minor"`
	UpCounter *uint32         `json:"up_counter,omitempty"`
	ReadyAt   *time.Time      `json:"ready_at,omitempty"`

	JoinRequestFrame []byte `json:"join_request_frame,omitempty"`
	DataUpFrame      []byte `json:"data_up_frame,omitempty"`

	RXDelay     *int    `json:"rx_delay,omitempty"`
	RX1DROffset *int    `json:"rx1_dr_offset,omitempty"`
	RX2DR       *int    `json:"rx2_dr,omitempty"`
	RX2Freq     *uint32 `json:"rx2_freq,omitempty"`
	ADRAckLimit *int    `json:"adr_ack_limit,omitempty"`
	ADRAckDelay *int    `json:"adr_ack_delay,omitempty"`

	JoinGatewayChannels []band.GatewayChannel `json:"join_gw_channels"`
}

// Joined returns true when the device completed a join.
func (d Device) Joined() bool {
	return d.JoinEUI != nil
}

// BandSettings returns the region settings of the device.
func (d Device) BandSettings() band.Settings {
	return band.Settings{
		RX1Delay:        d.RXDelay,
		RX1DROffset:     d.RX1DROffset,
		RX2DR:           d.RX2DR,
		RX2Freq:         d.RX2Freq,
		ADRAckLimit:     d.ADRAckLimit,
		ADRAckDelay:     d.ADRAckDelay,
		GatewayChannels: d.JoinGatewayChannels,
	}
}

// CreateDevice creates the given device. ErrAlreadyExists is returned when
// the DevEUI or DevAddr is already in use.
func CreateDevice(ctx context.Context, d Device) error {
	b, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "marshal json error")
	}

	devAddrKey := GetRedisKey(devAddrKeyTempl, d.DevAddr)
	devKey := GetRedisKey(deviceKeyTempl, d.DevEUI)

	set, err := RedisClient().SetNX(ctx, devAddrKey, d.DevEUI.String(), 0).Result()
	if err != nil {
		return errors.Wrap(err, "set dev_addr pointer error")
	}
	if !set {
		return errors.Wrapf(ErrAlreadyExists, "dev_addr %s", d.DevAddr)
	}

	set, err = RedisClient().SetNX(ctx, devKey, b, 0).Result()
	if err != nil || !set {
		if err := RedisClient().Del(ctx, devAddrKey).Err(); err != nil {
			log.WithError(err).Error("storage: remove dev_addr pointer error")
		}
		if err != nil {
			return errors.Wrap(err, "set device error")
		}
		return errors.Wrapf(ErrAlreadyExists, "dev_eui %s", d.DevEUI)
	}

	_, err = RedisClient().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, GetRedisKey(nwkCounterKeyTempl, d.DevEUI), 0, 0)
		pipe.Set(ctx, GetRedisKey(appCounterKeyTempl, d.DevEUI), 0, 0)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "set counters error")
	}

	log.WithFields(log.Fields{
		"dev_eui":  d.DevEUI,
		"dev_addr": d.DevAddr,
		"ctx_id":   ctx.Value(logging.ContextIDKey),
	}).Info("storage: device created")

	return nil
}

// GetDevice returns the device for the given DevEUI.
func GetDevice(ctx context.Context, devEUI lorawan.EUI64) (Device, error) {
	var d Device

	b, err := RedisClient().Get(ctx, GetRedisKey(deviceKeyTempl, devEUI)).Bytes()
	if err != nil {
		return d, handleRedisError(err, "get device error")
	}

	if err := json.Unmarshal(b, &d); err != nil {
		return d, errors.Wrap(err, "unmarshal json error")
	}

	return d, nil
}

// GetDeviceByDevAddr returns the device for the given DevAddr.
func GetDeviceByDevAddr(ctx context.Context, devAddr lorawan.DevAddr) (Device, error) {
	val, err := RedisClient().Get(ctx, GetRedisKey(devAddrKeyTempl, devAddr)).Result()
	if err != nil {
		return Device{}, handleRedisError(err, "get dev_addr pointer error")
	}

	var devEUI lorawan.EUI64
	if err := devEUI.UnmarshalText([]byte(val)); err != nil {
		return Device{}, errors.Wrap(err, "decode dev_eui error")
	}

	d, err := GetDevice(ctx, devEUI)
	if err == ErrDoesNotExist {
		log.WithFields(log.Fields{
			"dev_addr": devAddr,
			"dev_eui":  devEUI,
			"ctx_id":   ctx.Value(logging.ContextIDKey),
		}).Error("storage: dev_addr does not map to a device")
	}
	return d, err
}

// SaveDevice updates the given device.
func SaveDevice(ctx context.Context, d Device) error {
	b, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "marshal json error")
	}

	if err := RedisClient().Set(ctx, GetRedisKey(deviceKeyTempl, d.DevEUI), b, 0).Err(); err != nil {
		return errors.Wrap(err, "save device error")
	}

	return nil
}

// RestoreDevice stores the given device, replacing any existing device with
// the same DevEUI. The frame counters are set to the given values and the
// derived caches are cleared. ErrAlreadyExists is returned when the DevAddr
// is in use by a different device; a pointer left behind by a removed device
// is taken over.
func RestoreDevice(ctx context.Context, d Device, nwkCounter, appCounter uint32) error {
	b, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "marshal json error")
	}

	devKey := GetRedisKey(deviceKeyTempl, d.DevEUI)
	devAddrKey := GetRedisKey(devAddrKeyTempl, d.DevAddr)

	err = RedisClient().Watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, devAddrKey).Result()
		if err != nil && err != redis.Nil {
			return errors.Wrap(err, "get dev_addr pointer error")
		}
		if err == nil && owner != d.DevEUI.String() {
			var ownerEUI lorawan.EUI64
			if err := ownerEUI.UnmarshalText([]byte(owner)); err != nil {
				return errors.Wrap(err, "decode dev_eui error")
			}
			n, err := tx.Exists(ctx, GetRedisKey(deviceKeyTempl, ownerEUI)).Result()
			if err != nil {
				return errors.Wrap(err, "get device error")
			}
			if n != 0 {
				return errors.Wrapf(ErrAlreadyExists, "dev_addr %s in use by dev_eui %s", d.DevAddr, ownerEUI)
			}
		}

		// the pointer of the replaced device is removed when the DevAddr
		// changes
		var stalePointer string
		if ob, err := tx.Get(ctx, devKey).Bytes(); err == nil {
			var old Device
			if err := json.Unmarshal(ob, &old); err != nil {
				return errors.Wrap(err, "unmarshal json error")
			}
			if old.DevAddr != d.DevAddr {
				stalePointer = GetRedisKey(devAddrKeyTempl, old.DevAddr)
			}
		} else if err != redis.Nil {
			return errors.Wrap(err, "get device error")
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if stalePointer != "" {
				pipe.Del(ctx, stalePointer)
			}
			pipe.Set(ctx, devKey, b, 0)
			pipe.Set(ctx, devAddrKey, d.DevEUI.String(), 0)
			pipe.Set(ctx, GetRedisKey(nwkCounterKeyTempl, d.DevEUI), nwkCounter, 0)
			pipe.Set(ctx, GetRedisKey(appCounterKeyTempl, d.DevEUI), appCounter, 0)

			pipe.Del(ctx,
				GetRedisKey(returnPathKeyTempl, d.DevEUI),
				GetRedisKey(uplinkHistoryKeyTempl, d.DevEUI),
				GetRedisKey(adrSettingsKeyTempl, d.DevEUI),
				GetRedisKey(joinFirstKeyTempl, d.DevEUI),
				GetRedisKey(dataFirstKeyTempl, d.DevEUI),
			)

			if d.DevNonce != nil {
				pipe.Set(ctx, GetRedisKey(joinFirstKeyTempl, d.DevEUI), *d.DevNonce, 0)
			}
			if d.UpCounter != nil {
				pipe.Set(ctx, GetRedisKey(dataFirstKeyTempl, d.DevEUI), *d.UpCounter, 0)
			}
			return nil
		})
		return err
	}, devAddrKey, devKey)
	if errors.Cause(err) == ErrAlreadyExists {
		return err
	}
	if err != nil {
		return errors.Wrap(err, "restore device error")
	}

	log.WithFields(log.Fields{
		"dev_eui":  d.DevEUI,
		"dev_addr": d.DevAddr,
		"ctx_id":   ctx.Value(logging.ContextIDKey),
	}).Info("storage: device restored")

	return nil
}

// DeleteDevice removes the device and all its related keys. The given
// devAddr pointer is removed as well, which makes it possible to scrub an
// orphaned DevAddr pointer.
func DeleteDevice(ctx context.Context, devEUI lorawan.EUI64, devAddr *lorawan.DevAddr) error {
	keys := []string{
		GetRedisKey(deviceKeyTempl, devEUI),
		GetRedisKey(nwkCounterKeyTempl, devEUI),
		GetRedisKey(appCounterKeyTempl, devEUI),
		GetRedisKey(returnPathKeyTempl, devEUI),
		GetRedisKey(uplinkHistoryKeyTempl, devEUI),
		GetRedisKey(adrSettingsKeyTempl, devEUI),
		GetRedisKey(joinFirstKeyTempl, devEUI),
		GetRedisKey(dataFirstKeyTempl, devEUI),
	}

	d, err := GetDevice(ctx, devEUI)
	if err != nil && errors.Cause(err) != ErrDoesNotExist {
		log.WithError(err).WithField("dev_eui", devEUI).Warning("storage: read device before delete error")
	}
	if err == nil {
		keys = append(keys, GetRedisKey(devAddrKeyTempl, d.DevAddr))
	}
	if devAddr != nil {
		keys = append(keys, GetRedisKey(devAddrKeyTempl, *devAddr))
	}

	if err := RedisClient().Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "delete device error")
	}

	log.WithFields(log.Fields{
		"dev_eui": devEUI,
		"ctx_id":  ctx.Value(logging.ContextIDKey),
	}).Info("storage: device deleted")

	return nil
}
