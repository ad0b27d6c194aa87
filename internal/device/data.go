package device

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flora-lorawan/flora-network-server/internal/band"
	"github.com/flora-lorawan/flora-network-server/internal/frame"
	"github.com/flora-lorawan/flora-network-server/internal/logging"
	"github.com/flora-lorawan/flora-network-server/internal/maccommand"
	"github.com/flora-lorawan/flora-network-server/internal/security"
	"github.com/flora-lorawan/flora-network-server/internal/storage"
)

const dataUpType = "data_up"

type dataContext struct {
	ctx        context.Context
	session    *Session
	event      UplinkEvent
	onResponse ResponseFunc

	result      Result
	params      band.ExchangeParams
	dataUp      frame.DataUp
	counter     uint32
	data        []byte
	encrypted   bool
	macCommands []maccommand.Command
}

// ProcessDataUp handles a data uplink received by a single gateway. Only one
// of the receptions of the same frame is Accepted, the others are
// DuplicateAccepted. For the Accepted reception, the (optional) downlink and
// the data events are passed to onResponse once the deduplication delay has
// passed.
func (s *Session) ProcessDataUp(ctx context.Context, ev UplinkEvent, onResponse ResponseFunc) (Result, error) {
	dctx := dataContext{
		ctx:        ctx,
		session:    s,
		event:      ev,
		onResponse: onResponse,
	}

	for _, f := range []func() error{
		dctx.decodeDataUp,
		dctx.validateRadioParams,
		dctx.validateJoined,
		dctx.validateCounter,
		dctx.validateMIC,
		dctx.saveReturnPath,
		dctx.claimDataUp,
		dctx.updateDevice,
		dctx.decryptPayload,
		dctx.scheduleCompletion,
	} {
		if err := f(); err != nil {
			if err == ErrAbort {
				if dctx.result != Rejected {
					frameAcceptedCounter(dataUpType, dctx.result).Inc()
				}
				return dctx.result, nil
			}
			return Rejected, err
		}
	}

	frameAcceptedCounter(dataUpType, Accepted).Inc()
	return Accepted, nil
}

func (ctx *dataContext) reject(reason, msg string) error {
	ctx.result = Rejected
	return ctx.session.reject(ctx.ctx, dataUpType, reason, msg)
}

func (ctx *dataContext) decodeDataUp() error {
	d, err := frame.DecodeDataUp(ctx.event.Data)
	if err != nil {
		return ctx.reject("decode", err.Error())
	}
	if d.DevAddr != ctx.session.device.DevAddr {
		return ctx.reject("dev_addr", "dev_addr does not match device")
	}
	ctx.dataUp = d
	return nil
}

func (ctx *dataContext) validateRadioParams() error {
	params, ok := ctx.session.band.ExchangeParams(ctx.event.Freq, ctx.event.SF, ctx.event.BW)
	if !ok {
		return ctx.reject("radio_params", "freq, sf or bw not valid for channel plan")
	}
	ctx.params = params
	return nil
}

func (ctx *dataContext) validateJoined() error {
	if !ctx.session.device.Joined() {
		return ctx.reject("not_joined", "device not joined")
	}
	return nil
}

// validateCounter resolves the full frame counter and handles the duplicates
// of the last accepted frame.
func (ctx *dataContext) validateCounter() error {
	s := ctx.session
	d := s.device
	rxTime := ctx.event.RXTime

	ctx.counter = resolveCounter(d.UpCounter, ctx.dataUp.FCnt)

	if d.UpCounter == nil {
		if !s.ready(rxTime) {
			return ctx.reject("too_soon", "data received too soon after join-request")
		}
		return nil
	}

	switch up := *d.UpCounter; {
	case ctx.counter < up:
		return ctx.reject("counter_replay", "frame counter already used")
	case ctx.counter > up:
		if !s.ready(rxTime) {
			return ctx.reject("too_soon", "data received too soon after previous data frame")
		}
		return nil
	}

	if s.ready(rxTime) {
		return ctx.reject("duplicate_late", "duplicate received after the receive windows")
	}

	if d.DataUpFrame != nil {
		if !bytes.Equal(d.DataUpFrame, ctx.event.Data) {
			return ctx.reject("duplicate_mismatch", "duplicate frame does not match the original")
		}
	} else if err := ctx.validateMIC(); err != nil {
		return err
	}

	if err := ctx.saveReturnPath(); err != nil {
		return err
	}

	ctx.result = DuplicateAccepted
	return ErrAbort
}

func (ctx *dataContext) validateMIC() error {
	mic, err := ctx.session.micDataUp(ctx.counter, ctx.event.Data, ctx.params)
	if err != nil {
		return errors.Wrap(err, "calculate mic error")
	}
	if mic != ctx.dataUp.MIC {
		return ctx.reject("mic", "mic failed")
	}
	return nil
}

func (ctx *dataContext) saveReturnPath() error {
	return errors.Wrap(ctx.session.saveReturnPath(ctx.ctx, ctx.event), "save return path error")
}

func (ctx *dataContext) claimDataUp() error {
	won, err := storage.ClaimDataUp(ctx.ctx, ctx.session.device.DevEUI, ctx.counter)
	if err != nil {
		return errors.Wrap(err, "claim data-up error")
	}
	if !won {
		ctx.result = DuplicateAccepted
		return ErrAbort
	}
	return nil
}

func (ctx *dataContext) updateDevice() error {
	s := ctx.session
	d := &s.device

	counter := ctx.counter
	readyAt := ctx.event.RXTime.Add(s.band.RX1Delay() + time.Second)
	d.UpCounter = &counter
	d.ReadyAt = &readyAt
	d.DataUpFrame = ctx.event.Data

	return storage.SaveDevice(ctx.ctx, *d)
}

// decryptPayload decrypts the mac-commands and the application payload.
// Without AppSKey, a LoRaWAN 1.1 device is in end-to-end encryption mode and
// the application payload is passed as-is.
func (ctx *dataContext) decryptPayload() error {
	s := ctx.session
	d := s.device
	up := ctx.dataUp

	var opts []byte
	var err error

	switch {
	case up.FPort != nil && *up.FPort == 0:
		opts, err = s.sm.CTR(security.NwkSEncKey, security.UplinkA(d.DevAddr, ctx.counter, 1), up.FRMPayload)
	case d.Minor > 0:
		opts, err = s.sm.CTR(security.NwkSEncKey, security.UplinkA(d.DevAddr, ctx.counter, 0), up.FOpts)
	default:
		opts = up.FOpts
	}
	if err != nil {
		return errors.Wrap(err, "decrypt mac-commands error")
	}

	ctx.encrypted = d.Keys.AppS == nil
	if up.FPort != nil && *up.FPort > 0 {
		if !ctx.encrypted || d.Minor == 0 {
			ctx.data, err = s.sm.CTR(security.AppSKey, security.UplinkA(d.DevAddr, ctx.counter, 1), up.FRMPayload)
			if err != nil {
				return errors.Wrap(err, "decrypt payload error")
			}
		} else {
			ctx.data = up.FRMPayload
		}
	}

	ctx.macCommands = maccommand.Decode(true, opts)
	return nil
}

func (ctx *dataContext) scheduleCompletion() error {
	s := ctx.session

	if ctx.onResponse == nil {
		return errors.Wrap(storage.ClearReturnPaths(ctx.ctx, s.device.DevEUI), "clear return paths error")
	}

	c := completion{
		session:     s,
		event:       ctx.event,
		onResponse:  ctx.onResponse,
		params:      ctx.params,
		dataUp:      ctx.dataUp,
		counter:     ctx.counter,
		data:        ctx.data,
		encrypted:   ctx.encrypted,
		macCommands: ctx.macCommands,
	}

	s.schedule(ctx.ctx, ctx.event.RXTime, func(bgCtx context.Context) {
		if err := c.run(bgCtx); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"dev_eui": s.device.DevEUI,
				"counter": ctx.counter,
				"ctx_id":  bgCtx.Value(logging.ContextIDKey),
			}).Error("device: data-up completion error")
		}
	})

	return nil
}
