package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flora-lorawan/flora-network-server/internal/band"
	"github.com/flora-lorawan/flora-network-server/internal/frame"
	"github.com/flora-lorawan/flora-network-server/internal/logging"
	"github.com/flora-lorawan/flora-network-server/internal/security"
	"github.com/flora-lorawan/flora-network-server/internal/storage"
)

const joinRequestType = "join_request"

type joinContext struct {
	ctx        context.Context
	session    *Session
	event      UplinkEvent
	onResponse ResponseFunc

	result      Result
	params      band.ExchangeParams
	joinRequest frame.JoinRequest
	retry       bool
	joinAccept  []byte
}

// ProcessJoinRequest handles a join-request received by a single gateway.
// Only one of the receptions of the same join-request is Accepted, the others
// are DuplicateAccepted. For the Accepted reception the join-accept and the
// activation events are passed to onResponse once the deduplication delay
// has passed.
//
// Invalid frames return Rejected without error, errors are only returned on
// storage or key failures.
func (s *Session) ProcessJoinRequest(ctx context.Context, ev UplinkEvent, onResponse ResponseFunc) (Result, error) {
	jctx := joinContext{
		ctx:        ctx,
		session:    s,
		event:      ev,
		onResponse: onResponse,
	}

	for _, f := range []func() error{
		jctx.decodeJoinRequest,
		jctx.validateRadioParams,
		jctx.validateNonce,
		jctx.validateMIC,
		jctx.saveReturnPath,
		jctx.claimJoin,
		jctx.activate,
		jctx.createJoinAccept,
		jctx.scheduleJoinAccept,
	} {
		if err := f(); err != nil {
			if err == ErrAbort {
				if jctx.result != Rejected {
					frameAcceptedCounter(joinRequestType, jctx.result).Inc()
				}
				return jctx.result, nil
			}
			return Rejected, err
		}
	}

	frameAcceptedCounter(joinRequestType, Accepted).Inc()
	return Accepted, nil
}

func (ctx *joinContext) reject(reason, msg string) error {
	ctx.result = Rejected
	return ctx.session.reject(ctx.ctx, joinRequestType, reason, msg)
}

func (ctx *joinContext) decodeJoinRequest() error {
	jr, err := frame.DecodeJoinRequest(ctx.event.Data)
	if err != nil {
		return ctx.reject("decode", err.Error())
	}
	if jr.DevEUI != ctx.session.device.DevEUI {
		return ctx.reject("dev_eui", "dev_eui does not match device")
	}
	ctx.joinRequest = jr
	return nil
}

func (ctx *joinContext) validateRadioParams() error {
	params, ok := ctx.session.band.ExchangeParams(ctx.event.Freq, ctx.event.SF, ctx.event.BW)
	if !ok {
		return ctx.reject("radio_params", "freq, sf or bw not valid for channel plan")
	}
	ctx.params = params
	return nil
}

// validateNonce handles the receptions of a join-request with an already
// seen DevNonce. Those are either duplicates of the pending join-request or
// replays.
func (ctx *joinContext) validateNonce() error {
	d := ctx.session.device
	if d.DevNonce == nil {
		return nil
	}

	stored, nonce := *d.DevNonce, ctx.joinRequest.DevNonce

	if d.Minor > 0 && nonce < stored {
		return ctx.reject("dev_nonce", "dev_nonce already used")
	}
	if nonce != stored {
		return nil
	}

	if d.UpCounter != nil {
		return ctx.reject("dev_nonce_replay", "dev_nonce replayed after data frame received")
	}

	if d.JoinRequestFrame != nil {
		if !bytes.Equal(d.JoinRequestFrame, ctx.event.Data) {
			return ctx.reject("duplicate_mismatch", "duplicate join-request does not match the original")
		}
	} else if err := ctx.validateMIC(); err != nil {
		return err
	}

	if err := ctx.saveReturnPath(); err != nil {
		return err
	}

	if !ctx.session.ready(ctx.event.RXTime) {
		ctx.result = DuplicateAccepted
		return ErrAbort
	}

	// The join window passed without any join-accept being scheduled for
	// this reception, this is a retransmission by the device.
	ctx.retry = true
	return nil
}

func (ctx *joinContext) validateMIC() error {
	if ctx.retry {
		return nil
	}

	mic, msg := frame.MIC(ctx.event.Data)
	calc, err := ctx.session.sm.MIC(security.NwkKey, msg)
	if err != nil {
		return errors.Wrap(err, "calculate mic error")
	}
	if calc != mic {
		return ctx.reject("mic", "mic failed")
	}
	return nil
}

func (ctx *joinContext) saveReturnPath() error {
	if ctx.retry {
		return nil
	}
	return errors.Wrap(ctx.session.saveReturnPath(ctx.ctx, ctx.event), "save return path error")
}

func (ctx *joinContext) claimJoin() error {
	d := ctx.session.device

	var won bool
	var err error
	if ctx.retry {
		var readyAt time.Time
		if d.ReadyAt != nil {
			readyAt = *d.ReadyAt
		}
		won, err = storage.ClaimJoinRetry(ctx.ctx, d.DevEUI, ctx.joinRequest.DevNonce, readyAt, ctx.session.conf.JoinWindow)
	} else {
		won, err = storage.ClaimJoin(ctx.ctx, d.DevEUI, ctx.joinRequest.DevNonce, d.Minor)
	}
	if err != nil {
		return errors.Wrap(err, "claim join error")
	}

	if !won {
		ctx.result = DuplicateAccepted
		return ErrAbort
	}
	return nil
}

// activate derives the session keys and resets the session state of the
// device.
func (ctx *joinContext) activate() error {
	s := ctx.session
	d := &s.device
	jr := ctx.joinRequest

	devNonce, joinEUI := jr.DevNonce, jr.JoinEUI
	d.DevNonce = &devNonce
	d.JoinEUI = &joinEUI
	d.JoinNonce = (d.JoinNonce + 1) & 0xffffff

	var err error
	if d.Minor > 0 {
		err = s.sm.DeriveKeys2(d.JoinNonce, joinEUI, devNonce, d.DevEUI)
	} else {
		err = s.sm.DeriveKeys(d.JoinNonce, s.netID(), devNonce)
	}
	if err != nil {
		return errors.Wrap(err, "derive keys error")
	}

	readyAt := ctx.event.RXTime.Add(s.conf.JoinWindow)
	d.ReadyAt = &readyAt
	d.JoinRequestFrame = ctx.event.Data
	d.UpCounter = nil
	d.DataUpFrame = nil
	d.JoinGatewayChannels = ctx.event.GatewayChannels

	s.band, err = s.conf.Registry.New(d.Region, d.BandSettings())
	if err != nil {
		return errors.Wrap(err, "new band error")
	}

	if err := storage.ResetSessionCounters(ctx.ctx, d.DevEUI); err != nil {
		return err
	}
	if err := storage.ClearADR(ctx.ctx, d.DevEUI); err != nil {
		return err
	}
	if err := storage.SaveDevice(ctx.ctx, *d); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"dev_eui":    d.DevEUI,
		"dev_addr":   d.DevAddr,
		"dev_nonce":  devNonce,
		"join_nonce": d.JoinNonce,
		"ctx_id":     ctx.ctx.Value(logging.ContextIDKey),
	}).Info("device: join-request accepted")

	return nil
}

// createJoinAccept creates the join-accept PHYPayload. The payload is
// encrypted using an AES decrypt operation, so the device only needs the
// encrypt operation.
func (ctx *joinContext) createJoinAccept() error {
	s := ctx.session
	d := s.device

	ja := frame.JoinAccept{
		JoinNonce:   d.JoinNonce,
		NetID:       s.netID(),
		DevAddr:     d.DevAddr,
		OptNeg:      d.Minor > 0,
		RX1DROffset: uint8(s.band.RX1DROffset()),
		RX2DR:       uint8(s.band.RX2DR()),
		RXDelay:     s.band.RX1DelaySetting(),
		CFList:      s.band.CFList(),
	}

	b, err := ja.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal join-accept error")
	}

	var mic uint32
	if d.Minor > 0 {
		hdr := make([]byte, 11)
		hdr[0] = 0xff
		putEUI(hdr[1:9], *d.JoinEUI)
		binary.LittleEndian.PutUint16(hdr[9:], *d.DevNonce)
		mic, err = s.sm.MIC(security.JSIntKey, hdr, b)
	} else {
		mic, err = s.sm.MIC(security.NwkKey, b)
	}
	if err != nil {
		return errors.Wrap(err, "calculate mic error")
	}
	b = appendMIC(b, mic)

	enc, err := s.sm.ECBDecrypt(security.NwkKey, b[1:])
	if err != nil {
		return errors.Wrap(err, "encrypt join-accept error")
	}

	ctx.joinAccept = append(b[:1:1], enc...)
	return nil
}

func (ctx *joinContext) scheduleJoinAccept() error {
	s := ctx.session
	d := s.device
	ev := ctx.event
	params := ctx.params
	joinAccept := ctx.joinAccept
	onResponse := ctx.onResponse

	if onResponse == nil {
		return errors.Wrap(storage.ClearReturnPaths(ctx.ctx, d.DevEUI), "clear return paths error")
	}

	s.schedule(ctx.ctx, ev.RXTime, func(bgCtx context.Context) {
		paths, err := s.selectReturnPath(bgCtx, ev.RXTime)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"dev_eui": d.DevEUI,
				"ctx_id":  bgCtx.Value(logging.ContextIDKey),
			}).Error("device: select return path error")
			return
		}

		onResponse(DownlinkCommand{
			GatewayID:     paths[0].GatewayID,
			GatewayParams: paths[0].GatewayParams,
			Data:          joinAccept,
			DevEUI:        d.DevEUI,
			RXDelay:       s.band.JoinAcceptDelay(),
			RXParams:      params,
		})

		onResponse(ActivationEvent{
			DevEUI:    d.DevEUI,
			JoinEUI:   *d.JoinEUI,
			DevAddr:   d.DevAddr,
			RXTime:    ev.RXTime,
			Freq:      ev.Freq,
			SF:        ev.SF,
			BW:        ev.BW,
			DevNonce:  *d.DevNonce,
			JoinNonce: d.JoinNonce,
			Rate:      params.Up.Rate,
			Gateways:  gatewayMargins(paths, ev.SF),
		})

		onResponse(DeviceUpdateEvent{DevEUI: d.DevEUI})
	})

	return nil
}
