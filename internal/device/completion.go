package device

import (
	"context"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flora-lorawan/flora-network-server/internal/adr"
	"github.com/flora-lorawan/flora-network-server/internal/band"
	"github.com/flora-lorawan/flora-network-server/internal/frame"
	"github.com/flora-lorawan/flora-network-server/internal/gps"
	"github.com/flora-lorawan/flora-network-server/internal/logging"
	"github.com/flora-lorawan/flora-network-server/internal/maccommand"
	"github.com/flora-lorawan/flora-network-server/internal/security"
	"github.com/flora-lorawan/flora-network-server/internal/storage"
)

const maxFOptsLen = 15

// completion holds the state of an accepted data-up, needed once the
// deduplication delay has passed.
type completion struct {
	session    *Session
	event      UplinkEvent
	onResponse ResponseFunc

	params      band.ExchangeParams
	dataUp      frame.DataUp
	counter     uint32
	data        []byte
	encrypted   bool
	macCommands []maccommand.Command

	paths        []storage.ReturnPath
	adrSettings  adr.Settings
	answers      []maccommand.Command
	battery      *uint8
	deviceMargin *int8
}

func (c *completion) run(ctx context.Context) error {
	var err error
	c.paths, err = c.session.selectReturnPath(ctx, c.event.RXTime)
	if err != nil {
		return errors.Wrap(err, "select return path error")
	}

	for _, f := range []func(context.Context) error{
		c.updateUplinkHistory,
		c.getADRSettings,
		c.handleMACCommands,
		c.handleADR,
		c.saveADRSettings,
		c.sendDownlink,
	} {
		if err := f(ctx); err != nil {
			return err
		}
	}

	c.sendEvents()
	return nil
}

func (c *completion) updateUplinkHistory(ctx context.Context) error {
	devEUI := c.session.device.DevEUI

	if !c.dataUp.ADR {
		return storage.ClearUplinkHistory(ctx, devEUI)
	}

	return storage.AddUplinkHistory(ctx, devEUI, adr.UplinkHistory{
		Counter:     c.counter,
		SNR:         c.paths[0].SNR,
		NumGateways: len(c.paths),
	})
}

func (c *completion) getADRSettings(ctx context.Context) error {
	var err error
	c.adrSettings, err = storage.GetADRSettings(ctx, c.session.device.DevEUI)
	return err
}

func (c *completion) saveADRSettings(ctx context.Context) error {
	return storage.SaveADRSettings(ctx, c.session.device.DevEUI, c.adrSettings)
}

// handleMACCommands answers the mac-commands sent by the device.
func (c *completion) handleMACCommands(ctx context.Context) error {
	minor := c.session.device.Minor

	for _, cmd := range c.macCommands {
		var ans maccommand.Command

		switch v := cmd.(type) {
		case maccommand.ResetInd:
			ans = maccommand.NewResetConf(minor)
		case maccommand.RekeyInd:
			ans = maccommand.NewRekeyConf(minor)
		case maccommand.LinkCheckReq:
			ans = maccommand.LinkCheckAns{LinkCheckAnsPayload: lorawan.LinkCheckAnsPayload{
				Margin: linkMargin(adr.SNRMargin(c.params.Up.SF, c.paths[0].SNR)),
				GwCnt:  uint8(len(c.paths)),
			}}
		case maccommand.DeviceTimeReq:
			ans = maccommand.NewDeviceTimeAns(gps.DeviceTime(c.event.RXTime))
		case maccommand.LinkADRAns:
			c.adrSettings.AckPending = false
		case maccommand.DevStatusAns:
			battery, margin := v.Battery, v.Margin
			c.battery = &battery
			c.deviceMargin = &margin
		default:
			log.WithFields(log.Fields{
				"dev_eui": c.session.device.DevEUI,
				"command": maccommand.Name(cmd),
				"ctx_id":  ctx.Value(logging.ContextIDKey),
			}).Info("device: unexpected mac-command")
			continue
		}

		fields := log.Fields{
			"dev_eui": c.session.device.DevEUI,
			"command": maccommand.Name(cmd),
			"ctx_id":  ctx.Value(logging.ContextIDKey),
		}
		if ans != nil {
			fields["answer"] = maccommand.Name(ans)
			c.answers = append(c.answers, ans)
		}
		log.WithFields(fields).Info("device: mac-command handled")
	}

	return nil
}

// handleADR runs the ADR algorithm when the device requested it or when it is
// due, and adds the resulting LinkADRReq commands.
func (c *completion) handleADR(ctx context.Context) error {
	s := c.session
	devEUI := s.device.DevEUI

	history, err := storage.GetUplinkHistory(ctx, devEUI)
	if err != nil {
		return err
	}

	if !c.dataUp.ADRAckReq && !adr.DueForADR(c.adrSettings, c.counter, len(history)) {
		return nil
	}

	settings, err := s.conf.ADR.Handle(adr.HandleRequest{
		Settings:           c.adrSettings,
		Counter:            c.counter,
		Rate:               c.params.Up.Rate,
		SF:                 c.params.Up.SF,
		SNR:                c.paths[0].SNR,
		MaxRate:            s.band.MaxADRRate(),
		InstallationMargin: s.conf.InstallationMargin,
		UplinkHistory:      history,
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"dev_eui": devEUI,
			"adr_id":  s.conf.ADR.ID(),
			"ctx_id":  ctx.Value(logging.ContextIDKey),
		}).Warning("device: adr handler error")
		return nil
	}
	c.adrSettings = settings
	adrCounter().Inc()

	for _, pl := range s.band.ADRMask() {
		pl.DataRate = uint8(settings.Rate)
		pl.TXPower = uint8(settings.Power)
		pl.Redundancy.NbRep = uint8(settings.NbTrans)
		c.answers = append(c.answers, maccommand.LinkADRReq{LinkADRReqPayload: pl})

		log.WithFields(log.Fields{
			"dev_eui":      devEUI,
			"data_rate":    pl.DataRate,
			"tx_power":     pl.TXPower,
			"ch_mask":      pl.ChMask,
			"ch_mask_cntl": pl.Redundancy.ChMaskCntl,
			"nb_trans":     pl.Redundancy.NbRep,
			"ctx_id":       ctx.Value(logging.ContextIDKey),
		}).Info("device: adr result")
	}

	return nil
}

// sendDownlink sends the downlink frame when the device expects one or when
// mac-commands are pending. Mac-commands that do not fit in FOpts are sent as
// FRMPayload on port 0.
func (c *completion) sendDownlink(ctx context.Context) error {
	s := c.session
	d := s.device

	opts, err := maccommand.Encode(nil, c.answers...)
	if err != nil {
		return errors.Wrap(err, "encode mac-commands error")
	}
	if !c.dataUp.ADRAckReq && !c.dataUp.Confirmed && len(opts) == 0 {
		return nil
	}

	fCnt, err := storage.NextNwkCounter(ctx, d.DevEUI)
	if err != nil {
		return err
	}

	dd := frame.DataDown{
		DevAddr: d.DevAddr,
		ACK:     c.dataUp.Confirmed,
		FCnt:    fCnt,
	}

	switch {
	case len(opts) > maxFOptsLen:
		enc, err := s.sm.CTR(security.NwkSEncKey, security.DownlinkA(d.DevAddr, fCnt, 1), opts)
		if err != nil {
			return errors.Wrap(err, "encrypt mac-commands error")
		}
		var port uint8
		dd.FPort = &port
		dd.FRMPayload = enc
	case d.Minor > 0:
		enc, err := s.sm.CTR(security.NwkSEncKey, security.DownlinkA(d.DevAddr, fCnt, 0), opts)
		if err != nil {
			return errors.Wrap(err, "encrypt mac-commands error")
		}
		dd.FOpts = enc
	default:
		dd.FOpts = opts
	}

	b, err := dd.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal data-down error")
	}

	b0 := security.DownlinkB0(0, d.DevAddr, fCnt, len(b))
	mic, err := s.sm.MIC(security.SNwkSIntKey, b0[:], b)
	if err != nil {
		return errors.Wrap(err, "calculate mic error")
	}

	c.onResponse(DownlinkCommand{
		GatewayID:     c.paths[0].GatewayID,
		GatewayParams: c.paths[0].GatewayParams,
		Data:          appendMIC(b, mic),
		DevEUI:        d.DevEUI,
		RXDelay:       s.band.RX1Delay(),
		RXParams:      c.params,
	})

	return nil
}

func (c *completion) sendEvents() {
	d := c.session.device

	c.onResponse(DataUpEvent{
		DevEUI:       d.DevEUI,
		DevAddr:      d.DevAddr,
		RXTime:       c.event.RXTime,
		Data:         c.data,
		FPort:        c.dataUp.FPort,
		Confirmed:    c.dataUp.Confirmed,
		Counter:      c.counter,
		Battery:      c.battery,
		DeviceMargin: c.deviceMargin,
		Freq:         c.event.Freq,
		SF:           c.params.Up.SF,
		BW:           c.params.Up.BW,
		ADR:          c.dataUp.ADR,
		ADRAckReq:    c.dataUp.ADRAckReq,
		Encrypted:    c.encrypted,
		MACCommands:  c.macCommands,
		Gateways:     gatewayMargins(c.paths, c.params.Up.SF),
	})

	c.onResponse(DeviceUpdateEvent{DevEUI: d.DevEUI})
}

// linkMargin converts the given SNR margin to the LinkCheckAns range.
func linkMargin(m float64) uint8 {
	switch {
	case m < 0:
		return 0
	case m > 254:
		return 254
	default:
		return uint8(m)
	}
}
