// Package band implements the regional channel plans. Every device gets its
// own plan instance so that gateway advertised channels and channel-mask
// changes never leak between devices.
package band

import (
	"sort"
	"time"

	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
	"github.com/pkg/errors"
)

// Name defines the band / region name.
type Name string

// Available bands.
const (
	EU868 Name = "EU_863_870"
	US915 Name = "US_902_928"
	AU915 Name = "AU_915_928"
)

// Defaults shared by all regions.
const (
	defaultRX1Delay    = 1
	defaultADRAckLimit = 64
	defaultADRAckDelay = 32

	// fixed-channel plans hold at most 16 channels (one ChMask block)
	maxFixedChannels = 16

	// protocol version used for the CFList; all devices are handled as
	// 1.0.2+ devices for what concerns the channel list
	cfListProtocolVersion = "1.0.2"
)

// errors
var (
	ErrUnknownRegion  = errors.New("unknown region")
	ErrInvalidChannel = errors.New("invalid channel")
	ErrInvalidSetting = errors.New("setting not accepted for this region")
)

// DataRate defines a LoRa spreading-factor and bandwidth (Hz) combination.
type DataRate struct {
	SF int
	BW int
}

// Channel defines an uplink channel. A masked channel is disabled.
type Channel struct {
	Index  int
	Freq   uint32
	MinDR  int
	MaxDR  int
	Masked bool
}

// GatewayChannel defines a receive channel advertised by a gateway.
type GatewayChannel struct {
	Freq  uint32 `json:"freq"`
	Rates []int  `json:"rates,omitempty"`
}

// RadioParams holds the radio parameters of one direction of an exchange.
type RadioParams struct {
	Freq    uint32 `json:"freq"`
	Channel int    `json:"channel"`
	SF      int    `json:"sf"`
	BW      int    `json:"bw"`
	Rate    int    `json:"rate"`
}

// ExchangeParams holds the uplink and the resulting RX1 / RX2 parameters.
type ExchangeParams struct {
	Up  RadioParams `json:"up"`
	RX1 RadioParams `json:"rx1"`
	RX2 RadioParams `json:"rx2"`
}

// Settings holds the per-device fine-tuning of a region. Nil values fall
// back to the region defaults.
type Settings struct {
	RX1Delay        *int
	RX1DROffset     *int
	RX2DR           *int
	RX2Freq         *uint32
	ADRAckLimit     *int
	ADRAckDelay     *int
	GatewayChannels []GatewayChannel
}

// Band is a channel plan instance for a single device.
type Band struct {
	def  Definition
	band loraband.Band

	maxLoRaDR       int
	joinAcceptDelay time.Duration

	rx1Delay    int
	rx1DROffset int
	rx2DR       int
	rx2Freq     uint32
	adrAckLimit int
	adrAckDelay int
}

func newBand(def Definition, s Settings) (*Band, error) {
	bandConfig, err := loraband.GetConfig(def.Band, false, lorawanDwellTime)
	if err != nil {
		return nil, errors.Wrap(err, "get band config error")
	}
	defaults := bandConfig.GetDefaults()

	b := Band{
		def:             def,
		band:            bandConfig,
		joinAcceptDelay: defaults.JoinAcceptDelay1,
		rx1Delay:        defaultRX1Delay,
		rx2DR:           defaults.RX2DataRate,
		rx2Freq:         uint32(defaults.RX2Frequency),
		adrAckLimit:     defaultADRAckLimit,
		adrAckDelay:     defaultADRAckDelay,
	}

	// the 64+8 channel plans start with all channels enabled, gateway
	// channels narrow this down
	if def.Hopping {
		for _, i := range b.band.GetUplinkChannelIndices() {
			if err := b.band.EnableUplinkChannelIndex(i); err != nil {
				return nil, errors.Wrap(err, "enable uplink channel error")
			}
		}
	}

	for _, i := range b.band.GetEnabledUplinkDataRates() {
		dr, err := b.band.GetDataRate(i)
		if err != nil {
			return nil, errors.Wrap(err, "get max lora dr error")
		}

		if dr.Modulation == loraband.LoRaModulation && dr.Bandwidth == 125 {
			b.maxLoRaDR = i
		}
	}

	if s.RX1Delay != nil {
		if *s.RX1Delay < 0 || *s.RX1Delay > 15 {
			return nil, errors.Wrap(ErrInvalidSetting, "rx_delay")
		}
		b.rx1Delay = *s.RX1Delay
	}
	if s.RX1DROffset != nil {
		if *s.RX1DROffset < 0 {
			return nil, errors.Wrap(ErrInvalidSetting, "rx1_dr_offset")
		}
		if _, err := b.band.GetRX1DataRateIndex(0, *s.RX1DROffset); err != nil {
			return nil, errors.Wrap(ErrInvalidSetting, "rx1_dr_offset")
		}
		b.rx1DROffset = *s.RX1DROffset
	}
	if s.RX2DR != nil {
		if _, ok := b.DataRate(*s.RX2DR); !ok {
			return nil, errors.Wrap(ErrInvalidSetting, "rx2_dr")
		}
		b.rx2DR = *s.RX2DR
	}
	if s.RX2Freq != nil {
		b.rx2Freq = *s.RX2Freq
	}
	if s.ADRAckLimit != nil {
		b.adrAckLimit = *s.ADRAckLimit
	}
	if s.ADRAckDelay != nil {
		b.adrAckDelay = *s.ADRAckDelay
	}

	b.UpdateChannels(s.GatewayChannels)
	return &b, nil
}

// Name returns the region name.
func (b *Band) Name() Name {
	return b.def.Name
}

// Channels returns the uplink channel table.
func (b *Band) Channels() []Channel {
	enabled := make(map[int]bool)
	for _, i := range b.band.GetEnabledUplinkChannelIndices() {
		enabled[i] = true
	}

	var out []Channel
	for _, i := range b.band.GetUplinkChannelIndices() {
		c, err := b.band.GetUplinkChannel(i)
		if err != nil {
			continue
		}

		out = append(out, Channel{
			Index:  i,
			Freq:   uint32(c.Frequency),
			MinDR:  c.MinDR,
			MaxDR:  c.MaxDR,
			Masked: !enabled[i],
		})
	}
	return out
}

// RX1Delay returns the delay of the first receive window. A delay of 0 means
// 1 second.
func (b *Band) RX1Delay() time.Duration {
	if b.rx1Delay == 0 {
		return time.Second
	}
	return time.Duration(b.rx1Delay) * time.Second
}

// RX1DelaySetting returns the value to use in the join-accept RxDelay field.
func (b *Band) RX1DelaySetting() uint8 {
	return uint8(b.rx1Delay)
}

// JoinAcceptDelay returns the delay of the first join-accept receive window.
func (b *Band) JoinAcceptDelay() time.Duration {
	return b.joinAcceptDelay
}

// RX1DROffset returns the RX1 data-rate offset.
func (b *Band) RX1DROffset() int {
	return b.rx1DROffset
}

// RX2DR returns the RX2 data-rate.
func (b *Band) RX2DR() int {
	return b.rx2DR
}

// ADRAckLimit returns the ADR_ACK_LIMIT.
func (b *Band) ADRAckLimit() int {
	return b.adrAckLimit
}

// ADRAckDelay returns the ADR_ACK_DELAY.
func (b *Band) ADRAckDelay() int {
	return b.adrAckDelay
}

// MaxADRRate returns the highest data-rate the ADR engine may assign, this is
// the highest 125 kHz LoRa data-rate of the region.
func (b *Band) MaxADRRate() int {
	return b.maxLoRaDR
}

// UplinkRate returns the uplink data-rate index for the given SF and BW.
func (b *Band) UplinkRate(sf, bw int) (int, bool) {
	i, err := b.band.GetDataRateIndex(true, loraband.DataRate{
		Modulation:   loraband.LoRaModulation,
		SpreadFactor: sf,
		Bandwidth:    bw / 1000,
	})
	if err != nil {
		return 0, false
	}
	return i, true
}

// DataRate returns the SF and BW of the given LoRa data-rate index.
func (b *Band) DataRate(rate int) (DataRate, bool) {
	dr, err := b.band.GetDataRate(rate)
	if err != nil || dr.Modulation != loraband.LoRaModulation {
		return DataRate{}, false
	}
	return DataRate{SF: dr.SpreadFactor, BW: dr.Bandwidth * 1000}, true
}

// ChannelByFreq returns the uplink channel for the given frequency.
func (b *Band) ChannelByFreq(freq uint32) (Channel, bool) {
	for _, c := range b.Channels() {
		if c.Freq == freq {
			return c, true
		}
	}
	return Channel{}, false
}

// ExchangeParams returns the uplink and downlink radio parameters for a
// frame received with the given frequency, SF and BW. It returns false when
// the combination is not valid for this plan.
func (b *Band) ExchangeParams(freq uint32, sf, bw int) (ExchangeParams, bool) {
	var out ExchangeParams

	ch, ok := b.ChannelByFreq(freq)
	if !ok {
		return out, false
	}
	upRate, ok := b.UplinkRate(sf, bw)
	if !ok {
		return out, false
	}

	out.Up = RadioParams{
		Freq:    freq,
		Channel: ch.Index,
		SF:      sf,
		BW:      bw,
		Rate:    upRate,
	}

	rx1Rate, err := b.band.GetRX1DataRateIndex(upRate, b.rx1DROffset)
	if err != nil {
		return out, false
	}
	rx1DR, ok := b.DataRate(rx1Rate)
	if !ok {
		return out, false
	}
	rx1Channel, err := b.band.GetRX1ChannelIndexForUplinkChannelIndex(ch.Index)
	if err != nil {
		return out, false
	}
	down, err := b.band.GetDownlinkChannel(rx1Channel)
	if err != nil {
		return out, false
	}

	out.RX1 = RadioParams{
		Freq:    uint32(down.Frequency),
		Channel: rx1Channel,
		SF:      rx1DR.SF,
		BW:      rx1DR.BW,
		Rate:    rx1Rate,
	}

	rx2DR, ok := b.DataRate(b.rx2DR)
	if !ok {
		return out, false
	}
	out.RX2 = RadioParams{
		Freq: b.rx2Freq,
		SF:   rx2DR.SF,
		BW:   rx2DR.BW,
		Rate: b.rx2DR,
	}

	return out, true
}

// AddChannel adds an extra uplink channel to a fixed-channel plan. The
// channel gets the next free index.
func (b *Band) AddChannel(freq uint32, minDR, maxDR int) error {
	if b.def.Hopping {
		return errors.Wrap(ErrInvalidChannel, "channels can not be added to a frequency-hopping plan")
	}
	if freq == 0 {
		return errors.Wrap(ErrInvalidChannel, "frequency must be set")
	}
	if minDR > maxDR {
		return errors.Wrap(ErrInvalidChannel, "min data-rate exceeds max data-rate")
	}

	i := len(b.band.GetUplinkChannelIndices())
	if i >= maxFixedChannels {
		return errors.Wrapf(ErrInvalidChannel, "index %d out of range", i)
	}

	if err := b.band.AddChannel(freq, minDR, maxDR); err != nil {
		return errors.Wrap(err, "add channel error")
	}
	if err := b.band.EnableUplinkChannelIndex(i); err != nil {
		return errors.Wrap(err, "enable uplink channel error")
	}
	return nil
}

// MaskAll disables all uplink channels.
func (b *Band) MaskAll() {
	for _, i := range b.band.GetUplinkChannelIndices() {
		_ = b.band.DisableUplinkChannelIndex(i)
	}
}

// UpdateChannels narrows (frequency-hopping plans) or extends (fixed-channel
// plans) the enabled channels using the channels advertised by a gateway.
func (b *Band) UpdateChannels(gwChannels []GatewayChannel) {
	if len(gwChannels) == 0 {
		return
	}

	if b.def.Hopping {
		b.MaskAll()
		for _, gc := range gwChannels {
			if c, ok := b.ChannelByFreq(gc.Freq); ok {
				_ = b.band.EnableUplinkChannelIndex(c.Index)
			}
		}
		return
	}

	std, err := b.band.GetUplinkChannel(0)
	if err != nil {
		return
	}

	for _, gc := range gwChannels {
		if gc.Freq == 0 {
			continue
		}
		if _, ok := b.ChannelByFreq(gc.Freq); ok {
			continue
		}

		minDR, maxDR := std.MinDR, std.MaxDR
		if len(gc.Rates) != 0 {
			rates := append([]int(nil), gc.Rates...)
			sort.Ints(rates)
			minDR, maxDR = rates[0], rates[len(rates)-1]
		}

		if err := b.AddChannel(gc.Freq, minDR, maxDR); err != nil {
			return
		}
	}
}

// enabledMask returns the enabled state of every uplink channel, indexed by
// channel index.
func (b *Band) enabledMask() []bool {
	out := make([]bool, len(b.band.GetUplinkChannelIndices()))
	for _, i := range b.band.GetEnabledUplinkChannelIndices() {
		if i < len(out) {
			out[i] = true
		}
	}
	return out
}

// ADRMask returns the LinkADRReq payloads carrying the channel-mask of the
// plan. Only ChMask and Redundancy.ChMaskCntl are set, the caller completes
// the data-rate, power and redundancy fields.
//
// On the 64+8 channel plans, a single payload with ChMaskCntl 5 is returned
// when every bank of 8 125 kHz channels is either fully enabled together with
// its 500 kHz channel, or fully disabled together with it. Otherwise one
// payload per block of 16 channels is returned.
func (b *Band) ADRMask() []lorawan.LinkADRReqPayload {
	enabled := b.enabledMask()

	if !b.def.Hopping {
		var pl lorawan.LinkADRReqPayload
		for i := 0; i < len(enabled) && i < len(pl.ChMask); i++ {
			pl.ChMask[i] = enabled[i]
		}
		return []lorawan.LinkADRReqPayload{pl}
	}

	grouped := lorawan.LinkADRReqPayload{
		Redundancy: lorawan.Redundancy{ChMaskCntl: 5},
	}

	for i := 0; i < 8 && 64+i < len(enabled); i++ {
		count := 0
		for _, e := range enabled[i*8 : i*8+8] {
			if e {
				count++
			}
		}
		wide := enabled[64+i]

		switch {
		case count == 8 && wide:
			grouped.ChMask[i] = true
		case count == 0 && !wide:
		default:
			return fullADRMask(enabled)
		}
	}

	return []lorawan.LinkADRReqPayload{grouped}
}

func fullADRMask(enabled []bool) []lorawan.LinkADRReqPayload {
	var out []lorawan.LinkADRReqPayload
	for i := 0; i*16 < len(enabled); i++ {
		pl := lorawan.LinkADRReqPayload{
			Redundancy: lorawan.Redundancy{ChMaskCntl: uint8(i)},
		}
		for j := 0; j < 16 && i*16+j < len(enabled); j++ {
			pl.ChMask[j] = enabled[i*16+j]
		}
		out = append(out, pl)
	}
	return out
}

// CFList returns the join-accept CFList for the current channel table. Fixed
// channel plans carry the extra channel frequencies, the 64+8 channel plans
// carry the channel-mask.
func (b *Band) CFList() *lorawan.CFList {
	if b.def.Hopping {
		enabled := b.enabledMask()
		var pl lorawan.CFListChannelMaskPayload
		for i := 0; i*16 < len(enabled); i++ {
			var m lorawan.ChMask
			for j := 0; j < 16 && i*16+j < len(enabled); j++ {
				m[j] = enabled[i*16+j]
			}
			pl.ChannelMasks = append(pl.ChannelMasks, m)
		}
		return &lorawan.CFList{
			CFListType: lorawan.CFListChannelMask,
			Payload:    &pl,
		}
	}

	if cfList := b.band.GetCFList(cfListProtocolVersion); cfList != nil {
		return cfList
	}

	// no extra channels
	return &lorawan.CFList{
		CFListType: lorawan.CFListChannel,
		Payload:    &lorawan.CFListChannelPayload{},
	}
}
