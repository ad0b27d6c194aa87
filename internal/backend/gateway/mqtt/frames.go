package mqtt

import (
	"encoding/json"
	"time"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"

	"github.com/flora-lorawan/flora-network-server/internal/band"
	"github.com/flora-lorawan/flora-network-server/internal/device"
)

// UplinkFrame is the uplink event published by the gateway.
type UplinkFrame struct {
	PHYPayload []byte       `json:"phyPayload"`
	TXInfo     UplinkTXInfo `json:"txInfo"`
	RXInfo     UplinkRXInfo `json:"rxInfo"`
}

// UplinkTXInfo holds the radio parameters the frame was sent with.
type UplinkTXInfo struct {
	Frequency       uint32 `json:"frequency"`
	SpreadingFactor int    `json:"spreadingFactor"`
	Bandwidth       int    `json:"bandwidth"` // kHz
}

// UplinkRXInfo holds the reception meta-data of the gateway.
type UplinkRXInfo struct {
	GatewayID lorawan.EUI64         `json:"gatewayID"`
	Time      *time.Time            `json:"time,omitempty"`
	RSSI      int                   `json:"rssi"`
	LoRaSNR   float64               `json:"loRaSNR"`
	Context   json.RawMessage       `json:"context,omitempty"`
	Channels  []band.GatewayChannel `json:"channels,omitempty"`
}

// DownlinkFrame is the downlink command sent to the gateway. The gateway
// uses the first item it is able to schedule.
type DownlinkFrame struct {
	PHYPayload []byte              `json:"phyPayload"`
	GatewayID  lorawan.EUI64       `json:"gatewayID"`
	DevEUI     lorawan.EUI64       `json:"devEUI"`
	Items      []DownlinkFrameItem `json:"items"`
}

// DownlinkFrameItem holds the transmission parameters of a single receive
// window.
type DownlinkFrameItem struct {
	Frequency       uint32          `json:"frequency"`
	SpreadingFactor int             `json:"spreadingFactor"`
	Bandwidth       int             `json:"bandwidth"` // kHz
	Delay           int             `json:"delay"`     // seconds after the uplink
	Context         json.RawMessage `json:"context,omitempty"`
}

func (f UplinkFrame) uplinkEvent() (device.UplinkEvent, error) {
	if len(f.PHYPayload) == 0 {
		return device.UplinkEvent{}, errors.New("phyPayload must not be empty")
	}

	rxTime := time.Now()
	if f.RXInfo.Time != nil {
		rxTime = *f.RXInfo.Time
	}

	return device.UplinkEvent{
		RXTime:          rxTime,
		Freq:            f.TXInfo.Frequency,
		SF:              f.TXInfo.SpreadingFactor,
		BW:              f.TXInfo.Bandwidth * 1000,
		Data:            f.PHYPayload,
		RSSI:            f.RXInfo.RSSI,
		SNR:             f.RXInfo.LoRaSNR,
		GatewayID:       f.RXInfo.GatewayID,
		GatewayParams:   f.RXInfo.Context,
		GatewayChannels: f.RXInfo.Channels,
	}, nil
}

func newDownlinkFrame(cmd device.DownlinkCommand) DownlinkFrame {
	delay := int(cmd.RXDelay / time.Second)

	return DownlinkFrame{
		PHYPayload: cmd.Data,
		GatewayID:  cmd.GatewayID,
		DevEUI:     cmd.DevEUI,
		Items: []DownlinkFrameItem{
			{
				Frequency:       cmd.RXParams.RX1.Freq,
				SpreadingFactor: cmd.RXParams.RX1.SF,
				Bandwidth:       cmd.RXParams.RX1.BW / 1000,
				Delay:           delay,
				Context:         cmd.GatewayParams,
			},
			{
				Frequency:       cmd.RXParams.RX2.Freq,
				SpreadingFactor: cmd.RXParams.RX2.SF,
				Bandwidth:       cmd.RXParams.RX2.BW / 1000,
				Delay:           delay + 1,
				Context:         cmd.GatewayParams,
			},
		},
	}
}
