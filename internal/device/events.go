package device

import (
	"encoding/json"
	"time"

	"github.com/brocaar/lorawan"

	"github.com/flora-lorawan/flora-network-server/internal/band"
	"github.com/flora-lorawan/flora-network-server/internal/maccommand"
)

// EventType defines the event type.
type EventType string

// Event types.
const (
	DownlinkEventType EventType = "downlink"
	JoinEventType     EventType = "join"
	UpEventType       EventType = "up"
	UpdateEventType   EventType = "update"
)

// Event is implemented by everything passed to the response callback of a
// session.
type Event interface {
	EventType() EventType
	DeviceEUI() lorawan.EUI64
}

// UplinkEvent is a frame as received by a single gateway.
type UplinkEvent struct {
	RXTime          time.Time
	Freq            uint32
	SF              int
	BW              int
	Data            []byte
	RSSI            int
	SNR             float64
	GatewayID       lorawan.EUI64
	GatewayParams   json.RawMessage
	GatewayChannels []band.GatewayChannel
}

// DownlinkCommand requests the gateway to transmit a frame in the receive
// window(s) following the uplink.
type DownlinkCommand struct {
	GatewayID     lorawan.EUI64       `json:"gw_id"`
	GatewayParams json.RawMessage     `json:"gw_params,omitempty"`
	Data          []byte              `json:"data"`
	DevEUI        lorawan.EUI64       `json:"dev_eui"`
	RXDelay       time.Duration       `json:"rx_delay"`
	RXParams      band.ExchangeParams `json:"rx_params"`
}

// EventType implements the Event interface.
func (DownlinkCommand) EventType() EventType { return DownlinkEventType }

// DeviceEUI implements the Event interface.
func (e DownlinkCommand) DeviceEUI() lorawan.EUI64 { return e.DevEUI }

// GatewayMargin holds the reception of a frame by a single gateway.
type GatewayMargin struct {
	GatewayID lorawan.EUI64 `json:"gw_id"`
	Time      time.Time     `json:"time"`
	RSSI      int           `json:"rssi"`
	SNR       float64       `json:"snr"`
	Margin    float64       `json:"margin"`
}

// ActivationEvent is emitted after a join-request was accepted.
type ActivationEvent struct {
	DevEUI    lorawan.EUI64   `json:"dev_eui"`
	JoinEUI   lorawan.EUI64   `json:"join_eui"`
	DevAddr   lorawan.DevAddr `json:"dev_addr"`
	RXTime    time.Time       `json:"rx_time"`
	Freq      uint32          `json:"freq"`
	SF        int             `json:"sf"`
	BW        int             `json:"bw"`
	DevNonce  uint16          `json:"dev_nonce"`
	JoinNonce uint32          `json:"join_nonce"`
	Rate      int             `json:"rate"`
	Gateways  []GatewayMargin `json:"gws"`
}

// EventType implements the Event interface.
func (ActivationEvent) EventType() EventType { return JoinEventType }

// DeviceEUI implements the Event interface.
func (e ActivationEvent) DeviceEUI() lorawan.EUI64 { return e.DevEUI }

// MACCommands is a list of decoded mac-commands.
type MACCommands []maccommand.Command

// MarshalJSON implements the json.Marshaler interface.
func (m MACCommands) MarshalJSON() ([]byte, error) {
	type named struct {
		Name    string             `json:"name"`
		Payload maccommand.Command `json:"payload"`
	}

	out := make([]named, 0, len(m))
	for _, c := range m {
		out = append(out, named{Name: maccommand.Name(c), Payload: c})
	}
	return json.Marshal(out)
}

// DataUpEvent is emitted after a data uplink was accepted. Data holds the
// decrypted FRMPayload, unless Encrypted is set.
type DataUpEvent struct {
	DevEUI       lorawan.EUI64   `json:"dev_eui"`
	DevAddr      lorawan.DevAddr `json:"dev_addr"`
	RXTime       time.Time       `json:"rx_time"`
	Data         []byte          `json:"data,omitempty"`
	FPort        *uint8          `json:"fport,omitempty"`
	Confirmed    bool            `json:"confirmed"`
	Counter      uint32          `json:"counter"`
	Battery      *uint8          `json:"battery,omitempty"`
	DeviceMargin *int8           `json:"device_margin,omitempty"`
	Freq         uint32          `json:"freq"`
	SF           int             `json:"sf"`
	BW           int             `json:"bw"`
	ADR          bool            `json:"adr"`
	ADRAckReq    bool            `json:"adr_ack_req"`
	Encrypted    bool            `json:"encrypted"`
	MACCommands  MACCommands     `json:"mac_commands"`
	Gateways     []GatewayMargin `json:"gws"`
}

// EventType implements the Event interface.
func (DataUpEvent) EventType() EventType { return UpEventType }

// DeviceEUI implements the Event interface.
func (e DataUpEvent) DeviceEUI() lorawan.EUI64 { return e.DevEUI }

// DeviceUpdateEvent signals that the stored device record changed.
type DeviceUpdateEvent struct {
	DevEUI lorawan.EUI64 `json:"dev_eui"`
}

// EventType implements the Event interface.
func (DeviceUpdateEvent) EventType() EventType { return UpdateEventType }

// DeviceEUI implements the Event interface.
func (e DeviceUpdateEvent) DeviceEUI() lorawan.EUI64 { return e.DevEUI }
