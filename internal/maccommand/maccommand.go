// Package maccommand implements the LoRaWAN MAC command codec on top of the
// lorawan MAC command payloads.
//
// Commands are carried either in the FOpts field or in the FRMPayload of a
// frame sent on port 0. Every command starts with a one byte CID followed by
// a fixed size payload. The meaning of a CID depends on the direction of the
// frame, which is why decoding needs to know if the buffer was sent by the
// device (uplink) or by the network-server (downlink).
package maccommand

import (
	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
)

// Command identifiers. Most identifiers are shared by a request in one
// direction and the answer in the other.
const (
	ResetCID            lorawan.CID = 0x01
	LinkCheckCID        lorawan.CID = 0x02
	LinkADRCID          lorawan.CID = 0x03
	DutyCycleCID        lorawan.CID = 0x04
	RXParamSetupCID     lorawan.CID = 0x05
	DevStatusCID        lorawan.CID = 0x06
	NewChannelCID       lorawan.CID = 0x07
	RXTimingSetupCID    lorawan.CID = 0x08
	TXParamSetupCID     lorawan.CID = 0x09
	DlChannelCID        lorawan.CID = 0x0a
	RekeyCID            lorawan.CID = 0x0b
	ADRParamSetupCID    lorawan.CID = 0x0c
	DeviceTimeCID       lorawan.CID = 0x0d
	ForceRejoinCID      lorawan.CID = 0x0e
	RejoinParamSetupCID lorawan.CID = 0x0f
)

// Command defines a single MAC command.
type Command interface {
	// CID returns the command identifier.
	CID() lorawan.CID

	// Uplink returns true for commands sent by the device.
	Uplink() bool

	// MACCommand returns the command as lorawan.MACCommand.
	MACCommand() lorawan.MACCommand
}

type definition struct {
	name string

	// empty is set for commands without payload
	empty Command
}

var uplinkCommands = map[lorawan.CID]definition{
	ResetCID:            {name: "ResetInd"},
	LinkCheckCID:        {name: "LinkCheckReq", empty: LinkCheckReq{}},
	LinkADRCID:          {name: "LinkADRAns"},
	DutyCycleCID:        {name: "DutyCycleAns", empty: DutyCycleAns{}},
	RXParamSetupCID:     {name: "RXParamSetupAns"},
	DevStatusCID:        {name: "DevStatusAns"},
	NewChannelCID:       {name: "NewChannelAns"},
	RXTimingSetupCID:    {name: "RXTimingSetupAns", empty: RXTimingSetupAns{}},
	TXParamSetupCID:     {name: "TXParamSetupAns", empty: TXParamSetupAns{}},
	DlChannelCID:        {name: "DlChannelAns"},
	RekeyCID:            {name: "RekeyInd"},
	ADRParamSetupCID:    {name: "ADRParamSetupAns", empty: ADRParamSetupAns{}},
	DeviceTimeCID:       {name: "DeviceTimeReq", empty: DeviceTimeReq{}},
	RejoinParamSetupCID: {name: "RejoinParamSetupAns"},
}

var downlinkCommands = map[lorawan.CID]definition{
	ResetCID:            {name: "ResetConf"},
	LinkCheckCID:        {name: "LinkCheckAns"},
	LinkADRCID:          {name: "LinkADRReq"},
	DutyCycleCID:        {name: "DutyCycleReq"},
	RXParamSetupCID:     {name: "RXParamSetupReq"},
	DevStatusCID:        {name: "DevStatusReq", empty: DevStatusReq{}},
	NewChannelCID:       {name: "NewChannelReq"},
	RXTimingSetupCID:    {name: "RXTimingSetupReq"},
	TXParamSetupCID:     {name: "TXParamSetupReq"},
	DlChannelCID:        {name: "DlChannelReq"},
	RekeyCID:            {name: "RekeyConf"},
	ADRParamSetupCID:    {name: "ADRParamSetupReq"},
	DeviceTimeCID:       {name: "DeviceTimeAns"},
	ForceRejoinCID:      {name: "ForceRejoinReq"},
	RejoinParamSetupCID: {name: "RejoinParamSetupReq"},
}

func table(uplink bool) map[lorawan.CID]definition {
	if uplink {
		return uplinkCommands
	}
	return downlinkCommands
}

// Decode decodes the MAC commands in b. Decoding stops at the first unknown
// CID or at a command that is cut short, the commands decoded before that
// point are returned.
func Decode(uplink bool, b []byte) []Command {
	var out []Command
	defs := table(uplink)

	for len(b) > 0 {
		cid := lorawan.CID(b[0])
		if _, ok := defs[cid]; !ok {
			break
		}

		size := payloadSize(uplink, cid)
		if len(b) < 1+size {
			break
		}

		var m lorawan.MACCommand
		if err := m.UnmarshalBinary(uplink, b[:1+size]); err != nil {
			break
		}

		cmd, ok := wrap(uplink, m)
		if !ok {
			break
		}

		out = append(out, cmd)
		b = b[1+size:]
	}

	return out
}

// Encode appends the given commands to buf.
func Encode(buf []byte, cmds ...Command) ([]byte, error) {
	for _, c := range cmds {
		b, err := c.MACCommand().MarshalBinary()
		if err != nil {
			return nil, errors.Wrapf(err, "marshal %s error", Name(c))
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

// Size returns the encoded size of the given commands.
func Size(cmds ...Command) int {
	var n int
	for _, c := range cmds {
		n += 1 + payloadSize(c.Uplink(), c.CID())
	}
	return n
}

// payloadSize returns the payload size of the given command. Commands without
// payload are not registered by the lorawan package.
func payloadSize(uplink bool, cid lorawan.CID) int {
	_, size, err := lorawan.GetMACPayloadAndSize(uplink, cid)
	if err != nil {
		return 0
	}
	return size
}

// Name returns the human readable name of the given command.
func Name(c Command) string {
	if def, ok := table(c.Uplink())[c.CID()]; ok {
		return def.name
	}
	return "Unknown"
}
