package maccommand

import (
	"time"

	"github.com/brocaar/lorawan"
)

type uplink struct{}

func (uplink) Uplink() bool { return true }

type downlink struct{}

func (downlink) Uplink() bool { return false }

func mac(cid lorawan.CID, pl lorawan.MACCommandPayload) lorawan.MACCommand {
	return lorawan.MACCommand{CID: cid, Payload: pl}
}

// ResetInd is sent by a LoRaWAN 1.1 ABP device after a reset.
type ResetInd struct {
	uplink
	lorawan.ResetIndPayload
}

func (ResetInd) CID() lorawan.CID { return ResetCID }

func (c ResetInd) MACCommand() lorawan.MACCommand { return mac(ResetCID, &c.ResetIndPayload) }

// ResetConf answers ResetInd.
type ResetConf struct {
	downlink
	lorawan.ResetConfPayload
}

func (ResetConf) CID() lorawan.CID { return ResetCID }

func (c ResetConf) MACCommand() lorawan.MACCommand { return mac(ResetCID, &c.ResetConfPayload) }

// NewResetConf returns a ResetConf for the given LoRaWAN 1.x minor version.
func NewResetConf(minor uint8) ResetConf {
	return ResetConf{ResetConfPayload: lorawan.ResetConfPayload{
		ServLoRaWANVersion: lorawan.Version{Minor: minor},
	}}
}

// LinkCheckReq is used by a device to validate its connectivity.
type LinkCheckReq struct{ uplink }

func (LinkCheckReq) CID() lorawan.CID { return LinkCheckCID }

func (LinkCheckReq) MACCommand() lorawan.MACCommand { return mac(LinkCheckCID, nil) }

// LinkCheckAns answers LinkCheckReq.
type LinkCheckAns struct {
	downlink
	lorawan.LinkCheckAnsPayload
}

func (LinkCheckAns) CID() lorawan.CID { return LinkCheckCID }

func (c LinkCheckAns) MACCommand() lorawan.MACCommand {
	return mac(LinkCheckCID, &c.LinkCheckAnsPayload)
}

// LinkADRReq requests the device to change its data-rate, TX power,
// redundancy or channel mask.
type LinkADRReq struct {
	downlink
	lorawan.LinkADRReqPayload
}

func (LinkADRReq) CID() lorawan.CID { return LinkADRCID }

func (c LinkADRReq) MACCommand() lorawan.MACCommand {
	return mac(LinkADRCID, &c.LinkADRReqPayload)
}

// LinkADRAns answers LinkADRReq.
type LinkADRAns struct {
	uplink
	lorawan.LinkADRAnsPayload
}

func (LinkADRAns) CID() lorawan.CID { return LinkADRCID }

func (c LinkADRAns) MACCommand() lorawan.MACCommand {
	return mac(LinkADRCID, &c.LinkADRAnsPayload)
}

// DutyCycleReq sets the maximum aggregated transmit duty-cycle.
type DutyCycleReq struct {
	downlink
	lorawan.DutyCycleReqPayload
}

func (DutyCycleReq) CID() lorawan.CID { return DutyCycleCID }

func (c DutyCycleReq) MACCommand() lorawan.MACCommand {
	return mac(DutyCycleCID, &c.DutyCycleReqPayload)
}

// DutyCycleAns answers DutyCycleReq.
type DutyCycleAns struct{ uplink }

func (DutyCycleAns) CID() lorawan.CID { return DutyCycleCID }

func (DutyCycleAns) MACCommand() lorawan.MACCommand { return mac(DutyCycleCID, nil) }

// RXParamSetupReq changes the RX2 frequency and data-rate and the RX1
// data-rate offset.
type RXParamSetupReq struct {
	downlink
	lorawan.RXParamSetupReqPayload
}

func (RXParamSetupReq) CID() lorawan.CID { return RXParamSetupCID }

func (c RXParamSetupReq) MACCommand() lorawan.MACCommand {
	return mac(RXParamSetupCID, &c.RXParamSetupReqPayload)
}

// RXParamSetupAns answers RXParamSetupReq.
type RXParamSetupAns struct {
	uplink
	lorawan.RXParamSetupAnsPayload
}

func (RXParamSetupAns) CID() lorawan.CID { return RXParamSetupCID }

func (c RXParamSetupAns) MACCommand() lorawan.MACCommand {
	return mac(RXParamSetupCID, &c.RXParamSetupAnsPayload)
}

// DevStatusReq requests the device status.
type DevStatusReq struct{ downlink }

func (DevStatusReq) CID() lorawan.CID { return DevStatusCID }

func (DevStatusReq) MACCommand() lorawan.MACCommand { return mac(DevStatusCID, nil) }

// DevStatusAns answers DevStatusReq.
type DevStatusAns struct {
	uplink
	lorawan.DevStatusAnsPayload
}

func (DevStatusAns) CID() lorawan.CID { return DevStatusCID }

func (c DevStatusAns) MACCommand() lorawan.MACCommand {
	return mac(DevStatusCID, &c.DevStatusAnsPayload)
}

// NewChannelReq creates or modifies a channel.
type NewChannelReq struct {
	downlink
	lorawan.NewChannelReqPayload
}

func (NewChannelReq) CID() lorawan.CID { return NewChannelCID }

func (c NewChannelReq) MACCommand() lorawan.MACCommand {
	return mac(NewChannelCID, &c.NewChannelReqPayload)
}

// NewChannelAns answers NewChannelReq.
type NewChannelAns struct {
	uplink
	lorawan.NewChannelAnsPayload
}

func (NewChannelAns) CID() lorawan.CID { return NewChannelCID }

func (c NewChannelAns) MACCommand() lorawan.MACCommand {
	return mac(NewChannelCID, &c.NewChannelAnsPayload)
}

// RXTimingSetupReq sets the delay between the end of the uplink and the
// opening of RX1.
type RXTimingSetupReq struct {
	downlink
	lorawan.RXTimingSetupReqPayload
}

func (RXTimingSetupReq) CID() lorawan.CID { return RXTimingSetupCID }

func (c RXTimingSetupReq) MACCommand() lorawan.MACCommand {
	return mac(RXTimingSetupCID, &c.RXTimingSetupReqPayload)
}

// RXTimingSetupAns answers RXTimingSetupReq.
type RXTimingSetupAns struct{ uplink }

func (RXTimingSetupAns) CID() lorawan.CID { return RXTimingSetupCID }

func (RXTimingSetupAns) MACCommand() lorawan.MACCommand { return mac(RXTimingSetupCID, nil) }

// TXParamSetupReq sets the dwell time and maximum EIRP.
type TXParamSetupReq struct {
	downlink
	lorawan.TXParamSetupReqPayload
}

func (TXParamSetupReq) CID() lorawan.CID { return TXParamSetupCID }

func (c TXParamSetupReq) MACCommand() lorawan.MACCommand {
	return mac(TXParamSetupCID, &c.TXParamSetupReqPayload)
}

// TXParamSetupAns answers TXParamSetupReq.
type TXParamSetupAns struct{ uplink }

func (TXParamSetupAns) CID() lorawan.CID { return TXParamSetupCID }

func (TXParamSetupAns) MACCommand() lorawan.MACCommand { return mac(TXParamSetupCID, nil) }

// DlChannelReq sets the downlink frequency of an existing channel.
type DlChannelReq struct {
	downlink
	lorawan.DLChannelReqPayload
}

func (DlChannelReq) CID() lorawan.CID { return DlChannelCID }

func (c DlChannelReq) MACCommand() lorawan.MACCommand {
	return mac(DlChannelCID, &c.DLChannelReqPayload)
}

// DlChannelAns answers DlChannelReq.
type DlChannelAns struct {
	uplink
	lorawan.DLChannelAnsPayload
}

func (DlChannelAns) CID() lorawan.CID { return DlChannelCID }

func (c DlChannelAns) MACCommand() lorawan.MACCommand {
	return mac(DlChannelCID, &c.DLChannelAnsPayload)
}

// RekeyInd is sent by a LoRaWAN 1.1 OTAA device after a join.
type RekeyInd struct {
	uplink
	lorawan.RekeyIndPayload
}

func (RekeyInd) CID() lorawan.CID { return RekeyCID }

func (c RekeyInd) MACCommand() lorawan.MACCommand { return mac(RekeyCID, &c.RekeyIndPayload) }

// RekeyConf answers RekeyInd.
type RekeyConf struct {
	downlink
	lorawan.RekeyConfPayload
}

func (RekeyConf) CID() lorawan.CID { return RekeyCID }

func (c RekeyConf) MACCommand() lorawan.MACCommand { return mac(RekeyCID, &c.RekeyConfPayload) }

// NewRekeyConf returns a RekeyConf for the given LoRaWAN 1.x minor version.
func NewRekeyConf(minor uint8) RekeyConf {
	return RekeyConf{RekeyConfPayload: lorawan.RekeyConfPayload{
		ServLoRaWANVersion: lorawan.Version{Minor: minor},
	}}
}

// ADRParamSetupReq sets the ADR ack limit and delay as powers of two.
type ADRParamSetupReq struct {
	downlink
	lorawan.ADRParamSetupReqPayload
}

func (ADRParamSetupReq) CID() lorawan.CID { return ADRParamSetupCID }

func (c ADRParamSetupReq) MACCommand() lorawan.MACCommand {
	return mac(ADRParamSetupCID, &c.ADRParamSetupReqPayload)
}

// ADRParamSetupAns answers ADRParamSetupReq.
type ADRParamSetupAns struct{ uplink }

func (ADRParamSetupAns) CID() lorawan.CID { return ADRParamSetupCID }

func (ADRParamSetupAns) MACCommand() lorawan.MACCommand { return mac(ADRParamSetupCID, nil) }

// DeviceTimeReq requests the current network time.
type DeviceTimeReq struct{ uplink }

func (DeviceTimeReq) CID() lorawan.CID { return DeviceTimeCID }

func (DeviceTimeReq) MACCommand() lorawan.MACCommand { return mac(DeviceTimeCID, nil) }

// DeviceTimeAns answers DeviceTimeReq with the time since the GPS epoch.
type DeviceTimeAns struct {
	downlink
	lorawan.DeviceTimeAnsPayload
}

func (DeviceTimeAns) CID() lorawan.CID { return DeviceTimeCID }

func (c DeviceTimeAns) MACCommand() lorawan.MACCommand {
	return mac(DeviceTimeCID, &c.DeviceTimeAnsPayload)
}

// NewDeviceTimeAns returns a DeviceTimeAns for the given number of seconds
// since the GPS epoch and fractional-second in 1/256 seconds.
func NewDeviceTimeAns(seconds uint32, fractions uint8) DeviceTimeAns {
	return DeviceTimeAns{DeviceTimeAnsPayload: lorawan.DeviceTimeAnsPayload{
		TimeSinceGPSEpoch: time.Duration(seconds)*time.Second + time.Duration(fractions)*time.Second/256,
	}}
}

// ForceRejoinReq requests the device to rejoin.
type ForceRejoinReq struct {
	downlink
	lorawan.ForceRejoinReqPayload
}

func (ForceRejoinReq) CID() lorawan.CID { return ForceRejoinCID }

func (c ForceRejoinReq) MACCommand() lorawan.MACCommand {
	return mac(ForceRejoinCID, &c.ForceRejoinReqPayload)
}

// RejoinParamSetupReq sets the periodic rejoin interval.
type RejoinParamSetupReq struct {
	downlink
	lorawan.RejoinParamSetupReqPayload
}

func (RejoinParamSetupReq) CID() lorawan.CID { return RejoinParamSetupCID }

func (c RejoinParamSetupReq) MACCommand() lorawan.MACCommand {
	return mac(RejoinParamSetupCID, &c.RejoinParamSetupReqPayload)
}

// RejoinParamSetupAns answers RejoinParamSetupReq.
type RejoinParamSetupAns struct {
	uplink
	lorawan.RejoinParamSetupAnsPayload
}

func (RejoinParamSetupAns) CID() lorawan.CID { return RejoinParamSetupCID }

func (c RejoinParamSetupAns) MACCommand() lorawan.MACCommand {
	return mac(RejoinParamSetupCID, &c.RejoinParamSetupAnsPayload)
}

// wrap returns the Command for the given decoded lorawan.MACCommand.
func wrap(uplink bool, m lorawan.MACCommand) (Command, bool) {
	switch pl := m.Payload.(type) {
	case nil:
		def, ok := table(uplink)[m.CID]
		if !ok || def.empty == nil {
			return nil, false
		}
		return def.empty, true
	case *lorawan.ResetIndPayload:
		return ResetInd{ResetIndPayload: *pl}, true
	case *lorawan.ResetConfPayload:
		return ResetConf{ResetConfPayload: *pl}, true
	case *lorawan.LinkCheckAnsPayload:
		return LinkCheckAns{LinkCheckAnsPayload: *pl}, true
	case *lorawan.LinkADRReqPayload:
		return LinkADRReq{LinkADRReqPayload: *pl}, true
	case *lorawan.LinkADRAnsPayload:
		return LinkADRAns{LinkADRAnsPayload: *pl}, true
	case *lorawan.DutyCycleReqPayload:
		return DutyCycleReq{DutyCycleReqPayload: *pl}, true
	case *lorawan.RXParamSetupReqPayload:
		return RXParamSetupReq{RXParamSetupReqPayload: *pl}, true
	case *lorawan.RXParamSetupAnsPayload:
		return RXParamSetupAns{RXParamSetupAnsPayload: *pl}, true
	case *lorawan.DevStatusAnsPayload:
		return DevStatusAns{DevStatusAnsPayload: *pl}, true
	case *lorawan.NewChannelReqPayload:
		return NewChannelReq{NewChannelReqPayload: *pl}, true
	case *lorawan.NewChannelAnsPayload:
		return NewChannelAns{NewChannelAnsPayload: *pl}, true
	case *lorawan.RXTimingSetupReqPayload:
		return RXTimingSetupReq{RXTimingSetupReqPayload: *pl}, true
	case *lorawan.TXParamSetupReqPayload:
		return TXParamSetupReq{TXParamSetupReqPayload: *pl}, true
	case *lorawan.DLChannelReqPayload:
		return DlChannelReq{DLChannelReqPayload: *pl}, true
	case *lorawan.DLChannelAnsPayload:
		return DlChannelAns{DLChannelAnsPayload: *pl}, true
	case *lorawan.RekeyIndPayload:
		return RekeyInd{RekeyIndPayload: *pl}, true
	case *lorawan.RekeyConfPayload:
		return RekeyConf{RekeyConfPayload: *pl}, true
	case *lorawan.ADRParamSetupReqPayload:
		return ADRParamSetupReq{ADRParamSetupReqPayload: *pl}, true
	case *lorawan.DeviceTimeAnsPayload:
		return DeviceTimeAns{DeviceTimeAnsPayload: *pl}, true
	case *lorawan.ForceRejoinReqPayload:
		return ForceRejoinReq{ForceRejoinReqPayload: *pl}, true
	case *lorawan.RejoinParamSetupReqPayload:
		return RejoinParamSetupReq{RejoinParamSetupReqPayload: *pl}, true
	case *lorawan.RejoinParamSetupAnsPayload:
		return RejoinParamSetupAns{RejoinParamSetupAnsPayload: *pl}, true
	default:
		return nil, false
	}
}
