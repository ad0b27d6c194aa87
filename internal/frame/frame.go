// Package frame implements the PHYPayload codec for the frames handled by
// the network-server: join-request and data-up are decoded, join-accept and
// data-down are encoded. Encryption and MIC computation are left to the
// caller, see the security package.
package frame

import (
	"encoding/binary"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
)

// ErrInvalidFrame is returned when a frame can not be decoded.
var ErrInvalidFrame = errors.New("invalid frame")

const (
	micSize         = 4
	joinRequestSize = 23
	minDataUpSize   = 12
	maxFOptsLen     = 15
)

// MHDR decodes the MAC header of the given PHYPayload.
func MHDR(b []byte) (lorawan.MHDR, error) {
	var h lorawan.MHDR
	if len(b) == 0 {
		return h, errors.Wrap(ErrInvalidFrame, "empty frame")
	}
	if err := h.UnmarshalBinary(b[:1]); err != nil {
		return h, errors.Wrap(ErrInvalidFrame, err.Error())
	}
	if h.Major != lorawan.LoRaWANR1 {
		return h, errors.Wrapf(ErrInvalidFrame, "unsupported major version %d", h.Major)
	}
	return h, nil
}

// Uplink returns true when the given message type is sent by a device.
func Uplink(t lorawan.MType) bool {
	switch t {
	case lorawan.JoinRequest, lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
		return true
	default:
		return false
	}
}

// MIC returns the MIC field (last 4 bytes, little-endian) of the given frame
// and the bytes covered by it.
func MIC(b []byte) (uint32, []byte) {
	n := len(b) - micSize
	return binary.LittleEndian.Uint32(b[n:]), b[:n]
}

func unmarshal(b []byte, types ...lorawan.MType) (lorawan.PHYPayload, error) {
	var phy lorawan.PHYPayload

	h, err := MHDR(b)
	if err != nil {
		return phy, err
	}

	var ok bool
	for _, t := range types {
		if h.MType == t {
			ok = true
		}
	}
	if !ok {
		return phy, errors.Wrapf(ErrInvalidFrame, "unexpected m_type %d", h.MType)
	}

	if err := phy.UnmarshalBinary(b); err != nil {
		return phy, errors.Wrap(ErrInvalidFrame, err.Error())
	}
	return phy, nil
}

// JoinRequest is a decoded join-request.
type JoinRequest struct {
	JoinEUI  lorawan.EUI64
	DevEUI   lorawan.EUI64
	DevNonce uint16
	MIC      uint32
}

// DecodeJoinRequest decodes the given join-request PHYPayload.
func DecodeJoinRequest(b []byte) (JoinRequest, error) {
	var jr JoinRequest

	if len(b) != joinRequestSize {
		return jr, errors.Wrapf(ErrInvalidFrame, "join-request must be %d bytes, got %d", joinRequestSize, len(b))
	}

	phy, err := unmarshal(b, lorawan.JoinRequest)
	if err != nil {
		return jr, err
	}

	pl, ok := phy.MACPayload.(*lorawan.JoinRequestPayload)
	if !ok {
		return jr, errors.Wrapf(ErrInvalidFrame, "expected *lorawan.JoinRequestPayload, got %T", phy.MACPayload)
	}

	jr.JoinEUI = pl.JoinEUI
	jr.DevEUI = pl.DevEUI
	jr.DevNonce = uint16(pl.DevNonce)
	jr.MIC = binary.LittleEndian.Uint32(phy.MIC[:])

	return jr, nil
}

// DataUp is a decoded (un)confirmed data-up frame. FOpts and FRMPayload are
// returned as transmitted, thus possibly encrypted.
type DataUp struct {
	Confirmed  bool
	DevAddr    lorawan.DevAddr
	ADR        bool
	ADRAckReq  bool
	ACK        bool
	FCnt       uint16
	FOpts      []byte
	FPort      *uint8
	FRMPayload []byte
	MIC        uint32
}

// DecodeDataUp decodes the given data-up PHYPayload.
func DecodeDataUp(b []byte) (DataUp, error) {
	var d DataUp

	if len(b) < minDataUpSize {
		return d, errors.Wrapf(ErrInvalidFrame, "data-up must be at least %d bytes", minDataUpSize)
	}
	if fOptsLen := int(b[5] & 0x0f); len(b) < minDataUpSize+fOptsLen {
		return d, errors.Wrap(ErrInvalidFrame, "fopts exceed frame")
	}

	phy, err := unmarshal(b, lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp)
	if err != nil {
		return d, err
	}

	pl, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return d, errors.Wrapf(ErrInvalidFrame, "expected *lorawan.MACPayload, got %T", phy.MACPayload)
	}

	d.Confirmed = phy.MHDR.MType == lorawan.ConfirmedDataUp
	d.DevAddr = pl.FHDR.DevAddr
	d.ADR = pl.FHDR.FCtrl.ADR
	d.ADRAckReq = pl.FHDR.FCtrl.ADRACKReq
	d.ACK = pl.FHDR.FCtrl.ACK
	d.FCnt = uint16(pl.FHDR.FCnt)
	d.FPort = pl.FPort
	d.MIC = binary.LittleEndian.Uint32(phy.MIC[:])

	// FOpts and FRMPayload are kept as raw data payloads until decrypted
	if d.FOpts, err = payloadBytes(pl.FHDR.FOpts); err != nil {
		return d, errors.Wrap(ErrInvalidFrame, err.Error())
	}
	if d.FRMPayload, err = payloadBytes(pl.FRMPayload); err != nil {
		return d, errors.Wrap(ErrInvalidFrame, err.Error())
	}

	return d, nil
}

func payloadBytes(pls []lorawan.Payload) ([]byte, error) {
	var out []byte
	for _, pl := range pls {
		b, err := pl.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// JoinAccept holds the fields of a join-accept.
type JoinAccept struct {
	JoinNonce   uint32
	NetID       lorawan.NetID
	DevAddr     lorawan.DevAddr
	OptNeg      bool
	RX1DROffset uint8
	RX2DR       uint8
	RXDelay     uint8
	CFList      *lorawan.CFList
}

// Marshal returns MHDR | JoinNonce | NetID | DevAddr | DLSettings | RxDelay |
// CFList, in plain text and without MIC.
func (ja JoinAccept) Marshal() ([]byte, error) {
	return marshal(lorawan.JoinAccept, &lorawan.JoinAcceptPayload{
		JoinNonce: lorawan.JoinNonce(ja.JoinNonce),
		HomeNetID: ja.NetID,
		DevAddr:   ja.DevAddr,
		DLSettings: lorawan.DLSettings{
			OptNeg:      ja.OptNeg,
			RX1DROffset: ja.RX1DROffset,
			RX2DataRate: ja.RX2DR,
		},
		RXDelay: ja.RXDelay,
		CFList:  ja.CFList,
	})
}

// DataDown holds the fields of an (un)confirmed data-down frame.
type DataDown struct {
	Confirmed  bool
	DevAddr    lorawan.DevAddr
	ADR        bool
	ACK        bool
	FPending   bool
	FCnt       uint32
	FOpts      []byte
	FPort      *uint8
	FRMPayload []byte
}

// Marshal returns the frame without MIC. Only the 16 least significant bits
// of FCnt are transmitted.
func (d DataDown) Marshal() ([]byte, error) {
	if len(d.FOpts) > maxFOptsLen {
		return nil, errors.Errorf("max %d bytes FOpts, got %d", maxFOptsLen, len(d.FOpts))
	}
	if d.FPort == nil && len(d.FRMPayload) != 0 {
		return nil, errors.New("FRMPayload requires FPort")
	}

	t := lorawan.UnconfirmedDataDown
	if d.Confirmed {
		t = lorawan.ConfirmedDataDown
	}

	pl := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: d.DevAddr,
			FCtrl: lorawan.FCtrl{
				ADR:      d.ADR,
				ACK:      d.ACK,
				FPending: d.FPending,
			},
			FCnt: d.FCnt,
		},
		FPort: d.FPort,
	}
	if len(d.FOpts) != 0 {
		pl.FHDR.FOpts = []lorawan.Payload{&lorawan.DataPayload{Bytes: d.FOpts}}
	}
	if len(d.FRMPayload) != 0 {
		pl.FRMPayload = []lorawan.Payload{&lorawan.DataPayload{Bytes: d.FRMPayload}}
	}

	return marshal(t, &pl)
}

// marshal returns MHDR | MACPayload, the MIC is appended by the caller.
func marshal(t lorawan.MType, pl lorawan.Payload) ([]byte, error) {
	h, err := lorawan.MHDR{MType: t, Major: lorawan.LoRaWANR1}.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "marshal mhdr error")
	}

	b, err := pl.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload error")
	}

	return append(h, b...), nil
}
