package maccommand

import (
	"testing"
	"time"

	"github.com/brocaar/lorawan"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncode(t *testing.T) {
	tests := []struct {
		name     string
		uplink   bool
		bytes    []byte
		expected []Command
	}{
		{
			name:   "uplink answers",
			uplink: true,
			bytes:  []byte{0x02, 0x03, 0x07, 0x06, 0xfe, 0x3e, 0x0d, 0x0b, 0x01},
			expected: []Command{
				LinkCheckReq{},
				LinkADRAns{LinkADRAnsPayload: lorawan.LinkADRAnsPayload{PowerACK: true, DataRateACK: true, ChannelMaskACK: true}},
				DevStatusAns{DevStatusAnsPayload: lorawan.DevStatusAnsPayload{Battery: 254, Margin: -2}},
				DeviceTimeReq{},
				RekeyInd{RekeyIndPayload: lorawan.RekeyIndPayload{DevLoRaWANVersion: lorawan.Version{Minor: 1}}},
			},
		},
		{
			name:   "more uplink answers",
			uplink: true,
			bytes:  []byte{0x01, 0x01, 0x04, 0x05, 0x05, 0x07, 0x02, 0x08, 0x09, 0x0a, 0x03, 0x0c, 0x0f, 0x01},
			expected: []Command{
				ResetInd{ResetIndPayload: lorawan.ResetIndPayload{DevLoRaWANVersion: lorawan.Version{Minor: 1}}},
				DutyCycleAns{},
				RXParamSetupAns{RXParamSetupAnsPayload: lorawan.RXParamSetupAnsPayload{RX1DROffsetACK: true, ChannelACK: true}},
				NewChannelAns{NewChannelAnsPayload: lorawan.NewChannelAnsPayload{DataRateRangeOK: true}},
				RXTimingSetupAns{},
				TXParamSetupAns{},
				DlChannelAns{DLChannelAnsPayload: lorawan.DLChannelAnsPayload{UplinkFrequencyExists: true, ChannelFrequencyOK: true}},
				ADRParamSetupAns{},
				RejoinParamSetupAns{RejoinParamSetupAnsPayload: lorawan.RejoinParamSetupAnsPayload{TimeOK: true}},
			},
		},
		{
			name:   "downlink requests",
			uplink: false,
			bytes: []byte{
				0x03, 0x53, 0xff, 0x00, 0x51,
				0x05, 0x28, 0x18, 0x4f, 0x84,
				0x07, 0x03, 0x18, 0x4f, 0x84, 0x50,
				0x0d, 0x01, 0x02, 0x03, 0x04, 0x80,
			},
			expected: []Command{
				LinkADRReq{LinkADRReqPayload: lorawan.LinkADRReqPayload{
					DataRate:   5,
					TXPower:    3,
					ChMask:     lorawan.ChMask{true, true, true, true, true, true, true, true},
					Redundancy: lorawan.Redundancy{ChMaskCntl: 5, NbRep: 1},
				}},
				RXParamSetupReq{RXParamSetupReqPayload: lorawan.RXParamSetupReqPayload{
					Frequency:  867100000,
					DLSettings: lorawan.DLSettings{RX1DROffset: 2, RX2DataRate: 8},
				}},
				NewChannelReq{NewChannelReqPayload: lorawan.NewChannelReqPayload{ChIndex: 3, Freq: 867100000, MaxDR: 5, MinDR: 0}},
				NewDeviceTimeAns(0x04030201, 128),
			},
		},
		{
			name:   "more downlink requests",
			uplink: false,
			bytes: []byte{
				0x01, 0x01,
				0x02, 0x14, 0x02,
				0x04, 0x07,
				0x06,
				0x08, 0x03,
				0x0a, 0x04, 0x18, 0x4f, 0x84,
				0x0b, 0x01,
				0x0c, 0x65,
				0x0e, 0x23, 0x1d,
				0x0f, 0x94,
			},
			expected: []Command{
				NewResetConf(1),
				LinkCheckAns{LinkCheckAnsPayload: lorawan.LinkCheckAnsPayload{Margin: 20, GwCnt: 2}},
				DutyCycleReq{DutyCycleReqPayload: lorawan.DutyCycleReqPayload{MaxDCycle: 7}},
				DevStatusReq{},
				RXTimingSetupReq{RXTimingSetupReqPayload: lorawan.RXTimingSetupReqPayload{Delay: 3}},
				DlChannelReq{DLChannelReqPayload: lorawan.DLChannelReqPayload{ChIndex: 4, Freq: 867100000}},
				NewRekeyConf(1),
				ADRParamSetupReq{ADRParamSetupReqPayload: lorawan.ADRParamSetupReqPayload{
					ADRParam: lorawan.ADRParam{LimitExp: 6, DelayExp: 5},
				}},
				ForceRejoinReq{ForceRejoinReqPayload: lorawan.ForceRejoinReqPayload{Period: 3, MaxRetries: 5, RejoinType: 2, DR: 3}},
				RejoinParamSetupReq{RejoinParamSetupReqPayload: lorawan.RejoinParamSetupReqPayload{MaxTimeN: 9, MaxCountN: 4}},
			},
		},
	}

	for _, tst := range tests {
		t.Run(tst.name, func(t *testing.T) {
			assert := require.New(t)

			cmds := Decode(tst.uplink, tst.bytes)
			assert.Equal(tst.expected, cmds)

			b, err := Encode(nil, cmds...)
			assert.NoError(err)
			assert.Equal(tst.bytes, b)
			assert.Equal(len(tst.bytes), Size(cmds...))

			for _, c := range cmds {
				assert.Equal(tst.uplink, c.Uplink())
				assert.Equal(c.CID(), c.MACCommand().CID)
			}
		})
	}
}

func TestTXParamSetupReq(t *testing.T) {
	assert := require.New(t)

	cmds := Decode(false, []byte{0x09, 0x3a})
	assert.Len(cmds, 1)

	req, ok := cmds[0].(TXParamSetupReq)
	assert.True(ok)
	assert.Equal(lorawan.DwellTime400ms, req.DownlinkDwelltime)
	assert.Equal(lorawan.DwellTime400ms, req.UplinkDwellTime)
	assert.Equal(2, Size(cmds...))
}

func TestDeviceTimeAns(t *testing.T) {
	assert := require.New(t)

	ans := NewDeviceTimeAns(10, 64)
	assert.Equal(10*time.Second+250*time.Millisecond, ans.TimeSinceGPSEpoch)

	b, err := Encode(nil, ans)
	assert.NoError(err)
	assert.Equal([]byte{0x0d, 0x0a, 0x00, 0x00, 0x00, 0x40}, b)
}

func TestDecodeStops(t *testing.T) {
	t.Run("unknown cid", func(t *testing.T) {
		assert := require.New(t)
		cmds := Decode(true, []byte{0x02, 0x80, 0x02})
		assert.Equal([]Command{LinkCheckReq{}}, cmds)
	})

	t.Run("truncated", func(t *testing.T) {
		assert := require.New(t)
		cmds := Decode(true, []byte{0x02, 0x06, 0xfe})
		assert.Equal([]Command{LinkCheckReq{}}, cmds)
	})

	t.Run("direction", func(t *testing.T) {
		assert := require.New(t)

		// ForceRejoinReq only exists in the downlink direction
		assert.Len(Decode(true, []byte{0x0e, 0x00, 0x00}), 0)
		assert.Len(Decode(false, []byte{0x0e, 0x00, 0x00}), 1)

		// DevStatus is a request downlink and an answer uplink
		assert.Equal([]Command{DevStatusReq{}}, Decode(false, []byte{0x06}))
		assert.Len(Decode(true, []byte{0x06}), 0)
	})

	t.Run("empty", func(t *testing.T) {
		assert := require.New(t)
		assert.Nil(Decode(false, nil))
	})
}

func TestName(t *testing.T) {
	assert := require.New(t)
	assert.Equal("LinkADRReq", Name(LinkADRReq{}))
	assert.Equal("LinkADRAns", Name(LinkADRAns{}))
	assert.Equal("DeviceTimeAns", Name(DeviceTimeAns{}))
}
