package band

import (
	"testing"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int {
	return &i
}

// mask returns a LinkADRReq payload with the given ChMaskCntl and enabled
// ChMask bits.
func mask(cntl uint8, bits ...int) lorawan.LinkADRReqPayload {
	pl := lorawan.LinkADRReqPayload{
		Redundancy: lorawan.Redundancy{ChMaskCntl: cntl},
	}
	for _, b := range bits {
		pl.ChMask[b] = true
	}
	return pl
}

func TestRegistry(t *testing.T) {
	assert := require.New(t)
	r := DefaultRegistry()

	assert.Equal([]Name{AU915, EU868, US915}, r.Names())
	assert.True(r.Has(EU868))
	assert.False(r.Has("CN_470_510"))

	_, err := r.New("CN_470_510", Settings{})
	assert.Equal(ErrUnknownRegion, errors.Cause(err))

	_, err = NewRegistry(eu868(), eu868())
	assert.Error(err)

	_, err = r.New(EU868, Settings{RX1DROffset: intPtr(6)})
	assert.Equal(ErrInvalidSetting, errors.Cause(err))

	_, err = r.New(EU868, Settings{RX1Delay: intPtr(16)})
	assert.Equal(ErrInvalidSetting, errors.Cause(err))

	_, err = r.New(US915, Settings{RX2DR: intPtr(20)})
	assert.Equal(ErrInvalidSetting, errors.Cause(err))
}

func TestPlanInstances(t *testing.T) {
	assert := require.New(t)
	r := DefaultRegistry()

	a, err := r.New(US915, Settings{})
	assert.NoError(err)
	b, err := r.New(US915, Settings{})
	assert.NoError(err)

	// masking the channels of one device does not change the plan of
	// another device
	a.MaskAll()
	assert.Equal([]lorawan.LinkADRReqPayload{mask(5)}, a.ADRMask())
	assert.Equal([]lorawan.LinkADRReqPayload{mask(5, 0, 1, 2, 3, 4, 5, 6, 7)}, b.ADRMask())
}

func TestMaxADRRate(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name     Name
		expected int
	}{
		{EU868, 5},
		{US915, 3},
		{AU915, 5},
	}

	for _, tst := range tests {
		t.Run(string(tst.name), func(t *testing.T) {
			assert := require.New(t)
			b, err := r.New(tst.name, Settings{})
			assert.NoError(err)
			assert.Equal(tst.expected, b.MaxADRRate())
		})
	}
}

func TestExchangeParams(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name     string
		region   Name
		offset   int
		freq     uint32
		sf       int
		bw       int
		expected ExchangeParams
	}{
		{
			name:   "eu868 sf7",
			region: EU868,
			freq:   868100000,
			sf:     7,
			bw:     125000,
			expected: ExchangeParams{
				Up:  RadioParams{Freq: 868100000, Channel: 0, SF: 7, BW: 125000, Rate: 5},
				RX1: RadioParams{Freq: 868100000, Channel: 0, SF: 7, BW: 125000, Rate: 5},
				RX2: RadioParams{Freq: 869525000, SF: 12, BW: 125000, Rate: 0},
			},
		},
		{
			name:   "eu868 sf9 with rx1 offset",
			region: EU868,
			offset: 2,
			freq:   868500000,
			sf:     9,
			bw:     125000,
			expected: ExchangeParams{
				Up:  RadioParams{Freq: 868500000, Channel: 2, SF: 9, BW: 125000, Rate: 3},
				RX1: RadioParams{Freq: 868500000, Channel: 2, SF: 11, BW: 125000, Rate: 1},
				RX2: RadioParams{Freq: 869525000, SF: 12, BW: 125000, Rate: 0},
			},
		},
		{
			name:   "us915 sf10 channel 0",
			region: US915,
			freq:   902300000,
			sf:     10,
			bw:     125000,
			expected: ExchangeParams{
				Up:  RadioParams{Freq: 902300000, Channel: 0, SF: 10, BW: 125000, Rate: 0},
				RX1: RadioParams{Freq: 923300000, Channel: 0, SF: 10, BW: 500000, Rate: 10},
				RX2: RadioParams{Freq: 923300000, SF: 12, BW: 500000, Rate: 8},
			},
		},
		{
			name:   "us915 sf7 channel 9",
			region: US915,
			freq:   904100000,
			sf:     7,
			bw:     125000,
			expected: ExchangeParams{
				Up:  RadioParams{Freq: 904100000, Channel: 9, SF: 7, BW: 125000, Rate: 3},
				RX1: RadioParams{Freq: 923900000, Channel: 1, SF: 7, BW: 500000, Rate: 13},
				RX2: RadioParams{Freq: 923300000, SF: 12, BW: 500000, Rate: 8},
			},
		},
		{
			name:   "au915 sf12",
			region: AU915,
			freq:   915200000,
			sf:     12,
			bw:     125000,
			expected: ExchangeParams{
				Up:  RadioParams{Freq: 915200000, Channel: 0, SF: 12, BW: 125000, Rate: 0},
				RX1: RadioParams{Freq: 923300000, Channel: 0, SF: 12, BW: 500000, Rate: 8},
				RX2: RadioParams{Freq: 923300000, SF: 12, BW: 500000, Rate: 8},
			},
		},
	}

	for _, tst := range tests {
		t.Run(tst.name, func(t *testing.T) {
			assert := require.New(t)
			b, err := r.New(tst.region, Settings{RX1DROffset: intPtr(tst.offset)})
			assert.NoError(err)

			p, ok := b.ExchangeParams(tst.freq, tst.sf, tst.bw)
			assert.True(ok)
			assert.Equal(tst.expected, p)
		})
	}

	t.Run("invalid", func(t *testing.T) {
		assert := require.New(t)
		b, err := r.New(EU868, Settings{})
		assert.NoError(err)

		_, ok := b.ExchangeParams(100000000, 7, 125000)
		assert.False(ok)

		_, ok = b.ExchangeParams(868100000, 6, 125000)
		assert.False(ok)
	})
}

func TestRX1Delay(t *testing.T) {
	assert := require.New(t)
	r := DefaultRegistry()

	b, err := r.New(EU868, Settings{RX1Delay: intPtr(0)})
	assert.NoError(err)
	assert.Equal("1s", b.RX1Delay().String())
	assert.Equal("5s", b.JoinAcceptDelay().String())

	b, err = r.New(EU868, Settings{RX1Delay: intPtr(3)})
	assert.NoError(err)
	assert.Equal("3s", b.RX1Delay().String())
	assert.Equal(uint8(3), b.RX1DelaySetting())
}

func TestFixedChannelPlan(t *testing.T) {
	r := DefaultRegistry()

	t.Run("default", func(t *testing.T) {
		assert := require.New(t)
		b, err := r.New(EU868, Settings{})
		assert.NoError(err)

		assert.Equal([]lorawan.LinkADRReqPayload{mask(0, 0, 1, 2)}, b.ADRMask())

		cfList, err := b.CFList().MarshalBinary()
		assert.NoError(err)
		assert.Equal(make([]byte, 16), cfList)
	})

	t.Run("gateway channels", func(t *testing.T) {
		assert := require.New(t)
		b, err := r.New(EU868, Settings{GatewayChannels: []GatewayChannel{
			{Freq: 868100000},
			{Freq: 867100000, Rates: []int{5, 0, 3}},
			{Freq: 867300000},
			{Freq: 867500000},
			{Freq: 867700000},
			{Freq: 867900000},
		}})
		assert.NoError(err)

		ch, ok := b.ChannelByFreq(867100000)
		assert.True(ok)
		assert.Equal(Channel{Index: 3, Freq: 867100000, MinDR: 0, MaxDR: 5}, ch)

		cfList, err := b.CFList().MarshalBinary()
		assert.NoError(err)
		assert.Equal([]byte{
			0x18, 0x4f, 0x84,
			0xe8, 0x56, 0x84,
			0xb8, 0x5e, 0x84,
			0x88, 0x66, 0x84,
			0x58, 0x6e, 0x84,
			0x00,
		}, cfList)
		assert.Equal([]lorawan.LinkADRReqPayload{mask(0, 0, 1, 2, 3, 4, 5, 6, 7)}, b.ADRMask())

		_, ok = b.ExchangeParams(867900000, 12, 125000)
		assert.True(ok)
	})

	t.Run("add channel", func(t *testing.T) {
		assert := require.New(t)
		b, err := r.New(EU868, Settings{})
		assert.NoError(err)

		assert.Error(b.AddChannel(0, 0, 5))
		assert.Error(b.AddChannel(867100000, 5, 0))
		assert.NoError(b.AddChannel(867100000, 0, 5))

		ch, ok := b.ChannelByFreq(867100000)
		assert.True(ok)
		assert.Equal(3, ch.Index)

		_, ok = b.ExchangeParams(867100000, 7, 125000)
		assert.True(ok)

		for f := uint32(867300000); len(b.Channels()) < maxFixedChannels; f += 200000 {
			assert.NoError(b.AddChannel(f, 0, 5))
		}
		assert.Equal(ErrInvalidChannel, errors.Cause(b.AddChannel(869000000, 0, 5)))
	})
}

func TestHoppingChannelPlan(t *testing.T) {
	r := DefaultRegistry()

	t.Run("all enabled", func(t *testing.T) {
		assert := require.New(t)
		b, err := r.New(US915, Settings{})
		assert.NoError(err)

		assert.Len(b.Channels(), 72)
		assert.Equal([]lorawan.LinkADRReqPayload{mask(5, 0, 1, 2, 3, 4, 5, 6, 7)}, b.ADRMask())
		assert.Error(b.AddChannel(867100000, 0, 5))
	})

	t.Run("second sub-band", func(t *testing.T) {
		assert := require.New(t)

		var gwChannels []GatewayChannel
		for i := 0; i < 8; i++ {
			gwChannels = append(gwChannels, GatewayChannel{Freq: 903900000 + uint32(i)*200000})
		}
		gwChannels = append(gwChannels, GatewayChannel{Freq: 904600000})

		b, err := r.New(US915, Settings{GatewayChannels: gwChannels})
		assert.NoError(err)

		assert.Equal([]lorawan.LinkADRReqPayload{mask(5, 1)}, b.ADRMask())

		cfList, err := b.CFList().MarshalBinary()
		assert.NoError(err)
		assert.Equal([]byte{0x00, 0xff, 0, 0, 0, 0, 0, 0, 0x02, 0, 0, 0, 0, 0, 0, 0x01}, cfList)
	})

	t.Run("mixed bank", func(t *testing.T) {
		assert := require.New(t)
		b, err := r.New(AU915, Settings{GatewayChannels: []GatewayChannel{
			{Freq: 915200000},
			{Freq: 915400000},
		}})
		assert.NoError(err)

		assert.Equal([]lorawan.LinkADRReqPayload{
			mask(0, 0, 1),
			mask(1),
			mask(2),
			mask(3),
			mask(4),
		}, b.ADRMask())
	})

	t.Run("mask all", func(t *testing.T) {
		assert := require.New(t)
		b, err := r.New(US915, Settings{})
		assert.NoError(err)

		b.MaskAll()
		assert.Equal([]lorawan.LinkADRReqPayload{mask(5)}, b.ADRMask())
	})
}
