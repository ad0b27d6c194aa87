package security

import (
	"testing"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func testKey() *lorawan.AES128Key {
	return &lorawan.AES128Key{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
}

func TestMIC(t *testing.T) {
	// join-request: MHDR | JoinEUI | DevEUI | DevNonce
	joinRequest := []byte{0x00, 0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, 0x18, 0x17, 0x16, 0x15, 0x14, 0x13, 0x12, 0x11, 0x02, 0x01}

	t.Run("known join-request", func(t *testing.T) {
		assert := require.New(t)
		m := New(&KeySet{Nwk: testKey()})

		mic, err := m.MIC(NwkKey, joinRequest)
		assert.NoError(err)
		assert.Equal(uint32(0x1b6c25d5), mic)
	})

	t.Run("RFC4493 example 2", func(t *testing.T) {
		assert := require.New(t)
		key := lorawan.AES128Key{0x2b, 0x7e, 0x15, 0x16, 0x28, 0xae, 0xd2, 0xa6, 0xab, 0xf7, 0x15, 0x88, 0x09, 0xcf, 0x4f, 0x3c}
		m := New(&KeySet{Nwk: &key})

		mic, err := m.MIC(NwkKey, []byte{0x6b, 0xc1, 0xbe, 0xe2, 0x2e, 0x40, 0x9f, 0x96, 0xe9, 0x3d, 0x7e, 0x11, 0x73, 0x93, 0x17, 0x2a})
		assert.NoError(err)
		assert.Equal(uint32(0xb4160a07), mic)
	})

	t.Run("blocks are concatenated", func(t *testing.T) {
		assert := require.New(t)
		m := New(&KeySet{Nwk: testKey()})

		a, err := m.MIC(NwkKey, joinRequest)
		assert.NoError(err)
		b, err := m.MIC(NwkKey, joinRequest[:7], joinRequest[7:])
		assert.NoError(err)
		assert.Equal(a, b)
	})

	t.Run("deterministic and bit sensitive", func(t *testing.T) {
		assert := require.New(t)
		m := New(&KeySet{Nwk: testKey()})

		ref, err := m.MIC(NwkKey, joinRequest)
		assert.NoError(err)

		for i := range joinRequest {
			for bit := 0; bit < 8; bit++ {
				data := make([]byte, len(joinRequest))
				copy(data, joinRequest)
				data[i] ^= 1 << uint(bit)

				mic, err := m.MIC(NwkKey, data)
				assert.NoError(err)
				assert.NotEqual(ref, mic, "byte %d bit %d", i, bit)
			}
		}

		again, err := m.MIC(NwkKey, joinRequest)
		assert.NoError(err)
		assert.Equal(ref, again)
	})

	t.Run("unknown key", func(t *testing.T) {
		assert := require.New(t)
		m := New(&KeySet{Nwk: testKey()})

		_, err := m.MIC(SNwkSIntKey, joinRequest)
		assert.Equal(ErrUnknownKey, errors.Cause(err))
	})
}

func TestCTR(t *testing.T) {
	assert := require.New(t)
	m := New(&KeySet{AppS: testKey()})
	iv := UplinkA(lorawan.DevAddr{1, 2, 3, 4}, 10, 1)

	t.Run("empty data does not need a key", func(t *testing.T) {
		out, err := New(&KeySet{}).CTR(AppSKey, iv, nil)
		assert.NoError(err)
		assert.Len(out, 0)
	})

	plain := []byte("hello world, this is longer than a single block")
	enc, err := m.CTR(AppSKey, iv, plain)
	assert.NoError(err)
	assert.Len(enc, len(plain))
	assert.NotEqual(plain, enc)

	dec, err := m.CTR(AppSKey, iv, enc)
	assert.NoError(err)
	assert.Equal(plain, dec)
}

func TestECB(t *testing.T) {
	assert := require.New(t)
	m := New(&KeySet{Nwk: testKey()})

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32}
	enc, err := m.ECBEncrypt(NwkKey, data)
	assert.NoError(err)
	dec, err := m.ECBDecrypt(NwkKey, enc)
	assert.NoError(err)
	assert.Equal(data, dec)

	_, err = m.ECBDecrypt(NwkKey, data[:15])
	assert.Equal(ErrBlockSize, err)
}

func TestDeriveKeys(t *testing.T) {
	assert := require.New(t)
	ks := KeySet{Nwk: testKey()}
	m := New(&ks)

	assert.NoError(m.DeriveKeys(0x010203, lorawan.NetID{0, 0, 1}, 0x0102))

	nwkS := lorawan.AES128Key{0x4f, 0xed, 0x50, 0x20, 0x58, 0x90, 0x07, 0xe1, 0xdd, 0x8f, 0xac, 0xf2, 0xd7, 0xc3, 0xa7, 0x9d}
	appS := lorawan.AES128Key{0xa5, 0x29, 0x53, 0x06, 0x1b, 0xd6, 0x58, 0xd9, 0xc8, 0x41, 0xdf, 0xba, 0x49, 0x88, 0xff, 0xea}

	assert.Equal(appS, *ks.AppS)
	for _, k := range []*lorawan.AES128Key{ks.FNwkSInt, ks.SNwkSInt, ks.NwkSEnc, ks.JSEnc, ks.JSInt} {
		assert.Equal(nwkS, *k)
	}
}

func TestDeriveKeys2(t *testing.T) {
	joinEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	devEUI := lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}

	t.Run("with AppKey", func(t *testing.T) {
		assert := require.New(t)
		app := lorawan.AES128Key{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
		ks := KeySet{Nwk: testKey(), App: &app}

		assert.NoError(New(&ks).DeriveKeys2(1, joinEUI, 2, devEUI))

		keys := []*lorawan.AES128Key{ks.FNwkSInt, ks.SNwkSInt, ks.NwkSEnc, ks.JSEnc, ks.JSInt, ks.AppS}
		for i := range keys {
			assert.NotNil(keys[i])
			for j := i + 1; j < len(keys); j++ {
				assert.NotEqual(*keys[i], *keys[j])
			}
		}
		assert.Equal(app, *ks.App)
	})

	t.Run("without AppKey", func(t *testing.T) {
		assert := require.New(t)
		ks := KeySet{Nwk: testKey()}

		assert.NoError(New(&ks).DeriveKeys2(1, joinEUI, 2, devEUI))
		assert.Nil(ks.AppS)
		assert.NotNil(ks.FNwkSInt)
	})
}
