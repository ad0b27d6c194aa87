package device

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/brocaar/lorawan"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/flora-lorawan/flora-network-server/internal/band"
	"github.com/flora-lorawan/flora-network-server/internal/storage"
	"github.com/flora-lorawan/flora-network-server/internal/test"
)

type ManagerTestSuite struct {
	suite.Suite

	manager *Manager
}

func (ts *ManagerTestSuite) SetupSuite() {
	assert := require.New(ts.T())
	assert.NoError(storage.Setup(test.Config()))
	ts.manager = NewManager(band.DefaultRegistry())
}

func (ts *ManagerTestSuite) SetupTest() {
	test.MustFlushRedis(storage.RedisClient())
}

func (ts *ManagerTestSuite) TestCreate() {
	ctx := context.Background()
	valid := CreateParams{
		DevEUI:  testDevEUI,
		DevAddr: testDevAddr,
		Region:  band.EU868,
		NwkKey:  testNwkKey[:],
	}

	tests := []struct {
		Name          string
		Params        func(p CreateParams) CreateParams
		ExpectedField string
	}{
		{
			Name: "dev_addr out of range",
			Params: func(p CreateParams) CreateParams {
				p.DevAddr = lorawan.DevAddr{0x02, 0x00, 0x00, 0x00}
				return p
			},
			ExpectedField: "dev_addr",
		},
		{
			Name: "unsupported minor",
			Params: func(p CreateParams) CreateParams {
				p.Minor = 2
				return p
			},
			ExpectedField: "minor",
		},
		{
			Name: "join_nonce out of range",
			Params: func(p CreateParams) CreateParams {
				p.JoinNonce = 1 << 24
				return p
			},
			ExpectedField: "join_nonce",
		},
		{
			Name: "missing nwk key",
			Params: func(p CreateParams) CreateParams {
				p.NwkKey = nil
				return p
			},
			ExpectedField: "nwk_key",
		},
		{
			Name: "short nwk key",
			Params: func(p CreateParams) CreateParams {
				p.NwkKey = []byte{1, 2, 3}
				return p
			},
			ExpectedField: "nwk_key",
		},
		{
			Name: "invalid app key",
			Params: func(p CreateParams) CreateParams {
				p.Minor = 1
				p.AppKey = []byte{1, 2, 3}
				return p
			},
			ExpectedField: "app_key",
		},
		{
			Name: "dev_addr out of range",
			Export: `{"version": 0, "fields": {"record": {
				"dev_eui": "0102030405060708", "dev_addr": "02000000", "minor": 0,
				"join_nonce": 0, "region": "EU_863_870",
				"keys": {"nwk": "0102030405060708090a0b0c0d0e0f10"}
			}}}`,
			ExpectedField: "dev_addr",
		},
		{
			Name: "unknown region",
			Params: func(p CreateParams) CreateParams {
				p.Region = "XX_000"
				return p
			},
			ExpectedField: "region",
		},
		{
			Name: "invalid rx2 data-rate",
			Params: func(p CreateParams) CreateParams {
				dr := 15
				p.RX2DR = &dr
				return p
			},
			ExpectedField: "region",
		},
	}

	for _, tst := range tests {
		ts.T().Run(tst.Name, func(t *testing.T) {
			assert := require.New(t)

			_, err := ts.manager.Create(ctx, tst.Params(valid))
			verr, ok := err.(*ValidationError)
			assert.True(ok, "expected *ValidationError, got %v", err)
			assert.Equal(tst.ExpectedField, verr.Field)
		})
	}

	ts.T().Run("Valid", func(t *testing.T) {
		assert := require.New(t)

		d, err := ts.manager.Create(ctx, valid)
		assert.NoError(err)
		assert.False(d.Joined())
		assert.Equal(testNwkKey, *d.Keys.Nwk)

		// the AppKey is ignored for LoRaWAN 1.0 devices
		p := valid
		p.DevEUI = lorawan.EUI64{2}
		p.DevAddr = lorawan.DevAddr{0, 0, 0, 2}
		p.AppKey = testNwkKey[:]
		d, err = ts.manager.Create(ctx, p)
		assert.NoError(err)
		assert.Nil(d.Keys.App)

		d, err = ts.manager.LookupByAddr(ctx, testDevAddr)
		assert.NoError(err)
		assert.Equal(testDevEUI, d.DevEUI)
	})

	ts.T().Run("Duplicate", func(t *testing.T) {
		assert := require.New(t)

		_, err := ts.manager.Create(ctx, valid)
		assert.Equal(storage.ErrAlreadyExists, err)
	})
}

func (ts *ManagerTestSuite) TestExportRestore() {
	ctx := context.Background()
	assert := require.New(ts.T())

	devNonce := uint16(3)
	upCounter := uint32(100)
	joinEUI := testJoinEUI
	key := lorawan.AES128Key{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1}

	d := storage.Device{
		DevEUI:           testDevEUI,
		DevAddr:          testDevAddr,
		Region:           band.EU868,
		JoinNonce:        4,
		JoinEUI:          &joinEUI,
		DevNonce:         &devNonce,
		UpCounter:        &upCounter,
		JoinRequestFrame: []byte{1, 2, 3},
		DataUpFrame:      []byte{4, 5, 6},
	}
	d.Keys.Nwk = &testNwkKey
	d.Keys.FNwkSInt = &key
	d.Keys.SNwkSInt = &key
	d.Keys.NwkSEnc = &key
	d.Keys.JSEnc = &key
	d.Keys.JSInt = &key
	d.Keys.AppS = &key
	assert.NoError(storage.RestoreDevice(ctx, d, 10, 20))

	exp, err := ts.manager.Export(ctx, testDevEUI)
	assert.NoError(err)
	assert.Equal(ExportVersion, exp.Version)
	assert.EqualValues(10, exp.Fields.NwkCounter)
	assert.EqualValues(20, exp.Fields.AppCounter)
	assert.Nil(exp.Fields.Record.JoinRequestFrame)
	assert.Nil(exp.Fields.Record.DataUpFrame)

	b, err := json.Marshal(exp)
	assert.NoError(err)

	ts.T().Run("Restore", func(t *testing.T) {
		assert := require.New(t)
		assert.NoError(ts.manager.Destroy(ctx, testDevEUI))

		_, err := ts.manager.LookupByEUI(ctx, testDevEUI)
		assert.Equal(storage.ErrDoesNotExist, err)

		restored, err := ts.manager.Restore(ctx, b)
		assert.NoError(err)
		assert.True(restored.Joined())
		assert.EqualValues(100, *restored.UpCounter)
		assert.Equal(key, *restored.Keys.AppS)

		nwk, app, err := storage.GetCounters(ctx, testDevEUI)
		assert.NoError(err)
		assert.EqualValues(10, nwk)
		assert.EqualValues(20, app)
	})

	ts.T().Run("Restore with new DevAddr", func(t *testing.T) {
		assert := require.New(t)

		e := exp
		e.Fields.Record.DevAddr = lorawan.DevAddr{0, 0, 0, 9}
		b, err := json.Marshal(e)
		assert.NoError(err)

		_, err = ts.manager.Restore(ctx, b)
		assert.NoError(err)

		_, err = ts.manager.LookupByAddr(ctx, testDevAddr)
		assert.Equal(storage.ErrDoesNotExist, err)
		d, err := ts.manager.LookupByAddr(ctx, lorawan.DevAddr{0, 0, 0, 9})
		assert.NoError(err)
		assert.Equal(testDevEUI, d.DevEUI)
	})

	ts.T().Run("Unjoined record", func(t *testing.T) {
		assert := require.New(t)

		e := exp
		e.Fields.Record.JoinEUI = nil
		b, err := json.Marshal(e)
		assert.NoError(err)

		restored, err := ts.manager.Restore(ctx, b)
		assert.NoError(err)
		assert.False(restored.Joined())
		assert.Nil(restored.DevNonce)
		assert.Nil(restored.UpCounter)
		assert.Nil(restored.Keys.AppS)
		assert.Nil(restored.Keys.FNwkSInt)
		assert.Equal(testNwkKey, *restored.Keys.Nwk)
	})
}

func (ts *ManagerTestSuite) TestRestoreErrors() {
	ctx := context.Background()

	tests := []struct {
		Name          string
		Export        string
		ExpectedField string
	}{
		{
			Name:          "invalid json",
			Export:        `{`,
			ExpectedField: "",
		},
		{
			Name:          "missing version",
			Export:        `{"fields": {}}`,
			ExpectedField: "version",
		},
		{
			Name:          "unknown version",
			Export:        `{"version": 1, "fields": {}}`,
			ExpectedField: "version",
		},
		{
			Name:          "missing record",
			Export:        `{"version": 0, "fields": {}}`,
			ExpectedField: "record",
		},
		{
			Name:          "missing dev_eui",
			Export:        `{"version": 0, "fields": {"record": {"dev_addr": "01020304"}}}`,
			ExpectedField: "dev_eui",
		},
		{
			Name: "missing nwk key",
			Export: `{"version": 0, "fields": {"record": {
				"dev_eui": "0102030405060708", "dev_addr": "01020304", "minor": 0,
				"join_nonce": 0, "region": "EU_863_870", "keys": {}
			}}}`,
			ExpectedField: "keys.nwk",
		},
		{
			Name: "joined without session keys",
			Export: `{"version": 0, "fields": {"record": {
				"dev_eui": "0102030405060708", "dev_addr": "01020304", "minor": 0,
				"join_nonce": 1, "region": "EU_863_870", "join_eui": "0807060504030201",
				"keys": {"nwk": "0102030405060708090a0b0c0d0e0f10"}
			}}}`,
			ExpectedField: "keys.fnwksint",
		},
		{
			Name: "dev_addr out of range",
			Export: `{"version": 0, "fields": {"record": {
				"dev_eui": "0102030405060708", "dev_addr": "02000000", "minor": 0,
				"join_nonce": 0, "region": "EU_863_870",
				"keys": {"nwk": "0102030405060708090a0b0c0d0e0f10"}
			}}}`,
			ExpectedField: "dev_addr",
		},
		{
			Name: "unknown region",
			Export: `{"version": 0, "fields": {"record": {
				"dev_eui": "0102030405060708", "dev_addr": "01020304", "minor": 0,
				"join_nonce": 0, "region": "XX_000",
				"keys": {"nwk": "0102030405060708090a0b0c0d0e0f10"}
			}}}`,
			ExpectedField: "region",
		},
	}

	for _, tst := range tests {
		ts.T().Run(tst.Name, func(t *testing.T) {
			assert := require.New(t)

			_, err := ts.manager.Restore(ctx, []byte(tst.Export))
			rerr, ok := err.(*RestoreError)
			assert.True(ok, "expected *RestoreError, got %v", err)
			assert.Equal(tst.ExpectedField, rerr.Field)
		})
	}
}

func (ts *ManagerTestSuite) TestRestoreDevAddrInUse() {
	ctx := context.Background()
	assert := require.New(ts.T())

	_, err := ts.manager.Create(ctx, CreateParams{
		DevEUI:  lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1},
		DevAddr: testDevAddr,
		Region:  band.EU868,
		NwkKey:  testNwkKey[:],
	})
	assert.NoError(err)

	export := `{"version": 0, "fields": {"record": {
		"dev_eui": "0102030405060708", "dev_addr": "01020304", "minor": 0,
		"join_nonce": 0, "region": "EU_863_870",
		"keys": {"nwk": "0102030405060708090a0b0c0d0e0f10"}
	}}}`

	_, err = ts.manager.Restore(ctx, []byte(export))
	rerr, ok := err.(*RestoreError)
	assert.True(ok, "expected *RestoreError, got %v", err)
	assert.Equal("dev_addr", rerr.Field)

	_, err = ts.manager.LookupByEUI(ctx, testDevEUI)
	assert.Equal(storage.ErrDoesNotExist, err)

	d, err := ts.manager.LookupByAddr(ctx, testDevAddr)
	assert.NoError(err)
	assert.Equal(lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}, d.DevEUI)
}

func TestManager(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
