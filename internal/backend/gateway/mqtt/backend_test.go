package mqtt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/brocaar/lorawan"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/flora-lorawan/flora-network-server/internal/backend"
	"github.com/flora-lorawan/flora-network-server/internal/band"
	"github.com/flora-lorawan/flora-network-server/internal/device"
	"github.com/flora-lorawan/flora-network-server/internal/storage"
	"github.com/flora-lorawan/flora-network-server/internal/test"
)

type BackendTestSuite struct {
	suite.Suite

	backend    backend.Gateway
	mqttClient paho.Client
}

func (ts *BackendTestSuite) SetupSuite() {
	if test.MQTTServer() == "" {
		ts.T().Skip("TEST_MQTT_SERVER not set")
	}

	assert := require.New(ts.T())

	conf := test.Config()
	assert.NoError(storage.Setup(conf))

	opts := paho.NewClientOptions().
		AddBroker(conf.NetworkServer.Gateway.Backend.MQTT.Server).
		SetUsername(conf.NetworkServer.Gateway.Backend.MQTT.Username).
		SetPassword(conf.NetworkServer.Gateway.Backend.MQTT.Password)
	ts.mqttClient = paho.NewClient(opts)
	token := ts.mqttClient.Connect()
	token.Wait()
	assert.NoError(token.Error())

	var err error
	ts.backend, err = NewBackend(conf.NetworkServer.Gateway.Backend.MQTT)
	assert.NoError(err)

	// give the backend some time to subscribe to the topic
	time.Sleep(100 * time.Millisecond)
}

func (ts *BackendTestSuite) TearDownSuite() {
	if ts.backend != nil {
		require.NoError(ts.T(), ts.backend.Close())
	}
}

func (ts *BackendTestSuite) SetupTest() {
	test.MustFlushRedis(storage.RedisClient())
}

func (ts *BackendTestSuite) TestUplinkFrame() {
	assert := require.New(ts.T())

	uplinkFrame := UplinkFrame{
		PHYPayload: []byte{1, 2, 3, 4},
		TXInfo: UplinkTXInfo{
			Frequency:       868100000,
			SpreadingFactor: 7,
			Bandwidth:       125,
		},
		RXInfo: UplinkRXInfo{
			GatewayID: lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
			RSSI:      -60,
			LoRaSNR:   5.5,
			Context:   json.RawMessage(`{"timestamp":1234}`),
		},
	}
	b, err := json.Marshal(uplinkFrame)
	assert.NoError(err)

	token := ts.mqttClient.Publish("gateway/0102030405060708/event/up", 0, false, b)
	token.Wait()
	assert.NoError(token.Error())

	select {
	case ev := <-ts.backend.UplinkChan():
		assert.Equal(uplinkFrame.RXInfo.GatewayID, ev.GatewayID)
		assert.Equal([]byte{1, 2, 3, 4}, ev.Data)
		assert.EqualValues(868100000, ev.Freq)
		assert.Equal(125000, ev.BW)
		assert.Equal(-60, ev.RSSI)
		assert.Equal(5.5, ev.SNR)
		assert.JSONEq(`{"timestamp":1234}`, string(ev.GatewayParams))
	case <-time.After(time.Second):
		ts.T().Fatal("timeout waiting for uplink")
	}

	ts.T().Run("Locked duplicate", func(t *testing.T) {
		token := ts.mqttClient.Publish("gateway/0102030405060708/event/up", 0, false, b)
		token.Wait()
		require.NoError(t, token.Error())

		select {
		case <-ts.backend.UplinkChan():
			t.Fatal("duplicate uplink must be ignored")
		case <-time.After(200 * time.Millisecond):
		}
	})
}

func (ts *BackendTestSuite) TestSendDownlink() {
	assert := require.New(ts.T())

	downChan := make(chan DownlinkFrame, 1)
	token := ts.mqttClient.Subscribe("gateway/+/command/down", 0, func(c paho.Client, msg paho.Message) {
		var df DownlinkFrame
		if err := json.Unmarshal(msg.Payload(), &df); err != nil {
			panic(err)
		}
		downChan <- df
	})
	token.Wait()
	assert.NoError(token.Error())
	defer ts.mqttClient.Unsubscribe("gateway/+/command/down").Wait()

	cmd := device.DownlinkCommand{
		GatewayID: lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		Data:      []byte{1, 2, 3},
		DevEUI:    lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1},
		RXDelay:   time.Second,
	}
	assert.NoError(ts.backend.SendDownlink(cmd))

	select {
	case df := <-downChan:
		assert.Equal(cmd.GatewayID, df.GatewayID)
		assert.Equal(cmd.Data, df.PHYPayload)
		assert.Len(df.Items, 2)
	case <-time.After(time.Second):
		ts.T().Fatal("timeout waiting for downlink")
	}
}

func TestBackend(t *testing.T) {
	suite.Run(t, new(BackendTestSuite))
}

func TestUplinkEvent(t *testing.T) {
	rxTime := time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		Name          string
		Frame         UplinkFrame
		Expected      device.UplinkEvent
		ExpectedError bool
	}{
		{
			Name: "valid frame",
			Frame: UplinkFrame{
				PHYPayload: []byte{1, 2, 3},
				TXInfo: UplinkTXInfo{
					Frequency:       868300000,
					SpreadingFactor: 12,
					Bandwidth:       125,
				},
				RXInfo: UplinkRXInfo{
					GatewayID: lorawan.EUI64{1},
					Time:      &rxTime,
					RSSI:      -100,
					LoRaSNR:   -3,
					Channels:  []band.GatewayChannel{{Freq: 867100000}},
				},
			},
			Expected: device.UplinkEvent{
				RXTime:          rxTime,
				Freq:            868300000,
				SF:              12,
				BW:              125000,
				Data:            []byte{1, 2, 3},
				RSSI:            -100,
				SNR:             -3,
				GatewayID:       lorawan.EUI64{1},
				GatewayChannels: []band.GatewayChannel{{Freq: 867100000}},
			},
		},
		{
			Name:          "empty payload",
			Frame:         UplinkFrame{},
			ExpectedError: true,
		},
	}

	for _, tst := range tests {
		t.Run(tst.Name, func(t *testing.T) {
			assert := require.New(t)

			ev, err := tst.Frame.uplinkEvent()
			if tst.ExpectedError {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			assert.Equal(tst.Expected, ev)
		})
	}
}

func TestNewDownlinkFrame(t *testing.T) {
	assert := require.New(t)

	cmd := device.DownlinkCommand{
		GatewayID:     lorawan.EUI64{1},
		GatewayParams: json.RawMessage(`{"timestamp":1}`),
		Data:          []byte{4, 5, 6},
		DevEUI:        lorawan.EUI64{2},
		RXDelay:       5 * time.Second,
		RXParams: band.ExchangeParams{
			RX1: band.RadioParams{Freq: 868100000, SF: 7, BW: 125000},
			RX2: band.RadioParams{Freq: 869525000, SF: 12, BW: 125000},
		},
	}

	assert.Equal(DownlinkFrame{
		PHYPayload: []byte{4, 5, 6},
		GatewayID:  lorawan.EUI64{1},
		DevEUI:     lorawan.EUI64{2},
		Items: []DownlinkFrameItem{
			{Frequency: 868100000, SpreadingFactor: 7, Bandwidth: 125, Delay: 5, Context: cmd.GatewayParams},
			{Frequency: 869525000, SpreadingFactor: 12, Bandwidth: 125, Delay: 6, Context: cmd.GatewayParams},
		},
	}, newDownlinkFrame(cmd))
}
