package mqtt

import (
	"context"
	"encoding/json"
	"testing"
	"text/template"
	"time"

	"github.com/brocaar/lorawan"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/flora-lorawan/flora-network-server/internal/backend"
	"github.com/flora-lorawan/flora-network-server/internal/device"
	"github.com/flora-lorawan/flora-network-server/internal/test"
)

type BackendTestSuite struct {
	suite.Suite

	backend    backend.Application
	mqttClient paho.Client
}

func (ts *BackendTestSuite) SetupSuite() {
	if test.MQTTServer() == "" {
		ts.T().Skip("TEST_MQTT_SERVER not set")
	}

	assert := require.New(ts.T())
	conf := test.Config()

	opts := paho.NewClientOptions().
		AddBroker(conf.Application.Backend.MQTT.Server).
		SetUsername(conf.Application.Backend.MQTT.Username).
		SetPassword(conf.Application.Backend.MQTT.Password)
	ts.mqttClient = paho.NewClient(opts)
	token := ts.mqttClient.Connect()
	token.Wait()
	assert.NoError(token.Error())

	var err error
	ts.backend, err = NewBackend(conf.Application.Backend.MQTT)
	assert.NoError(err)
}

func (ts *BackendTestSuite) TearDownSuite() {
	if ts.backend != nil {
		require.NoError(ts.T(), ts.backend.Close())
	}
}

func (ts *BackendTestSuite) TestPublish() {
	assert := require.New(ts.T())

	msgChan := make(chan paho.Message, 1)
	token := ts.mqttClient.Subscribe("application/+/event/+", 0, func(c paho.Client, msg paho.Message) {
		msgChan <- msg
	})
	token.Wait()
	assert.NoError(token.Error())

	fPort := uint8(10)
	ev := device.DataUpEvent{
		DevEUI:  lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		Data:    []byte{1, 2, 3},
		FPort:   &fPort,
		Counter: 12,
	}
	assert.NoError(ts.backend.Publish(context.Background(), ev))

	select {
	case msg := <-msgChan:
		assert.Equal("application/0102030405060708/event/up", msg.Topic())

		var out device.DataUpEvent
		assert.NoError(json.Unmarshal(msg.Payload(), &out))
		assert.Equal(ev.Data, out.Data)
		assert.EqualValues(12, out.Counter)
	case <-time.After(time.Second):
		ts.T().Fatal("timeout waiting for event")
	}
}

func TestBackend(t *testing.T) {
	suite.Run(t, new(BackendTestSuite))
}

func TestTopic(t *testing.T) {
	assert := require.New(t)

	b := Backend{
		eventTemplate: template.Must(template.New("event").Parse("application/{{ .DevEUI }}/event/{{ .EventType }}")),
	}

	tests := []struct {
		Event    device.Event
		Expected string
	}{
		{device.DeviceUpdateEvent{DevEUI: lorawan.EUI64{1}}, "application/0100000000000000/event/update"},
		{device.ActivationEvent{DevEUI: lorawan.EUI64{2}}, "application/0200000000000000/event/join"},
		{device.DataUpEvent{DevEUI: lorawan.EUI64{3}}, "application/0300000000000000/event/up"},
	}

	for _, tst := range tests {
		topic, err := b.topic(tst.Event)
		assert.NoError(err)
		assert.Equal(tst.Expected, topic)
	}
}
