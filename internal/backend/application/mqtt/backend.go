// Package mqtt implements a MQTT application backend.
package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"text/template"
	"time"

	"github.com/brocaar/lorawan"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flora-lorawan/flora-network-server/internal/backend"
	"github.com/flora-lorawan/flora-network-server/internal/config"
	"github.com/flora-lorawan/flora-network-server/internal/device"
	"github.com/flora-lorawan/flora-network-server/internal/logging"
	"github.com/flora-lorawan/flora-network-server/internal/tls"
)

// Backend publishes the device events to a MQTT broker.
type Backend struct {
	config        config.MQTTBackend
	conn          paho.Client
	eventTemplate *template.Template
}

// NewBackend creates a new Backend.
func NewBackend(c config.MQTTBackend) (backend.Application, error) {
	var err error
	b := Backend{
		config: c,
	}

	b.eventTemplate, err = template.New("event").Parse(b.config.EventTopicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "application/mqtt: parse event template error")
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(b.config.Server)
	opts.SetUsername(b.config.Username)
	opts.SetPassword(b.config.Password)
	opts.SetCleanSession(b.config.CleanSession)
	opts.SetClientID(b.config.ClientID)
	opts.SetOnConnectHandler(b.onConnected)
	opts.SetConnectionLostHandler(b.onConnectionLost)

	tlsconfig, err := tls.ClientConfig(b.config.CACert, b.config.TLSCert, b.config.TLSKey)
	if err != nil {
		return nil, errors.Wrap(err, "application/mqtt: load mqtt certificate files error")
	}
	if tlsconfig != nil {
		opts.SetTLSConfig(tlsconfig)
	}

	log.WithField("server", b.config.Server).Info("application/mqtt: connecting to mqtt broker")
	b.conn = paho.NewClient(opts)
	for {
		if token := b.conn.Connect(); token.Wait() && token.Error() != nil {
			log.Errorf("application/mqtt: connecting to mqtt broker failed, will retry in 2s: %s", token.Error())
			time.Sleep(2 * time.Second)
		} else {
			break
		}
	}

	return &b, nil
}

// Close closes the backend.
func (b *Backend) Close() error {
	log.Info("application/mqtt: closing backend")
	b.conn.Disconnect(250)
	return nil
}

// Publish publishes the given event.
func (b *Backend) Publish(ctx context.Context, ev device.Event) error {
	topic, err := b.topic(ev)
	if err != nil {
		return err
	}

	bb, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "application/mqtt: marshal event error")
	}

	log.WithFields(log.Fields{
		"topic":  topic,
		"qos":    b.config.QOS,
		"ctx_id": ctx.Value(logging.ContextIDKey),
	}).Info("application/mqtt: publishing event")

	mqttEventCounter(string(ev.EventType())).Inc()
	if token := b.conn.Publish(topic, b.config.QOS, false, bb); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "application/mqtt: publish event error")
	}
	return nil
}

func (b *Backend) topic(ev device.Event) (string, error) {
	topic := bytes.NewBuffer(nil)
	if err := b.eventTemplate.Execute(topic, struct {
		DevEUI    lorawan.EUI64
		EventType device.EventType
	}{ev.DeviceEUI(), ev.EventType()}); err != nil {
		return "", errors.Wrap(err, "application/mqtt: execute event template error")
	}
	return topic.String(), nil
}

func (b *Backend) onConnected(c paho.Client) {
	log.Info("application/mqtt: connected to mqtt server")
	mqttConnectCounter().Inc()
}

func (b *Backend) onConnectionLost(c paho.Client, reason error) {
	log.Errorf("application/mqtt: mqtt connection error: %s", reason)
	mqttDisconnectCounter().Inc()
}
