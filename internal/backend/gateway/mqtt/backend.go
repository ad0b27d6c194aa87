// Package mqtt implements a MQTT gateway backend.
package mqtt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/brocaar/lorawan"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flora-lorawan/flora-network-server/internal/backend"
	"github.com/flora-lorawan/flora-network-server/internal/config"
	"github.com/flora-lorawan/flora-network-server/internal/device"
	"github.com/flora-lorawan/flora-network-server/internal/storage"
	"github.com/flora-lorawan/flora-network-server/internal/tls"
)

const (
	uplinkLockKeyTempl   = "lora:ns:uplink:lock:%s:%s"
	defaultUplinkLockTTL = 500 * time.Millisecond
)

// Backend implements a MQTT pub-sub backend.
type Backend struct {
	wg     sync.WaitGroup
	config config.MQTTBackend

	uplinkChan      chan device.UplinkEvent
	conn            paho.Client
	commandTemplate *template.Template
}

// NewBackend creates a new Backend.
func NewBackend(c config.MQTTBackend) (backend.Gateway, error) {
	var err error
	b := Backend{
		uplinkChan: make(chan device.UplinkEvent),
		config:     c,
	}

	if b.config.UplinkLockTTL == 0 {
		b.config.UplinkLockTTL = defaultUplinkLockTTL
	}

	b.commandTemplate, err = template.New("command").Parse(b.config.CommandTopic)
	if err != nil {
		return nil, errors.Wrap(err, "gateway/mqtt: parse command template error")
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
		return nil, errors.Wrap(err, "gateway/mqtt: load mqtt certificate files error")
	}
	if tlsconfig != nil {
		opts.SetTLSConfig(tlsconfig)
	}

	log.WithField("server", b.config.Server).Info("gateway/mqtt: connecting to mqtt broker")
	b.conn = paho.NewClient(opts)
	for {
		if token := b.conn.Connect(); token.Wait() && token.Error() != nil {
			log.Errorf("gateway/mqtt: connecting to mqtt broker failed, will retry in 2s: %s", token.Error())
			time.Sleep(2 * time.Second)
		} else {
			break
		}
	}

	return &b, nil
}

// Close closes the backend.
// Note that this closes the backend one-way (gateway to backend).
// This makes it possible to perform a graceful shutdown (e.g. when there are
// still packets to send back to the gateway).
func (b *Backend) Close() error {
	log.Info("gateway/mqtt: closing backend")

	log.WithField("topic", b.config.EventTopic).Info("gateway/mqtt: unsubscribing from event topic")
	if token := b.conn.Unsubscribe(b.config.EventTopic); token.Wait() && token.Error() != nil {
		return fmt.Errorf("gateway/mqtt: unsubscribe from %s error: %s", b.config.EventTopic, token.Error())
	}

	log.Info("gateway/mqtt: handling last messages")
	b.wg.Wait()
	close(b.uplinkChan)
	return nil
}

// UplinkChan returns the uplink channel.
func (b *Backend) UplinkChan() chan device.UplinkEvent {
	return b.uplinkChan
}

// SendDownlink sends the given downlink to the gateway.
func (b *Backend) SendDownlink(cmd device.DownlinkCommand) error {
	bb, err := json.Marshal(newDownlinkFrame(cmd))
	if err != nil {
		return errors.Wrap(err, "gateway/mqtt: marshal downlink frame error")
	}

	topic := bytes.NewBuffer(nil)
	if err := b.commandTemplate.Execute(topic, struct {
		GatewayID   lorawan.EUI64
		CommandType string
	}{cmd.GatewayID, "down"}); err != nil {
		return errors.Wrap(err, "gateway/mqtt: execute command template error")
	}

	log.WithFields(log.Fields{
		"topic":   topic.String(),
		"qos":     b.config.QOS,
		"dev_eui": cmd.DevEUI,
	}).Info("gateway/mqtt: publishing downlink frame")

	mqttCommandCounter("down").Inc()
	if token := b.conn.Publish(topic.String(), b.config.QOS, false, bb); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "gateway/mqtt: publish downlink frame error")
	}
	return nil
}

func (b *Backend) eventHandler(c paho.Client, msg paho.Message) {
	b.wg.Add(1)
	defer b.wg.Done()

	event := msg.Topic()[strings.LastIndex(msg.Topic(), "/")+1:]
	mqttEventCounter(event).Inc()

	switch event {
	case "up":
		b.uplinkHandler(msg)
	default:
		log.WithFields(log.Fields{
			"topic": msg.Topic(),
			"event": event,
		}).Debug("gateway/mqtt: ignoring event")
	}
}

func (b *Backend) uplinkHandler(msg paho.Message) {
	log.Info("gateway/mqtt: uplink frame received")

	var uplinkFrame UplinkFrame
	if err := json.Unmarshal(msg.Payload(), &uplinkFrame); err != nil {
		log.WithFields(log.Fields{
			"data_base64": base64.StdEncoding.EncodeToString(msg.Payload()),
		}).WithError(err).Error("gateway/mqtt: unmarshal uplink frame error")
		return
	}

	ev, err := uplinkFrame.uplinkEvent()
	if err != nil {
		log.WithFields(log.Fields{
			"data_base64": base64.StdEncoding.EncodeToString(msg.Payload()),
		}).WithError(err).Error("gateway/mqtt: invalid uplink frame")
		return
	}

	// Since with MQTT all subscribers will receive the uplink messages sent
	// by all the gateways, the first instance receiving the message must lock it,
	// so that other instances can ignore the same message (from the same gw).
	// As an unique id, the gw id + hex encoded payload is used. This is because
	// we can't trust any of the data, as the MIC hasn't been validated yet.
	key := fmt.Sprintf(uplinkLockKeyTempl, ev.GatewayID, hex.EncodeToString(ev.Data))
	locked, err := storage.AcquireLock(context.Background(), key, b.config.UplinkLockTTL)
	if err != nil {
		log.WithError(err).Error("gateway/mqtt: acquire uplink payload lock error")
		return
	}
	if !locked {
		// the payload is already being processed by an other instance
		return
	}

	b.uplinkChan <- ev
}

func (b *Backend) onConnected(c paho.Client) {
	log.Info("gateway/mqtt: connected to mqtt server")
	mqttConnectCounter().Inc()

	for {
		log.WithFields(log.Fields{
			"topic": b.config.EventTopic,
			"qos":   b.config.QOS,
		}).Info("gateway/mqtt: subscribing to gateway event topic")
		if token := b.conn.Subscribe(b.config.EventTopic, b.config.QOS, b.eventHandler); token.Wait() && token.Error() != nil {
			log.WithFields(log.Fields{
				"topic": b.config.EventTopic,
				"qos":   b.config.QOS,
			}).Errorf("gateway/mqtt: subscribe error: %s", token.Error())
			time.Sleep(time.Second)
			continue
		}
		break
	}
}

func (b *Backend) onConnectionLost(c paho.Client, reason error) {
	log.Errorf("gateway/mqtt: mqtt connection error: %s", reason)
	mqttDisconnectCounter().Inc()
}
