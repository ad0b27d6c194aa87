// Package test contains the helpers shared by the package tests.
package test

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brocaar/lorawan"
	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"

	"github.com/flora-lorawan/flora-network-server/internal/config"
)

var (
	miniRedisOnce sync.Once
	miniRedis     *miniredis.Miniredis
)

func init() {
	log.SetLevel(log.ErrorLevel)
}

// Config returns the test configuration. Redis is read from TEST_REDIS_URL,
// when unset an in-process Redis server is started.
func Config() config.Config {
	var c config.Config

	c.NetworkServer.NetID = lorawan.NetID{1, 2, 3}
	c.NetworkServer.DeduplicationDelay = 20 * time.Millisecond
	c.NetworkServer.JoinWindow = 6 * time.Second
	c.NetworkServer.SNRThreshold = 5.0
	c.NetworkServer.DeferQueue.QueueDepth = 10
	c.NetworkServer.DeferQueue.Workers = 2
	c.NetworkServer.ADR.InstallationMargin = 10

	c.NetworkServer.Gateway.Backend.Type = "mqtt"
	c.NetworkServer.Gateway.Backend.MQTT.Server = "tcp://127.0.0.1:1883"
	c.NetworkServer.Gateway.Backend.MQTT.EventTopic = "gateway/+/event/+"
	c.NetworkServer.Gateway.Backend.MQTT.CommandTopic = "gateway/{{ .GatewayID }}/command/{{ .CommandType }}"
	c.NetworkServer.Gateway.Backend.MQTT.UplinkLockTTL = time.Second

	c.Application.Backend.Type = "mqtt"
	c.Application.Backend.MQTT.Server = "tcp://127.0.0.1:1883"
	c.Application.Backend.MQTT.EventTopicTemplate = "application/{{ .DevEUI }}/event/{{ .EventType }}"

	if v := os.Getenv("TEST_MQTT_SERVER"); v != "" {
		c.NetworkServer.Gateway.Backend.MQTT.Server = v
		c.Application.Backend.MQTT.Server = v
	}

	if v := os.Getenv("TEST_REDIS_URL"); v != "" {
		opt, err := redis.ParseURL(v)
		if err != nil {
			log.WithError(err).Fatal("test: parse TEST_REDIS_URL error")
		}
		c.Redis.Servers = []string{opt.Addr}
		c.Redis.Database = opt.DB
		c.Redis.Password = opt.Password
		return c
	}

	miniRedisOnce.Do(func() {
		var err error
		miniRedis, err = miniredis.Run()
		if err != nil {
			log.WithError(err).Fatal("test: start miniredis error")
		}
	})
	c.Redis.Servers = []string{miniRedis.Addr()}

	return c
}

// MQTTServer returns the MQTT server to test against. When TEST_MQTT_SERVER
// is not set, an empty string is returned and the MQTT tests are skipped.
func MQTTServer() string {
	return os.Getenv("TEST_MQTT_SERVER")
}

// MustFlushRedis flushes the Redis storage.
func MustFlushRedis(c redis.UniversalClient) {
	if err := c.FlushAll(context.Background()).Err(); err != nil {
		log.Fatal(err)
	}
}
