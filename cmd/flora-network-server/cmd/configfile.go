package cmd

import (
	"os"
	"text/template"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/flora-lorawan/flora-network-server/internal/config"
)

const configTemplate = `[general]
# Log level
#
# debug=5, info=4, warning=3, error=2, fatal=1, panic=0
log_level={{ .General.LogLevel }}

# Log to syslog.
#
# When set to true, log messages are being written to syslog.
log_to_syslog={{ .General.LogToSyslog }}


# Redis settings
#
# Please note that Redis 2.6.0+ is required.
[redis]
# Server address or addresses.
#
# Set multiple addresses when connecting to a cluster.
servers=[{{ range $index, $elm := .Redis.Servers }}
  "{{ $elm }}",{{ end }}
]

# Password.
#
# Set the password when connecting to Redis requires password authentication.
password="{{ .Redis.Password }}"

# Database index.
#
# By default, this can be a number between 0-15.
database={{ .Redis.Database }}

# Redis Cluster.
#
# Set this to true when the provided URLs are pointing to a Redis Cluster
# instance.
cluster={{ .Redis.Cluster }}

# Master name.
#
# Set the master name when the provided URLs are pointing to a Redis Sentinel
# instance.
master_name="{{ .Redis.MasterName }}"

# Connection pool size.
#
# Default (when set to 0) is 10 connections per every CPU.
pool_size={{ .Redis.PoolSize }}

# TLS enabled.
tls_enabled={{ .Redis.TLSEnabled }}

# Key prefix.
#
# Prepended to all device-state keys, this makes it possible to run multiple
# network-servers against the same Redis database.
key_prefix="{{ .Redis.KeyPrefix }}"

# Connect timeout.
#
# The network-server refuses to start when Redis can not be reached within
# this duration. When set to 0, it keeps retrying.
connect_timeout="{{ .Redis.ConnectTimeout }}"


# Network-server settings.
[network_server]
# Network identifier (NetID, 3 bytes) encoded as HEX (e.g. 010203).
net_id="{{ .NetworkServer.NetIDString }}"

# Time to wait for uplink de-duplication.
#
# This is the time that the network-server will wait for other gateways
# to receive the same uplink frame. Only the first frame within the
# receive windows is processed, the others are used as alternative
# return paths.
deduplication_delay="{{ .NetworkServer.DeduplicationDelay }}"

# Join window.
#
# A repeated join-request with the same DevNonce is accepted within
# this window after the first one.
join_window="{{ .NetworkServer.JoinWindow }}"

# SNR threshold (dB).
#
# Gateways receiving the uplink with a SNR below this threshold are not
# used for sending the downlink.
snr_threshold={{ .NetworkServer.SNRThreshold }}

  # Defer queue.
  #
  # The defer queue schedules the delayed responses (e.g. the downlink
  # at the end of the de-duplication delay).
  [network_server.defer_queue]
  # Max. number of expired timeouts waiting for a worker.
  queue_depth={{ .NetworkServer.DeferQueue.QueueDepth }}

  # Number of workers.
  workers={{ .NetworkServer.DeferQueue.Workers }}


  # ADR settings.
  [network_server.adr]
  # Installation margin (dB) used by the ADR engine.
  #
  # A higher number means that the network-server will keep more margin,
  # resulting in a lower data-rate but decreasing the chance that the
  # device gets disconnected because it is unable to reach one of the
  # surrounded gateways.
  installation_margin={{ .NetworkServer.ADR.InstallationMargin }}


  # Gateway backend configuration.
  [network_server.gateway.backend]
  # Backend type.
  #
  # Valid options are:
  #   * mqtt
  type="{{ .NetworkServer.Gateway.Backend.Type }}"

    # MQTT gateway backend settings.
    #
    # This is the backend communicating with the LoRa gateways over a MQTT broker.
    [network_server.gateway.backend.mqtt]
    # MQTT topic to which the gateways publish their events.
    event_topic="{{ .NetworkServer.Gateway.Backend.MQTT.EventTopic }}"

    # MQTT topic template for the commands sent to the gateways.
    command_topic_template="{{ .NetworkServer.Gateway.Backend.MQTT.CommandTopic }}"

    # MQTT server (e.g. scheme://host:port where scheme is tcp, ssl or ws)
    server="{{ .NetworkServer.Gateway.Backend.MQTT.Server }}"

    # Connect with the given username (optional)
    username="{{ .NetworkServer.Gateway.Backend.MQTT.Username }}"

    # Connect with the given password (optional)
    password="{{ .NetworkServer.Gateway.Backend.MQTT.Password }}"

    # Quality of service level
    #
    # 0: at most once
    # 1: at least once
    # 2: exactly once
    #
    # Note: an increase of this value will decrease the performance.
    # For more information: https://www.hivemq.com/blog/mqtt-essentials-part-6-mqtt-quality-of-service-levels
    qos={{ .NetworkServer.Gateway.Backend.MQTT.QOS }}

    # Clean session
    #
    # Set the "clean session" flag in the connect message when this client
    # connects to an MQTT broker. By setting this flag you are indicating
    # that no messages saved by the broker for this client should be delivered.
    clean_session={{ .NetworkServer.Gateway.Backend.MQTT.CleanSession }}

    # Client ID
    #
    # Set the client id to be used by this client when connecting to the MQTT
    # broker. A client id must be no longer than 23 characters. When left blank,
    # a random id will be generated. This requires clean_session=true.
    client_id="{{ .NetworkServer.Gateway.Backend.MQTT.ClientID }}"

    # Uplink lock TTL.
    #
    # Multiple instances subscribed to the same topic lock each received
    # uplink for this duration, so that only one of them processes it.
    uplink_lock_ttl="{{ .NetworkServer.Gateway.Backend.MQTT.UplinkLockTTL }}"

    # CA certificate file (optional)
    #
    # Use this when setting up a secure connection (when server uses ssl://...)
    # but the certificate used by the server is not trusted by any CA certificate
    # on the server (e.g. when self generated).
    ca_cert="{{ .NetworkServer.Gateway.Backend.MQTT.CACert }}"

    # TLS certificate file (optional)
    tls_cert="{{ .NetworkServer.Gateway.Backend.MQTT.TLSCert }}"

    # TLS key file (optional)
    tls_key="{{ .NetworkServer.Gateway.Backend.MQTT.TLSKey }}"


# Application backend configuration.
#
# The network-server publishes the join, data-up, update and rejection
# events of the devices to this backend.
[application.backend]
# Backend type.
#
# Valid options are:
#   * mqtt
type="{{ .Application.Backend.Type }}"

  # MQTT application backend settings.
  [application.backend.mqtt]
  # MQTT topic template for the device events.
  event_topic_template="{{ .Application.Backend.MQTT.EventTopicTemplate }}"

  # MQTT server (e.g. scheme://host:port where scheme is tcp, ssl or ws)
  server="{{ .Application.Backend.MQTT.Server }}"

  # Connect with the given username (optional)
  username="{{ .Application.Backend.MQTT.Username }}"

  # Connect with the given password (optional)
  password="{{ .Application.Backend.MQTT.Password }}"

  # Quality of service level
  qos={{ .Application.Backend.MQTT.QOS }}

  # Clean session
  clean_session={{ .Application.Backend.MQTT.CleanSession }}

  # Client ID
  client_id="{{ .Application.Backend.MQTT.ClientID }}"

  # CA certificate file (optional)
  ca_cert="{{ .Application.Backend.MQTT.CACert }}"

  # TLS certificate file (optional)
  tls_cert="{{ .Application.Backend.MQTT.TLSCert }}"

  # TLS key file (optional)
  tls_key="{{ .Application.Backend.MQTT.TLSKey }}"


# Monitoring settings.
[monitoring]
# IP:port to bind the monitoring endpoint to.
#
# When left blank, the monitoring endpoint will be disabled.
bind="{{ .Monitoring.Bind }}"

# Prometheus metrics endpoint.
#
# When set to true, Prometheus metrics will be served at '/metrics'.
prometheus_endpoint={{ .Monitoring.PrometheusEndpoint }}

# Healthcheck endpoint.
#
# When set to true, the healthcheck endpoint will be served at '/health'.
healthcheck_endpoint={{ .Monitoring.HealthcheckEndpoint }}

# Max. pending uplinks.
#
# The health report fails when more uplinks than this wait for their
# deduplication delay to pass. When set to 0, the check is disabled.
max_pending_uplinks={{ .Monitoring.MaxPendingUplinks }}
`

var configCmd = &cobra.Command{
	Use:   "configfile",
	Short: "Print the Flora Network Server configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		t := template.Must(template.New("config").Parse(configTemplate))
		err := t.Execute(os.Stdout, &config.C)
		if err != nil {
			return errors.Wrap(err, "execute config template error")
		}
		return nil
	},
}
