package config

import (
	"time"

	"github.com/brocaar/lorawan"

	"github.com/flora-lorawan/flora-network-server/internal/deferqueue"
)

// Version defines the Flora Network Server version.
var Version string

// Config defines the configuration structure.
type Config struct {
	General struct {
		LogLevel    int  `mapstructure:"log_level"`
		LogToSyslog bool `mapstructure:"log_to_syslog"`
	} `mapstructure:"general"`

	Redis struct {
		URL        string   `mapstructure:"url"` // deprecated
		Servers    []string `mapstructure:"servers"`
		Cluster    bool     `mapstructure:"cluster"`
		MasterName string   `mapstructure:"master_name"`
		PoolSize   int      `mapstructure:"pool_size"`
		Password   string   `mapstructure:"password"`
		Database   int      `mapstructure:"database"`
		TLSEnabled bool     `mapstructure:"tls_enabled"`

		KeyPrefix      string        `mapstructure:"key_prefix"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	} `mapstructure:"redis"`

	NetworkServer struct {
		NetID              lorawan.NetID `mapstructure:"-"`
		NetIDString        string        `mapstructure:"net_id"`
		DeduplicationDelay time.Duration `mapstructure:"deduplication_delay"`
		JoinWindow         time.Duration `mapstructure:"join_window"`
		SNRThreshold       float64       `mapstructure:"snr_threshold"`

		DeferQueue deferqueue.Config `mapstructure:"defer_queue"`

		ADR struct {
			InstallationMargin float64 `mapstructure:"installation_margin"`
		} `mapstructure:"adr"`

		Gateway struct {
			Backend struct {
				Type string `mapstructure:"type"`

				MQTT MQTTBackend `mapstructure:"mqtt"`
			} `mapstructure:"backend"`
		} `mapstructure:"gateway"`
	} `mapstructure:"network_server"`

	Application struct {
		Backend struct {
			Type string `mapstructure:"type"`

			MQTT MQTTBackend `mapstructure:"mqtt"`
		} `mapstructure:"backend"`
	} `mapstructure:"application"`

	Monitoring struct {
		Bind                string `mapstructure:"bind"`
		PrometheusEndpoint  bool   `mapstructure:"prometheus_endpoint"`
		HealthcheckEndpoint bool   `mapstructure:"healthcheck_endpoint"`
		MaxPendingUplinks   int    `mapstructure:"max_pending_uplinks"`
	} `mapstructure:"monitoring"`
}

// MQTTBackend holds the MQTT configuration shared by the gateway and the
// application backend.
type MQTTBackend struct {
	Server       string `mapstructure:"server"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	QOS          uint8  `mapstructure:"qos"`
	CleanSession bool   `mapstructure:"clean_session"`
	ClientID     string `mapstructure:"client_id"`
	CACert       string `mapstructure:"ca_cert"`
	TLSCert      string `mapstructure:"tls_cert"`
	TLSKey       string `mapstructure:"tls_key"`

	// gateway backend only
	EventTopic    string        `mapstructure:"event_topic"`
	CommandTopic  string        `mapstructure:"command_topic_template"`
	UplinkLockTTL time.Duration `mapstructure:"uplink_lock_ttl"`

	// application backend only
	EventTopicTemplate string `mapstructure:"event_topic_template"`
}

// C holds the global configuration.
var C Config
