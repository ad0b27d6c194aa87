package cmd

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flora-lorawan/flora-network-server/internal/config"
)

// envSeparator replaces the dots of the configuration keys in the names of
// environment variables, e.g. NETWORK_SERVER__NET_ID.
const envSeparator = "__"

var (
	cfgFile    string
	cpuprofile string
	version    string
)

var rootCmd = &cobra.Command{
	Use:   "flora-network-server",
	Short: "Flora LoRaWAN Network Server",
	Long: `Flora Network Server activates LoRaWAN 1.0 and 1.1 class A devices over-the-air,
deduplicates the uplinks received by multiple gateways and answers through the
best gateway within the receive windows.`,
	RunE: run,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "path to configuration file (optional)")
	flags.StringVarP(&cpuprofile, "cpu-profile", "", "", "write cpu profile to file (optional)")
	flags.Int("log-level", 4, "debug=5, info=4, error=2, fatal=1, panic=0")
	flags.String("net-id", "", "network identifier (hex encoded, 3 bytes)")
	flags.Duration("deduplication-delay", 0, "time to wait for the same uplink to be reported by other gateways")

	viper.BindPFlag("general.log_level", flags.Lookup("log-level"))
	viper.BindPFlag("network_server.net_id", flags.Lookup("net-id"))
	viper.BindPFlag("network_server.deduplication_delay", flags.Lookup("deduplication-delay"))

	setDefaults()

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(deviceCmd)
}

func setDefaults() {
	// device-state store
	viper.SetDefault("redis.servers", []string{"localhost:6379"})
	viper.SetDefault("redis.key_prefix", "")
	viper.SetDefault("redis.connect_timeout", time.Duration(0))

	// uplink handling
	viper.SetDefault("network_server.net_id", "000000")
	viper.SetDefault("network_server.deduplication_delay", 300*time.Millisecond)
	viper.SetDefault("network_server.join_window", 6*time.Second)
	viper.SetDefault("network_server.snr_threshold", 5.0)
	viper.SetDefault("network_server.defer_queue.queue_depth", 100)
	viper.SetDefault("network_server.defer_queue.workers", 5)
	viper.SetDefault("network_server.adr.installation_margin", 10)

	// gateways
	viper.SetDefault("network_server.gateway.backend.type", "mqtt")
	viper.SetDefault("network_server.gateway.backend.mqtt.server", "tcp://localhost:1883")
	viper.SetDefault("network_server.gateway.backend.mqtt.event_topic", "gateway/+/event/+")
	viper.SetDefault("network_server.gateway.backend.mqtt.command_topic_template", "gateway/{{ .GatewayID }}/command/{{ .CommandType }}")
	viper.SetDefault("network_server.gateway.backend.mqtt.clean_session", true)
	viper.SetDefault("network_server.gateway.backend.mqtt.uplink_lock_ttl", 500*time.Millisecond)

	// device events
	viper.SetDefault("application.backend.type", "mqtt")
	viper.SetDefault("application.backend.mqtt.server", "tcp://localhost:1883")
	viper.SetDefault("application.backend.mqtt.event_topic_template", "application/{{ .DevEUI }}/event/{{ .EventType }}")
	viper.SetDefault("application.backend.mqtt.clean_session", true)

	viper.SetDefault("monitoring.prometheus_endpoint", true)
	viper.SetDefault("monitoring.healthcheck_endpoint", true)
	viper.SetDefault("monitoring.max_pending_uplinks", 0)
}

// Execute executes the root command.
func Execute(v string) {
	version = v

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func initConfig() {
	config.Version = version

	if err := readConfigFile(); err != nil {
		log.WithError(err).WithField("config", cfgFile).Fatal("read configuration file error")
	}

	c, err := loadConfig()
	if err != nil {
		log.WithError(err).Fatal("load configuration error")
	}
	config.C = c
}

func readConfigFile() error {
	if cfgFile != "" {
		b, err := ioutil.ReadFile(cfgFile)
		if err != nil {
			return err
		}
		viper.SetConfigType("toml")
		return viper.ReadConfig(bytes.NewBuffer(b))
	}

	viper.SetConfigName("flora-network-server")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.config/flora-network-server")
	viper.AddConfigPath("/etc/flora-network-server")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Warning("no configuration file found, using defaults and environment")
			return nil
		}
		return err
	}
	return nil
}

// loadConfig decodes the configuration from the defaults, the configuration
// file, the environment and the flags.
func loadConfig() (config.Config, error) {
	var c config.Config

	renameDottedEnv()
	viperBindEnvs(c)

	hooks := mapstructure.ComposeDecodeHookFunc(
		viperDecodeJSONSlice,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)

	if err := viper.Unmarshal(&c, viper.DecodeHook(hooks)); err != nil {
		return c, errors.Wrap(err, "unmarshal config error")
	}

	if err := c.NetworkServer.NetID.UnmarshalText([]byte(c.NetworkServer.NetIDString)); err != nil {
		return c, errors.Wrap(err, "decode net_id error")
	}

	if c.Redis.URL != "" {
		opt, err := redis.ParseURL(c.Redis.URL)
		if err != nil {
			return c, errors.Wrap(err, "parse redis url error")
		}

		c.Redis.Servers = []string{opt.Addr}
		c.Redis.Database = opt.DB
		c.Redis.Password = opt.Password
	}

	return c, nil
}

// renameDottedEnv copies the environment variables using dotted names to
// their envSeparator form, unless that one is set too.
func renameDottedEnv() {
	for _, pair := range os.Environ() {
		kv := strings.SplitN(pair, "=", 2)
		if !strings.Contains(kv[0], ".") {
			continue
		}

		name := strings.ReplaceAll(kv[0], ".", envSeparator)
		log.WithFields(log.Fields{
			"env":     kv[0],
			"use_env": name,
		}).Warning("dots in environment variable names are deprecated")

		if _, exists := os.LookupEnv(name); !exists {
			os.Setenv(name, kv[1])
		}
	}
}

// viperBindEnvs binds every configuration key to its environment variable.
func viperBindEnvs(iface interface{}, parts ...string) {
	ifv := reflect.ValueOf(iface)
	ift := reflect.TypeOf(iface)
	for i := 0; i < ift.NumField(); i++ {
		v := ifv.Field(i)
		t := ift.Field(i)
		tv, ok := t.Tag.Lookup("mapstructure")
		if !ok {
			tv = strings.ToLower(t.Name)
		}
		if tv == "-" {
			continue
		}

		keyParts := append(append([]string{}, parts...), tv)
		if v.Kind() == reflect.Struct {
			viperBindEnvs(v.Interface(), keyParts...)
			continue
		}

		viper.BindEnv(strings.Join(keyParts, "."), strings.ToUpper(strings.Join(keyParts, envSeparator)))
	}
}

// viperDecodeJSONSlice decodes a JSON list given as string, e.g. through
// the environment, into a slice.
func viperDecodeJSONSlice(rf reflect.Kind, rt reflect.Kind, data interface{}) (interface{}, error) {
	if rf != reflect.String || rt != reflect.Slice {
		return data, nil
	}

	raw := data.(string)
	if !strings.HasPrefix(raw, "[") || !strings.HasSuffix(raw, "]") {
		return data, nil
	}

	var out []map[string]interface{}
	err := json.Unmarshal([]byte(raw), &out)

	return out, err
}
