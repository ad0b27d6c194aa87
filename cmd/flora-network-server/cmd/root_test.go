package cmd

import (
	"os"
	"testing"
	"time"

	"github.com/brocaar/lorawan"
	"github.com/stretchr/testify/require"
)

func setEnv(t *testing.T, kv map[string]string) {
	for k, v := range kv {
		require.NoError(t, os.Setenv(k, v))
	}
	t.Cleanup(func() {
		for k := range kv {
			os.Unsetenv(k)
		}
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		assert := require.New(t)

		c, err := loadConfig()
		assert.NoError(err)
		assert.Equal(lorawan.NetID{0, 0, 0}, c.NetworkServer.NetID)
		assert.Equal(300*time.Millisecond, c.NetworkServer.DeduplicationDelay)
		assert.Equal(6*time.Second, c.NetworkServer.JoinWindow)
		assert.Equal([]string{"localhost:6379"}, c.Redis.Servers)
	})

	t.Run("environment", func(t *testing.T) {
		assert := require.New(t)
		setEnv(t, map[string]string{
			"NETWORK_SERVER__NET_ID":              "010203",
			"NETWORK_SERVER__DEDUPLICATION_DELAY": "150ms",
			"REDIS.KEY_PREFIX":                    "eu1:",
			"REDIS__URL":                          "redis://:secret@redis:6380/2",
		})
		defer os.Unsetenv("REDIS__KEY_PREFIX")

		c, err := loadConfig()
		assert.NoError(err)
		assert.Equal(lorawan.NetID{1, 2, 3}, c.NetworkServer.NetID)
		assert.Equal(150*time.Millisecond, c.NetworkServer.DeduplicationDelay)
		assert.Equal("eu1:", c.Redis.KeyPrefix)
		assert.Equal([]string{"redis:6380"}, c.Redis.Servers)
		assert.Equal(2, c.Redis.Database)
		assert.Equal("secret", c.Redis.Password)
	})

	t.Run("invalid net_id", func(t *testing.T) {
		setEnv(t, map[string]string{"NETWORK_SERVER__NET_ID": "zz"})

		_, err := loadConfig()
		require.Error(t, err)
	})
}
