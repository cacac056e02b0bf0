package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmsync/go-swarm/clock"
)

func TestLoadConfig(t *testing.T) {
	vip := viper.New()
	err := LoadConfig(".asdasda", vip)
	// verify that after attempting to load a non-existent file, an attempt is made to load the default config
	assert.ErrorContains(t, err, "failed to read config file open ./config.toml")
}

func TestDecode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[host]
id = "swarm~A"
clock = "lamport"

[pipe]
keepalive = "15s"

[storage]
backend = "sqlite"
max-log = 8

[network]
peers = "ws://a:8787,ws://b:8787"

[logging]
pipe = "debug"
`), 0o600))

	vip := viper.New()
	require.NoError(t, LoadConfig(path, vip))
	conf := DefaultConfig()
	require.NoError(t, Decode(vip, &conf))

	require.Equal(t, "swarm~A", conf.Host.ID)
	require.Equal(t, clock.KindLamport, conf.Host.Clock)
	require.Equal(t, 15*time.Second, conf.Pipe.KeepAlive)
	require.Equal(t, DefaultConfig().Pipe.ReconnectBase, conf.Pipe.ReconnectBase)
	require.Equal(t, SQLiteBackend, conf.Storage.Backend)
	require.Equal(t, 8, conf.Storage.MaxLog)
	require.Equal(t, []string{"ws://a:8787", "ws://b:8787"}, conf.Network.Peers)
	require.Equal(t, filepath.Join(conf.DataDirParent, "swarm~A", "state.sql"), conf.StoragePath())
	require.NoError(t, conf.Validate())

	levels, err := conf.LOGGING.Levels()
	require.NoError(t, err)
	require.Equal(t, "debug", levels["pipe"])
	require.NotContains(t, levels, "log-encoder")
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		desc   string
		modify func(*Config)
		err    string
	}{
		{"no id", func(c *Config) { c.Host.ID = "" }, "host id"},
		{"backend", func(c *Config) { c.Storage.Backend = "redis" }, "storage backend"},
		{"clock", func(c *Config) { c.Host.Clock = "hour" }, "unknown clock"},
		{"keepalive", func(c *Config) { c.Pipe.KeepAlive = 0 }, "keepalive"},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			conf := DefaultConfig()
			tc.modify(&conf)
			require.ErrorContains(t, conf.Validate(), tc.err)
		})
	}

	a, b := DefaultConfig(), DefaultConfig()
	require.NotEqual(t, a.Host.ID, b.Host.ID, "default ids are random")
	require.NoError(t, a.Validate())
}
