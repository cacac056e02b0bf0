// Package config contains swarmd node configuration definitions
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/swarmsync/go-swarm/clock"
	"github.com/swarmsync/go-swarm/host"
	"github.com/swarmsync/go-swarm/pipe"
	"github.com/swarmsync/go-swarm/storage"
)

const (
	defaultConfigFileName = "./config.toml"
	defaultDataDirName    = "swarm"
)

// Storage backends.
const (
	MemoryBackend  = "memory"
	LevelDBBackend = "leveldb"
	SQLiteBackend  = "sqlite"
)

var defaultDataDir = filepath.Join(os.TempDir(), defaultDataDirName)

// Config defines the top level configuration for a swarm node.
type Config struct {
	BaseConfig `mapstructure:"main"`
	Host       HostConfig    `mapstructure:"host"`
	Pipe       PipeConfig    `mapstructure:"pipe"`
	Storage    StorageConfig `mapstructure:"storage"`
	Network    NetworkConfig `mapstructure:"network"`
	LOGGING    LoggerConfig  `mapstructure:"logging"`
}

// BaseConfig defines the default configuration options for the swarm app.
type BaseConfig struct {
	DataDirParent string `mapstructure:"data-folder"`
	ConfigFile    string `mapstructure:"config"`
	Preset        string `mapstructure:"preset"`

	CollectMetrics    bool              `mapstructure:"metrics"`
	MetricsPort       int               `mapstructure:"metrics-port"`
	MetricsPush       string            `mapstructure:"metrics-push"`
	MetricsPushPeriod time.Duration     `mapstructure:"metrics-push-period"`
	MetricsPushHeader map[string]string `mapstructure:"metrics-push-header"`
}

// HostConfig selects the identity and the clock of the local host.
type HostConfig struct {
	// ID of the host. Ids starting with host.ServerPrefix make a server.
	ID          string     `mapstructure:"id"`
	Clock       clock.Kind `mapstructure:"clock"`
	MailboxSize int        `mapstructure:"mailbox-size"`
	// Models declares model types by name with the fields they accept.
	Models map[string][]string `mapstructure:"models"`
}

type PipeConfig struct {
	KeepAlive     time.Duration `mapstructure:"keepalive"`
	ReconnectBase time.Duration `mapstructure:"reconnect-base"`
}

// StorageConfig selects the backend persisting objects. An empty backend
// runs the host without storage.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	CacheSize int    `mapstructure:"cache-size"`
	MaxLog    int    `mapstructure:"max-log"`
}

type NetworkConfig struct {
	// Listen is the address of the WebSocket endpoint. Empty disables it.
	Listen string `mapstructure:"listen"`
	// Peers are dialed on start and redialed when they drop.
	Peers []string `mapstructure:"peers"`
	// AcceptRate limits inbound connections per second, with bursts of
	// AcceptBurst.
	AcceptRate  float64 `mapstructure:"accept-rate"`
	AcceptBurst int     `mapstructure:"accept-burst"`
}

// DataDir returns the directory holding the files of the configured host.
func (cfg *Config) DataDir() string {
	return filepath.Join(cfg.DataDirParent, cfg.Host.ID)
}

// StoragePath returns the configured storage path or a default one inside
// DataDir.
func (cfg *Config) StoragePath() string {
	if cfg.Storage.Path != "" {
		return cfg.Storage.Path
	}
	switch cfg.Storage.Backend {
	case SQLiteBackend:
		return filepath.Join(cfg.DataDir(), "state.sql")
	default:
		return filepath.Join(cfg.DataDir(), "state.ldb")
	}
}

// Validate checks values that defaults can not fix.
func (cfg *Config) Validate() error {
	if cfg.Host.ID == "" {
		return errors.New("host id is required")
	}
	switch cfg.Storage.Backend {
	case "", MemoryBackend, LevelDBBackend, SQLiteBackend:
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	switch cfg.Host.Clock {
	case clock.KindLamport, clock.KindSecondPrecise, clock.KindMinutePrecise:
	default:
		return fmt.Errorf("unknown clock %q", cfg.Host.Clock)
	}
	if cfg.Network.AcceptRate <= 0 || cfg.Network.AcceptBurst <= 0 {
		return errors.New("accept rate and burst must be positive")
	}
	if cfg.Pipe.KeepAlive <= 0 {
		return fmt.Errorf("keepalive must be positive, got %s", cfg.Pipe.KeepAlive)
	}
	return nil
}

// DefaultConfig returns the default configuration for a swarm node.
func DefaultConfig() Config {
	return Config{
		BaseConfig: defaultBaseConfig(),
		Host: HostConfig{
			ID:          uuid.NewString(),
			Clock:       clock.KindSecondPrecise,
			MailboxSize: host.DefaultMailboxSize,
			Models:      map[string][]string{},
		},
		Pipe: PipeConfig{
			KeepAlive:     pipe.DefaultKeepAlive,
			ReconnectBase: host.DefaultReconnectBase,
		},
		Storage: StorageConfig{
			Backend:   MemoryBackend,
			CacheSize: storage.DefaultCacheSize,
			MaxLog:    storage.DefaultMaxLog,
		},
		Network: NetworkConfig{
			Listen:      "127.0.0.1:8787",
			AcceptRate:  50,
			AcceptBurst: 100,
		},
		LOGGING: defaultLoggingConfig(),
	}
}

func defaultBaseConfig() BaseConfig {
	return BaseConfig{
		DataDirParent:     defaultDataDir,
		ConfigFile:        defaultConfigFileName,
		CollectMetrics:    false,
		MetricsPort:       1010,
		MetricsPushPeriod: 60 * time.Second,
	}
}

// LoadConfig reads the config file at fileLocation into vip, falling back to
// the default file name.
func LoadConfig(fileLocation string, vip *viper.Viper) error {
	if fileLocation == "" {
		fileLocation = defaultConfigFileName
	}
	vip.SetConfigFile(fileLocation)
	err := vip.ReadInConfig()
	if err != nil && fileLocation != defaultConfigFileName {
		vip.SetConfigFile(defaultConfigFileName)
		err = vip.ReadInConfig()
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %w", err)
	}
	return nil
}

// Decode unmarshals the values loaded into vip on top of conf.
func Decode(vip *viper.Viper, conf *Config) error {
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := vip.Unmarshal(conf, viper.DecodeHook(hook)); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// SetConfigFile overrides the default config file path.
func (cfg *BaseConfig) SetConfigFile(file string) {
	cfg.ConfigFile = file
}
