package cmd

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/swarmsync/go-swarm/config"
	"github.com/swarmsync/go-swarm/config/presets"
)

// AddFlags binds the flags of the node command to cfg and returns the
// location of the config file flag.
func AddFlags(flagSet *pflag.FlagSet, cfg *config.Config) (configPath *string) {
	configPath = flagSet.StringP("config", "c", "", "load configuration from file")
	flagSet.StringVarP(&cfg.Preset, "preset", "p", cfg.Preset,
		fmt.Sprintf("preset overwrites default values of the config. options %+s", presets.Options()))

	/** ======================== BaseConfig Flags ========================== **/
	flagSet.StringVarP(&cfg.DataDirParent, "data-folder", "d",
		cfg.DataDirParent, "specify data directory for swarm")
	flagSet.BoolVar(&cfg.CollectMetrics, "metrics",
		cfg.CollectMetrics, "collect node metrics")
	flagSet.IntVar(&cfg.MetricsPort, "metrics-port",
		cfg.MetricsPort, "metric server port")
	flagSet.StringVar(&cfg.MetricsPush, "metrics-push",
		cfg.MetricsPush, "push metrics to url")
	flagSet.DurationVar(&cfg.MetricsPushPeriod, "metrics-push-period",
		cfg.MetricsPushPeriod, "push period")

	/** ======================== Host Flags ========================== **/
	flagSet.StringVar(&cfg.Host.ID, "id", cfg.Host.ID,
		"host id, prefix it with swarm~ to run a server")
	flagSet.StringVar((*string)(&cfg.Host.Clock), "clock", string(cfg.Host.Clock),
		"clock issuing versions: lamport, second or minute")
	flagSet.IntVar(&cfg.Host.MailboxSize, "mailbox-size", cfg.Host.MailboxSize,
		"operations queued for the host before senders block")

	/** ======================== Pipe Flags ========================== **/
	flagSet.DurationVar(&cfg.Pipe.KeepAlive, "keepalive", cfg.Pipe.KeepAlive,
		"silence after which a connection is closed")
	flagSet.DurationVar(&cfg.Pipe.ReconnectBase, "reconnect-base", cfg.Pipe.ReconnectBase,
		"first delay before redialing a dropped peer")

	/** ======================== Storage Flags ========================== **/
	flagSet.StringVar(&cfg.Storage.Backend, "storage", cfg.Storage.Backend,
		"storage backend: memory, leveldb or sqlite; empty runs without storage")
	flagSet.StringVar(&cfg.Storage.Path, "storage-path", cfg.Storage.Path,
		"storage location, defaults to a file in the data folder")
	flagSet.IntVar(&cfg.Storage.CacheSize, "storage-cache", cfg.Storage.CacheSize,
		"states cached in memory by the leveldb backend")
	flagSet.IntVar(&cfg.Storage.MaxLog, "storage-max-log", cfg.Storage.MaxLog,
		"logged operations kept per object before its state is rewritten")

	/** ======================== Network Flags ========================== **/
	flagSet.StringVar(&cfg.Network.Listen, "listen", cfg.Network.Listen,
		"address for websocket connections, empty disables listening")
	flagSet.StringSliceVar(&cfg.Network.Peers, "peers", cfg.Network.Peers,
		"websocket uris of peers to connect to")
	flagSet.Float64Var(&cfg.Network.AcceptRate, "accept-rate", cfg.Network.AcceptRate,
		"inbound connections accepted per second")
	flagSet.IntVar(&cfg.Network.AcceptBurst, "accept-burst", cfg.Network.AcceptBurst,
		"inbound connections accepted at once above the rate")

	/** ======================== Logging Flags ========================== **/
	flagSet.StringVar(&cfg.LOGGING.Encoder, "log-encoder",
		cfg.LOGGING.Encoder, "log as json instead of plain text")
	flagSet.StringVar(&cfg.LOGGING.AppLoggerLevel, "log-level",
		cfg.LOGGING.AppLoggerLevel, "level of the app logger")

	return configPath
}
