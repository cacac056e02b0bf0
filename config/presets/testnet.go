package presets

import (
	"time"

	"github.com/swarmsync/go-swarm/clock"
	"github.com/swarmsync/go-swarm/config"
)

func init() {
	register("testnet", testnet())
}

// testnet runs a client of the public test servers with a local SQLite cache.
// The host id is left empty and resolved on startup.
func testnet() config.Config {
	conf := config.DefaultConfig()
	conf.Host.ID = ""
	conf.Host.Clock = clock.KindMinutePrecise

	conf.Storage.Backend = config.SQLiteBackend

	conf.Pipe.KeepAlive = 30 * time.Second
	conf.Pipe.ReconnectBase = 2 * time.Second
	conf.Network.Listen = ""
	conf.Network.Peers = []string{
		"ws://swarm-1.testnet.local:8787",
		"ws://swarm-2.testnet.local:8787",
	}

	conf.CollectMetrics = true
	return conf
}
