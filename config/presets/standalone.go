package presets

import (
	"os"
	"path/filepath"
	"time"

	"github.com/swarmsync/go-swarm/config"
	"github.com/swarmsync/go-swarm/host"
)

func init() {
	register("standalone", standalone())
}

// standalone is a single server keeping its objects in a temporary LevelDB.
func standalone() config.Config {
	conf := config.DefaultConfig()
	conf.Host.ID = host.ServerPrefix + "standalone"
	conf.DataDirParent = filepath.Join(os.TempDir(), "swarm")

	conf.Storage.Backend = config.LevelDBBackend
	conf.Storage.MaxLog = 16

	conf.Pipe.KeepAlive = 20 * time.Second
	conf.Network.Listen = "127.0.0.1:8787"

	conf.LOGGING.HostLevel = "debug"
	return conf
}
