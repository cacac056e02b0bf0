// Package node contains the main executable for a swarm host
package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/swarmsync/go-swarm/clock"
	"github.com/swarmsync/go-swarm/cmd"
	"github.com/swarmsync/go-swarm/config"
	"github.com/swarmsync/go-swarm/config/presets"
	"github.com/swarmsync/go-swarm/host"
	"github.com/swarmsync/go-swarm/log"
	"github.com/swarmsync/go-swarm/metrics"
	"github.com/swarmsync/go-swarm/pipe"
	"github.com/swarmsync/go-swarm/storage"
	"github.com/swarmsync/go-swarm/syncable"
	"github.com/swarmsync/go-swarm/transport"
)

const (
	lockFile   = "LOCK"
	hostIDFile = "host.id"
)

// Logger names.
const (
	AppLogger       = "app"
	HostLogger      = "host"
	PipeLogger      = "pipe"
	StorageLogger   = "storage"
	TransportLogger = "transport"
	ClockLogger     = "clock"
)

// GetCommand returns the swarmd root command.
func GetCommand() *cobra.Command {
	conf := config.DefaultConfig()
	generatedID := conf.Host.ID
	var configPath *string
	c := &cobra.Command{
		Use:   "swarmd",
		Short: "start a swarm host",
		RunE: func(c *cobra.Command, args []string) error {
			if err := configure(c, *configPath, &conf); err != nil {
				return err
			}
			logger, err := log.NewWithLevel("swarmd", conf.LOGGING.Encoder, zap.NewAtomicLevelAt(zap.DebugLevel))
			if err != nil {
				return err
			}
			log.SetupGlobal(logger)
			app := New(WithConfig(&conf), WithLog(log.GetLogger()))

			// os.Interrupt for all systems, syscall.SIGTERM is mainly for docker.
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			// an id that was neither configured nor set by a preset is
			// kept across restarts
			if conf.Host.ID == "" || conf.Host.ID == generatedID {
				conf.Host.ID = generatedID
				if err := app.LoadIdentity(); err != nil {
					return fmt.Errorf("loading host id: %w", err)
				}
			}
			if err := conf.Validate(); err != nil {
				return err
			}
			if err := app.Initialize(); err != nil {
				return fmt.Errorf("initializing app: %w", err)
			}
			if err := app.Lock(); err != nil {
				return fmt.Errorf("getting exclusive file lock: %w", err)
			}
			defer app.Unlock()

			// Don't print usage on error from this point forward
			c.SilenceUsage = true

			// This blocks until the context is finished or until an error is produced
			err = app.Start(ctx)
			cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cleanupCancel()
			app.Cleanup(cleanupCtx)
			return err
		},
	}

	configPath = cmd.AddFlags(c.PersistentFlags(), &conf)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(c *cobra.Command, args []string) {
			fmt.Println(cmd.Version)
		},
	}
	c.AddCommand(versionCmd)
	return c
}

func configure(c *cobra.Command, configPath string, conf *config.Config) error {
	preset := conf.Preset // might be set via CLI flag
	if err := loadConfig(conf, preset, configPath); err != nil {
		return log.ErrMalformedConfig(err)
	}
	// apply CLI args to config
	if err := c.ParseFlags(os.Args[1:]); err != nil {
		return log.ErrBadFlags(err)
	}
	return nil
}

// loadConfig loads config and preset (if provided) into the provided config.
// It first loads the preset and then overrides it with values from the config file.
func loadConfig(cfg *config.Config, preset, path string) error {
	v := viper.New()
	if err := config.LoadConfig(path, v); err != nil && path != "" {
		return err
	}

	// override default config with preset if provided
	if len(preset) == 0 && v.IsSet("main.preset") {
		preset = v.GetString("main.preset")
	}
	if len(preset) > 0 {
		p, err := presets.Get(preset)
		if err != nil {
			return err
		}
		*cfg = p
	}
	return config.Decode(v, cfg)
}

// Option to modify an App instance.
type Option func(app *App)

// WithLog enables logger for an App.
func WithLog(logger *zap.Logger) Option {
	return func(app *App) {
		app.log = logger
	}
}

// WithConfig overwrites default App config.
func WithConfig(conf *config.Config) Option {
	return func(app *App) {
		app.Config = conf
	}
}

// New creates an instance of the swarm app.
func New(opts ...Option) *App {
	defaultConfig := config.DefaultConfig()
	app := &App{
		Config:  &defaultConfig,
		log:     log.GetLogger(),
		started: make(chan struct{}),
		errCh:   make(chan error, 1),
	}
	for _, opt := range opts {
		opt(app)
	}
	return app
}

// App is the cli app singleton.
type App struct {
	Config *config.Config

	log      *zap.Logger
	fileLock *flock.Flock
	host     *host.Host
	plumber  *pipe.Plumber
	server   *http.Server
	listener net.Listener
	metrics  *http.Server

	eg      errgroup.Group
	cancel  context.CancelFunc
	started chan struct{} // closed once the app has finished starting
	errCh   chan error
}

// Started is closed once every service runs.
func (app *App) Started() <-chan struct{} {
	return app.started
}

// Host returns the host, available once the app started.
func (app *App) Host() *host.Host {
	return app.host
}

// Addr returns the address the websocket endpoint listens on, or nil.
func (app *App) Addr() net.Addr {
	if app.listener == nil {
		return nil
	}
	return app.listener.Addr()
}

// LoadIdentity replaces a generated host id with the one persisted by an
// earlier run, or persists the generated one.
func (app *App) LoadIdentity() error {
	path := filepath.Join(app.Config.DataDirParent, hostIDFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id := strings.TrimSpace(string(data))
		if id == "" {
			return fmt.Errorf("empty host id in %s", path)
		}
		app.Config.Host.ID = id
		return nil
	case !errors.Is(err, fs.ErrNotExist):
		return log.ErrReadHostName(err)
	}
	if err := os.MkdirAll(app.Config.DataDirParent, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", app.Config.DataDirParent, err)
	}
	if err := atomic.WriteFile(path, bytes.NewBufferString(app.Config.Host.ID+"\n")); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Initialize ensures the data folder exists and logs the app info.
func (app *App) Initialize() error {
	if err := os.MkdirAll(app.Config.DataDir(), 0o700); err != nil {
		return log.ErrEnsureDataDir(app.Config.DataDir(), err)
	}
	app.log = app.addLogger(AppLogger, app.log)
	app.log.Info("starting swarm host",
		zap.String("version", cmd.Version),
		zap.String("branch", cmd.Branch),
		zap.String("commit", cmd.Commit),
		zap.String("go", runtime.Version()),
		zap.String("host", app.Config.Host.ID),
	)
	return nil
}

// Lock takes the file lock of the data folder so that two processes never
// share a storage.
func (app *App) Lock() error {
	path := filepath.Join(app.Config.DataDir(), lockFile)
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("flock %s: %w", path, err)
	} else if !locked {
		return fmt.Errorf("only one swarm instance should be running (locking file %s)", fl.Path())
	}
	app.fileLock = fl
	return nil
}

// Unlock unlocks the app. It is a no-op if the app is not locked.
func (app *App) Unlock() {
	if app.fileLock == nil {
		return
	}
	if err := app.fileLock.Unlock(); err != nil {
		app.log.Error("failed to unlock file", zap.String("path", app.fileLock.Path()), zap.Error(err))
	}
}

// addLogger names the logger after a module and applies the level
// configured for it.
func (app *App) addLogger(name string, logger *zap.Logger) *zap.Logger {
	levels, err := app.Config.LOGGING.Levels()
	if err != nil {
		app.log.Panic("unable to decode loggers into map[string]string", zap.Error(err))
	}
	lgr, err := log.Module(logger, name, levels[name])
	if err != nil {
		app.log.Error("cannot parse logging level", zap.String("module", name), zap.Error(err))
		return logger.Named(name)
	}
	return lgr
}

// Start runs every service and blocks until ctx is done or a service fails.
func (app *App) Start(ctx context.Context) error {
	ctx, app.cancel = context.WithCancel(ctx)
	if err := app.startServices(ctx); err != nil {
		var fe *log.FatalError
		if errors.As(err, &fe) {
			app.log.Error("failed to start app", zap.Object("fatal", fe))
		} else {
			app.log.Error("failed to start app", zap.Error(err))
		}
		return err
	}
	close(app.started)
	select {
	case <-ctx.Done():
		return nil
	case err := <-app.errCh:
		return err
	}
}

func (app *App) openStorage() (storage.Storage, error) {
	conf := app.Config.Storage
	opts := []storage.Opt{
		storage.WithLogger(app.addLogger(StorageLogger, app.log)),
		storage.WithMaxLog(conf.MaxLog),
	}
	var (
		backend storage.Backend
		err     error
	)
	switch conf.Backend {
	case "":
		return nil, nil
	case config.MemoryBackend:
		backend = storage.NewMemory()
	case config.LevelDBBackend:
		backend, err = storage.NewLevelDB(app.Config.StoragePath(), conf.CacheSize, app.addLogger(StorageLogger, app.log))
	case config.SQLiteBackend:
		backend, err = storage.NewSQLite(app.Config.StoragePath())
	default:
		return nil, fmt.Errorf("unknown storage backend %q", conf.Backend)
	}
	if err != nil {
		return nil, err
	}
	return storage.New(backend, opts...), nil
}

func (app *App) startServices(ctx context.Context) error {
	conf := app.Config
	id := conf.Host.ID
	clk, err := clock.New(conf.Host.Clock, id, clock.WithLogger(app.addLogger(ClockLogger, app.log)))
	if err != nil {
		return err
	}

	app.plumber = pipe.NewPlumber(
		pipe.WithPlumberLogger(app.addLogger(PipeLogger, app.log)),
		pipe.WithKeepAlive(conf.Pipe.KeepAlive),
	)
	app.eg.Go(func() error {
		return app.plumber.Run(ctx)
	})

	transportLog := app.addLogger(TransportLogger, app.log)
	transports := transport.NewRegistry()
	ws := transport.NewWebSocketFactory(transport.WithWebSocketLogger(transportLog))
	transports.Register("ws", ws)
	transports.Register("wss", ws)

	opts := []host.Opt{
		host.WithLogger(app.addLogger(HostLogger, app.log)),
		host.WithClock(clk),
		host.WithMailboxSize(conf.Host.MailboxSize),
		host.WithTransports(transports),
		host.WithPlumber(app.plumber),
		host.WithReconnectBase(conf.Pipe.ReconnectBase),
	}
	st, err := app.openStorage()
	if err != nil {
		return log.ErrOpenStorage(err)
	}
	if st != nil {
		opts = append(opts, host.WithStorage(st))
	}
	h, err := host.New(id, opts...)
	if err != nil {
		return err
	}
	for name, fields := range conf.Host.Models {
		defaults := make(map[string]syncable.Value, len(fields))
		for _, f := range fields {
			defaults[f] = nil
		}
		if err := h.RegisterType(syncable.NewModelType(name, defaults)); err != nil {
			return fmt.Errorf("register model %s: %w", name, err)
		}
	}
	app.host = h
	h.Start()
	if err := h.WaitForStart(ctx); err != nil {
		return err
	}

	if conf.Network.Listen != "" {
		ln, err := net.Listen("tcp", conf.Network.Listen)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", conf.Network.Listen, err)
		}
		app.listener = ln
		app.server = &http.Server{
			Handler: transport.NewServer(h.Accept, transportLog,
				transport.WithAcceptRate(conf.Network.AcceptRate, conf.Network.AcceptBurst)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		app.eg.Go(func() error {
			if err := app.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.errCh <- fmt.Errorf("websocket server: %w", err)
			}
			return nil
		})
		app.log.Info("accepting connections", zap.Stringer("addr", ln.Addr()))
	}

	if conf.CollectMetrics {
		app.metrics = metrics.StartCollectingMetrics(fmt.Sprintf(":%d", conf.MetricsPort), app.log)
	}
	if conf.MetricsPush != "" {
		metrics.StartPushingMetrics(ctx, app.log, conf.MetricsPush, conf.MetricsPushHeader,
			conf.MetricsPushPeriod, id)
	}

	for _, uri := range conf.Network.Peers {
		if err := h.Connect(ctx, uri); err != nil {
			// the plumber keeps redialing
			app.log.Warn("failed to connect to peer", log.URI(uri), zap.Error(err))
		}
	}
	return nil
}

// Cleanup disconnects the peers and stops all app services.
func (app *App) Cleanup(ctx context.Context) {
	app.log.Info("app cleanup starting...")
	if app.host != nil {
		if err := app.host.DisconnectAll(ctx); err != nil {
			app.log.Warn("failed to disconnect peers", zap.Error(err))
		}
	}
	if app.server != nil {
		if err := app.server.Shutdown(ctx); err != nil {
			app.log.Warn("failed to stop websocket server", zap.Error(err))
		}
	}
	if app.metrics != nil {
		if err := app.metrics.Shutdown(ctx); err != nil {
			app.log.Warn("failed to stop metrics server", zap.Error(err))
		}
	}
	if app.host != nil {
		if err := app.host.Stop(); err != nil {
			app.log.Error("host stopped with error", zap.Error(err))
		}
	}
	if app.cancel != nil {
		app.cancel()
	}
	if err := app.eg.Wait(); err != nil {
		app.log.Error("service stopped with error", zap.Error(err))
	}
	app.log.Info("app cleanup completed")
}
