// Package log builds the zap loggers used by the daemon and its modules.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// mainLoggerName is a name of the global logger.
const mainLoggerName = "swarm"

// Encoder kinds.
const (
	ConsoleEncoder = "console"
	JSONEncoder    = "json"
)

// where logs go by default.
var logWriter io.Writer = os.Stdout

var (
	mu     sync.RWMutex
	appLog = zap.NewNop()
)

// GetLogger returns the process wide logger.
func GetLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return appLog
}

// SetupGlobal overwrites the process wide logger.
func SetupGlobal(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	appLog = logger.Named(mainLoggerName)
}

// NewNop creates silent logger.
func NewNop() *zap.Logger {
	return zap.NewNop()
}

func newEncoder(kind string) (zapcore.Encoder, error) {
	switch kind {
	case "", ConsoleEncoder:
		cfg := zap.NewDevelopmentEncoderConfig()
		return zapcore.NewConsoleEncoder(cfg), nil
	case JSONEncoder:
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewJSONEncoder(cfg), nil
	}
	return nil, fmt.Errorf("unknown log encoder %q", kind)
}

// NewWithLevel creates a logger with a fixed level and with a set of
// (optional) hooks.
func NewWithLevel(module, encoder string, level zap.AtomicLevel, hooks ...func(zapcore.Entry) error) (*zap.Logger, error) {
	enc, err := newEncoder(encoder)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(logWriter), level)
	return zap.New(zapcore.RegisterHooks(core, hooks...)).Named(module), nil
}

// Module returns a named child of base filtered by its own level. An empty
// level keeps the parent level.
func Module(base *zap.Logger, name, level string) (*zap.Logger, error) {
	lgr := base.Named(name)
	if level == "" {
		return lgr, nil
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", name, err)
	}
	return lgr.WithOptions(addDynamicLevel(&lvl)), nil
}

func addDynamicLevel(level *zap.AtomicLevel) zap.Option {
	return zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &coreWithLevel{
			Core: core,
			lvl:  level,
		}
	})
}

type coreWithLevel struct {
	zapcore.Core
	lvl *zap.AtomicLevel
}

func (c *coreWithLevel) Enabled(level zapcore.Level) bool {
	return c.lvl.Enabled(level)
}

func (c *coreWithLevel) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.lvl.Enabled(e.Level) {
		return ce
	}
	return ce.AddCore(e, c.Core)
}

func (c *coreWithLevel) With(fields []zapcore.Field) zapcore.Core {
	return &coreWithLevel{Core: c.Core.With(fields), lvl: c.lvl}
}
