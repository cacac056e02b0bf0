package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap/zapcore"

	"github.com/swarmsync/go-swarm/log"
)

const defaultLoggingLevel = zapcore.InfoLevel

// LoggerConfig holds the encoder and the logging level for each module.
type LoggerConfig struct {
	Encoder        string `mapstructure:"log-encoder"`
	AppLoggerLevel string `mapstructure:"app"`
	HostLevel      string `mapstructure:"host"`
	PipeLevel      string `mapstructure:"pipe"`
	StorageLevel   string `mapstructure:"storage"`
	TransportLevel string `mapstructure:"transport"`
	ClockLevel     string `mapstructure:"clock"`
}

func defaultLoggingConfig() LoggerConfig {
	return LoggerConfig{
		Encoder:        log.ConsoleEncoder,
		AppLoggerLevel: defaultLoggingLevel.String(),
		HostLevel:      defaultLoggingLevel.String(),
		PipeLevel:      zapcore.WarnLevel.String(),
		StorageLevel:   defaultLoggingLevel.String(),
		TransportLevel: zapcore.WarnLevel.String(),
		ClockLevel:     zapcore.WarnLevel.String(),
	}
}

// Levels maps module names to their configured levels.
func (c LoggerConfig) Levels() (map[string]string, error) {
	rst := map[string]string{}
	if err := mapstructure.Decode(c, &rst); err != nil {
		return nil, fmt.Errorf("mapstructure decode: %w", err)
	}
	delete(rst, "log-encoder")
	return rst, nil
}
