// Package presets holds named configurations that replace the defaults.
package presets

import (
	"fmt"
	"maps"
	"slices"

	"github.com/swarmsync/go-swarm/config"
)

var presets = map[string]config.Config{}

func register(name string, conf config.Config) {
	if _, exists := presets[name]; exists {
		panic(fmt.Sprintf("preset %s already registered", name))
	}
	presets[name] = conf
}

// Options lists the names of registered presets.
func Options() []string {
	return slices.Sorted(maps.Keys(presets))
}

// Get returns the preset with the given name.
func Get(name string) (config.Config, error) {
	conf, ok := presets[name]
	if !ok {
		return config.Config{}, fmt.Errorf("preset %s is not registered. select one of %v", name, Options())
	}
	return conf, nil
}
