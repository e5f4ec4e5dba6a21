// Package config loads server configuration from an optional YAML file;
// command-line flags override individual fields.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration.
type Config struct {
	// Addr is the TCP listen address.
	Addr string `yaml:"addr"`
	// Replica switches the dataset into read-only mode.
	Replica bool `yaml:"replica"`
	// LazyFlushAsync makes bare SCRIPT FLUSH asynchronous by default.
	LazyFlushAsync bool `yaml:"lazyfree-lazy-user-flush"`
	// LibraryPath enables persistence of FUNCTION libraries when set.
	LibraryPath string `yaml:"library-path"`
	// Engines selects which back-ends to register.
	Engines EnginesConfig `yaml:"engines"`
}

type EnginesConfig struct {
	Lua   bool `yaml:"lua"`
	JS    bool `yaml:"js"`
	Wasm  bool `yaml:"wasm"`
	Hello bool `yaml:"hello"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr: ":6389",
		Engines: EnginesConfig{
			Lua:   true,
			JS:    true,
			Wasm:  true,
			Hello: true,
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
