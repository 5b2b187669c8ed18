package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	keva "github.com/ik1ne/keva-sub000"
)

// envPrefix is the environment variable prefix: KEVA_DATA_DIR overrides
// the data_dir config key, and so on.
const envPrefix = "KEVA_"

// loadConfig layers configuration sources: built-in defaults, then the
// YAML config file, then KEVA_* environment variables.
func loadConfig(path string) (keva.Config, error) {
	cfg := keva.DefaultConfig()

	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// KEVA_DATA_DIR -> data_dir; keys are flat, underscores stay.
	transform := func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}
	if err := k.Load(env.Provider(envPrefix, ".", transform), nil); err != nil {
		return cfg, fmt.Errorf("loading environment: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
