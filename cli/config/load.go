package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/shuttle/types"
)

// Load reads a YAML config file, expands environment variables, and
// unmarshals into a Config struct. Unknown keys are rejected. Defaults are
// applied; validation is left to the command that uses a section.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewError(types.ErrConfiguration, "load", fmt.Errorf("config file not found: %s", path))
		}
		return nil, types.NewError(types.ErrConfiguration, "load", fmt.Errorf("cannot read config file %q: %w", path, err))
	}

	expanded, err := ExpandEnv(string(data))
	if err != nil {
		return nil, types.NewError(types.ErrConfiguration, "load", fmt.Errorf("%s: %w", path, err))
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	// Empty or comment-only documents decode as io.EOF.
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, types.NewError(types.ErrConfiguration, "load", fmt.Errorf("invalid YAML in %s: %w", path, err))
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a config with only defaults applied.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}
