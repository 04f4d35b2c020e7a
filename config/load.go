package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, as in
// IMPACTOR_BACKEND_KIND or IMPACTOR_POOL_MAX.
const EnvPrefix = "IMPACTOR_"

// Load reads the YAML file at path, applies environment overrides and
// then defaults. An empty path reads the environment alone.
func Load(path string) (Raw, error) {
	var raw Raw
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Raw{}, fmt.Errorf("%w: reading %s: %w", ErrConfigFile, path, err)
		}
		if raw, err = Parse(data); err != nil {
			return Raw{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := ApplyEnv(&raw); err != nil {
		return Raw{}, err
	}
	raw.ApplyDefaults()
	return raw, nil
}

// ErrConfigFile is returned when the configuration file cannot be read.
var ErrConfigFile = errors.New("configuration file unreadable")

// Parse decodes YAML configuration. Unknown keys are rejected.
func Parse(data []byte) (Raw, error) {
	var raw Raw
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return Raw{}, &Error{Field: "yaml", Reason: err.Error()}
	}
	return raw, nil
}

// ApplyEnv overrides raw with the IMPACTOR_ environment variables that
// are set.
func ApplyEnv(raw *Raw) error {
	return applyEnv(raw, env.Options{})
}

func applyEnv(raw *Raw, opts env.Options) error {
	sections := []struct {
		prefix string
		target any
	}{
		{EnvPrefix + "BACKEND_", &raw.Backend},
		{EnvPrefix + "POOL_", &raw.Pool},
		{EnvPrefix + "RETRY_", &raw.Retry},
		{EnvPrefix + "CACHE_", &raw.Cache},
	}
	for _, s := range sections {
		o := opts
		o.Prefix = s.prefix
		if err := env.ParseWithOptions(s.target, o); err != nil {
			return &Error{Field: "env", Reason: err.Error()}
		}
	}
	var top struct {
		Strict *bool `env:"STRICT"`
	}
	o := opts
	o.Prefix = EnvPrefix
	if err := env.ParseWithOptions(&top, o); err != nil {
		return &Error{Field: "env", Reason: err.Error()}
	}
	if top.Strict != nil {
		raw.Strict = *top.Strict
	}
	return nil
}
