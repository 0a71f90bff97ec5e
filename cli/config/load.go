package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, expands environment variables, and decodes
// it into a Config. Unknown keys are errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes config YAML after environment expansion. An empty document
// yields the zero Config.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader([]byte(ExpandEnv(string(data)))))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints the YAML types cannot express.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "", KindSerial, KindSubprocess, KindFifo, KindEmulator:
	default:
		return fmt.Errorf("transport.kind %q must be one of serial, subprocess, fifo, emulator", c.Transport.Kind)
	}
	if c.Session.Wakeup != "" && c.Session.Wakeup != WakeupDefault {
		if _, err := ParseHex(c.Session.Wakeup); err != nil {
			return fmt.Errorf("session.wakeup: %w", err)
		}
	}
	if len(c.Session.Poke) > 0 && c.Session.Wakeup == "" {
		return errors.New("session.poke requires session.wakeup")
	}
	switch c.Adapter.Type {
	case "":
	case AdapterWebhook, AdapterRedis:
		if c.Adapter.URL == "" {
			return fmt.Errorf("adapter.url is required for adapter.type %s", c.Adapter.Type)
		}
	default:
		return fmt.Errorf("adapter.type %q must be webhook or redis", c.Adapter.Type)
	}
	return nil
}
