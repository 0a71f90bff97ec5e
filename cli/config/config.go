package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pithecene-io/microlink/micro"
	"github.com/pithecene-io/microlink/store"
)

// Config represents a microlink.yaml configuration file.
// All values are optional and act as defaults for command flags.
// CLI flags always override config values.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Session   SessionConfig   `yaml:"session"`
	Flasher   FlasherConfig   `yaml:"flasher"`
	Debugger  micro.Command   `yaml:"debugger"`
	Compiler  CompilerConfig  `yaml:"compiler"`
	Store     store.Config    `yaml:"store"`
	Adapter   AdapterConfig   `yaml:"adapter"`
	Log       LogConfig       `yaml:"log"`
}

// Adapter types.
const (
	AdapterWebhook = "webhook"
	AdapterRedis   = "redis"
)

// AdapterConfig selects where push notifications are published. An empty
// Type publishes nothing.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	// Secret signs webhook bodies (X-Microlink-Signature).
	Secret string `yaml:"secret,omitempty"`
	// Channel, LatestPrefix and NoLatest apply to redis.
	Channel      string `yaml:"channel,omitempty"`
	LatestPrefix string `yaml:"latest_prefix,omitempty"`
	NoLatest     bool   `yaml:"no_latest,omitempty"`
}

// Transport kinds.
const (
	KindSerial     = "serial"
	KindSubprocess = "subprocess"
	KindFifo       = "fifo"
	KindEmulator   = "emulator"
)

// TransportConfig selects a transport variant and its settings. Only the
// section matching Kind is consulted.
type TransportConfig struct {
	Kind       string           `yaml:"kind"`
	Serial     SerialConfig     `yaml:"serial"`
	Subprocess SubprocessConfig `yaml:"subprocess"`
	Fifo       FifoConfig       `yaml:"fifo"`
	Emulator   EmulatorConfig   `yaml:"emulator"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
}

// SerialConfig holds serial port defaults.
type SerialConfig struct {
	Port     string `yaml:"port"`
	Grep     string `yaml:"grep"`
	BaudRate int    `yaml:"baud_rate"`
}

// SubprocessConfig holds the child process for the subprocess transport.
type SubprocessConfig struct {
	Command []string `yaml:"command"`
	Dir     string   `yaml:"dir"`
	Env     []string `yaml:"env"`
}

// FifoConfig names an existing FIFO pair.
type FifoConfig struct {
	Read  string `yaml:"read"`
	Write string `yaml:"write"`
}

// EmulatorConfig holds the emulator command; it must reference {pipe}.
type EmulatorConfig struct {
	Command        []string `yaml:"command"`
	Dir            string   `yaml:"dir"`
	Env            []string `yaml:"env"`
	StartupTimeout Duration `yaml:"startup_timeout"`
	ExitTimeout    Duration `yaml:"exit_timeout"`
}

// TimeoutsConfig overrides individual transport timeouts. Unset fields keep
// the transport's own value.
type TimeoutsConfig struct {
	SessionStartRetry  *Duration `yaml:"session_start_retry"`
	SessionStart       *Duration `yaml:"session_start"`
	SessionEstablished *Duration `yaml:"session_established"`
}

// SessionConfig holds handshake and capture settings.
type SessionConfig struct {
	// Wakeup is a hex byte string, or "default" for the standard sequence.
	// Empty skips the handshake.
	Wakeup string `yaml:"wakeup"`
	Poke   Hex    `yaml:"poke"`
	// Trace is a file receiving the framed I/O capture.
	Trace string `yaml:"trace"`
}

// FlasherConfig holds the flash command.
type FlasherConfig struct {
	Runner    string        `yaml:"runner"`
	Supported []string      `yaml:"supported"`
	Command   micro.Command `yaml:"command"`
}

// CompilerConfig holds the build commands and default options.
type CompilerConfig struct {
	Options           map[string]any `yaml:"options"`
	Library           micro.Command  `yaml:"library"`
	LibraryOutputs    []string       `yaml:"library_outputs"`
	Binary            micro.Command  `yaml:"binary"`
	BinaryOutput      string         `yaml:"binary_output"`
	DebugOutputs      []string       `yaml:"debug_outputs"`
	IncludeDirsDefine string         `yaml:"include_dirs_define"`
}

// LogConfig holds logging defaults.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	d.Duration = parsed
	return nil
}

// Hex is a byte string written as hex digits. Spaces and colons between
// bytes are ignored ("fe ff 02", "fe:ff:02" and "feff02" are equal).
type Hex []byte

// UnmarshalYAML decodes a hex string.
func (h *Hex) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	b, err := ParseHex(s)
	if err != nil {
		return err
	}
	*h = b
	return nil
}

// ParseHex decodes s as Hex does.
func ParseHex(s string) ([]byte, error) {
	clean := strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(s)
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex bytes %q: %w", s, err)
	}
	return b, nil
}
