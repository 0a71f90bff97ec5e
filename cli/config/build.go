package config

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/pithecene-io/microlink/adapter"
	"github.com/pithecene-io/microlink/adapter/redis"
	"github.com/pithecene-io/microlink/adapter/webhook"
	"github.com/pithecene-io/microlink/artifact"
	"github.com/pithecene-io/microlink/log"
	"github.com/pithecene-io/microlink/micro"
	"github.com/pithecene-io/microlink/session"
	"github.com/pithecene-io/microlink/store"
	"github.com/pithecene-io/microlink/transport"
)

// WakeupDefault selects transport.DefaultWakeupSequence.
const WakeupDefault = "default"

// BuildTransport constructs the configured transport, unopened. With no
// kind set, a serial port or grep selects serial.
func (t TransportConfig) BuildTransport(logger *log.Logger) (transport.Transport, error) {
	kind := t.Kind
	if kind == "" && (t.Serial.Port != "" || t.Serial.Grep != "") {
		kind = KindSerial
	}

	switch kind {
	case KindSerial:
		return transport.NewSerialTransport(transport.SerialConfig{
			Port:     t.Serial.Port,
			Grep:     t.Serial.Grep,
			BaudRate: t.Serial.BaudRate,
		}, logger)
	case KindSubprocess:
		return transport.NewSubprocessTransport(transport.SubprocessConfig{
			Command: t.Subprocess.Command,
			Dir:     t.Subprocess.Dir,
			Env:     t.Subprocess.Env,
			Stderr:  os.Stderr,
		})
	case KindFifo:
		if t.Fifo.Read == "" || t.Fifo.Write == "" {
			return nil, errors.New("fifo transport: read and write paths are required")
		}
		return transport.NewFifoTransport(t.Fifo.Read, t.Fifo.Write, transport.DefaultSubprocessTimeouts), nil
	case KindEmulator:
		return transport.NewEmulatorTransport(transport.EmulatorConfig{
			Command:        t.Emulator.Command,
			Dir:            t.Emulator.Dir,
			Env:            t.Emulator.Env,
			Stderr:         os.Stderr,
			StartupTimeout: t.Emulator.StartupTimeout.Duration,
			ExitTimeout:    t.Emulator.ExitTimeout.Duration,
		})
	case "":
		return nil, errors.New("no transport configured: set transport.kind or a serial port")
	default:
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
}

// Apply overlays the set fields onto base. It returns nil when nothing is
// overridden, leaving the transport's own timeouts in effect.
func (c TimeoutsConfig) Apply(base transport.Timeouts) *transport.Timeouts {
	if c.SessionStartRetry == nil && c.SessionStart == nil && c.SessionEstablished == nil {
		return nil
	}
	out := base
	if c.SessionStartRetry != nil {
		out.SessionStartRetry = c.SessionStartRetry.Duration
	}
	if c.SessionStart != nil {
		out.SessionStart = c.SessionStart.Duration
	}
	if c.SessionEstablished != nil {
		out.SessionEstablished = c.SessionEstablished.Duration
	}
	return &out
}

// WakeupBytes decodes Wakeup.
func (s SessionConfig) WakeupBytes() ([]byte, error) {
	switch s.Wakeup {
	case "":
		return nil, nil
	case WakeupDefault:
		return append([]byte(nil), transport.DefaultWakeupSequence...), nil
	default:
		return ParseHex(s.Wakeup)
	}
}

// SessionConfig returns the session settings for t. Trace, Logger and
// Metrics are left for the caller.
func (c *Config) SessionConfig(t transport.Transport) (session.Config, error) {
	wakeup, err := c.Session.WakeupBytes()
	if err != nil {
		return session.Config{}, fmt.Errorf("session.wakeup: %w", err)
	}
	return session.Config{
		Timeouts: c.Transport.Timeouts.Apply(t.Timeouts()),
		Wakeup:   wakeup,
		Poke:     []byte(c.Session.Poke),
	}, nil
}

// BuildFlasher returns a flasher whose transport is the configured one. A
// configured debugger runs for the lifetime of each flashed session.
func (c *Config) BuildFlasher(logger *log.Logger) (*micro.CommandFlasher, error) {
	cfg := micro.CommandFlasherConfig{
		Runner:    c.Flasher.Runner,
		Supported: c.Flasher.Supported,
		Flash:     c.Flasher.Command,
		Transport: func(*artifact.MicroBinary) (transport.Transport, error) {
			return c.Transport.BuildTransport(logger)
		},
		Logger: logger,
	}
	if len(c.Debugger.Argv) > 0 {
		dbg, err := micro.NewCommandDebugger(c.Debugger, nil)
		if err != nil {
			return nil, err
		}
		cfg.Debugger = dbg
	}
	return micro.NewCommandFlasher(cfg)
}

// BuildCompiler returns the configured compiler and its default options.
func (c *Config) BuildCompiler() (*micro.CommandCompiler, micro.Options, error) {
	opts, err := micro.ParseOptions(c.Compiler.Options)
	if err != nil {
		return nil, micro.Options{}, fmt.Errorf("compiler.options: %w", err)
	}
	return micro.NewCommandCompiler(micro.CommandCompilerConfig{
		Library:           c.Compiler.Library,
		LibraryOutputs:    c.Compiler.LibraryOutputs,
		Binary:            c.Compiler.Binary,
		BinaryOutput:      c.Compiler.BinaryOutput,
		DebugOutputs:      c.Compiler.DebugOutputs,
		IncludeDirsDefine: c.Compiler.IncludeDirsDefine,
	}), opts, nil
}

// BuildStore opens the configured archive store.
func (c *Config) BuildStore(ctx context.Context, opts store.Options) (*store.ArchiveStore, error) {
	factory, err := store.NewFactory(ctx, c.Store)
	if err != nil {
		return nil, err
	}
	return store.New(factory, opts)
}

// DefaultAdapterRetries applies when adapter.retries is unset.
const DefaultAdapterRetries = 3

// BuildAdapter returns the configured push notifier, or nil when none is
// configured.
func (a AdapterConfig) BuildAdapter() (adapter.Adapter, error) {
	retries := DefaultAdapterRetries
	if a.Retries != nil {
		retries = *a.Retries
	}
	switch a.Type {
	case "":
		return nil, nil
	case AdapterWebhook:
		w, err := webhook.New(webhook.Config{
			URL:     a.URL,
			Headers: a.Headers,
			Secret:  a.Secret,
			Timeout: a.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		return w, nil
	case AdapterRedis:
		r, err := redis.New(redis.Config{
			URL:          a.URL,
			Channel:      a.Channel,
			LatestPrefix: a.LatestPrefix,
			NoLatest:     a.NoLatest,
			Timeout:      a.Timeout.Duration,
			Retries:      retries,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown adapter type %q", a.Type)
	}
}
