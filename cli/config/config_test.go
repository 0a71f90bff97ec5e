package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/microlink/adapter/redis"
	"github.com/pithecene-io/microlink/adapter/webhook"
	"github.com/pithecene-io/microlink/micro"
	"github.com/pithecene-io/microlink/store"
	"github.com/pithecene-io/microlink/transport"
)

func TestLoad_FullConfig(t *testing.T) {
	yaml := `transport:
  kind: emulator
  emulator:
    command: [qemu-system-arm, -serial, "pipe:{pipe}"]
    startup_timeout: 45s
  timeouts:
    session_established: 250ms

session:
  wakeup: fe ff fd 03
  poke: "00"
  trace: /tmp/io.trace

flasher:
  runner: openocd
  supported: [openocd, nrfjprog]
  command:
    argv: [west, flash, --runner, "{runner}", --bin-file, "{binary}"]

debugger:
  argv: [west, debugserver]

compiler:
  options:
    cflags: [-O2, -g]
    include_dirs: /opt/crt/include
  library:
    argv: [cmake, --build, "{out_dir}"]
  library_outputs: [libmodel.a]

store:
  backend: s3
  path: my-bucket/archives
  s3:
    region: us-east-1
    endpoint: https://minio.local
    use_path_style: true

adapter:
  type: redis
  url: redis://localhost:6379/0
  channel: firmware
  latest_prefix: "fw:latest:"
  retries: 0

log:
  level: debug
`
	cfg, err := Load(writeTemp(t, yaml))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	assertEqual(t, "transport.kind", cfg.Transport.Kind, KindEmulator)
	if got := cfg.Transport.Emulator.StartupTimeout.Duration; got != 45*time.Second {
		t.Errorf("startup_timeout = %v", got)
	}
	if d := cfg.Transport.Timeouts.SessionEstablished; d == nil || d.Duration != 250*time.Millisecond {
		t.Errorf("timeouts.session_established = %v", d)
	}
	if cfg.Transport.Timeouts.SessionStart != nil {
		t.Error("unset timeout should stay nil")
	}

	assertEqual(t, "session.wakeup", cfg.Session.Wakeup, "fe ff fd 03")
	if !reflect.DeepEqual([]byte(cfg.Session.Poke), []byte{0}) {
		t.Errorf("session.poke = %x", cfg.Session.Poke)
	}

	assertEqual(t, "flasher.runner", cfg.Flasher.Runner, "openocd")
	if len(cfg.Flasher.Command.Argv) != 6 || cfg.Debugger.Argv[1] != "debugserver" {
		t.Errorf("flasher/debugger = %+v / %+v", cfg.Flasher.Command, cfg.Debugger)
	}

	assertEqual(t, "store.backend", cfg.Store.Backend, store.BackendS3)
	assertEqual(t, "store.s3.endpoint", cfg.Store.S3.Endpoint, "https://minio.local")
	if !cfg.Store.S3.UsePathStyle {
		t.Error("expected store.s3.use_path_style=true")
	}
	assertEqual(t, "adapter.channel", cfg.Adapter.Channel, "firmware")
	assertEqual(t, "adapter.latest_prefix", cfg.Adapter.LatestPrefix, "fw:latest:")
	if cfg.Adapter.Retries == nil || *cfg.Adapter.Retries != 0 {
		t.Errorf("adapter.retries = %v, want explicit 0", cfg.Adapter.Retries)
	}
	assertEqual(t, "log.level", cfg.Log.Level, "debug")

	_, opts, err := cfg.BuildCompiler()
	if err != nil {
		t.Fatalf("BuildCompiler: %v", err)
	}
	want := micro.Options{CFlags: []string{"-O2", "-g"}, IncludeDirs: []string{"/opt/crt/include"}}
	if !reflect.DeepEqual(opts, want) {
		t.Errorf("compiler options = %+v, want %+v", opts, want)
	}
}

func TestLoad_EmptyConfig(t *testing.T) {
	for _, content := range []string{"", "   \n  \n", "# only a comment\n"} {
		cfg, err := Load(writeTemp(t, content))
		if err != nil {
			t.Fatalf("Load(%q) failed: %v", content, err)
		}
		if cfg.Transport.Kind != "" {
			t.Errorf("expected empty transport kind, got %q", cfg.Transport.Kind)
		}
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/microlink.yaml")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeTemp(t, "{{invalid yaml")); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_PORT", "/dev/ttyACM3")

	cfg, err := Load(writeTemp(t, "transport:\n  serial:\n    port: ${TEST_PORT}\n    baud_rate: ${TEST_BAUD:-9600}\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "transport.serial.port", cfg.Transport.Serial.Port, "/dev/ttyACM3")
	if cfg.Transport.Serial.BaudRate != 9600 {
		t.Errorf("baud_rate = %d, want default 9600", cfg.Transport.Serial.BaudRate)
	}
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		key  string
	}{
		{"top level", "transport:\n  kind: fifo\nbogus_key: x\n", "bogus_key"},
		{"nested", "store:\n  backend: fs\n  unknown_field: bad\n", "unknown_field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTemp(t, tt.yaml))
			if err == nil {
				t.Fatal("expected error for unknown key, got nil")
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("error should mention %q, got: %v", tt.key, err)
			}
		})
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad kind", "transport:\n  kind: usb\n", "transport.kind"},
		{"bad wakeup", "session:\n  wakeup: zz\n", "session.wakeup"},
		{"poke without wakeup", "session:\n  poke: \"00\"\n", "requires session.wakeup"},
		{"bad poke", "session:\n  wakeup: default\n  poke: xyz\n", "invalid hex"},
		{"bad duration", "transport:\n  timeouts:\n    session_start: soon\n", "invalid duration"},
		{"negative duration", "transport:\n  timeouts:\n    session_start: -1s\n", "negative"},
		{"bad adapter type", "adapter:\n  type: kafka\n  url: x\n", "adapter.type"},
		{"adapter without url", "adapter:\n  type: redis\n", "adapter.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTemp(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestParseHex(t *testing.T) {
	tests := []struct {
		in   string
		want []byte
	}{
		{"feff02", []byte{0xfe, 0xff, 0x02}},
		{"fe ff 02", []byte{0xfe, 0xff, 0x02}},
		{"FE:FF:02", []byte{0xfe, 0xff, 0x02}},
		{"0x0102", []byte{0x01, 0x02}},
	}
	for _, tt := range tests {
		got, err := ParseHex(tt.in)
		if err != nil {
			t.Fatalf("ParseHex(%q): %v", tt.in, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseHex(%q) = %x, want %x", tt.in, got, tt.want)
		}
	}
	if _, err := ParseHex("f"); err == nil {
		t.Error("odd-length hex should fail")
	}
}

func TestSessionConfig(t *testing.T) {
	cfg, err := Parse([]byte("session:\n  wakeup: default\n  poke: 0a\ntransport:\n  timeouts:\n    session_start: 20s\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	stub := transport.NewStubTransport(transport.DefaultSerialTimeouts)

	sc, err := cfg.SessionConfig(stub)
	if err != nil {
		t.Fatalf("SessionConfig: %v", err)
	}
	if !reflect.DeepEqual(sc.Wakeup, transport.DefaultWakeupSequence) {
		t.Errorf("Wakeup = %x", sc.Wakeup)
	}
	if !reflect.DeepEqual(sc.Poke, []byte{0x0a}) {
		t.Errorf("Poke = %x", sc.Poke)
	}
	want := transport.DefaultSerialTimeouts
	want.SessionStart = 20 * time.Second
	if sc.Timeouts == nil || *sc.Timeouts != want {
		t.Errorf("Timeouts = %+v, want %+v", sc.Timeouts, want)
	}
}

func TestTimeoutsConfig_ApplyNothing(t *testing.T) {
	if got := (TimeoutsConfig{}).Apply(transport.DefaultSerialTimeouts); got != nil {
		t.Errorf("Apply with no overrides = %+v, want nil", got)
	}
}

func TestBuildTransport(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TransportConfig
		want    any
		wantErr string
	}{
		{"serial inferred", TransportConfig{Serial: SerialConfig{Port: "/dev/ttyUSB0"}}, &transport.SerialTransport{}, ""},
		{"subprocess", TransportConfig{Kind: KindSubprocess, Subprocess: SubprocessConfig{Command: []string{"cat"}}}, &transport.SubprocessTransport{}, ""},
		{"fifo", TransportConfig{Kind: KindFifo, Fifo: FifoConfig{Read: "/tmp/a", Write: "/tmp/b"}}, &transport.FifoTransport{}, ""},
		{"emulator", TransportConfig{Kind: KindEmulator, Emulator: EmulatorConfig{Command: []string{"qemu", "{pipe}"}}}, &transport.EmulatorTransport{}, ""},
		{"nothing", TransportConfig{}, nil, "no transport configured"},
		{"fifo missing path", TransportConfig{Kind: KindFifo}, nil, "read and write"},
		{"emulator without placeholder", TransportConfig{Kind: KindEmulator, Emulator: EmulatorConfig{Command: []string{"qemu"}}}, nil, "{pipe}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.BuildTransport(nil)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("BuildTransport = %v, want error containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildTransport: %v", err)
			}
			if reflect.TypeOf(got) != reflect.TypeOf(tt.want) {
				t.Errorf("BuildTransport = %T, want %T", got, tt.want)
			}
		})
	}
}

func TestBuildFlasher_UnsupportedRunner(t *testing.T) {
	cfg := &Config{Flasher: FlasherConfig{
		Runner:    "jlink",
		Supported: []string{"openocd"},
		Command:   micro.Command{Argv: []string{"true"}},
	}}
	if _, err := cfg.BuildFlasher(nil); err == nil {
		t.Fatal("expected unsupported runner error")
	}
}

func TestBuildStore_Memory(t *testing.T) {
	cfg := &Config{Store: store.Config{Backend: store.BackendMemory}}
	s, err := cfg.BuildStore(t.Context(), store.Options{})
	if err != nil {
		t.Fatalf("BuildStore: %v", err)
	}
	refs, err := s.List(t.Context(), "")
	if err != nil || len(refs) != 0 {
		t.Errorf("List = %v, %v", refs, err)
	}
}

func TestBuildAdapter(t *testing.T) {
	a, err := AdapterConfig{}.BuildAdapter()
	if err != nil || a != nil {
		t.Fatalf("empty adapter = %v, %v; want nil, nil", a, err)
	}

	zero := 0
	tests := []struct {
		name string
		cfg  AdapterConfig
		want any
	}{
		{"webhook", AdapterConfig{Type: AdapterWebhook, URL: "https://hooks.example.com/microlink", Secret: "s3cret", Retries: &zero}, &webhook.Adapter{}},
		{"redis", AdapterConfig{Type: AdapterRedis, URL: "redis://localhost:6379/0", Channel: "builds", NoLatest: true}, &redis.Adapter{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.BuildAdapter()
			if err != nil {
				t.Fatalf("BuildAdapter: %v", err)
			}
			defer func() { _ = got.Close() }()
			if reflect.TypeOf(got) != reflect.TypeOf(tt.want) {
				t.Errorf("BuildAdapter = %T, want %T", got, tt.want)
			}
		})
	}

	if _, err := (AdapterConfig{Type: AdapterRedis, URL: "not-a-url"}).BuildAdapter(); err == nil {
		t.Error("invalid redis URL should fail")
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "microlink.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func assertEqual(t *testing.T, field, got, want string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %q, want %q", field, got, want)
	}
}
