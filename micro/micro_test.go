package micro

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/microlink/artifact"
	"github.com/pithecene-io/microlink/transport"
)

var stubTimeouts = transport.Timeouts{SessionStart: time.Second, SessionEstablished: time.Second}

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions(map[string]any{
		"cflags":       []any{"-O2", "-g"},
		"ldflags":      "-nostdlib",
		"include_dirs": []string{"include", "crt/include"},
		"cmake_args":   []any{"-DFOO=1"},
	})
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}
	want := Options{
		CFlags:      []string{"-O2", "-g"},
		LDFlags:     []string{"-nostdlib"},
		IncludeDirs: []string{"include", "crt/include"},
		CMakeArgs:   []string{"-DFOO=1"},
	}
	if !reflect.DeepEqual(opts, want) {
		t.Errorf("ParseOptions = %+v, want %+v", opts, want)
	}
}

func TestParseOptions_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want string
	}{
		{"unknown key", map[string]any{"cxxflags": "-O2"}, `unknown compiler option "cxxflags"`},
		{"wrong type", map[string]any{"cflags": 3}, "want string or list of strings"},
		{"wrong element", map[string]any{"ldflags": []any{"-x", 1}}, "element 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOptions(tt.raw)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ParseOptions = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestOptions_CMakeDefines(t *testing.T) {
	opts := Options{
		CFlags:      []string{"-O2", "-g"},
		CCFlags:     []string{"-fno-rtti"},
		IncludeDirs: []string{"/a", "/b"},
		CMakeArgs:   []string{"-DBOARD=qemu_x86"},
	}
	got := opts.CMakeDefines()
	want := []string{"-DEXTRA_CFLAGS=-O2;-g", "-DEXTRA_CXXFLAGS=-fno-rtti", "-DBOARD=qemu_x86"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("CMakeDefines = %q, want %q", got, want)
	}
	if d := opts.IncludeDirsDefine("TVM_INCLUDE_DIRS"); d != "-DTVM_INCLUDE_DIRS=/a;/b" {
		t.Errorf("IncludeDirsDefine = %q", d)
	}
	if d := (Options{}).IncludeDirsDefine("X"); d != "" {
		t.Errorf("empty IncludeDirsDefine = %q", d)
	}
	if len(KnownOptions()) != 5 {
		t.Errorf("KnownOptions = %v", KnownOptions())
	}
}

func newBinary(t *testing.T) *artifact.MicroBinary {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "zephyr.bin"), []byte{0x7f, 'E', 'L', 'F'}, 0o644); err != nil {
		t.Fatal(err)
	}
	bin, err := artifact.NewMicroBinary(dir, "zephyr.bin", nil, nil, map[string]any{"board": "nrf5340dk"})
	if err != nil {
		t.Fatalf("NewMicroBinary: %v", err)
	}
	return bin
}

func TestCommandFlasher_RunsCommandThenReturnsTransport(t *testing.T) {
	requireSh(t)
	bin := newBinary(t)
	log := filepath.Join(t.TempDir(), "flash.log")
	stub := transport.NewStubTransport(stubTimeouts)

	f, err := NewCommandFlasher(CommandFlasherConfig{
		Runner:    "openocd",
		Supported: []string{"openocd", "nrfjprog"},
		Flash:     Command{Argv: []string{"sh", "-c", "echo {runner} {binary} > " + log}},
		Transport: func(b *artifact.MicroBinary) (transport.Transport, error) {
			if b != bin {
				t.Errorf("factory got a different binary")
			}
			return stub, nil
		},
	})
	if err != nil {
		t.Fatalf("NewCommandFlasher: %v", err)
	}

	tr, err := f.Flash(context.Background(), bin)
	if err != nil {
		t.Fatalf("Flash: %v", err)
	}
	if tr != stub {
		t.Errorf("Flash returned %T, want the factory transport", tr)
	}
	data, _ := os.ReadFile(log)
	if want := "openocd " + bin.Abspath("zephyr.bin") + "\n"; string(data) != want {
		t.Errorf("flash command saw %q, want %q", data, want)
	}
	if stub.Opened() != 0 {
		t.Error("Flash must return the transport unopened")
	}
}

func TestCommandFlasher_UnsupportedRunner(t *testing.T) {
	_, err := NewCommandFlasher(CommandFlasherConfig{
		Runner:    "jlink",
		Supported: []string{"openocd"},
		Flash:     Command{Argv: []string{"true"}},
		Transport: func(*artifact.MicroBinary) (transport.Transport, error) { return nil, nil },
	})
	if !errors.Is(err, ErrFlashRunnerNotSupported) {
		t.Fatalf("err = %v, want ErrFlashRunnerNotSupported", err)
	}
	var fre *FlashRunnerError
	if !errors.As(err, &fre) || fre.Runner != "jlink" {
		t.Errorf("err = %#v", err)
	}
}

func TestCommandFlasher_CommandFailurePropagates(t *testing.T) {
	requireSh(t)
	f, _ := NewCommandFlasher(CommandFlasherConfig{
		Flash:     Command{Argv: []string{"sh", "-c", "echo no probe attached >&2; exit 3"}},
		Transport: func(*artifact.MicroBinary) (transport.Transport, error) { return nil, nil },
	})
	_, err := f.Flash(context.Background(), newBinary(t))
	var ce *CommandError
	if !errors.As(err, &ce) || !strings.Contains(ce.Output, "no probe attached") {
		t.Fatalf("err = %v, want CommandError with output", err)
	}
}

func TestCommandFlasher_FactoryErrorPropagatesUnchanged(t *testing.T) {
	requireSh(t)
	f, _ := NewCommandFlasher(CommandFlasherConfig{
		Flash: Command{Argv: []string{"true"}},
		Transport: func(*artifact.MicroBinary) (transport.Transport, error) {
			return nil, ErrBoardNotFound
		},
	})
	if _, err := f.Flash(context.Background(), newBinary(t)); !errors.Is(err, ErrBoardNotFound) {
		t.Errorf("err = %v, want ErrBoardNotFound", err)
	}
}

type fakeDebugger struct {
	events   []string
	startErr error
}

func (d *fakeDebugger) Start() error {
	d.events = append(d.events, "start")
	return d.startErr
}

func (d *fakeDebugger) Stop() error {
	d.events = append(d.events, "stop")
	return nil
}

func TestCommandFlasher_WrapsDebugger(t *testing.T) {
	requireSh(t)
	dbg := &fakeDebugger{}
	stub := transport.NewStubTransport(stubTimeouts)
	f, _ := NewCommandFlasher(CommandFlasherConfig{
		Flash:     Command{Argv: []string{"true"}},
		Transport: func(*artifact.MicroBinary) (transport.Transport, error) { return stub, nil },
		Debugger:  dbg,
	})
	tr, err := f.Flash(context.Background(), newBinary(t))
	if err != nil {
		t.Fatalf("Flash: %v", err)
	}
	if _, ok := tr.(*DebugTransport); !ok {
		t.Fatalf("Flash returned %T, want *DebugTransport", tr)
	}
	if err := tr.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !reflect.DeepEqual(dbg.events, []string{"start", "stop"}) {
		t.Errorf("debugger events = %v", dbg.events)
	}
}

func TestDebugTransport_ChildOpenFailureStopsDebugger(t *testing.T) {
	dbg := &fakeDebugger{}
	stub := transport.NewStubTransport(stubTimeouts)
	stub.OpenErr = errors.New("port busy")
	tr := NewDebugTransport(dbg, stub)

	if err := tr.Open(); err == nil {
		t.Fatal("expected open error")
	}
	if !reflect.DeepEqual(dbg.events, []string{"start", "stop"}) {
		t.Errorf("debugger events = %v", dbg.events)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if len(dbg.events) != 2 {
		t.Errorf("Close stopped the debugger twice: %v", dbg.events)
	}
}

func TestCommandDebugger_StartStop(t *testing.T) {
	requireSh(t)
	d, err := NewCommandDebugger(Command{Argv: []string{"sh", "-c", "sleep 30"}}, nil)
	if err != nil {
		t.Fatalf("NewCommandDebugger: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Start(); err == nil {
		t.Error("second Start should fail")
	}
	start := time.Now()
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Stop did not terminate the debugger promptly")
	}
	if err := d.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestCommandCompiler_BuildsArtifacts(t *testing.T) {
	requireSh(t)
	libDir := t.TempDir()
	binDir := t.TempDir()

	c := NewCommandCompiler(CommandCompilerConfig{
		Library:           Command{Argv: []string{"sh", "-c", `printf '%s\n' "$@" > {out_dir}/args.txt; : > {out_dir}/libmodel.a`, "build"}},
		LibraryOutputs:    []string{"libmodel.a"},
		Binary:            Command{Argv: []string{"sh", "-c", `echo {libs} > {out_dir}/libs.txt; : > {out_dir}/zephyr.elf`}},
		BinaryOutput:      "zephyr.elf",
		IncludeDirsDefine: "TVM_INCLUDE_DIRS",
		Metadata:          map[string]any{"board": "qemu_x86"},
	})
	opts := Options{CFlags: []string{"-O2"}, IncludeDirs: []string{"/inc"}}

	lib, err := c.Library(context.Background(), libDir, []string{"a.o", "b.o"}, opts)
	if err != nil {
		t.Fatalf("Library: %v", err)
	}
	if got := lib.LibraryFiles(); !reflect.DeepEqual(got, []string{"libmodel.a"}) {
		t.Errorf("LibraryFiles = %v", got)
	}
	args, _ := os.ReadFile(filepath.Join(libDir, "args.txt"))
	if string(args) != "-DEXTRA_CFLAGS=-O2\n-DTVM_INCLUDE_DIRS=/inc\n" {
		t.Errorf("library args = %q", args)
	}
	if lib.Type() != artifact.TypeMicroLibrary || lib.Metadata()["board"] != "qemu_x86" {
		t.Errorf("library metadata = %v", lib.Metadata())
	}

	bin, err := c.Binary(context.Background(), binDir, []*artifact.MicroLibrary{lib}, opts)
	if err != nil {
		t.Fatalf("Binary: %v", err)
	}
	if bin.BinaryFile() != "zephyr.elf" {
		t.Errorf("BinaryFile = %q", bin.BinaryFile())
	}
	libs, _ := os.ReadFile(filepath.Join(binDir, "libs.txt"))
	if strings.TrimSpace(string(libs)) != lib.Abspath("libmodel.a") {
		t.Errorf("binary saw libs %q", libs)
	}
}

func TestCommandCompiler_Unconfigured(t *testing.T) {
	c := NewCommandCompiler(CommandCompilerConfig{})
	if _, err := c.Library(context.Background(), t.TempDir(), nil, Options{}); err == nil {
		t.Error("expected error for unconfigured library command")
	}
	if _, err := c.Binary(context.Background(), t.TempDir(), nil, Options{}); err == nil {
		t.Error("expected error for unconfigured binary command")
	}
}
