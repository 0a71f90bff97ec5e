package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/microlink/artifact"
	"github.com/pithecene-io/microlink/cli/config"
	"github.com/pithecene-io/microlink/cli/render"
	"github.com/pithecene-io/microlink/iox"
	"github.com/pithecene-io/microlink/log"
	"github.com/pithecene-io/microlink/metrics"
	"github.com/pithecene-io/microlink/micro"
	"github.com/pithecene-io/microlink/session"
	"github.com/pithecene-io/microlink/transport"
)

// deviceErrors classify as exit code 3.
var deviceErrors = []error{
	transport.ErrStartupFailure,
	transport.ErrPortNotFound,
	transport.ErrTimeout,
	transport.ErrClosed,
	transport.ErrEscapeDesync,
	session.ErrTransportInUse,
	micro.ErrBoardNotFound,
}

// SessionResult reports one session: its handshake and the bytes exchanged.
type SessionResult struct {
	Transport string           `json:"transport"`
	Rounds    int              `json:"handshake_rounds"`
	Noise     int              `json:"noise_bytes"`
	Trailing  int              `json:"trailing_bytes"`
	Elapsed   string           `json:"handshake_elapsed"`
	Sent      int              `json:"sent_bytes"`
	Received  string           `json:"received_hex"`
	Metrics   metrics.Snapshot `json:"metrics"`
}

var sessionFlags = []cli.Flag{
	&cli.StringFlag{Name: "send", Usage: "Hex bytes to write once the session is established"},
	&cli.IntFlag{Name: "read", Usage: "Read up to N bytes after sending"},
	&cli.DurationFlag{Name: "read-timeout", Usage: "Total time to wait for --read bytes (default: session_established)"},
	&cli.StringFlag{Name: "trace", Usage: "Write an I/O trace to this file (overrides session.trace)"},
	&cli.BoolFlag{Name: "no-handshake", Usage: "Open the transport without waiting for the wakeup sequence"},
}

// ConnectCommand returns the connect command.
func ConnectCommand() *cli.Command {
	return &cli.Command{
		Name:   "connect",
		Usage:  "Open a session on the configured transport and exchange bytes",
		Flags:  withOutput(sessionFlags...),
		Action: connectAction,
	}
}

func connectAction(c *cli.Context) error {
	send, err := sendFlag(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(c, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	t, err := cfg.Transport.BuildTransport(logger)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	res, err := runSession(c, cfg, t, send, logger)
	if err != nil {
		return cli.Exit(err.Error(), exitCode(err, deviceErrors...))
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(res)
}

// sendFlag decodes --send. Bad hex is a usage error.
func sendFlag(c *cli.Context) ([]byte, error) {
	send, err := config.ParseHex(c.String("send"))
	if err != nil {
		return nil, usageError("--send: %v", err)
	}
	return send, nil
}

// runSession opens a session over t with the flag overrides applied, sends
// --send and collects up to --read bytes.
func runSession(c *cli.Context, cfg *config.Config, t transport.Transport, send []byte, logger *log.Logger) (*SessionResult, error) {
	sc, err := cfg.SessionConfig(t)
	if err != nil {
		return nil, err
	}
	if c.Bool("no-handshake") {
		sc.Wakeup, sc.Poke = nil, nil
	}
	kind := fmt.Sprintf("%T", t)
	m := metrics.NewCollector(kind, cfg.Transport.Serial.Port, "")
	sc.Logger = logger
	sc.Metrics = m

	tracePath := cfg.Session.Trace
	if c.IsSet("trace") {
		tracePath = c.String("trace")
	}
	if tracePath != "" {
		f, err := os.Create(tracePath)
		if err != nil {
			return nil, fmt.Errorf("open trace: %w", err)
		}
		defer iox.DiscardClose(f)
		sc.Trace = f
	}

	res := &SessionResult{Transport: kind}
	err = session.With(t, sc, func(s *session.Session) error {
		hs := s.Handshake()
		res.Rounds, res.Noise, res.Trailing = hs.Rounds, hs.Noise, hs.Trailing
		res.Elapsed = hs.Elapsed.String()

		if len(send) > 0 {
			n, err := s.Write(send)
			res.Sent = n
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}

		if err := s.TraceErr(); err != nil {
			logger.Warn("trace incomplete", map[string]any{"error": err.Error()})
		}

		want := c.Int("read")
		if want <= 0 {
			return nil
		}
		timeout := c.Duration("read-timeout")
		if timeout <= 0 {
			timeout = s.Timeouts().SessionEstablished
		}
		got, err := readUpTo(s, want, timeout)
		res.Received = hex.EncodeToString(got)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		return nil
	})
	res.Metrics = m.Snapshot()
	return res, err
}

// readUpTo reads until n bytes arrive or timeout elapses. Running out of
// time after at least one byte is not an error.
func readUpTo(s *session.Session, n int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	var out []byte
	for len(out) < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		data, err := s.ReadTimeout(n-len(out), remaining)
		out = append(out, data...)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) && len(out) > 0 {
				break
			}
			return out, err
		}
	}
	return out, nil
}

// FlashCommand returns the flash command.
func FlashCommand() *cli.Command {
	return &cli.Command{
		Name:      "flash",
		Usage:     "Flash a micro_binary archive and open a session on the device",
		ArgsUsage: "<binary-archive>",
		Flags: withOutput(append([]cli.Flag{
			&cli.StringFlag{Name: "runner", Usage: "Flash runner (overrides flasher.runner)"},
		}, sessionFlags...)...),
		Action: flashAction,
	}
}

func flashAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return usageError("flash requires <binary-archive>")
	}
	send, err := sendFlag(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("runner") {
		cfg.Flasher.Runner = c.String("runner")
	}
	logger, err := newLogger(c, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	work, err := os.MkdirTemp("", "microlink-flash-")
	if err != nil {
		return err
	}
	defer iox.DiscardRemoveAll(work)

	typed, err := artifact.Unarchive(c.Args().First(), filepath.Join(work, "binary"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	bin, ok := typed.(*artifact.MicroBinary)
	if !ok {
		return usageError("%s is a %q artifact, want %s", c.Args().First(), typed.Base().Type(), artifact.TypeMicroBinary)
	}

	flasher, err := cfg.BuildFlasher(logger)
	if err != nil {
		return usageError("%v", err)
	}
	t, err := flasher.Flash(c.Context, bin)
	if err != nil {
		return cli.Exit(err.Error(), exitCode(err, deviceErrors...))
	}

	res, err := runSession(c, cfg, t, send, logger)
	if err != nil {
		return cli.Exit(err.Error(), exitCode(err, deviceErrors...))
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(res)
}
