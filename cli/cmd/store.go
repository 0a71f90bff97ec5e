package cmd

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/microlink/adapter"
	"github.com/pithecene-io/microlink/cli/config"
	"github.com/pithecene-io/microlink/cli/render"
	"github.com/pithecene-io/microlink/iox"
	"github.com/pithecene-io/microlink/log"
	"github.com/pithecene-io/microlink/metrics"
	"github.com/pithecene-io/microlink/store"
)

// RefResult is a stored archive reference.
type RefResult struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
	Ext    string `json:"ext"`
	Key    string `json:"key"`
}

// PullResult reports a pulled archive.
type PullResult struct {
	Ref  string `json:"ref"`
	Path string `json:"path"`
}

func refResult(r store.Ref) RefResult {
	return RefResult{Name: r.Name, Digest: r.Digest, Ext: r.Ext, Key: r.Key()}
}

var storeFlags = []cli.Flag{
	&cli.StringFlag{Name: "store", Usage: "Store backend: fs, s3, memory (overrides store.backend)"},
	&cli.StringFlag{Name: "store-path", Usage: "Store root directory, or bucket/prefix for s3 (overrides store.path)"},
}

// storeSession is an opened archive store with its config and logger.
type storeSession struct {
	*store.ArchiveStore
	cfg    *config.Config
	logger *log.Logger
}

// openStore builds the archive store from config plus flag overrides.
func openStore(c *cli.Context) (*storeSession, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	applyStoreFlags(c, cfg)
	logger, err := newLogger(c, cfg)
	if err != nil {
		return nil, err
	}
	m := metrics.NewCollector("", "", cfg.Store.BackendName())
	s, err := cfg.BuildStore(c.Context, store.Options{Logger: logger, Metrics: m})
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	return &storeSession{ArchiveStore: s, cfg: cfg, logger: logger}, nil
}

func applyStoreFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("store") {
		cfg.Store.Backend = c.String("store")
	}
	if c.IsSet("store-path") {
		cfg.Store.Path = c.String("store-path")
	}
}

// storeExit maps store failures to exit codes: 4 for not found and digest
// mismatches, 1 otherwise.
func storeExit(err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrDigestMismatch) {
		return cli.Exit(err.Error(), 4)
	}
	if errors.Is(err, store.ErrInvalidRef) {
		return usageError("%v", err)
	}
	return cli.Exit(err.Error(), 1)
}

// PushCommand returns the push command.
func PushCommand() *cli.Command {
	return &cli.Command{
		Name:      "push",
		Usage:     "Upload an archive to the archive store",
		ArgsUsage: "<archive>...",
		Flags:     withOutput(storeFlags...),
		Action:    pushAction,
	}
}

func pushAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return usageError("push requires at least one <archive>")
	}
	s, err := openStore(c)
	if err != nil {
		return err
	}
	notifier, err := s.cfg.Adapter.BuildAdapter()
	if err != nil {
		return usageError("adapter: %v", err)
	}
	if notifier != nil {
		defer iox.DiscardClose(notifier)
	}

	results := make([]RefResult, 0, c.NArg())
	for _, path := range c.Args().Slice() {
		rec, err := s.PushArchive(c.Context, path)
		if err != nil {
			return storeExit(err)
		}
		results = append(results, refResult(rec.Ref()))
		if notifier != nil {
			notifyPush(c.Context, notifier, rec, s.cfg.Store.BackendName(), s.logger)
		}
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(results)
}

// notifyPush publishes rec. Publishing is best effort: a failure is logged
// and the push still succeeds.
func notifyPush(ctx context.Context, a adapter.Adapter, rec store.PushRecord, backend string, logger *log.Logger) {
	ref := rec.Ref()
	event := &adapter.ArchivePushedEvent{
		EventType:    adapter.EventArchivePushed,
		ToolVersion:  rec.ToolVersion,
		Name:         rec.Name,
		Digest:       rec.Digest,
		Key:          rec.Key,
		Ref:          ref.String(),
		Backend:      backend,
		ArtifactType: rec.ArtifactType,
		SizeBytes:    rec.Size,
		Deduped:      rec.Deduped,
		Timestamp:    rec.PushedAt.UTC().Format(time.RFC3339),
	}
	if err := a.Publish(ctx, event); err != nil {
		logger.Warn("push notification failed", map[string]any{"ref": event.Ref, "error": err.Error()})
	}
}

// PullCommand returns the pull command.
func PullCommand() *cli.Command {
	return &cli.Command{
		Name:      "pull",
		Usage:     "Download and verify an archive from the archive store",
		ArgsUsage: "<name[@digest]>",
		Flags: withOutput(append([]cli.Flag{
			&cli.StringFlag{Name: "dest", Aliases: []string{"o"}, Usage: "Destination directory", Value: "."},
		}, storeFlags...)...),
		Action: pullAction,
	}
}

func pullAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return usageError("pull requires <name[@digest]>")
	}
	ref, err := store.ParseRef(c.Args().First())
	if err != nil {
		return storeExit(err)
	}
	dest := c.String("dest")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	s, err := openStore(c)
	if err != nil {
		return err
	}
	resolved, err := s.Resolve(c.Context, ref.String())
	if err != nil {
		return storeExit(err)
	}
	path, err := s.Pull(c.Context, resolved, dest)
	if err != nil {
		return storeExit(err)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(PullResult{Ref: resolved.String(), Path: path})
}

// ListCommand returns the list command.
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "List stored archives, optionally for one name",
		ArgsUsage: "[name]",
		Flags:     withOutput(storeFlags...),
		Action:    listAction,
	}
}

func listAction(c *cli.Context) error {
	s, err := openStore(c)
	if err != nil {
		return err
	}
	refs, err := s.List(c.Context, c.Args().First())
	if err != nil {
		return storeExit(err)
	}
	results := make([]RefResult, len(refs))
	for i, ref := range refs {
		results[i] = refResult(ref)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(results)
}

// HistoryCommand returns the history command.
func HistoryCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Show the push history of an archive name",
		ArgsUsage: "<name>",
		Flags:     withOutput(storeFlags...),
		Action:    historyAction,
	}
}

func historyAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return usageError("history requires <name>")
	}
	s, err := openStore(c)
	if err != nil {
		return err
	}
	records, err := s.History(c.Context, c.Args().First())
	if err != nil {
		return storeExit(err)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(records)
}
