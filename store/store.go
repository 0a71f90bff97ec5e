// Package store keeps artifact archives in a lode store (filesystem,
// memory or S3) keyed by artifact name and BLAKE3 digest.
//
// Archives land at archives/<name>/<digest><ext>. Every push also appends a
// PushRecord to the "microlink" lode dataset, Hive-partitioned by name, which
// is what resolves a bare name to its most recent push.
package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/microlink/artifact"
	"github.com/pithecene-io/microlink/iox"
	"github.com/pithecene-io/microlink/log"
	"github.com/pithecene-io/microlink/metrics"
	"github.com/pithecene-io/microlink/types"
)

const archivePrefix = "archives/"

// digestLen is the length of a hex BLAKE3-256 digest.
const digestLen = 64

// minDigestPrefix is the shortest digest prefix Resolve accepts.
const minDigestPrefix = 8

// Ref identifies a stored archive.
type Ref struct {
	Name   string
	Digest string
	// Ext is the archive extension (".tar", ".tar.zst", ".tar.lz4").
	Ext string
}

// String renders the ref as name@digest.
func (r Ref) String() string {
	if r.Digest == "" {
		return r.Name
	}
	return r.Name + "@" + r.Digest
}

// Key returns the storage key of the archive.
func (r Ref) Key() string {
	return archivePrefix + r.Name + "/" + r.Digest + r.Ext
}

// complete reports whether r names exactly one stored object.
func (r Ref) complete() bool {
	return len(r.Digest) == digestLen && r.Ext != ""
}

// ParseRef parses "name" or "name@digest", where digest may be a prefix of
// at least eight hex characters.
func ParseRef(s string) (Ref, error) {
	name, digest, hasDigest := strings.Cut(s, "@")
	if err := validateName(name); err != nil {
		return Ref{}, &StorageError{Kind: ErrInvalidRef, Op: "parse", Key: s, Err: err}
	}
	if hasDigest {
		if len(digest) < minDigestPrefix || len(digest) > digestLen || !isHex(digest) {
			return Ref{}, &StorageError{Kind: ErrInvalidRef, Op: "parse", Key: s,
				Err: fmt.Errorf("digest must be %d to %d hex characters", minDigestPrefix, digestLen)}
		}
	}
	return Ref{Name: name, Digest: strings.ToLower(digest)}, nil
}

func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("name is empty")
	case name == "." || name == "..", strings.ContainsAny(name, `/\@`):
		return fmt.Errorf("name %q is not a single path segment", name)
	}
	return nil
}

func isHex(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// refFromKey parses a key whose last two segments are <name>/<digest><ext>.
// Backends may or may not include their own prefix in listed keys.
func refFromKey(key string) (Ref, bool) {
	parts := strings.Split(key, "/")
	if len(parts) < 2 {
		return Ref{}, false
	}
	name, file := parts[len(parts)-2], parts[len(parts)-1]
	if len(file) <= digestLen || !isHex(file[:digestLen]) {
		return Ref{}, false
	}
	ext := file[digestLen:]
	if !strings.HasPrefix(ext, ".tar") {
		return Ref{}, false
	}
	return Ref{Name: name, Digest: file[:digestLen], Ext: ext}, true
}

// Options configures an ArchiveStore.
type Options struct {
	Logger  *log.Logger
	Metrics *metrics.Collector
	// Now stamps push records; defaults to time.Now.
	Now func() time.Time
}

// ArchiveStore pushes and pulls artifact archives.
type ArchiveStore struct {
	store   lode.Store
	dataset lode.Dataset
	logger  *log.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// New opens an ArchiveStore on the store built by factory. Archives and the
// push dataset share that one store instance.
func New(factory lode.StoreFactory, opts Options) (*ArchiveStore, error) {
	st, err := factory()
	if err != nil {
		return nil, wrap(err, "init", DatasetID)
	}
	shared := func() (lode.Store, error) { return st, nil }

	ds, err := lode.NewDataset(
		lode.DatasetID(DatasetID),
		shared,
		lode.WithHiveLayout("name"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, wrap(err, "init", DatasetID)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &ArchiveStore{
		store:   st,
		dataset: ds,
		logger:  log.OrNop(opts.Logger).Named("store"),
		metrics: opts.Metrics,
		now:     now,
	}, nil
}

// Push uploads the archive at archivePath and records the push. The archive
// is identified by the root directory recorded in it and by its digest; an
// identical archive already present is not uploaded again.
func (s *ArchiveStore) Push(ctx context.Context, archivePath string) (Ref, error) {
	rec, err := s.PushArchive(ctx, archivePath)
	if err != nil {
		return Ref{}, err
	}
	return rec.Ref(), nil
}

// PushArchive is Push returning the dataset record it wrote.
func (s *ArchiveStore) PushArchive(ctx context.Context, archivePath string) (PushRecord, error) {
	rec, err := s.push(ctx, archivePath)
	s.metrics.IncStorePush(err == nil)
	return rec, err
}

func (s *ArchiveStore) push(ctx context.Context, archivePath string) (PushRecord, error) {
	m, name, err := artifact.ReadManifest(archivePath)
	if err != nil {
		return PushRecord{}, err
	}
	if err := validateName(name); err != nil {
		return PushRecord{}, &StorageError{Kind: ErrInvalidRef, Op: "push", Key: archivePath, Err: err}
	}
	digest, err := artifact.Digest(archivePath)
	if err != nil {
		return PushRecord{}, err
	}
	info, err := os.Stat(archivePath)
	if err != nil {
		return PushRecord{}, err
	}

	ref := Ref{Name: name, Digest: digest, Ext: artifact.CompressionForPath(archivePath).Extension()}
	key := ref.Key()

	exists, err := s.store.Exists(ctx, key)
	if err != nil {
		return PushRecord{}, wrap(err, "push", key)
	}
	if exists {
		s.logger.Debug("archive already stored", map[string]any{"key": key})
	} else {
		f, err := os.Open(archivePath)
		if err != nil {
			return PushRecord{}, err
		}
		err = s.store.Put(ctx, key, f)
		iox.DiscardClose(f)
		if err != nil {
			return PushRecord{}, wrap(err, "push", key)
		}
	}

	rec := PushRecord{
		Name:         name,
		Digest:       digest,
		Key:          key,
		Size:         info.Size(),
		ArtifactType: m.ArtifactType,
		PushedAt:     s.now(),
		ToolVersion:  types.Version,
		Deduped:      exists,
	}
	if _, err := s.dataset.Write(ctx, []any{rec.toMap()}, lode.Metadata{}); err != nil {
		return PushRecord{}, wrap(err, "push", DatasetID)
	}

	s.logger.Info("archive pushed", map[string]any{
		"ref":        ref.String(),
		"size_bytes": info.Size(),
		"deduped":    exists,
	})
	return rec, nil
}

// Pull downloads ref into destDir as <name><ext>, verifying the content
// against the digest before it is moved into place. Incomplete refs are
// resolved first.
func (s *ArchiveStore) Pull(ctx context.Context, ref Ref, destDir string) (string, error) {
	path, err := s.pull(ctx, ref, destDir)
	s.metrics.IncStorePull(err == nil)
	return path, err
}

func (s *ArchiveStore) pull(ctx context.Context, ref Ref, destDir string) (string, error) {
	if !ref.complete() {
		resolved, err := s.resolve(ctx, ref)
		if err != nil {
			return "", err
		}
		ref = resolved
	}
	key := ref.Key()

	exists, err := s.store.Exists(ctx, key)
	if err != nil {
		return "", wrap(err, "pull", key)
	}
	if !exists {
		return "", &StorageError{Kind: ErrNotFound, Op: "pull", Key: key}
	}

	rc, err := s.store.Get(ctx, key)
	if err != nil {
		return "", wrap(err, "pull", key)
	}
	defer iox.DiscardClose(rc)

	tmp, err := os.CreateTemp(destDir, ".pull-*")
	if err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if !committed {
			iox.DiscardClose(tmp)
			_ = os.Remove(tmp.Name())
		}
	}()

	got, err := artifact.DigestReader(io.TeeReader(rc, tmp))
	if err != nil {
		return "", wrap(err, "pull", key)
	}
	if got != ref.Digest {
		return "", &StorageError{Kind: ErrDigestMismatch, Op: "pull", Key: key, Err: fmt.Errorf("content hashes to %s", got)}
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	dest := filepath.Join(destDir, ref.Name+ref.Ext)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", err
	}
	committed = true

	s.logger.Info("archive pulled", map[string]any{"ref": ref.String(), "path": dest})
	return dest, nil
}

// Resolve turns "name" or "name@digest-prefix" into a complete ref. A bare
// name resolves to its most recent push.
func (s *ArchiveStore) Resolve(ctx context.Context, ref string) (Ref, error) {
	r, err := ParseRef(ref)
	if err != nil {
		return Ref{}, err
	}
	return s.resolve(ctx, r)
}

func (s *ArchiveStore) resolve(ctx context.Context, r Ref) (Ref, error) {
	if r.Digest == "" {
		history, err := s.History(ctx, r.Name)
		if err != nil {
			return Ref{}, err
		}
		if len(history) == 0 {
			return Ref{}, &StorageError{Kind: ErrNotFound, Op: "resolve", Key: r.Name}
		}
		return history[len(history)-1].Ref(), nil
	}

	refs, err := s.List(ctx, r.Name)
	if err != nil {
		return Ref{}, err
	}
	var matches []Ref
	for _, c := range refs {
		if strings.HasPrefix(c.Digest, r.Digest) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return Ref{}, &StorageError{Kind: ErrNotFound, Op: "resolve", Key: r.String()}
	case 1:
		return matches[0], nil
	default:
		return Ref{}, &StorageError{Kind: ErrInvalidRef, Op: "resolve", Key: r.String(),
			Err: fmt.Errorf("digest prefix matches %d archives", len(matches))}
	}
}

// List returns the stored archives for name, or every archive when name is
// empty, sorted by name then digest.
func (s *ArchiveStore) List(ctx context.Context, name string) ([]Ref, error) {
	prefix := archivePrefix
	if name != "" {
		if err := validateName(name); err != nil {
			return nil, &StorageError{Kind: ErrInvalidRef, Op: "list", Key: name, Err: err}
		}
		prefix += name + "/"
	}
	keys, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, wrap(err, "list", prefix)
	}

	refs := make([]Ref, 0, len(keys))
	for _, k := range keys {
		if r, ok := refFromKey(k); ok && (name == "" || r.Name == name) {
			refs = append(refs, r)
		}
	}
	slices.SortFunc(refs, func(a, b Ref) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.Digest, b.Digest)
	})
	return refs, nil
}

// History returns the push records for name, oldest first. Pushing the same
// archive twice yields two records.
func (s *ArchiveStore) History(ctx context.Context, name string) ([]PushRecord, error) {
	snapshots, err := s.dataset.Snapshots(ctx)
	if err != nil {
		return nil, wrap(err, "history", DatasetID)
	}

	type seenKey struct {
		digest string
		at     int64
	}
	seen := make(map[seenKey]struct{})
	var out []PushRecord

	for _, snap := range snapshots {
		if !snapshotHasPartition(snap, "name", name) {
			continue
		}
		rows, err := s.dataset.Read(ctx, snap.ID)
		if err != nil {
			return nil, wrap(err, "history", fmt.Sprintf("%s/snapshot/%s", DatasetID, snap.ID))
		}
		for _, row := range rows {
			m, ok := row.(map[string]any)
			if !ok || toString(m["name"]) != name {
				continue
			}
			rec, err := pushRecordFromMap(m)
			if err != nil {
				s.logger.Warn("skipping malformed push record", map[string]any{"error": err.Error()})
				continue
			}
			k := seenKey{rec.Digest, rec.PushedAt.UnixNano()}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, rec)
		}
	}

	slices.SortStableFunc(out, func(a, b PushRecord) int { return a.PushedAt.Compare(b.PushedAt) })
	return out, nil
}

// snapshotHasPartition reports whether any file in snap lies under the
// key=value Hive segment. Segments match exactly, so name=a does not match
// name=ab.
func snapshotHasPartition(snap *lode.DatasetSnapshot, key, value string) bool {
	segment := key + "=" + value
	for _, f := range snap.Manifest.Files {
		if slices.Contains(strings.Split(f.Path, "/"), segment) {
			return true
		}
	}
	return false
}
