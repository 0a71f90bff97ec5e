// Package artifact implements relocatable build artifacts: a directory of
// files, an index of those files by label, and free-form metadata, which can
// be packaged into a tar archive on one machine and unpacked on another.
//
// An Artifact owns its base directory. Construction checks that every
// labelled path exists and that no labelled symlink resolves outside the
// tree; archives carry a versioned metadata.json so a stale toolchain is
// rejected with ErrBadArchive rather than producing a half-understood tree.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// EncodingVersion is the metadata.json version written by Archive and the
// only version Unarchive accepts.
const EncodingVersion = 1

// MetadataTypeKey is the metadata key holding an artifact's type tag.
const MetadataTypeKey = "artifact_type"

// Artifact is a directory tree plus a labelled-file index and metadata.
type Artifact struct {
	baseDir       string
	labelledFiles map[string][]string
	metadata      map[string]any
}

// Typed is implemented by the base Artifact and every registered subtype.
type Typed interface {
	// Base returns the underlying Artifact.
	Base() *Artifact
}

var _ Typed = (*Artifact)(nil)

// New validates the files under baseDir and returns an Artifact.
//
// labelledFiles maps a label to paths relative to baseDir; order within a
// label is kept. Errors:
//   - ErrInvalidPath: a labelled path is absolute or climbs out of baseDir
//   - ErrFileNotFound: a labelled path does not exist (a dangling symlink counts as existing)
//   - ErrBadSymlink: a labelled symlink resolves outside baseDir
//
// New never modifies the filesystem.
func New(baseDir string, labelledFiles map[string][]string, metadata map[string]any) (*Artifact, error) {
	base, err := canonicalDir(baseDir)
	if err != nil {
		return nil, err
	}

	a := &Artifact{
		baseDir:       base,
		labelledFiles: cloneLabels(labelledFiles),
		metadata:      maps.Clone(metadata),
	}
	if a.metadata == nil {
		a.metadata = make(map[string]any)
	}

	for _, label := range a.Labels() {
		for _, rel := range a.labelledFiles[label] {
			if err := a.checkMember(label, rel); err != nil {
				return nil, err
			}
		}
	}
	return a, nil
}

// canonicalDir returns the absolute, symlink-free form of dir.
func canonicalDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve base dir %q: %w", dir, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve base dir %q: %w", dir, err)
	}
	return real, nil
}

func (a *Artifact) checkMember(label, rel string) error {
	if filepath.IsAbs(rel) || !filepath.IsLocal(rel) {
		return &Error{Kind: ErrInvalidPath, Label: label, Path: rel, Msg: "path must be relative and inside the artifact tree"}
	}

	full := a.Abspath(rel)
	info, err := os.Lstat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return &Error{Kind: ErrFileNotFound, Label: label, Path: rel, Msg: "not found at " + full}
	}
	if err != nil {
		return &Error{Kind: ErrFileNotFound, Label: label, Path: rel, Msg: "cannot stat " + full, Err: err}
	}
	if info.Mode()&fs.ModeSymlink == 0 {
		return nil
	}

	target, err := os.Readlink(full)
	if err != nil {
		return &Error{Kind: ErrBadSymlink, Label: label, Path: rel, Msg: "cannot read symlink", Err: err}
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(full), target)
	}
	if !within(a.baseDir, resolvePath(target)) {
		return &Error{Kind: ErrBadSymlink, Label: label, Path: rel, Msg: "symlink points outside artifact tree"}
	}
	return nil
}

// resolvePath canonicalizes p. When p (or a component of it) does not
// exist, the longest existing prefix is resolved and the rest is joined
// lexically, so a dangling link is still judged by where it points.
func resolvePath(p string) string {
	p = filepath.Clean(p)
	if real, err := filepath.EvalSymlinks(p); err == nil {
		return real
	}
	dir, file := filepath.Split(p)
	dir = filepath.Clean(dir)
	if dir == p {
		return p
	}
	return filepath.Join(resolvePath(dir), file)
}

// within reports whether p is base or a path below it.
func within(base, p string) bool {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func cloneLabels(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for label, files := range in {
		out[label] = slices.Clone(files)
	}
	return out
}

// Base implements Typed.
func (a *Artifact) Base() *Artifact { return a }

// BaseDir returns the canonical base directory.
func (a *Artifact) BaseDir() string { return a.baseDir }

// Abspath returns the absolute path of the member at rel.
func (a *Artifact) Abspath(rel string) string {
	return filepath.Join(a.baseDir, rel)
}

// Label returns the relative paths carrying label, in order.
// Returns nil when the label is absent.
func (a *Artifact) Label(label string) []string {
	return slices.Clone(a.labelledFiles[label])
}

// LabelAbspath returns the absolute paths carrying label, in order.
func (a *Artifact) LabelAbspath(label string) []string {
	files := a.labelledFiles[label]
	if files == nil {
		return nil
	}
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = a.Abspath(f)
	}
	return out
}

// HasLabel reports whether label is present.
func (a *Artifact) HasLabel(label string) bool {
	_, ok := a.labelledFiles[label]
	return ok
}

// Labels returns all labels, sorted.
func (a *Artifact) Labels() []string {
	return slices.Sorted(maps.Keys(a.labelledFiles))
}

// LabelledFiles returns a copy of the label index.
func (a *Artifact) LabelledFiles() map[string][]string {
	return cloneLabels(a.labelledFiles)
}

// Metadata returns a shallow copy of the metadata.
func (a *Artifact) Metadata() map[string]any {
	return maps.Clone(a.metadata)
}

// Type returns the artifact_type tag, or "" for a plain artifact.
func (a *Artifact) Type() string {
	s, _ := a.metadata[MetadataTypeKey].(string)
	return s
}
