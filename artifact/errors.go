package artifact

import (
	"errors"
	"fmt"
)

// Sentinel errors for artifact failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrFileNotFound indicates a labelled path is missing on disk.
	ErrFileNotFound = errors.New("artifact file not found")

	// ErrBadSymlink indicates a labelled symlink resolves outside the artifact tree.
	ErrBadSymlink = errors.New("artifact symlink points outside artifact tree")

	// ErrBadArchive indicates a malformed archive (layout, metadata or version).
	ErrBadArchive = errors.New("bad artifact archive")

	// ErrInvalidPath indicates a labelled path that is absolute or climbs out of the base directory.
	ErrInvalidPath = errors.New("invalid artifact path")

	// ErrDestinationExists indicates an unarchive destination that already exists.
	ErrDestinationExists = errors.New("artifact destination exists")
)

// Error wraps an artifact failure with its classification and the
// label/path involved.
type Error struct {
	// Kind is the sentinel error for classification (e.g., ErrFileNotFound).
	Kind error
	// Label is the label the path was listed under, if any.
	Label string
	// Path is the artifact-relative (or archive member) path involved, if any.
	Path string
	// Msg is a human-readable description.
	Msg string
	// Err is the underlying error, if any.
	Err error
}

func (e *Error) Error() string {
	var prefix string
	switch {
	case e.Path != "" && e.Label != "":
		prefix = fmt.Sprintf("%s (label %s): ", e.Path, e.Label)
	case e.Path != "":
		prefix = e.Path + ": "
	}
	if e.Err != nil {
		return fmt.Sprintf("%s%v: %s: %v", prefix, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s%v: %s", prefix, e.Kind, e.Msg)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// VersionError reports a metadata.json encoding version other than the
// one this build understands. It classifies as ErrBadArchive.
type VersionError struct {
	Expected int
	Found    any
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("archive version: expect %d, found %v", e.Expected, e.Found)
}

// Is reports ErrBadArchive so callers can match the whole class.
func (e *VersionError) Is(target error) bool {
	return target == ErrBadArchive
}

func badArchive(path, msg string, err error) *Error {
	return &Error{Kind: ErrBadArchive, Path: path, Msg: msg, Err: err}
}
