// Package iox provides I/O helpers for best-effort resource cleanup.
package iox

import (
	"io"
	"os"
)

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(f)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc returns a cleanup function that closes c.
// Designed for t.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(sess))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and discards the returned error.
// Use for non-Close cleanup calls (e.g. Drain, Flush) where errors are unactionable.
func DiscardErr(fn func() error) { _ = fn() }

// DiscardRemove removes the file at path, ignoring errors (including "not exist").
// Use for temporary files that may already have been renamed away.
func DiscardRemove(path string) { _ = os.Remove(path) }

// DiscardRemoveAll removes the tree at path, ignoring errors.
// Use for staging directories that must not outlive the call:
//
//	defer iox.DiscardRemoveAll(tmp)
func DiscardRemoveAll(path string) { _ = os.RemoveAll(path) }
