package artifact

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"

	"github.com/pithecene-io/microlink/iox"
)

// Digest returns the hex BLAKE3-256 digest of the file at path. Archives
// are byte-stable for a given tree, so the digest of an archive identifies
// its content.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer iox.DiscardClose(f)
	return DigestReader(f)
}

// DigestReader returns the hex BLAKE3-256 digest of everything read from r.
func DigestReader(r io.Reader) (string, error) {
	hasher := blake3.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("hashing: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
