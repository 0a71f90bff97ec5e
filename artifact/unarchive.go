package artifact

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pithecene-io/microlink/iox"
)

// Unarchive unpacks the archive at archivePath into baseDir and returns the
// artifact, dispatched to the registered subtype named by its
// artifact_type (the base *Artifact when none matches).
//
// baseDir must not exist. The archive is extracted into a temporary sibling
// of baseDir, checked (exactly one root directory, a metadata.json at the
// current EncodingVersion), then renamed to baseDir in one step. The
// temporary directory is always removed. If the unpacked tree fails the
// Artifact checks, baseDir is removed again and the error returned.
func Unarchive(archivePath, baseDir string) (Typed, error) {
	baseDir = filepath.Clean(baseDir)
	if _, err := os.Lstat(baseDir); err == nil {
		return nil, &Error{Kind: ErrDestinationExists, Path: baseDir, Msg: "refusing to unarchive over an existing path"}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", baseDir, err)
	}

	parent, name := filepath.Split(baseDir)
	if parent == "" {
		parent = "."
	}
	tmp, err := os.MkdirTemp(parent, ".unarchive-"+name+"-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer iox.DiscardRemoveAll(tmp)

	if err := extract(archivePath, tmp); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(tmp)
	if err != nil {
		return nil, fmt.Errorf("read staging dir: %w", err)
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		return nil, badArchive(archivePath, fmt.Sprintf("expected exactly 1 subdirectory at root of archive, got %q", names), nil)
	}
	root := filepath.Join(tmp, entries[0].Name())

	data, err := os.ReadFile(filepath.Join(root, ManifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, badArchive(archivePath, "no "+ManifestName+" found in archive", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ManifestName, err)
	}
	manifest, err := UnmarshalManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", archivePath, err)
	}

	if err := os.Rename(root, baseDir); err != nil {
		return nil, fmt.Errorf("move artifact into place: %w", err)
	}

	base, err := New(baseDir, manifest.LabelledFiles, manifest.Metadata)
	if err != nil {
		iox.DiscardRemoveAll(baseDir)
		return nil, err
	}
	typed, err := construct(manifest.ArtifactType, base)
	if err != nil {
		iox.DiscardRemoveAll(baseDir)
		return nil, err
	}
	return typed, nil
}

// ReadManifest streams the archive and returns its manifest and root
// directory name without extracting anything.
func ReadManifest(archivePath string) (*Manifest, string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, "", err
	}
	defer iox.DiscardClose(f)

	r, err := decompressReader(f)
	if err != nil {
		return nil, "", badArchive(archivePath, "cannot decompress", err)
	}
	defer iox.DiscardClose(r)

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, "", badArchive(archivePath, "no "+ManifestName+" found in archive", nil)
		}
		if err != nil {
			return nil, "", badArchive(archivePath, "corrupt tar stream", err)
		}

		dir, file := path.Split(path.Clean(hdr.Name))
		dir = strings.TrimSuffix(dir, "/")
		if file != ManifestName || dir == "" || strings.Contains(dir, "/") {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, "", badArchive(archivePath, "read "+ManifestName, err)
		}
		m, err := UnmarshalManifest(data)
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", archivePath, err)
		}
		return m, dir, nil
	}
}

// extract unpacks every member of the archive below dest. Member names
// that are absolute or climb out of dest (directly or through an earlier
// symlink member), and symlinks with absolute targets, are rejected as
// ErrBadArchive.
func extract(archivePath, dest string) error {
	dest, err := canonicalDir(dest)
	if err != nil {
		return err
	}
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer iox.DiscardClose(f)

	r, err := decompressReader(f)
	if err != nil {
		return badArchive(archivePath, "cannot decompress", err)
	}
	defer iox.DiscardClose(r)

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return badArchive(archivePath, "corrupt tar stream", err)
		}

		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return badArchive(hdr.Name, "member escapes archive root", nil)
		}
		target := filepath.Join(dest, filepath.FromSlash(name))

		if err := extractMember(tr, hdr, dest, target); err != nil {
			return err
		}
	}
}

func extractMember(tr *tar.Reader, hdr *tar.Header, dest, target string) error {
	if !within(dest, resolvePath(filepath.Dir(target))) {
		return badArchive(hdr.Name, "member escapes archive root through a symlink", nil)
	}
	if hdr.Typeflag != tar.TypeDir {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, 0o755)

	case tar.TypeReg:
		if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
			return err
		}
		return os.Chtimes(target, hdr.ModTime, hdr.ModTime)

	case tar.TypeSymlink:
		if filepath.IsAbs(hdr.Linkname) {
			return badArchive(hdr.Name, "symlink with absolute target "+hdr.Linkname, nil)
		}
		return os.Symlink(hdr.Linkname, target)

	case tar.TypeLink:
		if _, ok := hdr.PAXRecords[PointerPAXKey]; ok {
			// Stand-in for an absolute symlink: kept as an opaque
			// pointer file whose content is the relative target.
			return writeFile(target, strings.NewReader(hdr.Linkname), 0o644)
		}
		linked := filepath.FromSlash(path.Clean(hdr.Linkname))
		source := filepath.Join(dest, linked)
		if !filepath.IsLocal(linked) || !within(dest, resolvePath(source)) {
			return badArchive(hdr.Name, "hard link escapes archive root", nil)
		}
		return os.Link(source, target)

	default:
		return nil
	}
}

func writeFile(target string, r io.Reader, perm fs.FileMode) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		iox.DiscardClose(out)
		return err
	}
	return out.Close()
}
