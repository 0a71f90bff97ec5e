package artifact

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"

	"github.com/pithecene-io/microlink/iox"
)

// PointerPAXKey tags a link-type tar entry that stands in for a symlink
// whose target was absolute. Its link name is the target relative to the
// link's own directory.
const PointerPAXKey = "MICROLINK.pointer"

// ArchiveOption configures Archive.
type ArchiveOption func(*archiveOptions)

type archiveOptions struct {
	compression    Compression
	compressionSet bool
}

// WithCompression forces a compression, overriding the archive extension.
func WithCompression(c Compression) ArchiveOption {
	return func(o *archiveOptions) {
		o.compression = c
		o.compressionSet = true
	}
}

// Archive writes a relocatable tar of the artifact and returns its path.
//
// If archivePath names an existing directory, the archive is created inside
// it as <basename(base dir)><ext>. The archive root holds a single directory
// named after the archive file (extension stripped), containing
// metadata.json followed by every regular file and symlink under the base
// directory. Relative symlinks are stored as symlinks. Absolute symlinks are
// stored as a link-type entry carrying the relative path to the target
// (tagged with PointerPAXKey), since the absolute target would not exist on
// another machine.
//
// The archive is written to a temporary file next to archivePath and
// renamed into place.
func (a *Artifact) Archive(archivePath string, opts ...ArchiveOption) (string, error) {
	var o archiveOptions
	for _, opt := range opts {
		opt(&o)
	}

	if info, err := os.Stat(archivePath); err == nil && info.IsDir() {
		c := CompressionNone
		if o.compressionSet {
			c = o.compression
		}
		archivePath = filepath.Join(archivePath, filepath.Base(a.baseDir)+c.Extension())
	}
	if !o.compressionSet {
		o.compression = CompressionForPath(archivePath)
	}

	manifest, err := MarshalManifest(a.Manifest())
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(archivePath), ".archive-*")
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer iox.DiscardRemove(tmp.Name())
	defer iox.DiscardClose(tmp)

	root := archiveName(filepath.Base(archivePath))
	if err := a.writeArchive(tmp, root, manifest, o.compression); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), archivePath); err != nil {
		return "", fmt.Errorf("move archive into place: %w", err)
	}
	return archivePath, nil
}

func (a *Artifact) writeArchive(w io.Writer, root string, manifest []byte, c Compression) error {
	cw, err := compressWriter(w, c)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(cw)

	err = tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     path.Join(root, ManifestName),
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  time.Unix(0, 0),
	})
	if err != nil {
		return fmt.Errorf("write %s header: %w", ManifestName, err)
	}
	if _, err := io.Copy(tw, bytes.NewReader(manifest)); err != nil {
		return fmt.Errorf("write %s: %w", ManifestName, err)
	}

	self := selfInfo(w)
	err = filepath.WalkDir(a.baseDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if self != nil && d.Type().IsRegular() {
			if info, err := d.Info(); err == nil && os.SameFile(self, info) {
				return nil
			}
		}
		rel, err := filepath.Rel(a.baseDir, p)
		if err != nil {
			return err
		}
		if rel == ManifestName {
			// An unarchived artifact still holds the manifest it came
			// with; the one written above replaces it.
			if a.labels(ManifestName) {
				return &Error{Kind: ErrInvalidPath, Path: rel, Msg: "name is reserved for the archive manifest"}
			}
			return nil
		}
		return a.addMember(tw, p, path.Join(root, filepath.ToSlash(rel)))
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", a.baseDir, err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finish tar: %w", err)
	}
	return cw.Close()
}

// labels reports whether any label lists rel.
func (a *Artifact) labels(rel string) bool {
	for _, files := range a.labelledFiles {
		if slices.ContainsFunc(files, func(f string) bool { return filepath.Clean(f) == rel }) {
			return true
		}
	}
	return false
}

func (a *Artifact) addMember(tw *tar.Writer, full, name string) error {
	info, err := os.Lstat(full)
	if err != nil {
		return err
	}

	switch {
	case info.Mode().IsRegular():
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		normalizeOwner(hdr)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(full)
		if err != nil {
			return err
		}
		defer iox.DiscardClose(f)
		_, err = io.Copy(tw, f)
		return err

	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(full)
		if err != nil {
			return err
		}
		if !filepath.IsAbs(target) {
			hdr, err := tar.FileInfoHeader(info, target)
			if err != nil {
				return err
			}
			hdr.Name = name
			normalizeOwner(hdr)
			return tw.WriteHeader(hdr)
		}

		rel, err := filepath.Rel(filepath.Dir(full), target)
		if err != nil {
			return err
		}
		return tw.WriteHeader(&tar.Header{
			Typeflag:   tar.TypeLink,
			Name:       name,
			Linkname:   filepath.ToSlash(rel),
			Mode:       0o644,
			ModTime:    info.ModTime(),
			PAXRecords: map[string]string{PointerPAXKey: "relpath"},
		})

	default:
		// Sockets, devices and FIFOs have no portable archive form.
		return nil
	}
}

// selfInfo stats w when it is a file, so an archive being written inside
// its own base directory does not include itself.
func selfInfo(w io.Writer) os.FileInfo {
	f, ok := w.(*os.File)
	if !ok {
		return nil
	}
	info, err := f.Stat()
	if err != nil {
		return nil
	}
	return info
}

func normalizeOwner(hdr *tar.Header) {
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "", ""
}
