package artifact

import (
	"fmt"
	"maps"
)

// Artifact type tags.
const (
	TypeMicroBinary  = "micro_binary"
	TypeMicroLibrary = "micro_library"
)

// Well-known labels used by the micro subtypes.
const (
	LabelBinaryFile   = "binary_file"
	LabelLibraryFiles = "library_files"
	LabelDebugFiles   = "debug_files"
)

func init() {
	Register(TypeMicroBinary, func(base *Artifact) (Typed, error) {
		b, err := microBinaryFrom(base)
		if err != nil {
			return nil, err
		}
		return b, nil
	})
	Register(TypeMicroLibrary, func(base *Artifact) (Typed, error) {
		l, err := microLibraryFrom(base)
		if err != nil {
			return nil, err
		}
		return l, nil
	})
}

// MicroBinary is a flashable device image.
type MicroBinary struct {
	*Artifact
}

// NewMicroBinary creates a MicroBinary whose image is binaryFile (relative to
// baseDir). Extra labels and metadata are merged in; the binary_file,
// debug_files and artifact_type entries are owned by this constructor.
func NewMicroBinary(baseDir, binaryFile string, debugFiles []string, labelledFiles map[string][]string, metadata map[string]any) (*MicroBinary, error) {
	labels := cloneLabels(labelledFiles)
	labels[LabelBinaryFile] = []string{binaryFile}
	if len(debugFiles) > 0 {
		labels[LabelDebugFiles] = debugFiles
	}
	a, err := New(baseDir, labels, withType(metadata, TypeMicroBinary))
	if err != nil {
		return nil, err
	}
	return microBinaryFrom(a)
}

func microBinaryFrom(a *Artifact) (*MicroBinary, error) {
	if n := len(a.labelledFiles[LabelBinaryFile]); n != 1 {
		return nil, &Error{Kind: ErrBadArchive, Label: LabelBinaryFile, Msg: fmt.Sprintf("micro binary needs exactly 1 binary file, got %d", n)}
	}
	return &MicroBinary{Artifact: a}, nil
}

// BinaryFile returns the relative path of the device image.
func (b *MicroBinary) BinaryFile() string {
	return b.labelledFiles[LabelBinaryFile][0]
}

// DebugFiles returns the relative paths of debug files (e.g. ELF with symbols).
func (b *MicroBinary) DebugFiles() []string {
	return b.Label(LabelDebugFiles)
}

// MicroLibrary is a compiled library destined to be linked into a MicroBinary.
type MicroLibrary struct {
	*Artifact
}

// NewMicroLibrary creates a MicroLibrary from one or more library files.
func NewMicroLibrary(baseDir string, libraryFiles, debugFiles []string, labelledFiles map[string][]string, metadata map[string]any) (*MicroLibrary, error) {
	labels := cloneLabels(labelledFiles)
	labels[LabelLibraryFiles] = libraryFiles
	if len(debugFiles) > 0 {
		labels[LabelDebugFiles] = debugFiles
	}
	a, err := New(baseDir, labels, withType(metadata, TypeMicroLibrary))
	if err != nil {
		return nil, err
	}
	return microLibraryFrom(a)
}

func microLibraryFrom(a *Artifact) (*MicroLibrary, error) {
	if len(a.labelledFiles[LabelLibraryFiles]) == 0 {
		return nil, &Error{Kind: ErrBadArchive, Label: LabelLibraryFiles, Msg: "micro library needs at least 1 library file"}
	}
	return &MicroLibrary{Artifact: a}, nil
}

// LibraryFiles returns the relative paths of the library files.
func (l *MicroLibrary) LibraryFiles() []string {
	return l.Label(LabelLibraryFiles)
}

// DebugFiles returns the relative paths of debug files.
func (l *MicroLibrary) DebugFiles() []string {
	return l.Label(LabelDebugFiles)
}

func withType(metadata map[string]any, tag string) map[string]any {
	out := maps.Clone(metadata)
	if out == nil {
		out = make(map[string]any, 1)
	}
	out[MetadataTypeKey] = tag
	return out
}
