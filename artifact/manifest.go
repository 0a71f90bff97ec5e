package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// ManifestName is the metadata file at the root of every archived artifact.
const ManifestName = "metadata.json"

// Manifest is the decoded form of metadata.json.
//
// Fields are declared in sorted key order so the encoded file is byte-stable
// for a given artifact. ArtifactType is not written; it is read back from
// metadata[MetadataTypeKey].
type Manifest struct {
	ArtifactType  string              `json:"-"`
	LabelledFiles map[string][]string `json:"labelled_files"`
	Metadata      map[string]any      `json:"metadata"`
	Version       int                 `json:"version"`
}

// rawManifest defers interpretation of version so that a wrong type is
// reported as a version mismatch naming what was found.
type rawManifest struct {
	LabelledFiles map[string][]string `json:"labelled_files"`
	Metadata      map[string]any      `json:"metadata"`
	Version       any                 `json:"version"`
}

// Manifest returns the manifest Archive would write for a.
func (a *Artifact) Manifest() *Manifest {
	return &Manifest{
		ArtifactType:  a.Type(),
		LabelledFiles: cloneLabels(a.labelledFiles),
		Metadata:      maps.Clone(a.metadata),
		Version:       EncodingVersion,
	}
}

// MarshalManifest encodes m with sorted keys, two-space indent and no
// trailing newline.
func MarshalManifest(m *Manifest) ([]byte, error) {
	out := *m
	if out.LabelledFiles == nil {
		out.LabelledFiles = map[string][]string{}
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&out); err != nil {
		return nil, fmt.Errorf("encode %s: %w", ManifestName, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// UnmarshalManifest decodes and version-checks metadata.json contents.
// Any failure classifies as ErrBadArchive; a version mismatch is a
// *VersionError.
func UnmarshalManifest(data []byte) (*Manifest, error) {
	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, badArchive(ManifestName, "invalid JSON", err)
	}

	if v, ok := raw.Version.(float64); !ok || v != EncodingVersion {
		return nil, &VersionError{Expected: EncodingVersion, Found: raw.Version}
	}
	if raw.LabelledFiles == nil {
		return nil, badArchive(ManifestName, "missing labelled_files", nil)
	}

	m := &Manifest{
		LabelledFiles: raw.LabelledFiles,
		Metadata:      raw.Metadata,
		Version:       EncodingVersion,
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.ArtifactType, _ = m.Metadata[MetadataTypeKey].(string)
	return m, nil
}
