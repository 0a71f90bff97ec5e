package store

import (
	"fmt"
	"time"
)

// DatasetID is the lode dataset holding push records.
const DatasetID = "microlink"

// RecordKindPush discriminates push records in the dataset.
const RecordKindPush = "archive_push"

// PushRecord is the dataset row written for every successful push. Name is
// the Hive partition key.
type PushRecord struct {
	Name         string    `json:"name"`
	Digest       string    `json:"digest"`
	Key          string    `json:"key"`
	Size         int64     `json:"size_bytes"`
	ArtifactType string    `json:"artifact_type"`
	PushedAt     time.Time `json:"pushed_at"`
	// ToolVersion is the microlink version that performed the push.
	ToolVersion string `json:"tool_version"`
	// Deduped is set when the content was already stored.
	Deduped bool `json:"deduped"`
}

// Ref returns the archive reference the record describes.
func (r PushRecord) Ref() Ref {
	ref, _ := refFromKey(r.Key)
	return ref
}

func (r PushRecord) toMap() map[string]any {
	return map[string]any{
		"record_kind":   RecordKindPush,
		"name":          r.Name,
		"digest":        r.Digest,
		"key":           r.Key,
		"size_bytes":    r.Size,
		"artifact_type": r.ArtifactType,
		"pushed_at":     r.PushedAt.UTC().Format(time.RFC3339Nano),
		"tool_version":  r.ToolVersion,
		"deduped":       r.Deduped,
	}
}

// pushRecordFromMap decodes a dataset row. JSONL numbers arrive as float64.
func pushRecordFromMap(m map[string]any) (PushRecord, error) {
	if m["record_kind"] != RecordKindPush {
		return PushRecord{}, fmt.Errorf("record_kind %v is not %s", m["record_kind"], RecordKindPush)
	}
	r := PushRecord{
		Name:         toString(m["name"]),
		Digest:       toString(m["digest"]),
		Key:          toString(m["key"]),
		Size:         toInt64(m["size_bytes"]),
		ArtifactType: toString(m["artifact_type"]),
		ToolVersion:  toString(m["tool_version"]),
	}
	r.Deduped, _ = m["deduped"].(bool)
	ts, err := time.Parse(time.RFC3339Nano, toString(m["pushed_at"]))
	if err != nil {
		return PushRecord{}, fmt.Errorf("pushed_at: %w", err)
	}
	r.PushedAt = ts
	return r, nil
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
