// Package adapter publishes archive push notifications to downstream
// systems (an HTTP webhook or a Redis pub/sub channel).
package adapter

import (
	"context"
	"fmt"
	"time"
)

// EventArchivePushed is the event type of every ArchivePushedEvent.
const EventArchivePushed = "archive_pushed"

// ArchivePushedEvent is published after an archive lands in the store.
type ArchivePushedEvent struct {
	EventType    string `json:"event_type"`
	ToolVersion  string `json:"tool_version"`
	Name         string `json:"name"`
	Digest       string `json:"digest"`
	Key          string `json:"key"`
	Ref          string `json:"ref"`
	Backend      string `json:"backend"`
	ArtifactType string `json:"artifact_type,omitempty"`
	SizeBytes    int64  `json:"size_bytes"`
	// Deduped is set when the content was already stored.
	Deduped   bool   `json:"deduped"`
	Timestamp string `json:"timestamp"`
}

// Adapter publishes push events to one downstream system.
type Adapter interface {
	// Publish sends one event. It must respect ctx cancellation.
	Publish(ctx context.Context, event *ArchivePushedEvent) error

	// Close releases adapter resources.
	Close() error
}

// BaseBackoff is the wait before the first retry; it doubles per attempt.
const BaseBackoff = 500 * time.Millisecond

// Retry calls attempt up to 1+retries times, backing off exponentially
// between calls. It stops early when ctx ends or when permanent reports
// the error as not worth retrying.
func Retry(ctx context.Context, name string, retries int, permanent func(error) bool, attempt func(context.Context) error) error {
	var lastErr error
	attempts := 1 + retries
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", name, err)
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: context canceled during backoff: %w", name, ctx.Err())
			case <-time.After(time.Duration(1<<uint(i-1)) * BaseBackoff):
			}
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		if permanent != nil && permanent(lastErr) {
			return fmt.Errorf("%s: non-retriable error: %w", name, lastErr)
		}
	}
	return fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}
