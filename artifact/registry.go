package artifact

import (
	"fmt"
	"slices"
	"sync"
)

// Constructor builds a typed artifact from a validated base Artifact.
// It is called by Unarchive after the tree has been moved into place.
type Constructor func(base *Artifact) (Typed, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register associates an artifact_type tag with its constructor.
// Intended to be called from init; panics on an empty or duplicate tag.
func Register(tag string, ctor Constructor) {
	if tag == "" {
		panic("artifact: Register with empty tag")
	}
	if ctor == nil {
		panic("artifact: Register with nil constructor for " + tag)
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[tag]; dup {
		panic("artifact: Register called twice for " + tag)
	}
	registry[tag] = ctor
}

// Lookup returns the constructor registered for tag.
func Lookup(tag string) (Constructor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ctor, ok := registry[tag]
	return ctor, ok
}

// RegisteredTypes returns all registered tags, sorted.
func RegisteredTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	tags := make([]string, 0, len(registry))
	for tag := range registry {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}

// construct dispatches on tag. An empty tag, or a tag nobody registered,
// yields the base artifact unchanged.
func construct(tag string, base *Artifact) (Typed, error) {
	if tag == "" {
		return base, nil
	}
	ctor, ok := Lookup(tag)
	if !ok {
		return base, nil
	}
	typed, err := ctor(base)
	if err != nil {
		return nil, fmt.Errorf("construct %s artifact: %w", tag, err)
	}
	return typed, nil
}
