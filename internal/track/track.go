// Package track defines the playlist item of spec.md §3: Track and
// StreamRef. Each Track carries its own mutex so a controller can merge
// remote metadata into a track's attributes without blocking playback of
// that same track (spec.md §3, §5) — the per-entity lock granularity the
// teacher repo uses for Song/Album/Author records in pkg/types, here
// narrowed to exactly the field spec.md calls mutable in place.
package track

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Kind distinguishes an on-demand track from a continuous stream.
type Kind int

const (
	KindTrack Kind = iota
	KindStream
)

// StreamRef is one candidate (type, url, format?) a Pipeline may try for a
// Track (spec.md §3).
type StreamRef struct {
	FormatType string // e.g. "audio/mpeg", "audio/flac", "audio/wav", "audio/pcm"
	URL        string // handed to the Feeder as-is; service:// URLs are not resolved
	SampleRate *int
	Channels   *int
}

// Track is a playlist item. id and DisplayText are required; Attributes may
// be replaced wholesale or merged — both operations take the per-track
// lock, never the Queue lock, so attribute updates never block playback.
type Track struct {
	mu sync.RWMutex

	id           string
	displayText  string
	kind         Kind
	streamingRef []StreamRef
	attributes   map[string]string
}

// New builds a Track. If id is empty, a uuid is generated — the original
// distillation's "id is required" is honored for callers that omit it by
// manufacturing a stable one, per SPEC_FULL.md §11.
func New(id, displayText string, kind Kind, refs []StreamRef) (*Track, error) {
	if displayText == "" {
		return nil, fmt.Errorf("track: display_text is required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	return &Track{
		id:           id,
		displayText:  displayText,
		kind:         kind,
		streamingRef: append([]StreamRef(nil), refs...),
		attributes:   make(map[string]string),
	}, nil
}

func (t *Track) ID() string { return t.id }

func (t *Track) DisplayText() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.displayText
}

func (t *Track) Kind() Kind {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.kind
}

// StreamingRefs returns a copy of the ordered candidate refs.
func (t *Track) StreamingRefs() []StreamRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]StreamRef(nil), t.streamingRef...)
}

// Attribute reads one attribute under the track lock.
func (t *Track) Attribute(key string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.attributes[key]
	return v, ok
}

// Attributes returns a copy of the full attribute map.
func (t *Track) Attributes() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.attributes))
	for k, v := range t.attributes {
		out[k] = v
	}
	return out
}

// SetAttributes replaces the attribute map wholesale.
func (t *Track) SetAttributes(attrs map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attributes = make(map[string]string, len(attrs))
	for k, v := range attrs {
		t.attributes[k] = v
	}
}

// MergeAttributes merges attrs into the existing map, last-write-wins per
// key (SPEC_FULL.md §12 — the original distinguishes merge from replace).
func (t *Track) MergeAttributes(attrs map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.attributes == nil {
		t.attributes = make(map[string]string, len(attrs))
	}
	for k, v := range attrs {
		t.attributes[k] = v
	}
}
