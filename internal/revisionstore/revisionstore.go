// Package revisionstore implements the Revision Store (spec.md §4.7): a
// revision-id -> revision map kept coherent by subscribing to
// internal/changestream for visibility-change and tags-change events.
package revisionstore

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ChlodAlejandro/deputy-dispatch/internal/changestream"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/revisionexpander"
)

// VisibilitySnapshot records the deleted-fields bitmask attached to a
// revision by the most recent visibility-change event.
type VisibilitySnapshot struct {
	User    bool
	Comment bool
	Text    bool
}

const (
	bitText    = 1 << 0
	bitComment = 1 << 1
	bitUser    = 1 << 2
)

// Options configures a Store.
type Options struct {
	// Privileged stores are assumed permitted to see suppressed data and
	// so, per spec.md §9's Open Question resolution, do NOT subscribe to
	// visibility-change by default. This is a documented safety hazard:
	// construction panics unless AcknowledgeSuppressionRisk is also set.
	Privileged bool
	// AcknowledgeSuppressionRisk must be true to construct a Privileged
	// store, forcing callers to affirmatively opt into that hazard
	// rather than silently inherit it.
	AcknowledgeSuppressionRisk bool
	// Autostart calls StartStream immediately from New.
	Autostart bool

	Stream *changestream.Client
}

// Store is a sync.RWMutex-guarded revid -> revision map, valid only while
// its change stream is Open.
type Store struct {
	opts   Options
	stream *changestream.Client
	logger *logrus.Entry

	mu   sync.RWMutex
	revs map[int64]revisionexpander.Revision
	vis  map[int64]VisibilitySnapshot
}

// New constructs a Store. It panics if opts.Privileged is set without
// opts.AcknowledgeSuppressionRisk, per spec.md §9.
func New(opts Options) *Store {
	if opts.Privileged && !opts.AcknowledgeSuppressionRisk {
		panic("revisionstore: a privileged store must set AcknowledgeSuppressionRisk to confirm it will not subscribe to visibility-change events")
	}
	if opts.Stream == nil {
		panic("revisionstore: Options.Stream is required")
	}

	s := &Store{
		opts:   opts,
		stream: opts.Stream,
		logger: logrus.NewEntry(logrus.StandardLogger()).WithField("component", "revisionstore"),
		revs:   make(map[int64]revisionexpander.Revision),
		vis:    make(map[int64]VisibilitySnapshot),
	}

	if !opts.Privileged {
		s.stream.OnVisibilityChange(s.handleVisibilityChange)
	}
	s.stream.OnTagsChange(s.handleTagsChange)

	if opts.Autostart {
		s.StartStream()
	}

	return s
}

// StartStream opens the underlying change stream. Idempotent: repeated
// calls while already Open or Connecting are no-ops, delegated to
// changestream.Client.Start.
func (s *Store) StartStream() {
	s.stream.Start()
}

// StopStream closes the underlying change stream. Subsequent Set calls
// become no-ops until the stream is restarted.
func (s *Store) StopStream() {
	s.stream.Stop()
}

// Set stores rev under id, but only while the stream is Open; otherwise it
// logs a warning and leaves the store unchanged.
func (s *Store) Set(id int64, rev revisionexpander.Revision) {
	if s.stream.State() != changestream.Open {
		s.logger.WithField("revid", id).Warn("set called while change stream is not open; ignoring")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revs[id] = rev
}

// Get returns the stored revision for id, if any.
func (s *Store) Get(id int64) (revisionexpander.Revision, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rev, ok := s.revs[id]
	return rev, ok
}

// handleVisibilityChange rewrites the stored revision for a tracked revid:
// the comment/user field is blanked per the set bit, a visibility snapshot
// is attached, and the stored object is replaced (not mutated in place),
// per spec.md §4.7.
func (s *Store) handleVisibilityChange(ev changestream.VisibilityChangedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rev, ok := s.revs[ev.RevID]
	if !ok {
		return
	}

	snapshot := VisibilitySnapshot{
		User:    ev.VisibilityBits&bitUser != 0,
		Comment: ev.VisibilityBits&bitComment != 0,
		Text:    ev.VisibilityBits&bitText != 0,
	}

	next := rev
	next.Hidden = revisionexpander.HiddenFlags{
		User:    snapshot.User,
		Comment: snapshot.Comment,
		Text:    snapshot.Text,
	}
	if snapshot.User {
		next.User = nil
	}
	if snapshot.Comment {
		next.Comment = nil
		next.ParsedComment = nil
	}

	s.revs[ev.RevID] = next
	s.vis[ev.RevID] = snapshot
}

// handleTagsChange replaces the stored revision's tag set with the
// authoritative new value carried by the event.
func (s *Store) handleTagsChange(ev changestream.TagsChangedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rev, ok := s.revs[ev.RevID]
	if !ok {
		return
	}

	next := rev
	next.Tags = applyTagDelta(rev.Tags, ev.AddTags, ev.RemoveTags)
	s.revs[ev.RevID] = next
}

func applyTagDelta(current, add, remove []string) []string {
	removeSet := make(map[string]bool, len(remove))
	for _, t := range remove {
		removeSet[t] = true
	}

	out := make([]string, 0, len(current)+len(add))
	seen := make(map[string]bool, len(current)+len(add))
	for _, t := range current {
		if removeSet[t] || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	for _, t := range add {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Visibility returns the most recently recorded visibility snapshot for id,
// if one has been attached.
func (s *Store) Visibility(id int64) (VisibilitySnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vis[id]
	return v, ok
}
