// Package recording tracks in-progress press-and-hold recordings per actor and
// track, and turns a finished one into a merge candidate.
package recording

import (
	"sort"
	"sync"

	"annotation-sync/internal/merge"
)

// Clock is the external time cursor, usually the video playback position, in
// milliseconds.
type Clock interface {
	Now() int64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() int64

// Now implements Clock.
func (f ClockFunc) Now() int64 { return f() }

type key struct {
	actor   string
	labelID string
}

// Session is an open recording on one track.
type Session struct {
	LabelID   string
	StartTime int64
	// ExistingSegmentID is set when the recording extends a committed segment.
	ExistingSegmentID string
}

// Request is emitted when a session is stopped. It is the input to
// merge.Reconcile for the session's track.
type Request struct {
	Actor             string
	LabelID           string
	Start             int64
	End               int64
	ExistingSegmentID string
}

// IsUpdate reports whether the request edits an already committed segment.
func (r Request) IsUpdate() bool { return r.ExistingSegmentID != "" }

// Candidate returns the interval to reconcile. For a new recording id is the
// caller's temporary id, if any.
func (r Request) Candidate(id string) merge.Interval {
	if r.IsUpdate() {
		id = r.ExistingSegmentID
	}
	return merge.Interval{ID: id, Start: r.Start, End: r.End}
}

// Tracker holds the session table keyed by (actor, labelID). Each key moves
// Idle -> Recording -> Idle; a second start while recording is ignored.
type Tracker struct {
	mu       sync.Mutex
	clock    Clock
	sessions map[key]Session
}

// NewTracker returns an empty Tracker reading time from clock.
func NewTracker(clock Clock) *Tracker {
	return &Tracker{
		clock:    clock,
		sessions: make(map[key]Session),
	}
}

// Start opens a new recording for actor on labelID at the current time.
// It returns false if one is already open.
func (t *Tracker) Start(actor, labelID string) bool {
	return t.open(actor, Session{LabelID: labelID, StartTime: t.clock.Now()})
}

// Extend opens a recording that continues the committed segment segmentID,
// which starts at start.
func (t *Tracker) Extend(actor, labelID, segmentID string, start int64) bool {
	return t.open(actor, Session{LabelID: labelID, StartTime: start, ExistingSegmentID: segmentID})
}

func (t *Tracker) open(actor string, s Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{actor: actor, labelID: s.LabelID}
	if _, ok := t.sessions[k]; ok {
		return false
	}
	t.sessions[k] = s
	return true
}

// Stop closes the recording for actor on labelID and captures the current time
// as its end. ok is false if there was no open session or the recording has
// zero length; neither case is an error.
func (t *Tracker) Stop(actor, labelID string) (req Request, ok bool) {
	end := t.clock.Now()

	t.mu.Lock()
	k := key{actor: actor, labelID: labelID}
	s, found := t.sessions[k]
	delete(t.sessions, k)
	t.mu.Unlock()

	if !found {
		return Request{}, false
	}

	start := s.StartTime
	if end < start {
		// The cursor was seeked backwards while recording.
		start, end = end, start
	}
	if start == end {
		return Request{}, false
	}
	return Request{
		Actor:             actor,
		LabelID:           labelID,
		Start:             start,
		End:               end,
		ExistingSegmentID: s.ExistingSegmentID,
	}, true
}

// Toggle starts a recording if none is open and stops it otherwise, the way a
// track checkbox or hotkey drives it.
func (t *Tracker) Toggle(actor, labelID string) (Request, bool) {
	if t.Start(actor, labelID) {
		return Request{}, false
	}
	return t.Stop(actor, labelID)
}

// Recording reports whether actor has an open session on labelID.
func (t *Tracker) Recording(actor, labelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[key{actor: actor, labelID: labelID}]
	return ok
}

// Open returns actor's open sessions ordered by label id.
func (t *Tracker) Open(actor string) []Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Session
	for k, s := range t.sessions {
		if k.actor == actor {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LabelID < out[j].LabelID })
	return out
}

// Discard drops every open session of actor without emitting anything. It is
// called when the actor disconnects and returns the number dropped.
func (t *Tracker) Discard(actor string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for k := range t.sessions {
		if k.actor == actor {
			delete(t.sessions, k)
			n++
		}
	}
	return n
}
