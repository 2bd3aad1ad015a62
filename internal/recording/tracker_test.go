package recording

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now int64 }

func (c *fakeClock) Now() int64 { return c.now }

func TestTracker_start_stop(t *testing.T) {
	clock := &fakeClock{now: 100}
	tr := NewTracker(clock)

	require.True(t, tr.Start("a", "blink"))
	assert.True(t, tr.Recording("a", "blink"))

	clock.now = 140
	req, ok := tr.Stop("a", "blink")
	require.True(t, ok)
	assert.Equal(t, Request{Actor: "a", LabelID: "blink", Start: 100, End: 140}, req)
	assert.False(t, req.IsUpdate())
	assert.False(t, tr.Recording("a", "blink"))
}

func TestTracker_second_start_ignored(t *testing.T) {
	clock := &fakeClock{now: 10}
	tr := NewTracker(clock)

	require.True(t, tr.Start("a", "l1"))
	clock.now = 20
	assert.False(t, tr.Start("a", "l1"))

	clock.now = 30
	req, ok := tr.Stop("a", "l1")
	require.True(t, ok)
	assert.Equal(t, int64(10), req.Start, "second start must not move the start time")
}

func TestTracker_sessions_are_per_actor_and_label(t *testing.T) {
	tr := NewTracker(&fakeClock{now: 5})

	assert.True(t, tr.Start("a", "l1"))
	assert.True(t, tr.Start("a", "l2"))
	assert.True(t, tr.Start("b", "l1"))
	assert.Len(t, tr.Open("a"), 2)
	assert.Len(t, tr.Open("b"), 1)
}

func TestTracker_zero_length_discarded(t *testing.T) {
	tr := NewTracker(&fakeClock{now: 50})

	require.True(t, tr.Start("a", "l1"))
	_, ok := tr.Stop("a", "l1")
	assert.False(t, ok)
	assert.False(t, tr.Recording("a", "l1"))
}

func TestTracker_stop_without_session_is_noop(t *testing.T) {
	tr := NewTracker(&fakeClock{now: 50})

	_, ok := tr.Stop("a", "missing")
	assert.False(t, ok)
}

func TestTracker_backwards_seek_normalised(t *testing.T) {
	clock := &fakeClock{now: 200}
	tr := NewTracker(clock)

	tr.Start("a", "l1")
	clock.now = 150
	req, ok := tr.Stop("a", "l1")
	require.True(t, ok)
	assert.Equal(t, int64(150), req.Start)
	assert.Equal(t, int64(200), req.End)
}

func TestTracker_extend_existing(t *testing.T) {
	clock := &fakeClock{now: 15}
	tr := NewTracker(clock)

	require.True(t, tr.Extend("a", "l1", "seg-1", 5))
	clock.now = 18
	req, ok := tr.Stop("a", "l1")
	require.True(t, ok)
	assert.True(t, req.IsUpdate())
	assert.Equal(t, "seg-1", req.Candidate("ignored").ID)
	assert.Equal(t, int64(5), req.Candidate("").Start)
}

func TestTracker_toggle(t *testing.T) {
	clock := &fakeClock{now: 0}
	tr := NewTracker(clock)

	_, ok := tr.Toggle("a", "l1")
	assert.False(t, ok)
	clock.now = 7
	req, ok := tr.Toggle("a", "l1")
	require.True(t, ok)
	assert.Equal(t, int64(7), req.End)
}

func TestTracker_discard_on_disconnect(t *testing.T) {
	clock := &fakeClock{now: 0}
	tr := NewTracker(clock)

	tr.Start("a", "l1")
	tr.Start("a", "l2")
	tr.Start("b", "l1")

	assert.Equal(t, 2, tr.Discard("a"))

	clock.now = 100
	_, ok := tr.Stop("a", "l1")
	assert.False(t, ok, "discarded session must not produce a request")
	assert.True(t, tr.Recording("b", "l1"))
}
