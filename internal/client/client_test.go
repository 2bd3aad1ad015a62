package client_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"annotation-sync/internal/annotation"
	"annotation-sync/internal/client"
	"annotation-sync/internal/gateway"
	"annotation-sync/internal/protocol"
	"annotation-sync/internal/room"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type cursor struct{ ms atomic.Int64 }

func (c *cursor) Now() int64    { return c.ms.Load() }
func (c *cursor) SeekTo(ms int64) { c.ms.Store(ms) }

type received struct {
	event   string
	payload any
}

// recorder collects broadcasts delivered to one client.
type recorder struct {
	mu     sync.Mutex
	events []received
}

func (r *recorder) add(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, received{event, payload})
}

func (r *recorder) snapshot() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.events...)
}

// waitFor returns the first event named event, waiting for it to arrive.
func (r *recorder) waitFor(t *testing.T, event string) any {
	t.Helper()
	var got any
	require.Eventually(t, func() bool {
		for _, e := range r.snapshot() {
			if e.event == event {
				got = e.payload
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "no %s event", event)
	return got
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e.event == event {
			n++
		}
	}
	return n
}

type env struct {
	url string
	svc *annotation.Service
}

func startServer(t *testing.T, strict bool) env {
	t.Helper()
	hub := room.NewHub(room.Options{})
	svc := annotation.NewService(annotation.NewMemoryStore(), strict)
	srv := gateway.NewServer(gateway.NewDispatcher(svc, hub, nil, nil), hub, gateway.Options{})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Close(ctx))
		ts.Close()
	})
	return env{url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", svc: svc}
}

func connect(t *testing.T, e env, user string) (*client.Client, *cursor, *recorder) {
	t.Helper()
	clock := &cursor{}
	rec := &recorder{}
	c, err := client.Dial(context.Background(), client.Options{
		URL:         e.url,
		UserID:      user,
		AuthorClass: "user",
		Clock:       clock,
		OnEvent:     rec.add,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, clock, rec
}

func TestEndToEnd_label_and_recording(t *testing.T) {
	ctx := context.Background()
	e := startServer(t, false)
	a, clockA, recA := connect(t, e, "alice")
	b, _, recB := connect(t, e, "bob")

	require.NoError(t, b.JoinRoom(ctx, "p1"))
	require.NoError(t, a.JoinRoom(ctx, "p1"))

	cat, err := a.CreateLabelCategory(ctx, "eyes", true)
	require.NoError(t, err)
	blink, err := a.CreateLabel(ctx, cat.ID, "blink")
	require.NoError(t, err)

	got := recB.waitFor(t, protocol.EventNewLabels).(annotation.Label)
	assert.Equal(t, blink.ID, got.ID)
	assert.Equal(t, "blink", got.Name)
	g, ok := b.Mirror().Group(blink.ID)
	require.True(t, ok)
	assert.Equal(t, "blink", g.Name)

	clockA.SeekTo(100)
	require.True(t, a.StartRecording(blink.ID))
	assert.True(t, a.Recording(blink.ID))
	clockA.SeekTo(140)
	commit, sent, err := a.StopRecording(ctx, blink.ID)
	require.NoError(t, err)
	require.True(t, sent)
	assert.Equal(t, client.CommitCreate, commit.Action)
	assert.Equal(t, int64(100), commit.Start)
	assert.Equal(t, int64(140), commit.End)

	ns := recB.waitFor(t, protocol.EventNewSegment).(protocol.NewSegment)
	assert.Equal(t, commit.TempID, ns.ClientTempID)
	assert.Equal(t, commit.SegmentID, ns.Segment.ID)
	assert.Equal(t, int64(100), ns.Segment.Start)
	assert.Equal(t, int64(140), ns.Segment.End)

	items := a.Mirror().Items(blink.ID)
	require.Len(t, items, 1)
	assert.Equal(t, commit.SegmentID, items[0].ID)
	assert.False(t, items[0].Temp)

	// a's own mutations never come back to it. A round trip after the
	// mutations flushes anything the server might have queued for a.
	require.NoError(t, a.Sync(ctx))
	assert.Empty(t, recA.snapshot())
}

func TestEndToEnd_zero_length_recording_sends_nothing(t *testing.T) {
	ctx := context.Background()
	e := startServer(t, false)
	a, clock, _ := connect(t, e, "alice")
	require.NoError(t, a.JoinRoom(ctx, "p1"))
	cat, err := a.CreateLabelCategory(ctx, "eyes", true)
	require.NoError(t, err)
	label := cat.Labels[0].ID

	clock.SeekTo(200)
	require.True(t, a.StartRecording(label))
	assert.False(t, a.StartRecording(label), "second start is ignored")
	_, sent, err := a.StopRecording(ctx, label)
	require.NoError(t, err)
	assert.False(t, sent)

	_, sent, err = a.StopRecording(ctx, label)
	require.NoError(t, err)
	assert.False(t, sent, "stop without a recording is a no-op")

	segs, err := e.svc.ListSegments(ctx, "p1", []string{label})
	require.NoError(t, err)
	assert.Empty(t, segs)
}

func TestEndToEnd_predicted_merge_reaches_peers(t *testing.T) {
	ctx := context.Background()
	e := startServer(t, false)
	a, clockA, _ := connect(t, e, "alice")
	b, clockB, recB := connect(t, e, "bob")
	require.NoError(t, a.JoinRoom(ctx, "p1"))
	require.NoError(t, b.JoinRoom(ctx, "p1"))

	cat, err := a.CreateLabelCategory(ctx, "eyes", true)
	require.NoError(t, err)
	label := cat.Labels[0].ID
	recB.waitFor(t, protocol.EventNewLabelCategories)

	record := func(c *client.Client, clk *cursor, from, to int64) client.Commit {
		t.Helper()
		clk.SeekTo(from)
		require.True(t, c.StartRecording(label))
		clk.SeekTo(to)
		commit, sent, err := c.StopRecording(ctx, label)
		require.NoError(t, err)
		require.True(t, sent)
		return commit
	}

	first := record(a, clockA, 10, 20)
	second := record(a, clockA, 25, 35)
	require.Eventually(t, func() bool { return recB.count(protocol.EventNewSegment) == 2 }, 5*time.Second, 5*time.Millisecond)

	merged := record(b, clockB, 30, 18)
	assert.Equal(t, client.CommitMerge, merged.Action)
	assert.Equal(t, first.SegmentID, merged.SegmentID)
	assert.Equal(t, []string{second.SegmentID}, merged.Absorbed)
	assert.Equal(t, int64(10), merged.Start)
	assert.Equal(t, int64(35), merged.End)

	for _, c := range []*client.Client{a, b} {
		require.Eventually(t, func() bool {
			items := c.Mirror().Items(label)
			return len(items) == 1 && items[0].Start == 10 && items[0].End == 35
		}, 5*time.Second, 5*time.Millisecond)
	}
}

func TestEndToEnd_extend_existing_segment(t *testing.T) {
	ctx := context.Background()
	e := startServer(t, false)
	a, clock, _ := connect(t, e, "alice")
	require.NoError(t, a.JoinRoom(ctx, "p1"))
	cat, err := a.CreateLabelCategory(ctx, "eyes", true)
	require.NoError(t, err)
	label := cat.Labels[0].ID

	clock.SeekTo(5)
	require.True(t, a.StartRecording(label))
	clock.SeekTo(15)
	first, _, err := a.StopRecording(ctx, label)
	require.NoError(t, err)

	// Starting inside the segment extends it instead of starting a new one.
	clock.SeekTo(12)
	require.True(t, a.StartRecording(label))
	clock.SeekTo(18)
	ext, sent, err := a.StopRecording(ctx, label)
	require.NoError(t, err)
	require.True(t, sent)
	assert.True(t, ext.Request.IsUpdate())
	assert.Equal(t, first.SegmentID, ext.SegmentID)
	assert.Empty(t, ext.Absorbed)

	segs, err := e.svc.ListSegments(ctx, "p1", []string{label})
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, int64(5), segs[0].Start)
	assert.Equal(t, int64(18), segs[0].End)
}

func TestEndToEnd_stale_merge_refreshes_track(t *testing.T) {
	ctx := context.Background()
	e := startServer(t, false)
	a, clock, _ := connect(t, e, "alice")
	require.NoError(t, a.JoinRoom(ctx, "p1"))
	cat, err := a.CreateLabelCategory(ctx, "eyes", true)
	require.NoError(t, err)
	label := cat.Labels[0].ID

	clock.SeekTo(10)
	require.True(t, a.StartRecording(label))
	clock.SeekTo(20)
	first, _, err := a.StopRecording(ctx, label)
	require.NoError(t, err)

	// Delete behind the client's back, as a racing peer would.
	_, err = e.svc.DeleteSegments(ctx, "p1", []string{first.SegmentID})
	require.NoError(t, err)

	clock.SeekTo(15)
	require.True(t, a.StartRecording(label))
	clock.SeekTo(30)
	_, sent, err := a.StopRecording(ctx, label)
	require.True(t, sent)
	assert.ErrorIs(t, err, annotation.ErrNotFound)
	assert.Empty(t, a.Mirror().Items(label), "track reloaded from the server")
}

func TestEndToEnd_rename_and_delete_reach_peers(t *testing.T) {
	ctx := context.Background()
	e := startServer(t, false)
	a, _, _ := connect(t, e, "alice")
	b, _, recB := connect(t, e, "bob")
	require.NoError(t, a.JoinRoom(ctx, "p1"))
	require.NoError(t, b.JoinRoom(ctx, "p1"))

	cat, err := a.CreateLabelCategory(ctx, "eyes", true)
	require.NoError(t, err)
	extra, err := a.CreateLabel(ctx, cat.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "eyes_2", extra.Name)
	recB.waitFor(t, protocol.EventNewLabels)

	require.NoError(t, a.RenameLabelCategory(ctx, cat.ID, "gaze"))
	recB.waitFor(t, protocol.EventUpdatedLabelCategories)
	g, ok := b.Mirror().Group(extra.ID)
	require.True(t, ok)
	assert.Equal(t, "gaze_2", g.Name)

	require.NoError(t, a.DeleteLabel(ctx, extra.ID))
	recB.waitFor(t, protocol.EventRemovedLabels)
	_, ok = b.Mirror().Group(extra.ID)
	assert.False(t, ok)

	require.NoError(t, a.DeleteLabelCategory(ctx, cat.ID))
	recB.waitFor(t, protocol.EventRemovedLabelCategories)
	assert.Empty(t, b.Mirror().Groups())
}

func TestClose_discards_open_recording(t *testing.T) {
	ctx := context.Background()
	e := startServer(t, false)
	a, clock, _ := connect(t, e, "alice")
	require.NoError(t, a.JoinRoom(ctx, "p1"))
	cat, err := a.CreateLabelCategory(ctx, "eyes", true)
	require.NoError(t, err)
	label := cat.Labels[0].ID

	clock.SeekTo(100)
	require.True(t, a.StartRecording(label))
	require.NoError(t, a.Close())
	assert.False(t, a.Recording(label))

	_, err = a.CreateLabel(ctx, cat.ID, "late")
	assert.ErrorIs(t, err, client.ErrClosed)

	segs, err := e.svc.ListSegments(ctx, "p1", []string{label})
	require.NoError(t, err)
	assert.Empty(t, segs)
}

func TestRequestsRequireRoom(t *testing.T) {
	e := startServer(t, false)
	a, _, _ := connect(t, e, "alice")

	_, err := a.CreateLabelCategory(context.Background(), "eyes", true)
	assert.ErrorIs(t, err, room.ErrMembership)
}

func TestResize_settled_item_updates_peers(t *testing.T) {
	ctx := context.Background()
	e := startServer(t, false)
	a, clock, _ := connect(t, e, "alice")
	b, _, recB := connect(t, e, "bob")
	require.NoError(t, a.JoinRoom(ctx, "p1"))
	require.NoError(t, b.JoinRoom(ctx, "p1"))
	cat, err := a.CreateLabelCategory(ctx, "eyes", true)
	require.NoError(t, err)
	label := cat.Labels[0].ID

	clock.SeekTo(5)
	require.True(t, a.StartRecording(label))
	clock.SeekTo(15)
	first, _, err := a.StopRecording(ctx, label)
	require.NoError(t, err)

	require.NoError(t, a.Resize(ctx, first.SegmentID, 5, 18))

	u := recB.waitFor(t, protocol.EventUpdatedSegments).(protocol.UpdatedSegments)
	assert.Equal(t, protocol.UpdatedSegments{UpdatedIDs: []string{first.SegmentID}, NewStart: 5, NewEnd: 18}, u)

	assert.ErrorIs(t, a.Resize(ctx, first.SegmentID, 20, 10), annotation.ErrValidation)
	assert.ErrorIs(t, a.Resize(ctx, "unknown", 1, 2), annotation.ErrNotFound)
}
