package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"annotation-sync/internal/annotation"
	"annotation-sync/internal/platform/metrics"
	"annotation-sync/internal/protocol"
	"annotation-sync/internal/room"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	hub := room.NewHub(room.Options{})
	svc := annotation.NewService(annotation.NewMemoryStore(), false)
	srv := NewServer(NewDispatcher(svc, hub, nil, opts.Metrics), hub, opts)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Close(ctx))
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

type testConn struct {
	t    *testing.T
	ws   *websocket.Conn
	next uint64
}

func dial(t *testing.T, url string) *testConn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &testConn{t: t, ws: ws}
}

func (c *testConn) send(req protocol.Request) uint64 {
	c.t.Helper()
	c.next++
	frame, err := protocol.Encode(c.next, req)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, frame))
	return c.next
}

func (c *testConn) read() protocol.Frame {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, b, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	var f protocol.Frame
	require.NoError(c.t, json.Unmarshal(b, &f))
	return f
}

// call sends req and returns its ack; it fails if an event arrives first.
func (c *testConn) call(req protocol.Request, out any) protocol.Frame {
	c.t.Helper()
	id := c.send(req)
	f := c.read()
	require.Equal(c.t, protocol.TypeAck, f.Type, "unexpected %s frame %s", f.Type, f.Event)
	require.Equal(c.t, id, f.ID)
	if out != nil && f.OK {
		require.NoError(c.t, json.Unmarshal(f.Data, out))
	}
	return f
}

func TestServer_round_trip(t *testing.T) {
	_, url := startServer(t, Options{})
	a := dial(t, url)
	b := dial(t, url)

	require.True(t, a.call(protocol.JoinRoom{ID: "p1"}, nil).OK)
	require.True(t, b.call(protocol.JoinRoom{ID: "p1"}, nil).OK)

	var cat annotation.LabelCategory
	ack := a.call(protocol.CreateLabelCategory{AuthorID: "u1", Data: protocol.CategoryData{Name: "eyes"}}, &cat)
	require.True(t, ack.OK)
	assert.Equal(t, "eyes", cat.Name)
	require.Len(t, cat.Labels, 1)

	var label annotation.Label
	require.True(t, a.call(protocol.CreateLabel{CategoryID: cat.ID, Name: "blink", AuthorID: "u1"}, &label).OK)

	ev := b.read()
	require.Equal(t, protocol.TypeEvent, ev.Type)
	assert.Equal(t, protocol.EventNewLabelCategories, ev.Event)

	ev = b.read()
	require.Equal(t, protocol.EventNewLabels, ev.Event)
	payload, err := protocol.DecodeEvent(ev.Event, ev.Data)
	require.NoError(t, err)
	assert.Equal(t, label.ID, payload.(annotation.Label).ID)
	assert.Equal(t, "blink", payload.(annotation.Label).Name)

	// a's next frame is the ack of its next request, not its own broadcast.
	var labels []annotation.Label
	require.True(t, a.call(protocol.ListLabels{}, &labels).OK)
	assert.Len(t, labels, 2)
}

func TestServer_error_acks(t *testing.T) {
	_, url := startServer(t, Options{})
	a := dial(t, url)

	ack := a.call(protocol.ListLabels{}, nil)
	assert.False(t, ack.OK)
	assert.ErrorIs(t, ack.Err(), room.ErrMembership)

	require.True(t, a.call(protocol.JoinRoom{ID: "p1"}, nil).OK)

	ack = a.call(protocol.DeleteLabel{ID: "missing"}, nil)
	assert.ErrorIs(t, ack.Err(), annotation.ErrNotFound)

	require.NoError(t, a.ws.WriteMessage(websocket.TextMessage, []byte(`{"id":77,"action":"createSegment","data":{"labelId":"l","authorId":"u","start":9,"end":3}}`)))
	f := a.read()
	assert.Equal(t, uint64(77), f.ID)
	assert.ErrorIs(t, f.Err(), annotation.ErrValidation)

	require.NoError(t, a.ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	f = a.read()
	assert.Equal(t, protocol.KindValidation, f.Error.Kind)
}

func TestServer_disconnect_leaves_room(t *testing.T) {
	srv, url := startServer(t, Options{})
	a := dial(t, url)
	b := dial(t, url)
	require.True(t, a.call(protocol.JoinRoom{ID: "p1"}, nil).OK)
	require.True(t, b.call(protocol.JoinRoom{ID: "p1"}, nil).OK)
	require.Equal(t, 2, srv.hub.Connections())

	require.NoError(t, b.ws.Close())
	require.Eventually(t, func() bool { return srv.hub.Connections() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, srv.hub.Members("p1"), 1)

	require.True(t, a.call(protocol.CreateLabelCategory{Data: protocol.CategoryData{Name: "eyes"}}, nil).OK)
}

func TestServer_close_ends_all_sessions(t *testing.T) {
	srv, url := startServer(t, Options{})
	conns := []*testConn{dial(t, url), dial(t, url), dial(t, url)}
	for _, c := range conns {
		require.True(t, c.call(protocol.JoinRoom{ID: "p1"}, nil).OK)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Close(ctx))
	assert.Zero(t, srv.hub.Connections())

	for _, c := range conns {
		require.NoError(t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, _, err := c.ws.ReadMessage()
		assert.Error(t, err)
	}
}

func TestServer_origin_check(t *testing.T) {
	_, url := startServer(t, Options{AllowedOrigins: []string{"https://annotate.example"}})

	h := http.Header{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, h)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	h = http.Header{"Origin": {"https://annotate.example"}}
	ws, _, err := websocket.DefaultDialer.Dial(url, h)
	require.NoError(t, err)
	_ = ws.Close()
}

func TestServer_health_and_metrics(t *testing.T) {
	hub := room.NewHub(room.Options{})
	m := metrics.New()
	srv := NewServer(NewDispatcher(annotation.NewService(annotation.NewMemoryStore(), false), hub, nil, m), hub, Options{Metrics: m})
	routes := srv.Routes()

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	_, _, err := hub.Register("s1", 1)
	require.NoError(t, err)
	require.NoError(t, hub.Join("s1", "p1"))

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "annotation_connections 1")
	assert.Contains(t, rec.Body.String(), "annotation_rooms 1")
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://Annotate.example/"})
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, check(req("")))
	assert.True(t, check(req("https://annotate.example")))
	assert.False(t, check(req("http://annotate.example")))
	assert.False(t, check(req("https://other.example")))
	assert.True(t, originChecker(nil)(req("https://anything.example")))
}
