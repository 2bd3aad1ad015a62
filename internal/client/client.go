// Package client is the actor side of a session: a websocket connection to
// the annotation server, the local mirror it keeps in sync and the recording
// tracker that turns start/stop signals into segment requests.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"annotation-sync/internal/annotation"
	"annotation-sync/internal/mirror"
	"annotation-sync/internal/platform/logger"
	"annotation-sync/internal/protocol"
	"annotation-sync/internal/recording"
)

// ErrClosed is returned by calls made after the connection went away.
var ErrClosed = errors.New("client closed")

// Options configures Dial.
type Options struct {
	// URL is the server's websocket endpoint, e.g. ws://host:8080/ws.
	URL string
	// UserID and AuthorClass are stamped on everything this client creates.
	UserID      string
	AuthorClass string
	// Clock is the playback cursor recordings are measured against.
	Clock  recording.Clock
	Header http.Header
	Logger *slog.Logger
	// OnEvent, if set, is called after each broadcast was applied to the
	// mirror. It runs on the read goroutine and must not block.
	OnEvent func(event string, payload any)
}

// Client is safe for concurrent use.
type Client struct {
	ws      *websocket.Conn
	log     *slog.Logger
	user    string
	class   string
	clock   recording.Clock
	mirror  *mirror.Mirror
	tracker *recording.Tracker
	onEvent func(string, any)

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan protocol.Frame
	room    string
	session string

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the server and starts reading frames.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Clock == nil {
		return nil, errors.New("client: clock is required")
	}
	if opts.UserID == "" {
		return nil, errors.New("client: user id is required")
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	c := &Client{
		ws:      ws,
		log:     log,
		user:    opts.UserID,
		class:   opts.AuthorClass,
		clock:   opts.Clock,
		mirror:  mirror.New(),
		tracker: recording.NewTracker(opts.Clock),
		onEvent: opts.OnEvent,
		pending: make(map[uint64]chan protocol.Frame),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Mirror returns the client's local view.
func (c *Client) Mirror() *mirror.Mirror { return c.mirror }

// Session returns the server-assigned session id, known after JoinRoom.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Close discards open recordings and closes the connection.
func (c *Client) Close() error {
	if n := c.tracker.Discard(c.user); n > 0 {
		c.log.Debug("discarded open recordings", slog.Int("count", n))
	}
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", slog.String("error", err.Error()))
			}
			return
		}
		var f protocol.Frame
		if err := json.Unmarshal(b, &f); err != nil {
			c.log.Warn("malformed frame", slog.String("error", err.Error()))
			continue
		}

		switch f.Type {
		case protocol.TypeAck:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case protocol.TypeEvent:
			c.applyEvent(f)
		}
	}
}

func (c *Client) applyEvent(f protocol.Frame) {
	payload, err := protocol.DecodeEvent(f.Event, f.Data)
	if err != nil {
		c.log.Warn("undecodable event", slog.String("event", f.Event), slog.String("error", err.Error()))
		return
	}
	if err := c.mirror.Apply(f.Event, payload); err != nil {
		c.log.Warn("event not applied", slog.String("event", f.Event), slog.String("error", err.Error()))
		return
	}
	if c.onEvent != nil {
		c.onEvent(f.Event, payload)
	}
}

// call sends req and waits for its ack, decoding the ack data into out.
func (c *Client) call(ctx context.Context, req protocol.Request, out any) error {
	id := c.nextID.Add(1)
	frame, err := protocol.Encode(id, req)
	if err != nil {
		return err
	}

	ch := make(chan protocol.Frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	err = c.ws.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%s: %w", req.Action(), err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if err := f.Err(); err != nil {
			return fmt.Errorf("%s: %w", req.Action(), err)
		}
		if out != nil && len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, out); err != nil {
				return fmt.Errorf("%s: decode ack: %w", req.Action(), err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// JoinRoom joins a project room and loads its state into the mirror.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	var m protocol.Membership
	if err := c.call(ctx, protocol.JoinRoom{ID: roomID}, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.room, c.session = m.Room, m.SessionID
	c.mu.Unlock()
	return c.Sync(ctx)
}

// LeaveRoom leaves the project room.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	if err := c.call(ctx, protocol.LeaveRoom{ID: roomID}, nil); err != nil {
		return err
	}
	c.mu.Lock()
	if c.room == roomID {
		c.room = ""
	}
	c.mu.Unlock()
	return nil
}

// Sync reloads categories, labels and segments of the current room.
func (c *Client) Sync(ctx context.Context) error {
	var cats []annotation.LabelCategory
	if err := c.call(ctx, protocol.ListLabelCategories{}, &cats); err != nil {
		return err
	}
	c.mirror.LoadCategories(cats)

	var ids []string
	for _, cat := range cats {
		for _, l := range cat.Labels {
			ids = append(ids, l.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return c.ListSegments(ctx, ids...)
}

// ListSegments fetches the segments of the given labels and replaces those
// tracks in the mirror.
func (c *Client) ListSegments(ctx context.Context, labelIDs ...string) error {
	var segs []annotation.Segment
	if err := c.call(ctx, protocol.ListSegments{IDs: labelIDs}, &segs); err != nil {
		return err
	}
	byLabel := make(map[string][]annotation.Segment, len(labelIDs))
	for _, s := range segs {
		byLabel[s.LabelID] = append(byLabel[s.LabelID], s)
	}
	for _, id := range labelIDs {
		c.mirror.ReplaceTrack(id, byLabel[id])
	}
	return nil
}

// CreateLabelCategory creates a category with its initial label.
func (c *Client) CreateLabelCategory(ctx context.Context, name string, trackable bool) (annotation.LabelCategory, error) {
	var cat annotation.LabelCategory
	err := c.call(ctx, protocol.CreateLabelCategory{
		AuthorID:    c.user,
		AuthorClass: c.class,
		Data:        protocol.CategoryData{Name: name, IsTrackable: trackable},
	}, &cat)
	if err != nil {
		return annotation.LabelCategory{}, err
	}
	c.mirror.LoadCategories([]annotation.LabelCategory{cat})
	return cat, nil
}

// CreateLabel creates a label; an empty name lets the server pick one.
func (c *Client) CreateLabel(ctx context.Context, categoryID, name string) (annotation.Label, error) {
	var l annotation.Label
	err := c.call(ctx, protocol.CreateLabel{
		CategoryID:  categoryID,
		Name:        name,
		AuthorID:    c.user,
		AuthorClass: c.class,
	}, &l)
	if err != nil {
		return annotation.Label{}, err
	}
	c.mirror.LoadLabels([]annotation.Label{l})
	return l, nil
}

// RenameLabel renames a label.
func (c *Client) RenameLabel(ctx context.Context, id, name string) error {
	var r protocol.Renamed
	if err := c.call(ctx, protocol.RenameLabel{ID: id, Change: name}, &r); err != nil {
		return err
	}
	c.mirror.RenameGroup(r.ID, r.Change)
	return nil
}

// RenameLabelCategory renames a category, retagging its labels locally.
func (c *Client) RenameLabelCategory(ctx context.Context, id, name string) error {
	var r protocol.Renamed
	if err := c.call(ctx, protocol.RenameLabelCategory{ID: id, Change: name}, &r); err != nil {
		return err
	}
	c.mirror.RenameCategory(r.ID, r.Change)
	return nil
}

// DeleteLabel deletes a label with its segments.
func (c *Client) DeleteLabel(ctx context.Context, id string) error {
	if err := c.call(ctx, protocol.DeleteLabel{ID: id}, nil); err != nil {
		return err
	}
	c.mirror.RemoveGroup(id)
	return nil
}

// DeleteLabelCategory deletes a category with its labels and segments.
func (c *Client) DeleteLabelCategory(ctx context.Context, id string) error {
	if err := c.call(ctx, protocol.DeleteLabelCategory{ID: id}, nil); err != nil {
		return err
	}
	c.mirror.RemoveCategory(id)
	return nil
}

// DeleteSegments deletes segments and returns the ids the server removed.
func (c *Client) DeleteSegments(ctx context.Context, ids ...string) ([]string, error) {
	var r protocol.RemovedSegments
	if err := c.call(ctx, protocol.DeleteSegments{IDs: ids}, &r); err != nil {
		return nil, err
	}
	c.mirror.RemoveItems(ids...)
	return r.IDs, nil
}
