package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"annotation-sync/internal/platform/logger"
	"annotation-sync/internal/platform/metrics"
	"annotation-sync/internal/protocol"
	"annotation-sync/internal/room"
)

const (
	maxFrameBytes = 64 * 1024
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
	ackBuffer     = 16
)

// Options configures a Server.
type Options struct {
	// OutboundBuffer is the number of broadcast events queued per connection
	// before further events for it are dropped.
	OutboundBuffer int
	// WriteTimeout bounds every frame write.
	WriteTimeout time.Duration
	// AllowedOrigins lists accepted Origin headers. Empty accepts any.
	AllowedOrigins []string
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Server upgrades HTTP requests to websocket connections and runs one
// session per connection.
type Server struct {
	dispatch *Dispatcher
	hub      *room.Hub
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	outbound     int
	writeTimeout time.Duration

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer returns a Server dispatching through d and fanning out via hub.
func NewServer(d *Dispatcher, hub *room.Hub, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	s := &Server{
		dispatch:     d,
		hub:          hub,
		log:          log,
		metrics:      opts.Metrics,
		outbound:     opts.OutboundBuffer,
		writeTimeout: opts.WriteTimeout,
		conns:        make(map[*websocket.Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

// originChecker accepts requests without an Origin header and, when allowed
// is non-empty, only origins whose scheme://host matches an entry.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// Routes returns the chi router: the websocket endpoint at /ws, a liveness
// probe at /healthz and, when metrics are enabled, /metrics.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(s.log))
	if s.metrics != nil {
		r.Use(metrics.RequestMiddleware(s.metrics))
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler(func() {
			s.metrics.SetConnections(s.hub.Connections())
			s.metrics.SetRooms(s.hub.Rooms())
		}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws", s.ServeWS)
	return r
}

// ServeWS handles GET /ws. It returns when the connection is closed.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	if !s.track(ws) {
		_ = ws.Close()
		return
	}
	defer s.untrack(ws)

	sessionID := uuid.NewString()
	out, done, err := s.hub.Register(sessionID, s.outbound)
	if err != nil {
		s.log.Error("register session failed", slog.String("error", err.Error()))
		_ = ws.Close()
		return
	}
	log := s.log.With(slog.String("session_id", sessionID))
	log.Info("connection opened", slog.String("remote", r.RemoteAddr))

	c := &conn{
		id:           sessionID,
		ws:           ws,
		log:          log,
		dispatch:     s.dispatch,
		writeTimeout: s.writeTimeout,
		acks:         make(chan protocol.Ack, ackBuffer),
		writerDone:   make(chan struct{}),
	}

	go c.writePump(out, done)
	// Requests carry no deadline of their own; they are bounded by the
	// connection's lifetime.
	c.readPump(context.WithoutCancel(r.Context()))

	s.hub.Unregister(sessionID)
	<-c.writerDone
	_ = ws.Close()
	log.Info("connection closed")
}

func (s *Server) track(ws *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[ws] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(ws *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, ws)
	s.mu.Unlock()
	s.wg.Done()
}

// Close closes every open connection and waits for their sessions to end.
// Upgraded connections are not covered by http.Server.Shutdown.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	open := make([]*websocket.Conn, 0, len(s.conns))
	for ws := range s.conns {
		open = append(open, ws)
	}
	s.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for _, ws := range open {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			deadline)
		_ = ws.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// conn is one websocket session. Requests are read and dispatched one at a
// time; a single writer goroutine owns every write to the socket.
type conn struct {
	id           string
	ws           *websocket.Conn
	log          *slog.Logger
	dispatch     *Dispatcher
	writeTimeout time.Duration

	acks       chan protocol.Ack
	writerDone chan struct{}
}

func (c *conn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", slog.String("error", err.Error()))
			}
			return
		}

		id, req, err := protocol.Decode(frame)
		var ack protocol.Ack
		if err != nil {
			c.dispatch.logRejected(c.id, "", err)
			ack = protocol.Fail(id, err)
		} else if data, err := c.dispatch.Dispatch(ctx, c.id, req); err != nil {
			c.dispatch.logRejected(c.id, req.Action(), err)
			ack = protocol.Fail(id, err)
		} else {
			ack = protocol.OK(id, data)
		}

		select {
		case c.acks <- ack:
		case <-c.writerDone:
			return
		}
	}
}

func (c *conn) writePump(events <-chan room.Message, done <-chan struct{}) {
	defer close(c.writerDone)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var err error
		select {
		case ack := <-c.acks:
			err = c.writeJSON(ack)
		case m := <-events:
			err = c.writeJSON(protocol.EventFrom(m))
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			err = c.ws.WriteMessage(websocket.PingMessage, nil)
		case <-done:
			c.flushAcks()
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		if err != nil {
			c.log.Debug("write failed", slog.String("error", err.Error()))
			// Unblock the reader; it will observe the closed socket.
			_ = c.ws.Close()
			return
		}
	}
}

// flushAcks writes acks that were queued before the session ended.
func (c *conn) flushAcks() {
	for {
		select {
		case ack := <-c.acks:
			if err := c.writeJSON(ack); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, b)
}
