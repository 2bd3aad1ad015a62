// Package room maps connected actors to project rooms and fans out mutation
// events to the other members of a room.
package room

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrMembership is returned when a join or leave cannot be carried out, for
// example because the actor is not connected or the room is full.
var ErrMembership = errors.New("membership rejected")

// Message is one outbound event queued for a member.
type Message struct {
	Event   string
	Payload any
}

// Delivery counts the outcome of one broadcast.
type Delivery struct {
	Room      string
	Delivered int
	Dropped   int
}

type member struct {
	id   string
	out  chan Message
	done chan struct{}
	room string
}

// Options configures a Hub.
type Options struct {
	// MaxMembers caps the size of a room; 0 means unlimited.
	MaxMembers int
	Logger     *slog.Logger
	// OnDrop is called for every delivery dropped because a member's
	// outbound buffer was full.
	OnDrop func(event string)
}

// Hub owns room membership. An actor is a member of at most one room at a
// time; joining another room leaves the previous one. Rooms exist only while
// they have members.
type Hub struct {
	mu      sync.RWMutex
	members map[string]*member
	rooms   map[string]map[string]*member

	maxMembers int
	log        *slog.Logger
	onDrop     func(event string)
}

// NewHub returns an empty Hub.
func NewHub(opts Options) *Hub {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		members:    make(map[string]*member),
		rooms:      make(map[string]map[string]*member),
		maxMembers: opts.MaxMembers,
		log:        log,
		onDrop:     opts.OnDrop,
	}
}

// Register adds a connected actor with an outbound buffer of the given size.
// It returns the channel the actor's events arrive on, which is never closed,
// and a channel that is closed when the actor is unregistered.
func (h *Hub) Register(actor string, buffer int) (<-chan Message, <-chan struct{}, error) {
	if actor == "" {
		return nil, nil, fmt.Errorf("%w: empty actor id", ErrMembership)
	}
	if buffer <= 0 {
		buffer = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.members[actor]; ok {
		return nil, nil, fmt.Errorf("%w: actor %q already connected", ErrMembership, actor)
	}
	m := &member{
		id:   actor,
		out:  make(chan Message, buffer),
		done: make(chan struct{}),
	}
	h.members[actor] = m
	return m.out, m.done, nil
}

// Unregister removes the actor and its room membership. It is safe to call
// more than once.
func (h *Hub) Unregister(actor string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[actor]
	if !ok {
		return
	}
	h.leaveLocked(m)
	delete(h.members, actor)
	close(m.done)
}

// Join makes actor a member of roomID. Joining the room the actor is already
// in is a no-op; joining a different room leaves the previous one first.
func (h *Hub) Join(actor, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("%w: empty room id", ErrMembership)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[actor]
	if !ok {
		return fmt.Errorf("%w: actor %q is not connected", ErrMembership, actor)
	}
	if m.room == roomID {
		return nil
	}
	if h.maxMembers > 0 && len(h.rooms[roomID]) >= h.maxMembers {
		return fmt.Errorf("%w: room %q is full", ErrMembership, roomID)
	}
	if m.room != "" {
		h.log.Debug("membership superseded",
			slog.String("session_id", actor),
			slog.String("from_room", m.room),
			slog.String("room", roomID))
		h.leaveLocked(m)
	}

	r, ok := h.rooms[roomID]
	if !ok {
		r = make(map[string]*member)
		h.rooms[roomID] = r
	}
	r[actor] = m
	m.room = roomID
	return nil
}

// Leave removes actor from roomID. Leaving a room the actor is not in is a
// no-op.
func (h *Hub) Leave(actor, roomID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[actor]
	if !ok {
		return fmt.Errorf("%w: actor %q is not connected", ErrMembership, actor)
	}
	if m.room == roomID {
		h.leaveLocked(m)
	}
	return nil
}

// leaveLocked removes m from its room and dissolves the room when empty.
// Caller must hold h.mu in write mode.
func (h *Hub) leaveLocked(m *member) {
	if m.room == "" {
		return
	}
	if r, ok := h.rooms[m.room]; ok {
		delete(r, m.id)
		if len(r) == 0 {
			delete(h.rooms, m.room)
		}
	}
	m.room = ""
}

// RoomOf returns the room actor is currently a member of.
func (h *Hub) RoomOf(actor string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	m, ok := h.members[actor]
	if !ok || m.room == "" {
		return "", false
	}
	return m.room, true
}

// Broadcast queues an event for every member of roomID except actor. It never
// blocks: a member whose buffer is full misses the event, which does not
// affect delivery to the others.
func (h *Hub) Broadcast(actor, roomID, event string, payload any) Delivery {
	h.mu.RLock()
	recipients := make([]*member, 0, len(h.rooms[roomID]))
	for id, m := range h.rooms[roomID] {
		if id != actor {
			recipients = append(recipients, m)
		}
	}
	h.mu.RUnlock()

	d := Delivery{Room: roomID}
	msg := Message{Event: event, Payload: payload}
	for _, m := range recipients {
		select {
		case <-m.done:
			continue
		default:
		}
		select {
		case m.out <- msg:
			d.Delivered++
		default:
			d.Dropped++
			h.log.Warn("broadcast dropped, outbound buffer full",
				slog.String("session_id", m.id),
				slog.String("room", roomID),
				slog.String("event", event))
			if h.onDrop != nil {
				h.onDrop(event)
			}
		}
	}
	return d
}

// BroadcastFrom resolves actor's current room and broadcasts to its other
// members. The room is never taken from the client, so an actor can only
// reach the room it has joined.
func (h *Hub) BroadcastFrom(actor, event string, payload any) (Delivery, error) {
	roomID, ok := h.RoomOf(actor)
	if !ok {
		return Delivery{}, fmt.Errorf("%w: actor %q is not in a room", ErrMembership, actor)
	}
	return h.Broadcast(actor, roomID, event, payload), nil
}

// Members returns the sorted member ids of roomID.
func (h *Hub) Members(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.rooms[roomID]))
	for id := range h.rooms[roomID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Rooms returns the number of rooms with at least one member.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Connections returns the number of registered actors.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}
