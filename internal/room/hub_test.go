package room

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func register(t *testing.T, h *Hub, actor string, buffer int) <-chan Message {
	t.Helper()
	out, _, err := h.Register(actor, buffer)
	require.NoError(t, err)
	return out
}

func drain(ch <-chan Message) []Message {
	var msgs []Message
	for {
		select {
		case m := <-ch:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func TestHub_join_leave_idempotent(t *testing.T) {
	h := NewHub(Options{})
	register(t, h, "a", 4)

	require.NoError(t, h.Join("a", "p1"))
	require.NoError(t, h.Join("a", "p1"))
	assert.Equal(t, []string{"a"}, h.Members("p1"))

	require.NoError(t, h.Leave("a", "p1"))
	require.NoError(t, h.Leave("a", "p1"))
	assert.Empty(t, h.Members("p1"))
	assert.Equal(t, 0, h.Rooms(), "empty room dissolves")
}

func TestHub_join_supersedes_previous_room(t *testing.T) {
	h := NewHub(Options{})
	register(t, h, "a", 4)

	require.NoError(t, h.Join("a", "p1"))
	require.NoError(t, h.Join("a", "p2"))

	room, ok := h.RoomOf("a")
	require.True(t, ok)
	assert.Equal(t, "p2", room)
	assert.Empty(t, h.Members("p1"))
	assert.Equal(t, 1, h.Rooms())
}

func TestHub_leave_other_room_is_noop(t *testing.T) {
	h := NewHub(Options{})
	register(t, h, "a", 4)
	require.NoError(t, h.Join("a", "p1"))

	require.NoError(t, h.Leave("a", "p2"))
	room, _ := h.RoomOf("a")
	assert.Equal(t, "p1", room)
}

func TestHub_membership_errors(t *testing.T) {
	h := NewHub(Options{MaxMembers: 1})
	register(t, h, "a", 4)
	register(t, h, "b", 4)

	assert.ErrorIs(t, h.Join("ghost", "p1"), ErrMembership)
	assert.ErrorIs(t, h.Leave("ghost", "p1"), ErrMembership)
	assert.ErrorIs(t, h.Join("a", ""), ErrMembership)

	require.NoError(t, h.Join("a", "p1"))
	assert.ErrorIs(t, h.Join("b", "p1"), ErrMembership, "room is full")

	_, _, err := h.Register("a", 4)
	assert.ErrorIs(t, err, ErrMembership, "duplicate actor")
}

func TestHub_broadcast_excludes_sender(t *testing.T) {
	h := NewHub(Options{})
	aOut := register(t, h, "a", 4)
	bOut := register(t, h, "b", 4)
	cOut := register(t, h, "c", 4)

	require.NoError(t, h.Join("a", "p1"))
	require.NoError(t, h.Join("b", "p1"))
	require.NoError(t, h.Join("c", "p2"))

	d, err := h.BroadcastFrom("a", "newLabels", "blink")
	require.NoError(t, err)
	assert.Equal(t, Delivery{Room: "p1", Delivered: 1}, d)

	assert.Empty(t, drain(aOut))
	assert.Empty(t, drain(cOut))
	got := drain(bOut)
	require.Len(t, got, 1)
	assert.Equal(t, Message{Event: "newLabels", Payload: "blink"}, got[0])
}

func TestHub_broadcast_requires_membership(t *testing.T) {
	h := NewHub(Options{})
	register(t, h, "a", 4)

	_, err := h.BroadcastFrom("a", "newLabels", nil)
	assert.ErrorIs(t, err, ErrMembership)
}

func TestHub_full_buffer_drops_without_blocking(t *testing.T) {
	var dropped atomic.Int32
	h := NewHub(Options{OnDrop: func(string) { dropped.Add(1) }})
	register(t, h, "a", 1)
	slow := register(t, h, "slow", 1)
	fast := register(t, h, "fast", 8)
	for _, id := range []string{"a", "slow", "fast"} {
		require.NoError(t, h.Join(id, "p1"))
	}

	for i := 0; i < 3; i++ {
		h.Broadcast("a", "p1", "updatedSegments", i)
	}

	assert.Len(t, drain(slow), 1)
	assert.Len(t, drain(fast), 3, "a full member does not affect the others")
	assert.Equal(t, int32(2), dropped.Load())
}

func TestHub_order_preserved_per_sender(t *testing.T) {
	h := NewHub(Options{})
	register(t, h, "a", 1)
	b := register(t, h, "b", 100)
	require.NoError(t, h.Join("a", "p1"))
	require.NoError(t, h.Join("b", "p1"))

	for i := 0; i < 50; i++ {
		h.Broadcast("a", "p1", "newSegment", i)
	}
	got := drain(b)
	require.Len(t, got, 50)
	for i, m := range got {
		assert.Equal(t, i, m.Payload)
	}
}

func TestHub_unregister_removes_membership(t *testing.T) {
	h := NewHub(Options{})
	register(t, h, "a", 4)
	_, done, err := h.Register("b", 4)
	require.NoError(t, err)
	require.NoError(t, h.Join("a", "p1"))
	require.NoError(t, h.Join("b", "p1"))

	h.Unregister("b")
	h.Unregister("b")

	select {
	case <-done:
	default:
		t.Fatal("done channel should be closed")
	}
	assert.Equal(t, []string{"a"}, h.Members("p1"))
	assert.Equal(t, 1, h.Connections())
	d := h.Broadcast("a", "p1", "x", nil)
	assert.Equal(t, 0, d.Delivered)
}

func TestHub_concurrent_use(t *testing.T) {
	h := NewHub(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := string(rune('a' + i))
		out := register(t, h, id, 256)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Join(id, "p1")
			for j := 0; j < 10; j++ {
				h.Broadcast(id, "p1", "e", j)
			}
			drain(out)
			_ = h.Leave(id, "p1")
			h.Unregister(id)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.Rooms())
	assert.Equal(t, 0, h.Connections())
}
