package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"annotation-sync/internal/annotation"
	"annotation-sync/internal/room"
)

// Broadcast event names.
const (
	EventNewLabels              = "newLabels"
	EventNewLabelCategories     = "newLabelCategories"
	EventRemovedLabels          = "removedLabels"
	EventRemovedLabelCategories = "removedLabelCategories"
	EventUpdatedLabels          = "updatedLabels"
	EventUpdatedLabelCategories = "updatedLabelCategories"
	EventNewSegment             = "newSegment"
	EventUpdatedSegments        = "updatedSegments"
	EventRemovedSegments        = "removedSegments"
)

// Frame types.
const (
	TypeAck   = "ack"
	TypeEvent = "event"
)

// Removed is the payload of removedLabels and removedLabelCategories.
type Removed struct {
	ID string `json:"id"`
}

// Renamed is the payload of updatedLabels and updatedLabelCategories.
type Renamed struct {
	ID     string `json:"id"`
	Change string `json:"change"`
}

// NewSegment is the payload of newSegment and the ack of createSegment.
// Merged is only ever set on the ack: when the server folded the recording
// into existing segments the broadcast is an updatedSegments instead.
type NewSegment struct {
	Segment      annotation.Segment `json:"segment"`
	ClientTempID string             `json:"clientTempId,omitempty"`
	Merged       bool               `json:"merged,omitempty"`
	AbsorbedIDs  []string           `json:"absorbedIds,omitempty"`
}

// UpdatedSegments is the payload of updatedSegments: UpdatedIDs[0] now spans
// [NewStart, NewEnd] and every other id was absorbed into it.
type UpdatedSegments struct {
	UpdatedIDs []string `json:"updatedIds"`
	NewStart   int64    `json:"newStart"`
	NewEnd     int64    `json:"newEnd"`
}

// RemovedSegments is the payload of removedSegments.
type RemovedSegments struct {
	IDs []string `json:"ids"`
}

// Membership is the ack of joinRoom and leaveRoom. Room is empty after a
// leave.
type Membership struct {
	Room      string `json:"room"`
	SessionID string `json:"sessionId"`
}

// Error kinds reported in a failed ack.
const (
	KindMembership = "membership"
	KindNotFound   = "not_found"
	KindValidation = "validation"
	KindStore      = "store"
)

// Error is the failure detail of an ack.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Kind + ": " + e.Message }

// Is lets errors.Is match a decoded ack error against the domain sentinels.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindMembership:
		return target == room.ErrMembership
	case KindNotFound:
		return target == annotation.ErrNotFound
	case KindValidation:
		return target == annotation.ErrValidation
	case KindStore:
		return target == annotation.ErrStore
	}
	return false
}

// ErrorKind maps an error to its wire kind. Anything unrecognised is reported
// as a store failure.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, room.ErrMembership):
		return KindMembership
	case errors.Is(err, annotation.ErrNotFound):
		return KindNotFound
	case errors.Is(err, annotation.ErrValidation):
		return KindValidation
	default:
		return KindStore
	}
}

// Ack answers one client request.
type Ack struct {
	Type  string `json:"type"`
	ID    uint64 `json:"id"`
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// OK returns a successful ack.
func OK(id uint64, data any) Ack {
	return Ack{Type: TypeAck, ID: id, OK: true, Data: data}
}

// Fail returns a failed ack describing err.
func Fail(id uint64, err error) Ack {
	return Ack{Type: TypeAck, ID: id, Error: &Error{Kind: ErrorKind(err), Message: err.Error()}}
}

// Event is a broadcast frame.
type Event struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// EventFrom wraps a hub message.
func EventFrom(m room.Message) Event {
	return Event{Type: TypeEvent, Event: m.Event, Data: m.Payload}
}

// Frame is any server frame as read by a client; Data is decoded once the
// frame type is known.
type Frame struct {
	Type  string          `json:"type"`
	ID    uint64          `json:"id,omitempty"`
	OK    bool            `json:"ok,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Err returns the ack's failure, or nil.
func (f Frame) Err() error {
	if f.OK {
		return nil
	}
	if f.Error == nil {
		return &Error{Kind: KindStore, Message: "request failed"}
	}
	return f.Error
}

// DecodeEvent decodes the data of a broadcast frame into its payload type.
func DecodeEvent(name string, data json.RawMessage) (any, error) {
	switch name {
	case EventNewLabels:
		return decodeAs[annotation.Label](name, data)
	case EventNewLabelCategories:
		return decodeAs[annotation.LabelCategory](name, data)
	case EventRemovedLabels, EventRemovedLabelCategories:
		return decodeAs[Removed](name, data)
	case EventUpdatedLabels, EventUpdatedLabelCategories:
		return decodeAs[Renamed](name, data)
	case EventNewSegment:
		return decodeAs[NewSegment](name, data)
	case EventUpdatedSegments:
		return decodeAs[UpdatedSegments](name, data)
	case EventRemovedSegments:
		return decodeAs[RemovedSegments](name, data)
	default:
		return nil, fmt.Errorf("unknown event %q", name)
	}
}

func decodeAs[T any](name string, data json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return v, nil
}
