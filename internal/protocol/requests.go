// Package protocol defines the JSON frames exchanged over a connection: the
// closed set of inbound actions, the outbound events broadcast to room members
// and the acknowledgement sent back to the requester.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"annotation-sync/internal/annotation"
)

// Inbound action names.
const (
	ActionJoinRoom            = "joinRoom"
	ActionLeaveRoom           = "leaveRoom"
	ActionListLabels          = "listLabels"
	ActionListLabelCategories = "listLabelCategories"
	ActionCreateLabel         = "createLabel"
	ActionCreateLabelCategory = "createLabelCategory"
	ActionDeleteLabel         = "deleteLabel"
	ActionDeleteLabelCategory = "deleteLabelCategory"
	ActionRenameLabel         = "renameLabel"
	ActionRenameLabelCategory = "renameLabelCategory"
	ActionListSegments        = "listSegments"
	ActionCreateSegment       = "createSegment"
	ActionMergeSegments       = "mergeSegments"
	ActionDeleteSegments      = "deleteSegments"
)

// Request is one decoded inbound action.
type Request interface {
	Action() string
	Validate() error
}

// Envelope is the raw client frame.
type Envelope struct {
	ID     uint64          `json:"id"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// JoinRoom makes the connection a member of the project room ID.
type JoinRoom struct {
	ID string `json:"id"`
}

// LeaveRoom leaves the project room ID.
type LeaveRoom struct {
	ID string `json:"id"`
}

type ListLabels struct{}

type ListLabelCategories struct{}

// CreateLabel adds a label to a category. Name is optional.
type CreateLabel struct {
	CategoryID  string `json:"categoryId"`
	AuthorID    string `json:"authorId"`
	AuthorClass string `json:"authorClass"`
	Name        string `json:"name,omitempty"`
}

// CategoryData carries the user supplied fields of a new category.
type CategoryData struct {
	Name        string `json:"name"`
	IsTrackable bool   `json:"isTrackable"`
}

type CreateLabelCategory struct {
	AuthorID    string       `json:"authorId"`
	AuthorClass string       `json:"authorClass"`
	Data        CategoryData `json:"labelCategoryData"`
}

type DeleteLabel struct {
	ID string `json:"id"`
}

type DeleteLabelCategory struct {
	ID string `json:"id"`
}

// RenameLabel sets the name of label ID to Change.
type RenameLabel struct {
	ID     string `json:"id"`
	Change string `json:"change"`
}

type RenameLabelCategory struct {
	ID     string `json:"id"`
	Change string `json:"change"`
}

// ListSegments lists the segments of the labels in IDs.
type ListSegments struct {
	IDs []string `json:"ids"`
}

// CreateSegment commits a recorded interval. ClientTempID is echoed back in
// the ack and the newSegment broadcast so mirrors can swap their temporary
// item for the canonical one.
type CreateSegment struct {
	LabelID      string `json:"labelId"`
	AuthorID     string `json:"authorId"`
	Start        int64  `json:"start"`
	End          int64  `json:"end"`
	AuthorClass  string `json:"authorClass"`
	ClientTempID string `json:"clientTempId,omitempty"`
}

// MergeSegments sets SegmentIDs[0] to [Start, End] and deletes the rest.
type MergeSegments struct {
	SegmentIDs []string `json:"segmentIds"`
	Start      int64    `json:"start"`
	End        int64    `json:"end"`
}

type DeleteSegments struct {
	IDs []string `json:"ids"`
}

func (JoinRoom) Action() string            { return ActionJoinRoom }
func (LeaveRoom) Action() string           { return ActionLeaveRoom }
func (ListLabels) Action() string          { return ActionListLabels }
func (ListLabelCategories) Action() string { return ActionListLabelCategories }
func (CreateLabel) Action() string         { return ActionCreateLabel }
func (CreateLabelCategory) Action() string { return ActionCreateLabelCategory }
func (DeleteLabel) Action() string         { return ActionDeleteLabel }
func (DeleteLabelCategory) Action() string { return ActionDeleteLabelCategory }
func (RenameLabel) Action() string         { return ActionRenameLabel }
func (RenameLabelCategory) Action() string { return ActionRenameLabelCategory }
func (ListSegments) Action() string        { return ActionListSegments }
func (CreateSegment) Action() string       { return ActionCreateSegment }
func (MergeSegments) Action() string       { return ActionMergeSegments }
func (DeleteSegments) Action() string      { return ActionDeleteSegments }

func (r JoinRoom) Validate() error  { return required("id", r.ID) }
func (r LeaveRoom) Validate() error { return required("id", r.ID) }

func (ListLabels) Validate() error          { return nil }
func (ListLabelCategories) Validate() error { return nil }

func (r CreateLabel) Validate() error {
	return required("categoryId", r.CategoryID)
}

func (r CreateLabelCategory) Validate() error {
	return required("labelCategoryData.name", r.Data.Name)
}

func (r DeleteLabel) Validate() error         { return required("id", r.ID) }
func (r DeleteLabelCategory) Validate() error { return required("id", r.ID) }

func (r RenameLabel) Validate() error {
	if err := required("id", r.ID); err != nil {
		return err
	}
	return required("change", r.Change)
}

func (r RenameLabelCategory) Validate() error {
	if err := required("id", r.ID); err != nil {
		return err
	}
	return required("change", r.Change)
}

func (r ListSegments) Validate() error {
	return noBlank("ids", r.IDs)
}

func (r CreateSegment) Validate() error {
	if err := required("labelId", r.LabelID); err != nil {
		return err
	}
	if err := required("authorId", r.AuthorID); err != nil {
		return err
	}
	return annotation.ValidateInterval(r.Start, r.End)
}

func (r MergeSegments) Validate() error {
	if len(r.SegmentIDs) == 0 {
		return fmt.Errorf("%w: segmentIds is required", annotation.ErrValidation)
	}
	if err := noBlank("segmentIds", r.SegmentIDs); err != nil {
		return err
	}
	return annotation.ValidateInterval(r.Start, r.End)
}

func (r DeleteSegments) Validate() error {
	if len(r.IDs) == 0 {
		return fmt.Errorf("%w: ids is required", annotation.ErrValidation)
	}
	return noBlank("ids", r.IDs)
}

// Decode parses a client frame into its typed request. The returned id is the
// frame's correlation id and is valid whenever the envelope itself parsed,
// so a rejected request can still be acknowledged.
func Decode(frame []byte) (uint64, Request, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return 0, nil, fmt.Errorf("%w: malformed frame: %v", annotation.ErrValidation, err)
	}

	req, err := decodeRequest(env.Action, env.Data)
	if err != nil {
		return env.ID, nil, err
	}
	if err := req.Validate(); err != nil {
		return env.ID, nil, fmt.Errorf("%s: %w", env.Action, err)
	}
	return env.ID, req, nil
}

// Encode builds a client frame for req.
func Encode(id uint64, req Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{ID: id, Action: req.Action(), Data: data})
}

func decodeRequest(action string, data json.RawMessage) (Request, error) {
	switch action {
	case ActionJoinRoom:
		return decodeData[JoinRoom](action, data)
	case ActionLeaveRoom:
		return decodeData[LeaveRoom](action, data)
	case ActionListLabels:
		return decodeData[ListLabels](action, data)
	case ActionListLabelCategories:
		return decodeData[ListLabelCategories](action, data)
	case ActionCreateLabel:
		return decodeData[CreateLabel](action, data)
	case ActionCreateLabelCategory:
		return decodeData[CreateLabelCategory](action, data)
	case ActionDeleteLabel:
		return decodeData[DeleteLabel](action, data)
	case ActionDeleteLabelCategory:
		return decodeData[DeleteLabelCategory](action, data)
	case ActionRenameLabel:
		return decodeData[RenameLabel](action, data)
	case ActionRenameLabelCategory:
		return decodeData[RenameLabelCategory](action, data)
	case ActionListSegments:
		return decodeData[ListSegments](action, data)
	case ActionCreateSegment:
		return decodeData[CreateSegment](action, data)
	case ActionMergeSegments:
		return decodeData[MergeSegments](action, data)
	case ActionDeleteSegments:
		return decodeData[DeleteSegments](action, data)
	case "":
		return nil, fmt.Errorf("%w: action is required", annotation.ErrValidation)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", annotation.ErrValidation, action)
	}
}

// decodeData fills a T from data; absent or null data leaves it zero.
func decodeData[T Request](action string, data json.RawMessage) (Request, error) {
	var v T
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", annotation.ErrValidation, action, err)
	}
	return v, nil
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", annotation.ErrValidation, field)
	}
	return nil
}

func noBlank(field string, ids []string) error {
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: %s contains an empty id", annotation.ErrValidation, field)
		}
	}
	return nil
}
