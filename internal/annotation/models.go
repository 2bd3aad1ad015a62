package annotation

import (
	"strconv"
	"time"

	"annotation-sync/internal/merge"
)

// LabelCategory groups Labels inside a project. Deleting a category deletes its
// Labels and their Segments.
type LabelCategory struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	Name        string    `json:"name"`
	IsTrackable bool      `json:"isTrackable"`
	Labels      []Label   `json:"labels"`
	AuthorID    string    `json:"authorId,omitempty"`
	AuthorClass string    `json:"authorClass,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Label is a track: a named lane on which Segments are recorded.
type Label struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	CategoryID  string    `json:"categoryId"`
	Name        string    `json:"name"`
	AuthorID    string    `json:"authorId,omitempty"`
	AuthorClass string    `json:"authorClass,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Segment is one committed time interval on a Label, in milliseconds.
// Segments on the same Label do not overlap once reconciled.
type Segment struct {
	ID          string    `json:"id"`
	LabelID     string    `json:"labelId"`
	Start       int64     `json:"start"`
	End         int64     `json:"end"`
	AuthorID    string    `json:"authorId"`
	AuthorClass string    `json:"authorClass"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Interval returns the segment's bounds for the merge engine.
func (s Segment) Interval() merge.Interval {
	return merge.Interval{ID: s.ID, Start: s.Start, End: s.End}
}

// NewLabelCategory is the input for creating a category. The store creates one
// initial Label along with it.
type NewLabelCategory struct {
	Name        string `json:"name"`
	IsTrackable bool   `json:"isTrackable"`
	AuthorID    string `json:"authorId"`
	AuthorClass string `json:"authorClass"`
}

// NewLabel is the input for creating a Label. An empty Name is replaced by
// "<category>_<n>".
type NewLabel struct {
	CategoryID  string `json:"categoryId"`
	Name        string `json:"name"`
	AuthorID    string `json:"authorId"`
	AuthorClass string `json:"authorClass"`
}

// NewSegment is the input for committing a new interval.
type NewSegment struct {
	LabelID     string `json:"labelId"`
	Start       int64  `json:"start"`
	End         int64  `json:"end"`
	AuthorID    string `json:"authorId"`
	AuthorClass string `json:"authorClass"`
}

// SegmentWrite describes the committed effect of a segment mutation.
// When Merged is true Segment is the survivor carrying the merged bounds and
// Absorbed lists the ids that were deleted into it.
type SegmentWrite struct {
	Segment  Segment  `json:"segment"`
	Merged   bool     `json:"merged"`
	Absorbed []string `json:"absorbedIds,omitempty"`
}

// UpdatedIDs returns the survivor id followed by the absorbed ids, the order
// mirrors apply a merge in.
func (w SegmentWrite) UpdatedIDs() []string {
	ids := make([]string, 0, len(w.Absorbed)+1)
	ids = append(ids, w.Segment.ID)
	return append(ids, w.Absorbed...)
}

// DefaultLabelName is the name given to an unnamed label, matching how
// clients split "<category>_<label>" display names.
func DefaultLabelName(category string, n int) string {
	return category + "_" + strconv.Itoa(n)
}
