package annotation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the authoritative persistence abstraction for labels, categories
// and segments. Every mutating call either returns the canonical entity with
// its server-assigned id or fails without a visible partial change.
// Implementations must be safe for concurrent use.
type Store interface {
	ListLabelCategories(ctx context.Context, projectID string) ([]LabelCategory, error)
	ListLabels(ctx context.Context, projectID string) ([]Label, error)
	GetLabelCategory(ctx context.Context, id string) (LabelCategory, error)
	GetLabel(ctx context.Context, id string) (Label, error)

	// CreateLabelCategory creates the category together with one initial Label.
	CreateLabelCategory(ctx context.Context, projectID string, in NewLabelCategory) (LabelCategory, error)
	CreateLabel(ctx context.Context, projectID string, in NewLabel) (Label, error)
	RenameLabelCategory(ctx context.Context, id, name string) (LabelCategory, error)
	RenameLabel(ctx context.Context, id, name string) (Label, error)
	DeleteLabelCategory(ctx context.Context, id string) error
	DeleteLabel(ctx context.Context, id string) error

	// ListSegments returns the segments of the given labels ordered by label
	// then start time.
	ListSegments(ctx context.Context, labelIDs []string) ([]Segment, error)
	GetSegment(ctx context.Context, id string) (Segment, error)
	CreateSegment(ctx context.Context, in NewSegment) (Segment, error)
	UpdateSegmentBounds(ctx context.Context, id string, start, end int64) (Segment, error)
	// MergeSegments sets survivorID to [start, end] and deletes absorbedIDs.
	// Absorbed ids that no longer exist are skipped.
	MergeSegments(ctx context.Context, survivorID string, absorbedIDs []string, start, end int64) (Segment, error)
	// DeleteSegments removes the given segments and returns the ids that existed.
	DeleteSegments(ctx context.Context, ids []string) ([]string, error)

	Close() error
}

// MemoryStore is a concurrency-safe in-memory Store.
type MemoryStore struct {
	mu         sync.RWMutex
	categories map[string]*LabelCategory
	labels     map[string]*Label
	segments   map[string]*Segment
	// order records creation order so listings are stable.
	order map[string]int64
	seq   int64
	now   func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		categories: make(map[string]*LabelCategory),
		labels:     make(map[string]*Label),
		segments:   make(map[string]*Segment),
		order:      make(map[string]int64),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ListLabelCategories implements Store.
func (s *MemoryStore) ListLabelCategories(_ context.Context, projectID string) ([]LabelCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]LabelCategory, 0)
	for _, c := range s.categories {
		if c.ProjectID == projectID {
			out = append(out, s.categoryViewLocked(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	return out, nil
}

// ListLabels implements Store.
func (s *MemoryStore) ListLabels(_ context.Context, projectID string) ([]Label, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Label, 0)
	for _, l := range s.labels {
		if l.ProjectID == projectID {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	return out, nil
}

// GetLabelCategory implements Store.
func (s *MemoryStore) GetLabelCategory(_ context.Context, id string) (LabelCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.categories[id]
	if !ok {
		return LabelCategory{}, notFound("label category", id)
	}
	return s.categoryViewLocked(c), nil
}

// GetLabel implements Store.
func (s *MemoryStore) GetLabel(_ context.Context, id string) (Label, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.labels[id]
	if !ok {
		return Label{}, notFound("label", id)
	}
	return *l, nil
}

// CreateLabelCategory implements Store.
func (s *MemoryStore) CreateLabelCategory(_ context.Context, projectID string, in NewLabelCategory) (LabelCategory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c := &LabelCategory{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Name:        in.Name,
		IsTrackable: in.IsTrackable,
		AuthorID:    in.AuthorID,
		AuthorClass: in.AuthorClass,
		CreatedAt:   now,
	}
	s.categories[c.ID] = c
	s.stampLocked(c.ID)

	s.insertLabelLocked(c, NewLabel{
		CategoryID:  c.ID,
		AuthorID:    in.AuthorID,
		AuthorClass: in.AuthorClass,
	})
	return s.categoryViewLocked(c), nil
}

// CreateLabel implements Store.
func (s *MemoryStore) CreateLabel(_ context.Context, projectID string, in NewLabel) (Label, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.categories[in.CategoryID]
	if !ok || c.ProjectID != projectID {
		return Label{}, notFound("label category", in.CategoryID)
	}
	return s.insertLabelLocked(c, in), nil
}

// insertLabelLocked adds a label under c. Caller must hold s.mu in write mode.
func (s *MemoryStore) insertLabelLocked(c *LabelCategory, in NewLabel) Label {
	name := in.Name
	if name == "" {
		name = DefaultLabelName(c.Name, len(s.labelsOfLocked(c.ID))+1)
	}
	l := &Label{
		ID:          uuid.NewString(),
		ProjectID:   c.ProjectID,
		CategoryID:  c.ID,
		Name:        name,
		AuthorID:    in.AuthorID,
		AuthorClass: in.AuthorClass,
		CreatedAt:   s.now(),
	}
	s.labels[l.ID] = l
	s.stampLocked(l.ID)
	return *l
}

// RenameLabelCategory implements Store.
func (s *MemoryStore) RenameLabelCategory(_ context.Context, id, name string) (LabelCategory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.categories[id]
	if !ok {
		return LabelCategory{}, notFound("label category", id)
	}
	c.Name = name
	return s.categoryViewLocked(c), nil
}

// RenameLabel implements Store.
func (s *MemoryStore) RenameLabel(_ context.Context, id, name string) (Label, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.labels[id]
	if !ok {
		return Label{}, notFound("label", id)
	}
	l.Name = name
	return *l, nil
}

// DeleteLabelCategory implements Store.
func (s *MemoryStore) DeleteLabelCategory(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.categories[id]; !ok {
		return notFound("label category", id)
	}
	for _, l := range s.labelsOfLocked(id) {
		s.deleteLabelLocked(l.ID)
	}
	delete(s.categories, id)
	delete(s.order, id)
	return nil
}

// DeleteLabel implements Store.
func (s *MemoryStore) DeleteLabel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.labels[id]; !ok {
		return notFound("label", id)
	}
	s.deleteLabelLocked(id)
	return nil
}

// deleteLabelLocked removes a label and its segments. Caller must hold s.mu in
// write mode.
func (s *MemoryStore) deleteLabelLocked(id string) {
	for sid, seg := range s.segments {
		if seg.LabelID == id {
			delete(s.segments, sid)
		}
	}
	delete(s.labels, id)
	delete(s.order, id)
}

// ListSegments implements Store.
func (s *MemoryStore) ListSegments(_ context.Context, labelIDs []string) ([]Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[string]struct{}, len(labelIDs))
	for _, id := range labelIDs {
		want[id] = struct{}{}
	}
	out := make([]Segment, 0)
	for _, seg := range s.segments {
		if _, ok := want[seg.LabelID]; ok {
			out = append(out, *seg)
		}
	}
	SortSegments(out)
	return out, nil
}

// GetSegment implements Store.
func (s *MemoryStore) GetSegment(_ context.Context, id string) (Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seg, ok := s.segments[id]
	if !ok {
		return Segment{}, notFound("segment", id)
	}
	return *seg, nil
}

// CreateSegment implements Store.
func (s *MemoryStore) CreateSegment(_ context.Context, in NewSegment) (Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.labels[in.LabelID]; !ok {
		return Segment{}, notFound("label", in.LabelID)
	}
	seg := &Segment{
		ID:          uuid.NewString(),
		LabelID:     in.LabelID,
		Start:       in.Start,
		End:         in.End,
		AuthorID:    in.AuthorID,
		AuthorClass: in.AuthorClass,
		CreatedAt:   s.now(),
	}
	s.segments[seg.ID] = seg
	return *seg, nil
}

// UpdateSegmentBounds implements Store.
func (s *MemoryStore) UpdateSegmentBounds(ctx context.Context, id string, start, end int64) (Segment, error) {
	return s.MergeSegments(ctx, id, nil, start, end)
}

// MergeSegments implements Store.
func (s *MemoryStore) MergeSegments(_ context.Context, survivorID string, absorbedIDs []string, start, end int64) (Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.segments[survivorID]
	if !ok {
		return Segment{}, notFound("segment", survivorID)
	}
	seg.Start, seg.End = start, end
	for _, id := range absorbedIDs {
		if id != survivorID {
			delete(s.segments, id)
		}
	}
	return *seg, nil
}

// DeleteSegments implements Store.
func (s *MemoryStore) DeleteSegments(_ context.Context, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.segments[id]; ok {
			delete(s.segments, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// stampLocked records creation order for id. Caller must hold s.mu in write mode.
func (s *MemoryStore) stampLocked(id string) {
	s.seq++
	s.order[id] = s.seq
}

// labelsOfLocked returns the labels of category id in creation order.
func (s *MemoryStore) labelsOfLocked(categoryID string) []Label {
	out := make([]Label, 0)
	for _, l := range s.labels {
		if l.CategoryID == categoryID {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	return out
}

// categoryViewLocked copies c with its ordered label list.
func (s *MemoryStore) categoryViewLocked(c *LabelCategory) LabelCategory {
	view := *c
	view.Labels = s.labelsOfLocked(c.ID)
	return view
}

// SortSegments orders segments by label id then start, end and id.
func SortSegments(segs []Segment) {
	sort.Slice(segs, func(i, j int) bool {
		a, b := segs[i], segs[j]
		if a.LabelID != b.LabelID {
			return a.LabelID < b.LabelID
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.End != b.End {
			return a.End < b.End
		}
		return a.ID < b.ID
	})
}
