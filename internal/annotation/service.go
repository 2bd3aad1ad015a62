package annotation

import (
	"context"
	"errors"
	"strings"
	"sync"

	"annotation-sync/internal/merge"
)

// Service validates inbound mutations, scopes them to a project and applies
// them to the Store. It does no broadcasting; callers broadcast on success.
type Service struct {
	store  Store
	strict bool
	tracks *keyedMutex
}

// NewService returns a Service over store. With strictTrackMerge set,
// CreateSegment and MergeSegments reconcile against the live segment set of
// the track under a per-label lock, so concurrent recordings on one track
// cannot commit overlapping segments. Without it a create is committed as
// requested and an overlap from a racing writer persists until the next merge.
func NewService(store Store, strictTrackMerge bool) *Service {
	return &Service{store: store, strict: strictTrackMerge, tracks: newKeyedMutex()}
}

// ListLabelCategories returns the project's categories with their labels.
func (s *Service) ListLabelCategories(ctx context.Context, projectID string) ([]LabelCategory, error) {
	return s.store.ListLabelCategories(ctx, projectID)
}

// ListLabels returns the project's labels.
func (s *Service) ListLabels(ctx context.Context, projectID string) ([]Label, error) {
	return s.store.ListLabels(ctx, projectID)
}

// CreateLabelCategory creates a category and its initial label.
func (s *Service) CreateLabelCategory(ctx context.Context, projectID string, in NewLabelCategory) (LabelCategory, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return LabelCategory{}, invalid("category name is required")
	}
	return s.store.CreateLabelCategory(ctx, projectID, in)
}

// CreateLabel creates a label under a category of the project.
func (s *Service) CreateLabel(ctx context.Context, projectID string, in NewLabel) (Label, error) {
	if in.CategoryID == "" {
		return Label{}, invalid("categoryId is required")
	}
	in.Name = strings.TrimSpace(in.Name)
	return s.store.CreateLabel(ctx, projectID, in)
}

// RenameLabelCategory renames a category of the project.
func (s *Service) RenameLabelCategory(ctx context.Context, projectID, id, name string) (LabelCategory, error) {
	name = strings.TrimSpace(name)
	if id == "" || name == "" {
		return LabelCategory{}, invalid("id and name are required")
	}
	if _, err := s.category(ctx, projectID, id); err != nil {
		return LabelCategory{}, err
	}
	return s.store.RenameLabelCategory(ctx, id, name)
}

// RenameLabel renames a label of the project.
func (s *Service) RenameLabel(ctx context.Context, projectID, id, name string) (Label, error) {
	name = strings.TrimSpace(name)
	if id == "" || name == "" {
		return Label{}, invalid("id and name are required")
	}
	if _, err := s.label(ctx, projectID, id); err != nil {
		return Label{}, err
	}
	return s.store.RenameLabel(ctx, id, name)
}

// DeleteLabelCategory deletes a category with its labels and segments.
func (s *Service) DeleteLabelCategory(ctx context.Context, projectID, id string) error {
	if id == "" {
		return invalid("id is required")
	}
	if _, err := s.category(ctx, projectID, id); err != nil {
		return err
	}
	return s.store.DeleteLabelCategory(ctx, id)
}

// DeleteLabel deletes a label with its segments.
func (s *Service) DeleteLabel(ctx context.Context, projectID, id string) error {
	if id == "" {
		return invalid("id is required")
	}
	if _, err := s.label(ctx, projectID, id); err != nil {
		return err
	}
	return s.store.DeleteLabel(ctx, id)
}

// ListSegments returns the segments of the given labels. Labels outside the
// project are ignored.
func (s *Service) ListSegments(ctx context.Context, projectID string, labelIDs []string) ([]Segment, error) {
	if len(labelIDs) == 0 {
		return []Segment{}, nil
	}
	owned := make([]string, 0, len(labelIDs))
	for _, id := range labelIDs {
		_, err := s.label(ctx, projectID, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		owned = append(owned, id)
	}
	return s.store.ListSegments(ctx, owned)
}

// CreateSegment commits a new interval on a label.
func (s *Service) CreateSegment(ctx context.Context, projectID string, in NewSegment) (SegmentWrite, error) {
	if err := ValidateInterval(in.Start, in.End); err != nil {
		return SegmentWrite{}, err
	}
	if in.LabelID == "" || in.AuthorID == "" {
		return SegmentWrite{}, invalid("labelId and authorId are required")
	}
	if _, err := s.label(ctx, projectID, in.LabelID); err != nil {
		return SegmentWrite{}, err
	}

	if !s.strict {
		seg, err := s.store.CreateSegment(ctx, in)
		if err != nil {
			return SegmentWrite{}, err
		}
		return SegmentWrite{Segment: seg}, nil
	}

	unlock := s.tracks.lock(in.LabelID)
	defer unlock()

	live, err := s.trackIntervals(ctx, in.LabelID)
	if err != nil {
		return SegmentWrite{}, err
	}
	outcome := merge.Reconcile(merge.Interval{Start: in.Start, End: in.End}, live, false)
	if !outcome.Merge {
		seg, err := s.store.CreateSegment(ctx, in)
		if err != nil {
			return SegmentWrite{}, err
		}
		return SegmentWrite{Segment: seg}, nil
	}
	return s.commitMerge(ctx, outcome.Survivors, outcome.Start, outcome.End)
}

// MergeSegments sets ids[0] to [start, end] and deletes ids[1:]. A single id
// is a plain bounds update.
func (s *Service) MergeSegments(ctx context.Context, projectID string, ids []string, start, end int64) (SegmentWrite, error) {
	if err := ValidateInterval(start, end); err != nil {
		return SegmentWrite{}, err
	}
	if err := validateIDs(ids); err != nil {
		return SegmentWrite{}, err
	}

	survivor, err := s.store.GetSegment(ctx, ids[0])
	if err != nil {
		return SegmentWrite{}, err
	}
	if _, err := s.label(ctx, projectID, survivor.LabelID); err != nil {
		return SegmentWrite{}, err
	}

	unlock := s.tracks.lock(survivor.LabelID)
	defer unlock()

	for _, id := range ids[1:] {
		seg, err := s.store.GetSegment(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Already gone, e.g. absorbed by a racing merge.
			continue
		}
		if err != nil {
			return SegmentWrite{}, err
		}
		if seg.LabelID != survivor.LabelID {
			return SegmentWrite{}, invalid("segment %q is not on label %q", id, survivor.LabelID)
		}
	}

	if !s.strict {
		return s.commitMerge(ctx, ids, start, end)
	}

	live, err := s.trackIntervals(ctx, survivor.LabelID)
	if err != nil {
		return SegmentWrite{}, err
	}
	outcome := merge.Reconcile(merge.Interval{ID: ids[0], Start: start, End: end}, live, true)
	all := appendUnique(ids, outcome.Survivors[1:]...)
	return s.commitMerge(ctx, all, min(start, outcome.Start), max(end, outcome.End))
}

// DeleteSegments deletes segments and returns the ids that existed.
func (s *Service) DeleteSegments(ctx context.Context, projectID string, ids []string) ([]string, error) {
	if err := validateIDs(ids); err != nil {
		return nil, err
	}
	owned := make([]string, 0, len(ids))
	for _, id := range ids {
		seg, err := s.store.GetSegment(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		_, err = s.label(ctx, projectID, seg.LabelID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		owned = append(owned, id)
	}
	if len(owned) == 0 {
		return []string{}, nil
	}
	return s.store.DeleteSegments(ctx, owned)
}

func (s *Service) commitMerge(ctx context.Context, ids []string, start, end int64) (SegmentWrite, error) {
	seg, err := s.store.MergeSegments(ctx, ids[0], ids[1:], start, end)
	if err != nil {
		return SegmentWrite{}, err
	}
	return SegmentWrite{Segment: seg, Merged: true, Absorbed: append([]string(nil), ids[1:]...)}, nil
}

// trackIntervals reads the live interval set of a label. It is always taken
// at mutation time and never cached.
func (s *Service) trackIntervals(ctx context.Context, labelID string) ([]merge.Interval, error) {
	segs, err := s.store.ListSegments(ctx, []string{labelID})
	if err != nil {
		return nil, err
	}
	out := make([]merge.Interval, len(segs))
	for i, seg := range segs {
		out[i] = seg.Interval()
	}
	return out, nil
}

func (s *Service) label(ctx context.Context, projectID, id string) (Label, error) {
	l, err := s.store.GetLabel(ctx, id)
	if err != nil {
		return Label{}, err
	}
	if l.ProjectID != projectID {
		return Label{}, notFound("label", id)
	}
	return l, nil
}

func (s *Service) category(ctx context.Context, projectID, id string) (LabelCategory, error) {
	c, err := s.store.GetLabelCategory(ctx, id)
	if err != nil {
		return LabelCategory{}, err
	}
	if c.ProjectID != projectID {
		return LabelCategory{}, notFound("label category", id)
	}
	return c, nil
}

// ValidateInterval rejects intervals with negative or inverted bounds.
func ValidateInterval(start, end int64) error {
	if start < 0 {
		return invalid("start %d is negative", start)
	}
	if end < start {
		return invalid("end %d precedes start %d", end, start)
	}
	return nil
}

func validateIDs(ids []string) error {
	if len(ids) == 0 {
		return invalid("at least one id is required")
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			return invalid("empty id")
		}
		if _, dup := seen[id]; dup {
			return invalid("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func appendUnique(ids []string, more ...string) []string {
	out := append([]string(nil), ids...)
	for _, id := range more {
		dup := false
		for _, have := range out {
			if have == id {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, id)
		}
	}
	return out
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
