// Package mirror keeps a client's local copy of a project's labels and
// segments, the state a timeline view is drawn from. Local creates are
// applied optimistically under a temporary id and swapped for the server's id
// once acknowledged; remote events are applied idempotently.
package mirror

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"annotation-sync/internal/annotation"
	"annotation-sync/internal/merge"
	"annotation-sync/internal/protocol"
)

// Category is a label category as the mirror holds it.
type Category struct {
	ID          string
	Name        string
	IsTrackable bool
}

// Group is a label: one lane of the timeline.
type Group struct {
	ID         string
	CategoryID string
	Name       string
}

// Item is a segment on a group. Temp is set while the item only exists
// locally; Dirty marks a temporary item edited after it was sent.
type Item struct {
	ID          string
	GroupID     string
	Start       int64
	End         int64
	AuthorID    string
	AuthorClass string
	Temp        bool
	Dirty       bool
}

// Interval returns the item bounds for the merge engine.
func (i Item) Interval() merge.Interval {
	return merge.Interval{ID: i.ID, Start: i.Start, End: i.End}
}

// Mirror is safe for concurrent use.
type Mirror struct {
	mu         sync.RWMutex
	categories map[string]*Category
	groups     map[string]*Group
	items      map[string]*Item
	newID      func() string
}

// New returns an empty Mirror.
func New() *Mirror {
	return &Mirror{
		categories: make(map[string]*Category),
		groups:     make(map[string]*Group),
		items:      make(map[string]*Item),
		newID:      func() string { return "tmp-" + uuid.NewString() },
	}
}

// LoadCategories upserts categories and their labels, as returned by
// listLabelCategories.
func (m *Mirror) LoadCategories(cats []annotation.LabelCategory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cats {
		m.putCategoryLocked(c)
	}
}

// LoadLabels upserts groups, as returned by listLabels.
func (m *Mirror) LoadLabels(labels []annotation.Label) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range labels {
		m.putGroupLocked(l)
	}
}

// ReplaceTrack replaces every settled item of groupID with segs. Temporary
// items are kept; they are still waiting for their ack.
func (m *Mirror) ReplaceTrack(groupID string, segs []annotation.Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, it := range m.items {
		if it.GroupID == groupID && !it.Temp {
			delete(m.items, id)
		}
	}
	for _, s := range segs {
		if s.LabelID == groupID {
			m.putItemLocked(s)
		}
	}
}

func (m *Mirror) putCategoryLocked(c annotation.LabelCategory) {
	if _, ok := m.categories[c.ID]; !ok {
		m.categories[c.ID] = &Category{ID: c.ID, Name: c.Name, IsTrackable: c.IsTrackable}
	}
	for _, l := range c.Labels {
		m.putGroupLocked(l)
	}
}

func (m *Mirror) putGroupLocked(l annotation.Label) {
	if _, ok := m.groups[l.ID]; ok {
		return
	}
	m.groups[l.ID] = &Group{ID: l.ID, CategoryID: l.CategoryID, Name: l.Name}
}

func (m *Mirror) putItemLocked(s annotation.Segment) {
	if _, ok := m.items[s.ID]; ok {
		return
	}
	m.items[s.ID] = &Item{
		ID:          s.ID,
		GroupID:     s.LabelID,
		Start:       s.Start,
		End:         s.End,
		AuthorID:    s.AuthorID,
		AuthorClass: s.AuthorClass,
	}
}

// InsertTemp adds an optimistic item and returns its temporary id.
func (m *Mirror) InsertTemp(groupID string, start, end int64, authorID, authorClass string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.newID()
	m.items[id] = &Item{
		ID:          id,
		GroupID:     groupID,
		Start:       start,
		End:         end,
		AuthorID:    authorID,
		AuthorClass: authorClass,
		Temp:        true,
	}
	return id
}

// Resize sets the bounds of an item. Resizing a temporary item marks it dirty
// so the final bounds can be sent once it is confirmed. It reports whether
// the item exists.
func (m *Mirror) Resize(id string, start, end int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return false
	}
	if it.Start == start && it.End == end {
		return true
	}
	it.Start, it.End = start, end
	if it.Temp {
		it.Dirty = true
	}
	return true
}

// Confirm swaps the temporary item tempID for the canonical seg. If the item
// was resized locally in the meantime the local bounds are kept and dirty is
// true: the caller owes the server a bounds update. An unknown tempID, for
// example one already discarded, inserts seg as settled.
func (m *Mirror) Confirm(tempID string, seg annotation.Segment) (item Item, dirty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tmp, ok := m.items[tempID]
	delete(m.items, tempID)

	// A track refresh may have inserted seg already; it still takes the
	// local bounds.
	m.putItemLocked(seg)
	it := m.items[seg.ID]
	if ok && tmp.Dirty {
		it.Start, it.End = tmp.Start, tmp.End
		dirty = it.Start != seg.Start || it.End != seg.End
	}
	return *it, dirty
}

// Discard drops a temporary item, e.g. after the create was rejected.
func (m *Mirror) Discard(tempID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[tempID]; ok && it.Temp {
		delete(m.items, tempID)
	}
}

// ApplyMerge applies an updatedSegments payload: ids[0] takes the new
// bounds and every other id is removed. Unknown ids are ignored.
func (m *Mirror) ApplyMerge(u protocol.UpdatedSegments) {
	if len(u.UpdatedIDs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[u.UpdatedIDs[0]]; ok {
		it.Start, it.End = u.NewStart, u.NewEnd
	}
	for _, id := range u.UpdatedIDs[1:] {
		delete(m.items, id)
	}
}

// RemoveItems removes items; absent ids are ignored.
func (m *Mirror) RemoveItems(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.items, id)
	}
}

// RenameGroup sets a group's display name.
func (m *Mirror) RenameGroup(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[id]; ok {
		g.Name = name
	}
}

// RenameCategory renames a category and retags its groups: a group named
// "<old>_<suffix>" becomes "<new>_<suffix>".
func (m *Mirror) RenameCategory(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.categories[id]
	if !ok {
		return
	}
	c.Name = name
	for _, g := range m.groups {
		if g.CategoryID == id {
			g.Name = Retag(g.Name, name)
		}
	}
}

// Retag replaces the category prefix of a "<category>_<suffix>" group name.
// A name without a suffix becomes the bare category name.
func Retag(groupName, category string) string {
	if _, suffix, ok := strings.Cut(groupName, "_"); ok {
		return category + "_" + suffix
	}
	return category
}

// RemoveGroup removes a group and its items.
func (m *Mirror) RemoveGroup(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeGroupLocked(id)
}

func (m *Mirror) removeGroupLocked(id string) {
	delete(m.groups, id)
	for itemID, it := range m.items {
		if it.GroupID == id {
			delete(m.items, itemID)
		}
	}
}

// RemoveCategory removes a category with its groups and items.
func (m *Mirror) RemoveCategory(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.categories, id)
	for gid, g := range m.groups {
		if g.CategoryID == id {
			m.removeGroupLocked(gid)
		}
	}
}

// Apply applies a decoded broadcast payload. Creation events are upserts;
// updates and removals of unknown ids are no-ops.
func (m *Mirror) Apply(event string, payload any) error {
	switch p := payload.(type) {
	case annotation.Label:
		m.LoadLabels([]annotation.Label{p})
	case annotation.LabelCategory:
		m.LoadCategories([]annotation.LabelCategory{p})
	case protocol.Removed:
		switch event {
		case protocol.EventRemovedLabels:
			m.RemoveGroup(p.ID)
		case protocol.EventRemovedLabelCategories:
			m.RemoveCategory(p.ID)
		default:
			return fmt.Errorf("mirror: %s carries a removal payload", event)
		}
	case protocol.Renamed:
		switch event {
		case protocol.EventUpdatedLabels:
			m.RenameGroup(p.ID, p.Change)
		case protocol.EventUpdatedLabelCategories:
			m.RenameCategory(p.ID, p.Change)
		default:
			return fmt.Errorf("mirror: %s carries a rename payload", event)
		}
	case protocol.NewSegment:
		m.mu.Lock()
		m.putItemLocked(p.Segment)
		m.mu.Unlock()
	case protocol.UpdatedSegments:
		m.ApplyMerge(p)
	case protocol.RemovedSegments:
		m.RemoveItems(p.IDs...)
	default:
		return fmt.Errorf("mirror: unsupported payload %T for %s", payload, event)
	}
	return nil
}

// Item returns the item with id.
func (m *Mirror) Item(id string) (Item, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Items returns the items of groupID ordered by start.
func (m *Mirror) Items(groupID string) []Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Item
	for _, it := range m.items {
		if it.GroupID == groupID {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Group returns the group with id.
func (m *Mirror) Group(id string) (Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return Group{}, false
	}
	return *g, true
}

// Groups returns every group ordered by name.
func (m *Mirror) Groups() []Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Category returns the category with id.
func (m *Mirror) Category(id string) (Category, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.categories[id]
	if !ok {
		return Category{}, false
	}
	return *c, true
}

// TrackIntervals returns the settled intervals of groupID. Temporary items
// are not mergeable and are left out.
func (m *Mirror) TrackIntervals(groupID string) []merge.Interval {
	var out []merge.Interval
	for _, it := range m.Items(groupID) {
		if !it.Temp {
			out = append(out, it.Interval())
		}
	}
	return out
}

// SettledAt returns the settled item of groupID that contains t.
func (m *Mirror) SettledAt(groupID string, t int64) (Item, bool) {
	for _, it := range m.Items(groupID) {
		if !it.Temp && it.Start <= t && t <= it.End {
			return it, true
		}
	}
	return Item{}, false
}

// Predict runs the merge engine against the settled items of groupID. The
// result only decides which request to send; the server's answer wins.
func (m *Mirror) Predict(groupID string, candidate merge.Interval, isUpdate bool) merge.Outcome {
	return merge.Reconcile(candidate, m.TrackIntervals(groupID), isUpdate)
}
