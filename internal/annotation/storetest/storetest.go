// Package storetest holds behaviour tests shared by every annotation.Store
// implementation.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annotation-sync/internal/annotation"
)

// Run exercises store implementations returned by newStore. Each subtest gets
// a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) annotation.Store) {
	t.Run("category_created_with_initial_label", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		c, err := s.CreateLabelCategory(ctx, "p1", annotation.NewLabelCategory{Name: "eyes", IsTrackable: true, AuthorID: "u1", AuthorClass: "owner"})
		require.NoError(t, err)
		assert.NotEmpty(t, c.ID)
		assert.Equal(t, "eyes", c.Name)
		assert.True(t, c.IsTrackable)
		require.Len(t, c.Labels, 1)
		assert.Equal(t, "eyes_1", c.Labels[0].Name)
		assert.Equal(t, c.ID, c.Labels[0].CategoryID)

		got, err := s.GetLabelCategory(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, c.ID, got.ID)
		assert.Len(t, got.Labels, 1)
	})

	t.Run("labels_are_project_scoped_and_ordered", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		c, err := s.CreateLabelCategory(ctx, "p1", annotation.NewLabelCategory{Name: "eyes"})
		require.NoError(t, err)
		blink, err := s.CreateLabel(ctx, "p1", annotation.NewLabel{CategoryID: c.ID, Name: "blink"})
		require.NoError(t, err)
		unnamed, err := s.CreateLabel(ctx, "p1", annotation.NewLabel{CategoryID: c.ID})
		require.NoError(t, err)
		assert.Equal(t, "eyes_3", unnamed.Name)

		_, err = s.CreateLabel(ctx, "other", annotation.NewLabel{CategoryID: c.ID, Name: "x"})
		assert.ErrorIs(t, err, annotation.ErrNotFound)

		labels, err := s.ListLabels(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, labels, 3)
		assert.Equal(t, blink.ID, labels[1].ID)
		assert.Equal(t, "p1", labels[1].ProjectID)

		labels, err = s.ListLabels(ctx, "other")
		require.NoError(t, err)
		assert.Empty(t, labels)

		cats, err := s.ListLabelCategories(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, cats, 1)
		assert.Len(t, cats[0].Labels, 3)
	})

	t.Run("rename", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		c, err := s.CreateLabelCategory(ctx, "p1", annotation.NewLabelCategory{Name: "eyes"})
		require.NoError(t, err)

		rc, err := s.RenameLabelCategory(ctx, c.ID, "face")
		require.NoError(t, err)
		assert.Equal(t, "face", rc.Name)

		rl, err := s.RenameLabel(ctx, c.Labels[0].ID, "face_wink")
		require.NoError(t, err)
		assert.Equal(t, "face_wink", rl.Name)

		_, err = s.RenameLabel(ctx, "missing", "x")
		assert.ErrorIs(t, err, annotation.ErrNotFound)
		_, err = s.RenameLabelCategory(ctx, "missing", "x")
		assert.ErrorIs(t, err, annotation.ErrNotFound)
	})

	t.Run("segment_lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		c, err := s.CreateLabelCategory(ctx, "p1", annotation.NewLabelCategory{Name: "eyes"})
		require.NoError(t, err)
		label := c.Labels[0].ID

		a, err := s.CreateSegment(ctx, annotation.NewSegment{LabelID: label, Start: 10, End: 20, AuthorID: "u1", AuthorClass: "owner"})
		require.NoError(t, err)
		b, err := s.CreateSegment(ctx, annotation.NewSegment{LabelID: label, Start: 25, End: 35, AuthorID: "u1", AuthorClass: "owner"})
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)

		_, err = s.CreateSegment(ctx, annotation.NewSegment{LabelID: "missing", Start: 1, End: 2, AuthorID: "u1"})
		assert.ErrorIs(t, err, annotation.ErrNotFound)

		merged, err := s.MergeSegments(ctx, a.ID, []string{b.ID, "already-gone"}, 10, 35)
		require.NoError(t, err)
		assert.Equal(t, a.ID, merged.ID)
		assert.Equal(t, int64(10), merged.Start)
		assert.Equal(t, int64(35), merged.End)

		segs, err := s.ListSegments(ctx, []string{label})
		require.NoError(t, err)
		require.Len(t, segs, 1)
		assert.Equal(t, a.ID, segs[0].ID)

		_, err = s.GetSegment(ctx, b.ID)
		assert.ErrorIs(t, err, annotation.ErrNotFound)

		upd, err := s.UpdateSegmentBounds(ctx, a.ID, 5, 40)
		require.NoError(t, err)
		assert.Equal(t, int64(5), upd.Start)

		_, err = s.MergeSegments(ctx, "missing", nil, 1, 2)
		assert.ErrorIs(t, err, annotation.ErrNotFound)

		removed, err := s.DeleteSegments(ctx, []string{a.ID, "missing"})
		require.NoError(t, err)
		assert.Equal(t, []string{a.ID}, removed)

		segs, err = s.ListSegments(ctx, []string{label})
		require.NoError(t, err)
		assert.Empty(t, segs)
	})

	t.Run("segments_sorted_by_label_then_start", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		c, err := s.CreateLabelCategory(ctx, "p1", annotation.NewLabelCategory{Name: "eyes"})
		require.NoError(t, err)
		label := c.Labels[0].ID
		for _, start := range []int64{50, 10, 30} {
			_, err := s.CreateSegment(ctx, annotation.NewSegment{LabelID: label, Start: start, End: start + 5, AuthorID: "u1"})
			require.NoError(t, err)
		}

		segs, err := s.ListSegments(ctx, []string{label})
		require.NoError(t, err)
		require.Len(t, segs, 3)
		assert.Equal(t, []int64{10, 30, 50}, []int64{segs[0].Start, segs[1].Start, segs[2].Start})
	})

	t.Run("delete_cascades", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		c, err := s.CreateLabelCategory(ctx, "p1", annotation.NewLabelCategory{Name: "eyes"})
		require.NoError(t, err)
		second, err := s.CreateLabel(ctx, "p1", annotation.NewLabel{CategoryID: c.ID, Name: "blink"})
		require.NoError(t, err)
		seg, err := s.CreateSegment(ctx, annotation.NewSegment{LabelID: second.ID, Start: 1, End: 2, AuthorID: "u1"})
		require.NoError(t, err)

		require.NoError(t, s.DeleteLabel(ctx, second.ID))
		_, err = s.GetSegment(ctx, seg.ID)
		assert.ErrorIs(t, err, annotation.ErrNotFound)
		assert.ErrorIs(t, s.DeleteLabel(ctx, second.ID), annotation.ErrNotFound)

		first := c.Labels[0].ID
		_, err = s.CreateSegment(ctx, annotation.NewSegment{LabelID: first, Start: 1, End: 2, AuthorID: "u1"})
		require.NoError(t, err)

		require.NoError(t, s.DeleteLabelCategory(ctx, c.ID))
		_, err = s.GetLabel(ctx, first)
		assert.ErrorIs(t, err, annotation.ErrNotFound)
		segs, err := s.ListSegments(ctx, []string{first})
		require.NoError(t, err)
		assert.Empty(t, segs)
		assert.ErrorIs(t, s.DeleteLabelCategory(ctx, c.ID), annotation.ErrNotFound)
	})
}
