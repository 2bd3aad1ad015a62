package annotation_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annotation-sync/internal/annotation"
	"annotation-sync/internal/annotation/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) annotation.Store {
		return annotation.NewMemoryStore()
	})
}

func TestMemoryStore_concurrent_creates(t *testing.T) {
	s := annotation.NewMemoryStore()
	ctx := context.Background()
	c, err := s.CreateLabelCategory(ctx, "p1", annotation.NewLabelCategory{Name: "eyes"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.CreateSegment(ctx, annotation.NewSegment{
				LabelID:  c.Labels[0].ID,
				Start:    int64(i * 10),
				End:      int64(i*10 + 5),
				AuthorID: "u1",
			})
		}(i)
	}
	wg.Wait()

	segs, err := s.ListSegments(ctx, []string{c.Labels[0].ID})
	require.NoError(t, err)
	assert.Len(t, segs, 50)
}
