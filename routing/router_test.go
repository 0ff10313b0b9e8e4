package routing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/getlantern/docquery/common"
	"github.com/getlantern/docquery/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const link = "dbs/db/colls/coll"

func threePartitions() *testsupport.Service {
	return testsupport.NewService(
		testsupport.NewPartition("0", "", "G"),
		testsupport.NewPartition("1", "G", "M"),
		testsupport.NewPartition("2", "M", "FF"),
	)
}

func ids(ranges []common.PartitionKeyRange) []string {
	result := make([]string, 0, len(ranges))
	for _, r := range ranges {
		result = append(result, r.ID)
	}
	return result
}

func TestOverlappingMultipleRanges(t *testing.T) {
	router, err := New(&Opts{Source: threePartitions()})
	require.NoError(t, err)

	ranges, err := router.GetOverlappingRanges(context.Background(), link, common.FullRange(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1", "2"}, ids(ranges))

	ranges, err = router.GetOverlappingRanges(context.Background(), link, common.QueryRange{Min: "H", Max: "N", IsMinInclusive: true}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ids(ranges))
	assert.Equal(t, "H", ranges[0].MinInclusive, "first range should be clipped to the query range")
	assert.Equal(t, "N", ranges[1].MaxExclusive, "last range should be clipped to the query range")
}

func TestOverlappingSubsetOfOneRange(t *testing.T) {
	router, err := New(&Opts{Source: threePartitions()})
	require.NoError(t, err)

	ranges, err := router.GetOverlappingRanges(context.Background(), link, common.QueryRange{Min: "H", Max: "J", IsMinInclusive: true}, false)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, common.PartitionKeyRange{ID: "1", MinInclusive: "H", MaxExclusive: "J"}, ranges[0])

	ranges, err = router.GetOverlappingRanges(context.Background(), link, common.PointRange("A"), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"0"}, ids(ranges))
}

func TestOverlappingNone(t *testing.T) {
	router, err := New(&Opts{Source: testsupport.NewService()})
	require.NoError(t, err)

	ranges, err := router.GetOverlappingRanges(context.Background(), link, common.FullRange(), false)
	require.NoError(t, err)
	assert.Empty(t, ranges)
}

func TestCachingAndForcedIncrementalRefresh(t *testing.T) {
	svc := threePartitions()
	router, err := New(&Opts{Source: svc})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := router.GetOverlappingRanges(context.Background(), link, common.FullRange(), false)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, svc.RangeReads(), "routing map should be cached")

	svc.Split("1", 0,
		testsupport.NewPartition("3", "G", "J"),
		testsupport.NewPartition("4", "J", "M"))

	ranges, err := router.GetOverlappingRanges(context.Background(), link, common.FullRange(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1", "2"}, ids(ranges), "without forcing, the cached map is used")

	ranges, err = router.GetOverlappingRanges(context.Background(), link, common.FullRange(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "3", "4", "2"}, ids(ranges))
	assert.Equal(t, 2, svc.RangeReads(), "incremental read should have been enough")

	ranges, err = router.GetOverlappingRanges(context.Background(), link, common.FullRange(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "3", "4", "2"}, ids(ranges), "not modified keeps the map")
}

func TestIncompleteIncrementalFallsBackToFullRead(t *testing.T) {
	src := &scriptedSource{pages: []*common.PartitionKeyRangesPage{
		{ETag: "1", Ranges: []common.PartitionKeyRange{{ID: "0", MinInclusive: "", MaxExclusive: "80"}, {ID: "1", MinInclusive: "80", MaxExclusive: "FF"}}},
		// incremental page without parents would overlap range 0
		{ETag: "2", Ranges: []common.PartitionKeyRange{{ID: "2", MinInclusive: "", MaxExclusive: "40"}}},
		{ETag: "2", Ranges: []common.PartitionKeyRange{{ID: "2", MinInclusive: "", MaxExclusive: "40"}, {ID: "3", MinInclusive: "40", MaxExclusive: "80"}, {ID: "1", MinInclusive: "80", MaxExclusive: "FF"}}},
	}}
	router, err := New(&Opts{Source: src})
	require.NoError(t, err)

	_, err = router.GetOverlappingRanges(context.Background(), link, common.FullRange(), false)
	require.NoError(t, err)
	ranges, err := router.GetOverlappingRanges(context.Background(), link, common.FullRange(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3", "1"}, ids(ranges))
	assert.Equal(t, []string{"", "1", ""}, src.etags)
}

func TestErrorsPropagate(t *testing.T) {
	failure := errors.New("service unavailable")
	router, err := New(&Opts{Source: &scriptedSource{err: failure}})
	require.NoError(t, err)

	_, err = router.GetOverlappingRanges(context.Background(), link, common.FullRange(), false)
	assert.Equal(t, failure, err)
}

func TestRequiresSource(t *testing.T) {
	_, err := New(&Opts{})
	assert.Error(t, err)
}

func TestConcurrentReaders(t *testing.T) {
	svc := threePartitions()
	router, err := New(&Opts{Source: svc})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(force bool) {
			defer wg.Done()
			ranges, err := router.GetOverlappingRanges(context.Background(), link, common.FullRange(), force)
			assert.NoError(t, err)
			assert.Len(t, ranges, 3)
		}(i%2 == 0)
	}
	wg.Wait()
}

type scriptedSource struct {
	mx    sync.Mutex
	pages []*common.PartitionKeyRangesPage
	etags []string
	err   error
}

func (s *scriptedSource) ReadPartitionKeyRanges(ctx context.Context, collectionLink string, ifNoneMatch string) (*common.PartitionKeyRangesPage, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.etags = append(s.etags, ifNoneMatch)
	page := s.pages[0]
	s.pages = s.pages[1:]
	return page, nil
}
