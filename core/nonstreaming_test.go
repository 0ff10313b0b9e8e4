package core

import (
	"context"
	"errors"
	"testing"

	"github.com/getlantern/docquery/common"
	"github.com/getlantern/docquery/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonStreamingOrderBy(t *testing.T) {
	rows := orderByRows(5, 1, 9, 3, 7, 2, 8)
	cases := []struct {
		bufferSize, offset int
		expected           []interface{}
	}{
		{100, 0, []interface{}{1.0, 2.0, 3.0, 5.0, 7.0, 8.0, 9.0}},
		{3, 0, []interface{}{1.0, 2.0, 3.0}},
		{5, 2, []interface{}{3.0, 5.0, 7.0}},
		{2, 5, []interface{}{}},
		{0, 0, []interface{}{}},
	}
	for _, c := range cases {
		src := source(rows...)
		ns := NonStreamingOrderBy(src, NonStreamingOpts{SortOrders: []common.SortOrder{common.Ascending}, BufferSize: c.bufferSize, Offset: c.offset})
		result, headers, err := drain(t, ns)
		require.NoError(t, err)
		assert.Equal(t, c.expected, result, "buffer %d offset %d", c.bufferSize, c.offset)
		assert.EqualValues(t, len(rows), headers.RequestCharge, "upstream should always be drained")
		assert.Empty(t, src.items)
	}
}

func TestNonStreamingOrderByDescendingKeepsArrivalOrderForTies(t *testing.T) {
	rows := []interface{}{
		testsupport.OrderByRow("a", 1.0),
		testsupport.OrderByRow("b", 2.0),
		testsupport.OrderByRow("c", 1.0),
		testsupport.OrderByRow("d", 2.0),
	}
	ns := NonStreamingOrderBy(source(rows...), NonStreamingOpts{SortOrders: []common.SortOrder{common.Descending}, BufferSize: 3})
	result, _, err := drain(t, ns)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"b", "d", "a"}, result)
}

func TestNonStreamingOrderByDistinct(t *testing.T) {
	rows := []interface{}{
		testsupport.OrderByRow("x", 2.0),
		testsupport.OrderByRow("y", 1.0),
		testsupport.OrderByRow("x", 2.0),
		testsupport.OrderByRow("z", 3.0),
		testsupport.OrderByRow("y", 1.0),
	}
	ns := NonStreamingOrderByDistinct(source(rows...), NonStreamingOpts{SortOrders: []common.SortOrder{common.Ascending}, BufferSize: 10, Offset: 1})
	result, _, err := drain(t, ns)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"x", "z"}, result)
}

func TestNonStreamingOrderByOverParallelContext(t *testing.T) {
	svc := testsupport.NewService(
		testsupport.NewPartition("0", "", "80", orderByRows(9, 1), orderByRows(4)),
		testsupport.NewPartition("1", "80", "FF", orderByRows(3, 8, 2)),
	)
	pc := newContext(t, svc, &ContextOpts{})
	ns := NonStreamingOrderBy(pc, NonStreamingOpts{SortOrders: []common.SortOrder{common.Ascending}, BufferSize: 4, Offset: 1})
	result, _, err := drain(t, ns)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{2.0, 3.0, 4.0}, result)
}

func TestNonStreamingOrderByKeepsBufferedRowsOnRUCap(t *testing.T) {
	src := source(testsupport.OrderByRow("c", 3.0), testsupport.OrderByRow("a", 1.0))
	src.err = &common.RUCapExceededError{FetchedResults: []interface{}{testsupport.OrderByRow("b", 2.0)}}
	ns := NonStreamingOrderBy(src, NonStreamingOpts{SortOrders: []common.SortOrder{common.Ascending}, BufferSize: 10})
	result, _, err := drain(t, ns)
	assert.Empty(t, result)
	var capErr *common.RUCapExceededError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, []interface{}{"a", "b", "c"}, capErr.FetchedResults, "rows drained before the cap should not be lost")
	assert.False(t, ns.HasMoreResults())

	_, _, again := ns.NextItem(context.Background(), &common.Headers{})
	assert.Equal(t, err, again)
}

func TestNonStreamingOrderByWindowsPartialResults(t *testing.T) {
	src := source(orderByRows(4, 1, 1)...)
	src.err = &common.RUCapExceededError{FetchedResults: orderByRows(3, 2, 5)}
	_, _, err := drain(t, NonStreamingOrderByDistinct(src, NonStreamingOpts{SortOrders: []common.SortOrder{common.Ascending}, BufferSize: 3, Offset: 1}))
	var capErr *common.RUCapExceededError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, []interface{}{2.0, 3.0}, capErr.FetchedResults)
}
