package docquery

import (
	"context"
	"errors"
	"testing"

	"github.com/getlantern/docquery/common"
	"github.com/getlantern/docquery/metrics"
	"github.com/getlantern/docquery/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orderByPlan() *common.PartitionedQueryExecutionInfo {
	return &common.PartitionedQueryExecutionInfo{
		QueryInfo: common.QueryInfo{
			OrderBy:        []common.SortOrder{common.Ascending},
			RewrittenQuery: "SELECT c._rid, [{\"item\": c.n}] AS orderByItems, c AS payload FROM c WHERE {documentdb-formattableorderbyquery-filter} ORDER BY c.n",
		},
	}
}

func orderByService() *testsupport.Service {
	return testsupport.NewService(
		testsupport.NewPartition("0", "", "80", testsupport.Items(testsupport.OrderByRow("a", 1.0), testsupport.OrderByRow("c", 3.0))),
		testsupport.NewPartition("1", "80", "FF", testsupport.Items(testsupport.OrderByRow("b", 2.0), testsupport.OrderByRow("d", 4.0))),
	)
}

func TestQueryStartsWithoutPlan(t *testing.T) {
	svc := testsupport.NewService()
	svc.DefaultPages = [][]interface{}{{"a", "b"}, {"c"}}
	client := newClient(t, svc)
	it := client.Query(collectionLink, &common.SQLQuery{Query: "SELECT * FROM c"}, &FeedOptions{MaxItemCount: 2})
	assert.True(t, it.HasMoreResults())

	resp, err := it.FetchNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b"}, resp.Items)
	assert.True(t, resp.HasMoreResults)
	assert.Equal(t, "default:1", resp.Continuation)

	resp, err = it.FetchNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"c"}, resp.Items)
	assert.False(t, resp.HasMoreResults)
	assert.False(t, it.HasMoreResults())
	assert.Equal(t, 0, svc.PlanRequests())

	resumed := client.Query(collectionLink, &common.SQLQuery{Query: "SELECT * FROM c"}, &FeedOptions{Continuation: "default:1"})
	all, err := resumed.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"c"}, all.Items)
}

func TestQueryUpgradesLazily(t *testing.T) {
	metrics.Reset()
	svc := orderByService()
	svc.RequirePlan = true
	svc.Plan = orderByPlan()
	client := newClient(t, svc)
	it := client.Query(collectionLink, &common.SQLQuery{Query: "SELECT * FROM c ORDER BY c.n"}, nil)

	resp, err := it.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c", "d"}, resp.Items)
	assert.False(t, resp.HasMoreResults)
	assert.EqualValues(t, 2, resp.Headers.RequestCharge)
	assert.Equal(t, 1, svc.PlanRequests())

	stats := metrics.GetStats()
	assert.Equal(t, 1, stats.Query.LazyUpgrades)
	assert.Equal(t, 1, stats.Query.QueryPlansFetched)

	fetches := svc.Fetches()
	require.Len(t, fetches, 3)
	assert.Equal(t, "", fetches[0].RangeID, "the first attempt should go to the service unrouted")
}

func TestQueryUpgradeRetriesFailedFetchNext(t *testing.T) {
	svc := orderByService()
	svc.RequirePlan = true
	svc.Plan = orderByPlan()
	client := newClient(t, svc)
	it := client.Query(collectionLink, &common.SQLQuery{Query: "SELECT * FROM c ORDER BY c.n"}, &FeedOptions{MaxItemCount: 3})

	resp, err := it.FetchNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c"}, resp.Items)
	assert.True(t, resp.HasMoreResults)
	assert.Empty(t, resp.Continuation)
}

// lateFailingBackend asks for a query plan only once the query has moved past
// its first page.
type lateFailingBackend struct {
	*testsupport.Service
}

func (b *lateFailingBackend) FetchPage(ctx context.Context, req *common.PageRequest) (*common.Page, error) {
	if req.Range.ID == "" && req.Continuation != "" {
		return nil, &common.ServiceError{StatusCode: common.StatusBadRequest, AdditionalErrorInfo: `{"partitionedQueryExecutionInfoVersion":2}`}
	}
	return b.Service.FetchPage(ctx, req)
}

func TestQueryDoesNotUpgradeAfterEmitting(t *testing.T) {
	svc := testsupport.NewService()
	svc.DefaultPages = [][]interface{}{{"a"}, {"b"}}
	svc.Plan = orderByPlan()
	client := newClient(t, &lateFailingBackend{svc})
	it := client.Query(collectionLink, &common.SQLQuery{Query: "SELECT * FROM c"}, &FeedOptions{MaxItemCount: 1})

	resp, err := it.FetchNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a"}, resp.Items)

	_, err = it.FetchNext(context.Background())
	assert.True(t, common.IsNeedsQueryPlan(err))
	assert.Equal(t, 0, svc.PlanRequests())
}

func TestForceQueryPlan(t *testing.T) {
	svc := orderByService()
	svc.Plan = orderByPlan()
	client := newClient(t, svc)
	it := client.Query(collectionLink, &common.SQLQuery{Query: "SELECT * FROM c ORDER BY c.n"}, &FeedOptions{ForceQueryPlan: true, MaxDegreeOfParallelism: 1})

	resp, err := it.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c", "d"}, resp.Items)
	for _, fetch := range svc.Fetches() {
		assert.NotEmpty(t, fetch.RangeID)
	}
}

func TestFetchNextPages(t *testing.T) {
	svc := testsupport.NewService(testsupport.NewPartition("0", "", "FF", testsupport.Items(1, 2, 3, 4, 5)))
	svc.Plan = &common.PartitionedQueryExecutionInfo{}
	client := newClient(t, svc)
	it := client.Query(collectionLink, &common.SQLQuery{Query: "SELECT VALUE c.n FROM c"}, &FeedOptions{ForceQueryPlan: true, MaxItemCount: 2})

	var sizes []int
	var more []bool
	for i := 0; i < 3; i++ {
		resp, err := it.FetchNext(context.Background())
		require.NoError(t, err)
		sizes = append(sizes, len(resp.Items))
		more = append(more, resp.HasMoreResults)
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, []bool{true, true, false}, more)
}

func TestResetKeepsPlan(t *testing.T) {
	svc := orderByService()
	svc.Plan = orderByPlan()
	client := newClient(t, svc)
	it := client.Query(collectionLink, &common.SQLQuery{Query: "SELECT * FROM c ORDER BY c.n"}, &FeedOptions{ForceQueryPlan: true})

	first, err := it.FetchAll(context.Background())
	require.NoError(t, err)
	assert.False(t, it.HasMoreResults())

	it.Reset()
	assert.True(t, it.HasMoreResults())
	second, err := it.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Items, second.Items)
	assert.Equal(t, 1, svc.PlanRequests())
}

func TestIterate(t *testing.T) {
	svc := orderByService()
	svc.Plan = orderByPlan()
	client := newClient(t, svc)
	it := client.Query(collectionLink, &common.SQLQuery{Query: "SELECT * FROM c ORDER BY c.n"}, &FeedOptions{ForceQueryPlan: true})

	var seen []interface{}
	headers, err := it.Iterate(context.Background(), func(item interface{}) (bool, error) {
		seen = append(seen, item)
		return len(seen) < 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c"}, seen)
	assert.EqualValues(t, 2, headers.RequestCharge)

	_, err = it.Iterate(context.Background(), func(item interface{}) (bool, error) {
		seen = append(seen, item)
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c", "d"}, seen)

	it.Reset()
	errStop := errors.New("stop")
	_, err = it.Iterate(context.Background(), func(item interface{}) (bool, error) {
		return true, errStop
	})
	assert.Equal(t, errStop, err)
}

func TestIterateUpgradesLazily(t *testing.T) {
	svc := orderByService()
	svc.RequirePlan = true
	svc.Plan = orderByPlan()
	client := newClient(t, svc)
	it := client.Query(collectionLink, &common.SQLQuery{Query: "SELECT * FROM c ORDER BY c.n"}, nil)

	var seen []interface{}
	_, err := it.Iterate(context.Background(), func(item interface{}) (bool, error) {
		seen = append(seen, item)
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c", "d"}, seen)
}

func TestPartitionGoneBecomesSplitError(t *testing.T) {
	svc := testsupport.NewService(testsupport.NewPartition("0", "", "FF", testsupport.Items("a")))
	svc.Plan = &common.PartitionedQueryExecutionInfo{}
	svc.FailNext("0", &common.ServiceError{StatusCode: common.StatusGone, SubStatusCode: common.SubStatusPartitionKeyRangeGone})
	client := newClient(t, svc)
	it := client.Query(collectionLink, &common.SQLQuery{Query: "SELECT * FROM c"}, &FeedOptions{ForceQueryPlan: true})

	_, err := it.FetchNext(context.Background())
	var splitErr *common.PartitionSplitError
	require.ErrorAs(t, err, &splitErr)
	assert.True(t, common.IsRetryable(err))
	assert.True(t, common.IsPartitionGone(err))
}

func TestAggregateWithoutValueIsRejected(t *testing.T) {
	svc := orderByService()
	svc.Plan = &common.PartitionedQueryExecutionInfo{QueryInfo: common.QueryInfo{Aggregates: []common.AggregateType{common.AggregateCount}}}
	client := newClient(t, svc)
	it := client.Query(collectionLink, &common.SQLQuery{Query: "SELECT COUNT(1) FROM c"}, &FeedOptions{ForceQueryPlan: true})

	_, err := it.FetchNext(context.Background())
	assert.Equal(t, common.ErrAggregateWithoutValue, err)
	assert.Empty(t, svc.Fetches())
	assert.False(t, common.IsRetryable(err))
}

func TestFetchAllKeepsResultsWhenCapExceeded(t *testing.T) {
	svc := testsupport.NewService()
	svc.DefaultPages = [][]interface{}{{"a", "b"}, {"c", "d"}, {"e"}}
	client := newClient(t, svc)
	it := client.Query(collectionLink, &common.SQLQuery{Query: "SELECT * FROM c"}, &FeedOptions{MaxRUPerOperation: 1.5})

	resp, err := it.FetchAll(context.Background())
	var capErr *common.RUCapExceededError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, []interface{}{"a", "b", "c", "d"}, capErr.FetchedResults)
	assert.EqualValues(t, 1.5, capErr.Limit)
	assert.EqualValues(t, 2, capErr.Consumed)
	assert.EqualValues(t, 2, capErr.Headers.RequestCharge)
	assert.Nil(t, resp.Items)
	assert.True(t, resp.HasMoreResults)
}

func TestQueryScopedToPartitionKey(t *testing.T) {
	backend := &recordingBackend{Service: testsupport.NewService()}
	backend.DefaultPages = [][]interface{}{{"a"}}
	client := newClient(t, backend)
	it := client.Query(collectionLink, &common.SQLQuery{Query: "SELECT * FROM c"}, &FeedOptions{PartitionKey: "k"})

	_, err := it.FetchAll(context.Background())
	require.NoError(t, err)
	requests := backend.pageRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, `["k"]`, requests[0].PartitionKey)
	assert.False(t, requests[0].EnableCrossPartition)
}

func TestPlannedQueryScopedToPartitionKey(t *testing.T) {
	backend := &recordingBackend{Service: orderByService()}
	backend.Plan = orderByPlan()
	client := newClient(t, backend)
	it := client.Query(collectionLink, &common.SQLQuery{Query: "SELECT * FROM c ORDER BY c.n"}, &FeedOptions{PartitionKey: "k", ForceQueryPlan: true})

	resp, err := it.FetchAll(context.Background())
	require.NoError(t, err)
	// effective partition keys never sort past 3F, so "k" lives in partition 0
	assert.Equal(t, []interface{}{"a", "c"}, resp.Items)
	for _, req := range backend.pageRequests() {
		assert.Equal(t, "0", req.Range.ID)
		assert.Equal(t, `["k"]`, req.PartitionKey)
	}
}

// continuationFailingBackend fails every fetch that resumes from continuation.
type continuationFailingBackend struct {
	*testsupport.Service
	continuation string
	err          error
}

func (b *continuationFailingBackend) FetchPage(ctx context.Context, req *common.PageRequest) (*common.Page, error) {
	if req.Continuation == b.continuation {
		return nil, b.err
	}
	return b.Service.FetchPage(ctx, req)
}

func TestFailureAtPageBoundaryIsReported(t *testing.T) {
	throttled := &common.ServiceError{StatusCode: common.StatusTooManyRequests}
	newIterator := func() *QueryIterator {
		svc := testsupport.NewService(testsupport.NewPartition("0", "", "FF", testsupport.Items("a"), testsupport.Items("b")))
		svc.Plan = &common.PartitionedQueryExecutionInfo{}
		client := newClient(t, &continuationFailingBackend{Service: svc, continuation: "0:1", err: throttled})
		return client.Query(collectionLink, &common.SQLQuery{Query: "SELECT * FROM c"}, &FeedOptions{ForceQueryPlan: true, MaxItemCount: 1})
	}

	resp, err := newIterator().FetchAll(context.Background())
	assert.Equal(t, throttled, err, "a failure right after a full page must not look like the end of the results")
	assert.Equal(t, []interface{}{"a"}, resp.Items)
	assert.False(t, resp.HasMoreResults)

	it := newIterator()
	resp, err = it.FetchNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a"}, resp.Items)
	assert.True(t, resp.HasMoreResults)
	assert.True(t, it.HasMoreResults())

	_, err = it.FetchNext(context.Background())
	assert.Equal(t, throttled, err)
	assert.False(t, it.HasMoreResults())
}
