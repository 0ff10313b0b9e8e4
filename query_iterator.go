package docquery

import (
	"context"
	"sync"

	"github.com/getlantern/docquery/common"
	"github.com/getlantern/docquery/core"
	"github.com/getlantern/docquery/metrics"
	"github.com/getlantern/docquery/planner"
	"github.com/getlantern/mtime"
)

// FeedOptions configures one query.
type FeedOptions struct {
	// MaxItemCount is the page size. 0 means planner.DefaultPageSize.
	MaxItemCount int
	// MaxDegreeOfParallelism bounds how many partitions are fetched from at
	// once when a query starts: <0 means all of them, 0 means one at a time.
	MaxDegreeOfParallelism int
	// Continuation resumes a query from the Continuation of a previous
	// response.
	Continuation string
	// ForceQueryPlan fetches the query plan up front instead of first trying
	// to let the service run the query on its own.
	ForceQueryPlan bool
	// MaxRUPerOperation caps the request charge of each FetchNext, FetchAll
	// or Iterate call. 0 means no cap.
	MaxRUPerOperation float64
	// PartitionKey scopes the query to a single logical partition.
	PartitionKey interface{}
	// NonStreamingOrderByBufferSize bounds how many rows are held while
	// sorting ORDER BY queries that partitions can't sort, when the query has
	// no TOP or LIMIT.
	NonStreamingOrderByBufferSize int
}

// FeedResponse is one page of query results.
type FeedResponse struct {
	Items []interface{}
	// Headers merges the headers of every call that contributed to the page.
	Headers        common.Headers
	HasMoreResults bool
	// Continuation resumes the query after this page. It is empty for queries
	// that run across partitions.
	Continuation string
}

// OnItem is called for every item by Iterate. Returning false stops the
// iteration.
type OnItem func(item interface{}) (more bool, err error)

// QueryIterator is a cursor over the results of one query. It starts out
// letting the service run the query and switches to client side execution
// with a query plan once the service says the query needs it. All methods
// are safe for concurrent use, calls are serialized.
type QueryIterator struct {
	client *Client
	link   string
	query  *common.SQLQuery
	opts   FeedOptions

	mx       sync.Mutex
	def      *core.DefaultContext
	pipeline *planner.Pipeline
	plan     *common.PartitionedQueryExecutionInfo
}

// FetchNext returns the next page. On error the response carries the headers
// of the calls that were made.
func (it *QueryIterator) FetchNext(ctx context.Context) (*FeedResponse, error) {
	it.mx.Lock()
	defer it.mx.Unlock()
	return it.fetchNext(core.WithRUCap(ctx, it.opts.MaxRUPerOperation))
}

// FetchAll returns every remaining result in one response, with the headers
// of all pages merged. The request charge cap applies to the whole call. If
// it is exceeded, the *common.RUCapExceededError carries every result
// fetched by the call.
func (it *QueryIterator) FetchAll(ctx context.Context) (*FeedResponse, error) {
	it.mx.Lock()
	defer it.mx.Unlock()

	ctx = core.WithRUCap(ctx, it.opts.MaxRUPerOperation)
	result := &FeedResponse{Items: make([]interface{}, 0)}
	for it.hasMoreResults() {
		resp, err := it.fetchNext(ctx)
		if resp != nil {
			result.Headers.Merge(resp.Headers)
		}
		if err != nil {
			if capErr, ok := common.AsRUCapExceeded(err); ok {
				all := capErr.WithResults(append(result.Items, capErr.FetchedResults...))
				all.Headers = result.Headers
				result.Items = nil
				result.HasMoreResults = true
				return result, all
			}
			result.HasMoreResults = it.hasMoreResults()
			return result, err
		}
		result.Items = append(result.Items, resp.Items...)
	}
	return result, nil
}

// Iterate calls onItem for each remaining result until the results run out
// or onItem returns false or an error. It returns the merged headers of the
// calls made.
func (it *QueryIterator) Iterate(ctx context.Context, onItem OnItem) (common.Headers, error) {
	it.mx.Lock()
	defer it.mx.Unlock()

	ctx = core.WithRUCap(ctx, it.opts.MaxRUPerOperation)
	var headers common.Headers
	for {
		item, ok, err := it.nextItem(ctx, &headers)
		if err != nil || !ok {
			return headers, err
		}
		more, err := onItem(item)
		if err != nil || !more {
			return headers, err
		}
	}
}

// HasMoreResults reports whether reading further may return more results.
func (it *QueryIterator) HasMoreResults() bool {
	it.mx.Lock()
	defer it.mx.Unlock()
	return it.hasMoreResults()
}

// Reset rewinds the iterator to the start of the query. A query plan that
// was already fetched is kept.
func (it *QueryIterator) Reset() {
	it.mx.Lock()
	defer it.mx.Unlock()
	it.def = nil
	it.pipeline = nil
}

func (it *QueryIterator) hasMoreResults() bool {
	switch {
	case it.pipeline != nil:
		return it.pipeline.HasMoreResults()
	case it.def != nil:
		return it.def.HasMoreResults()
	default:
		return true
	}
}

func (it *QueryIterator) fetchNext(ctx context.Context) (*FeedResponse, error) {
	if err := it.init(ctx); err != nil {
		return &FeedResponse{HasMoreResults: true}, translate(err)
	}
	if it.pipeline != nil {
		return it.fetchFromPipeline(ctx)
	}

	page, err := it.def.FetchMore(ctx)
	if err != nil && it.shouldUpgrade(err) {
		attempt := page.Headers
		if err := it.upgrade(ctx); err != nil {
			return &FeedResponse{Headers: attempt, HasMoreResults: true}, translate(err)
		}
		resp, err := it.fetchFromPipeline(ctx)
		resp.Headers = prepend(attempt, resp.Headers)
		return resp, err
	}
	resp := &FeedResponse{
		Items:          page.Items,
		Headers:        page.Headers,
		HasMoreResults: it.def.HasMoreResults(),
		Continuation:   page.Headers.Continuation,
	}
	return resp, translate(err)
}

func (it *QueryIterator) fetchFromPipeline(ctx context.Context) (*FeedResponse, error) {
	page, err := it.pipeline.FetchMore(ctx)
	return &FeedResponse{
		Items:          page.Items,
		Headers:        page.Headers,
		HasMoreResults: it.pipeline.HasMoreResults(),
	}, translate(err)
}

func (it *QueryIterator) nextItem(ctx context.Context, headers *common.Headers) (interface{}, bool, error) {
	if err := it.init(ctx); err != nil {
		return nil, false, translate(err)
	}
	if it.pipeline == nil {
		item, ok, err := it.def.NextItem(ctx, headers)
		if err == nil || !it.shouldUpgrade(err) {
			return item, ok, translate(err)
		}
		if err := it.upgrade(ctx); err != nil {
			return nil, false, translate(err)
		}
	}
	item, ok, err := it.pipeline.NextItem(ctx, headers)
	return item, ok, translate(err)
}

func (it *QueryIterator) init(ctx context.Context) error {
	if it.def != nil || it.pipeline != nil {
		return nil
	}
	if it.opts.ForceQueryPlan {
		return it.upgrade(ctx)
	}
	pk, err := it.partitionKey()
	if err != nil {
		return err
	}
	it.def = core.NewDefaultContext(&core.ContextOpts{
		Fetcher:         it.client.backend,
		CollectionLink:  it.link,
		Query:           it.query,
		MaxItemCount:    it.pageSize(),
		Continuation:    it.opts.Continuation,
		PartitionKey:    pk,
		DiagnosticLevel: it.client.opts.DiagnosticLevel,
	})
	return nil
}

// shouldUpgrade only allows switching to the query plan before anything was
// handed out, the plan's execution starts over from the beginning.
func (it *QueryIterator) shouldUpgrade(err error) bool {
	if !common.IsNeedsQueryPlan(err) || it.def.Emitted() {
		return false
	}
	metrics.LazyUpgrade()
	log.Debugf("Query against %v needs a query plan: %v", it.link, err)
	return true
}

// upgrade switches to client side execution, fetching the query plan if it
// isn't known yet.
func (it *QueryIterator) upgrade(ctx context.Context) error {
	if it.plan == nil {
		elapsed := mtime.Stopwatch()
		plan, err := it.client.backend.GetQueryPlan(ctx, it.link, it.query)
		if err != nil {
			return err
		}
		metrics.QueryPlanFetched()
		log.Debugf("Fetched query plan for %v in %v", it.link, elapsed())
		it.plan = plan
	}

	pk, err := it.partitionKey()
	if err != nil {
		return err
	}
	plan := it.plan
	if pk != "" {
		scoped := *plan
		scoped.QueryRanges = []common.QueryRange{common.PointRange(effectivePartitionKey(pk))}
		plan = &scoped
	}
	pipeline, err := planner.Plan(&planner.Opts{
		Fetcher:                it.client.backend,
		Resolver:               it.client.router,
		CollectionLink:         it.link,
		Query:                  it.query,
		Plan:                   plan,
		PageSize:               it.pageSize(),
		MaxDegreeOfParallelism: it.opts.MaxDegreeOfParallelism,
		Continuation:           it.opts.Continuation,
		PartitionKey:           pk,
		NonStreamingBufferSize: it.opts.NonStreamingOrderByBufferSize,
		DiagnosticLevel:        it.client.opts.DiagnosticLevel,
	})
	if err != nil {
		return err
	}
	it.pipeline = pipeline
	it.def = nil
	return nil
}

func (it *QueryIterator) partitionKey() (string, error) {
	if it.opts.PartitionKey == nil {
		return "", nil
	}
	return PartitionKeyJSON(it.opts.PartitionKey)
}

func (it *QueryIterator) pageSize() int {
	if it.opts.MaxItemCount > 0 {
		return it.opts.MaxItemCount
	}
	return planner.DefaultPageSize
}

// translate turns partition gone errors that made it all the way up into a
// *common.PartitionSplitError, which tells the caller to retry.
func translate(err error) error {
	if err != nil && common.IsPartitionGone(err) {
		return &common.PartitionSplitError{Cause: err}
	}
	return err
}

// prepend merges the headers of an earlier call in front of later ones.
func prepend(earlier common.Headers, later common.Headers) common.Headers {
	result := earlier
	result.Merge(later)
	result.Continuation = later.Continuation
	result.ETag = later.ETag
	return result
}
