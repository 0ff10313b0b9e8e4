package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/getlantern/docquery/common"
	"github.com/getlantern/docquery/metrics"
	"github.com/getlantern/mtime"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// maxRepairDepth bounds how many nested splits one repair may chase.
const maxRepairDepth = 5

// ParallelContext fans a query out over every partition key range overlapping
// its query ranges and merges the per-partition streams. Without sort orders
// partitions are drained in range order, with sort orders the streams are
// merged by their ORDER BY values. Partitions that split or merge during
// execution are replaced by their successors without the caller noticing.
//
// NextItem calls are serialized. Once a call fails with anything other than a
// split, the error is latched and returned by every later call. HasMoreResults
// stays true until the latched error has been returned at least once.
type ParallelContext struct {
	opts  *ContextOpts
	sem   *semaphore.Weighted
	queue *producerQueue

	initialized bool
	err         error

	mx   sync.RWMutex
	done bool
}

// NewParallelContext builds a context that merges by opts.SortOrders when
// there are any and by partition otherwise. No work is done until the first
// call to NextItem.
func NewParallelContext(opts *ContextOpts) *ParallelContext {
	var cmp ProducerComparator = PartitionComparator{}
	if len(opts.SortOrders) > 0 {
		cmp = OrderByComparator{SortOrders: opts.SortOrders}
	}
	return &ParallelContext{
		opts:  opts,
		sem:   semaphore.NewWeighted(1),
		queue: newProducerQueue(cmp),
	}
}

func (c *ParallelContext) NextItem(ctx context.Context, headers *common.Headers) (interface{}, bool, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, false, err
	}
	defer c.sem.Release(1)
	if headers == nil {
		headers = &common.Headers{}
	}

	if c.err != nil {
		c.setDone()
		return nil, false, c.err
	}

	if !c.initialized {
		c.initialized = true
		if err := c.init(ctx, headers); err != nil {
			err = c.fail(ctx, err, headers)
			c.setDone()
			return nil, false, err
		}
	}

	if c.queue.Len() == 0 {
		c.setDone()
		return nil, false, nil
	}

	dp := c.queue.dequeue()
	item, _ := dp.pop()
	headers.Merge(dp.TakeHeaders())
	if err := c.requeue(ctx, dp, headers); err != nil {
		// the consumed item still goes out, the failure is reported next time
		c.fail(ctx, err, headers)
		return item, true, nil
	}
	if c.queue.Len() == 0 {
		c.setDone()
	}
	return item, true, nil
}

// HasMoreResults is false once the context is drained or has returned its
// failure.
func (c *ParallelContext) HasMoreResults() bool {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return !c.done
}

func (c *ParallelContext) setDone() {
	c.mx.Lock()
	c.done = true
	c.mx.Unlock()
}

func (c *ParallelContext) init(ctx context.Context, headers *common.Headers) error {
	metrics.ExecutionStarted()
	ranges, err := c.targetRanges(ctx)
	if err != nil {
		return err
	}
	if c.opts.Continuation != "" && len(ranges) > 1 {
		return common.ErrCrossPartitionContinuation
	}

	batchSize := c.opts.MaxDegreeOfParallelism
	switch {
	case batchSize < 0 || batchSize > len(ranges):
		batchSize = len(ranges)
	case batchSize == 0:
		batchSize = 1
	}
	if c.opts.DiagnosticLevel >= common.DiagnosticDebug {
		log.Debugf("Fanning out over %d partition key ranges in batches of %d", len(ranges), batchSize)
	}

	elapsed := mtime.Stopwatch()
	for start := 0; start < len(ranges); start += batchSize {
		end := start + batchSize
		if end > len(ranges) {
			end = len(ranges)
		}
		results := make([]primeResult, end-start)
		var g errgroup.Group
		for i := start; i < end; i++ {
			i := i
			dp := newDocumentProducer(c.opts, ranges[i], c.opts.Continuation)
			g.Go(func() error {
				results[i-start] = c.prime(ctx, dp, 0)
				return nil
			})
		}
		g.Wait()

		var firstErr error
		for _, result := range results {
			headers.Merge(result.headers)
			c.enqueueReady(result.ready)
			if firstErr == nil {
				firstErr = result.err
			}
		}
		if firstErr != nil {
			return firstErr
		}
	}
	if c.opts.DiagnosticLevel >= common.DiagnosticDebug {
		log.Debugf("Initialized %d producers in %v", c.queue.Len(), elapsed())
	}
	return nil
}

// targetRanges resolves the query ranges into the partition key ranges they
// overlap, in key order. The router clips each range to its query range, so
// one partition overlapping two disjoint query ranges yields two ranges with
// the same ID, each fetched within its own bounds. Clips of one partition that
// overlap or touch are merged.
func (c *ParallelContext) targetRanges(ctx context.Context) ([]common.PartitionKeyRange, error) {
	queryRanges := c.opts.QueryRanges
	if len(queryRanges) == 0 {
		queryRanges = []common.QueryRange{common.FullRange()}
	}
	var clips []common.PartitionKeyRange
	for _, qr := range queryRanges {
		ranges, err := c.opts.Resolver.GetOverlappingRanges(ctx, c.opts.CollectionLink, qr, false)
		if err != nil {
			return nil, err
		}
		clips = append(clips, ranges...)
	}
	common.SortRanges(clips)

	// clips of one partition lie within it, so they sort next to each other
	var result []common.PartitionKeyRange
	for _, r := range clips {
		if n := len(result); n > 0 && result[n-1].ID == r.ID && r.MinInclusive <= result[n-1].MaxExclusive {
			if r.MaxExclusive > result[n-1].MaxExclusive {
				result[n-1].MaxExclusive = r.MaxExclusive
			}
			continue
		}
		result = append(result, r)
	}
	return result, nil
}

// primeResult is what priming a producer leaves behind: the producers that
// are ready to be queued, the headers of the calls made and the failure, if
// any. On failure ready still holds every producer with buffered items.
type primeResult struct {
	ready   []*DocumentProducer
	headers common.Headers
	err     error
}

// prime makes sure dp has a buffered item, replacing it with its successors if
// its partition is gone.
func (c *ParallelContext) prime(ctx context.Context, dp *DocumentProducer, depth int) primeResult {
	var result primeResult
	_, ok, err := dp.Current(ctx)
	result.headers.Merge(dp.TakeHeaders())
	switch classify(err) {
	case outcomeOK:
		if ok {
			result.ready = []*DocumentProducer{dp}
		}
	case outcomePartitionGone:
		repaired := c.repair(ctx, dp, err, depth)
		result.ready = repaired.ready
		result.headers.Merge(repaired.headers)
		result.err = repaired.err
	case outcomeRUCapExceeded:
		result.ready = []*DocumentProducer{dp}
		result.err = err
	default:
		result.err = err
	}
	return result
}

// repair replaces parent with one producer per partition key range that now
// covers its range. Each successor resumes from the parent's continuation.
func (c *ParallelContext) repair(ctx context.Context, parent *DocumentProducer, cause error, depth int) primeResult {
	var result primeResult
	if depth >= maxRepairDepth {
		result.err = cause
		return result
	}
	ranges, err := c.opts.Resolver.GetOverlappingRanges(ctx, c.opts.CollectionLink, parent.targetRange.ToQueryRange(), true)
	if err != nil {
		result.err = err
		return result
	}
	if len(ranges) == 0 || (len(ranges) == 1 && ranges[0].ID == parent.targetRange.ID) {
		// routing still points at the gone partition
		result.err = cause
		return result
	}

	metrics.Repaired()
	log.Debugf("Partition key range %v is gone, replacing it with %d successors", parent.targetRange.ID, len(ranges))
	for _, r := range ranges {
		child := newDocumentProducer(c.opts, r, parent.continuation)
		primed := c.prime(ctx, child, depth+1)
		result.ready = append(result.ready, primed.ready...)
		result.headers.Merge(primed.headers)
		if primed.err != nil {
			result.err = primed.err
			return result
		}
	}
	return result
}

// requeue refills a producer after its buffered item was consumed and puts it
// (or its successors) back into the queue.
func (c *ParallelContext) requeue(ctx context.Context, dp *DocumentProducer, headers *common.Headers) error {
	if !dp.HasMoreResults() {
		return nil
	}
	result := c.prime(ctx, dp, 0)
	headers.Merge(result.headers)
	c.enqueueReady(result.ready)
	return result.err
}

func (c *ParallelContext) enqueueReady(ready []*DocumentProducer) {
	for _, dp := range ready {
		if _, ok := dp.Peek(); ok {
			c.queue.enqueue(dp)
		}
	}
}

// fail latches err. A spent request charge budget is turned into a
// *common.RUCapExceededError carrying every buffered item. The context is only
// marked done once the error has been handed to the caller.
func (c *ParallelContext) fail(ctx context.Context, err error, headers *common.Headers) error {
	if classify(err) == outcomeRUCapExceeded {
		err = capExceeded(ctx, c.flush(), *headers)
		log.Debug(err)
	} else {
		log.Errorf("Query on %v failed: %v", c.opts.CollectionLink, err)
	}
	c.err = err
	return err
}

// flush empties the queue, returning its buffered items in merge order.
func (c *ParallelContext) flush() []interface{} {
	items := make([]interface{}, 0)
	for c.queue.Len() > 0 {
		dp := c.queue.dequeue()
		item, ok := dp.pop()
		if !ok {
			continue
		}
		items = append(items, item)
		if _, more := dp.Peek(); more {
			c.queue.enqueue(dp)
		}
	}
	return items
}

func (c *ParallelContext) String() string {
	if len(c.opts.SortOrders) > 0 {
		return fmt.Sprintf("order by %v over %v", c.opts.SortOrders, c.opts.CollectionLink)
	}
	return fmt.Sprintf("parallel over %v", c.opts.CollectionLink)
}
