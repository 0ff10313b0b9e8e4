package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/getlantern/docquery/common"
	"github.com/getlantern/docquery/metrics"
	"github.com/getlantern/mtime"
)

// DocumentProducer is a cursor over one partition key range's results. It
// buffers the page it fetched most recently and exposes the head of that
// buffer as a one item lookahead.
type DocumentProducer struct {
	fetcher        PageFetcher
	collectionLink string
	query          *common.SQLQuery
	targetRange    common.PartitionKeyRange
	maxItemCount   int
	partitionKey   string
	diagnostics    common.DiagnosticLevel

	continuation string
	started      bool
	buffer       []interface{}
	headers      common.Headers
}

func newDocumentProducer(opts *ContextOpts, targetRange common.PartitionKeyRange, continuation string) *DocumentProducer {
	return &DocumentProducer{
		fetcher:        opts.Fetcher,
		collectionLink: opts.CollectionLink,
		query:          opts.Query,
		targetRange:    targetRange,
		maxItemCount:   opts.MaxItemCount,
		partitionKey:   opts.PartitionKey,
		diagnostics:    opts.DiagnosticLevel,
		continuation:   continuation,
	}
}

// TargetRange returns the partition key range this producer reads.
func (dp *DocumentProducer) TargetRange() common.PartitionKeyRange {
	return dp.targetRange
}

// Continuation returns the token for the next page of this partition.
func (dp *DocumentProducer) Continuation() string {
	return dp.continuation
}

// HasMoreResults reports whether this producer may yield more items.
func (dp *DocumentProducer) HasMoreResults() bool {
	return len(dp.buffer) > 0 || !dp.started || dp.continuation != ""
}

// Peek returns the buffered lookahead item without fetching.
func (dp *DocumentProducer) Peek() (interface{}, bool) {
	if len(dp.buffer) == 0 {
		return nil, false
	}
	return dp.buffer[0], true
}

// Current returns the lookahead item without consuming it, fetching pages
// until one yields an item or the partition is exhausted.
func (dp *DocumentProducer) Current(ctx context.Context) (interface{}, bool, error) {
	for len(dp.buffer) == 0 {
		if dp.started && dp.continuation == "" {
			return nil, false, nil
		}
		if err := dp.fetchPage(ctx); err != nil {
			return nil, false, err
		}
	}
	return dp.buffer[0], true, nil
}

// Next consumes and returns the lookahead item.
func (dp *DocumentProducer) Next(ctx context.Context) (interface{}, bool, error) {
	_, ok, err := dp.Current(ctx)
	if err != nil || !ok {
		return nil, ok, err
	}
	item, _ := dp.pop()
	return item, true, nil
}

// drain consumes every buffered item without fetching.
func (dp *DocumentProducer) drain() []interface{} {
	items := dp.buffer
	dp.buffer = nil
	return items
}

// TakeHeaders returns the headers accumulated since the last call.
func (dp *DocumentProducer) TakeHeaders() common.Headers {
	return dp.headers.Take()
}

// pop consumes the buffered lookahead item without fetching.
func (dp *DocumentProducer) pop() (interface{}, bool) {
	if len(dp.buffer) == 0 {
		return nil, false
	}
	item := dp.buffer[0]
	dp.buffer[0] = nil
	dp.buffer = dp.buffer[1:]
	return item, true
}

func (dp *DocumentProducer) fetchPage(ctx context.Context) error {
	budget := budgetFrom(ctx)
	if budget.exceeded() {
		return errRUCapExceeded
	}

	elapsed := mtime.Stopwatch()
	page, err := dp.fetcher.FetchPage(ctx, &common.PageRequest{
		CollectionLink:       dp.collectionLink,
		Query:                dp.query,
		Range:                dp.targetRange,
		Continuation:         dp.continuation,
		MaxItemCount:         dp.maxItemCount,
		PartitionKey:         dp.partitionKey,
		EnableCrossPartition: dp.targetRange.ID == "" && dp.partitionKey == "",
	})
	if err != nil {
		var se *common.ServiceError
		if errors.As(err, &se) {
			dp.headers.Merge(se.Headers)
			if se.IsPartitionGone() {
				metrics.PartitionGone(dp.targetRange.ID)
			}
		}
		return err
	}

	dp.started = true
	dp.continuation = page.Headers.Continuation
	dp.buffer = append(dp.buffer, page.Items...)
	dp.headers.Merge(page.Headers)
	took := elapsed()
	metrics.PartitionFetched(dp.targetRange.ID, len(page.Items), page.Headers.RequestCharge, took)
	if dp.diagnostics >= common.DiagnosticDebug {
		log.Debugf("Fetched %d items from %v in %v (%.2f RU), more: %v", len(page.Items), dp.targetRange, took, page.Headers.RequestCharge, dp.continuation != "")
	}

	if budget.charge(page.Headers.RequestCharge) {
		return errRUCapExceeded
	}
	return nil
}

func (dp *DocumentProducer) String() string {
	return fmt.Sprintf("producer %v", dp.targetRange)
}
