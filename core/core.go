// Package core implements cross-partition query execution: per-partition
// document producers, the parallel and ORDER BY merge contexts that own them,
// and the endpoint components that are stacked on top to implement ORDER BY,
// DISTINCT, GROUP BY, OFFSET and LIMIT.
package core

import (
	"context"
	"errors"

	"github.com/getlantern/docquery/common"
	"github.com/getlantern/golog"
)

var (
	log = golog.LoggerFor("docquery.core")
)

// ExecutionContext produces the items of a query one at a time. Headers of
// every underlying service call are merged into headers on every return,
// including error returns. ok is false once there are no more items.
type ExecutionContext interface {
	NextItem(ctx context.Context, headers *common.Headers) (item interface{}, ok bool, err error)

	HasMoreResults() bool
}

// PageFetcher fetches one page of a query from the service.
type PageFetcher interface {
	FetchPage(ctx context.Context, req *common.PageRequest) (*common.Page, error)
}

// RangeResolver resolves the partition key ranges overlapping a query range.
type RangeResolver interface {
	GetOverlappingRanges(ctx context.Context, collectionLink string, qr common.QueryRange, forceRefresh bool) ([]common.PartitionKeyRange, error)
}

// ContextOpts configures a parallel or ORDER BY execution context.
type ContextOpts struct {
	Fetcher        PageFetcher
	Resolver       RangeResolver
	CollectionLink string
	// Query is the per-partition query, usually the plan's rewritten query.
	Query       *common.SQLQuery
	QueryRanges []common.QueryRange
	// SortOrders selects ORDER BY merging. Empty means partition order.
	SortOrders []common.SortOrder
	// MaxItemCount is the page size requested from each partition.
	MaxItemCount int
	// MaxDegreeOfParallelism bounds the initial fan-out: <0 fetches from all
	// partitions at once, 0 fetches serially, >0 fetches in batches of that
	// size.
	MaxDegreeOfParallelism int
	// Continuation resumes a single partition execution.
	Continuation string
	// PartitionKey scopes an unrouted query to one logical partition.
	PartitionKey    string
	DiagnosticLevel common.DiagnosticLevel
}

// fetchOutcome classifies the result of a fetch so that execution contexts
// can decide between carrying on, repairing and failing.
type fetchOutcome int

const (
	outcomeOK fetchOutcome = iota
	outcomePartitionGone
	outcomeThrottled
	outcomeRUCapExceeded
	outcomeFatal
)

func (o fetchOutcome) String() string {
	switch o {
	case outcomeOK:
		return "ok"
	case outcomePartitionGone:
		return "partition gone"
	case outcomeThrottled:
		return "throttled"
	case outcomeRUCapExceeded:
		return "request charge cap exceeded"
	default:
		return "fatal"
	}
}

func classify(err error) fetchOutcome {
	if err == nil {
		return outcomeOK
	}
	if errors.Is(err, errRUCapExceeded) {
		return outcomeRUCapExceeded
	}
	var se *common.ServiceError
	if errors.As(err, &se) {
		if se.IsPartitionGone() {
			return outcomePartitionGone
		}
		if se.IsThrottled() {
			return outcomeThrottled
		}
	}
	return outcomeFatal
}
