// Package planner turns a query plan computed by the service into the chain
// of execution contexts that runs it on the client.
package planner

import (
	"context"
	"fmt"
	"math"

	"github.com/getlantern/docquery/common"
	"github.com/getlantern/docquery/core"
	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
)

const (
	// DefaultPageSize is the number of items FetchMore collects when no page
	// size is configured.
	DefaultPageSize = 100
)

var (
	log = golog.LoggerFor("docquery.planner")
)

type Opts struct {
	Fetcher        core.PageFetcher
	Resolver       core.RangeResolver
	CollectionLink string
	Query          *common.SQLQuery
	Plan           *common.PartitionedQueryExecutionInfo
	// PageSize is both the number of items per page returned by FetchMore and
	// the page size requested from each partition.
	PageSize               int
	MaxDegreeOfParallelism int
	Continuation           string
	// PartitionKey is the JSON encoded partition key of a query scoped to one
	// logical partition.
	PartitionKey string
	// NonStreamingBufferSize bounds non-streaming ORDER BY queries without TOP
	// or LIMIT.
	NonStreamingBufferSize int
	DiagnosticLevel        common.DiagnosticLevel
}

// Pipeline is the fully assembled execution of one query.
type Pipeline struct {
	source   core.ExecutionContext
	pageSize int
}

// Plan validates the query plan in opts and assembles its pipeline. Nothing
// is fetched until the pipeline is first read.
func Plan(opts *Opts) (*Pipeline, error) {
	if opts.Plan == nil {
		return nil, errors.New("a query plan is required")
	}
	qi := &opts.Plan.QueryInfo
	if err := qi.ValidateAggregates(); err != nil {
		return nil, err
	}
	if qi.HasNonStreamingOrderBy && !qi.HasOrderBy() {
		return nil, common.ErrNonStreamingOrderByWithoutOrderBy
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	ctxOpts := &core.ContextOpts{
		Fetcher:                opts.Fetcher,
		Resolver:               opts.Resolver,
		CollectionLink:         opts.CollectionLink,
		Query:                  qi.ExecutableQuery(opts.Query),
		QueryRanges:            opts.Plan.QueryRanges,
		MaxItemCount:           pageSize,
		MaxDegreeOfParallelism: opts.MaxDegreeOfParallelism,
		Continuation:           opts.Continuation,
		PartitionKey:           opts.PartitionKey,
		DiagnosticLevel:        opts.DiagnosticLevel,
	}

	var source core.ExecutionContext
	if qi.HasNonStreamingOrderBy {
		source = planNonStreaming(ctxOpts, qi, opts.NonStreamingBufferSize)
	} else {
		source = planStreaming(ctxOpts, qi)
	}

	p := &Pipeline{source: source, pageSize: pageSize}
	if opts.DiagnosticLevel >= common.DiagnosticDebugUnsafe {
		log.Debugf("Planned %v for %v", p, ctxOpts.Query.Query)
	} else if opts.DiagnosticLevel >= common.DiagnosticDebug {
		log.Debugf("Planned %v", p)
	}
	return p, nil
}

func planStreaming(ctxOpts *core.ContextOpts, qi *common.QueryInfo) core.ExecutionContext {
	if qi.HasOrderBy() {
		ctxOpts.SortOrders = qi.OrderBy
	}
	var source core.ExecutionContext = core.NewParallelContext(ctxOpts)
	if qi.HasOrderBy() {
		source = core.OrderBy(source)
	}
	if qi.IsGroupBy() {
		source = addGroupBy(source, qi)
	}
	switch qi.DistinctType {
	case common.DistinctOrdered:
		source = core.OrderedDistinct(source)
	case common.DistinctUnordered:
		source = core.UnorderedDistinct(source)
	}
	return addOffsetLimit(source, qi)
}

func planNonStreaming(ctxOpts *core.ContextOpts, qi *common.QueryInfo, bufferSize int) core.ExecutionContext {
	offset := qi.EffectiveOffset()
	if limit, ok := qi.EffectiveLimit(); ok {
		bufferSize = offset + limit
	} else if bufferSize <= 0 {
		bufferSize = core.DefaultNonStreamingBufferSize
	}
	nsOpts := core.NonStreamingOpts{
		SortOrders: qi.OrderBy,
		BufferSize: bufferSize,
		Offset:     offset,
	}
	source := core.NewParallelContext(ctxOpts)
	if qi.HasDistinct() {
		return core.NonStreamingOrderByDistinct(source, nsOpts)
	}
	return core.NonStreamingOrderBy(source, nsOpts)
}

func addGroupBy(source core.ExecutionContext, qi *common.QueryInfo) core.ExecutionContext {
	opts := core.GroupOpts{
		AliasToAggregateType: qi.GroupByAliasToAggregateType,
		Scalar:               len(qi.GroupByExpressions) == 0,
	}
	if len(opts.AliasToAggregateType) == 0 && len(qi.GroupByAliases) > 0 {
		opts.AliasToAggregateType = make(map[string]common.AggregateType, len(qi.GroupByAliases))
		for _, alias := range qi.GroupByAliases {
			opts.AliasToAggregateType[alias] = ""
		}
	}
	if qi.HasSelectValue {
		if len(qi.Aggregates) > 0 {
			opts.Aggregate = qi.Aggregates[0]
		}
		return core.GroupByValue(source, opts)
	}
	return core.GroupBy(source, opts)
}

func addOffsetLimit(source core.ExecutionContext, qi *common.QueryInfo) core.ExecutionContext {
	offset := qi.EffectiveOffset()
	limit, hasLimit := qi.EffectiveLimit()
	if offset == 0 && !hasLimit {
		return source
	}
	if !hasLimit {
		limit = math.MaxInt
	}
	return core.OffsetLimit(source, offset, limit)
}

// NextItem returns the next item of the query.
func (p *Pipeline) NextItem(ctx context.Context, headers *common.Headers) (interface{}, bool, error) {
	return p.source.NextItem(ctx, headers)
}

// FetchMore collects the next page of up to the configured page size. On
// failure the returned page carries the headers of the calls made. A
// *common.RUCapExceededError includes the items collected for the page, which
// is then left empty.
func (p *Pipeline) FetchMore(ctx context.Context) (*common.Page, error) {
	page := &common.Page{Items: make([]interface{}, 0, p.pageSize)}
	for len(page.Items) < p.pageSize {
		item, ok, err := p.source.NextItem(ctx, &page.Headers)
		if err != nil {
			if capErr, ok := common.AsRUCapExceeded(err); ok {
				withPage := capErr.WithResults(append(page.Items, capErr.FetchedResults...))
				withPage.Headers = page.Headers
				page.Items = nil
				return page, withPage
			}
			return page, err
		}
		if !ok {
			break
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}

func (p *Pipeline) HasMoreResults() bool {
	return p.source.HasMoreResults()
}

func (p *Pipeline) String() string {
	return fmt.Sprint(p.source)
}
