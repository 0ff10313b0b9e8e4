package core

import (
	"context"
	"fmt"
	"sort"

	"github.com/getlantern/docquery/common"
)

// GroupOpts configures GroupBy and GroupByValue.
type GroupOpts struct {
	// AliasToAggregateType lists the projected aliases of a GROUP BY query.
	// Aliases that aren't aggregates map to "".
	AliasToAggregateType map[string]common.AggregateType
	// Aggregate is the aggregate of a VALUE query, or "" for a VALUE query
	// without aggregates.
	Aggregate common.AggregateType
	// Scalar marks queries without GROUP BY expressions. They produce exactly
	// one group, even when there are no input rows.
	Scalar bool
}

// GroupBy merges the {groupByItems, payload} rows of every partition into one
// object per group, combining aggregate aliases with their aggregator and
// keeping the first value of the others. Groups come out in the order they
// were first seen once source is drained. When the request charge cap cuts the
// drain short, the *common.RUCapExceededError carries the groups aggregated
// over every row fetched so far.
func GroupBy(source ExecutionContext, opts GroupOpts) ExecutionContext {
	aliases := make([]string, 0, len(opts.AliasToAggregateType))
	for alias := range opts.AliasToAggregateType {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return &group{
		source:  source,
		opts:    opts,
		aliases: aliases,
		groups:  make(map[itemHash][]aggregator),
	}
}

// GroupByValue is GroupBy for VALUE queries, where each group yields a single
// value instead of an object.
func GroupByValue(source ExecutionContext, opts GroupOpts) ExecutionContext {
	g := GroupBy(source, opts).(*group)
	g.value = true
	return g
}

type group struct {
	source  ExecutionContext
	opts    GroupOpts
	aliases []string
	value   bool

	groups  map[itemHash][]aggregator
	order   []itemHash
	drained bool
	results []interface{}
	err     error
}

func (g *group) NextItem(ctx context.Context, headers *common.Headers) (interface{}, bool, error) {
	if g.err != nil {
		return nil, false, g.err
	}
	if !g.drained {
		if err := g.drain(ctx, headers); err != nil {
			g.err = g.partial(err)
			return nil, false, g.err
		}
	}
	if len(g.results) == 0 {
		return nil, false, nil
	}
	result := g.results[0]
	g.results = g.results[1:]
	return result, true, nil
}

func (g *group) drain(ctx context.Context, headers *common.Headers) error {
	for {
		item, ok, err := g.source.NextItem(ctx, headers)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := g.add(item); err != nil {
			return err
		}
	}
	g.drained = true
	return g.finish()
}

// partial folds the rows a *common.RUCapExceededError carries into the groups
// and returns a copy of the error with the groups so far. Other errors are
// returned as is.
func (g *group) partial(err error) error {
	capErr, ok := common.AsRUCapExceeded(err)
	if !ok {
		return err
	}
	for _, item := range capErr.FetchedResults {
		if addErr := g.add(item); addErr != nil {
			return addErr
		}
	}
	if finishErr := g.finish(); finishErr != nil {
		return finishErr
	}
	results := append(make([]interface{}, 0, len(g.results)), g.results...)
	g.results = nil
	return capErr.WithResults(results)
}

// finish turns the groups into results.
func (g *group) finish() error {
	if len(g.order) == 0 && g.opts.Scalar {
		aggs, err := g.newAggregators()
		if err != nil {
			return err
		}
		g.groups[itemHash{}] = aggs
		g.order = append(g.order, itemHash{})
	}
	for _, key := range g.order {
		if result := g.result(g.groups[key]); result != undefined {
			g.results = append(g.results, result)
		}
	}
	g.groups = nil
	return nil
}

func (g *group) add(item interface{}) error {
	groupByItems := field(item, "groupByItems")
	payload := field(item, "payload")
	if groupByItems == undefined && payload == undefined {
		payload = item
	}
	key, err := hashItem(groupByItems)
	if err != nil {
		return err
	}
	aggs, found := g.groups[key]
	if !found {
		aggs, err = g.newAggregators()
		if err != nil {
			return err
		}
		g.groups[key] = aggs
		g.order = append(g.order, key)
	}

	if g.value {
		if arr, ok := payload.([]interface{}); ok && len(arr) == 1 && g.opts.Aggregate != "" {
			payload = arr[0]
		}
		return aggs[0].aggregate(payload)
	}
	for i, alias := range g.aliases {
		if err := aggs[i].aggregate(field(payload, alias)); err != nil {
			return err
		}
	}
	return nil
}

func (g *group) newAggregators() ([]aggregator, error) {
	if g.value {
		agg, err := newAggregator(g.opts.Aggregate)
		if err != nil {
			return nil, err
		}
		return []aggregator{agg}, nil
	}
	aggs := make([]aggregator, 0, len(g.aliases))
	for _, alias := range g.aliases {
		agg, err := newAggregator(g.opts.AliasToAggregateType[alias])
		if err != nil {
			return nil, err
		}
		aggs = append(aggs, agg)
	}
	return aggs, nil
}

func (g *group) result(aggs []aggregator) interface{} {
	if g.value {
		return aggs[0].result()
	}
	obj := make(map[string]interface{}, len(aggs))
	for i, alias := range g.aliases {
		if v := aggs[i].result(); v != undefined {
			obj[alias] = v
		}
	}
	return obj
}

func (g *group) HasMoreResults() bool {
	if g.err != nil {
		return false
	}
	if !g.drained {
		return true
	}
	return len(g.results) > 0
}

func (g *group) String() string {
	if g.value {
		return fmt.Sprintf("group by value %v <- %v", g.opts.Aggregate, g.source)
	}
	return fmt.Sprintf("group by %v <- %v", g.aliases, g.source)
}
