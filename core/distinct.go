package core

import (
	"context"
	"fmt"

	"github.com/getlantern/docquery/common"
)

// OrderedDistinct drops items equal to the item emitted right before them.
// source must deliver duplicates next to each other.
func OrderedDistinct(source ExecutionContext) ExecutionContext {
	return &orderedDistinct{source: source}
}

type orderedDistinct struct {
	source  ExecutionContext
	last    itemHash
	hasLast bool
}

func (d *orderedDistinct) NextItem(ctx context.Context, headers *common.Headers) (interface{}, bool, error) {
	for {
		item, ok, err := d.source.NextItem(ctx, headers)
		if err != nil {
			return nil, false, d.dedupe(err)
		}
		if !ok {
			return nil, false, nil
		}
		hash, err := hashItem(item)
		if err != nil {
			return nil, false, err
		}
		if d.hasLast && hash == d.last {
			continue
		}
		d.last, d.hasLast = hash, true
		return item, true, nil
	}
}

// dedupe returns a copy of a *common.RUCapExceededError without the fetched
// results that repeat the item before them. Other errors are returned as is.
func (d *orderedDistinct) dedupe(err error) error {
	capErr, ok := common.AsRUCapExceeded(err)
	if !ok {
		return err
	}
	last, hasLast := d.last, d.hasLast
	results := make([]interface{}, 0, len(capErr.FetchedResults))
	for _, item := range capErr.FetchedResults {
		hash, hashErr := hashItem(item)
		if hashErr != nil {
			return hashErr
		}
		if hasLast && hash == last {
			continue
		}
		last, hasLast = hash, true
		results = append(results, item)
	}
	return capErr.WithResults(results)
}

func (d *orderedDistinct) HasMoreResults() bool {
	return d.source.HasMoreResults()
}

func (d *orderedDistinct) String() string {
	return fmt.Sprintf("ordered distinct <- %v", d.source)
}

// UnorderedDistinct drops every item that was emitted before. It remembers the
// hash of everything it has seen.
func UnorderedDistinct(source ExecutionContext) ExecutionContext {
	return &unorderedDistinct{source: source, seen: make(map[itemHash]bool)}
}

type unorderedDistinct struct {
	source ExecutionContext
	seen   map[itemHash]bool
}

func (d *unorderedDistinct) NextItem(ctx context.Context, headers *common.Headers) (interface{}, bool, error) {
	for {
		item, ok, err := d.source.NextItem(ctx, headers)
		if err != nil {
			return nil, false, d.dedupe(err)
		}
		if !ok {
			return nil, false, nil
		}
		hash, err := hashItem(item)
		if err != nil {
			return nil, false, err
		}
		if d.seen[hash] {
			continue
		}
		d.seen[hash] = true
		return item, true, nil
	}
}

// dedupe returns a copy of a *common.RUCapExceededError without the fetched
// results that were emitted before or repeat each other. Other errors are
// returned as is.
func (d *unorderedDistinct) dedupe(err error) error {
	capErr, ok := common.AsRUCapExceeded(err)
	if !ok {
		return err
	}
	seen := make(map[itemHash]bool, len(capErr.FetchedResults))
	results := make([]interface{}, 0, len(capErr.FetchedResults))
	for _, item := range capErr.FetchedResults {
		hash, hashErr := hashItem(item)
		if hashErr != nil {
			return hashErr
		}
		if d.seen[hash] || seen[hash] {
			continue
		}
		seen[hash] = true
		results = append(results, item)
	}
	return capErr.WithResults(results)
}

func (d *unorderedDistinct) HasMoreResults() bool {
	return d.source.HasMoreResults()
}

func (d *unorderedDistinct) String() string {
	return fmt.Sprintf("unordered distinct <- %v", d.source)
}
