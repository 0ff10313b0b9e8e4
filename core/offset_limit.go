package core

import (
	"context"
	"fmt"

	"github.com/getlantern/docquery/common"
)

// OffsetLimit skips the first offset items of source and passes through at
// most limit of the rest. Skipped items are still fetched, so their request
// charge shows up in the headers. The fetched results of a
// *common.RUCapExceededError are cut the same way.
func OffsetLimit(source ExecutionContext, offset int, limit int) ExecutionContext {
	return &offsetLimit{
		source: source,
		offset: offset,
		limit:  limit,
	}
}

type offsetLimit struct {
	source ExecutionContext
	offset int
	limit  int
}

func (o *offsetLimit) NextItem(ctx context.Context, headers *common.Headers) (interface{}, bool, error) {
	if o.limit <= 0 {
		return nil, false, nil
	}
	for o.offset > 0 {
		_, ok, err := o.source.NextItem(ctx, headers)
		if err != nil {
			return nil, false, o.window(err)
		}
		if !ok {
			o.offset = 0
			o.limit = 0
			return nil, false, nil
		}
		o.offset--
	}

	item, ok, err := o.source.NextItem(ctx, headers)
	if err != nil {
		return nil, false, o.window(err)
	}
	if !ok {
		return nil, false, nil
	}
	o.limit--
	return item, true, nil
}

// window returns a copy of a *common.RUCapExceededError whose fetched results
// skip what is left of the offset and hold at most what is left of the limit.
// Other errors are returned as is.
func (o *offsetLimit) window(err error) error {
	capErr, ok := common.AsRUCapExceeded(err)
	if !ok {
		return err
	}
	fetched := capErr.FetchedResults
	start := o.offset
	if start > len(fetched) {
		start = len(fetched)
	}
	end := len(fetched)
	if o.limit < end-start {
		end = start + o.limit
	}
	return capErr.WithResults(append(make([]interface{}, 0, end-start), fetched[start:end]...))
}

func (o *offsetLimit) HasMoreResults() bool {
	return o.limit > 0 && o.source.HasMoreResults()
}

func (o *offsetLimit) String() string {
	return fmt.Sprintf("offset %d limit %d <- %v", o.offset, o.limit, o.source)
}
