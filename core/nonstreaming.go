package core

import (
	"container/heap"
	"context"
	"fmt"

	"github.com/getlantern/docquery/common"
)

// DefaultNonStreamingBufferSize bounds a non-streaming ORDER BY without TOP or
// LIMIT.
const DefaultNonStreamingBufferSize = 50000

// NonStreamingOpts configures NonStreamingOrderBy.
type NonStreamingOpts struct {
	SortOrders []common.SortOrder
	// BufferSize is the number of rows kept, normally offset + limit.
	BufferSize int
	// Offset rows are dropped from the head of the sorted result.
	Offset int
	// Distinct drops rows whose payload was seen before.
	Distinct bool
}

// NonStreamingOrderBy sorts ORDER BY rows that partitions return unsorted. It
// drains source completely, keeping the best BufferSize rows, before emitting
// the payloads in order. When the request charge cap cuts the drain short, the
// *common.RUCapExceededError carries the sorted payloads of every row kept so
// far.
func NonStreamingOrderBy(source ExecutionContext, opts NonStreamingOpts) ExecutionContext {
	n := &nonStreamingOrderBy{
		source: source,
		opts:   opts,
		buffer: &rowHeap{orders: opts.SortOrders},
	}
	if opts.Distinct {
		n.seen = make(map[itemHash]bool)
	}
	return n
}

// NonStreamingOrderByDistinct is NonStreamingOrderBy with DISTINCT payloads.
func NonStreamingOrderByDistinct(source ExecutionContext, opts NonStreamingOpts) ExecutionContext {
	opts.Distinct = true
	return NonStreamingOrderBy(source, opts)
}

type nonStreamingOrderBy struct {
	source ExecutionContext
	opts   NonStreamingOpts
	buffer *rowHeap
	seen   map[itemHash]bool
	seq    int

	drained bool
	results []interface{}
	err     error
}

func (n *nonStreamingOrderBy) NextItem(ctx context.Context, headers *common.Headers) (interface{}, bool, error) {
	if n.err != nil {
		return nil, false, n.err
	}
	if !n.drained {
		if err := n.drain(ctx, headers); err != nil {
			n.err = n.partial(err)
			return nil, false, n.err
		}
	}
	if len(n.results) == 0 {
		return nil, false, nil
	}
	result := n.results[0]
	n.results = n.results[1:]
	return result, true, nil
}

func (n *nonStreamingOrderBy) drain(ctx context.Context, headers *common.Headers) error {
	for {
		item, ok, err := n.source.NextItem(ctx, headers)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := n.add(item); err != nil {
			return err
		}
	}
	n.drained = true
	n.results = n.sorted()
	return nil
}

// sorted empties the buffer into the payloads of its rows in order, minus the
// offset.
func (n *nonStreamingOrderBy) sorted() []interface{} {
	// the heap pops worst first
	rows := make([]interface{}, n.buffer.Len())
	for i := len(rows) - 1; i >= 0; i-- {
		rows[i] = heap.Pop(n.buffer).(*row).item
	}
	offset := n.opts.Offset
	if offset > len(rows) {
		offset = len(rows)
	}
	return unwrapPayloads(rows[offset:])
}

// partial folds the rows a *common.RUCapExceededError carries into the buffer
// and returns a copy of the error with the sorted result so far. Other errors
// are returned as is.
func (n *nonStreamingOrderBy) partial(err error) error {
	capErr, ok := common.AsRUCapExceeded(err)
	if !ok {
		return err
	}
	for _, item := range capErr.FetchedResults {
		if addErr := n.add(item); addErr != nil {
			return addErr
		}
	}
	return capErr.WithResults(n.sorted())
}

func (n *nonStreamingOrderBy) add(item interface{}) error {
	if n.opts.BufferSize <= 0 {
		return nil
	}
	if n.seen != nil {
		hash, err := hashItem(field(item, "payload"))
		if err != nil {
			return err
		}
		if n.seen[hash] {
			return nil
		}
		n.seen[hash] = true
	}
	n.seq++
	heap.Push(n.buffer, &row{item: item, seq: n.seq})
	if n.buffer.Len() > n.opts.BufferSize {
		heap.Pop(n.buffer)
	}
	return nil
}

func (n *nonStreamingOrderBy) HasMoreResults() bool {
	if n.err != nil {
		return false
	}
	if !n.drained {
		return true
	}
	return len(n.results) > 0
}

func (n *nonStreamingOrderBy) String() string {
	name := "non-streaming order by"
	if n.seen != nil {
		name += " distinct"
	}
	return fmt.Sprintf("%v %v top %d <- %v", name, n.opts.SortOrders, n.opts.BufferSize, n.source)
}

type row struct {
	item interface{}
	seq  int
}

// rowHeap is a max-heap of ORDER BY rows: the row that sorts last is on top.
// Ties go to the row that arrived first.
type rowHeap struct {
	orders []common.SortOrder
	rows   []*row
}

func (h *rowHeap) Len() int      { return len(h.rows) }
func (h *rowHeap) Swap(i, j int) { h.rows[i], h.rows[j] = h.rows[j], h.rows[i] }
func (h *rowHeap) Less(i, j int) bool {
	result := compareOrderByItems(h.orders, h.rows[i].item, h.rows[j].item)
	if result == 0 {
		return h.rows[i].seq > h.rows[j].seq
	}
	return result > 0
}

func (h *rowHeap) Push(x interface{}) {
	h.rows = append(h.rows, x.(*row))
}

func (h *rowHeap) Pop() interface{} {
	old := h.rows
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	h.rows = old[:n-1]
	return r
}
