package core

import (
	"context"
	"fmt"

	"github.com/getlantern/docquery/common"
)

// ProducerComparator orders document producers inside the priority queue.
type ProducerComparator interface {
	Compare(a, b *DocumentProducer) int
}

// PartitionComparator orders producers by the start of their partition key
// range, which drains partitions in enumeration order.
type PartitionComparator struct{}

func (PartitionComparator) Compare(a, b *DocumentProducer) int {
	ra, rb := a.targetRange.MinInclusive, b.targetRange.MinInclusive
	if ra < rb {
		return -1
	}
	if ra > rb {
		return 1
	}
	return 0
}

// OrderByComparator orders producers by the ORDER BY values of their buffered
// items, falling back to partition order for ties.
type OrderByComparator struct {
	SortOrders []common.SortOrder
}

func (c OrderByComparator) Compare(a, b *DocumentProducer) int {
	ia, _ := a.Peek()
	ib, _ := b.Peek()
	if result := compareOrderByItems(c.SortOrders, ia, ib); result != 0 {
		return result
	}
	return PartitionComparator{}.Compare(a, b)
}

// compareOrderByItems compares two ORDER BY envelopes column by column.
func compareOrderByItems(orders []common.SortOrder, a, b interface{}) int {
	va := wrappedItems(field(a, "orderByItems"))
	vb := wrappedItems(field(b, "orderByItems"))
	for i, order := range orders {
		var x, y interface{} = undefined, undefined
		if i < len(va) {
			x = va[i]
		}
		if i < len(vb) {
			y = vb[i]
		}
		result := compare(x, y)
		if order == common.Descending {
			result = -result
		}
		if result != 0 {
			return result
		}
	}
	return 0
}

// payloadOf unwraps the payload of an ORDER BY envelope. ok is false when the
// payload is undefined.
func payloadOf(item interface{}) (interface{}, bool) {
	payload := field(item, "payload")
	if payload == undefined {
		return nil, false
	}
	return payload, true
}

// OrderBy unwraps the {orderByItems, payload} envelope of ORDER BY rows.
func OrderBy(source ExecutionContext) ExecutionContext {
	return &orderByEndpoint{source: source}
}

type orderByEndpoint struct {
	source ExecutionContext
}

func (o *orderByEndpoint) NextItem(ctx context.Context, headers *common.Headers) (interface{}, bool, error) {
	for {
		item, ok, err := o.source.NextItem(ctx, headers)
		if err != nil {
			return nil, false, unwrapCapExceeded(err)
		}
		if !ok {
			return nil, false, nil
		}
		if payload, defined := payloadOf(item); defined {
			return payload, true, nil
		}
	}
}

func (o *orderByEndpoint) HasMoreResults() bool {
	return o.source.HasMoreResults()
}

func (o *orderByEndpoint) String() string {
	return fmt.Sprintf("order by <- %v", o.source)
}

// unwrapCapExceeded returns a copy of a *common.RUCapExceededError with its
// fetched ORDER BY rows unwrapped to their payloads. Other errors are returned
// as is.
func unwrapCapExceeded(err error) error {
	capErr, ok := common.AsRUCapExceeded(err)
	if !ok {
		return err
	}
	return capErr.WithResults(unwrapPayloads(capErr.FetchedResults))
}

func unwrapPayloads(items []interface{}) []interface{} {
	result := make([]interface{}, 0, len(items))
	for _, item := range items {
		if payload, defined := payloadOf(item); defined {
			result = append(result, payload)
		}
	}
	return result
}
