package core

import (
	"context"
	"errors"
	"sync"

	"github.com/getlantern/docquery/common"
	"github.com/getlantern/docquery/metrics"
)

type budgetKey struct{}

// errRUCapExceeded is raised by producers once the operation's request charge
// budget is spent. Execution contexts turn it into a
// *common.RUCapExceededError that carries the fetched results.
var errRUCapExceeded = errors.New("request charge cap exceeded")

// ruBudget tracks the request charge spent by one logical operation.
type ruBudget struct {
	mx       sync.Mutex
	limit    float64
	consumed float64
}

// WithRUCap attaches a request charge budget of limit to ctx. Every page
// fetched under ctx counts against it and no further fetches are issued once
// it is exceeded. A limit <= 0 means no cap.
func WithRUCap(ctx context.Context, limit float64) context.Context {
	if limit <= 0 {
		return ctx
	}
	return context.WithValue(ctx, budgetKey{}, &ruBudget{limit: limit})
}

func budgetFrom(ctx context.Context) *ruBudget {
	b, _ := ctx.Value(budgetKey{}).(*ruBudget)
	return b
}

func (b *ruBudget) exceeded() bool {
	if b == nil {
		return false
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.consumed > b.limit
}

// charge records charge and reports whether the budget is now exceeded.
func (b *ruBudget) charge(charge float64) bool {
	if b == nil {
		return false
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	b.consumed += charge
	return b.consumed > b.limit
}

func (b *ruBudget) state() (limit float64, consumed float64) {
	if b == nil {
		return 0, 0
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.limit, b.consumed
}

// capExceeded builds the error handed to callers once the budget attached to
// ctx is spent.
func capExceeded(ctx context.Context, fetched []interface{}, headers common.Headers) *common.RUCapExceededError {
	limit, consumed := budgetFrom(ctx).state()
	metrics.RUCapExceeded()
	return &common.RUCapExceededError{
		Limit:          limit,
		Consumed:       consumed,
		FetchedResults: fetched,
		Headers:        headers,
	}
}
