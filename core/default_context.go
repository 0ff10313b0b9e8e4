package core

import (
	"context"

	"github.com/getlantern/docquery/common"
)

// DefaultContext runs a query as a single stream that the service routes on
// its own, paging natively. It is what queries start out on before anything
// is known about their plan.
type DefaultContext struct {
	producer *DocumentProducer
	emitted  bool
}

func NewDefaultContext(opts *ContextOpts) *DefaultContext {
	return &DefaultContext{
		producer: newDocumentProducer(opts, common.PartitionKeyRange{}, opts.Continuation),
	}
}

func (c *DefaultContext) NextItem(ctx context.Context, headers *common.Headers) (interface{}, bool, error) {
	item, ok, err := c.producer.Next(ctx)
	if headers != nil {
		headers.Merge(c.producer.TakeHeaders())
	}
	if err != nil {
		return nil, false, c.wrap(ctx, err, headers)
	}
	if ok {
		c.emitted = true
	}
	return item, ok, nil
}

// FetchMore returns the next page exactly as the service paged it. The
// continuation of the returned page resumes right after it.
func (c *DefaultContext) FetchMore(ctx context.Context) (*common.Page, error) {
	page := &common.Page{}
	if _, buffered := c.producer.Peek(); !buffered && c.producer.HasMoreResults() {
		err := c.producer.fetchPage(ctx)
		page.Headers.Merge(c.producer.TakeHeaders())
		if err != nil {
			return page, c.wrap(ctx, err, &page.Headers)
		}
	}
	page.Items = c.producer.drain()
	if len(page.Items) > 0 {
		c.emitted = true
	}
	page.Headers.Continuation = c.producer.Continuation()
	return page, nil
}

func (c *DefaultContext) wrap(ctx context.Context, err error, headers *common.Headers) error {
	if classify(err) != outcomeRUCapExceeded {
		return err
	}
	var h common.Headers
	if headers != nil {
		h = *headers
	}
	return capExceeded(ctx, c.producer.drain(), h)
}

// Emitted reports whether any item has been handed out yet.
func (c *DefaultContext) Emitted() bool {
	return c.emitted
}

func (c *DefaultContext) HasMoreResults() bool {
	return c.producer.HasMoreResults()
}

func (c *DefaultContext) String() string {
	return "default"
}
