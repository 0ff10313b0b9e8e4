package docquery

import (
	"context"
	"sync"
	"time"

	"github.com/getlantern/docquery/common"
	"github.com/getlantern/docquery/metrics"
	"github.com/getlantern/errors"
)

// maxChangeFeedRefreshes bounds how often a range feed refreshes the
// partition map after hitting a gone partition before giving up.
const maxChangeFeedRefreshes = 3

// ChangeFeedOptions configures a change feed.
type ChangeFeedOptions struct {
	// MaxItemCount is the maximum number of changes per page.
	MaxItemCount int
	// Continuation resumes from the Continuation of an earlier response.
	Continuation string
	// StartFromBeginning reads all changes since the collection was created.
	// Otherwise the feed starts at StartTime, or now if that's zero.
	StartFromBeginning bool
	StartTime          time.Time
}

// ChangeFeedResponse is one page of changes.
type ChangeFeedResponse struct {
	Items   []interface{}
	Headers common.Headers
	// Continuation resumes the feed after this page.
	Continuation string
	// NotModified is set when there were no new changes.
	NotModified bool
}

// ChangeFeedIterator reads the changes to one logical partition or to a range
// of the effective partition key space. A range feed visits the partitions
// covering it round-robin and follows splits on its own.
type ChangeFeedIterator struct {
	client *Client
	link   string
	opts   ChangeFeedOptions

	mx sync.Mutex

	pk   string
	etag string

	ranges []*compositeRange
	next   int
}

// ChangeFeedForPartitionKey reads the changes to the logical partition pk.
func (c *Client) ChangeFeedForPartitionKey(collectionLink string, pk interface{}, opts *ChangeFeedOptions) (*ChangeFeedIterator, error) {
	if opts == nil {
		opts = &ChangeFeedOptions{}
	}
	encoded, err := PartitionKeyJSON(pk)
	if err != nil {
		return nil, err
	}
	it := &ChangeFeedIterator{client: c, link: collectionLink, opts: *opts, pk: encoded}
	if opts.Continuation != "" {
		token, err := parsePartitionKeyToken(opts.Continuation, collectionLink, encoded)
		if err != nil {
			return nil, err
		}
		it.etag = token.Continuation
	}
	return it, nil
}

// ChangeFeedForRange reads the changes to all partition keys whose effective
// partition key lies in the min-inclusive, max-exclusive range qr. Use
// common.FullRange() for the whole collection.
func (c *Client) ChangeFeedForRange(collectionLink string, qr common.QueryRange, opts *ChangeFeedOptions) (*ChangeFeedIterator, error) {
	if opts == nil {
		opts = &ChangeFeedOptions{}
	}
	it := &ChangeFeedIterator{client: c, link: collectionLink, opts: *opts}
	if opts.Continuation != "" {
		token, err := parseRangeToken(opts.Continuation, collectionLink)
		if err != nil {
			return nil, err
		}
		for i := range token.Continuation {
			it.ranges = append(it.ranges, &token.Continuation[i])
		}
		return it, nil
	}
	if qr.IsEmpty() || qr.IsMaxInclusive {
		return nil, errors.New("Change feed range %v must be non-empty and exclude its maximum", qr)
	}
	it.ranges = []*compositeRange{{MinInclusive: qr.Min, MaxExclusive: qr.Max}}
	return it, nil
}

// ReadNext reads the next page of changes. A range feed returns the first
// page that has changes, trying each partition at most once per call.
func (it *ChangeFeedIterator) ReadNext(ctx context.Context) (*ChangeFeedResponse, error) {
	it.mx.Lock()
	defer it.mx.Unlock()
	if it.ranges == nil {
		return it.readPartitionKey(ctx)
	}
	return it.readRanges(ctx)
}

func (it *ChangeFeedIterator) readPartitionKey(ctx context.Context) (*ChangeFeedResponse, error) {
	req := &common.ChangeFeedRequest{
		CollectionLink: it.link,
		PartitionKey:   it.pk,
		IfNoneMatch:    it.etag,
		MaxItemCount:   it.opts.MaxItemCount,
	}
	if it.etag == "" {
		req.StartFromBeginning = it.opts.StartFromBeginning
		req.StartTime = it.opts.StartTime
	}
	page, err := it.client.backend.ReadChangeFeed(ctx, req)
	if err != nil {
		return nil, translate(err)
	}
	if page.Headers.ETag != "" {
		it.etag = page.Headers.ETag
	}
	token := &partitionKeyToken{RID: it.link, PartitionKey: it.pk, Continuation: it.etag}
	return &ChangeFeedResponse{
		Items:        page.Items,
		Headers:      page.Headers,
		Continuation: encodeToken(token),
		NotModified:  page.NotModified,
	}, nil
}

func (it *ChangeFeedIterator) readRanges(ctx context.Context) (*ChangeFeedResponse, error) {
	resp := &ChangeFeedResponse{NotModified: true}
	for tried := 0; tried < len(it.ranges); tried++ {
		page, err := it.readRange(ctx)
		if err != nil {
			resp.Continuation = it.token()
			return resp, err
		}
		resp.Headers.Merge(page.Headers)
		it.next = (it.next + 1) % len(it.ranges)
		if !page.NotModified {
			resp.Items = page.Items
			resp.NotModified = false
			break
		}
	}
	resp.Continuation = it.token()
	return resp, nil
}

// readRange reads from the composite range at it.next, splitting it up when
// it spans more than one partition.
func (it *ChangeFeedIterator) readRange(ctx context.Context) (*common.Page, error) {
	for attempt := 0; ; attempt++ {
		overlapping, err := it.client.router.GetOverlappingRanges(ctx, it.link, it.ranges[it.next].queryRange(), attempt > 0)
		if err != nil {
			return nil, err
		}
		if len(overlapping) == 0 {
			return nil, errors.New("No partition key range overlaps %v", it.ranges[it.next].queryRange())
		}
		if len(overlapping) > 1 {
			it.split(overlapping)
		}
		cr := it.ranges[it.next]
		req := &common.ChangeFeedRequest{
			CollectionLink: it.link,
			Range:          overlapping[0],
			StartEPK:       cr.MinInclusive,
			EndEPK:         cr.MaxExclusive,
			IfNoneMatch:    cr.ContinuationToken,
			MaxItemCount:   it.opts.MaxItemCount,
		}
		if cr.ContinuationToken == "" {
			req.StartFromBeginning = it.opts.StartFromBeginning
			req.StartTime = it.opts.StartTime
		}
		page, err := it.client.backend.ReadChangeFeed(ctx, req)
		if err == nil {
			if page.Headers.ETag != "" {
				cr.ContinuationToken = page.Headers.ETag
			}
			return page, nil
		}
		if !common.IsPartitionGone(err) || attempt >= maxChangeFeedRefreshes {
			return nil, translate(err)
		}
		metrics.PartitionGone(overlapping[0].ID)
		log.Debugf("Partition %v of change feed on %v is gone, refreshing", overlapping[0], it.link)
	}
}

// split replaces the composite range at it.next with one per partition,
// each picking up from the same continuation.
func (it *ChangeFeedIterator) split(overlapping []common.PartitionKeyRange) {
	parent := it.ranges[it.next]
	children := make([]*compositeRange, 0, len(overlapping))
	for _, pkr := range overlapping {
		children = append(children, &compositeRange{
			MinInclusive:      pkr.MinInclusive,
			MaxExclusive:      pkr.MaxExclusive,
			ContinuationToken: parent.ContinuationToken,
		})
	}
	ranges := make([]*compositeRange, 0, len(it.ranges)+len(children)-1)
	ranges = append(ranges, it.ranges[:it.next]...)
	ranges = append(ranges, children...)
	ranges = append(ranges, it.ranges[it.next+1:]...)
	it.ranges = ranges
}

func (it *ChangeFeedIterator) token() string {
	token := &rangeToken{RID: it.link, Continuation: make([]compositeRange, 0, len(it.ranges))}
	for _, cr := range it.ranges {
		token.Continuation = append(token.Continuation, *cr)
	}
	return encodeToken(token)
}
