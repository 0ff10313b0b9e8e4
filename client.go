// Package docquery is a client for a partitioned document service. It runs
// SQL queries across partitions on the client side (merging ORDER BY
// results, aggregating, grouping, de-duplicating and paging), reads change
// feeds and executes transactional batches and bulk operations.
package docquery

import (
	"context"
	"time"

	"github.com/getlantern/docquery/common"
	"github.com/getlantern/docquery/core"
	"github.com/getlantern/docquery/routing"
	"github.com/getlantern/docquery/transport"
	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
)

var (
	log = golog.LoggerFor("docquery")
)

// Backend is the service as seen by the client. transport.Client implements
// it over HTTP.
type Backend interface {
	core.PageFetcher
	routing.RangeSource

	GetQueryPlan(ctx context.Context, collectionLink string, query *common.SQLQuery) (*common.PartitionedQueryExecutionInfo, error)

	ReadChangeFeed(ctx context.Context, req *common.ChangeFeedRequest) (*common.Page, error)

	ExecuteBatch(ctx context.Context, req *common.BatchRequest) (*common.BatchResponse, error)
}

// Options provides options for configuring the client.
type Options struct {
	// Endpoint is the base URL of the account.
	Endpoint string `yaml:"endpoint"`
	// AuthToken is sent as the authorization header of every request.
	AuthToken string `yaml:"authtoken"`
	// Headers are added to every request.
	Headers map[string]string `yaml:"headers"`
	// RoutingCacheSize bounds the number of collections whose partition maps
	// are cached.
	RoutingCacheSize int `yaml:"routingcachesize"`
	// RetryMax is how often throttled and failed HTTP requests are retried.
	RetryMax int `yaml:"retrymax"`
	// RetryWaitMin and RetryWaitMax bound the backoff between retries.
	RetryWaitMin time.Duration `yaml:"retrywaitmin"`
	RetryWaitMax time.Duration `yaml:"retrywaitmax"`
	// RequestTimeout bounds each HTTP attempt.
	RequestTimeout time.Duration `yaml:"requesttimeout"`
	// DiagnosticLevel controls how much the client logs about queries.
	DiagnosticLevel common.DiagnosticLevel `yaml:"-"`
	// Backend, if set, is used instead of talking HTTP to Endpoint.
	Backend Backend `yaml:"-"`
}

// Client is a client for one account.
type Client struct {
	opts    *Options
	backend Backend
	router  *routing.Router
}

// NewClient constructs a Client.
func NewClient(opts *Options) (*Client, error) {
	backend := opts.Backend
	if backend == nil {
		t, err := transport.New(&transport.Opts{
			Endpoint:     opts.Endpoint,
			AuthToken:    opts.AuthToken,
			Headers:      opts.Headers,
			RetryMax:     opts.RetryMax,
			RetryWaitMin: opts.RetryWaitMin,
			RetryWaitMax: opts.RetryWaitMax,
			Timeout:      opts.RequestTimeout,
		})
		if err != nil {
			return nil, errors.New("Unable to initialize transport: %v", err)
		}
		backend = t
	}
	router, err := routing.New(&routing.Opts{
		Source:    backend,
		CacheSize: opts.RoutingCacheSize,
	})
	if err != nil {
		return nil, err
	}
	log.Debugf("Client for %v ready at diagnostic level %v", opts.Endpoint, opts.DiagnosticLevel)
	return &Client{opts: opts, backend: backend, router: router}, nil
}

// Query prepares query against the collection at collectionLink. Nothing is
// sent to the service until the returned iterator is read. feedOpts may be
// nil.
func (c *Client) Query(collectionLink string, query *common.SQLQuery, feedOpts *FeedOptions) *QueryIterator {
	if feedOpts == nil {
		feedOpts = &FeedOptions{}
	}
	return &QueryIterator{
		client: c,
		link:   collectionLink,
		query:  query,
		opts:   *feedOpts,
	}
}

// OverlappingRanges returns the partition key ranges of the collection that
// overlap qr.
func (c *Client) OverlappingRanges(ctx context.Context, collectionLink string, qr common.QueryRange) ([]common.PartitionKeyRange, error) {
	return c.router.GetOverlappingRanges(ctx, collectionLink, qr, false)
}
