// Package transport talks to the document service over its REST API. It
// implements the page, query plan, partition key range, change feed and batch
// calls that the query engine depends on, with retries on throttling and
// server errors handled beneath the engine.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getlantern/docquery/common"
	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	// APIVersion is sent as x-ms-version on every request.
	APIVersion = "2020-07-15"

	DefaultRetryMax     = 9
	DefaultRetryWaitMin = 100 * time.Millisecond
	DefaultRetryWaitMax = 5 * time.Second
	DefaultTimeout      = 60 * time.Second
)

const (
	headerActivityID           = "x-ms-activity-id"
	headerContinuation         = "x-ms-continuation"
	headerRequestCharge        = "x-ms-request-charge"
	headerItemCount            = "x-ms-item-count"
	headerQueryMetrics         = "x-ms-documentdb-query-metrics"
	headerSubStatus            = "x-ms-substatus"
	headerPartitionKeyRangeID  = "x-ms-documentdb-partitionkeyrangeid"
	headerPartitionKey         = "x-ms-documentdb-partitionkey"
	headerMaxItemCount         = "x-ms-max-item-count"
	headerIsQuery              = "x-ms-documentdb-isquery"
	headerEnableCrossPartition = "x-ms-documentdb-query-enablecrosspartition"
	headerIsQueryPlanRequest   = "x-ms-cosmos-is-query-plan-request"
	headerSupportedQueryFeats  = "x-ms-cosmos-supported-query-features"
	headerIsBatchRequest       = "x-ms-cosmos-is-batch-request"
	headerBatchAtomic          = "x-ms-cosmos-batch-atomic"
	headerStartEPK             = "x-ms-start-epk"
	headerEndEPK               = "x-ms-end-epk"
	headerAIM                  = "A-IM"
	headerVersion              = "x-ms-version"
	headerDate                 = "x-ms-date"

	incrementalFeed   = "Incremental feed"
	contentTypeQuery  = "application/query+json"
	contentTypeJSON   = "application/json"
	supportedFeatures = "Aggregate, CompositeAggregate, Distinct, MultipleOrderBy, OffsetAndLimit, OrderBy, Top, GroupBy, MultipleAggregates, NonStreamingOrderBy"
)

var (
	log = golog.LoggerFor("docquery.transport")
)

// Opts configures a Client.
type Opts struct {
	// Endpoint is the base URL of the account, for example
	// https://myaccount.documents.azure.com.
	Endpoint string

	// AuthToken is sent as the authorization header of every request.
	AuthToken string

	// Headers are added to every request.
	Headers map[string]string

	// RetryMax is the number of retries of throttled or failed requests.
	RetryMax int

	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// Timeout bounds each HTTP attempt.
	Timeout time.Duration

	// RoundTripper overrides the HTTP transport, mostly for tests.
	RoundTripper http.RoundTripper
}

func (opts *Opts) applyDefaults() {
	if opts.RetryMax == 0 {
		opts.RetryMax = DefaultRetryMax
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = DefaultRetryWaitMin
	}
	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = DefaultRetryWaitMax
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RoundTripper == nil {
		opts.RoundTripper = http.DefaultTransport
	}
}

// Client is an HTTP backend for the query engine.
type Client struct {
	endpoint string
	rc       *retryablehttp.Client
}

// New constructs a Client.
func New(opts *Opts) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("an endpoint is required")
	}
	opts.applyDefaults()

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = opts.RetryWaitMin
	rc.RetryWaitMax = opts.RetryWaitMax
	rc.CheckRetry = retryPolicy
	// hand the last response back so that its status and body can be mapped
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = retryLogger{}
	rc.HTTPClient.Timeout = opts.Timeout
	rc.HTTPClient.Transport = &authedTransport{
		token:   opts.AuthToken,
		headers: opts.Headers,
		wrapped: opts.RoundTripper,
	}

	return &Client{
		endpoint: strings.TrimSuffix(opts.Endpoint, "/"),
		rc:       rc,
	}, nil
}

type authedTransport struct {
	token   string
	headers map[string]string
	wrapped http.RoundTripper
}

func (t *authedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token != "" {
		req.Header.Set("Authorization", t.token)
	}
	req.Header.Set("User-Agent", "docquery")
	req.Header.Set(headerVersion, APIVersion)
	req.Header.Set(headerDate, time.Now().UTC().Format(http.TimeFormat))
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.wrapped.RoundTrip(req)
}

// retryPolicy retries connection errors, throttling and server errors. A 400
// means the request itself is wrong and a 410 means the partition map is
// stale, retrying either as-is can't succeed.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch {
	case resp.StatusCode == common.StatusTooManyRequests:
		return true, nil
	case resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented:
		return true, nil
	}
	return false, nil
}

type retryLogger struct{}

func (retryLogger) Printf(msg string, args ...interface{}) {
	log.Tracef(msg, args...)
}

// request describes one call to the service.
type request struct {
	method      string
	path        string
	contentType string
	body        interface{}
	headers     map[string]string
}

// response is a successful (or 304) answer.
type response struct {
	status  int
	headers common.Headers
	body    []byte
}

func (c *Client) do(ctx context.Context, r *request) (*response, error) {
	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, errors.New("Unable to encode request body: %v", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, r.method, c.endpoint+"/"+strings.TrimPrefix(r.path, "/"), body)
	if err != nil {
		return nil, errors.New("Unable to build request: %v", err)
	}
	activityID := uuid.New().String()
	req.Header.Set(headerActivityID, activityID)
	req.Header.Set("Accept", contentTypeJSON)
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	for k, v := range r.headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.rc.Do(req)
	if err != nil {
		return nil, errors.New("%v %v failed: %v", r.method, r.path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.New("Unable to read response to %v %v: %v", r.method, r.path, err)
	}

	headers := parseHeaders(resp.Header)
	if headers.ActivityID == "" {
		headers.ActivityID = activityID
	}
	if resp.StatusCode >= 400 {
		return nil, serviceError(resp, headers, b)
	}
	return &response{status: resp.StatusCode, headers: headers, body: b}, nil
}

func parseHeaders(h http.Header) common.Headers {
	headers := common.Headers{
		Continuation: h.Get(headerContinuation),
		ActivityID:   h.Get(headerActivityID),
		ETag:         h.Get("etag"),
		RequestCount: 1,
	}
	if charge := h.Get(headerRequestCharge); charge != "" {
		headers.RequestCharge, _ = strconv.ParseFloat(charge, 64)
	}
	if count := h.Get(headerItemCount); count != "" {
		headers.ItemCount, _ = strconv.Atoi(count)
	}
	if metrics := h.Get(headerQueryMetrics); metrics != "" {
		id := h.Get(headerPartitionKeyRangeID)
		headers.QueryMetrics = map[string]string{id: metrics}
	}
	return headers
}

type errorBody struct {
	Code                string          `json:"code"`
	Message             string          `json:"message"`
	AdditionalErrorInfo json.RawMessage `json:"additionalErrorInfo"`
}

func serviceError(resp *http.Response, headers common.Headers, body []byte) error {
	se := &common.ServiceError{
		StatusCode: resp.StatusCode,
		Code:       http.StatusText(resp.StatusCode),
		Headers:    headers,
	}
	se.SubStatusCode, _ = strconv.Atoi(resp.Header.Get(headerSubStatus))
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if eb.Code != "" {
			se.Code = eb.Code
		}
		se.Message = eb.Message
		se.AdditionalErrorInfo = additionalErrorInfo(eb.AdditionalErrorInfo)
	} else {
		se.Message = string(body)
	}
	log.Debugf("%v (activity %v)", se, headers.ActivityID)
	return se
}

// additionalErrorInfo is sometimes a JSON string holding JSON and sometimes
// the object itself.
func additionalErrorInfo(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func decode(resp *response, v interface{}) error {
	if err := json.Unmarshal(resp.body, v); err != nil {
		return errors.New("Unable to decode response: %v", err)
	}
	return nil
}

func docsPath(collectionLink string) string {
	return fmt.Sprintf("%v/docs", strings.Trim(collectionLink, "/"))
}
