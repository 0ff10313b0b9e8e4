package transport

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/getlantern/docquery/common"
)

type documentsBody struct {
	RID       string        `json:"_rid"`
	Documents []interface{} `json:"Documents"`
	Count     int           `json:"_count"`
}

type rangesBody struct {
	RID                string                     `json:"_rid"`
	PartitionKeyRanges []common.PartitionKeyRange `json:"PartitionKeyRanges"`
}

// FetchPage runs one page of a query, against a single partition key range
// when req.Range is set.
func (c *Client) FetchPage(ctx context.Context, req *common.PageRequest) (*common.Page, error) {
	headers := map[string]string{
		headerIsQuery:      "True",
		headerContinuation: req.Continuation,
		headerPartitionKey: req.PartitionKey,
	}
	if req.MaxItemCount != 0 {
		headers[headerMaxItemCount] = strconv.Itoa(req.MaxItemCount)
	}
	if req.Range.ID != "" {
		headers[headerPartitionKeyRangeID] = req.Range.ID
		headers[headerStartEPK] = req.Range.MinInclusive
		headers[headerEndEPK] = req.Range.MaxExclusive
	}
	if req.EnableCrossPartition {
		headers[headerEnableCrossPartition] = "True"
	}
	resp, err := c.do(ctx, &request{
		method:      http.MethodPost,
		path:        docsPath(req.CollectionLink),
		contentType: contentTypeQuery,
		body:        req.Query,
		headers:     headers,
	})
	if err != nil {
		return nil, err
	}
	var body documentsBody
	if err := decode(resp, &body); err != nil {
		return nil, err
	}
	if resp.headers.QueryMetrics != nil && req.Range.ID != "" {
		// the service doesn't always echo the range id
		for _, metrics := range resp.headers.QueryMetrics {
			resp.headers.QueryMetrics = map[string]string{req.Range.ID: metrics}
		}
	}
	if resp.headers.ItemCount == 0 {
		resp.headers.ItemCount = len(body.Documents)
	}
	return &common.Page{Items: body.Documents, Headers: resp.headers}, nil
}

// GetQueryPlan asks the service how to run query across partitions.
func (c *Client) GetQueryPlan(ctx context.Context, collectionLink string, query *common.SQLQuery) (*common.PartitionedQueryExecutionInfo, error) {
	resp, err := c.do(ctx, &request{
		method:      http.MethodPost,
		path:        docsPath(collectionLink),
		contentType: contentTypeQuery,
		body:        query,
		headers: map[string]string{
			headerIsQuery:             "True",
			headerIsQueryPlanRequest:  "True",
			headerSupportedQueryFeats: supportedFeatures,
		},
	})
	if err != nil {
		return nil, err
	}
	plan := &common.PartitionedQueryExecutionInfo{}
	if err := decode(resp, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// ReadPartitionKeyRanges reads the partition key ranges of a collection,
// following continuations. With a non-empty ifNoneMatch only the ranges added
// since that etag are returned.
func (c *Client) ReadPartitionKeyRanges(ctx context.Context, collectionLink string, ifNoneMatch string) (*common.PartitionKeyRangesPage, error) {
	result := &common.PartitionKeyRangesPage{}
	continuation := ""
	for {
		headers := map[string]string{headerContinuation: continuation}
		if ifNoneMatch != "" {
			headers[headerAIM] = incrementalFeed
			headers["If-None-Match"] = ifNoneMatch
		}
		resp, err := c.do(ctx, &request{
			method:  http.MethodGet,
			path:    fmt.Sprintf("%v/pkranges", strings.Trim(collectionLink, "/")),
			headers: headers,
		})
		if err != nil {
			return nil, err
		}
		if resp.status == common.StatusNotModified {
			result.NotModified = len(result.Ranges) == 0
			if result.ETag == "" {
				result.ETag = resp.headers.ETag
			}
			return result, nil
		}
		var body rangesBody
		if err := decode(resp, &body); err != nil {
			return nil, err
		}
		result.Ranges = append(result.Ranges, body.PartitionKeyRanges...)
		result.ETag = resp.headers.ETag
		continuation = resp.headers.Continuation
		if continuation == "" {
			return result, nil
		}
	}
}

// ReadChangeFeed reads the next page of changes for one partition key or one
// partition key range. A 304 comes back as a page with NotModified set.
func (c *Client) ReadChangeFeed(ctx context.Context, req *common.ChangeFeedRequest) (*common.Page, error) {
	headers := map[string]string{
		headerAIM:          incrementalFeed,
		headerPartitionKey: req.PartitionKey,
		headerStartEPK:     req.StartEPK,
		headerEndEPK:       req.EndEPK,
	}
	if req.MaxItemCount != 0 {
		headers[headerMaxItemCount] = strconv.Itoa(req.MaxItemCount)
	}
	if req.Range.ID != "" {
		headers[headerPartitionKeyRangeID] = req.Range.ID
	}
	switch {
	case req.IfNoneMatch != "":
		headers["If-None-Match"] = req.IfNoneMatch
	case !req.StartTime.IsZero():
		headers["If-Modified-Since"] = req.StartTime.UTC().Format(http.TimeFormat)
	case !req.StartFromBeginning:
		headers["If-None-Match"] = "*"
	}
	resp, err := c.do(ctx, &request{
		method:  http.MethodGet,
		path:    docsPath(req.CollectionLink),
		headers: headers,
	})
	if err != nil {
		return nil, err
	}
	if resp.status == common.StatusNotModified {
		return &common.Page{Headers: resp.headers, NotModified: true}, nil
	}
	var body documentsBody
	if err := decode(resp, &body); err != nil {
		return nil, err
	}
	resp.headers.ItemCount = len(body.Documents)
	return &common.Page{Items: body.Documents, Headers: resp.headers}, nil
}

// ExecuteBatch sends a group of operations for one partition key or one
// partition key range.
func (c *Client) ExecuteBatch(ctx context.Context, req *common.BatchRequest) (*common.BatchResponse, error) {
	headers := map[string]string{
		headerIsBatchRequest: "True",
		headerBatchAtomic:    "False",
		headerPartitionKey:   req.PartitionKey,
	}
	if req.Atomic {
		headers[headerBatchAtomic] = "True"
	}
	if req.Range.ID != "" {
		headers[headerPartitionKeyRangeID] = req.Range.ID
	}
	resp, err := c.do(ctx, &request{
		method:      http.MethodPost,
		path:        docsPath(req.CollectionLink),
		contentType: contentTypeJSON,
		body:        req.Operations,
		headers:     headers,
	})
	if err != nil {
		return nil, err
	}
	result := &common.BatchResponse{Headers: resp.headers}
	if err := decode(resp, &result.Results); err != nil {
		return nil, err
	}
	return result, nil
}
