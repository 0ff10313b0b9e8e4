// Package testsupport provides an in-memory stand-in for the document
// service: partitions with paged results, request charges, partition splits,
// an incremental partition key range feed, change feeds and batches.
package testsupport

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getlantern/docquery/common"
)

// DefaultCharge is the request charge of one page unless a Partition
// overrides it.
const DefaultCharge = 1.0

// Partition is one physical partition of the fake service.
type Partition struct {
	Range common.PartitionKeyRange
	// Pages are returned in order, one per fetch.
	Pages [][]interface{}
	// Charge is the request charge of every page. 0 means DefaultCharge.
	Charge float64
	// Changes are returned in order by the change feed.
	Changes [][]interface{}

	goneAfter int
	gone      bool
}

// NewPartition builds a partition owning [min, max).
func NewPartition(id, min, max string, pages ...[]interface{}) *Partition {
	return &Partition{
		Range: common.PartitionKeyRange{ID: id, MinInclusive: min, MaxExclusive: max},
		Pages: pages,
	}
}

func (p *Partition) charge() float64 {
	if p.Charge == 0 {
		return DefaultCharge
	}
	return p.Charge
}

// FetchRecord describes one page fetch served by the fake.
type FetchRecord struct {
	RangeID      string
	Continuation string
	Start        time.Time
	End          time.Time
}

// Service is the fake. All exported fields may be set before use.
type Service struct {
	// Plan is returned from GetQueryPlan.
	Plan *common.PartitionedQueryExecutionInfo
	// RequirePlan makes unrouted queries fail with a "needs query plan" 400.
	RequirePlan bool
	// DefaultPages are served to queries that are not routed to a partition.
	DefaultPages [][]interface{}
	// Delay is added to every page fetch.
	Delay time.Duration
	// PartitionKeyChanges holds change feed pages by JSON partition key.
	PartitionKeyChanges map[string][][]interface{}
	// BatchStatus decides the status code of each batch operation. Defaults to
	// 200 for reads and 201 otherwise.
	BatchStatus func(req *common.BatchRequest, op common.BatchOperation) int

	mx           sync.Mutex
	partitions   map[string]*Partition
	topology     []string
	addedAt      map[string]int
	version      int
	fetches      []FetchRecord
	inFlight     int
	maxInFlight  int
	planRequests int
	rangeReads   int
	failNext     map[string]error
	batches      []*common.BatchRequest
	activity     int
}

// NewService builds a fake whose topology consists of the given partitions.
func NewService(partitions ...*Partition) *Service {
	s := &Service{
		partitions: make(map[string]*Partition),
		addedAt:    make(map[string]int),
		failNext:   make(map[string]error),
	}
	for _, p := range partitions {
		s.partitions[p.Range.ID] = p
		s.topology = append(s.topology, p.Range.ID)
		s.addedAt[p.Range.ID] = 0
	}
	return s
}

// Split replaces the parent partition with children. Fetches against the
// parent keep working for its first afterPages pages and then fail with 410.
// Children that start from a parent continuation begin at their first page.
func (s *Service) Split(parentID string, afterPages int, children ...*Partition) {
	s.mx.Lock()
	defer s.mx.Unlock()
	parent := s.partitions[parentID]
	parent.gone = true
	parent.goneAfter = afterPages
	s.version++
	topology := make([]string, 0, len(s.topology)+len(children))
	for _, id := range s.topology {
		if id != parentID {
			topology = append(topology, id)
		}
	}
	for _, child := range children {
		child.Range.Parents = append(child.Range.Parents, parentID)
		s.partitions[child.Range.ID] = child
		s.addedAt[child.Range.ID] = s.version
		topology = append(topology, child.Range.ID)
	}
	s.topology = topology
}

// FailNext makes the next fetch against rangeID fail with err.
func (s *Service) FailNext(rangeID string, err error) {
	s.mx.Lock()
	s.failNext[rangeID] = err
	s.mx.Unlock()
}

// Fetches returns a copy of every page fetch served so far.
func (s *Service) Fetches() []FetchRecord {
	s.mx.Lock()
	defer s.mx.Unlock()
	result := make([]FetchRecord, len(s.fetches))
	copy(result, s.fetches)
	return result
}

// MaxInFlight returns the highest number of concurrent page fetches seen.
func (s *Service) MaxInFlight() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.maxInFlight
}

// PlanRequests returns how many query plans were requested.
func (s *Service) PlanRequests() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.planRequests
}

// RangeReads returns how many partition key range reads were served.
func (s *Service) RangeReads() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.rangeReads
}

// Batches returns every batch request received.
func (s *Service) Batches() []*common.BatchRequest {
	s.mx.Lock()
	defer s.mx.Unlock()
	result := make([]*common.BatchRequest, len(s.batches))
	copy(result, s.batches)
	return result
}

func (s *Service) nextActivity() string {
	s.activity++
	return fmt.Sprintf("activity-%d", s.activity)
}

func goneError(id string) error {
	return &common.ServiceError{
		StatusCode:    common.StatusGone,
		SubStatusCode: common.SubStatusPartitionKeyRangeGone,
		Code:          "Gone",
		Message:       fmt.Sprintf("partition key range %v is gone", id),
	}
}

// FetchPage implements core.PageFetcher.
func (s *Service) FetchPage(ctx context.Context, req *common.PageRequest) (*common.Page, error) {
	s.mx.Lock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.mx.Unlock()

	start := time.Now()
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
		}
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	s.inFlight--
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.fetches = append(s.fetches, FetchRecord{RangeID: req.Range.ID, Continuation: req.Continuation, Start: start, End: time.Now()})

	if err := s.failNext[req.Range.ID]; err != nil {
		delete(s.failNext, req.Range.ID)
		return nil, err
	}

	if req.Range.ID == "" {
		if s.RequirePlan {
			return nil, &common.ServiceError{
				StatusCode:          common.StatusBadRequest,
				Code:                "BadRequest",
				Message:             "query requires a query plan",
				AdditionalErrorInfo: `{"partitionedQueryExecutionInfoVersion":2}`,
			}
		}
		return s.page("default", s.DefaultPages, DefaultCharge, req.Continuation), nil
	}

	p := s.partitions[req.Range.ID]
	if p == nil {
		return nil, goneError(req.Range.ID)
	}
	idx := pageIndex(p.Range.ID, req.Continuation)
	if p.gone && idx >= p.goneAfter {
		return nil, goneError(p.Range.ID)
	}
	return s.page(p.Range.ID, p.Pages, p.charge(), req.Continuation), nil
}

func (s *Service) page(id string, pages [][]interface{}, charge float64, continuation string) *common.Page {
	idx := pageIndex(id, continuation)
	var items []interface{}
	if idx < len(pages) {
		items = pages[idx]
	}
	next := ""
	if idx+1 < len(pages) {
		next = fmt.Sprintf("%v:%d", id, idx+1)
	}
	return &common.Page{
		Items: items,
		Headers: common.Headers{
			RequestCharge: charge,
			Continuation:  next,
			ActivityID:    s.nextActivity(),
			QueryMetrics:  map[string]string{id: fmt.Sprintf("retrievedDocumentCount=%d", len(items))},
			ItemCount:     len(items),
			RequestCount:  1,
		},
	}
}

// pageIndex parses a "<range>:<page>" continuation. Continuations issued for
// another range (a split parent) start from the first page.
func pageIndex(id string, continuation string) int {
	parts := strings.SplitN(continuation, ":", 2)
	if len(parts) != 2 || parts[0] != id {
		return 0
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return idx
}

// ReadPartitionKeyRanges implements routing.RangeSource.
func (s *Service) ReadPartitionKeyRanges(ctx context.Context, collectionLink string, ifNoneMatch string) (*common.PartitionKeyRangesPage, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.rangeReads++
	etag := strconv.Itoa(s.version)
	if ifNoneMatch == etag {
		return &common.PartitionKeyRangesPage{ETag: etag, NotModified: true}, nil
	}
	since, err := strconv.Atoi(ifNoneMatch)
	incremental := ifNoneMatch != "" && err == nil
	var ranges []common.PartitionKeyRange
	for _, id := range s.topology {
		if incremental && s.addedAt[id] <= since {
			continue
		}
		ranges = append(ranges, s.partitions[id].Range)
	}
	return &common.PartitionKeyRangesPage{Ranges: ranges, ETag: etag}, nil
}

// GetQueryPlan returns the configured Plan.
func (s *Service) GetQueryPlan(ctx context.Context, collectionLink string, query *common.SQLQuery) (*common.PartitionedQueryExecutionInfo, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.planRequests++
	if s.Plan == nil {
		return nil, &common.ServiceError{StatusCode: common.StatusBadRequest, Code: "BadRequest", Message: "no plan configured"}
	}
	plan := *s.Plan
	if len(plan.QueryRanges) == 0 {
		plan.QueryRanges = []common.QueryRange{common.FullRange()}
	}
	return &plan, nil
}

// ReadChangeFeed serves Changes pages. ETags have the form "<key>:<page>".
func (s *Service) ReadChangeFeed(ctx context.Context, req *common.ChangeFeedRequest) (*common.Page, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	var key string
	var pages [][]interface{}
	if req.PartitionKey != "" {
		key = req.PartitionKey
		pages = s.PartitionKeyChanges[key]
	} else {
		p := s.partitions[req.Range.ID]
		if p == nil || p.gone {
			return nil, goneError(req.Range.ID)
		}
		key = p.Range.ID
		pages = p.Changes
	}
	idx := pageIndex(key, req.IfNoneMatch)
	headers := common.Headers{RequestCharge: DefaultCharge, ActivityID: s.nextActivity(), RequestCount: 1}
	if idx >= len(pages) {
		headers.ETag = req.IfNoneMatch
		if headers.ETag == "" {
			headers.ETag = fmt.Sprintf("%v:%d", key, idx)
		}
		return &common.Page{Headers: headers, NotModified: true}, nil
	}
	headers.ETag = fmt.Sprintf("%v:%d", key, idx+1)
	headers.ItemCount = len(pages[idx])
	return &common.Page{Items: pages[idx], Headers: headers}, nil
}

// ExecuteBatch records the request and answers every operation.
func (s *Service) ExecuteBatch(ctx context.Context, req *common.BatchRequest) (*common.BatchResponse, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.batches = append(s.batches, req)
	if req.Range.ID != "" {
		p := s.partitions[req.Range.ID]
		if p == nil || p.gone {
			return nil, goneError(req.Range.ID)
		}
	}
	resp := &common.BatchResponse{Headers: common.Headers{ActivityID: s.nextActivity(), RequestCount: 1}}
	for _, op := range req.Operations {
		status := 201
		if op.OperationType == "Read" {
			status = 200
		}
		if s.BatchStatus != nil {
			status = s.BatchStatus(req, op)
		}
		resp.Results = append(resp.Results, common.BatchOperationResult{StatusCode: status, RequestCharge: DefaultCharge, ResourceBody: op.ResourceBody})
		resp.Headers.RequestCharge += DefaultCharge
	}
	return resp, nil
}

// Items is a convenience for building pages.
func Items(items ...interface{}) []interface{} {
	return items
}

// OrderByRow wraps payload the way the service does for ORDER BY queries.
func OrderByRow(payload interface{}, orderByValues ...interface{}) map[string]interface{} {
	orderByItems := make([]interface{}, 0, len(orderByValues))
	for _, v := range orderByValues {
		orderByItems = append(orderByItems, map[string]interface{}{"item": v})
	}
	return map[string]interface{}{
		"orderByItems": orderByItems,
		"payload":      payload,
	}
}

// GroupByRow wraps payload the way the service does for GROUP BY queries.
func GroupByRow(payload interface{}, groupByValues ...interface{}) map[string]interface{} {
	groupByItems := make([]interface{}, 0, len(groupByValues))
	for _, v := range groupByValues {
		groupByItems = append(groupByItems, map[string]interface{}{"item": v})
	}
	return map[string]interface{}{
		"groupByItems": groupByItems,
		"payload":      payload,
	}
}

// JSON round trips v through encoding/json so that numbers become float64
// the way they do when decoded from the wire.
func JSON(v interface{}) interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var result interface{}
	if err := json.Unmarshal(b, &result); err != nil {
		panic(err)
	}
	return result
}
