// Package common holds the data model shared by the routing, execution and
// transport layers.
package common

import (
	"time"
)

// DiagnosticLevel controls how much detail the engine logs about the work it
// does on behalf of a query.
type DiagnosticLevel int

const (
	// DiagnosticInfo logs plan acquisition, repairs and terminal errors.
	DiagnosticInfo DiagnosticLevel = iota
	// DiagnosticDebug additionally logs every partition fetch with timings.
	DiagnosticDebug
	// DiagnosticDebugUnsafe additionally logs query text and parameters.
	DiagnosticDebugUnsafe
)

// DefaultDiagnosticLevel is used whenever no level is configured.
const DefaultDiagnosticLevel = DiagnosticInfo

func (l DiagnosticLevel) String() string {
	switch l {
	case DiagnosticDebug:
		return "debug"
	case DiagnosticDebugUnsafe:
		return "debug-unsafe"
	default:
		return "info"
	}
}

// ParseDiagnosticLevel parses the textual form produced by String. Unknown
// values map to DefaultDiagnosticLevel.
func ParseDiagnosticLevel(s string) DiagnosticLevel {
	switch s {
	case "debug":
		return DiagnosticDebug
	case "debug-unsafe":
		return DiagnosticDebugUnsafe
	default:
		return DefaultDiagnosticLevel
	}
}

// Parameter is a named query parameter.
type Parameter struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// SQLQuery is a query with optional parameters, in the shape the service
// accepts as a request body.
type SQLQuery struct {
	Query      string      `json:"query"`
	Parameters []Parameter `json:"parameters,omitempty"`
}

// WithText returns a copy of the query with different text and the same
// parameters.
func (q *SQLQuery) WithText(text string) *SQLQuery {
	return &SQLQuery{Query: text, Parameters: q.Parameters}
}

// PageRequest asks the service for one page of a query's results.
type PageRequest struct {
	CollectionLink string
	Query          *SQLQuery
	// Range is the target partition key range. A zero Range (empty ID) means
	// the service routes the request itself.
	Range        PartitionKeyRange
	Continuation string
	MaxItemCount int
	// PartitionKey is the JSON encoded partition key for single partition
	// queries, or empty.
	PartitionKey         string
	EnableCrossPartition bool
}

// Page is one page of results plus the headers of the call that produced it.
type Page struct {
	Items       []interface{}
	Headers     Headers
	NotModified bool
}

// PartitionKeyRangesPage is the answer to a (possibly incremental) read of a
// collection's partition key ranges.
type PartitionKeyRangesPage struct {
	Ranges      []PartitionKeyRange
	ETag        string
	NotModified bool
}

// ChangeFeedRequest asks for the next page of changes on one partition key or
// one partition key range.
type ChangeFeedRequest struct {
	CollectionLink     string
	PartitionKey       string
	Range              PartitionKeyRange
	StartEPK           string
	EndEPK             string
	IfNoneMatch        string
	StartFromBeginning bool
	StartTime          time.Time
	MaxItemCount       int
}

// BatchOperation is the wire form of one operation within a batch request.
type BatchOperation struct {
	OperationType string      `json:"operationType"`
	ID            string      `json:"id,omitempty"`
	PartitionKey  string      `json:"partitionKey,omitempty"`
	ResourceBody  interface{} `json:"resourceBody,omitempty"`
	IfMatch       string      `json:"ifMatch,omitempty"`
}

// BatchRequest carries a group of operations bound for one partition key (an
// atomic batch) or one partition key range (a bulk chunk).
type BatchRequest struct {
	CollectionLink string
	PartitionKey   string
	Range          PartitionKeyRange
	Atomic         bool
	Operations     []BatchOperation
}

// BatchOperationResult is the service's answer for one operation.
type BatchOperationResult struct {
	StatusCode    int         `json:"statusCode"`
	SubStatusCode int         `json:"subStatusCode,omitempty"`
	RequestCharge float64     `json:"requestCharge"`
	ETag          string      `json:"eTag,omitempty"`
	ResourceBody  interface{} `json:"resourceBody,omitempty"`
}

// BatchResponse is the answer to a BatchRequest.
type BatchResponse struct {
	Results []BatchOperationResult
	Headers Headers
}
