package common

import (
	"errors"
	"fmt"
	"strings"
)

const (
	StatusNotModified     = 304
	StatusBadRequest      = 400
	StatusNotFound        = 404
	StatusGone            = 410
	StatusTooManyRequests = 429

	SubStatusPartitionKeyRangeGone = 1002
	SubStatusCompletingSplit       = 1007
	SubStatusCompletingMigration   = 1008

	// MaxOperationsPerBatch caps the size of one transactional batch.
	MaxOperationsPerBatch = 100
)

// needsQueryPlanMessage is returned by older gateways in place of
// additionalErrorInfo when a query has to run with a plan.
const needsQueryPlanMessage = "Cross partition query only supports 'VALUE <AggregateFunc>' for aggregates"

// queryPlanInfoMarker is the member of additionalErrorInfo that carries the
// query plan the service wants the client to execute.
const queryPlanInfoMarker = "partitionedQueryExecutionInfoVersion"

var (
	// ErrCrossPartitionContinuation is returned when a continuation token is
	// supplied for a query that fans out over more than one partition.
	ErrCrossPartitionContinuation = errors.New("Continuation tokens are not yet supported for cross partition queries")

	// ErrAggregateWithoutValue is returned for aggregate queries that don't
	// project with VALUE.
	ErrAggregateWithoutValue = errors.New("Aggregate queries must use the VALUE keyword")

	// ErrTooManyOperations is returned for batches larger than
	// MaxOperationsPerBatch.
	ErrTooManyOperations = fmt.Errorf("Batch request may contain at most %d operations", MaxOperationsPerBatch)

	// ErrNonStreamingOrderByWithoutOrderBy indicates a malformed query plan.
	ErrNonStreamingOrderByWithoutOrderBy = errors.New("Non-streaming ORDER BY plan has no ORDER BY columns")
)

// ServiceError is a non-success answer from the service.
type ServiceError struct {
	StatusCode          int
	SubStatusCode       int
	Code                string
	Message             string
	AdditionalErrorInfo string
	Headers             Headers
}

func (e *ServiceError) Error() string {
	if e.SubStatusCode != 0 {
		return fmt.Sprintf("%d/%d %v: %v", e.StatusCode, e.SubStatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%d %v: %v", e.StatusCode, e.Code, e.Message)
}

// IsPartitionGone reports whether the partition targeted by the call has split
// or merged.
func (e *ServiceError) IsPartitionGone() bool {
	if e.StatusCode != StatusGone {
		return false
	}
	switch e.SubStatusCode {
	case SubStatusPartitionKeyRangeGone, SubStatusCompletingSplit, SubStatusCompletingMigration:
		return true
	}
	return false
}

// IsThrottled reports whether the service rejected the call for exceeding its
// provisioned throughput.
func (e *ServiceError) IsThrottled() bool {
	return e.StatusCode == StatusTooManyRequests
}

// NeedsQueryPlan reports whether the service refused to run the query without
// client side cross-partition handling.
func (e *ServiceError) NeedsQueryPlan() bool {
	if e.StatusCode != StatusBadRequest {
		return false
	}
	return strings.Contains(e.AdditionalErrorInfo, queryPlanInfoMarker) || strings.Contains(e.Message, needsQueryPlanMessage)
}

// IsPartitionGone reports whether err is (or wraps) a partition gone
// ServiceError.
func IsPartitionGone(err error) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.IsPartitionGone()
}

// IsNeedsQueryPlan reports whether err asks for the query plan path.
func IsNeedsQueryPlan(err error) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.NeedsQueryPlan()
}

// PartitionSplitError is surfaced when a partition split could not be repaired
// at the layer that hit it. Retrying the whole operation is safe.
type PartitionSplitError struct {
	Cause error
}

func (e *PartitionSplitError) Error() string {
	return fmt.Sprintf("partition split or merge detected, retry the operation: %v", e.Cause)
}

func (e *PartitionSplitError) Unwrap() error {
	return e.Cause
}

// Retryable is always true for a PartitionSplitError.
func (e *PartitionSplitError) Retryable() bool {
	return true
}

// RUCapExceededError is returned once the request charge of one logical
// operation exceeds the configured cap. It carries every item fetched so far
// so that the caller may keep the partial work.
type RUCapExceededError struct {
	Limit          float64
	Consumed       float64
	FetchedResults []interface{}
	Headers        Headers
}

func (e *RUCapExceededError) Error() string {
	return fmt.Sprintf("request charge %.2f exceeds the per operation cap of %.2f (%d results fetched)", e.Consumed, e.Limit, len(e.FetchedResults))
}

// WithResults returns a copy of e that carries results in place of its fetched
// results.
func (e *RUCapExceededError) WithResults(results []interface{}) *RUCapExceededError {
	c := *e
	c.FetchedResults = results
	return &c
}

// AsRUCapExceeded finds the *RUCapExceededError in err's chain.
func AsRUCapExceeded(err error) (*RUCapExceededError, bool) {
	var capErr *RUCapExceededError
	ok := errors.As(err, &capErr)
	return capErr, ok
}

// ContinuationError indicates a malformed or mismatched continuation token.
type ContinuationError struct {
	Token  string
	Reason string
}

func (e *ContinuationError) Error() string {
	return fmt.Sprintf("invalid continuation token %q: %v", e.Token, e.Reason)
}

// IsRetryable reports whether the caller may safely retry the operation that
// produced err.
func IsRetryable(err error) bool {
	var se *PartitionSplitError
	return errors.As(err, &se)
}
