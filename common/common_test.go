package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryRangeOverlaps(t *testing.T) {
	pkr := PartitionKeyRange{ID: "1", MinInclusive: "G", MaxExclusive: "M"}

	assert.True(t, FullRange().Overlaps(pkr))
	assert.True(t, QueryRange{Min: "A", Max: "H", IsMinInclusive: true}.Overlaps(pkr))
	assert.True(t, QueryRange{Min: "L", Max: "Z", IsMinInclusive: true}.Overlaps(pkr))
	assert.False(t, QueryRange{Min: "A", Max: "G", IsMinInclusive: true}.Overlaps(pkr), "exclusive max at partition min should not overlap")
	assert.True(t, QueryRange{Min: "A", Max: "G", IsMinInclusive: true, IsMaxInclusive: true}.Overlaps(pkr), "inclusive max at partition min should overlap")
	assert.False(t, QueryRange{Min: "M", Max: "Z", IsMinInclusive: true}.Overlaps(pkr), "partition max is exclusive")
	assert.True(t, PointRange("H").Overlaps(pkr))
	assert.False(t, QueryRange{Min: "H", Max: "H", IsMinInclusive: true}.Overlaps(pkr), "empty range overlaps nothing")
}

func TestQueryRangeClip(t *testing.T) {
	pkr := PartitionKeyRange{ID: "1", MinInclusive: "A", MaxExclusive: "M"}

	assert.Equal(t, pkr, FullRange().Clip(pkr))
	assert.Equal(t, PartitionKeyRange{ID: "1", MinInclusive: "B", MaxExclusive: "C"},
		QueryRange{Min: "B", Max: "C", IsMinInclusive: true}.Clip(pkr))
	assert.Equal(t, PartitionKeyRange{ID: "1", MinInclusive: "C", MaxExclusive: "M"},
		PointRange("C").Clip(pkr))
}

func TestCoversKeySpace(t *testing.T) {
	full := []PartitionKeyRange{
		{ID: "0", MinInclusive: "", MaxExclusive: "80"},
		{ID: "1", MinInclusive: "80", MaxExclusive: "FF"},
	}
	assert.True(t, CoversKeySpace(full))
	assert.False(t, CoversKeySpace(full[:1]))
	assert.False(t, CoversKeySpace(nil))
}

func TestSortRanges(t *testing.T) {
	ranges := []PartitionKeyRange{
		{ID: "2", MinInclusive: "M"},
		{ID: "0", MinInclusive: "A"},
		{ID: "1", MinInclusive: "G"},
	}
	SortRanges(ranges)
	assert.Equal(t, "0", ranges[0].ID)
	assert.Equal(t, "1", ranges[1].ID)
	assert.Equal(t, "2", ranges[2].ID)
}

func TestHeadersMerge(t *testing.T) {
	var acc Headers
	acc.Merge(Headers{RequestCharge: 1.5, ActivityID: "a", ItemCount: 2, RequestCount: 1, QueryMetrics: map[string]string{"0": "m0"}})
	acc.Merge(Headers{RequestCharge: 2.5, ActivityID: "b", ItemCount: 3, RequestCount: 1, QueryMetrics: map[string]string{"1": "m1"}, Continuation: "ignored"})
	assert.Equal(t, 4.0, acc.RequestCharge)
	assert.Equal(t, "b", acc.ActivityID)
	assert.Equal(t, 5, acc.ItemCount)
	assert.Equal(t, 2, acc.RequestCount)
	assert.Equal(t, map[string]string{"0": "m0", "1": "m1"}, acc.QueryMetrics)
	assert.Empty(t, acc.Continuation, "continuation should not be merged")

	taken := acc.Take()
	assert.Equal(t, 4.0, taken.RequestCharge)
	assert.Equal(t, Headers{}, acc)
}

func TestServiceErrorClassification(t *testing.T) {
	gone := &ServiceError{StatusCode: StatusGone, SubStatusCode: SubStatusPartitionKeyRangeGone}
	splitting := &ServiceError{StatusCode: StatusGone, SubStatusCode: SubStatusCompletingSplit}
	throttled := &ServiceError{StatusCode: StatusTooManyRequests}
	plain410 := &ServiceError{StatusCode: StatusGone}

	assert.True(t, IsPartitionGone(gone))
	assert.True(t, IsPartitionGone(fmt.Errorf("wrapped: %w", splitting)))
	assert.False(t, IsPartitionGone(throttled), "429 is not a split")
	assert.False(t, IsPartitionGone(plain410))
	assert.False(t, IsPartitionGone(errors.New("other")))

	assert.True(t, IsNeedsQueryPlan(&ServiceError{StatusCode: StatusBadRequest, AdditionalErrorInfo: `{"partitionedQueryExecutionInfoVersion":2,"queryInfo":{}}`}))
	assert.False(t, IsNeedsQueryPlan(&ServiceError{StatusCode: StatusBadRequest, AdditionalErrorInfo: `{"innerErrors":["bad field"]}`}), "unrelated details are not a plan request")
	assert.False(t, IsNeedsQueryPlan(&ServiceError{StatusCode: StatusBadRequest, AdditionalErrorInfo: "{}"}))
	assert.False(t, IsNeedsQueryPlan(&ServiceError{StatusCode: StatusNotFound, AdditionalErrorInfo: `{"partitionedQueryExecutionInfoVersion":2}`}))
	assert.True(t, IsNeedsQueryPlan(&ServiceError{StatusCode: StatusBadRequest, Message: "Message: " + needsQueryPlanMessage}))
	assert.False(t, IsNeedsQueryPlan(&ServiceError{StatusCode: StatusBadRequest, Message: "syntax error"}))

	assert.True(t, IsRetryable(&PartitionSplitError{Cause: gone}))
	assert.False(t, IsRetryable(gone))
}

func TestQueryInfo(t *testing.T) {
	five, ten := 5, 10
	qi := &QueryInfo{Top: &ten, Limit: &five, Offset: &five}
	limit, ok := qi.EffectiveLimit()
	assert.True(t, ok)
	assert.Equal(t, 5, limit)
	assert.Equal(t, 5, qi.EffectiveOffset())

	qi = &QueryInfo{}
	_, ok = qi.EffectiveLimit()
	assert.False(t, ok)
	assert.Equal(t, 0, qi.EffectiveOffset())

	qi = &QueryInfo{Aggregates: []AggregateType{AggregateCount}}
	assert.Equal(t, ErrAggregateWithoutValue, qi.ValidateAggregates())
	qi.HasSelectValue = true
	assert.NoError(t, qi.ValidateAggregates())

	qi = &QueryInfo{RewrittenQuery: "SELECT * FROM c WHERE {documentdb-formattableorderbyquery-filter} ORDER BY c.x"}
	q := qi.ExecutableQuery(&SQLQuery{Query: "orig", Parameters: []Parameter{{Name: "@a", Value: 1}}})
	assert.Equal(t, "SELECT * FROM c WHERE true ORDER BY c.x", q.Query)
	assert.Len(t, q.Parameters, 1)
}

func TestDecodeQueryPlan(t *testing.T) {
	raw := `{
		"partitionedQueryExecutionInfoVersion": 2,
		"queryInfo": {
			"distinctType": "Ordered",
			"top": null,
			"offset": 1,
			"limit": 2,
			"orderBy": ["Descending"],
			"orderByExpressions": ["c.ts"],
			"groupByExpressions": [],
			"groupByAliases": [],
			"aggregates": [],
			"groupByAliasToAggregateType": {},
			"rewrittenQuery": "SELECT c._rid, [{\"item\": c.ts}] AS orderByItems, c AS payload FROM c WHERE {documentdb-formattableorderbyquery-filter} ORDER BY c.ts DESC",
			"hasSelectValue": false,
			"hasNonStreamingOrderBy": false
		},
		"queryRanges": [{"min": "", "max": "FF", "isMinInclusive": true, "isMaxInclusive": false}]
	}`
	var plan PartitionedQueryExecutionInfo
	require.NoError(t, json.Unmarshal([]byte(raw), &plan))

	one, two := 1, 2
	expected := PartitionedQueryExecutionInfo{
		Version: 2,
		QueryInfo: QueryInfo{
			DistinctType:                DistinctOrdered,
			Offset:                      &one,
			Limit:                       &two,
			OrderBy:                     []SortOrder{Descending},
			OrderByExpressions:          []string{"c.ts"},
			GroupByExpressions:          []string{},
			GroupByAliases:              []string{},
			Aggregates:                  []AggregateType{},
			GroupByAliasToAggregateType: map[string]AggregateType{},
			RewrittenQuery:              `SELECT c._rid, [{"item": c.ts}] AS orderByItems, c AS payload FROM c WHERE {documentdb-formattableorderbyquery-filter} ORDER BY c.ts DESC`,
		},
		QueryRanges: []QueryRange{FullRange()},
	}
	assert.Empty(t, pretty.Compare(expected, plan))
	assert.True(t, plan.QueryInfo.HasOrderBy())
	assert.False(t, plan.QueryInfo.IsGroupBy())
}
