package common

import (
	"strings"
)

// SortOrder is the direction of one ORDER BY column.
type SortOrder string

const (
	Ascending  SortOrder = "Ascending"
	Descending SortOrder = "Descending"
)

// DistinctType describes what kind of DISTINCT a query needs.
type DistinctType string

const (
	DistinctNone      DistinctType = "None"
	DistinctOrdered   DistinctType = "Ordered"
	DistinctUnordered DistinctType = "Unordered"
)

// AggregateType names an aggregate function. The zero value means "not an
// aggregate".
type AggregateType string

const (
	AggregateAverage  AggregateType = "Average"
	AggregateCount    AggregateType = "Count"
	AggregateMax      AggregateType = "Max"
	AggregateMin      AggregateType = "Min"
	AggregateSum      AggregateType = "Sum"
	AggregateMakeList AggregateType = "MakeList"
	AggregateMakeSet  AggregateType = "MakeSet"
)

// orderByFilterPlaceholder appears in rewritten ORDER BY queries and is
// replaced by a resume filter when continuing from a token.
const orderByFilterPlaceholder = "{documentdb-formattableorderbyquery-filter}"

// QueryInfo is the part of the query plan that shapes client side execution.
type QueryInfo struct {
	DistinctType                DistinctType             `json:"distinctType"`
	Top                         *int                     `json:"top"`
	Offset                      *int                     `json:"offset"`
	Limit                       *int                     `json:"limit"`
	OrderBy                     []SortOrder              `json:"orderBy"`
	OrderByExpressions          []string                 `json:"orderByExpressions"`
	GroupByExpressions          []string                 `json:"groupByExpressions"`
	GroupByAliases              []string                 `json:"groupByAliases"`
	Aggregates                  []AggregateType          `json:"aggregates"`
	GroupByAliasToAggregateType map[string]AggregateType `json:"groupByAliasToAggregateType"`
	RewrittenQuery              string                   `json:"rewrittenQuery"`
	HasSelectValue              bool                     `json:"hasSelectValue"`
	HasNonStreamingOrderBy      bool                     `json:"hasNonStreamingOrderBy"`
}

// PartitionedQueryExecutionInfo is the query plan computed by the service.
type PartitionedQueryExecutionInfo struct {
	Version     int          `json:"partitionedQueryExecutionInfoVersion"`
	QueryInfo   QueryInfo    `json:"queryInfo"`
	QueryRanges []QueryRange `json:"queryRanges"`
}

// HasOrderBy reports whether the plan sorts across partitions.
func (qi *QueryInfo) HasOrderBy() bool {
	return len(qi.OrderBy) > 0
}

// IsGroupBy reports whether the plan needs client side grouping, which
// includes plain aggregates.
func (qi *QueryInfo) IsGroupBy() bool {
	return len(qi.GroupByExpressions) > 0 || len(qi.Aggregates) > 0 || len(qi.GroupByAliasToAggregateType) > 0
}

// HasDistinct reports whether the plan needs client side DISTINCT.
func (qi *QueryInfo) HasDistinct() bool {
	return qi.DistinctType == DistinctOrdered || qi.DistinctType == DistinctUnordered
}

// EffectiveLimit combines TOP and LIMIT. ok is false when neither is set.
func (qi *QueryInfo) EffectiveLimit() (limit int, ok bool) {
	switch {
	case qi.Limit != nil && qi.Top != nil:
		limit = *qi.Limit
		if *qi.Top < limit {
			limit = *qi.Top
		}
		return limit, true
	case qi.Limit != nil:
		return *qi.Limit, true
	case qi.Top != nil:
		return *qi.Top, true
	default:
		return 0, false
	}
}

// EffectiveOffset returns the OFFSET of the query or 0.
func (qi *QueryInfo) EffectiveOffset() int {
	if qi.Offset == nil {
		return 0
	}
	return *qi.Offset
}

// ValidateAggregates enforces that plain aggregate queries project with VALUE.
func (qi *QueryInfo) ValidateAggregates() error {
	if len(qi.Aggregates) > 0 && len(qi.GroupByExpressions) == 0 && len(qi.GroupByAliasToAggregateType) == 0 && !qi.HasSelectValue {
		return ErrAggregateWithoutValue
	}
	return nil
}

// ExecutableQuery returns the query each partition should run: the rewritten
// query when the plan has one, otherwise the original text.
func (qi *QueryInfo) ExecutableQuery(original *SQLQuery) *SQLQuery {
	if qi.RewrittenQuery == "" {
		return original
	}
	return original.WithText(strings.Replace(qi.RewrittenQuery, orderByFilterPlaceholder, "true", -1))
}
