package core

import (
	"github.com/getlantern/docquery/common"
	"github.com/getlantern/errors"
)

// aggregator folds the partial aggregates returned by each partition into a
// final value. result returns undefined when there is nothing to report.
type aggregator interface {
	aggregate(partial interface{}) error

	result() interface{}
}

func newAggregator(aggregateType common.AggregateType) (aggregator, error) {
	switch aggregateType {
	case "":
		return &firstValue{value: undefined}, nil
	case common.AggregateCount:
		return &count{}, nil
	case common.AggregateSum:
		return &sum{}, nil
	case common.AggregateMin:
		return &extremum{key: "min", better: -1, value: undefined}, nil
	case common.AggregateMax:
		return &extremum{key: "max", better: 1, value: undefined}, nil
	case common.AggregateAverage:
		return &average{}, nil
	case common.AggregateMakeList:
		return &makeList{list: make([]interface{}, 0)}, nil
	case common.AggregateMakeSet:
		return &makeSet{set: make([]interface{}, 0), seen: make(map[itemHash]bool)}, nil
	default:
		return nil, errors.New("Unsupported aggregate %v", aggregateType)
	}
}

// partialValue strips the {"item": value} envelope partitions wrap partial
// aggregates in.
func partialValue(partial interface{}) interface{} {
	if obj, ok := partial.(map[string]interface{}); ok {
		if v, found := obj["item"]; found {
			return v
		}
	}
	return partial
}

func isNumber(v interface{}) bool {
	return typeOrdinal(v) == 4
}

// firstValue keeps the first defined value, which is how non aggregate
// projections of a group are resolved.
type firstValue struct {
	value interface{}
}

func (a *firstValue) aggregate(partial interface{}) error {
	if a.value == undefined {
		a.value = partial
	}
	return nil
}

func (a *firstValue) result() interface{} {
	return a.value
}

type count struct {
	value float64
}

func (a *count) aggregate(partial interface{}) error {
	v := partialValue(partial)
	if v == undefined {
		return nil
	}
	if !isNumber(v) {
		return errors.New("Partial COUNT is not a number: %v", v)
	}
	a.value += toFloat(v)
	return nil
}

func (a *count) result() interface{} {
	return a.value
}

// sum becomes undefined for good once any partial is undefined or not a
// number.
type sum struct {
	value     float64
	seen      bool
	undefined bool
}

func (a *sum) aggregate(partial interface{}) error {
	v := partialValue(partial)
	if !isNumber(v) {
		a.undefined = true
		return nil
	}
	a.seen = true
	a.value += toFloat(v)
	return nil
}

func (a *sum) result() interface{} {
	if a.undefined || !a.seen {
		return undefined
	}
	return a.value
}

// extremum implements MIN (better -1) and MAX (better 1). Partials are either
// plain values or {min|max, count} objects whose count says whether the
// partition had any value at all.
type extremum struct {
	key    string
	better int
	value  interface{}
}

func (a *extremum) aggregate(partial interface{}) error {
	v := partialValue(partial)
	if obj, ok := v.(map[string]interface{}); ok {
		if c, hasCount := obj["count"]; hasCount {
			if toFloat(c) == 0 {
				return nil
			}
			v = field(obj, a.key)
		}
	}
	if v == undefined {
		return nil
	}
	if a.value == undefined || compare(v, a.value) == a.better {
		a.value = v
	}
	return nil
}

func (a *extremum) result() interface{} {
	return a.value
}

// average combines {sum, count} partials.
type average struct {
	sum   float64
	count float64
}

func (a *average) aggregate(partial interface{}) error {
	v := partialValue(partial)
	if v == undefined || v == nil {
		return nil
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return errors.New("Partial AVG is not a {sum, count} object: %v", v)
	}
	s, c := field(obj, "sum"), field(obj, "count")
	if !isNumber(s) || !isNumber(c) {
		return nil
	}
	a.sum += toFloat(s)
	a.count += toFloat(c)
	return nil
}

func (a *average) result() interface{} {
	if a.count == 0 {
		return undefined
	}
	return a.sum / a.count
}

type makeList struct {
	list []interface{}
}

func (a *makeList) aggregate(partial interface{}) error {
	if arr, ok := partialValue(partial).([]interface{}); ok {
		a.list = append(a.list, arr...)
	}
	return nil
}

func (a *makeList) result() interface{} {
	return a.list
}

type makeSet struct {
	set  []interface{}
	seen map[itemHash]bool
}

func (a *makeSet) aggregate(partial interface{}) error {
	arr, ok := partialValue(partial).([]interface{})
	if !ok {
		return nil
	}
	for _, v := range arr {
		hash, err := hashItem(v)
		if err != nil {
			return err
		}
		if !a.seen[hash] {
			a.seen[hash] = true
			a.set = append(a.set, v)
		}
	}
	return nil
}

func (a *makeSet) result() interface{} {
	return a.set
}
