package core

import (
	"encoding/json"
)

// undefinedValue stands in for a value that is absent from a document, which
// sorts before every other value including null.
type undefinedValue struct{}

var undefined = undefinedValue{}

// typeOrdinal ranks JSON types in the order the service sorts them.
func typeOrdinal(v interface{}) int {
	switch v.(type) {
	case undefinedValue:
		return 0
	case nil:
		return 1
	case bool:
		return 2
	case float64, json.Number, int, int64, int32, uint64, float32:
		return 4
	case string:
		return 5
	case []interface{}:
		return 6
	case map[string]interface{}:
		return 7
	default:
		return 8
	}
}

func toFloat(v interface{}) float64 {
	switch tv := v.(type) {
	case float64:
		return tv
	case float32:
		return float64(tv)
	case int:
		return float64(tv)
	case int32:
		return float64(tv)
	case int64:
		return float64(tv)
	case uint64:
		return float64(tv)
	case json.Number:
		f, _ := tv.Float64()
		return f
	}
	return 0
}

// compare orders two decoded JSON values. Values of different types order by
// type, values of the same primitive type by value. Arrays and objects of the
// same type compare equal.
func compare(a interface{}, b interface{}) int {
	ta, tb := typeOrdinal(a), typeOrdinal(b)
	if ta != tb {
		if ta < tb {
			return -1
		}
		return 1
	}

	switch va := a.(type) {
	case bool:
		vb := b.(bool)
		if va && !vb {
			return 1
		}
		if !va && vb {
			return -1
		}
	case string:
		vb := b.(string)
		if va > vb {
			return 1
		}
		if va < vb {
			return -1
		}
	default:
		if ta == 4 {
			fa, fb := toFloat(a), toFloat(b)
			if fa > fb {
				return 1
			}
			if fa < fb {
				return -1
			}
		}
	}

	return 0
}

// field returns the named member of an object, or undefined.
func field(item interface{}, name string) interface{} {
	obj, ok := item.(map[string]interface{})
	if !ok {
		return undefined
	}
	v, found := obj[name]
	if !found {
		return undefined
	}
	return v
}

// wrappedItems unwraps a list of {"item": value} envelopes.
func wrappedItems(list interface{}) []interface{} {
	arr, ok := list.([]interface{})
	if !ok {
		return nil
	}
	result := make([]interface{}, 0, len(arr))
	for _, el := range arr {
		result = append(result, field(el, "item"))
	}
	return result
}
