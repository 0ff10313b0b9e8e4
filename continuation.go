package docquery

import (
	"encoding/json"

	"github.com/getlantern/docquery/common"
)

// partitionKeyToken is the continuation of a change feed over one logical
// partition.
type partitionKeyToken struct {
	RID          string `json:"rid"`
	PartitionKey string `json:"partitionKey"`
	Continuation string `json:"Continuation"`
}

// rangeToken is the continuation of a change feed over a range of the
// effective partition key space. Each entry tracks the progress of one slice
// of that range.
type rangeToken struct {
	RID          string           `json:"rid"`
	Continuation []compositeRange `json:"Continuation"`
}

type compositeRange struct {
	MinInclusive      string `json:"minInclusive"`
	MaxExclusive      string `json:"maxExclusive"`
	ContinuationToken string `json:"continuationToken"`
}

func (cr *compositeRange) queryRange() common.QueryRange {
	return common.QueryRange{Min: cr.MinInclusive, Max: cr.MaxExclusive, IsMinInclusive: true}
}

func encodeToken(v interface{}) string {
	// tokens contain only strings, so this can't fail
	b, _ := json.Marshal(v)
	return string(b)
}

func parsePartitionKeyToken(token string, rid string, pk string) (*partitionKeyToken, error) {
	var t partitionKeyToken
	if err := json.Unmarshal([]byte(token), &t); err != nil {
		return nil, &common.ContinuationError{Token: token, Reason: err.Error()}
	}
	if t.RID != rid {
		return nil, &common.ContinuationError{Token: token, Reason: "issued for another collection"}
	}
	if t.PartitionKey != pk {
		return nil, &common.ContinuationError{Token: token, Reason: "issued for another partition key"}
	}
	return &t, nil
}

func parseRangeToken(token string, rid string) (*rangeToken, error) {
	var t rangeToken
	if err := json.Unmarshal([]byte(token), &t); err != nil {
		return nil, &common.ContinuationError{Token: token, Reason: err.Error()}
	}
	if t.RID != rid {
		return nil, &common.ContinuationError{Token: token, Reason: "issued for another collection"}
	}
	if len(t.Continuation) == 0 {
		return nil, &common.ContinuationError{Token: token, Reason: "no ranges"}
	}
	for _, cr := range t.Continuation {
		if cr.queryRange().IsEmpty() {
			return nil, &common.ContinuationError{Token: token, Reason: "empty range"}
		}
	}
	return &t, nil
}
