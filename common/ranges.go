package common

import (
	"fmt"
	"sort"
)

const (
	// MinEffectivePartitionKey is the inclusive lower bound of the hashed key
	// space.
	MinEffectivePartitionKey = ""
	// MaxEffectivePartitionKey is the exclusive upper bound of the hashed key
	// space.
	MaxEffectivePartitionKey = "FF"
)

// QueryRange is a range over the effective partition key space. Ranges are
// ordered and compared lexicographically.
type QueryRange struct {
	Min            string `json:"min"`
	Max            string `json:"max"`
	IsMinInclusive bool   `json:"isMinInclusive"`
	IsMaxInclusive bool   `json:"isMaxInclusive"`
}

// FullRange covers the entire effective partition key space.
func FullRange() QueryRange {
	return QueryRange{
		Min:            MinEffectivePartitionKey,
		Max:            MaxEffectivePartitionKey,
		IsMinInclusive: true,
	}
}

// PointRange covers exactly one effective partition key.
func PointRange(epk string) QueryRange {
	return QueryRange{Min: epk, Max: epk, IsMinInclusive: true, IsMaxInclusive: true}
}

// IsEmpty reports whether the range contains no keys at all.
func (r QueryRange) IsEmpty() bool {
	if r.Min > r.Max {
		return true
	}
	return r.Min == r.Max && !(r.IsMinInclusive && r.IsMaxInclusive)
}

// Overlaps reports whether any key of the partition key range lies within r.
func (r QueryRange) Overlaps(pkr PartitionKeyRange) bool {
	if r.IsEmpty() {
		return false
	}
	if r.IsMaxInclusive {
		if pkr.MinInclusive > r.Max {
			return false
		}
	} else if pkr.MinInclusive >= r.Max {
		return false
	}
	return r.Min < pkr.MaxExclusive
}

// Clip narrows pkr to the part that lies within r, keeping its identity.
// Inclusive upper bounds are left at the partition's own bound.
func (r QueryRange) Clip(pkr PartitionKeyRange) PartitionKeyRange {
	clipped := pkr
	if r.Min > clipped.MinInclusive {
		clipped.MinInclusive = r.Min
	}
	if !r.IsMaxInclusive && r.Max < clipped.MaxExclusive {
		clipped.MaxExclusive = r.Max
	}
	return clipped
}

func (r QueryRange) String() string {
	open, close := "(", ")"
	if r.IsMinInclusive {
		open = "["
	}
	if r.IsMaxInclusive {
		close = "]"
	}
	return fmt.Sprintf("%v%q,%q%v", open, r.Min, r.Max, close)
}

// PartitionKeyRange identifies one physical partition and the slice of the
// key space it owns at a point in time.
type PartitionKeyRange struct {
	ID           string   `json:"id"`
	MinInclusive string   `json:"minInclusive"`
	MaxExclusive string   `json:"maxExclusive"`
	Parents      []string `json:"parents,omitempty"`
}

// ToQueryRange converts the partition's bounds to a QueryRange.
func (pkr PartitionKeyRange) ToQueryRange() QueryRange {
	return QueryRange{
		Min:            pkr.MinInclusive,
		Max:            pkr.MaxExclusive,
		IsMinInclusive: true,
	}
}

func (pkr PartitionKeyRange) String() string {
	return fmt.Sprintf("%v[%q,%q)", pkr.ID, pkr.MinInclusive, pkr.MaxExclusive)
}

// SortRanges orders ranges by ascending MinInclusive.
func SortRanges(ranges []PartitionKeyRange) {
	sort.SliceStable(ranges, func(i, j int) bool {
		return ranges[i].MinInclusive < ranges[j].MinInclusive
	})
}

// CoversKeySpace reports whether sorted, non-overlapping ranges cover the
// whole effective partition key space without gaps.
func CoversKeySpace(sorted []PartitionKeyRange) bool {
	expected := MinEffectivePartitionKey
	for _, r := range sorted {
		if r.MinInclusive != expected {
			return false
		}
		expected = r.MaxExclusive
	}
	return expected == MaxEffectivePartitionKey
}
