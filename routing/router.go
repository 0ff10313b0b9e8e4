// Package routing resolves which partition key ranges of a collection overlap
// a given range of the effective partition key space.
package routing

import (
	"context"
	"sort"

	"github.com/getlantern/docquery/common"
	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/mtime"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheSize is the number of collections whose routing maps are
	// cached when no size is configured.
	DefaultCacheSize = 1000
)

var (
	log = golog.LoggerFor("docquery.routing")
)

// RangeSource reads the partition key ranges of a collection. A non-empty
// ifNoneMatch asks only for the ranges added since that etag.
type RangeSource interface {
	ReadPartitionKeyRanges(ctx context.Context, collectionLink string, ifNoneMatch string) (*common.PartitionKeyRangesPage, error)
}

// Opts configures a Router.
type Opts struct {
	// Source is where partition key ranges are read from.
	Source RangeSource
	// CacheSize bounds the number of collections with a cached routing map.
	CacheSize int
}

// Router answers "which partitions overlap this range" for any number of
// collections. Routing maps are immutable snapshots, so a refresh never
// disturbs a query that is still reading the previous snapshot.
type Router struct {
	source RangeSource
	cache  *lru.Cache
	group  singleflight.Group
}

// New constructs a Router.
func New(opts *Opts) (*Router, error) {
	if opts.Source == nil {
		return nil, errors.New("routing requires a RangeSource")
	}
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, errors.New("Unable to create routing map cache: %v", err)
	}
	return &Router{source: opts.Source, cache: cache}, nil
}

// GetOverlappingRanges returns the partition key ranges that overlap qr,
// ordered by ascending MinInclusive and clipped to qr. With forceRefresh the
// routing map is refreshed from the service first.
func (r *Router) GetOverlappingRanges(ctx context.Context, collectionLink string, qr common.QueryRange, forceRefresh bool) ([]common.PartitionKeyRange, error) {
	rm, err := r.routingMap(ctx, collectionLink, forceRefresh)
	if err != nil {
		return nil, err
	}
	return rm.overlapping(qr), nil
}

// Invalidate drops the cached routing map of a collection.
func (r *Router) Invalidate(collectionLink string) {
	r.cache.Remove(collectionLink)
}

func (r *Router) cached(collectionLink string) *routingMap {
	cached, found := r.cache.Get(collectionLink)
	if !found {
		return nil
	}
	return cached.(*routingMap)
}

func (r *Router) routingMap(ctx context.Context, collectionLink string, forceRefresh bool) (*routingMap, error) {
	if !forceRefresh {
		if rm := r.cached(collectionLink); rm != nil {
			return rm, nil
		}
	}
	result, err, _ := r.group.Do(collectionLink, func() (interface{}, error) {
		return r.refresh(ctx, collectionLink)
	})
	if err != nil {
		return nil, err
	}
	return result.(*routingMap), nil
}

func (r *Router) refresh(ctx context.Context, collectionLink string) (*routingMap, error) {
	elapsed := mtime.Stopwatch()
	previous := r.cached(collectionLink)
	etag := ""
	if previous != nil {
		etag = previous.etag
	}

	page, err := r.source.ReadPartitionKeyRanges(ctx, collectionLink, etag)
	if err != nil {
		return nil, err
	}

	var rm *routingMap
	switch {
	case previous != nil && page.NotModified:
		rm = previous
	case previous != nil:
		rm = previous.combine(page.Ranges, page.ETag)
		if !rm.spans(previous) {
			log.Debugf("Incremental ranges for %v did not produce a complete map, reading all ranges", collectionLink)
			page, err = r.source.ReadPartitionKeyRanges(ctx, collectionLink, "")
			if err != nil {
				return nil, err
			}
			rm = newRoutingMap(page.Ranges, page.ETag)
		}
	default:
		rm = newRoutingMap(page.Ranges, page.ETag)
	}

	r.cache.Add(collectionLink, rm)
	log.Debugf("Refreshed routing map for %v in %v: %d ranges", collectionLink, elapsed(), len(rm.ranges))
	return rm, nil
}

// routingMap is an immutable, sorted snapshot of a collection's ranges.
type routingMap struct {
	ranges []common.PartitionKeyRange
	etag   string
}

func newRoutingMap(ranges []common.PartitionKeyRange, etag string) *routingMap {
	sorted := make([]common.PartitionKeyRange, len(ranges))
	copy(sorted, ranges)
	common.SortRanges(sorted)
	return &routingMap{ranges: sorted, etag: etag}
}

// combine layers incrementally read ranges on top of rm. Ranges named as
// parents of a new range are retired, everything else is kept.
func (rm *routingMap) combine(added []common.PartitionKeyRange, etag string) *routingMap {
	retired := make(map[string]bool)
	for _, r := range added {
		retired[r.ID] = true
		for _, parent := range r.Parents {
			retired[parent] = true
		}
	}
	combined := make([]common.PartitionKeyRange, 0, len(rm.ranges)+len(added))
	for _, r := range rm.ranges {
		if !retired[r.ID] {
			combined = append(combined, r)
		}
	}
	combined = append(combined, added...)
	if etag == "" {
		etag = rm.etag
	}
	return newRoutingMap(combined, etag)
}

// spans reports whether rm is contiguous and covers the same span of the key
// space as other.
func (rm *routingMap) spans(other *routingMap) bool {
	if len(rm.ranges) == 0 || len(other.ranges) == 0 {
		return len(rm.ranges) == len(other.ranges)
	}
	for i := 1; i < len(rm.ranges); i++ {
		if rm.ranges[i].MinInclusive != rm.ranges[i-1].MaxExclusive {
			return false
		}
	}
	return rm.ranges[0].MinInclusive == other.ranges[0].MinInclusive &&
		rm.ranges[len(rm.ranges)-1].MaxExclusive == other.ranges[len(other.ranges)-1].MaxExclusive
}

func (rm *routingMap) overlapping(qr common.QueryRange) []common.PartitionKeyRange {
	if qr.IsEmpty() {
		return nil
	}
	start := sort.Search(len(rm.ranges), func(i int) bool {
		return rm.ranges[i].MaxExclusive > qr.Min
	})
	var result []common.PartitionKeyRange
	for _, r := range rm.ranges[start:] {
		if !qr.Overlaps(r) {
			if r.MinInclusive > qr.Max {
				break
			}
			continue
		}
		result = append(result, qr.Clip(r))
	}
	return result
}
