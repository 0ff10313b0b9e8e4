// Package metrics keeps an in-process record of the work the query engine
// does: partition fetches, request charge, repairs and plan acquisition.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/codahale/hdrhistogram"
)

const (
	// fetch latencies are tracked in microseconds between 1µs and 5 minutes
	minLatency     = 1
	maxLatency     = int64(5 * time.Minute / time.Microsecond)
	latencySigFigs = 3
)

var (
	queryStats     *QueryStats
	partitionStats map[string]*PartitionStats
	latencies      map[string]*hdrhistogram.Histogram

	mx sync.RWMutex
)

func init() {
	reset()
}

func reset() {
	queryStats = &QueryStats{}
	partitionStats = make(map[string]*PartitionStats, 0)
	latencies = make(map[string]*hdrhistogram.Histogram, 0)
}

// Reset clears all recorded stats.
func Reset() {
	mx.Lock()
	reset()
	mx.Unlock()
}

// Stats are the overall stats
type Stats struct {
	Query      QueryStats
	Partitions sortedPartitionStats
}

// QueryStats provides engine wide counters
type QueryStats struct {
	QueryPlansFetched  int
	LazyUpgrades       int
	ExecutionsStarted  int
	Repairs            int
	RUCapExceeded      int
	TotalRequestCharge float64
	LastActivity       string
}

// PartitionStats provides stats for a single partition key range
type PartitionStats struct {
	PartitionKeyRangeID string
	Fetches             int
	Items               int
	RequestCharge       float64
	Gone                int
	FetchTime           time.Duration
	FetchLatencyP50     time.Duration
	FetchLatencyP99     time.Duration
}

type sortedPartitionStats []*PartitionStats

func (s sortedPartitionStats) Len() int      { return len(s) }
func (s sortedPartitionStats) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s sortedPartitionStats) Less(i, j int) bool {
	return s[i].PartitionKeyRangeID < s[j].PartitionKeyRangeID
}

func partition(id string) *PartitionStats {
	ps := partitionStats[id]
	if ps == nil {
		ps = &PartitionStats{PartitionKeyRangeID: id}
		partitionStats[id] = ps
	}
	return ps
}

// PartitionFetched records one page fetched from a partition key range.
func PartitionFetched(id string, items int, charge float64, elapsed time.Duration) {
	mx.Lock()
	defer mx.Unlock()
	ps := partition(id)
	ps.Fetches++
	ps.Items += items
	ps.RequestCharge += charge
	ps.FetchTime += elapsed
	recordLatency(id, elapsed)
	queryStats.TotalRequestCharge += charge
	queryStats.LastActivity = time.Now().Format(time.RFC3339)
}

func recordLatency(id string, elapsed time.Duration) {
	histo := latencies[id]
	if histo == nil {
		histo = hdrhistogram.New(minLatency, maxLatency, latencySigFigs)
		latencies[id] = histo
	}
	v := int64(elapsed / time.Microsecond)
	if v < minLatency {
		v = minLatency
	} else if v > maxLatency {
		v = maxLatency
	}
	histo.RecordValue(v)
}

// PartitionGone records that a partition key range reported a split or merge.
func PartitionGone(id string) {
	mx.Lock()
	partition(id).Gone++
	mx.Unlock()
}

// Repaired records a completed repair of one producer.
func Repaired() {
	mx.Lock()
	queryStats.Repairs++
	mx.Unlock()
}

// QueryPlanFetched records a query plan acquisition.
func QueryPlanFetched() {
	mx.Lock()
	queryStats.QueryPlansFetched++
	mx.Unlock()
}

// LazyUpgrade records that a query switched to the query plan path after the
// service asked for it.
func LazyUpgrade() {
	mx.Lock()
	queryStats.LazyUpgrades++
	mx.Unlock()
}

// ExecutionStarted records the start of a cross-partition execution.
func ExecutionStarted() {
	mx.Lock()
	queryStats.ExecutionsStarted++
	mx.Unlock()
}

// RUCapExceeded records an operation aborted by its request charge cap.
func RUCapExceeded() {
	mx.Lock()
	queryStats.RUCapExceeded++
	mx.Unlock()
}

func GetStats() *Stats {
	mx.RLock()
	s := &Stats{
		Query:      *queryStats,
		Partitions: make(sortedPartitionStats, 0, len(partitionStats)),
	}

	for _, ps := range partitionStats {
		copied := *ps
		if histo := latencies[ps.PartitionKeyRangeID]; histo != nil {
			copied.FetchLatencyP50 = time.Duration(histo.ValueAtQuantile(50)) * time.Microsecond
			copied.FetchLatencyP99 = time.Duration(histo.ValueAtQuantile(99)) * time.Microsecond
		}
		s.Partitions = append(s.Partitions, &copied)
	}
	mx.RUnlock()

	sort.Sort(s.Partitions)
	return s
}
