package common

// Headers collects the response headers the engine cares about. A Headers
// value is also used as an accumulator across all of the partition calls that
// contribute to one logical page.
type Headers struct {
	RequestCharge float64
	Continuation  string
	ActivityID    string
	ETag          string
	// QueryMetrics holds the opaque metrics blob of each call, keyed by
	// partition key range id.
	QueryMetrics map[string]string
	ItemCount    int
	RequestCount int
}

// Merge folds other into h. Request charge and counters add up, query metrics
// are combined per partition and the most recent activity id wins.
// Continuation and ETag are left alone, they belong to whoever produced the
// page.
func (h *Headers) Merge(other Headers) {
	h.RequestCharge += other.RequestCharge
	h.ItemCount += other.ItemCount
	h.RequestCount += other.RequestCount
	if other.ActivityID != "" {
		h.ActivityID = other.ActivityID
	}
	if len(other.QueryMetrics) > 0 {
		if h.QueryMetrics == nil {
			h.QueryMetrics = make(map[string]string, len(other.QueryMetrics))
		}
		for partition, metrics := range other.QueryMetrics {
			h.QueryMetrics[partition] = metrics
		}
	}
}

// Take returns the accumulated headers and resets h.
func (h *Headers) Take() Headers {
	result := *h
	*h = Headers{}
	return result
}
