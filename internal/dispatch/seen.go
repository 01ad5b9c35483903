package dispatch

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// SeenFilter is an in-memory bloom filter fronting the request record table.
// A negative answer proves the request id was never recorded by this process,
// letting the hot path skip a storage lookup; positives are only advisory and
// always fall through to the store. The filter is advisory across instances
// too: a miss for a record written elsewhere is caught by the unique
// constraint at commit time.
type SeenFilter struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

// NewSeenFilter sizes the filter for the expected number of request records
// and target false-positive rate.
func NewSeenFilter(capacity uint, fpr float64) *SeenFilter {
	return &SeenFilter{filter: bloom.NewWithEstimates(capacity, fpr)}
}

// MaybeSeen reports whether (requestID, command) may have been recorded.
func (f *SeenFilter) MaybeSeen(requestID, command string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter.TestString(requestID + "\x00" + command)
}

// Add marks (requestID, command) as recorded.
func (f *SeenFilter) Add(requestID, command string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter.AddString(requestID + "\x00" + command)
}
