package onchain

import (
	"sync"

	"tradecore-settlement/services/revenue"
)

// logThrottle bounds failure-log volume per stream: every consecutive failure
// logs for the first few, then every 10th, then every 100th. State is
// in-process only; losing it on restart just resets the cadence.
type logThrottle struct {
	mu     sync.Mutex
	counts map[revenue.StreamID]int
	firstN int
}

func newLogThrottle(firstN int) *logThrottle {
	if firstN <= 0 {
		firstN = 3
	}
	return &logThrottle{
		counts: make(map[revenue.StreamID]int),
		firstN: firstN,
	}
}

// shouldLog counts one failure for the stream and reports whether it should
// be logged.
func (t *logThrottle) shouldLog(stream revenue.StreamID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[stream]++
	n := t.counts[stream]

	switch {
	case n <= t.firstN:
		return true
	case n <= 100:
		return n%10 == 0
	default:
		return n%100 == 0
	}
}

// reset clears the stream's failure run after a successful delivery.
func (t *logThrottle) reset(stream revenue.StreamID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, stream)
}
