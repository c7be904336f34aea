// Package latency measures end-to-end delay from an input record's receipt
// by the splitter to an output report's emission by the resolver, grounded
// on original_source/calc_latency.py's join of an input stream's entries
// against each output stream's entries by message-id, reimplemented as an
// in-process tracker instead of a standalone offline Redis-stream scan
// (this module's broker does not expose Redis-style timestamped stream
// ids, so receipt/emission times are recorded directly by the caller).
package latency

import (
	"sort"
	"sync"
	"time"
)

// Sample is one message-id's measured latency to a particular output
// stream.
type Sample struct {
	MessageID string
	Stream    string
	Latency   time.Duration
}

// defaultMaxPending bounds how many not-yet-matched receipts Tracker holds
// at once, so a message-id whose output never arrives (or a caller that
// forgets to drain Tracker) does not grow it without bound in a
// long-running process.
const defaultMaxPending = 10000

// Tracker correlates an input record's receipt time with the emission time
// of every output report derived from it.
type Tracker struct {
	mu         sync.Mutex
	received   map[string]time.Time
	order      []string
	maxPending int
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return newTrackerWithCapacity(defaultMaxPending)
}

func newTrackerWithCapacity(maxPending int) *Tracker {
	return &Tracker{received: map[string]time.Time{}, maxPending: maxPending}
}

// RecordReceived marks messageID as having been observed by the splitter
// at t. calc_latency.py's analog is the input stream's xrange entry. If
// this pushes the number of pending (unmatched) receipts past the
// tracker's capacity, the oldest receipt is evicted first.
func (trk *Tracker) RecordReceived(messageID string, t time.Time) {
	trk.mu.Lock()
	defer trk.mu.Unlock()

	if _, exists := trk.received[messageID]; !exists {
		trk.order = append(trk.order, messageID)
	}
	trk.received[messageID] = t

	for trk.maxPending > 0 && len(trk.order) > trk.maxPending {
		oldest := trk.order[0]
		trk.order = trk.order[1:]
		delete(trk.received, oldest)
	}
}

// RecordEmitted reports messageID having been emitted on stream at t, and
// returns the Sample measuring the delta since RecordReceived was called
// for the same message-id. ok is false if no receipt was ever recorded,
// mirroring calc_latency.py silently skipping a message-id it has no input
// timestamp for.
func (trk *Tracker) RecordEmitted(stream, messageID string, t time.Time) (Sample, bool) {
	trk.mu.Lock()
	receivedAt, ok := trk.received[messageID]
	trk.mu.Unlock()
	if !ok {
		return Sample{}, false
	}
	return Sample{MessageID: messageID, Stream: stream, Latency: t.Sub(receivedAt)}, true
}

// Stats summarizes a set of samples the way calc_latency.py reports them:
// message count, median, mean, and 90th-percentile latency.
type Stats struct {
	Count   int
	Median  time.Duration
	Average time.Duration
	P90     time.Duration
}

// Summarize computes Stats over samples. An empty input returns a zero
// Stats.
func Summarize(samples []Sample) Stats {
	if len(samples) == 0 {
		return Stats{}
	}

	sorted := make([]time.Duration, len(samples))
	var total time.Duration
	for i, s := range samples {
		sorted[i] = s.Latency
		total += s.Latency
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	p90 := int(float64(n) * 0.9)
	if p90 >= n {
		p90 = n - 1
	}

	return Stats{
		Count:   n,
		Median:  sorted[n/2],
		Average: total / time.Duration(n),
		P90:     sorted[p90],
	}
}
