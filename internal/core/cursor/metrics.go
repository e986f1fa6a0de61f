package cursor

import (
	"sync"
	"time"
)

// historySize is how many phase changes GetMetrics reports.
const historySize = 10

// Metrics summarizes ingestion progress for one chain.
type Metrics struct {
	BlocksPerSecond  float64
	AverageBlockTime time.Duration
	// Rollbacks counts entries into the reorg phase since start.
	Rollbacks      int
	LastRollbackAt *time.Time
	LastHaltReason string
	StateHistory   []Transition
}

// MetricsCollector keeps the advance times of the last accepted blocks in a
// ring and a short phase history. DefaultManager keeps one per chain.
type MetricsCollector struct {
	mu sync.Mutex

	advances []time.Time // ring, next write at pos
	pos      int
	full     bool

	history        []Transition
	rollbacks      int
	lastRollbackAt *time.Time
	lastHalt       string
}

// RecordBlock notes that the cursor advanced at processedAt. Only the time
// is kept: ingestion is strictly sequential so block numbers add nothing.
func (mc *MetricsCollector) RecordBlock(_ uint64, processedAt time.Time) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.advances[mc.pos] = processedAt
	mc.pos = (mc.pos + 1) % len(mc.advances)
	if mc.pos == 0 {
		mc.full = true
	}
}

// RecordTransition appends a phase change to the history.
func (mc *MetricsCollector) RecordTransition(t Transition) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.history = append(mc.history, t)
	if len(mc.history) > historySize {
		mc.history = mc.history[len(mc.history)-historySize:]
	}

	switch t.To {
	case StateReorg:
		at := t.Timestamp
		mc.rollbacks++
		mc.lastRollbackAt = &at
	case StateHalted:
		mc.lastHalt = t.Reason
	}
}

// GetMetrics returns a snapshot.
func (mc *MetricsCollector) GetMetrics() Metrics {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	m := Metrics{
		Rollbacks:      mc.rollbacks,
		LastRollbackAt: mc.lastRollbackAt,
		LastHaltReason: mc.lastHalt,
		StateHistory:   append([]Transition(nil), mc.history...),
	}

	n, oldest := mc.pos, 0
	if mc.full {
		n, oldest = len(mc.advances), mc.pos
	}
	if n < 2 {
		return m
	}
	first := mc.advances[oldest]
	last := mc.advances[(oldest+n-1)%len(mc.advances)]
	if span := last.Sub(first); span > 0 {
		intervals := float64(n - 1)
		m.BlocksPerSecond = intervals / span.Seconds()
		m.AverageBlockTime = time.Duration(float64(span) / intervals)
	}
	return m
}
