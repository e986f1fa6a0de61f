package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/indexing/indexer"
)

// StatusProvider reports the live pipeline status.
type StatusProvider interface {
	GetStatus() indexer.Status
}

// BlockHeightFetcher asks the node for its head once, without retrying.
type BlockHeightFetcher interface {
	PeekHead(ctx context.Context) (uint64, error)
}

// IncidentCounter counts unresolved incidents. Optional.
type IncidentCounter interface {
	Count(ctx context.Context) (int, error)
}

// Probe groups the sources of health data for one chain.
type Probe struct {
	Pipeline  StatusProvider
	Heights   BlockHeightFetcher
	Incidents IncidentCounter
}

// Thresholds for block lag.
const (
	DegradedLag = 10
	CriticalLag = 100
)

// ProbeTimeout bounds the external calls of one check.
const ProbeTimeout = 2 * time.Second

// Monitor aggregates health status from various system components.
type Monitor struct {
	probes     map[string]Probe
	interval   time.Duration
	lastCheck  time.Time
	lastReport map[string]ChainHealth
	timeout    time.Duration
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. Results are cached for interval
// so frequent probes don't hit the node.
func NewMonitor(probes map[string]Probe, interval time.Duration) *Monitor {
	return &Monitor{
		probes:     probes,
		interval:   interval,
		lastReport: make(map[string]ChainHealth),
		timeout:    ProbeTimeout,
	}
}

// CheckHealth performs a health check for all chains. The lock only guards
// the cache, so a slow node never queues requests behind each other.
func (m *Monitor) CheckHealth(ctx context.Context) map[string]ChainHealth {
	m.mu.Lock()
	if time.Since(m.lastCheck) < m.interval && len(m.lastReport) > 0 {
		report := m.lastReport
		m.mu.Unlock()
		return report
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	report := make(map[string]ChainHealth, len(m.probes))
	for chainID, probe := range m.probes {
		report[chainID] = check(ctx, chainID, probe)
	}

	m.mu.Lock()
	m.lastCheck = time.Now()
	m.lastReport = report
	m.mu.Unlock()
	return report
}

func check(ctx context.Context, chainID string, probe Probe) ChainHealth {
	st := probe.Pipeline.GetStatus()
	health := ChainHealth{
		ChainID:      chainID,
		Status:       StatusHealthy,
		CursorState:  st.State,
		CurrentBlock: st.CurrentBlock,
		LatestBlock:  st.LatestBlock,
		QueueDepth:   st.QueueDepth,
		Unconfirmed:  st.Unconfirmed,
		WindowBlocks: st.WindowBlocks,
		Rollbacks:    st.Rollbacks,
		LastError:    st.LastError,
	}

	nodeDown := false
	if probe.Heights != nil {
		latest, err := probe.Heights.PeekHead(ctx)
		if err != nil {
			nodeDown = true
			if health.LastError == "" {
				health.LastError = err.Error()
			}
		} else if latest > health.LatestBlock {
			health.LatestBlock = latest
		}
	}
	if health.LatestBlock > health.CurrentBlock {
		health.BlockLag = health.LatestBlock - health.CurrentBlock
	}

	if probe.Incidents != nil {
		if n, err := probe.Incidents.Count(ctx); err == nil {
			health.OpenIncidents = n
		}
	}

	switch {
	case health.CursorState == string(domain.CursorStateHalted), health.BlockLag > CriticalLag:
		health.Status = StatusCritical
	case nodeDown, health.BlockLag > DegradedLag, health.OpenIncidents > 0:
		health.Status = StatusDegraded
	}
	return health
}
