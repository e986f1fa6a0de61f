// Package health provides system health monitoring and status reporting.
package health

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ChainHealth contains health metrics for a specific blockchain chain.
type ChainHealth struct {
	ChainID       string       `json:"chain_id"`
	Status        SystemStatus `json:"status"`
	CursorState   string       `json:"cursor_state"`
	CurrentBlock  uint64       `json:"current_block"`
	LatestBlock   uint64       `json:"latest_block"`
	BlockLag      uint64       `json:"block_lag"`
	QueueDepth    int          `json:"queue_depth"`
	Unconfirmed   int          `json:"unconfirmed"`
	WindowBlocks  int          `json:"window_blocks"`
	Rollbacks     int          `json:"rollbacks"`
	OpenIncidents int          `json:"open_incidents"`
	LastError     string       `json:"last_error,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus           `json:"system_status"`
	Chains       map[string]ChainHealth `json:"chains"`
}

// Overall returns the worst status across chains.
func Overall(chains map[string]ChainHealth) SystemStatus {
	status := StatusHealthy
	for _, chain := range chains {
		if chain.Status == StatusCritical {
			return StatusCritical
		}
		if chain.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}
