package domain

import "time"

// Incident is a condition that needs an operator: a halted pipeline, an
// unreachable node or a balance drift.
type Incident struct {
	ID        string    `json:"id"`
	ChainID   string    `json:"chainId"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Block     uint64    `json:"block"`
	Fatal     bool      `json:"fatal"`
	CreatedAt time.Time `json:"createdAt"`
}
