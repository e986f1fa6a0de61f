package domain

import "time"

// Cursor is the resumption point: the last fully processed block.
type Cursor struct {
	ChainID     string
	BlockNumber uint64
	BlockHash   string
	State       CursorState
	UpdatedAt   time.Time
}

type CursorState string

const (
	CursorStateInit     CursorState = "init"
	CursorStateScanning CursorState = "scanning"
	CursorStateReorg    CursorState = "reorg"
	CursorStateHalted   CursorState = "halted"
)
