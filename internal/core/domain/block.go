package domain

// BlockHeader is the part of a block the reconciler compares across forks.
type BlockHeader struct {
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  uint64
}

// Block is one delivery from the event source: a header plus the contract
// events it carries, in log-index order.
type Block struct {
	BlockHeader
	Events []RawEvent
}
