package evm

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// mayContainEvents checks the header's logs bloom before asking the node
// for logs. A bloom can give false positives but never false negatives, so
// a miss lets BlockAt skip the eth_getLogs call for the block.
func mayContainEvents(bloom types.Bloom, contract common.Address) bool {
	if bloom == (types.Bloom{}) {
		// Some nodes and test fixtures leave the bloom empty; fetch logs.
		return true
	}
	if !types.BloomLookup(bloom, contract) {
		return false
	}
	return types.BloomLookup(bloom, transactionTopic) || types.BloomLookup(bloom, transferTopic)
}
