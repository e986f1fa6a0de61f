package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/remitwatch/internal/core/domain"
)

const remittanceABI = `[
  {"anonymous":false,"type":"event","name":"Transaction","inputs":[
    {"indexed":true,"name":"from","type":"address"},
    {"indexed":true,"name":"to","type":"address"},
    {"indexed":false,"name":"amount","type":"uint256"},
    {"indexed":false,"name":"currency","type":"string"}]},
  {"anonymous":false,"type":"event","name":"Transfer","inputs":[
    {"indexed":true,"name":"from","type":"address"},
    {"indexed":true,"name":"to","type":"address"},
    {"indexed":false,"name":"value","type":"uint256"}]}
]`

var contractABI = mustParseABI(remittanceABI)

var (
	transactionTopic = contractABI.Events["Transaction"].ID
	transferTopic    = contractABI.Events["Transfer"].ID
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse contract abi: %v", err))
	}
	return parsed
}

// decodeLog turns a contract log into a RawEvent. Field validation is left
// to the normalizer; this only undoes the ABI encoding.
func decodeLog(lg types.Log, timestamp uint64) (domain.RawEvent, error) {
	ev := domain.RawEvent{
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash.Hex(),
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
		Timestamp:   timestamp,
		Fields:      make(map[string]string, 4),
	}

	if len(lg.Topics) == 0 {
		return ev, fmt.Errorf("log %d has no topics", lg.Index)
	}

	var name string
	switch lg.Topics[0] {
	case transactionTopic:
		name = "Transaction"
		ev.Kind = domain.EventKindTransaction
	case transferTopic:
		name = "Transfer"
		ev.Kind = domain.EventKindTransfer
	default:
		return ev, fmt.Errorf("log %d: unknown topic %s", lg.Index, lg.Topics[0].Hex())
	}

	if len(lg.Topics) != 3 {
		return ev, fmt.Errorf("log %d: %s expects 3 topics, got %d", lg.Index, name, len(lg.Topics))
	}
	ev.Fields[domain.FieldFrom] = common.BytesToAddress(lg.Topics[1].Bytes()).Hex()
	ev.Fields[domain.FieldTo] = common.BytesToAddress(lg.Topics[2].Bytes()).Hex()

	values := make(map[string]any)
	if err := contractABI.UnpackIntoMap(values, name, lg.Data); err != nil {
		return ev, fmt.Errorf("log %d: unpack %s: %w", lg.Index, name, err)
	}

	amountKey := "amount"
	if ev.Kind == domain.EventKindTransfer {
		amountKey = "value"
	}
	amount, ok := values[amountKey].(*big.Int)
	if !ok {
		return ev, fmt.Errorf("log %d: %s missing %s", lg.Index, name, amountKey)
	}
	ev.Fields[domain.FieldAmount] = amount.String()

	if ev.Kind == domain.EventKindTransaction {
		currency, _ := values["currency"].(string)
		ev.Fields[domain.FieldCurrency] = currency
	}

	return ev, nil
}
