// Package normalizer maps raw contract events onto canonical transactions.
package normalizer

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/remitwatch/internal/core/domain"
)

// Error describes why an event could not be normalized.
type Error struct {
	ID     string
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize %s: field %q: %s", e.ID, e.Field, e.Reason)
}

func (e *Error) Unwrap() error { return domain.ErrNormalization }

// Normalize converts a RawEvent into a CanonicalTransaction. It has no side
// effects: the same event always yields the same record.
func Normalize(ev domain.RawEvent, nativeSymbol string) (domain.CanonicalTransaction, error) {
	id := domain.TransactionID(ev.TxHash, ev.LogIndex)
	if ev.TxHash == "" {
		return domain.CanonicalTransaction{}, &Error{ID: id, Field: "txHash", Reason: "missing"}
	}

	var currency string
	switch ev.Kind {
	case domain.EventKindTransaction:
		currency = strings.TrimSpace(ev.Fields[domain.FieldCurrency])
		if currency == "" {
			return domain.CanonicalTransaction{}, &Error{ID: id, Field: domain.FieldCurrency, Reason: "missing"}
		}
	case domain.EventKindTransfer:
		currency = nativeSymbol
	default:
		return domain.CanonicalTransaction{}, &Error{ID: id, Field: "kind", Reason: fmt.Sprintf("unknown kind %q", ev.Kind)}
	}

	from, err := parseAddress(ev.Fields[domain.FieldFrom])
	if err != nil {
		return domain.CanonicalTransaction{}, &Error{ID: id, Field: domain.FieldFrom, Reason: err.Error()}
	}
	to, err := parseAddress(ev.Fields[domain.FieldTo])
	if err != nil {
		return domain.CanonicalTransaction{}, &Error{ID: id, Field: domain.FieldTo, Reason: err.Error()}
	}
	amount, err := ParseAmount(ev.Fields[domain.FieldAmount])
	if err != nil {
		return domain.CanonicalTransaction{}, &Error{ID: id, Field: domain.FieldAmount, Reason: err.Error()}
	}

	status := domain.TxStatusPending
	if ev.Reverted {
		status = domain.TxStatusFailed
	}

	return domain.CanonicalTransaction{
		ID:          id,
		TxHash:      ev.TxHash,
		LogIndex:    ev.LogIndex,
		From:        from,
		To:          to,
		Amount:      amount,
		Currency:    currency,
		BlockNumber: ev.BlockNumber,
		BlockHash:   ev.BlockHash,
		Timestamp:   ev.Timestamp,
		Status:      status,
	}, nil
}

// NormalizeAddress validates a 20-byte hex address and returns it lowercased
// with a 0x prefix.
func NormalizeAddress(s string) (string, error) {
	return parseAddress(s)
}

func parseAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("missing")
	}
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("not a 20-byte hex address: %q", s)
	}
	return strings.ToLower(common.HexToAddress(s).Hex()), nil
}

// ParseAmount parses a non-negative integer in base 10, or base 16 with a
// 0x prefix. Values of any size are accepted.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("missing")
	}

	v := new(big.Int)
	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		_, ok = v.SetString(s[2:], 16)
	} else {
		_, ok = v.SetString(s, 10)
	}
	if !ok {
		return nil, fmt.Errorf("not numeric: %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative: %q", s)
	}
	return v, nil
}
