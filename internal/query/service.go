// Package query is the read-only façade over the ledger and balances.
package query

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/indexing/normalizer"
)

var (
	// ErrBadRequest marks malformed query input.
	ErrBadRequest = errors.New("bad request")
	// ErrNotFound is returned for unknown ids and addresses.
	ErrNotFound = domain.ErrNotFound
)

// Ledger is the read side of the ledger store.
type Ledger interface {
	Get(ctx context.Context, id string) (*domain.CanonicalTransaction, error)
	ListByAddress(ctx context.Context, address string) ([]domain.CanonicalTransaction, error)
}

// Balances serves running totals.
type Balances interface {
	Balance(address, currency string) (domain.Balance, bool)
}

// HeadSource reports the processed head used for confirmation counts.
type HeadSource interface {
	Head() uint64
}

// TxStatus is the status view of one record.
type TxStatus struct {
	TransactionID string          `json:"transactionId"`
	Status        domain.TxStatus `json:"status"`
	Amount        string          `json:"amount"`
	Currency      string          `json:"currency"`
	Timestamp     uint64          `json:"timestamp"`
	Confirmations uint64          `json:"confirmations"`
	BlockNumber   uint64          `json:"blockNumber"`
}

// TxSummary is one entry of an address history.
type TxSummary struct {
	TransactionID string          `json:"transactionId"`
	TxHash        string          `json:"txHash"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Amount        string          `json:"amount"`
	Currency      string          `json:"currency"`
	Status        domain.TxStatus `json:"status"`
	BlockNumber   uint64          `json:"blockNumber"`
	Timestamp     uint64          `json:"timestamp"`
}

// WalletBalance is the balance view of an address.
type WalletBalance struct {
	Address  string `json:"address"`
	Balance  string `json:"balance"`
	Currency string `json:"currency"`
	Pending  string `json:"pending"`
}

// Service answers status, history and balance queries. All methods are
// safe to call while ingestion is writing.
type Service struct {
	ledger       Ledger
	balances     Balances
	head         HeadSource
	nativeSymbol string
}

// NewService creates a query service.
func NewService(ledger Ledger, balances Balances, head HeadSource, nativeSymbol string) *Service {
	return &Service{
		ledger:       ledger,
		balances:     balances,
		head:         head,
		nativeSymbol: nativeSymbol,
	}
}

// TransactionStatus looks up one record by id.
func (s *Service) TransactionStatus(ctx context.Context, id string) (*TxStatus, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty transaction id", ErrBadRequest)
	}
	tx, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var confirmations uint64
	if tx.Status == domain.TxStatusPending || tx.Status == domain.TxStatusConfirmed {
		confirmations = tx.Confirmations(s.head.Head())
	}
	return &TxStatus{
		TransactionID: tx.ID,
		Status:        tx.Status,
		Amount:        amountString(tx.Amount),
		Currency:      tx.Currency,
		Timestamp:     tx.Timestamp,
		Confirmations: confirmations,
		BlockNumber:   tx.BlockNumber,
	}, nil
}

// Transactions lists records touching address, newest block first.
func (s *Service) Transactions(ctx context.Context, address string) ([]TxSummary, error) {
	addr, err := s.address(address)
	if err != nil {
		return nil, err
	}
	txs, err := s.ledger.ListByAddress(ctx, addr)
	if err != nil {
		return nil, err
	}

	out := make([]TxSummary, 0, len(txs))
	for _, tx := range txs {
		out = append(out, TxSummary{
			TransactionID: tx.ID,
			TxHash:        tx.TxHash,
			From:          tx.From,
			To:            tx.To,
			Amount:        amountString(tx.Amount),
			Currency:      tx.Currency,
			Status:        tx.Status,
			BlockNumber:   tx.BlockNumber,
			Timestamp:     tx.Timestamp,
		})
	}
	return out, nil
}

// Balance returns the confirmed and pending totals for address. currency
// defaults to the native symbol.
func (s *Service) Balance(address, currency string) (*WalletBalance, error) {
	addr, err := s.address(address)
	if err != nil {
		return nil, err
	}
	if currency == "" {
		currency = s.nativeSymbol
	}

	bal, ok := s.balances.Balance(addr, currency)
	if !ok {
		return nil, fmt.Errorf("%w: address %s", ErrNotFound, addr)
	}
	return &WalletBalance{
		Address:  addr,
		Balance:  amountString(bal.Confirmed),
		Currency: currency,
		Pending:  amountString(bal.Pending),
	}, nil
}

func (s *Service) address(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: address is required", ErrBadRequest)
	}
	addr, err := normalizer.NormalizeAddress(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return addr, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
