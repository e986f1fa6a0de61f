package domain

import "math/big"

// Balance is an address's running total in one currency.
// Confirmed counts Confirmed records only; Pending counts Pending records.
type Balance struct {
	Address   string
	Currency  string
	Confirmed *big.Int
	Pending   *big.Int
}
