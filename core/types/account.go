package types

import "math/big"

// Account holds the spendable balance of a ledger participant. Balances are
// denominated in the smallest unit (18 decimals) and never negative.
type Account struct {
	Balance *big.Int `json:"balance"`
	// Deposits counts operator credits applied to the account.
	Deposits uint64 `json:"deposits"`
}

// NewAccount returns an empty account with a non-nil balance.
func NewAccount() *Account {
	return &Account{Balance: big.NewInt(0)}
}

// Copy returns a deep copy so callers can mutate balances safely.
func (a *Account) Copy() *Account {
	if a == nil {
		return NewAccount()
	}
	clone := *a
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	} else {
		clone.Balance = big.NewInt(0)
	}
	return &clone
}
