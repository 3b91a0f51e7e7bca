package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mkhmik004/trustwork/core/types"
)

type storedAccount struct {
	Balance  *big.Int
	Deposits uint64
}

func (t *stateTx) GetAccount(addr common.Address) (*types.Account, error) {
	record := new(storedAccount)
	ok, err := t.getRLP(AccountKey(addr), record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.NewAccount(), nil
	}
	return &types.Account{Balance: cloneAmount(record.Balance), Deposits: record.Deposits}, nil
}

// PutAccount stores account for addr. Balances must be non-negative and fit in
// 256 bits.
func (t *stateTx) PutAccount(addr common.Address, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("account %s: nil account", addr.Hex())
	}
	balance := cloneAmount(account.Balance)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s: negative balance", addr.Hex())
	}
	if _, overflow := uint256.FromBig(balance); overflow {
		return fmt.Errorf("account %s: balance overflow", addr.Hex())
	}
	return t.putRLP(AccountKey(addr), &storedAccount{Balance: balance, Deposits: account.Deposits})
}
