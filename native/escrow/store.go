package escrow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mkhmik004/trustwork/core/types"
)

// Reader exposes committed ledger state.
type Reader interface {
	AgreementCount() (uint64, error)
	AgreementGet(id uint64) (*Agreement, bool, error)
	AgreementsByClient(addr common.Address) ([]uint64, error)
	AgreementsByFreelancer(addr common.Address) ([]uint64, error)
	GetAccount(addr common.Address) (*types.Account, error)
	// EscrowBalance returns the custody attributed to a single agreement.
	EscrowBalance(id uint64) (*big.Int, error)
	// VaultAddress is the account holding all custodied funds.
	VaultAddress() common.Address
}

// Tx is a staged unit of work. Nothing written through it becomes visible to
// other callers until the enclosing Update returns nil, and everything written
// is discarded when it returns an error.
type Tx interface {
	Reader
	// AgreementCreate stores a new agreement. Its ID must equal the current
	// AgreementCount; the counter and the party indexes advance with it.
	AgreementCreate(a *Agreement) error
	// AgreementPut overwrites an existing agreement.
	AgreementPut(a *Agreement) error
	PutAccount(addr common.Address, account *types.Account) error
	EscrowCredit(id uint64, amount *big.Int) error
	EscrowDebit(id uint64, amount *big.Int) error
}

// Store is the transactional persistence boundary of the engine.
type Store interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Reader) error) error
}

// Receiver decides whether a recipient can accept a payout. Returning an error
// aborts the surrounding operation with ErrTransferFailed.
type Receiver interface {
	AcceptFunds(to common.Address, amount *big.Int) error
}

// ReceiverFunc adapts a function to the Receiver interface.
type ReceiverFunc func(to common.Address, amount *big.Int) error

// AcceptFunds implements Receiver.
func (f ReceiverFunc) AcceptFunds(to common.Address, amount *big.Int) error {
	return f(to, amount)
}
