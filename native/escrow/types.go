package escrow

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AgreementStatus is a derived, display-only view of an agreement's lifecycle.
type AgreementStatus string

const (
	StatusActive    AgreementStatus = "active"
	StatusCompleted AgreementStatus = "completed"
	StatusRefunded  AgreementStatus = "refunded"
)

// Milestone is a fixed-amount deliverable within an agreement. Amount and
// Description never change after creation; IsReleased only moves false->true.
type Milestone struct {
	Amount      *big.Int
	Description string
	IsReleased  bool
	IsDisputed  bool
}

// Clone returns a deep copy of the milestone.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Amount = cloneBigInt(m.Amount)
	return &clone
}

// Agreement is one client-freelancer escrow arrangement. The funds backing it
// are custodied by the ledger vault and attributed to the agreement ID.
type Agreement struct {
	ID             uint64
	Client         common.Address
	Freelancer     common.Address
	TotalAmount    *big.Int
	ReleasedAmount *big.Int
	IsActive       bool
	IsCompleted    bool
	CreatedAt      int64
	Milestones     []Milestone
}

// Clone returns a deep copy of the agreement so callers can safely mutate the
// copy without affecting the stored instance.
func (a *Agreement) Clone() *Agreement {
	if a == nil {
		return nil
	}
	clone := *a
	clone.TotalAmount = cloneBigInt(a.TotalAmount)
	clone.ReleasedAmount = cloneBigInt(a.ReleasedAmount)
	if a.Milestones != nil {
		clone.Milestones = make([]Milestone, len(a.Milestones))
		for i := range a.Milestones {
			clone.Milestones[i] = *a.Milestones[i].Clone()
		}
	}
	return &clone
}

// Remaining returns the amount still held in custody for the agreement.
func (a *Agreement) Remaining() *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(cloneBigInt(a.TotalAmount), cloneBigInt(a.ReleasedAmount))
}

// Status reports the lifecycle bucket of the agreement.
func (a *Agreement) Status() AgreementStatus {
	if a == nil || a.IsActive {
		return StatusActive
	}
	if cloneBigInt(a.ReleasedAmount).Cmp(cloneBigInt(a.TotalAmount)) == 0 {
		return StatusCompleted
	}
	return StatusRefunded
}

// IsParty reports whether addr is the client or the freelancer.
func (a *Agreement) IsParty(addr common.Address) bool {
	return a != nil && (addr == a.Client || addr == a.Freelancer)
}

// SanitizeAgreement checks the bookkeeping invariants and returns a cloned
// instance with non-nil amount fields. The original value is not mutated.
func SanitizeAgreement(a *Agreement) (*Agreement, error) {
	if a == nil {
		return nil, fmt.Errorf("nil agreement")
	}
	clone := a.Clone()
	if clone.Client == (common.Address{}) || clone.Freelancer == (common.Address{}) {
		return nil, fmt.Errorf("agreement %d: parties must be set", clone.ID)
	}
	if clone.Client == clone.Freelancer {
		return nil, fmt.Errorf("agreement %d: client equals freelancer", clone.ID)
	}
	if len(clone.Milestones) == 0 {
		return nil, fmt.Errorf("agreement %d: no milestones", clone.ID)
	}
	total := big.NewInt(0)
	released := big.NewInt(0)
	for i := range clone.Milestones {
		amount := clone.Milestones[i].Amount
		if amount.Sign() <= 0 {
			return nil, fmt.Errorf("agreement %d: milestone %d amount must be positive", clone.ID, i)
		}
		total.Add(total, amount)
		if clone.Milestones[i].IsReleased {
			released.Add(released, amount)
		}
	}
	if total.Cmp(clone.TotalAmount) != 0 {
		return nil, fmt.Errorf("agreement %d: total %s does not match milestones %s", clone.ID, clone.TotalAmount, total)
	}
	if released.Cmp(clone.ReleasedAmount) != 0 {
		return nil, fmt.Errorf("agreement %d: released %s does not match milestones %s", clone.ID, clone.ReleasedAmount, released)
	}
	if clone.IsCompleted && clone.IsActive {
		return nil, fmt.Errorf("agreement %d: completed agreement still active", clone.ID)
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
