package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mkhmik004/trustwork/native/escrow"
)

type storedMilestone struct {
	Amount      *big.Int
	Description string
	IsReleased  bool
	IsDisputed  bool
}

type storedAgreement struct {
	ID             uint64
	Client         common.Address
	Freelancer     common.Address
	TotalAmount    *big.Int
	ReleasedAmount *big.Int
	IsActive       bool
	IsCompleted    bool
	CreatedAt      uint64
	Milestones     []storedMilestone
}

func newStoredAgreement(a *escrow.Agreement) (*storedAgreement, error) {
	if a.CreatedAt < 0 {
		return nil, fmt.Errorf("agreement %d: negative creation time", a.ID)
	}
	record := &storedAgreement{
		ID:             a.ID,
		Client:         a.Client,
		Freelancer:     a.Freelancer,
		TotalAmount:    new(big.Int).Set(a.TotalAmount),
		ReleasedAmount: new(big.Int).Set(a.ReleasedAmount),
		IsActive:       a.IsActive,
		IsCompleted:    a.IsCompleted,
		CreatedAt:      uint64(a.CreatedAt),
		Milestones:     make([]storedMilestone, len(a.Milestones)),
	}
	for i, m := range a.Milestones {
		record.Milestones[i] = storedMilestone{
			Amount:      new(big.Int).Set(m.Amount),
			Description: m.Description,
			IsReleased:  m.IsReleased,
			IsDisputed:  m.IsDisputed,
		}
	}
	return record, nil
}

func (s *storedAgreement) toAgreement() *escrow.Agreement {
	a := &escrow.Agreement{
		ID:             s.ID,
		Client:         s.Client,
		Freelancer:     s.Freelancer,
		TotalAmount:    cloneAmount(s.TotalAmount),
		ReleasedAmount: cloneAmount(s.ReleasedAmount),
		IsActive:       s.IsActive,
		IsCompleted:    s.IsCompleted,
		CreatedAt:      int64(s.CreatedAt),
		Milestones:     make([]escrow.Milestone, len(s.Milestones)),
	}
	for i, m := range s.Milestones {
		a.Milestones[i] = escrow.Milestone{
			Amount:      cloneAmount(m.Amount),
			Description: m.Description,
			IsReleased:  m.IsReleased,
			IsDisputed:  m.IsDisputed,
		}
	}
	return a
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (t *stateTx) AgreementCount() (uint64, error) {
	var count uint64
	if _, err := t.getRLP(agreementCountKeyRaw, &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (t *stateTx) AgreementGet(id uint64) (*escrow.Agreement, bool, error) {
	record := new(storedAgreement)
	ok, err := t.getRLP(AgreementKey(id), record)
	if err != nil || !ok {
		return nil, false, err
	}
	return record.toAgreement(), true, nil
}

func (t *stateTx) AgreementsByClient(addr common.Address) ([]uint64, error) {
	return t.loadIndex(ClientIndexKey(addr))
}

func (t *stateTx) AgreementsByFreelancer(addr common.Address) ([]uint64, error) {
	return t.loadIndex(FreelancerIndexKey(addr))
}

func (t *stateTx) loadIndex(key []byte) ([]uint64, error) {
	var ids []uint64
	if _, err := t.getRLP(key, &ids); err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []uint64{}
	}
	return ids, nil
}

func (t *stateTx) appendIndex(key []byte, id uint64) error {
	ids, err := t.loadIndex(key)
	if err != nil {
		return err
	}
	return t.putRLP(key, append(ids, id))
}

// AgreementCreate stores a new agreement under the next sequential ID and
// records it in both party indexes.
func (t *stateTx) AgreementCreate(a *escrow.Agreement) error {
	sanitized, err := escrow.SanitizeAgreement(a)
	if err != nil {
		return err
	}
	count, err := t.AgreementCount()
	if err != nil {
		return err
	}
	if sanitized.ID != count {
		return fmt.Errorf("agreement id %d out of sequence, next is %d", sanitized.ID, count)
	}
	record, err := newStoredAgreement(sanitized)
	if err != nil {
		return err
	}
	if err := t.putRLP(AgreementKey(record.ID), record); err != nil {
		return err
	}
	if err := t.putRLP(agreementCountKeyRaw, count+1); err != nil {
		return err
	}
	if err := t.appendIndex(ClientIndexKey(record.Client), record.ID); err != nil {
		return err
	}
	return t.appendIndex(FreelancerIndexKey(record.Freelancer), record.ID)
}

// AgreementPut overwrites an existing agreement. Parties and amounts are
// immutable after creation.
func (t *stateTx) AgreementPut(a *escrow.Agreement) error {
	sanitized, err := escrow.SanitizeAgreement(a)
	if err != nil {
		return err
	}
	existing, ok, err := t.AgreementGet(sanitized.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("agreement %d not found", sanitized.ID)
	}
	if existing.Client != sanitized.Client || existing.Freelancer != sanitized.Freelancer {
		return fmt.Errorf("agreement %d: parties are immutable", sanitized.ID)
	}
	if existing.TotalAmount.Cmp(sanitized.TotalAmount) != 0 || len(existing.Milestones) != len(sanitized.Milestones) {
		return fmt.Errorf("agreement %d: milestones are immutable", sanitized.ID)
	}
	for i := range existing.Milestones {
		if existing.Milestones[i].IsReleased && !sanitized.Milestones[i].IsReleased {
			return fmt.Errorf("agreement %d: milestone %d cannot be unreleased", sanitized.ID, i)
		}
	}
	record, err := newStoredAgreement(sanitized)
	if err != nil {
		return err
	}
	return t.putRLP(AgreementKey(record.ID), record)
}

func (t *stateTx) EscrowBalance(id uint64) (*big.Int, error) {
	balance := new(big.Int)
	ok, err := t.getRLP(CustodyKey(id), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

// EscrowCredit attributes amount of the vault's holdings to agreement id.
func (t *stateTx) EscrowCredit(id uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("escrow credit: amount must be non-negative")
	}
	if _, ok, err := t.AgreementGet(id); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("escrow credit: agreement %d not found", id)
	}
	current, err := t.EscrowBalance(id)
	if err != nil {
		return err
	}
	return t.putRLP(CustodyKey(id), new(big.Int).Add(current, amount))
}

// EscrowDebit removes amount from the custody of agreement id.
func (t *stateTx) EscrowDebit(id uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("escrow debit: amount must be non-negative")
	}
	current, err := t.EscrowBalance(id)
	if err != nil {
		return err
	}
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("escrow debit: agreement %d holds %s, cannot debit %s", id, current, amount)
	}
	return t.putRLP(CustodyKey(id), new(big.Int).Sub(current, amount))
}
