package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/text/unicode/norm"

	"github.com/mkhmik004/trustwork/core/events"
	"github.com/mkhmik004/trustwork/core/types"
)

const (
	DefaultMaxMilestones        = 64
	DefaultMaxDescriptionLength = 512
)

var errNilStore = errors.New("escrow engine: store not configured")

// Config carries the engine policy knobs.
type Config struct {
	// Arbiter may clear dispute flags. The zero address disables clearing.
	Arbiter              common.Address
	MaxMilestones        int
	MaxDescriptionLength int
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxMilestones:        DefaultMaxMilestones,
		MaxDescriptionLength: DefaultMaxDescriptionLength,
	}
}

// CreateRequest describes a new agreement. Funded is the value deposited with
// the request and must equal the sum of Amounts.
type CreateRequest struct {
	Freelancer   common.Address
	Amounts      []*big.Int
	Descriptions []string
	Funded       *big.Int
}

// Engine applies the escrow transition rules on top of a Store. Every mutation
// runs inside one store transaction while holding the agreement's lock, and
// events are emitted only after the transaction commits.
type Engine struct {
	store    Store
	emitter  events.Emitter
	receiver Receiver
	cfg      Config
	nowFn    func() int64

	locks    *lockSet
	createMu sync.Mutex
}

// NewEngine creates an escrow engine backed by store with a no-op emitter.
// Callers can override the emitter via SetEmitter.
func NewEngine(store Store) *Engine {
	return &Engine{
		store:   store,
		emitter: events.NoopEmitter{},
		cfg:     DefaultConfig(),
		nowFn:   func() int64 { return time.Now().Unix() },
		locks:   newLockSet(),
	}
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetReceiver installs the payout acceptance hook. Nil accepts everything.
func (e *Engine) SetReceiver(receiver Receiver) { e.receiver = receiver }

// SetConfig replaces the engine policy. Non-positive limits fall back to the
// defaults.
func (e *Engine) SetConfig(cfg Config) {
	if cfg.MaxMilestones <= 0 {
		cfg.MaxMilestones = DefaultMaxMilestones
	}
	if cfg.MaxDescriptionLength <= 0 {
		cfg.MaxDescriptionLength = DefaultMaxDescriptionLength
	}
	e.cfg = cfg
}

// Config returns the active policy.
func (e *Engine) Config() Config { return e.cfg }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(batch []*types.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	for _, evt := range batch {
		if evt == nil {
			continue
		}
		e.emitter.Emit(escrowEvent{evt: evt})
	}
}

func (e *Engine) ready(ctx context.Context) error {
	if e == nil || e.store == nil {
		return errNilStore
	}
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}

// CreateAgreement validates the request, moves Funded from the caller into
// custody and stores a new active agreement.
func (e *Engine) CreateAgreement(ctx context.Context, caller common.Address, req CreateRequest) (*Agreement, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	milestones, total, err := e.validateCreate(caller, req)
	if err != nil {
		return nil, err
	}

	// IDs are sequential, so creations are serialised against each other.
	e.createMu.Lock()
	defer e.createMu.Unlock()

	var (
		created *Agreement
		pending []*types.Event
	)
	err = e.store.Update(ctx, func(tx Tx) error {
		pending = pending[:0]
		if caller == tx.VaultAddress() {
			return ErrInvalidClient
		}
		if req.Freelancer == tx.VaultAddress() {
			return ErrInvalidFreelancer
		}
		id, err := tx.AgreementCount()
		if err != nil {
			return err
		}
		agreement := &Agreement{
			ID:             id,
			Client:         caller,
			Freelancer:     req.Freelancer,
			TotalAmount:    new(big.Int).Set(total),
			ReleasedAmount: big.NewInt(0),
			IsActive:       true,
			CreatedAt:      e.now(),
			Milestones:     milestones,
		}
		if err := e.transfer(tx, caller, tx.VaultAddress(), total); err != nil {
			return err
		}
		if err := tx.AgreementCreate(agreement); err != nil {
			return err
		}
		if err := tx.EscrowCredit(id, total); err != nil {
			return err
		}
		created = agreement
		pending = append(pending, NewContractCreatedEvent(agreement))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(pending)
	return created.Clone(), nil
}

func (e *Engine) validateCreate(caller common.Address, req CreateRequest) ([]Milestone, *big.Int, error) {
	zero := common.Address{}
	if req.Freelancer == zero {
		return nil, nil, ErrInvalidFreelancer
	}
	if req.Freelancer == caller {
		return nil, nil, ErrSameParty
	}
	if len(req.Amounts) == 0 && len(req.Descriptions) == 0 {
		return nil, nil, ErrEmptyMilestoneList
	}
	if len(req.Amounts) != len(req.Descriptions) {
		return nil, nil, ErrLengthMismatch
	}
	if len(req.Amounts) > e.cfg.MaxMilestones {
		return nil, nil, ErrTooManyMilestones
	}
	sum := new(uint256.Int)
	milestones := make([]Milestone, len(req.Amounts))
	for i, amount := range req.Amounts {
		if amount == nil || amount.Sign() <= 0 {
			return nil, nil, ErrInvalidAmount
		}
		value, overflow := uint256.FromBig(amount)
		if overflow {
			return nil, nil, ErrInvalidAmount
		}
		if _, overflow := sum.AddOverflow(sum, value); overflow {
			return nil, nil, ErrInvalidAmount
		}
		description, err := e.normalizeDescription(req.Descriptions[i])
		if err != nil {
			return nil, nil, err
		}
		milestones[i] = Milestone{Amount: new(big.Int).Set(amount), Description: description}
	}
	total := sum.ToBig()
	if req.Funded == nil || req.Funded.Cmp(total) != 0 {
		return nil, nil, ErrAmountMismatch
	}
	return milestones, total, nil
}

func (e *Engine) normalizeDescription(raw string) (string, error) {
	normalized := norm.NFC.String(strings.TrimSpace(raw))
	if utf8.RuneCountInString(normalized) > e.cfg.MaxDescriptionLength {
		return "", ErrDescriptionTooLong
	}
	return normalized, nil
}

// ReleaseMilestone pays milestone index of agreement id to the freelancer. Only
// the client may release, and the agreement completes once every milestone
// has been paid.
func (e *Engine) ReleaseMilestone(ctx context.Context, caller common.Address, id, index uint64) (*Agreement, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	unlock := e.locks.lock(id)
	defer unlock()

	var (
		result  *Agreement
		pending []*types.Event
	)
	err := e.store.Update(ctx, func(tx Tx) error {
		pending = pending[:0]
		agreement, err := loadAgreement(tx, id)
		if err != nil {
			return err
		}
		if !agreement.IsActive {
			return ErrAgreementInactive
		}
		if index >= uint64(len(agreement.Milestones)) {
			return ErrIndexOutOfRange
		}
		milestone := &agreement.Milestones[index]
		if milestone.IsDisputed {
			return ErrDisputed
		}
		if caller != agreement.Client {
			return ErrNotClient
		}
		if milestone.IsReleased {
			return ErrAlreadyReleased
		}
		if err := e.payout(tx, id, agreement.Freelancer, milestone.Amount); err != nil {
			return err
		}
		milestone.IsReleased = true
		agreement.ReleasedAmount = new(big.Int).Add(agreement.ReleasedAmount, milestone.Amount)
		completed := agreement.ReleasedAmount.Cmp(agreement.TotalAmount) == 0
		if completed {
			agreement.IsCompleted = true
			agreement.IsActive = false
		}
		if err := tx.AgreementPut(agreement); err != nil {
			return err
		}
		pending = append(pending, NewMilestoneReleasedEvent(agreement, index))
		if completed {
			pending = append(pending, NewContractCompletedEvent(agreement))
		}
		result = agreement
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(pending)
	return result.Clone(), nil
}

// Refund returns everything not yet released to the client and closes the
// agreement. It returns the updated agreement and the refunded amount.
func (e *Engine) Refund(ctx context.Context, caller common.Address, id uint64) (*Agreement, *big.Int, error) {
	if err := e.ready(ctx); err != nil {
		return nil, nil, err
	}
	unlock := e.locks.lock(id)
	defer unlock()

	var (
		result   *Agreement
		refunded *big.Int
		pending  []*types.Event
	)
	err := e.store.Update(ctx, func(tx Tx) error {
		pending = pending[:0]
		agreement, err := loadAgreement(tx, id)
		if err != nil {
			return err
		}
		if !agreement.IsActive {
			return ErrAgreementInactive
		}
		if caller != agreement.Client {
			return ErrNotClient
		}
		remaining := agreement.Remaining()
		if remaining.Sign() > 0 {
			if err := e.payout(tx, id, agreement.Client, remaining); err != nil {
				return err
			}
		}
		agreement.IsActive = false
		agreement.IsCompleted = true
		if err := tx.AgreementPut(agreement); err != nil {
			return err
		}
		pending = append(pending, NewContractRefundedEvent(agreement, remaining))
		result = agreement
		refunded = remaining
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	e.emit(pending)
	return result.Clone(), new(big.Int).Set(refunded), nil
}

// RaiseDispute flags a milestone so it cannot be released. Either party may
// raise it; no funds move.
func (e *Engine) RaiseDispute(ctx context.Context, caller common.Address, id, index uint64) (*Agreement, error) {
	return e.setDispute(ctx, caller, id, index, true)
}

// ClearDispute lifts a dispute flag. It is reserved for the configured
// arbiter; with no arbiter configured it always fails with ErrNotArbiter.
func (e *Engine) ClearDispute(ctx context.Context, caller common.Address, id, index uint64) (*Agreement, error) {
	return e.setDispute(ctx, caller, id, index, false)
}

func (e *Engine) setDispute(ctx context.Context, caller common.Address, id, index uint64, raise bool) (*Agreement, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	unlock := e.locks.lock(id)
	defer unlock()

	var (
		result  *Agreement
		pending []*types.Event
	)
	err := e.store.Update(ctx, func(tx Tx) error {
		pending = pending[:0]
		agreement, err := loadAgreement(tx, id)
		if err != nil {
			return err
		}
		if raise {
			if !agreement.IsParty(caller) {
				return ErrNotAParty
			}
		} else if e.cfg.Arbiter == (common.Address{}) || caller != e.cfg.Arbiter {
			return ErrNotArbiter
		}
		if index >= uint64(len(agreement.Milestones)) {
			return ErrIndexOutOfRange
		}
		milestone := &agreement.Milestones[index]
		if !raise && !milestone.IsDisputed {
			return ErrNotDisputed
		}
		milestone.IsDisputed = raise
		if err := tx.AgreementPut(agreement); err != nil {
			return err
		}
		if raise {
			pending = append(pending, NewDisputeRaisedEvent(agreement, index, caller))
		} else {
			pending = append(pending, NewDisputeClearedEvent(agreement, index, caller))
		}
		result = agreement
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(pending)
	return result.Clone(), nil
}

// Deposit credits amount to addr. It is the off-chain stand-in for value
// arriving from outside the ledger and is exposed to operators only.
func (e *Engine) Deposit(ctx context.Context, addr common.Address, amount *big.Int) (*big.Int, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if addr == (common.Address{}) {
		return nil, fmt.Errorf("escrow: deposit address required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	var (
		balance *big.Int
		pending []*types.Event
	)
	err := e.store.Update(ctx, func(tx Tx) error {
		pending = pending[:0]
		if addr == tx.VaultAddress() {
			return fmt.Errorf("escrow: cannot deposit into the custody vault")
		}
		account, err := tx.GetAccount(addr)
		if err != nil {
			return err
		}
		account = ensureAccount(account)
		account.Balance = new(big.Int).Add(account.Balance, amount)
		account.Deposits++
		if err := tx.PutAccount(addr, account); err != nil {
			return err
		}
		balance = new(big.Int).Set(account.Balance)
		pending = append(pending, NewAccountDepositedEvent(addr, amount, balance))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(pending)
	return balance, nil
}

// payout moves amount out of the agreement's custody to the recipient after
// the receiver hook accepts it.
func (e *Engine) payout(tx Tx, id uint64, to common.Address, amount *big.Int) error {
	if e.receiver != nil {
		if err := e.receiver.AcceptFunds(to, new(big.Int).Set(amount)); err != nil {
			return fmt.Errorf("%w: recipient %s rejected funds: %v", ErrTransferFailed, to.Hex(), err)
		}
	}
	if err := tx.EscrowDebit(id, amount); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return e.transfer(tx, tx.VaultAddress(), to, amount)
}

func (e *Engine) transfer(tx Tx, from, to common.Address, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if from == to {
		return fmt.Errorf("%w: source and destination are both %s", ErrTransferFailed, from.Hex())
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	fromAcc, err := tx.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := tx.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("%w: %w: %s holds %s, needs %s", ErrTransferFailed, ErrInsufficientFunds, from.Hex(), fromAcc.Balance, amt)
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := tx.PutAccount(from, fromAcc); err != nil {
		return err
	}
	if err := tx.PutAccount(to, toAcc); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return nil
}

// Agreement returns a copy of agreement id.
func (e *Engine) Agreement(ctx context.Context, id uint64) (*Agreement, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	var out *Agreement
	err := e.store.View(ctx, func(r Reader) error {
		agreement, err := loadAgreement(r, id)
		if err != nil {
			return err
		}
		out = agreement
		return nil
	})
	return out, err
}

// Milestone returns a copy of one milestone of agreement id.
func (e *Engine) Milestone(ctx context.Context, id, index uint64) (*Milestone, error) {
	agreement, err := e.Agreement(ctx, id)
	if err != nil {
		return nil, err
	}
	if index >= uint64(len(agreement.Milestones)) {
		return nil, ErrIndexOutOfRange
	}
	return agreement.Milestones[index].Clone(), nil
}

// AgreementCount returns the number of agreements ever created, which is also
// the next ID to be assigned.
func (e *Engine) AgreementCount(ctx context.Context) (uint64, error) {
	if err := e.ready(ctx); err != nil {
		return 0, err
	}
	var count uint64
	err := e.store.View(ctx, func(r Reader) error {
		var err error
		count, err = r.AgreementCount()
		return err
	})
	return count, err
}

// ContractCount returns how many agreements user takes part in, either as
// client or as freelancer.
func (e *Engine) ContractCount(ctx context.Context, user common.Address) (uint64, error) {
	if err := e.ready(ctx); err != nil {
		return 0, err
	}
	var count uint64
	err := e.store.View(ctx, func(r Reader) error {
		asClient, err := r.AgreementsByClient(user)
		if err != nil {
			return err
		}
		asFreelancer, err := r.AgreementsByFreelancer(user)
		if err != nil {
			return err
		}
		count = uint64(len(asClient) + len(asFreelancer))
		return nil
	})
	return count, err
}

// AgreementsByClient lists the agreement IDs funded by addr in creation order.
func (e *Engine) AgreementsByClient(ctx context.Context, addr common.Address) ([]uint64, error) {
	return e.listIDs(ctx, func(r Reader) ([]uint64, error) { return r.AgreementsByClient(addr) })
}

// AgreementsByFreelancer lists the agreement IDs paying addr in creation order.
func (e *Engine) AgreementsByFreelancer(ctx context.Context, addr common.Address) ([]uint64, error) {
	return e.listIDs(ctx, func(r Reader) ([]uint64, error) { return r.AgreementsByFreelancer(addr) })
}

func (e *Engine) listIDs(ctx context.Context, fn func(Reader) ([]uint64, error)) ([]uint64, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	var ids []uint64
	err := e.store.View(ctx, func(r Reader) error {
		var err error
		ids, err = fn(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []uint64{}
	}
	return ids, nil
}

// Balance returns the spendable balance of addr.
func (e *Engine) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	var balance *big.Int
	err := e.store.View(ctx, func(r Reader) error {
		account, err := r.GetAccount(addr)
		if err != nil {
			return err
		}
		balance = cloneBigInt(ensureAccount(account).Balance)
		return nil
	})
	return balance, err
}

// Custody returns the amount still held for agreement id.
func (e *Engine) Custody(ctx context.Context, id uint64) (*big.Int, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	var held *big.Int
	err := e.store.View(ctx, func(r Reader) error {
		if _, err := loadAgreement(r, id); err != nil {
			return err
		}
		amount, err := r.EscrowBalance(id)
		if err != nil {
			return err
		}
		held = cloneBigInt(amount)
		return nil
	})
	return held, err
}

func loadAgreement(r Reader, id uint64) (*Agreement, error) {
	agreement, ok, err := r.AgreementGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || agreement == nil {
		return nil, ErrNotFound
	}
	return agreement.Clone(), nil
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return types.NewAccount()
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}
