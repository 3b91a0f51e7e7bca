package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/mkhmik004/trustwork/native/escrow"
	"github.com/mkhmik004/trustwork/storage"
)

// DefaultMaxAttempts bounds how often an Update runs before it falls back to
// executing under the commit lock.
const DefaultMaxAttempts = 8

// ErrConflict is returned when state changed underneath an Update even while
// it held the commit lock, which means another writer shares the database.
var ErrConflict = errors.New("state: transaction conflict")

// Manager persists ledger state on a key-value database. Updates run
// optimistically: reads are recorded, writes are staged in memory, and the
// commit re-checks every read under the commit lock before flushing a single
// batch. A transaction whose reads went stale is replayed from scratch.
type Manager struct {
	db          storage.Database
	vault       common.Address
	maxAttempts int

	commitMu sync.RWMutex
}

// Option customises a Manager.
type Option func(*Manager)

// WithVault overrides the custody vault address.
func WithVault(addr common.Address) Option {
	return func(m *Manager) {
		if addr != (common.Address{}) {
			m.vault = addr
		}
	}
}

// WithMaxAttempts overrides how often a conflicting Update is replayed.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database, opts ...Option) *Manager {
	m := &Manager{db: db, vault: defaultVaultAddress, maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Vault returns the custody vault address.
func (m *Manager) Vault() common.Address { return m.vault }

var _ escrow.Store = (*Manager)(nil)

// Update runs fn inside an optimistic transaction and commits its writes
// atomically. fn may run more than once and must not have side effects outside
// the transaction. The final attempt runs while holding the commit lock so a
// busy ledger cannot starve a writer.
func (m *Manager) Update(ctx context.Context, fn func(escrow.Tx) error) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	for attempt := 1; attempt < m.maxAttempts; attempt++ {
		tx := newTx(m)
		if err := fn(tx); err != nil {
			return err
		}
		m.commitMu.Lock()
		committed, err := m.apply(tx)
		m.commitMu.Unlock()
		if err != nil {
			return err
		}
		if committed {
			return nil
		}
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	tx := newTx(m)
	if err := fn(tx); err != nil {
		return err
	}
	committed, err := m.apply(tx)
	if err != nil {
		return err
	}
	if !committed {
		return ErrConflict
	}
	return nil
}

// View runs fn against a consistent snapshot of committed state.
func (m *Manager) View(ctx context.Context, fn func(escrow.Reader) error) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	m.commitMu.RLock()
	defer m.commitMu.RUnlock()
	return fn(newTx(m))
}

// apply validates the read set and flushes the staged writes. The caller holds
// the commit lock.
func (m *Manager) apply(tx *stateTx) (bool, error) {
	for key, seen := range tx.reads {
		current, err := m.load([]byte(key))
		if err != nil {
			return false, err
		}
		if !bytes.Equal(current, seen) {
			return false, nil
		}
	}
	if len(tx.order) == 0 {
		return true, nil
	}
	batch := m.db.NewBatch()
	for _, key := range tx.order {
		batch.Put([]byte(key), tx.writes[key])
	}
	if err := batch.Write(); err != nil {
		return false, fmt.Errorf("state: commit: %w", err)
	}
	return true, nil
}

func (m *Manager) load(hashed []byte) ([]byte, error) {
	data, err := m.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// stateTx stages writes keyed by hashed storage key.
type stateTx struct {
	m      *Manager
	reads  map[string][]byte
	writes map[string][]byte
	order  []string
}

func newTx(m *Manager) *stateTx {
	return &stateTx{
		m:      m,
		reads:  make(map[string][]byte),
		writes: make(map[string][]byte),
	}
}

func (t *stateTx) get(raw []byte) ([]byte, error) {
	key := string(kvKey(raw))
	if data, ok := t.writes[key]; ok {
		return data, nil
	}
	if data, ok := t.reads[key]; ok {
		return data, nil
	}
	data, err := t.m.load([]byte(key))
	if err != nil {
		return nil, err
	}
	t.reads[key] = append([]byte(nil), data...)
	return data, nil
}

func (t *stateTx) put(raw []byte, value []byte) {
	key := string(kvKey(raw))
	if _, ok := t.writes[key]; !ok {
		t.order = append(t.order, key)
	}
	t.writes[key] = append([]byte(nil), value...)
}

func (t *stateTx) getRLP(raw []byte, out interface{}) (bool, error) {
	data, err := t.get(raw)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (t *stateTx) putRLP(raw []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	t.put(raw, encoded)
	return nil
}

func (t *stateTx) VaultAddress() common.Address { return t.m.vault }
