// Package eventlog persists every emitted escrow event in an append-only
// SQLite journal. Each record is chained to its predecessor with a BLAKE3
// hash so that tampering with history is detectable.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"
	_ "modernc.org/sqlite"

	"github.com/mkhmik004/trustwork/core/events"
	"github.com/mkhmik004/trustwork/core/types"
)

// GenesisHash is the previous-hash value of the first record.
var GenesisHash = strings.Repeat("0", 64)

var (
	ErrClosed      = errors.New("eventlog: journal closed")
	ErrChainBroken = errors.New("eventlog: hash chain broken")
)

// Record is one journaled event.
type Record struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
	PrevHash   string            `json:"prevHash"`
	Hash       string            `json:"hash"`
}

// Event returns the wire form of the record.
func (r Record) Event() *types.Event {
	return (&types.Event{Type: r.Type, Attributes: r.Attributes}).Clone()
}

// Journal is safe for concurrent use. Appends are serialised so sequence
// numbers and the hash chain stay gapless.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	nowFn  func() time.Time

	mu        sync.Mutex
	closed    bool
	next      uint64
	head      string
	listeners map[int]func(Record)
	listenID  int
}

// Option configures a journal.
type Option func(*Journal)

func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		if now != nil {
			j.nowFn = now
		}
	}
}

// Open opens (creating when needed) the journal stored at path. Use
// ":memory:" for an ephemeral journal.
func Open(path string, opts ...Option) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("eventlog: path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises
	// writers at the driver level.
	db.SetMaxOpenConns(1)
	j := &Journal{
		db:        db,
		logger:    slog.Default(),
		nowFn:     func() time.Time { return time.Now().UTC() },
		head:      GenesisHash,
		next:      1,
		listeners: make(map[int]func(Record)),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With("component", "eventlog")
	if err := j.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	const schema = `CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY,
            type TEXT NOT NULL,
            attributes TEXT NOT NULL,
            recorded_at INTEGER NOT NULL,
            prev_hash TEXT NOT NULL,
            hash TEXT NOT NULL
        );`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("eventlog: schema: %w", err)
	}
	if _, err := j.db.Exec(`CREATE INDEX IF NOT EXISTS events_type ON events(type)`); err != nil {
		return fmt.Errorf("eventlog: index: %w", err)
	}
	row := j.db.QueryRow(`SELECT sequence, hash FROM events ORDER BY sequence DESC LIMIT 1`)
	var seq uint64
	var hash string
	err := row.Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("eventlog: load head: %w", err)
	}
	j.next = seq + 1
	j.head = hash
	return nil
}

// Close releases the database handle. Further appends fail with ErrClosed.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	j.closed = true
	j.listeners = make(map[int]func(Record))
	j.mu.Unlock()
	return j.db.Close()
}

// Append journals evt and notifies subscribers in sequence order.
func (j *Journal) Append(ctx context.Context, evt *types.Event) (Record, error) {
	if evt == nil || strings.TrimSpace(evt.Type) == "" {
		return Record{}, errors.New("eventlog: event type required")
	}
	attrs := evt.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return Record{}, fmt.Errorf("eventlog: encode attributes: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return Record{}, ErrClosed
	}
	rec := Record{
		Sequence:   j.next,
		Type:       evt.Type,
		Attributes: evt.Clone().Attributes,
		RecordedAt: j.nowFn().UTC(),
		PrevHash:   j.head,
	}
	rec.Hash = chainHash(rec.PrevHash, rec.Sequence, rec.Type, encoded, rec.RecordedAt)
	const stmt = `INSERT INTO events(sequence, type, attributes, recorded_at, prev_hash, hash) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := j.db.ExecContext(ctx, stmt, rec.Sequence, rec.Type, string(encoded), rec.RecordedAt.UnixNano(), rec.PrevHash, rec.Hash); err != nil {
		return Record{}, fmt.Errorf("eventlog: insert: %w", err)
	}
	j.next++
	j.head = rec.Hash
	for _, fn := range j.listeners {
		fn(rec)
	}
	return rec, nil
}

// Emit implements events.Emitter. Events without a wire payload are ignored.
func (j *Journal) Emit(evt events.Event) {
	wire, ok := events.Wire(evt)
	if !ok {
		return
	}
	if _, err := j.Append(context.Background(), wire); err != nil {
		j.logger.Error("journal append failed", "type", wire.Type, "error", err)
	}
}

// Subscribe registers fn for every record appended from now on. fn runs under
// the journal lock and must not block or call back into the journal.
func (j *Journal) Subscribe(fn func(Record)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	j.mu.Lock()
	id := j.listenID
	j.listenID++
	j.listeners[id] = fn
	j.mu.Unlock()
	return func() {
		j.mu.Lock()
		delete(j.listeners, id)
		j.mu.Unlock()
	}
}

// Head returns the last sequence number and hash. An empty journal reports
// zero and GenesisHash.
func (j *Journal) Head() (uint64, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.next - 1, j.head
}

// Since returns up to limit records with a sequence greater than cursor. A
// non-positive limit returns everything.
func (j *Journal) Since(ctx context.Context, cursor uint64, limit int) ([]Record, error) {
	query := `SELECT sequence, type, attributes, recorded_at, prev_hash, hash FROM events WHERE sequence > ? ORDER BY sequence ASC`
	args := []interface{}{cursor}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	defer rows.Close()
	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: iterate: %w", err)
	}
	return out, nil
}

// Verify walks the whole journal and recomputes the hash chain.
func (j *Journal) Verify(ctx context.Context) error {
	records, err := j.Since(ctx, 0, 0)
	if err != nil {
		return err
	}
	prev := GenesisHash
	expected := uint64(1)
	for _, rec := range records {
		if rec.Sequence != expected {
			return fmt.Errorf("%w: expected sequence %d, found %d", ErrChainBroken, expected, rec.Sequence)
		}
		if rec.PrevHash != prev {
			return fmt.Errorf("%w: sequence %d does not link to its predecessor", ErrChainBroken, rec.Sequence)
		}
		encoded, err := json.Marshal(rec.Attributes)
		if err != nil {
			return fmt.Errorf("eventlog: encode attributes: %w", err)
		}
		if chainHash(rec.PrevHash, rec.Sequence, rec.Type, encoded, rec.RecordedAt) != rec.Hash {
			return fmt.Errorf("%w: sequence %d hash mismatch", ErrChainBroken, rec.Sequence)
		}
		prev = rec.Hash
		expected++
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec        Record
		attributes string
		recordedAt int64
	)
	if err := row.Scan(&rec.Sequence, &rec.Type, &attributes, &recordedAt, &rec.PrevHash, &rec.Hash); err != nil {
		return Record{}, fmt.Errorf("eventlog: scan: %w", err)
	}
	if err := json.Unmarshal([]byte(attributes), &rec.Attributes); err != nil {
		return Record{}, fmt.Errorf("eventlog: decode attributes: %w", err)
	}
	rec.RecordedAt = time.Unix(0, recordedAt).UTC()
	return rec, nil
}

// chainHash commits to the previous hash, the sequence number, the event type,
// the JSON-encoded attributes (map keys are sorted by encoding/json) and the
// record time.
func chainHash(prev string, seq uint64, eventType string, attrs []byte, recordedAt time.Time) string {
	hasher := blake3.New(32, nil)
	prevBytes, err := hex.DecodeString(prev)
	if err != nil {
		prevBytes = []byte(prev)
	}
	var buf [8]byte
	_, _ = hasher.Write(prevBytes)
	binary.BigEndian.PutUint64(buf[:], seq)
	_, _ = hasher.Write(buf[:])
	_, _ = hasher.Write([]byte(eventType))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write(attrs)
	binary.BigEndian.PutUint64(buf[:], uint64(recordedAt.UnixNano()))
	_, _ = hasher.Write(buf[:])
	return hex.EncodeToString(hasher.Sum(nil))
}
