package rpc

import (
	"context"
	"sync"

	"github.com/mkhmik004/trustwork/integrations/eventlog"
)

const (
	defaultSubscriberBuffer = 64
	backlogPageSize         = 500
)

// Backlog serves journaled records after a cursor.
type Backlog interface {
	Since(ctx context.Context, cursor uint64, limit int) ([]eventlog.Record, error)
}

// Hub fans journal records out to websocket subscribers. Subscribers that
// fall behind by more than their buffer are disconnected and must reconnect
// with a cursor.
type Hub struct {
	backlog  Backlog
	buffer   int
	pageSize int

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	ch     chan eventlog.Record
	closed bool
}

func NewHub(backlog Backlog, buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{backlog: backlog, buffer: buffer, pageSize: backlogPageSize, subs: make(map[*subscription]struct{})}
}

// Publish delivers rec to every subscriber without blocking. It matches the
// eventlog.Journal.Subscribe callback signature.
func (h *Hub) Publish(rec eventlog.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- rec:
		default:
			h.dropLocked(sub)
		}
	}
}

// Subscribe registers a live subscription. Records published after it
// returns are buffered on the channel until read.
func (h *Hub) Subscribe() (<-chan eventlog.Record, func()) {
	sub := &subscription{ch: make(chan eventlog.Record, h.buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub.ch, func() {
		h.mu.Lock()
		h.dropLocked(sub)
		h.mu.Unlock()
	}
}

// Replay calls fn for every journaled record after cursor, one page at a
// time, until a short page shows the journal head was reached. It returns the
// last sequence visited, or cursor when nothing was replayed.
func (h *Hub) Replay(ctx context.Context, cursor uint64, fn func(eventlog.Record) error) (uint64, error) {
	if h.backlog == nil {
		return cursor, nil
	}
	for {
		page, err := h.backlog.Since(ctx, cursor, h.pageSize)
		if err != nil {
			return cursor, err
		}
		for _, rec := range page {
			if err := fn(rec); err != nil {
				return cursor, err
			}
			cursor = rec.Sequence
		}
		if len(page) < h.pageSize {
			return cursor, nil
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) dropLocked(sub *subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.subs, sub)
	close(sub.ch)
}
