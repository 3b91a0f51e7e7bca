package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkhmik004/trustwork/core/events"
	"github.com/mkhmik004/trustwork/core/types"
)

type wirePayload struct{ evt *types.Event }

func (w wirePayload) EventType() string   { return w.evt.Type }
func (w wirePayload) Event() *types.Event { return w.evt }

type bareEvent struct{}

func (bareEvent) EventType() string { return "bare" }

func fixedClock() func() time.Time {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func sampleEvent(eventType, id string) *types.Event {
	return &types.Event{Type: eventType, Attributes: map[string]string{"id": id, "amount": "100"}}
}

func TestJournalAppendAndSince(t *testing.T) {
	journal, err := Open(":memory:", WithClock(fixedClock()))
	require.NoError(t, err)
	defer journal.Close()

	ctx := context.Background()
	first, err := journal.Append(ctx, sampleEvent("escrow.contract.created", "0"))
	require.NoError(t, err)
	second, err := journal.Append(ctx, sampleEvent("escrow.milestone.released", "0"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, GenesisHash, first.PrevHash)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Len(t, first.Hash, 64)

	seq, head := journal.Head()
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, second.Hash, head)

	records, err := journal.Since(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "escrow.milestone.released", records[0].Type)
	assert.Equal(t, "100", records[0].Attributes["amount"])
	assert.True(t, records[0].RecordedAt.Equal(second.RecordedAt))

	limited, err := journal.Since(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, uint64(1), limited[0].Sequence)

	require.NoError(t, journal.Verify(ctx))
}

func TestJournalRejectsEmptyType(t *testing.T) {
	journal, err := Open(":memory:")
	require.NoError(t, err)
	defer journal.Close()
	_, err = journal.Append(context.Background(), &types.Event{})
	require.Error(t, err)
	_, err = journal.Append(context.Background(), nil)
	require.Error(t, err)
}

func TestJournalResumesChainAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	journal, err := Open(path)
	require.NoError(t, err)
	first, err := journal.Append(context.Background(), sampleEvent("escrow.contract.created", "0"))
	require.NoError(t, err)
	require.NoError(t, journal.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	seq, head := reopened.Head()
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, first.Hash, head)

	next, err := reopened.Append(context.Background(), sampleEvent("escrow.contract.refunded", "0"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.Sequence)
	assert.Equal(t, first.Hash, next.PrevHash)
	require.NoError(t, reopened.Verify(context.Background()))
}

func TestJournalVerifyDetectsTampering(t *testing.T) {
	journal, err := Open(":memory:")
	require.NoError(t, err)
	defer journal.Close()
	ctx := context.Background()
	for _, id := range []string{"0", "1", "2"} {
		_, err := journal.Append(ctx, sampleEvent("escrow.contract.created", id))
		require.NoError(t, err)
	}
	_, err = journal.db.Exec(`UPDATE events SET attributes = ? WHERE sequence = 2`, `{"amount":"999","id":"1"}`)
	require.NoError(t, err)
	err = journal.Verify(ctx)
	require.ErrorIs(t, err, ErrChainBroken)
	assert.Contains(t, err.Error(), "sequence 2")
}

func TestJournalEmitAndSubscribe(t *testing.T) {
	journal, err := Open(":memory:")
	require.NoError(t, err)
	defer journal.Close()

	var seen []uint64
	cancel := journal.Subscribe(func(rec Record) { seen = append(seen, rec.Sequence) })

	var emitter events.Emitter = journal
	emitter.Emit(wirePayload{evt: sampleEvent("escrow.dispute.raised", "4")})
	emitter.Emit(bareEvent{})
	emitter.Emit(wirePayload{evt: sampleEvent("escrow.dispute.cleared", "4")})
	cancel()
	emitter.Emit(wirePayload{evt: sampleEvent("escrow.contract.refunded", "4")})

	assert.Equal(t, []uint64{1, 2}, seen)
	seq, _ := journal.Head()
	assert.Equal(t, uint64(3), seq)
}

func TestJournalClosedRejectsAppend(t *testing.T) {
	journal, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, journal.Close())
	_, err = journal.Append(context.Background(), sampleEvent("escrow.contract.created", "0"))
	require.ErrorIs(t, err, ErrClosed)
}
