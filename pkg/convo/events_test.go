package convo

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForBatches(t *testing.T, sink *fakeSink, n int) [][]Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if batches := sink.all(); len(batches) >= n {
			return batches
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d batches, got %d", n, len(sink.all()))
	return nil
}

func TestEventBatcher_CoalescesSameTick(t *testing.T) {
	sink := &fakeSink{}
	b := NewEventBatcher(zerolog.Nop(), sink)
	defer b.Close()

	rec := &Record{LocalID: "r1"}
	other := &Record{LocalID: "r2"}
	b.RecordAdded(rec)
	b.RecordChanged(rec)
	b.RecordChanged(other)

	batches := waitForBatches(t, sink, 1)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	// The change collapsed into the pending add: the UI never saw the
	// record, so "added" is the right story.
	assert.Equal(t, EventAdded, batches[0][0].Type)
	assert.Equal(t, "r1", batches[0][0].LocalID)
	assert.Equal(t, EventChanged, batches[0][1].Type)
}

func TestEventBatcher_RemovalFlushesImmediately(t *testing.T) {
	sink := &fakeSink{}
	b := NewEventBatcher(zerolog.Nop(), sink)
	defer b.Close()

	added := &Record{LocalID: "r1"}
	removed := &Record{LocalID: "r2"}
	b.RecordAdded(added)
	b.RecordRemoved(removed)

	// No waiting: the removal forces both batches out synchronously, adds
	// first so ordering is preserved.
	batches := sink.all()
	require.Len(t, batches, 2)
	assert.Equal(t, EventAdded, batches[0][0].Type)
	require.Len(t, batches[1], 1)
	assert.Equal(t, EventRemoved, batches[1][0].Type)
	assert.Equal(t, "r2", batches[1][0].LocalID)
}

func TestEventBatcher_CloseFlushesPending(t *testing.T) {
	sink := &fakeSink{}
	b := NewEventBatcher(zerolog.Nop(), sink)

	b.RecordAdded(&Record{LocalID: "r1"})
	b.Close()

	batches := sink.all()
	require.Len(t, batches, 1)
	assert.Equal(t, "r1", batches[0][0].LocalID)
}

func TestEventBatcher_NilSinkIsSafe(t *testing.T) {
	b := NewEventBatcher(zerolog.Nop(), nil)
	b.RecordAdded(&Record{LocalID: "r1"})
	b.RecordRemoved(&Record{LocalID: "r1"})
	b.Close()
}
