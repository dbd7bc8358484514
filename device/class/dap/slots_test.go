package dap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotBuffer_New(t *testing.T) {
	s := NewSlotBuffer(4, 64)
	assert.Equal(t, 4, s.Count())
	assert.Equal(t, 64, s.Size())
	assert.True(t, s.Empty())
	assert.False(t, s.Full())
	assert.True(t, s.WasEmpty(), "starts idle")
	assert.False(t, s.WasFull())
	assert.Nil(t, s.ReadSlot())

	assert.Equal(t, 2, NewSlotBuffer(1, 8).Count(), "minimum two slots")
}

func TestSlotBuffer_FullKeepsOneSlotFree(t *testing.T) {
	s := NewSlotBuffer(4, 8)
	e := s.Epoch()

	for i := 0; i < 2; i++ {
		s.WriteSlot()[0] = byte(i)
		ok, full, _ := s.Commit(e, 1)
		require.True(t, ok)
		assert.False(t, full)
	}
	s.WriteSlot()[0] = 2
	ok, full, _ := s.Commit(e, 1)
	require.True(t, ok)
	assert.True(t, full, "count-1 slots used")
	assert.True(t, s.Full())
	assert.True(t, s.WasFull())
	assert.Equal(t, 3, s.Len())

	for i := 0; i < 3; i++ {
		slot := s.ReadSlot()
		require.Len(t, slot, 1)
		assert.Equal(t, byte(i), slot[0], "FIFO order")
		ok, empty, wasFull := s.Release(e)
		require.True(t, ok)
		assert.Equal(t, i == 2, empty)
		assert.Equal(t, i == 0, wasFull, "first release restarts the writer")
	}
	assert.True(t, s.WasEmpty())
}

func TestSlotBuffer_Wraps(t *testing.T) {
	s := NewSlotBuffer(3, 4)
	e := s.Epoch()
	for i := 0; i < 10; i++ {
		copy(s.WriteSlot(), []byte{byte(i), byte(i)})
		ok, _, wasEmpty := s.Commit(e, 2)
		require.True(t, ok)
		require.True(t, wasEmpty, "reader idle before every commit")
		assert.Equal(t, []byte{byte(i), byte(i)}, s.ReadSlot())
		ok, empty, _ := s.Release(e)
		require.True(t, ok)
		require.True(t, empty)
	}
}

func TestSlotBuffer_FlagsConsumedOnce(t *testing.T) {
	s := NewSlotBuffer(2, 4)
	e := s.Epoch()

	_, full, wasEmpty := s.Commit(e, 1)
	require.True(t, full)
	assert.True(t, wasEmpty)
	assert.False(t, s.WasEmpty(), "commit clears")
	assert.True(t, s.WasFull())

	_, empty, wasFull := s.Release(e)
	require.True(t, empty)
	assert.True(t, wasFull)
	assert.False(t, s.WasFull(), "release clears")
	assert.True(t, s.WasEmpty())
}

// The writer and reader of the response ring race: a commit may land while
// the reader is releasing the slot before it. Whatever the order, exactly
// one side must start the next transfer for every committed slot.
func TestSlotBuffer_CommitDuringDrain(t *testing.T) {
	s := NewSlotBuffer(4, 4)
	e := s.Epoch()

	// First response: reader idle, writer starts it.
	_, _, start := s.Commit(e, 1)
	require.True(t, start)

	// Second response committed while the first is on the wire.
	_, _, start = s.Commit(e, 1)
	assert.False(t, start, "reader still busy")

	// First completes; reader sees more and starts the second.
	_, empty, _ := s.Release(e)
	require.False(t, empty)
	require.NotNil(t, s.ReadSlot())

	// Second completes; reader goes idle.
	_, empty, _ = s.Release(e)
	require.True(t, empty)

	// Third response: the writer must see the idle reader.
	_, _, start = s.Commit(e, 1)
	assert.True(t, start, "third response would be stranded")
	assert.Equal(t, 1, s.Len())
}

func TestSlotBuffer_ReleaseEmpty(t *testing.T) {
	s := NewSlotBuffer(4, 4)
	ok, empty, wasFull := s.Release(s.Epoch())
	assert.True(t, ok)
	assert.True(t, empty)
	assert.False(t, wasFull)
	assert.Zero(t, s.Len())
}

func TestSlotBuffer_ResetInvalidatesEpoch(t *testing.T) {
	s := NewSlotBuffer(4, 4)
	old := s.Epoch()
	s.Commit(old, 1)
	s.Commit(old, 1)

	s.Reset()
	assert.NotEqual(t, old, s.Epoch())
	assert.True(t, s.Empty())
	assert.True(t, s.WasEmpty())
	assert.False(t, s.WasFull())

	ok, _, _ := s.Commit(old, 1)
	assert.False(t, ok, "stale commit")
	ok, _, _ = s.Release(old)
	assert.False(t, ok, "stale release")
	assert.True(t, s.Empty())
}
