package dap

import "sync"

// SlotBuffer is a ring of fixed-size packet slots shared by the USB event
// goroutine and the pipeline worker.
//
// The write and read indices run freely and are reduced modulo the slot
// count on access. One slot is always kept free, so the writer never
// overtakes the reader by more than count-1 slots. The sticky flags record
// which side has stopped and must be restarted by the other: WasFull is set
// by the writer when it finds no free slot, WasEmpty by the reader when it
// drains the last slot.
//
// Every method holds the mutex for O(1) index updates only; slot contents
// are read and written outside it.
type SlotBuffer struct {
	mutex    sync.Mutex
	slots    [][]byte
	lens     []int
	wr, rd   uint32
	wasFull  bool
	wasEmpty bool
	epoch    uint32
}

// NewSlotBuffer allocates count slots of size bytes each.
func NewSlotBuffer(count, size int) *SlotBuffer {
	if count < 2 {
		count = 2
	}
	s := &SlotBuffer{
		slots:    make([][]byte, count),
		lens:     make([]int, count),
		wasEmpty: true,
	}
	for i := range s.slots {
		s.slots[i] = make([]byte, size)
	}
	return s
}

// Count returns the number of slots.
func (s *SlotBuffer) Count() int {
	return len(s.slots)
}

// Size returns the slot size in bytes.
func (s *SlotBuffer) Size() int {
	return len(s.slots[0])
}

func (s *SlotBuffer) n() uint32 {
	return uint32(len(s.slots))
}

// Reset empties the buffer, clears WasFull, sets WasEmpty and starts a new
// epoch.
func (s *SlotBuffer) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.wr, s.rd = 0, 0
	s.wasFull = false
	s.wasEmpty = true
	s.epoch++
}

// Epoch returns the reset counter. Callers that hold a slot across a
// blocking operation compare epochs before committing into it.
func (s *SlotBuffer) Epoch() uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.epoch
}

// Len returns the number of committed slots.
func (s *SlotBuffer) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return int(s.wr - s.rd)
}

// Full reports whether no slot is free for writing.
func (s *SlotBuffer) Full() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.full()
}

func (s *SlotBuffer) full() bool {
	return s.wr-s.rd >= s.n()-1
}

// Empty reports whether no slot is committed.
func (s *SlotBuffer) Empty() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.wr == s.rd
}

// WriteSlot returns the slot at the write index.
func (s *SlotBuffer) WriteSlot() []byte {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.slots[s.wr%s.n()]
}

// Commit publishes n bytes in the write slot and advances the write index.
//
// full reports, and sets WasFull, when no slot is left for the writer, which
// must not refill until the reader releases one. wasEmpty reports, and
// clears, WasEmpty: the reader had stopped before this slot was published,
// so the writer must restart it. Both are decided under one lock with the
// index update, so no release can slip in between. A stale epoch leaves the
// buffer untouched and returns ok false.
func (s *SlotBuffer) Commit(epoch uint32, n int) (ok, full, wasEmpty bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if epoch != s.epoch {
		return false, false, false
	}
	s.lens[s.wr%s.n()] = n
	s.wr++
	wasEmpty, s.wasEmpty = s.wasEmpty, false
	if s.full() {
		s.wasFull = true
		full = true
	}
	return true, full, wasEmpty
}

// ReadSlot returns the committed slot at the read index, or nil if the
// buffer is empty.
func (s *SlotBuffer) ReadSlot() []byte {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.wr == s.rd {
		return nil
	}
	i := s.rd % s.n()
	return s.slots[i][:s.lens[i]]
}

// Release advances the read index past the current slot.
//
// empty reports, and sets WasEmpty, once the reader has caught up with the
// writer. wasFull reports, and clears, WasFull: the writer had stopped on a
// full buffer and the reader must restart it now that a slot is free. A
// stale epoch leaves the buffer untouched and returns ok false.
func (s *SlotBuffer) Release(epoch uint32) (ok, empty, wasFull bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if epoch != s.epoch {
		return false, false, false
	}
	if s.wr != s.rd {
		s.rd++
	}
	wasFull, s.wasFull = s.wasFull, false
	if s.wr == s.rd {
		s.wasEmpty = true
		empty = true
	}
	return true, empty, wasFull
}

// WasFull reports the sticky full flag.
func (s *SlotBuffer) WasFull() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.wasFull
}

// WasEmpty reports the sticky empty flag.
func (s *SlotBuffer) WasEmpty() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.wasEmpty
}
