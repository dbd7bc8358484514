package bytefifo

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClampsCapacity(t *testing.T) {
	f := New(0)
	assert.Equal(t, 1, f.Cap())
	assert.Equal(t, 1, f.Space())
	assert.Equal(t, 0, f.Len())
}

func TestTryWriteTryRead(t *testing.T) {
	f := New(8)

	assert.Equal(t, 5, f.TryWrite([]byte("hello")))
	assert.Equal(t, 5, f.Len())
	assert.Equal(t, 3, f.Space())

	// Only three bytes fit.
	assert.Equal(t, 3, f.TryWrite([]byte("world")))
	assert.Equal(t, 0, f.Space())
	assert.Equal(t, 0, f.TryWrite([]byte("x")))

	buf := make([]byte, 16)
	n := f.TryRead(buf)
	require.Equal(t, 8, n)
	assert.Equal(t, "hellowor", string(buf[:n]))
	assert.Equal(t, 0, f.Len())
}

func TestWrapAround(t *testing.T) {
	f := New(6)
	buf := make([]byte, 6)

	f.TryWrite([]byte("abcd"))
	f.TryRead(buf[:3]) // head now at 3
	require.Equal(t, 5, f.TryWrite([]byte("efghi")))
	assert.Equal(t, 6, f.Len())

	n := f.TryRead(buf)
	assert.Equal(t, "defghi", string(buf[:n]))
}

func TestPeekDiscard(t *testing.T) {
	f := New(8)
	f.TryWrite([]byte("abcdef"))

	buf := make([]byte, 4)
	assert.Equal(t, 4, f.Peek(buf))
	assert.Equal(t, "abcd", string(buf))
	assert.Equal(t, 6, f.Len(), "peek must not consume")

	assert.Equal(t, 2, f.Discard(2))
	assert.Equal(t, 4, f.Len())
	assert.Equal(t, 4, f.Discard(10))
	assert.Equal(t, 0, f.Len())
}

func TestSpaceAfterPartialPop(t *testing.T) {
	f := New(10)
	f.TryWrite(bytes.Repeat([]byte{0xAA}, 10))
	require.Equal(t, 0, f.Space())

	buf := make([]byte, 3)
	require.Equal(t, 3, f.Pop(buf, 0))
	assert.Equal(t, 3, f.Space())
	assert.Equal(t, 7, f.Len())
}

func TestPushTimesOutWithShortCount(t *testing.T) {
	f := New(4)

	start := time.Now()
	n := f.Push([]byte("abcdefgh"), 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, 4, n)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

func TestPushUnblocksWhenConsumerReads(t *testing.T) {
	f := New(4)
	f.TryWrite([]byte("abcd"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		buf := make([]byte, 4)
		f.TryRead(buf)
	}()

	n := f.Push([]byte("wxyz"), 2*time.Second)
	wg.Wait()
	assert.Equal(t, 4, n)

	buf := make([]byte, 4)
	f.TryRead(buf)
	assert.Equal(t, "wxyz", string(buf))
}

func TestPopWaitsForData(t *testing.T) {
	f := New(4)

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.TryWrite([]byte("z"))
	}()

	buf := make([]byte, 4)
	n := f.Pop(buf, 2*time.Second)
	require.Equal(t, 1, n)
	assert.Equal(t, byte('z'), buf[0])
}

func TestPopTimeout(t *testing.T) {
	f := New(4)
	buf := make([]byte, 4)
	assert.Equal(t, 0, f.Pop(buf, 10*time.Millisecond))
}

func TestReset(t *testing.T) {
	f := New(4)
	f.TryWrite([]byte("abc"))
	f.Reset()
	assert.Equal(t, 0, f.Len())
	assert.Equal(t, 4, f.Space())
}

func TestDataSignal(t *testing.T) {
	f := New(4)
	f.TryWrite([]byte("a"))

	select {
	case <-f.Data():
	case <-time.After(time.Second):
		t.Fatal("no data signal after write")
	}
}
