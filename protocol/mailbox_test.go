package protocol

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxOrdering(t *testing.T) {
	mb := NewMailbox("test", 4)
	for i := 0; i < 10; i++ {
		require.NoError(t, mb.Post(i))
	}
	assert.Equal(t, 10, mb.Len())

	for i := 0; i < 10; i++ {
		ev, ok := mb.TryTake()
		require.True(t, ok)
		assert.Equal(t, i, ev)
	}
	_, ok := mb.TryTake()
	assert.False(t, ok)
}

func TestMailboxTakeTimesOut(t *testing.T) {
	mb := NewMailbox("test", 1)
	ev, ok, err := mb.Take(10 * time.Millisecond)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, ev)
}

func TestMailboxConcurrentPosters(t *testing.T) {
	mb := NewMailbox("test", 16)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				mb.Post(i)
			}
		}()
	}
	wg.Wait()

	taken := 0
	for {
		_, ok, err := mb.Take(10 * time.Millisecond)
		require.NoError(t, err)
		if !ok {
			break
		}
		taken++
	}
	assert.Equal(t, 800, taken)
}

func TestMailboxClose(t *testing.T) {
	mb := NewMailbox("conn-1", 1)
	assert.Equal(t, "conn-1", mb.Name())
	require.NoError(t, mb.Post("x"))

	mb.Close()
	mb.Close()
	assert.ErrorIs(t, mb.Post("y"), ErrMailboxClosed)
	_, ok := mb.TryTake()
	assert.False(t, ok)
	_, _, err := mb.Take(time.Millisecond)
	assert.ErrorIs(t, err, ErrMailboxClosed)
}
