package rendezvous

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalBroadcast(t *testing.T) {
	sig := New[int]()

	const waiters = 16
	results := make(chan int, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := sig.Wait(context.Background())
			if err == nil {
				results <- v
			}
		}()
	}

	require.True(t, sig.Notify(42))
	wg.Wait()
	close(results)

	count := 0
	for v := range results {
		assert.Equal(t, 42, v)
		count++
	}
	assert.Equal(t, waiters, count)
}

func TestSignalFirstNotifyWins(t *testing.T) {
	sig := New[string]()

	assert.True(t, sig.Notify("first"))
	assert.False(t, sig.Notify("second"))

	for i := 0; i < 3; i++ {
		v, err := sig.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "first", v)
	}
}

func TestSignalValue(t *testing.T) {
	sig := New[bool]()

	_, ok := sig.Value()
	assert.False(t, ok)

	sig.Notify(true)
	v, ok := sig.Value()
	assert.True(t, ok)
	assert.True(t, v)

	select {
	case <-sig.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestSignalWaitCancelled(t *testing.T) {
	sig := New[bool]()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sig.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A cancelled waiter does not consume the signal.
	sig.Notify(true)
	v, err := sig.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, v)
}
