package mailbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestPutTakeOrder(t *testing.T) {
	m := New[int](8)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Put(ctx, i))
	}
	for i := 0; i < 5; i++ {
		v, ok, err := m.Take(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestTryPutFull(t *testing.T) {
	m := New[string](2)

	assert.True(t, m.TryPut("a"))
	assert.True(t, m.TryPut("b"))
	assert.False(t, m.TryPut("c"))

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.Puts)
	assert.Equal(t, int64(1), stats.FullHits)
	assert.Equal(t, 2, stats.Queued)
}

func TestPutBlocksUntilContextDone(t *testing.T) {
	m := New[int](1)
	require.NoError(t, m.Put(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Put(ctx, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseDrains(t *testing.T) {
	m := New[int](4)
	require.NoError(t, m.Put(context.Background(), 7))
	m.Close()

	assert.ErrorIs(t, m.Put(context.Background(), 8), ErrClosed)
	assert.False(t, m.TryPut(9))

	v, ok, err := m.Take(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, v)

	_, ok, err = m.Take(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

// Producers hammering the mailbox while it closes must never panic; the
// data channel stays open and shutdown travels through the done channel.
func TestPutRacingCloseDoesNotPanic(t *testing.T) {
	for i := 0; i < 1000; i++ {
		m := New[int](1)
		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			for j := 0; j < 8; j++ {
				m.TryPut(j)
			}
		}()
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			defer cancel()
			for j := 0; j < 8; j++ {
				if err := m.Put(ctx, j); err != nil {
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			m.Close()
		}()
		wg.Wait()

		assert.False(t, m.TryPut(99))
		assert.ErrorIs(t, m.Put(context.Background(), 99), ErrClosed)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m := New[int](1)
	m.Close()
	assert.NotPanics(t, m.Close)
}

// Property: any sequence of puts is taken back in exactly the same order.
func TestPropertyFIFO(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 200).Draw(rt, "n")
		m := New[string](n + 1)
		ctx := context.Background()

		sent := make([]string, 0, n)
		for i := 0; i < n; i++ {
			v := fmt.Sprintf("msg-%d", i)
			sent = append(sent, v)
			if err := m.Put(ctx, v); err != nil {
				rt.Fatalf("put failed: %v", err)
			}
		}

		for i := 0; i < n; i++ {
			v, ok, err := m.Take(ctx)
			if err != nil || !ok {
				rt.Fatalf("take %d failed: ok=%v err=%v", i, ok, err)
			}
			if v != sent[i] {
				rt.Fatalf("order violated at %d: got %s want %s", i, v, sent[i])
			}
		}
	})
}
