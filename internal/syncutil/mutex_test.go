package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutex_BasicLockUnlock(t *testing.T) {
	var m Mutex
	unlock, err := m.LockContext(context.Background())
	require.NoError(t, err)
	unlock()

	unlock, err = m.LockContext(context.Background())
	require.NoError(t, err)
	unlock()
}

func TestMutex_MutualExclusion(t *testing.T) {
	var m Mutex
	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(context.Background())
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			// Non-atomic read-modify-write; lost updates mean exclusion is broken.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), atomic.LoadInt64(&counter))
}

func TestMutex_ContextDeadline(t *testing.T) {
	var m Mutex
	unlock, err := m.LockContext(context.Background())
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMutex_CancelledContextFailsFast(t *testing.T) {
	var m Mutex
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.LockContext(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// The lock must still be free.
	unlock, ok := m.TryLock()
	require.True(t, ok)
	unlock()
}

func TestMutex_DoubleUnlockIsHarmless(t *testing.T) {
	var m Mutex
	unlock, err := m.LockContext(context.Background())
	require.NoError(t, err)
	unlock()
	unlock()

	u1, ok := m.TryLock()
	require.True(t, ok)
	_, ok = m.TryLock()
	assert.False(t, ok)
	u1()
}

func TestMutex_UnlockAllowsNext(t *testing.T) {
	var m Mutex
	unlock, err := m.LockContext(context.Background())
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(context.Background())
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second goroutine acquired lock before first released")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second goroutine did not acquire lock after release")
	}
}
