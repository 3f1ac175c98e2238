// Package syncutil holds the ledger's single-writer lock.
package syncutil

import (
	"context"
	"sync"
)

// Mutex is a channel-based mutex whose acquisition can be abandoned when the
// caller's context is cancelled. The zero value is ready to use.
type Mutex struct {
	once sync.Once
	ch   chan struct{}
}

func (m *Mutex) init() {
	m.once.Do(func() {
		m.ch = make(chan struct{}, 1)
		m.ch <- struct{}{} // Start unlocked.
	})
}

// LockContext acquires the mutex or returns ctx.Err() if ctx is done first.
// On success the caller MUST call the returned unlock function exactly once.
func (m *Mutex) LockContext(ctx context.Context) (func(), error) {
	m.init()

	// Fail fast on an already-cancelled context even if the lock is free.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case <-m.ch:
		var released sync.Once
		return func() {
			released.Do(func() { m.ch <- struct{}{} })
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex without waiting.
func (m *Mutex) TryLock() (func(), bool) {
	m.init()
	select {
	case <-m.ch:
		var released sync.Once
		return func() {
			released.Do(func() { m.ch <- struct{}{} })
		}, true
	default:
		return nil, false
	}
}
