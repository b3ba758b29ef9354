// Package lock provides fail-fast exclusive locks keyed by document.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned when another holder owns the key.
var ErrLocked = errors.New("document is locked")

// Locker acquires an exclusive lock without waiting. The returned release
// func is safe to call more than once.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), err error)
}

// MemoryLocker serializes writers within a single process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
