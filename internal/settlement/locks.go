package settlement

import (
	"context"
	"sync"
)

// Locker serializes state transitions per booking. Two concurrent
// webhook deliveries, or a webhook racing the client-confirm call, must
// never interleave their read and write phases on the same booking.
type Locker interface {
	// Lock blocks until the key is held and returns the release func.
	Lock(ctx context.Context, key string) (func(), error)
}

// KeyedMutex is the in-process Locker for single-instance deployments
// and tests. Entries are reference counted so the map does not grow
// with booking history.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*kmEntry
}

type kmEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*kmEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &kmEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	released := false
	return func() {
		if released {
			return
		}
		released = true
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}, nil
}
