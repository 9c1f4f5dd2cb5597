package syncengine

import (
	"sort"
	"sync"
)

// keyedLocks hands out one mutex per key so mutations of a single session
// (or machine) are serialized while different keys proceed in parallel.
// Entries are reference counted and dropped once nobody holds or waits on
// them.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyedLock)}
}

func (k *keyedLocks) acquire(key string) *keyedLock {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return l
}

func (k *keyedLocks) release(key string, l *keyedLock) {
	l.mu.Unlock()

	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// lock acquires the locks for keys in sorted order and returns the
// matching unlock. Duplicate keys are locked once.
func (k *keyedLocks) lock(keys ...string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	type held struct {
		key string
		l   *keyedLock
	}
	locked := make([]held, 0, len(sorted))
	for i, key := range sorted {
		if i > 0 && key == sorted[i-1] {
			continue
		}
		locked = append(locked, held{key: key, l: k.acquire(key)})
	}
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			k.release(locked[i].key, locked[i].l)
		}
	}
}

// size reports how many keys currently have a lock entry.
func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
