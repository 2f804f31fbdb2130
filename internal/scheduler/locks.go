package scheduler

import (
	"sort"
	"sync"
)

// KeyedLock hands out one exclusive claim per key. The manager uses it to
// refuse a second concurrent run of the same tree.
type KeyedLock struct {
	mu   sync.Mutex          // Guards the held map itself
	held map[string]struct{} // Keys currently claimed
}

// NewKeyedLock creates a new KeyedLock.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{
		held: make(map[string]struct{}),
	}
}

// TryLock claims key and reports whether the claim succeeded. It never blocks.
func (k *KeyedLock) TryLock(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.held[key]; exists {
		return false
	}
	k.held[key] = struct{}{}
	return true
}

// Unlock releases the claim on key. Releasing an unclaimed key is a no-op.
func (k *KeyedLock) Unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.held, key)
}

// Held returns a sorted snapshot of claimed keys.
func (k *KeyedLock) Held() []string {
	k.mu.Lock()
	defer k.mu.Unlock()

	keys := make([]string, 0, len(k.held))
	for key := range k.held {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
