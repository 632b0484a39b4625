package secevents

import "sync"

// keyLock is a per-key mutex pool so upserts for unrelated
// (machineID, fingerprint) pairs never block each other, while two
// concurrent arrivals for the *same* pair are strictly serialized —
// required to uphold the at-most-one-non-resolved invariant.
type keyLock struct {
	locks sync.Map // string -> *sync.Mutex
}

func newKeyLock() *keyLock {
	return &keyLock{}
}

func (k *keyLock) lockFor(key string) *sync.Mutex {
	v, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// withLock runs fn holding the mutex for key.
func (k *keyLock) withLock(key string, fn func()) {
	mu := k.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	fn()
}
