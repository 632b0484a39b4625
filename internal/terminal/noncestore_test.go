package terminal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNonceStoreRejectsReplay(t *testing.T) {
	s := newNonceStore()
	now := time.Now()

	assert.True(t, s.CheckAndRecord("machine-1", "session-1", "nonce-a", now))
	assert.False(t, s.CheckAndRecord("machine-1", "session-1", "nonce-a", now))
}

func TestNonceStoreScopedPerSession(t *testing.T) {
	s := newNonceStore()
	now := time.Now()

	assert.True(t, s.CheckAndRecord("machine-1", "session-1", "nonce-a", now))
	assert.True(t, s.CheckAndRecord("machine-1", "session-2", "nonce-a", now))
	assert.True(t, s.CheckAndRecord("machine-2", "session-1", "nonce-a", now))
}

func TestNonceStoreEvictsOldestBeyondLimit(t *testing.T) {
	s := newNonceStore()
	now := time.Now()

	for i := 0; i < nonceHistoryLimit+10; i++ {
		nonce := time.Now().Add(time.Duration(i) * time.Nanosecond).String() + string(rune(i))
		assert.True(t, s.CheckAndRecord("machine-1", "session-1", nonce, now))
	}

	b := s.buckets[bucketKey("machine-1", "session-1")]
	assert.LessOrEqual(t, len(b.order), nonceHistoryLimit)
}

func TestNonceStorePrunesExpiredEntries(t *testing.T) {
	s := newNonceStore()
	stale := time.Now().Add(-time.Duration(nonceExpiryMultiple*clockSkewToleranceSeconds+60) * time.Second)

	assert.True(t, s.CheckAndRecord("machine-1", "session-1", "old-nonce", stale))
	// A fresh insert triggers the lazy prune of "old-nonce" before checking.
	assert.True(t, s.CheckAndRecord("machine-1", "session-1", "new-nonce", time.Now()))
	assert.True(t, s.CheckAndRecord("machine-1", "session-1", "old-nonce", time.Now()))
}
