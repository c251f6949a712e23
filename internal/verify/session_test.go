package verify

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStore_RedeemOnce(t *testing.T) {
	s := NewSessionStore(time.Minute, 10)

	require.True(t, s.Put("sess-1"))
	assert.True(t, s.Redeem("sess-1"))
	assert.False(t, s.Redeem("sess-1"), "second redeem must fail")
}

func TestSessionStore_UnknownFailsClosed(t *testing.T) {
	s := NewSessionStore(time.Minute, 10)
	assert.False(t, s.Redeem("never-issued"))
}

func TestSessionStore_Expiry(t *testing.T) {
	s := NewSessionStore(time.Minute, 10)
	now := time.Now()
	s.now = func() time.Time { return now }

	require.True(t, s.Put("sess-1"))

	now = now.Add(2 * time.Minute)
	assert.False(t, s.Redeem("sess-1"), "expired session must not redeem")
	assert.Zero(t, s.Len(), "expired session is discarded on redeem")
}

func TestSessionStore_PendingCap(t *testing.T) {
	s := NewSessionStore(time.Minute, 2)

	require.True(t, s.Put("a"))
	require.True(t, s.Put("b"))
	assert.False(t, s.Put("c"), "cap reached")

	require.True(t, s.Redeem("a"))
	assert.True(t, s.Put("c"), "room after redeem")
}

func TestSessionStore_CapIgnoresExpired(t *testing.T) {
	s := NewSessionStore(time.Minute, 1)
	now := time.Now()
	s.now = func() time.Time { return now }

	require.True(t, s.Put("a"))
	now = now.Add(2 * time.Minute)
	assert.True(t, s.Put("b"), "expired sessions do not count against the cap")
}

func TestSessionStore_ConcurrentRedeem(t *testing.T) {
	s := NewSessionStore(time.Minute, 100)
	const n = 50
	for i := 0; i < n; i++ {
		require.True(t, s.Put(fmt.Sprintf("sess-%d", i)))
	}

	var wg sync.WaitGroup
	wins := make(chan string, n*4)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				id := fmt.Sprintf("sess-%d", i)
				if s.Redeem(id) {
					wins <- id
				}
			}
		}()
	}
	wg.Wait()
	close(wins)

	seen := map[string]int{}
	for id := range wins {
		seen[id]++
	}
	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "session %s redeemed more than once", id)
	}
}
