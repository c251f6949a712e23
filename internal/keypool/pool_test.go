package keypool

import (
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetActive_RoundRobinWraparound(t *testing.T) {
	p := New([]string{"key-1", "key-2", "key-3"})

	var got []string
	for i := 0; i < 4; i++ {
		c, err := p.GetActive()
		require.NoError(t, err)
		got = append(got, c.Secret)
	}
	assert.Equal(t, []string{"key-1", "key-2", "key-3", "key-1"}, got)
}

func TestGetActive_SkipsExhausted(t *testing.T) {
	p := New([]string{"key-1", "key-2", "key-3"})

	c, err := p.GetActive()
	require.NoError(t, err)
	require.Equal(t, "key-1", c.Secret)

	p.MarkExhausted(HashKey("key-2"), "quota exceeded")

	c, err = p.GetActive()
	require.NoError(t, err)
	assert.Equal(t, "key-3", c.Secret)
}

func TestGetActive_PoolExhausted(t *testing.T) {
	p := New([]string{"key-1", "key-2", "key-3"})
	for _, k := range []string{"key-1", "key-2", "key-3"} {
		p.MarkExhausted(HashKey(k), "quota exceeded")
	}

	_, err := p.GetActive()
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrPoolExhausted))
}

func TestReset_Reactivates(t *testing.T) {
	p := New([]string{"key-1"})
	p.MarkExhausted(HashKey("key-1"), "quota exceeded")
	_, err := p.GetActive()
	require.Error(t, err)

	p.Reset()

	c, err := p.GetActive()
	require.NoError(t, err)
	assert.Equal(t, "key-1", c.Secret)

	status := p.Status()
	require.Len(t, status, 1)
	assert.True(t, status[0].Active)
	assert.Nil(t, status[0].ExhaustedAt)
}

func TestStatus_TracksUsageWithoutSecrets(t *testing.T) {
	p := New([]string{"key-1", "key-2"})
	_, err := p.GetActive()
	require.NoError(t, err)
	p.MarkExhausted(HashKey("key-2"), "quota exceeded")

	status := p.Status()
	require.Len(t, status, 2)
	assert.Equal(t, HashKey("key-1"), status[0].KeyHash)
	assert.Equal(t, int64(1), status[0].UsageCount)
	assert.NotNil(t, status[0].LastUsedAt)
	assert.False(t, status[1].Active)
	assert.NotNil(t, status[1].ExhaustedAt)
	for _, c := range status {
		assert.NotContains(t, c.KeyHash, "key-", "raw secret must not leak")
	}
}

func TestReset_ConcurrentWithSelections(t *testing.T) {
	p := New([]string{"key-1", "key-2", "key-3"})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c, err := p.GetActive()
				if err == nil && i%3 == 0 {
					p.MarkExhausted(c.Hash, "quota exceeded")
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			p.Reset()
		}
	}()
	wg.Wait()

	p.Reset()
	_, err := p.GetActive()
	assert.NoError(t, err, "pool usable after concurrent churn")
}
