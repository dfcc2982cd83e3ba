//go:build test

package ringchan_test

import (
	"sync"
	"testing"

	"github.com/srg/gattlink/internal/ringchan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingChannel_OverwritesOldest(t *testing.T) {
	rc := ringchan.New[int](3)

	for i := 0; i < 10; i++ {
		require.True(t, rc.Send(i), "send MUST succeed while open")
	}
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}

	assert.Equal(t, []int{7, 8, 9}, got, "only the newest values MUST survive")
	stats := rc.Stats()
	assert.Equal(t, int64(10), stats.Sent)
	assert.Equal(t, int64(7), stats.Overwritten)
}

func TestRingChannel_TrySend(t *testing.T) {
	rc := ringchan.New[string](1)

	assert.True(t, rc.TrySend("a"), "first send MUST fit")
	assert.False(t, rc.TrySend("b"), "second send MUST be refused when full")
	assert.Equal(t, 1, rc.Len())
	assert.Equal(t, 1, rc.Cap())
}

func TestRingChannel_SendAfterClose(t *testing.T) {
	rc := ringchan.New[int](2)
	rc.Close()
	rc.Close()

	assert.NotPanics(t, func() {
		assert.False(t, rc.Send(1), "send after close MUST report false")
		assert.False(t, rc.TrySend(1), "try send after close MUST report false")
	})
	assert.Equal(t, int64(2), rc.Stats().Rejected)
}

func TestRingChannel_ConcurrentProducers(t *testing.T) {
	rc := ringchan.New[int](8)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rc.Send(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, rc.Len(), "buffer MUST stay bounded")
	stats := rc.Stats()
	assert.Equal(t, int64(400), stats.Sent)
	assert.Equal(t, int64(392), stats.Overwritten)
}
