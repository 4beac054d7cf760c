package dedup

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShouldProcess_WindowScenario(t *testing.T) {
	d := New(time.Second)
	const T = int64(1_700_000_000_000)

	assert.True(t, d.ShouldProcess("m1", T))
	assert.False(t, d.ShouldProcess("m1", T+10))
	assert.True(t, d.ShouldProcess("m1", T+2000))
}

func TestShouldProcess_FreshWithinWindow(t *testing.T) {
	d := New(time.Second)
	const t1 = int64(5_000)

	assert.True(t, d.ShouldProcess("k", t1))
	for _, delta := range []int64{0, 1, 500, 999} {
		assert.False(t, d.ShouldProcess("k", t1+delta), "delta %d should still be a duplicate", delta)
	}
}

func TestShouldProcess_ExactlyWindowIsNew(t *testing.T) {
	d := New(time.Second)

	assert.True(t, d.ShouldProcess("k", 0+10_000))
	assert.True(t, d.ShouldProcess("k", 11_000))
	// The refreshed timestamp starts a new window.
	assert.False(t, d.ShouldProcess("k", 11_500))
}

func TestShouldProcess_KeysIndependent(t *testing.T) {
	d := New(time.Minute)

	assert.True(t, d.ShouldProcess("a", 1))
	assert.True(t, d.ShouldProcess("b", 2))
	assert.False(t, d.ShouldProcess("a", 3))
	assert.False(t, d.ShouldProcess("b", 4))
}

func TestSweepBoundsMemory(t *testing.T) {
	evicted := 0
	d := New(time.Second, WithEvictionHook(func(n int) { evicted += n }))

	for i := 0; i < 100; i++ {
		d.ShouldProcess(fmt.Sprintf("old-%d", i), 1_000)
	}
	assert.Equal(t, 100, d.Len())

	// A later insert past the window sweeps every stale entry.
	assert.True(t, d.ShouldProcess("new", 5_000))
	assert.Equal(t, 1, d.Len())
	assert.Equal(t, 100, evicted)
}

func TestSweepKeepsFreshEntries(t *testing.T) {
	d := New(10*time.Second, WithSweepInterval(time.Second))

	assert.True(t, d.ShouldProcess("fresh", 20_000))
	assert.True(t, d.ShouldProcess("stale", 1_000))
	// stale was inserted "in the past"; the sweep at 25s removes it but keeps fresh.
	assert.True(t, d.ShouldProcess("other", 25_000))
	assert.False(t, d.ShouldProcess("fresh", 25_001))
}

func TestDefaultWindow(t *testing.T) {
	d := New(0)
	assert.Equal(t, DefaultWindow, d.Window())
}

func TestShouldProcess_ConcurrentSingleWinner(t *testing.T) {
	d := New(time.Minute)
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.ShouldProcess("same", 42) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
}
