package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testConfig() Config {
	return Config{
		Status: Window{Max: 6, WindowMs: 200},
		Log:    Window{Max: 30, WindowMs: 200},
		Notify: Window{Max: 5, WindowMs: 200},
		Alert:  Window{Max: 5, WindowMs: 200},
	}
}

// spec §8 scenario D: the first Max messages in a window succeed, the
// next is rejected, and a fresh window re-admits.
func TestAllow_FixedWindowAdmitsUpToMaxThenRejects(t *testing.T) {
	l := New(testConfig())

	for i := 0; i < 6; i++ {
		assert.True(t, l.Allow("c1", ClassStatus), "message %d should be admitted", i+1)
	}
	assert.False(t, l.Allow("c1", ClassStatus), "7th message within the window must be rejected")

	time.Sleep(220 * time.Millisecond)
	assert.True(t, l.Allow("c1", ClassStatus), "a fresh window must re-admit")
}

func TestAllow_WindowsAreIndependentPerClientAndClass(t *testing.T) {
	l := New(testConfig())

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("c1", ClassAlert))
	}
	assert.False(t, l.Allow("c1", ClassAlert))

	// A different client's window is untouched.
	assert.True(t, l.Allow("c2", ClassAlert))
	// A different class for the same client is also untouched.
	assert.True(t, l.Allow("c1", ClassNotify))
}

func TestAllow_UnrecognizedClassAlwaysAdmits(t *testing.T) {
	l := New(testConfig())
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("c1", Class("heartbeat")))
	}
}

func TestForget_DropsAllWindowsForClient(t *testing.T) {
	l := New(testConfig())
	for i := 0; i < 6; i++ {
		l.Allow("c1", ClassStatus)
	}
	assert.False(t, l.Allow("c1", ClassStatus))

	l.Forget("c1")
	assert.True(t, l.Allow("c1", ClassStatus), "forgetting a client must clear its counters")
}

func TestSweepOnce_EvictsIdleWindows(t *testing.T) {
	l := New(Config{Status: Window{Max: 1, WindowMs: 20}})
	l.Allow("c1", ClassStatus)
	assert.Len(t, l.counters, 1)

	time.Sleep(60 * time.Millisecond)
	l.sweepOnce()
	assert.Len(t, l.counters, 0)
}

func TestAllow_NeverBlocksUnderConcurrentLoad(t *testing.T) {
	l := New(testConfig())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Allow("shared-client", ClassLog)
		}(i)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Allow calls deadlocked or took too long under concurrent load")
	}
}
