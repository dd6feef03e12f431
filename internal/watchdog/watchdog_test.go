package watchdog

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newRecordingWatchdog(timeout, grace time.Duration) (*Watchdog, *int32, chan Identity) {
	var fires int32
	fired := make(chan Identity, 16)
	wd := New(timeout, grace, func(id Identity) {
		atomic.AddInt32(&fires, 1)
		fired <- id
	}, func(string) {})
	return wd, &fires, fired
}

// spec §8 heartbeat-reset law: start(30s); sleep(25s); reset; sleep(25s)
// must NOT trigger; start(30s); sleep(35s) MUST trigger. Scaled down for
// a fast test run while preserving the reset-before-expiry shape.
func TestHeartbeatResetLaw(t *testing.T) {
	wd, fires, _ := newRecordingWatchdog(120*time.Millisecond, time.Second)
	wd.Start(Identity{ClientID: "c1", SessionID: 1, UserID: 1})

	time.Sleep(90 * time.Millisecond)
	wd.Reset("c1")
	time.Sleep(90 * time.Millisecond)

	assert.Equal(t, int32(0), atomic.LoadInt32(fires), "reset before expiry must not have fired")

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(fires), "timer must fire once reset timeout elapses")
}

func TestStart_ThenNoResetMustTrigger(t *testing.T) {
	wd, fires, fired := newRecordingWatchdog(80*time.Millisecond, time.Second)
	wd.Start(Identity{ClientID: "c1", SessionID: 1, UserID: 7})

	select {
	case id := <-fired:
		assert.Equal(t, uint(7), id.UserID)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timer never fired")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(fires))
}

func TestStop_CancelsPendingTimer(t *testing.T) {
	wd, fires, _ := newRecordingWatchdog(60*time.Millisecond, time.Second)
	wd.Start(Identity{ClientID: "c1", SessionID: 1, UserID: 1})
	wd.Stop("c1")

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(fires))
	assert.False(t, wd.Active("c1"))
}

func TestReset_UnknownClientIsNoop(t *testing.T) {
	wd, fires, _ := newRecordingWatchdog(50*time.Millisecond, time.Second)
	wd.Reset("ghost")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(fires))
	assert.Equal(t, 0, wd.Count())
}

// spec §8 grace-period law: abrupt close then reconnect within the grace
// period must cancel the pending grace timer without a timeout firing.
func TestGraceClose_ReconnectWithinGraceCancelsTimeout(t *testing.T) {
	wd, fires, _ := newRecordingWatchdog(time.Second, 100*time.Millisecond)
	identity := Identity{ClientID: "c1", SessionID: 1, UserID: 1}
	wd.Start(identity)

	wd.GraceClose(identity)
	time.Sleep(30 * time.Millisecond)
	// Reconnect under the same ephemeral client id before grace elapses.
	wd.Start(identity)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(fires), "reconnect within grace must suppress timeout")
	assert.True(t, wd.Active("c1"))
}

func TestGraceClose_NoReconnectFiresAfterGrace(t *testing.T) {
	wd, fires, fired := newRecordingWatchdog(time.Second, 60*time.Millisecond)
	identity := Identity{ClientID: "c1", SessionID: 42, UserID: 9}
	wd.Start(identity)

	wd.GraceClose(identity)

	select {
	case id := <-fired:
		assert.Equal(t, uint(42), id.SessionID)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("grace timer never fired")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(fires))
}

func TestGraceClose_NeverStartedIsNoop(t *testing.T) {
	wd, fires, _ := newRecordingWatchdog(time.Second, 30*time.Millisecond)
	wd.GraceClose(Identity{ClientID: "never-armed", SessionID: 1, UserID: 1})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(fires))
}

// Concurrent Start/Reset/Stop against the same client id must never
// panic or deadlock; the trigger callback races benignly with them
// (spec §5: "the trigger callback MUST be safe to run concurrently with
// reset/stop").
func TestConcurrentResetStopDoesNotRace(t *testing.T) {
	wd, _, _ := newRecordingWatchdog(5*time.Millisecond, 5*time.Millisecond)
	identity := Identity{ClientID: "c1", SessionID: 1, UserID: 1}
	wd.Start(identity)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); wd.Reset("c1") }()
		go func() { defer wg.Done(); wd.Start(identity) }()
	}
	wg.Wait()
	wd.Stop("c1")
}
