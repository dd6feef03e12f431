// Package watchdog implements the per-session heartbeat dead-man's switch
// (spec §4.3): a resettable countdown per active producer session, with a
// grace period on abrupt socket close before the timeout path fires.
package watchdog

import (
	"sync"
	"time"

	"pulserelay/internal/observability"
)

// Identity is the last-known session identity a timer was armed for.
// It is threaded through to the fire/grace callback so the caller does
// not need a second lookup to learn who timed out.
type Identity struct {
	ClientID  string
	SessionID uint
	UserID    uint
}

type timer struct {
	identity Identity
	t        *time.Timer
}

// Watchdog holds one resettable timer per active producer session,
// keyed by ephemeral client id. The fire callback runs on its own
// goroutine per spec §5 ("the trigger callback MUST be safe to run
// concurrently with reset/stop").
type Watchdog struct {
	mu      sync.Mutex
	timers  map[string]*timer
	timeout time.Duration
	grace   time.Duration

	// onTimeout is invoked (off the router's goroutine) once a timer or a
	// grace check concludes this client's session should transition to
	// timeout. It must be idempotent — the state machine itself no-ops on
	// a non-active session, so duplicate fires are harmless.
	onTimeout func(Identity)

	// onHeartbeatTouch is invoked synchronously by Reset to persist
	// last-heartbeat-at. Kept separate from onTimeout so the watchdog has
	// no direct store dependency beyond this one narrow callback.
	onHeartbeatTouch func(clientID string)
}

// New constructs a Watchdog with the given default timeout and grace
// period and the callbacks it invokes on timeout / heartbeat.
func New(timeout, grace time.Duration, onTimeout func(Identity), onHeartbeatTouch func(clientID string)) *Watchdog {
	return &Watchdog{
		timers:           make(map[string]*timer),
		timeout:          timeout,
		grace:            grace,
		onTimeout:        onTimeout,
		onHeartbeatTouch: onHeartbeatTouch,
	}
}

// Start arms a fresh countdown for clientID. Idempotent: any existing
// timer for the same client id is replaced.
func (w *Watchdog) Start(identity Identity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.replaceLocked(identity, w.timeout)
}

// Reset cancels and reschedules the timer for clientID, if one exists,
// and touches last-heartbeat-at via the supplied callback. A reset for
// an unknown client id is a no-op (the watchdog may race the router on
// a socket that already closed).
func (w *Watchdog) Reset(clientID string) {
	w.mu.Lock()
	existing, ok := w.timers[clientID]
	if !ok {
		w.mu.Unlock()
		return
	}
	identity := existing.identity
	w.replaceLocked(identity, w.timeout)
	w.mu.Unlock()

	if w.onHeartbeatTouch != nil {
		w.onHeartbeatTouch(clientID)
	}
}

// Stop cancels and forgets the timer for clientID (clean disconnect).
func (w *Watchdog) Stop(clientID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.timers[clientID]; ok {
		existing.t.Stop()
		delete(w.timers, clientID)
	}
}

// replaceLocked must be called with mu held. It stops any prior timer
// for identity.ClientID and installs a fresh one that calls trigger on
// fire.
func (w *Watchdog) replaceLocked(identity Identity, d time.Duration) {
	if existing, ok := w.timers[identity.ClientID]; ok {
		existing.t.Stop()
	}
	clientID := identity.ClientID
	t := time.AfterFunc(d, func() { w.trigger(clientID) })
	w.timers[clientID] = &timer{identity: identity, t: t}
}

// trigger is the fired-timer callback. It forgets the timer and invokes
// onTimeout with the session identity it was armed for.
func (w *Watchdog) trigger(clientID string) {
	w.mu.Lock()
	existing, ok := w.timers[clientID]
	if ok {
		delete(w.timers, clientID)
	}
	w.mu.Unlock()

	if !ok {
		return
	}
	observability.WatchdogTimeoutsTotal.Inc()
	if w.onTimeout != nil {
		w.onTimeout(existing.identity)
	}
}

// GraceClose is called by the router on an abrupt socket close in place
// of Stop. Rather than firing immediately, it shortens the countdown to
// the grace period: the existing timer for clientID is replaced with one
// that fires trigger after w.grace instead of after w.timeout. If the
// producer reconnects under the same ephemeral client id before the
// grace period elapses — the one reconnection shape CreateOrReactivate
// defines as idempotent — the router's subsequent Start/Reset call
// replaces this timer again and the grace fire never happens. Otherwise
// the grace timer fires exactly like a normal heartbeat timeout, through
// the same trigger path, so it is just as idempotent against a
// concurrent state-machine transition.
func (w *Watchdog) GraceClose(identity Identity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.timers[identity.ClientID]; !ok {
		// No timer was ever armed for this client (e.g. the socket closed
		// before authentication completed); nothing to grace-close.
		return
	}
	w.replaceLocked(identity, w.grace)
}

// Active reports whether a timer currently exists for clientID. Exposed
// for tests exercising the heartbeat-reset and grace-period laws.
func (w *Watchdog) Active(clientID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.timers[clientID]
	return ok
}

// Count returns the number of live timers, for diagnostics/tests.
func (w *Watchdog) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}
