// Package throttle implements the connect throttle: per-peer-address
// exponential backoff pacing reconnection attempts, grounded on
// tcrain-cons's connstatus.go removeSendConnectionInternal, which delays
// reconnect-eligibility by a fixed one second via time.AfterFunc. This
// generalizes that fixed delay into a full chrono_expbackoff_t bounded by
// Initial/Max.
package throttle

import (
	"sync"
	"time"
)

// PeerKey identifies the address a backoff state is tracked against; any
// comparable value works (typically a dial address string).
type PeerKey = string

type backoffState struct {
	current     time.Duration
	nextAllowed time.Time
	inFlight    bool
}

// Throttle paces MayConnect/OnOutcome calls per PeerKey with an exponential
// backoff. Initial == Max == 0 disables throttling entirely.
type Throttle struct {
	initial time.Duration
	max     time.Duration

	mu    sync.Mutex
	state map[PeerKey]*backoffState
}

func NewThrottle(initial, max time.Duration) *Throttle {
	return &Throttle{
		initial: initial,
		max:     max,
		state:   make(map[PeerKey]*backoffState),
	}
}

func (t *Throttle) disabled() bool {
	return t.initial == 0 && t.max == 0
}

// MayConnect reports whether a new connect attempt to peer is currently
// permitted. Required to avoid reconnect storms against an unreachable or
// slow-to-accept peer.
func (t *Throttle) MayConnect(peer PeerKey) bool {
	if t.disabled() {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, found := t.state[peer]
	if !found {
		return true
	}
	if st.inFlight {
		return false
	}
	return !time.Now().UTC().Before(st.nextAllowed)
}

// OnOutcome records the result of a connect attempt. A success resets the
// backoff to Initial for next time; a failure doubles the current delay up
// to Max.
func (t *Throttle) OnOutcome(peer PeerKey, ok bool) {
	if t.disabled() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, found := t.state[peer]
	if !found {
		st = &backoffState{current: t.initial}
		t.state[peer] = st
	}
	st.inFlight = false

	if ok {
		st.current = t.initial
		st.nextAllowed = time.Time{}
		return
	}

	if st.current == 0 {
		st.current = t.initial
	}
	st.nextAllowed = time.Now().UTC().Add(st.current)

	next := st.current * 2
	if next > t.max {
		next = t.max
	}
	st.current = next
}

// MarkInFlight records that a connect attempt is underway for peer, so a
// concurrent MayConnect call is suppressed until OnOutcome reports the
// result. Mirrors connstatus.go's pattern of refusing a second simultaneous
// dial to the same address.
func (t *Throttle) MarkInFlight(peer PeerKey) {
	if t.disabled() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, found := t.state[peer]
	if !found {
		st = &backoffState{current: t.initial}
		t.state[peer] = st
	}
	st.inFlight = true
}

// Forget drops all backoff state for peer, e.g. when the peer leaves the
// cluster configuration.
func (t *Throttle) Forget(peer PeerKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, peer)
}
