// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import "sync/atomic"

// State represents the client connection state.
type State uint32

// Client states. Connected means the stream is open but not yet
// authenticated; most operations require Authenticated.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateReconnecting
	StateDisconnecting
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state uint32
}

func newStateManager() *stateManager {
	return &stateManager{state: uint32(StateDisconnected)}
}

// get returns the current state.
func (sm *stateManager) get() State {
	return State(atomic.LoadUint32(&sm.state))
}

// set unconditionally sets the state.
func (sm *stateManager) set(s State) {
	atomic.StoreUint32(&sm.state, uint32(s))
}

// transition attempts to transition from expected to new state.
// Returns true if successful.
func (sm *stateManager) transition(from, to State) bool {
	return atomic.CompareAndSwapUint32(&sm.state, uint32(from), uint32(to))
}

// transitionFrom attempts to transition from any of the expected states.
// Returns true if successful.
func (sm *stateManager) transitionFrom(to State, from ...State) bool {
	for _, f := range from {
		if sm.transition(f, to) {
			return true
		}
	}
	return false
}

// isAuthenticated returns true if the session is established.
func (sm *stateManager) isAuthenticated() bool {
	return sm.get() == StateAuthenticated
}

// isConnected returns true if the stream is open (authenticated or not).
func (sm *stateManager) isConnected() bool {
	switch sm.get() {
	case StateConnected, StateAuthenticating, StateAuthenticated:
		return true
	}
	return false
}

// isClosed returns true if the client has been permanently closed.
func (sm *stateManager) isClosed() bool {
	return sm.get() == StateClosed
}
