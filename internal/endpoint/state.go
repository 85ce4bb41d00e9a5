// Package endpoint implements the hardware endpoint state machine and its
// two transports (TCP "raw", UDP "rawudp"), spec §4.4.
package endpoint

import (
	"sync"
)

// State is one of the hardware endpoint's lifecycle states (spec §3
// "State", §4.4.1 "State machine").
type State int

const (
	StateInit State = iota
	StateIdle
	StateClearingReceiver
	StateDecoderStarted
	StateQuittingDecoder
	StateReady
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIdle:
		return "idle"
	case StateClearingReceiver:
		return "clearing_receiver"
	case StateDecoderStarted:
		return "decoder_started"
	case StateQuittingDecoder:
		return "quitting_decoder"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// stateBox guards the endpoint's state variable with a condition
// variable, so the receiver thread can block "at the top of each buffer"
// until the state becomes Ready or ClearingReceiver (spec §4.4.1).
type stateBox struct {
	mu    sync.Mutex
	cond  *sync.Cond
	value State
}

func newStateBox() *stateBox {
	b := &stateBox{value: StateInit}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *stateBox) Get() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

func (b *stateBox) Set(s State) {
	b.mu.Lock()
	b.value = s
	b.mu.Unlock()
	b.cond.Broadcast()
}

// WaitActive blocks until the state is Ready or ClearingReceiver (the two
// states in which the receiver thread is expected to be pumping data) or
// QuittingDecoder (so a waiting receiver can exit), then returns the
// current state.
func (b *stateBox) WaitActive() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.value != StateReady && b.value != StateClearingReceiver && b.value != StateQuittingDecoder {
		b.cond.Wait()
	}
	return b.value
}

// WaitState blocks until the state becomes s, driven entirely by some
// other goroutine's Set (the receiver thread's own barrier-driven
// transition, in the clearing_receiver -> idle case). Mirrors the
// original library's clear_data(), which calls set_state(clearing_receiver)
// then wait_state(idle) and relies on the receiver loop alone to observe
// the barrier packet and perform the idle transition.
func (b *stateBox) WaitState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.value != s {
		b.cond.Wait()
	}
}
