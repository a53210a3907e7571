// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/panics"
)

// State is the lifecycle state of a plug or hook.
type State int

const (
	StateDisabled State = iota
	StateInactive
	StateStarting
	StateActive
	StateStopping
	StateFailed
)

var stateNames = [...]string{
	StateDisabled: "disabled",
	StateInactive: "inactive",
	StateStarting: "starting",
	StateActive:   "active",
	StateStopping: "stopping",
	StateFailed:   "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state as its lowercase name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// busy reports whether a transition is in flight.
func (s State) busy() bool {
	return s == StateStarting || s == StateStopping
}

// TransitionFunc performs the I/O side of a transition: opening or closing
// the underlying connection.
type TransitionFunc func(ctx context.Context) error

// Observer is told about every state change. It runs with the lifecycle lock
// held, so it must not call back into the same Lifecycle.
type Observer func(name string, old, new State, err error)

// Lifecycle tracks the open/close state of one named entity. The transition
// functions run without the lock held; transient starting and stopping states
// guard against concurrent transitions.
type Lifecycle struct {
	name    string
	observe Observer

	mu    sync.Mutex
	state State
	err   error
}

// NewLifecycle creates a lifecycle in StateInactive, or StateDisabled when
// enabled is false.
func NewLifecycle(name string, enabled bool, observe Observer) *Lifecycle {
	l := &Lifecycle{name: name, observe: observe, state: StateInactive}
	if !enabled {
		l.state = StateDisabled
	}
	return l
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the error that moved the entity to StateFailed, if any.
func (l *Lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Lifecycle) set(state State, err error) {
	old := l.state
	l.state = state
	l.err = err
	if l.observe != nil && old != state {
		l.observe(l.name, old, state, err)
	}
}

func (l *Lifecycle) invalid(op string) error {
	return fmt.Errorf("%w: cannot %s %s while %s", ErrInvalidTransition, op, l.name, l.state)
}

// Enable moves a disabled entity to StateInactive. It is a no-op in any
// other settled state.
func (l *Lifecycle) Enable() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.state == StateDisabled:
		l.set(StateInactive, nil)
	case l.state.busy():
		return l.invalid("enable")
	}
	return nil
}

// Disable moves the entity to StateDisabled, stopping it first if active.
// A stop error is returned but the entity is disabled regardless.
func (l *Lifecycle) Disable(ctx context.Context, closeFn TransitionFunc) error {
	l.mu.Lock()
	switch {
	case l.state == StateDisabled:
		l.mu.Unlock()
		return nil
	case l.state.busy():
		defer l.mu.Unlock()
		return l.invalid("disable")
	case l.state == StateInactive || l.state == StateFailed:
		l.set(StateDisabled, nil)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	stopErr := l.Stop(ctx, closeFn)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateInactive {
		// Someone restarted the entity between our stop and now.
		return l.invalid("disable")
	}
	l.set(StateDisabled, nil)
	return stopErr
}

// Start opens the entity. Starting an active entity is a no-op, starting a
// disabled one fails with ErrInvalidTransition and leaves it disabled. If
// openFn fails (or panics) the entity moves to StateFailed and a
// *StartFailure is returned.
func (l *Lifecycle) Start(ctx context.Context, openFn TransitionFunc) error {
	l.mu.Lock()
	switch {
	case l.state == StateActive:
		l.mu.Unlock()
		return nil
	case l.state == StateDisabled || l.state.busy():
		defer l.mu.Unlock()
		return l.invalid("start")
	}
	l.set(StateStarting, nil)
	l.mu.Unlock()

	err := runTransition(ctx, openFn)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.set(StateFailed, err)
		return &StartFailure{Name: l.name, Err: err}
	}
	l.set(StateActive, nil)
	return nil
}

// Stop closes an active entity. The entity always ends in StateInactive; a
// teardown error is returned as a *StopFailure. Stopping a failed entity
// clears the failure without running closeFn.
func (l *Lifecycle) Stop(ctx context.Context, closeFn TransitionFunc) error {
	l.mu.Lock()
	switch {
	case l.state == StateInactive || l.state == StateDisabled:
		l.mu.Unlock()
		return nil
	case l.state == StateFailed:
		l.set(StateInactive, nil)
		l.mu.Unlock()
		return nil
	case l.state.busy():
		defer l.mu.Unlock()
		return l.invalid("stop")
	}
	l.set(StateStopping, nil)
	l.mu.Unlock()

	err := runTransition(ctx, closeFn)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.set(StateInactive, nil)
	if err != nil {
		return &StopFailure{Name: l.name, Err: err}
	}
	return nil
}

// Fail moves an active entity to StateFailed, keeping err. It reports whether
// the transition happened.
func (l *Lifecycle) Fail(err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive {
		return false
	}
	l.set(StateFailed, err)
	return true
}

func runTransition(ctx context.Context, fn TransitionFunc) (err error) {
	if fn == nil {
		return nil
	}
	if r := panics.Try(func() { err = fn(ctx) }); r != nil {
		return r.AsError()
	}
	return err
}
