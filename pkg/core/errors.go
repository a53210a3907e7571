// Copyright 2024-2026 Aiku AI

package core

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateName     = errors.New("name already registered")
	ErrInvalidName       = errors.New("invalid name")
	ErrUnknownPlug       = errors.New("unknown plug")
	ErrUnknownHook       = errors.New("unknown hook")
	ErrUnknownChannel    = errors.New("unknown channel")
	ErrUnknownGroup      = errors.New("unknown group")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrPlugNotActive     = errors.New("plug is not active")
	ErrNotConfigurable   = errors.New("entity does not accept configuration")
	ErrSendLoop          = errors.New("too many send redirects")
)

// StartFailure is returned when a plug or hook fails to open. The entity is
// left in StateFailed with Err retained.
type StartFailure struct {
	Name string
	Err  error
}

func (e *StartFailure) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Name, e.Err)
}

func (e *StartFailure) Unwrap() error { return e.Err }

// StopFailure is returned when teardown of a plug or hook fails. The entity
// has still moved to StateInactive.
type StopFailure struct {
	Name string
	Err  error
}

func (e *StopFailure) Error() string {
	return fmt.Sprintf("failed to stop %s: %v", e.Name, e.Err)
}

func (e *StopFailure) Unwrap() error { return e.Err }

// DispatchFailure records a hook that returned an error or panicked while
// processing an event. It is reported, never propagated to the plug.
type DispatchFailure struct {
	Hook    string
	EventID string
	Channel Channel
	Err     error
}

func (e *DispatchFailure) Error() string {
	return fmt.Sprintf("hook %s failed on event %s in %s: %v", e.Hook, e.EventID, e.Channel, e.Err)
}

func (e *DispatchFailure) Unwrap() error { return e.Err }

// MigrationFailure is returned when a hook's migration callback fails.
// Migrated lists the hooks that had already moved their state; nothing is
// rolled back.
type MigrationFailure struct {
	Source   string
	Dest     string
	Hook     string
	Migrated []string
	Err      error
}

func (e *MigrationFailure) Error() string {
	return fmt.Sprintf("failed to migrate %s to %s in hook %s (already migrated: %v): %v",
		e.Source, e.Dest, e.Hook, e.Migrated, e.Err)
}

func (e *MigrationFailure) Unwrap() error { return e.Err }

// DeliveryError wraps a failure from a plug's send primitive.
type DeliveryError struct {
	Plug    string
	Channel Channel
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver to %s via %s: %v", e.Channel, e.Plug, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
