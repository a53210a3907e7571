// Copyright 2024-2026 Aiku AI

package core

import (
	"context"
	"sync"
)

// Verdict is a hook's decision about further propagation of an event.
type Verdict int

const (
	// Pass hands the event on to the next hook in the chain.
	Pass Verdict = iota
	// Consume stops propagation of this event.
	Consume
)

// Hook is a named processor of the message stream, or a shared resource for
// other hooks when registered with AsResource.
type Hook interface {
	Name() string
	Open(ctx context.Context) error
	Close(ctx context.Context) error
}

// Processor is implemented by hooks that take part in dispatch.
type Processor interface {
	Process(ctx context.Context, evt Event) (Verdict, error)
}

// Rewriter is implemented by hooks that alter inbound events before any hook
// processes them. Rewriters run one after another in chain order, each seeing
// the previous one's result. Returning a nil event drops it.
type Rewriter interface {
	BeforeReceive(ctx context.Context, evt Event) (*Event, error)
}

// Migrator is implemented by hooks holding per-channel state. OnMigrate moves
// that state from src to dst and reports whether anything was moved.
type Migrator interface {
	OnMigrate(ctx context.Context, src, dst Channel) (bool, error)
}

// ChannelScoped is implemented by hooks that only want events from some
// channels. Wants must not block.
type ChannelScoped interface {
	Wants(ch Channel) bool
}

// SendFilter is implemented by hooks that inspect outgoing messages. It may
// return a different channel to redirect the message, or a nil message to
// suppress it.
type SendFilter interface {
	BeforeSend(ctx context.Context, ch Channel, msg *Message) (Channel, *Message, error)
}

// ChangeKind describes a topology change.
type ChangeKind string

const (
	ChangePlugAdded      ChangeKind = "plug_added"
	ChangePlugRemoved    ChangeKind = "plug_removed"
	ChangeHookAdded      ChangeKind = "hook_added"
	ChangeHookRemoved    ChangeKind = "hook_removed"
	ChangeChannelAdded   ChangeKind = "channel_added"
	ChangeChannelRemoved ChangeKind = "channel_removed"
	ChangeChannelMoved   ChangeKind = "channel_migrated"
	ChangeGroupChanged   ChangeKind = "group_changed"
	ChangeReconfigured   ChangeKind = "reconfigured"
)

// Change is passed to ConfigWatcher hooks after the Host mutated its
// topology or an entity's configuration.
type Change struct {
	Kind ChangeKind
	Name string
}

// ConfigWatcher is implemented by active hooks that want to hear about
// topology changes.
type ConfigWatcher interface {
	OnConfigChange(ctx context.Context, change Change) error
}

// HookEntry is the Host-owned registration of a hook.
type HookEntry struct {
	entity
	Hook     Hook
	priority int
	ordered  bool
	resource bool
}

// Priority returns the hook's priority and whether it has one.
func (e *HookEntry) Priority() (int, bool) {
	return e.priority, e.ordered
}

// Resource reports whether the hook is a shared resource excluded from
// dispatch.
func (e *HookEntry) Resource() bool {
	return e.resource
}

// entity holds what plug and hook registrations have in common.
type entity struct {
	name    string
	seq     uint64
	virtual bool
	lc      *Lifecycle

	cfgMu sync.RWMutex
	cfg   any
}

func (e *entity) Name() string { return e.name }

// Virtual reports whether the entity is managed by another entity rather
// than backed by configuration.
func (e *entity) Virtual() bool { return e.virtual }

func (e *entity) State() State { return e.lc.State() }

// Err returns the error retained from the last failure.
func (e *entity) Err() error { return e.lc.Err() }

// Config returns the configuration blob the entity was registered with.
func (e *entity) Config() any {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

func (e *entity) setConfig(cfg any) {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
}

// EntryOption customises a plug or hook registration.
type EntryOption func(*entryOptions)

type entryOptions struct {
	priority int
	ordered  bool
	resource bool
	virtual  bool
	disabled bool
	config   any
}

// WithPriority gives a hook an explicit position in the dispatch chain.
// Lower values run first.
func WithPriority(priority int) EntryOption {
	return func(o *entryOptions) {
		o.priority = priority
		o.ordered = true
	}
}

// AsResource registers a hook as a shared resource.
func AsResource() EntryOption {
	return func(o *entryOptions) { o.resource = true }
}

// Virtual marks the entity as managed by another entity.
func Virtual() EntryOption {
	return func(o *entryOptions) { o.virtual = true }
}

// Disabled registers the entity in StateDisabled.
func Disabled() EntryOption {
	return func(o *entryOptions) { o.disabled = true }
}

// WithConfig records the configuration blob the entity was built from.
func WithConfig(cfg any) EntryOption {
	return func(o *entryOptions) { o.config = cfg }
}
