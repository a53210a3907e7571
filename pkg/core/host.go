// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package core

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"go.mau.fi/util/exsync"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultQueueSize    = 64
	DefaultOpenTimeout  = 30 * time.Second
	DefaultCloseTimeout = 30 * time.Second
	DefaultStartWorkers = 8
)

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger used by the host and everything it owns.
func WithLogger(log zerolog.Logger) Option {
	return func(h *Host) { h.log = log }
}

// WithQueueSize sets the capacity of each plug's event queue.
func WithQueueSize(size int) Option {
	return func(h *Host) {
		if size > 0 {
			h.queueSize = size
		}
	}
}

// WithOpenTimeout bounds the time a plug or hook may spend opening or
// closing.
func WithOpenTimeout(timeout time.Duration) Option {
	return func(h *Host) {
		if timeout > 0 {
			h.openTimeout = timeout
			h.closeTimeout = timeout
		}
	}
}

// WithStartWorkers bounds how many entities of one tier are opened at once.
func WithStartWorkers(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.workers = n
		}
	}
}

// WithMetrics sets the Prometheus collectors to update.
func WithMetrics(m *Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// WithTracerProvider sets the OpenTelemetry provider for dispatch spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(h *Host) { h.tracer = tp.Tracer("github.com/aiku/immp/pkg/core") }
}

// Host is the top-level supervisor of plugs and hooks.
type Host struct {
	log          zerolog.Logger
	registry     *Registry
	router       *Router
	metrics      *Metrics
	tracer       trace.Tracer
	queueSize    int
	openTimeout  time.Duration
	closeTimeout time.Duration
	workers      int

	baseCtx context.Context
	ready   *exsync.Event

	mu      sync.Mutex
	running bool
	streams map[string]*stream

	failMu   sync.RWMutex
	failures map[string]error
}

// New creates a host with an empty registry.
func New(opts ...Option) *Host {
	h := &Host{
		log:          zerolog.Nop(),
		queueSize:    DefaultQueueSize,
		openTimeout:  DefaultOpenTimeout,
		closeTimeout: DefaultCloseTimeout,
		workers:      DefaultStartWorkers,
		ready:        exsync.NewEvent(),
		streams:      make(map[string]*stream),
		failures:     make(map[string]error),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if h.tracer == nil {
		h.tracer = noop.NewTracerProvider().Tracer("github.com/aiku/immp/pkg/core")
	}
	h.baseCtx = h.log.WithContext(context.Background())
	h.registry = NewRegistry(h.log.With().Str("component", "registry").Logger(), h.observe)
	h.router = NewRouter(h.registry, h.log.With().Str("component", "router").Logger(), h.metrics, h.tracer)
	return h
}

// Registry returns the host's registry.
func (h *Host) Registry() *Registry { return h.registry }

// Router returns the host's router.
func (h *Host) Router() *Router { return h.router }

// Log returns the host's logger.
func (h *Host) Log() *zerolog.Logger { return &h.log }

// Running reports whether Start has been called without a matching Stop.
func (h *Host) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Ready reports whether the initial start sweep has completed.
func (h *Host) Ready() bool { return h.ready.IsSet() }

// WaitReady blocks until the initial start sweep has completed.
func (h *Host) WaitReady(ctx context.Context) error { return h.ready.Wait(ctx) }

// Failures returns the last error of every entity currently failed.
func (h *Host) Failures() map[string]error {
	h.failMu.RLock()
	defer h.failMu.RUnlock()
	return maps.Clone(h.failures)
}

// observe runs under the entity's lifecycle lock, so the failure set and
// metrics move together with the state.
func (h *Host) observe(name string, old, cur State, err error) {
	h.metrics.setState(name, old, cur)
	h.failMu.Lock()
	switch cur {
	case StateFailed:
		h.failures[name] = err
	case StateActive, StateInactive, StateDisabled:
		delete(h.failures, name)
	}
	h.failMu.Unlock()

	evt := h.log.Debug()
	if cur == StateFailed {
		evt = h.log.Warn().Err(err)
	}
	evt.Str("entity", name).Stringer("from", old).Stringer("to", cur).Msg("Lifecycle transition")
}

func (h *Host) timed(fn TransitionFunc, timeout time.Duration) TransitionFunc {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(ctx)
	}
}

func (h *Host) startPlug(ctx context.Context, e *PlugEntry, launch bool) error {
	if err := e.lc.Start(ctx, h.timed(e.Plug.Open, h.openTimeout)); err != nil {
		return err
	}
	if launch && e.State() == StateActive {
		h.launchStream(e)
	}
	return nil
}

func (h *Host) stopPlug(ctx context.Context, e *PlugEntry) error {
	h.halt(e.name)
	return e.lc.Stop(ctx, h.timed(e.Plug.Close, h.closeTimeout))
}

func (h *Host) startHook(ctx context.Context, e *HookEntry) error {
	return e.lc.Start(ctx, h.timed(e.Hook.Open, h.openTimeout))
}

func (h *Host) stopHook(ctx context.Context, e *HookEntry) error {
	return e.lc.Stop(ctx, h.timed(e.Hook.Close, h.closeTimeout))
}

// runTier runs fn for every item with bounded parallelism and returns the
// errors in item order.
func runTier[T any](h *Host, items []T, fn func(T) error) []error {
	errs := make([]error, len(items))
	p := pool.New().WithMaxGoroutines(h.workers)
	for i, item := range items {
		p.Go(func() { errs[i] = fn(item) })
	}
	p.Wait()
	return slices.DeleteFunc(errs, func(err error) bool { return err == nil })
}

// Start brings up every enabled plug, then every enabled non-virtual resource
// hook, then every enabled non-virtual plain hook. A failure moves that entity
// to StateFailed and the sweep carries on; all failures are returned joined.
// Plug event streams are launched once the hooks are up.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.mu.Unlock()

	h.log.Info().Msg("Starting host")
	var errs []error

	plugs := slices.DeleteFunc(h.registry.Plugs(), func(e *PlugEntry) bool {
		return e.State() == StateDisabled
	})
	errs = append(errs, runTier(h, plugs, func(e *PlugEntry) error {
		return h.startPlug(ctx, e, false)
	})...)

	hooks := slices.DeleteFunc(h.registry.Hooks(), func(e *HookEntry) bool {
		return e.virtual || e.State() == StateDisabled
	})
	resources, plain := partitionHooks(hooks)
	errs = append(errs, runTier(h, resources, func(e *HookEntry) error {
		return h.startHook(ctx, e)
	})...)
	errs = append(errs, runTier(h, plain, func(e *HookEntry) error {
		return h.startHook(ctx, e)
	})...)

	for _, e := range plugs {
		if e.State() == StateActive {
			h.launchStream(e)
		}
	}
	h.ready.Set()

	if len(errs) > 0 {
		err := errors.Join(errs...)
		h.log.Warn().Err(err).Int("failed", len(errs)).Msg("Host started with failures")
		return err
	}
	h.log.Info().Int("plugs", len(plugs)).Int("hooks", len(hooks)).Msg("Host started")
	return nil
}

func partitionHooks(hooks []*HookEntry) (resources, plain []*HookEntry) {
	for _, e := range hooks {
		if e.resource {
			resources = append(resources, e)
		} else {
			plain = append(plain, e)
		}
	}
	return resources, plain
}

// Stop halts every plug event stream, letting queued events finish, then
// stops plain hooks, resource hooks and plugs in that order. Every failure is
// isolated and all of them are returned joined.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	names := slices.Collect(maps.Keys(h.streams))
	h.mu.Unlock()
	h.ready.Clear()

	h.log.Info().Msg("Stopping host")
	runTier(h, names, func(name string) error {
		h.halt(name)
		return nil
	})

	var errs []error
	resources, plain := partitionHooks(h.registry.Hooks())
	slices.Reverse(plain)
	slices.Reverse(resources)
	errs = append(errs, runTier(h, plain, func(e *HookEntry) error {
		return h.stopHook(ctx, e)
	})...)
	errs = append(errs, runTier(h, resources, func(e *HookEntry) error {
		return h.stopHook(ctx, e)
	})...)
	plugs := h.registry.Plugs()
	slices.Reverse(plugs)
	errs = append(errs, runTier(h, plugs, func(e *PlugEntry) error {
		return h.stopPlug(ctx, e)
	})...)

	if len(errs) > 0 {
		err := errors.Join(errs...)
		h.log.Warn().Err(err).Msg("Host stopped with errors")
		return err
	}
	h.log.Info().Msg("Host stopped")
	return nil
}

// Run starts the host, blocks until ctx is done and stops it again. Start
// failures are logged but do not end the run.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Some plugs or hooks failed to start")
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.closeTimeout)
	defer cancel()
	return h.Stop(stopCtx)
}

// Send delivers a message through the router.
func (h *Host) Send(ctx context.Context, ch Channel, msg *Message) ([]string, error) {
	return h.router.Send(ctx, ch, msg)
}

// notify tells active ConfigWatcher hooks about a change. Watcher errors are
// logged only.
func (h *Host) notify(ctx context.Context, change Change) {
	for _, e := range h.registry.Hooks() {
		w, ok := e.Hook.(ConfigWatcher)
		if !ok || e.State() != StateActive {
			continue
		}
		var err error
		if rec := panics.Try(func() { err = w.OnConfigChange(ctx, change) }); rec != nil {
			err = rec.AsError()
		}
		if err != nil {
			h.log.Warn().Err(err).
				Str("hook", e.name).
				Str("change", string(change.Kind)).
				Str("name", change.Name).
				Msg("Hook failed to handle config change")
		}
	}
}

// AddPlug registers a plug and starts it if the host is running and the plug
// is enabled. A start failure is returned but the plug stays registered.
func (h *Host) AddPlug(ctx context.Context, p Plug, opts ...EntryOption) (*PlugEntry, error) {
	e, err := h.registry.AddPlug(p, opts...)
	if err != nil {
		return nil, err
	}
	h.log.Info().Str("plug", e.name).Str("network", p.NetworkName()).Msg("Added plug")
	if h.Running() && e.State() != StateDisabled {
		err = h.startPlug(ctx, e, true)
	}
	h.notify(ctx, Change{Kind: ChangePlugAdded, Name: e.name})
	return e, err
}

// RemovePlug stops a plug and unregisters it with its channels.
func (h *Host) RemovePlug(ctx context.Context, name string) error {
	e, ok := h.registry.Plug(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPlug, name)
	}
	stopErr := h.stopPlug(ctx, e)
	_, channels, err := h.registry.RemovePlug(name)
	if err != nil {
		return err
	}
	h.router.forget(name)
	h.forget(name)
	h.log.Info().Str("plug", name).Strs("channels", channels).Msg("Removed plug")
	for _, ch := range channels {
		h.notify(ctx, Change{Kind: ChangeChannelRemoved, Name: ch})
	}
	h.notify(ctx, Change{Kind: ChangePlugRemoved, Name: name})
	return stopErr
}

// AddHook registers a hook and starts it if the host is running and the hook
// is enabled and not virtual.
func (h *Host) AddHook(ctx context.Context, hook Hook, opts ...EntryOption) (*HookEntry, error) {
	e, err := h.registry.AddHook(hook, opts...)
	if err != nil {
		return nil, err
	}
	h.log.Info().Str("hook", e.name).Bool("resource", e.resource).Msg("Added hook")
	if h.Running() && !e.virtual && e.State() != StateDisabled {
		err = h.startHook(ctx, e)
	}
	h.notify(ctx, Change{Kind: ChangeHookAdded, Name: e.name})
	return e, err
}

// RemoveHook stops a hook and unregisters it.
func (h *Host) RemoveHook(ctx context.Context, name string) error {
	e, ok := h.registry.Hook(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownHook, name)
	}
	stopErr := h.stopHook(ctx, e)
	if _, err := h.registry.RemoveHook(name); err != nil {
		return err
	}
	h.forget(name)
	h.log.Info().Str("hook", name).Msg("Removed hook")
	h.notify(ctx, Change{Kind: ChangeHookRemoved, Name: name})
	return stopErr
}

func (h *Host) forget(name string) {
	h.metrics.forget(name)
	h.failMu.Lock()
	delete(h.failures, name)
	h.failMu.Unlock()
}

func (h *Host) plugEntry(name string) (*PlugEntry, error) {
	e, ok := h.registry.Plug(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlug, name)
	}
	return e, nil
}

func (h *Host) hookEntry(name string) (*HookEntry, error) {
	e, ok := h.registry.Hook(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHook, name)
	}
	return e, nil
}

// StartPlug starts a single plug, retrying it if it failed before.
func (h *Host) StartPlug(ctx context.Context, name string) error {
	e, err := h.plugEntry(name)
	if err != nil {
		return err
	}
	return h.startPlug(ctx, e, h.Running())
}

// StopPlug stops a single plug.
func (h *Host) StopPlug(ctx context.Context, name string) error {
	e, err := h.plugEntry(name)
	if err != nil {
		return err
	}
	return h.stopPlug(ctx, e)
}

// EnablePlug moves a disabled plug to inactive.
func (h *Host) EnablePlug(_ context.Context, name string) error {
	e, err := h.plugEntry(name)
	if err != nil {
		return err
	}
	return e.lc.Enable()
}

// DisablePlug stops a plug if needed and disables it.
func (h *Host) DisablePlug(ctx context.Context, name string) error {
	e, err := h.plugEntry(name)
	if err != nil {
		return err
	}
	h.halt(name)
	return e.lc.Disable(ctx, h.timed(e.Plug.Close, h.closeTimeout))
}

// StartHook starts a single hook, retrying it if it failed before.
func (h *Host) StartHook(ctx context.Context, name string) error {
	e, err := h.hookEntry(name)
	if err != nil {
		return err
	}
	return h.startHook(ctx, e)
}

// StopHook stops a single hook.
func (h *Host) StopHook(ctx context.Context, name string) error {
	e, err := h.hookEntry(name)
	if err != nil {
		return err
	}
	return h.stopHook(ctx, e)
}

// EnableHook moves a disabled hook to inactive.
func (h *Host) EnableHook(_ context.Context, name string) error {
	e, err := h.hookEntry(name)
	if err != nil {
		return err
	}
	return e.lc.Enable()
}

// DisableHook stops a hook if needed and disables it.
func (h *Host) DisableHook(ctx context.Context, name string) error {
	e, err := h.hookEntry(name)
	if err != nil {
		return err
	}
	return e.lc.Disable(ctx, h.timed(e.Hook.Close, h.closeTimeout))
}

// AddChannel registers a channel name.
func (h *Host) AddChannel(ctx context.Context, name, plug, source string) (Channel, error) {
	ch, err := h.registry.AddChannel(name, plug, source)
	if err != nil {
		return ch, err
	}
	h.notify(ctx, Change{Kind: ChangeChannelAdded, Name: name})
	return ch, nil
}

// RepointChannel moves an existing channel name to another room.
func (h *Host) RepointChannel(ctx context.Context, name, plug, source string) (Channel, error) {
	ch, err := h.registry.RepointChannel(name, plug, source)
	if err != nil {
		return ch, err
	}
	h.notify(ctx, Change{Kind: ChangeChannelMoved, Name: name})
	return ch, nil
}

// RemoveChannel unregisters a channel name, dropping it from groups.
func (h *Host) RemoveChannel(ctx context.Context, name string) error {
	if err := h.registry.RemoveChannel(name); err != nil {
		return err
	}
	h.notify(ctx, Change{Kind: ChangeChannelRemoved, Name: name})
	return nil
}

// AddGroup registers a group.
func (h *Host) AddGroup(ctx context.Context, g Group) error {
	if err := h.registry.AddGroup(g); err != nil {
		return err
	}
	h.notify(ctx, Change{Kind: ChangeGroupChanged, Name: g.Name})
	return nil
}

// ReplaceGroup registers a group or replaces the one of the same name.
func (h *Host) ReplaceGroup(ctx context.Context, g Group) error {
	if err := h.registry.ReplaceGroup(g); err != nil {
		return err
	}
	h.notify(ctx, Change{Kind: ChangeGroupChanged, Name: g.Name})
	return nil
}

// RemoveGroup unregisters a group.
func (h *Host) RemoveGroup(ctx context.Context, name string) error {
	if err := h.registry.RemoveGroup(name); err != nil {
		return err
	}
	h.notify(ctx, Change{Kind: ChangeGroupChanged, Name: name})
	return nil
}

// MigrateChannel moves hook state from one channel to another. See
// Registry.MigrateChannel.
func (h *Host) MigrateChannel(ctx context.Context, source, dest string) ([]string, error) {
	migrated, err := h.registry.MigrateChannel(ctx, source, dest)
	if err != nil {
		h.log.Error().Err(err).Str("source", source).Str("dest", dest).Strs("migrated", migrated).
			Msg("Channel migration failed")
		return migrated, err
	}
	h.log.Info().Str("source", source).Str("dest", dest).Strs("migrated", migrated).Msg("Migrated channel")
	h.notify(ctx, Change{Kind: ChangeChannelMoved, Name: source})
	return migrated, nil
}

// Reconfigure replaces the configuration of a plug or hook implementing
// Configurable. An active entity is stopped, reconfigured and restarted; if
// the restart fails it is left failed. If the new configuration is rejected
// the entity is restarted with its old configuration and the rejection is
// returned.
func (h *Host) Reconfigure(ctx context.Context, name string, cfg any) error {
	var (
		ent    *entity
		target any
		start  func(context.Context) error
		stop   func(context.Context) error
	)
	if p, ok := h.registry.Plug(name); ok {
		ent, target = &p.entity, p.Plug
		start = func(ctx context.Context) error { return h.startPlug(ctx, p, h.Running()) }
		stop = func(ctx context.Context) error { return h.stopPlug(ctx, p) }
	} else if hk, ok := h.registry.Hook(name); ok {
		ent, target = &hk.entity, hk.Hook
		start = func(ctx context.Context) error { return h.startHook(ctx, hk) }
		stop = func(ctx context.Context) error { return h.stopHook(ctx, hk) }
	} else {
		return fmt.Errorf("%w, %w: %q", ErrUnknownPlug, ErrUnknownHook, name)
	}
	c, ok := target.(Configurable)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotConfigurable, name)
	}

	wasActive := ent.State() == StateActive
	var stopErr error
	if wasActive {
		stopErr = stop(ctx)
	}

	var err error
	if rec := panics.Try(func() { err = c.SetConfig(cfg) }); rec != nil {
		err = rec.AsError()
	}
	if err != nil {
		err = fmt.Errorf("failed to apply config to %s: %w", name, err)
		if wasActive {
			return errors.Join(err, start(ctx))
		}
		return err
	}
	ent.setConfig(cfg)
	h.log.Info().Str("entity", name).Bool("restart", wasActive).Msg("Reconfigured")
	h.notify(ctx, Change{Kind: ChangeReconfigured, Name: name})

	if wasActive {
		return errors.Join(stopErr, start(ctx))
	}
	return stopErr
}

// EntityStatus is the externally visible state of a plug or hook.
type EntityStatus struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	State    State  `json:"state"`
	Error    string `json:"error,omitempty"`
	Virtual  bool   `json:"virtual,omitempty"`
	Network  string `json:"network,omitempty"`
	Priority *int   `json:"priority,omitempty"`
}

// Topology is a consistent snapshot of the host for display.
type Topology struct {
	Running  bool               `json:"running"`
	Plugs    []EntityStatus     `json:"plugs"`
	Hooks    []EntityStatus     `json:"hooks"`
	Channels map[string]Channel `json:"channels"`
	Groups   []Group            `json:"groups"`
}

func status(kind string, e *entity) EntityStatus {
	st := EntityStatus{Name: e.name, Kind: kind, State: e.State(), Virtual: e.virtual}
	if err := e.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// Snapshot returns the current topology.
func (h *Host) Snapshot() *Topology {
	topo := &Topology{
		Running:  h.Running(),
		Channels: h.registry.Channels(),
		Groups:   h.registry.Groups(),
	}
	for _, p := range h.registry.Plugs() {
		st := status("plug", &p.entity)
		st.Network = p.Plug.NetworkName()
		topo.Plugs = append(topo.Plugs, st)
	}
	for _, hk := range h.registry.Hooks() {
		kind := "hook"
		if hk.resource {
			kind = "resource"
		}
		st := status(kind, &hk.entity)
		if prio, ok := hk.Priority(); ok {
			st.Priority = &prio
		}
		topo.Hooks = append(topo.Hooks, st)
	}
	return topo
}
