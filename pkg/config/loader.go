// Copyright 2024-2026 Aiku AI

package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/aiku/immp/pkg/core"
)

// Loader applies configs to a host. The first Apply builds the topology,
// later calls apply the difference to the previous config.
type Loader struct {
	host    *core.Host
	catalog Catalog
	log     zerolog.Logger

	mu      sync.Mutex
	current *Config
	// virtual maps a hook to the virtual plugs it brought along.
	virtual map[string][]string
}

// NewLoader creates a loader building entities from catalog.
func NewLoader(host *core.Host, catalog Catalog) *Loader {
	return &Loader{
		host:    host,
		catalog: catalog,
		log:     host.Log().With().Str("component", "config").Logger(),
		virtual: make(map[string][]string),
	}
}

// Current returns the last applied config.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// plan is the set of changes between two configs.
type plan struct {
	removeHooks []string
	removePlugs []string
	addPlugs    []string
	updatePlugs []string
	addHooks    []string
	updateHooks []string
}

func diffEntities(prev, next map[string]EntityConfig) (remove, add, update []string) {
	for _, name := range slices.Sorted(maps.Keys(prev)) {
		old := prev[name]
		cur, ok := next[name]
		switch {
		case !ok:
			remove = append(remove, name)
		case old.equal(&cur):
		case old.sameShape(&cur):
			update = append(update, name)
		default:
			remove = append(remove, name)
			add = append(add, name)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(next)) {
		if _, ok := prev[name]; !ok {
			add = append(add, name)
		}
	}
	slices.Sort(add)
	return remove, add, update
}

func diff(prev, next *Config) plan {
	var p plan
	p.removePlugs, p.addPlugs, p.updatePlugs = diffEntities(prev.Plugs, next.Plugs)
	p.removeHooks, p.addHooks, p.updateHooks = diffEntities(prev.Hooks, next.Hooks)
	return p
}

func emptyConfig() *Config {
	cfg := &Config{}
	_ = cfg.PostProcess()
	return cfg
}

// Apply brings the host in line with cfg. Every step is attempted; failures
// are returned joined. Entities whose definition changed only in their config
// block are reconfigured in place when they implement core.Configurable and
// rebuilt otherwise.
func (l *Loader) Apply(ctx context.Context, cfg *Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.current
	if prev == nil {
		prev = emptyConfig()
	}
	p := diff(prev, cfg)
	var errs []error

	for _, name := range p.removeHooks {
		errs = append(errs, l.removeHook(ctx, name))
	}
	for _, name := range p.removePlugs {
		if err := l.host.RemovePlug(ctx, name); err != nil && !errors.Is(err, core.ErrUnknownPlug) {
			errs = append(errs, err)
		}
	}
	for _, name := range p.addPlugs {
		errs = append(errs, l.addPlug(ctx, name, cfg.Plugs[name]))
	}
	for _, name := range p.updatePlugs {
		old, cur := prev.Plugs[name], cfg.Plugs[name]
		errs = append(errs, l.updateEntity(ctx, name, &old, &cur, false))
	}

	type built struct {
		hook core.Hook
		opts []core.EntryOption
	}
	var hooks []built
	for _, name := range p.addHooks {
		ec := cfg.Hooks[name]
		hook, opts, err := l.buildHook(ctx, name, &ec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		hooks = append(hooks, built{hook, opts})
	}

	for _, name := range p.updateHooks {
		old, cur := prev.Hooks[name], cfg.Hooks[name]
		errs = append(errs, l.updateEntity(ctx, name, &old, &cur, true))
	}

	errs = append(errs, l.syncChannels(ctx, prev, cfg)...)
	errs = append(errs, l.syncGroups(ctx, prev, cfg)...)

	for _, b := range hooks {
		if _, err := l.host.AddHook(ctx, b.hook, b.opts...); err != nil {
			errs = append(errs, err)
		}
	}

	l.current = cfg
	err := errors.Join(errs...)
	evt := l.log.Info()
	if err != nil {
		evt = l.log.Warn().Err(err)
	}
	evt.Strs("added_plugs", p.addPlugs).
		Strs("removed_plugs", p.removePlugs).
		Strs("added_hooks", p.addHooks).
		Strs("removed_hooks", p.removeHooks).
		Msg("Applied config")
	return err
}

func entryOptions(ec *EntityConfig, cfg any) []core.EntryOption {
	opts := []core.EntryOption{core.WithConfig(cfg)}
	if !ec.IsEnabled() {
		opts = append(opts, core.Disabled())
	}
	if ec.Priority != nil {
		opts = append(opts, core.WithPriority(*ec.Priority))
	}
	return opts
}

func (l *Loader) addPlug(ctx context.Context, name string, ec EntityConfig) error {
	p, cfg, err := l.catalog.buildPlug(name, &ec, l.host)
	if err != nil {
		return err
	}
	_, err = l.host.AddPlug(ctx, p, entryOptions(&ec, cfg)...)
	return err
}

// buildHook creates a hook and registers the virtual plugs it provides. The
// hook itself is registered later, once channels and groups are in place.
func (l *Loader) buildHook(ctx context.Context, name string, ec *EntityConfig) (core.Hook, []core.EntryOption, error) {
	hook, cfg, resource, err := l.catalog.buildHook(name, ec, l.host)
	if err != nil {
		return nil, nil, err
	}
	opts := entryOptions(ec, cfg)
	if resource {
		opts = append(opts, core.AsResource())
	}
	if provider, ok := hook.(PlugProvider); ok {
		for _, vp := range provider.VirtualPlugs() {
			if _, err = l.host.AddPlug(ctx, vp, core.Virtual()); err != nil {
				return nil, nil, fmt.Errorf("hook %q: failed to add virtual plug: %w", name, err)
			}
			l.virtual[name] = append(l.virtual[name], vp.Name())
		}
	}
	return hook, opts, nil
}

func (l *Loader) removeHook(ctx context.Context, name string) error {
	var errs []error
	if err := l.host.RemoveHook(ctx, name); err != nil && !errors.Is(err, core.ErrUnknownHook) {
		errs = append(errs, err)
	}
	for _, plug := range l.virtual[name] {
		if err := l.host.RemovePlug(ctx, plug); err != nil && !errors.Is(err, core.ErrUnknownPlug) {
			errs = append(errs, err)
		}
	}
	delete(l.virtual, name)
	return errors.Join(errs...)
}

// updateEntity handles an entity whose path and priority are unchanged.
func (l *Loader) updateEntity(ctx context.Context, name string, old, cur *EntityConfig, hook bool) error {
	if !sameNode(&old.Config, &cur.Config) {
		cfg, err := l.catalog.Decode(cur.Path, &cur.Config)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		err = l.host.Reconfigure(ctx, name, cfg)
		if errors.Is(err, core.ErrNotConfigurable) {
			l.log.Debug().Str("entity", name).Msg("Entity is not reconfigurable, rebuilding")
			return l.rebuild(ctx, name, cur, hook)
		}
		if err != nil {
			return err
		}
	}
	if old.IsEnabled() == cur.IsEnabled() {
		return nil
	}
	if !cur.IsEnabled() {
		if hook {
			return l.host.DisableHook(ctx, name)
		}
		return l.host.DisablePlug(ctx, name)
	}
	if hook {
		if err := l.host.EnableHook(ctx, name); err != nil || !l.host.Running() {
			return err
		}
		return l.host.StartHook(ctx, name)
	}
	if err := l.host.EnablePlug(ctx, name); err != nil || !l.host.Running() {
		return err
	}
	return l.host.StartPlug(ctx, name)
}

// rebuild replaces an entity that cannot be reconfigured in place. Channels
// and groups dropped with a removed plug are restored by the channel and
// group passes of Apply.
func (l *Loader) rebuild(ctx context.Context, name string, ec *EntityConfig, hook bool) error {
	if !hook {
		if err := l.host.RemovePlug(ctx, name); err != nil {
			return err
		}
		return l.addPlug(ctx, name, *ec)
	}
	if err := l.removeHook(ctx, name); err != nil {
		return err
	}
	h, opts, err := l.buildHook(ctx, name, ec)
	if err != nil {
		return err
	}
	_, err = l.host.AddHook(ctx, h, opts...)
	return err
}

// syncChannels reconciles registry channels with cfg. Channels known to the
// previous config but gone from cfg are removed; everything in cfg is added or
// re-pointed.
func (l *Loader) syncChannels(ctx context.Context, prev, cfg *Config) []error {
	var errs []error
	reg := l.host.Registry()
	for _, name := range slices.Sorted(maps.Keys(prev.Channels)) {
		if _, ok := cfg.Channels[name]; ok {
			continue
		}
		if err := l.host.RemoveChannel(ctx, name); err != nil && !errors.Is(err, core.ErrUnknownChannel) {
			errs = append(errs, err)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(cfg.Channels)) {
		want := cfg.Channels[name]
		var err error
		if have, ok := reg.Channel(name); ok {
			if have == want {
				continue
			}
			_, err = l.host.RepointChannel(ctx, name, want.Plug, want.Source)
		} else {
			_, err = l.host.AddChannel(ctx, name, want.Plug, want.Source)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %q: %w", name, err))
		}
	}
	return errs
}

func sameGroup(a, b core.Group) bool {
	return slices.Equal(a.Channels, b.Channels) && slices.Equal(a.Exclude, b.Exclude) &&
		slices.Equal(a.Anywhere, b.Anywhere) && slices.Equal(a.Named, b.Named) &&
		slices.Equal(a.Private, b.Private) && slices.Equal(a.Shared, b.Shared)
}

func (l *Loader) syncGroups(ctx context.Context, prev, cfg *Config) []error {
	var errs []error
	reg := l.host.Registry()
	for _, name := range slices.Sorted(maps.Keys(prev.Groups)) {
		if _, ok := cfg.Groups[name]; ok {
			continue
		}
		if err := l.host.RemoveGroup(ctx, name); err != nil && !errors.Is(err, core.ErrUnknownGroup) {
			errs = append(errs, err)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(cfg.Groups)) {
		want := cfg.Groups[name]
		want.Name = name
		if have, ok := reg.Group(name); ok && sameGroup(have, want) {
			continue
		}
		if err := l.host.ReplaceGroup(ctx, want); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Snapshot returns the applied config updated with the live topology:
// channels and groups as currently registered, enabled flags from entity
// states and config blocks from the entities' current configuration.
func (l *Loader) Snapshot() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return emptyConfig(), nil
	}
	reg := l.host.Registry()
	out := *l.current
	out.Plugs = make(map[string]EntityConfig, len(l.current.Plugs))
	out.Hooks = make(map[string]EntityConfig, len(l.current.Hooks))
	out.Channels = reg.Channels()
	out.Groups = make(map[string]core.Group)
	for _, g := range reg.Groups() {
		out.Groups[g.Name] = g
	}
	for _, e := range reg.Plugs() {
		ec, ok := l.current.Plugs[e.Name()]
		if !ok {
			continue
		}
		if err := snapshotEntity(&ec, e.State(), e.Config()); err != nil {
			return nil, fmt.Errorf("plug %q: %w", e.Name(), err)
		}
		out.Plugs[e.Name()] = ec
	}
	for _, e := range reg.Hooks() {
		ec, ok := l.current.Hooks[e.Name()]
		if !ok {
			continue
		}
		if err := snapshotEntity(&ec, e.State(), e.Config()); err != nil {
			return nil, fmt.Errorf("hook %q: %w", e.Name(), err)
		}
		out.Hooks[e.Name()] = ec
	}
	return &out, nil
}

func snapshotEntity(ec *EntityConfig, state core.State, cfg any) error {
	if state == core.StateDisabled {
		off := false
		ec.Enabled = &off
	} else {
		ec.Enabled = nil
	}
	if cfg == nil {
		return nil
	}
	var node yaml.Node
	if err := node.Encode(cfg); err != nil {
		return err
	}
	ec.Config = node
	return nil
}
