// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package core

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
)

// tables is one immutable generation of the registry. Writers clone it,
// mutate the clone and publish it; readers never see a partial update.
type tables struct {
	seq      uint64
	plugs    map[string]*PlugEntry
	hooks    map[string]*HookEntry
	channels map[string]Channel
	groups   map[string]*Group
	// ordered holds the plain hooks in dispatch order.
	ordered []*HookEntry
}

func (t *tables) clone() *tables {
	return &tables{
		seq:      t.seq,
		plugs:    maps.Clone(t.plugs),
		hooks:    maps.Clone(t.hooks),
		channels: maps.Clone(t.channels),
		groups:   maps.Clone(t.groups),
		ordered:  t.ordered,
	}
}

func (t *tables) taken(name string) bool {
	if _, ok := t.plugs[name]; ok {
		return true
	}
	if _, ok := t.hooks[name]; ok {
		return true
	}
	if _, ok := t.channels[name]; ok {
		return true
	}
	_, ok := t.groups[name]
	return ok
}

func (t *tables) reorder() {
	ordered := make([]*HookEntry, 0, len(t.hooks))
	for _, h := range t.hooks {
		if !h.resource {
			ordered = append(ordered, h)
		}
	}
	slices.SortFunc(ordered, compareHooks)
	t.ordered = ordered
}

// compareHooks orders prioritised hooks first by ascending priority, then
// unordered hooks, with registration order breaking ties.
func compareHooks(a, b *HookEntry) int {
	switch {
	case a.ordered && !b.ordered:
		return -1
	case !a.ordered && b.ordered:
		return 1
	case a.ordered && b.ordered && a.priority != b.priority:
		return cmp.Compare(a.priority, b.priority)
	}
	return cmp.Compare(a.seq, b.seq)
}

// namesFor lists every registered name pointing at ch, sorted.
func (t *tables) namesFor(ch Channel) []string {
	var names []string
	for name, c := range t.channels {
		if c == ch {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// dropChannelRefs removes a channel name from every group, replacing the
// groups that changed.
func (t *tables) dropChannelRefs(name string) {
	for gname, g := range t.groups {
		cp := g.clone()
		if cp.dropChannel(name) {
			t.groups[gname] = cp
		}
	}
}

// Registry holds the named plugs, hooks, channels and groups of a Host. All
// four share one name space.
type Registry struct {
	log     zerolog.Logger
	observe Observer

	mu  sync.Mutex
	cur atomic.Pointer[tables]
}

// NewRegistry creates an empty registry. observe is attached to the
// lifecycle of every entity added.
func NewRegistry(log zerolog.Logger, observe Observer) *Registry {
	r := &Registry{log: log, observe: observe}
	r.cur.Store(&tables{
		plugs:    make(map[string]*PlugEntry),
		hooks:    make(map[string]*HookEntry),
		channels: make(map[string]Channel),
		groups:   make(map[string]*Group),
	})
	return r
}

func (r *Registry) load() *tables {
	return r.cur.Load()
}

// update applies fn to a private copy of the tables and publishes the copy if
// fn succeeds. fn must not block.
func (r *Registry) update(fn func(t *tables) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.load().clone()
	if err := fn(next); err != nil {
		return err
	}
	r.cur.Store(next)
	return nil
}

func checkName(kind, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty %s name", ErrInvalidName, kind)
	}
	return nil
}

func buildOptions(opts []EntryOption) entryOptions {
	var o entryOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// AddPlug registers a plug under its own name.
func (r *Registry) AddPlug(p Plug, opts ...EntryOption) (*PlugEntry, error) {
	name := p.Name()
	if err := checkName("plug", name); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	var entry *PlugEntry
	err := r.update(func(t *tables) error {
		if t.taken(name) {
			return fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
		t.seq++
		entry = &PlugEntry{
			entity: entity{
				name:    name,
				seq:     t.seq,
				virtual: o.virtual,
				lc:      NewLifecycle(name, !o.disabled, r.observe),
				cfg:     o.config,
			},
			Plug: p,
		}
		t.plugs[name] = entry
		return nil
	})
	return entry, err
}

// RemovePlug unregisters a plug together with its channels. Removed channels
// are dropped from groups, as is the plug itself. The names of the removed
// channels are returned.
func (r *Registry) RemovePlug(name string) (*PlugEntry, []string, error) {
	var (
		entry   *PlugEntry
		removed []string
	)
	err := r.update(func(t *tables) error {
		var ok bool
		if entry, ok = t.plugs[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPlug, name)
		}
		delete(t.plugs, name)
		for cname, ch := range t.channels {
			if ch.Plug == name {
				delete(t.channels, cname)
				t.dropChannelRefs(cname)
				removed = append(removed, cname)
			}
		}
		for gname, g := range t.groups {
			cp := g.clone()
			if cp.dropPlug(name) {
				t.groups[gname] = cp
			}
		}
		return nil
	})
	slices.Sort(removed)
	return entry, removed, err
}

// Plug looks up a plug by name.
func (r *Registry) Plug(name string) (*PlugEntry, bool) {
	p, ok := r.load().plugs[name]
	return p, ok
}

// Plugs returns every plug in registration order.
func (r *Registry) Plugs() []*PlugEntry {
	plugs := slices.Collect(maps.Values(r.load().plugs))
	slices.SortFunc(plugs, func(a, b *PlugEntry) int { return cmp.Compare(a.seq, b.seq) })
	return plugs
}

// AddHook registers a hook under its own name.
func (r *Registry) AddHook(h Hook, opts ...EntryOption) (*HookEntry, error) {
	name := h.Name()
	if err := checkName("hook", name); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	var entry *HookEntry
	err := r.update(func(t *tables) error {
		if t.taken(name) {
			return fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
		t.seq++
		entry = &HookEntry{
			entity: entity{
				name:    name,
				seq:     t.seq,
				virtual: o.virtual,
				lc:      NewLifecycle(name, !o.disabled, r.observe),
				cfg:     o.config,
			},
			Hook:     h,
			priority: o.priority,
			ordered:  o.ordered,
			resource: o.resource,
		}
		t.hooks[name] = entry
		t.reorder()
		return nil
	})
	return entry, err
}

// RemoveHook unregisters a hook.
func (r *Registry) RemoveHook(name string) (*HookEntry, error) {
	var entry *HookEntry
	err := r.update(func(t *tables) error {
		var ok bool
		if entry, ok = t.hooks[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownHook, name)
		}
		delete(t.hooks, name)
		t.reorder()
		return nil
	})
	return entry, err
}

// Hook looks up a hook by name.
func (r *Registry) Hook(name string) (*HookEntry, bool) {
	h, ok := r.load().hooks[name]
	return h, ok
}

// Hooks returns every hook, resources included, in registration order.
func (r *Registry) Hooks() []*HookEntry {
	hooks := slices.Collect(maps.Values(r.load().hooks))
	slices.SortFunc(hooks, func(a, b *HookEntry) int { return cmp.Compare(a.seq, b.seq) })
	return hooks
}

// Resources returns the resource hooks in registration order.
func (r *Registry) Resources() []*HookEntry {
	return slices.DeleteFunc(r.Hooks(), func(h *HookEntry) bool { return !h.resource })
}

// ResourceOf returns the first resource hook of type T.
func ResourceOf[T any](r *Registry) (T, bool) {
	for _, h := range r.Resources() {
		if v, ok := h.Hook.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// HooksOrderedFor returns the plain hooks applicable to ch in dispatch
// order. Hooks implementing ChannelScoped that reject ch are left out.
func (r *Registry) HooksOrderedFor(ch Channel) []*HookEntry {
	ordered := r.load().ordered
	out := make([]*HookEntry, 0, len(ordered))
	for _, h := range ordered {
		if scoped, ok := h.Hook.(ChannelScoped); ok && !r.wants(scoped, h.name, ch) {
			continue
		}
		out = append(out, h)
	}
	return out
}

func (r *Registry) wants(scoped ChannelScoped, name string, ch Channel) bool {
	var want bool
	if rec := panics.Try(func() { want = scoped.Wants(ch) }); rec != nil {
		r.log.Error().Err(rec.AsError()).Str("hook", name).Stringer("channel", ch).
			Msg("Channel filter panicked, skipping hook")
		return false
	}
	return want
}

// AddChannel registers a friendly name for a room on plugName. Several names
// may refer to the same room.
func (r *Registry) AddChannel(name, plugName, source string) (Channel, error) {
	if err := checkName("channel", name); err != nil {
		return Channel{}, err
	}
	ch := Channel{Plug: plugName, Source: source}
	err := r.update(func(t *tables) error {
		if _, ok := t.plugs[plugName]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPlug, plugName)
		}
		if t.taken(name) {
			return fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
		t.channels[name] = ch
		return nil
	})
	return ch, err
}

// RepointChannel points an existing channel name at another room. Group
// membership, which refers to the name, is kept. On error nothing changes.
func (r *Registry) RepointChannel(name, plugName, source string) (Channel, error) {
	ch := Channel{Plug: plugName, Source: source}
	err := r.update(func(t *tables) error {
		if _, ok := t.channels[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownChannel, name)
		}
		if _, ok := t.plugs[plugName]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPlug, plugName)
		}
		t.channels[name] = ch
		return nil
	})
	return ch, err
}

// RemoveChannel unregisters a channel name and drops it from every group.
// Groups themselves are kept, even when left empty.
func (r *Registry) RemoveChannel(name string) error {
	return r.update(func(t *tables) error {
		if _, ok := t.channels[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownChannel, name)
		}
		delete(t.channels, name)
		t.dropChannelRefs(name)
		return nil
	})
}

// Channel resolves a channel name.
func (r *Registry) Channel(name string) (Channel, bool) {
	ch, ok := r.load().channels[name]
	return ch, ok
}

// Channels returns a copy of the name to channel table.
func (r *Registry) Channels() map[string]Channel {
	return maps.Clone(r.load().channels)
}

// NamesFor returns every registered name of ch, sorted.
func (r *Registry) NamesFor(ch Channel) []string {
	return r.load().namesFor(ch)
}

// ChannelsFor returns the distinct named channels of a plug.
func (r *Registry) ChannelsFor(plugName string) []Channel {
	var out []Channel
	for _, ch := range r.load().channels {
		if ch.Plug == plugName && !slices.Contains(out, ch) {
			out = append(out, ch)
		}
	}
	slices.SortFunc(out, func(a, b Channel) int { return cmp.Compare(a.Source, b.Source) })
	return out
}

func (t *tables) checkMember(kind MemberKind, member string) error {
	if kind.plugKind() {
		if _, ok := t.plugs[member]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPlug, member)
		}
		return nil
	}
	if _, ok := t.channels[member]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, member)
	}
	return nil
}

func (t *tables) checkGroup(g *Group) error {
	for _, kind := range []MemberKind{MemberChannel, MemberExclude, MemberAnywhere, MemberNamed, MemberPrivate, MemberShared} {
		list, _ := g.list(kind)
		for _, m := range *list {
			if err := t.checkMember(kind, m); err != nil {
				return fmt.Errorf("group %q: %w", g.Name, err)
			}
		}
	}
	return nil
}

// AddGroup registers a group. Every member must already be registered.
func (r *Registry) AddGroup(g Group) error {
	if err := checkName("group", g.Name); err != nil {
		return err
	}
	g = *g.clone()
	return r.update(func(t *tables) error {
		if t.taken(g.Name) {
			return fmt.Errorf("%w: %q", ErrDuplicateName, g.Name)
		}
		if err := t.checkGroup(&g); err != nil {
			return err
		}
		t.groups[g.Name] = &g
		return nil
	})
}

// ReplaceGroup registers g, swapping out any group of the same name. If g is
// rejected the previous group stays in place.
func (r *Registry) ReplaceGroup(g Group) error {
	if err := checkName("group", g.Name); err != nil {
		return err
	}
	g = *g.clone()
	return r.update(func(t *tables) error {
		if _, ok := t.groups[g.Name]; !ok && t.taken(g.Name) {
			return fmt.Errorf("%w: %q", ErrDuplicateName, g.Name)
		}
		if err := t.checkGroup(&g); err != nil {
			return err
		}
		t.groups[g.Name] = &g
		return nil
	})
}

// RemoveGroup unregisters a group. Its members are untouched.
func (r *Registry) RemoveGroup(name string) error {
	return r.update(func(t *tables) error {
		if _, ok := t.groups[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownGroup, name)
		}
		delete(t.groups, name)
		return nil
	})
}

// Group returns a copy of the named group.
func (r *Registry) Group(name string) (Group, bool) {
	g, ok := r.load().groups[name]
	if !ok {
		return Group{}, false
	}
	return *g.clone(), true
}

// Groups returns copies of every group, sorted by name.
func (r *Registry) Groups() []Group {
	t := r.load()
	out := make([]Group, 0, len(t.groups))
	for _, g := range t.groups {
		out = append(out, *g.clone())
	}
	slices.SortFunc(out, func(a, b Group) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// AddGroupMember adds a channel name or plug name to one of a group's lists.
// Adding an existing member is a no-op.
func (r *Registry) AddGroupMember(group string, kind MemberKind, member string) error {
	return r.update(func(t *tables) error {
		g, ok := t.groups[group]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownGroup, group)
		}
		if err := t.checkMember(kind, member); err != nil {
			return err
		}
		cp := g.clone()
		list, err := cp.list(kind)
		if err != nil {
			return err
		}
		if !slices.Contains(*list, member) {
			*list = append(*list, member)
		}
		t.groups[group] = cp
		return nil
	})
}

// RemoveGroupMember removes a member from one of a group's lists.
func (r *Registry) RemoveGroupMember(group string, kind MemberKind, member string) error {
	return r.update(func(t *tables) error {
		g, ok := t.groups[group]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownGroup, group)
		}
		cp := g.clone()
		list, err := cp.list(kind)
		if err != nil {
			return err
		}
		*list = slices.DeleteFunc(*list, func(s string) bool { return s == member })
		t.groups[group] = cp
		return nil
	})
}

// GroupHas reports whether ch is a member of the group. Exclusions win over
// every other rule. Private and shared plug members need the plug to
// implement ChannelDescriber; the lookup runs without any registry lock.
func (r *Registry) GroupHas(ctx context.Context, group string, ch Channel) (bool, error) {
	t := r.load()
	g, ok := t.groups[group]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownGroup, group)
	}
	for _, name := range g.Exclude {
		if t.channels[name] == ch {
			return false, nil
		}
	}
	for _, name := range g.Channels {
		if t.channels[name] == ch {
			return true, nil
		}
	}
	if slices.Contains(g.Anywhere, ch.Plug) {
		return true, nil
	}
	if slices.Contains(g.Named, ch.Plug) && len(t.namesFor(ch)) > 0 {
		return true, nil
	}
	wantPrivate := slices.Contains(g.Private, ch.Plug)
	wantShared := slices.Contains(g.Shared, ch.Plug)
	if !wantPrivate && !wantShared {
		return false, nil
	}
	entry, ok := t.plugs[ch.Plug]
	if !ok {
		return false, nil
	}
	describer, ok := entry.Plug.(ChannelDescriber)
	if !ok {
		return false, nil
	}
	info, err := describer.DescribeChannel(ctx, ch.Source)
	if err != nil {
		return false, fmt.Errorf("failed to describe channel %s: %w", ch, err)
	}
	if info == nil {
		return false, nil
	}
	return (info.Private && wantPrivate) || (!info.Private && wantShared), nil
}

// MigrateChannel moves hook-held state from the channel named source to the
// channel named dest. Every hook implementing Migrator is called in
// registration order, one at a time and without any lock held. The first
// failure aborts the migration with a *MigrationFailure and leaves the
// registry untouched; state already moved by earlier hooks stays where it is.
// On success the source name is re-pointed at the destination channel and
// the names of hooks that moved data are returned.
func (r *Registry) MigrateChannel(ctx context.Context, source, dest string) ([]string, error) {
	t := r.load()
	src, ok := t.channels[source]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, source)
	}
	dst, ok := t.channels[dest]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, dest)
	}

	var migrated []string
	for _, h := range r.Hooks() {
		m, ok := h.Hook.(Migrator)
		if !ok {
			continue
		}
		var (
			moved bool
			err   error
		)
		if rec := panics.Try(func() { moved, err = m.OnMigrate(ctx, src, dst) }); rec != nil {
			err = rec.AsError()
		}
		if err != nil {
			return migrated, &MigrationFailure{Source: source, Dest: dest, Hook: h.name, Migrated: migrated, Err: err}
		}
		if moved {
			migrated = append(migrated, h.name)
		}
	}

	err := r.update(func(next *tables) error {
		if next.channels[source] != src {
			return fmt.Errorf("%w: %q changed during migration", ErrUnknownChannel, source)
		}
		next.channels[source] = dst
		return nil
	})
	return migrated, err
}
