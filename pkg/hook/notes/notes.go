// Copyright 2024-2026 Aiku AI

// Package notes keeps a numbered list of notes per channel.
//
// Commands, given the default prefix:
//
//	!note add <text>     record a note
//	!note remove <num>   delete note <num>
//	!note show <num>     repeat note <num>
//	!note list           list every note in the channel
//
// Notes live in the first resource implementing Store, for example a
// redisstore hook, or in memory when there is none.
package notes

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/immp/pkg/core"
	"github.com/aiku/immp/pkg/hook/command"
)

const defaultPrefix = "!note"

// Store persists the notes. Keys are opaque strings.
type Store interface {
	Append(ctx context.Context, key, value string) error
	List(ctx context.Context, key string) ([]string, error)
	RemoveAt(ctx context.Context, key string, index int) (string, error)
	Move(ctx context.Context, src, dst string) (bool, error)
}

// Config is the hook's configuration.
type Config struct {
	// Channels limits the hook to the named channels. Empty means every
	// named channel.
	Channels []string `yaml:"channels"`
	// Prefix is the command word. Defaults to "!note".
	Prefix string `yaml:"prefix"`
}

func (c *Config) PostProcess() error {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if strings.ContainsAny(c.Prefix, " \t\n") {
		return fmt.Errorf("prefix %q must be a single word", c.Prefix)
	}
	return nil
}

// Hook is the notes hook.
type Hook struct {
	name string
	host *core.Host
	log  zerolog.Logger

	mu    sync.RWMutex
	cfg   *Config
	store Store
}

var (
	_ core.Processor     = (*Hook)(nil)
	_ core.ChannelScoped = (*Hook)(nil)
	_ core.Migrator      = (*Hook)(nil)
	_ core.Configurable  = (*Hook)(nil)

	_ command.Commandable = (*Hook)(nil)
)

// New creates the hook. cfg must have been post-processed.
func New(name string, cfg *Config, host *core.Host) *Hook {
	return &Hook{
		name: name,
		host: host,
		cfg:  cfg,
		log:  host.Log().With().Str("hook", name).Logger(),
	}
}

func (h *Hook) Name() string { return h.name }

// Open picks the store. Resources are started before plain hooks, so a
// configured store is already connected.
func (h *Hook) Open(context.Context) error {
	h.attach()
	return nil
}

// attach picks the store: the first store resource, otherwise memory.
func (h *Hook) attach() Store {
	h.mu.Lock()
	defer h.mu.Unlock()
	if store, ok := core.ResourceOf[Store](h.host.Registry()); ok {
		h.store = store
		h.log.Debug().Msg("Using shared store for notes")
	} else if h.store == nil {
		h.store = newMemoryStore()
		h.log.Warn().Msg("No store resource configured, notes will not survive a restart")
	}
	return h.store
}

func (h *Hook) Close(context.Context) error { return nil }

func (h *Hook) SetConfig(cfg any) error {
	c, ok := cfg.(*Config)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	h.mu.Lock()
	h.cfg = c
	h.mu.Unlock()
	return nil
}

func (h *Hook) config() (*Config, Store) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg, h.store
}

func (h *Hook) Wants(ch core.Channel) bool {
	names := h.host.Registry().NamesFor(ch)
	cfg, _ := h.config()
	if len(cfg.Channels) == 0 {
		return len(names) > 0
	}
	return slices.ContainsFunc(names, func(name string) bool { return slices.Contains(cfg.Channels, name) })
}

func noteKey(ch core.Channel) string {
	return "notes:" + ch.Plug + ":" + ch.Source
}

func (h *Hook) Process(ctx context.Context, evt core.Event) (core.Verdict, error) {
	if evt.Echo() || !evt.Primary {
		return core.Pass, nil
	}
	cfg, store := h.config()
	if store == nil {
		return core.Pass, nil
	}
	rest, ok := strings.CutPrefix(strings.TrimSpace(evt.Text), cfg.Prefix)
	if !ok || (rest != "" && rest[0] != ' ') {
		return core.Pass, nil
	}
	reply, err := h.run(ctx, store, evt, cfg.Prefix, strings.TrimSpace(rest))
	if err != nil {
		return core.Consume, err
	}
	if _, err = h.host.Send(ctx, evt.Channel, &core.Message{Text: reply, Markdown: true}); err != nil {
		return core.Consume, fmt.Errorf("failed to reply: %w", err)
	}
	return core.Consume, nil
}

func (h *Hook) run(ctx context.Context, store Store, evt core.Event, prefix, args string) (string, error) {
	key := noteKey(evt.Channel)
	verb, arg, _ := strings.Cut(args, " ")
	arg = strings.TrimSpace(arg)
	switch verb {
	case "add":
		if arg == "" {
			return "Usage: " + prefix + " add <text>", nil
		}
		text := arg
		if name := evt.User.DisplayName(); name != "" {
			text += " (" + name + ")"
		}
		if err := store.Append(ctx, key, text); err != nil {
			return "", err
		}
		notes, err := store.List(ctx, key)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("✅ Added note %d", len(notes)), nil
	case "remove", "show":
		num, err := strconv.Atoi(arg)
		if err != nil || num < 1 {
			return "Usage: " + prefix + " " + verb + " <num>", nil
		}
		if verb == "remove" {
			_, err = store.RemoveAt(ctx, key, num-1)
			if err != nil {
				h.log.Debug().Err(err).Int("num", num).Msg("Failed to remove note")
				return "❌ No such note", nil
			}
			return fmt.Sprintf("✅ Removed note %d", num), nil
		}
		notes, err := store.List(ctx, key)
		if err != nil {
			return "", err
		}
		if num > len(notes) {
			return "❌ No such note", nil
		}
		return fmt.Sprintf("**%d.** %s", num, notes[num-1]), nil
	case "", "list":
		notes, err := store.List(ctx, key)
		if err != nil {
			return "", err
		}
		if len(notes) == 0 {
			return "No notes", nil
		}
		var b strings.Builder
		for i, note := range notes {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "**%d.** %s", i+1, note)
		}
		return b.String(), nil
	}
	return "Unknown command " + strconv.Quote(verb) + ", try add, remove, show or list", nil
}

// Commands offers the note commands as "note" to a command hook.
func (h *Hook) Commands() map[string]command.Handler {
	return map[string]command.Handler{
		"note": func(ctx context.Context, evt core.Event, args []string) (string, error) {
			_, store := h.config()
			if store == nil {
				store = h.attach()
			}
			return h.run(ctx, store, evt, "note", strings.Join(args, " "))
		},
	}
}

// OnMigrate moves the notes of src onto the end of dst.
func (h *Hook) OnMigrate(ctx context.Context, src, dst core.Channel) (bool, error) {
	if src == dst {
		return false, nil
	}
	_, store := h.config()
	if store == nil {
		// Migrations reach hooks that were never opened.
		store = h.attach()
	}
	return store.Move(ctx, noteKey(src), noteKey(dst))
}

type memoryStore struct {
	mu    sync.Mutex
	lists map[string][]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{lists: make(map[string][]string)}
}

func (m *memoryStore) Append(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], value)
	return nil
}

func (m *memoryStore) List(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.lists[key]), nil
}

func (m *memoryStore) RemoveAt(_ context.Context, key string, index int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	if index < 0 || index >= len(list) {
		return "", fmt.Errorf("no item %d in %s", index, key)
	}
	value := list[index]
	m.lists[key] = slices.Delete(list, index, index+1)
	return value, nil
}

func (m *memoryStore) Move(_ context.Context, src, dst string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[src]
	if len(list) == 0 {
		return false, nil
	}
	m.lists[dst] = append(m.lists[dst], list...)
	delete(m.lists, src)
	return true, nil
}
