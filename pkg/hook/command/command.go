// Copyright 2024-2026 Aiku AI

// Package command routes "!"-prefixed messages to the commands other hooks
// expose through Commandable.
//
// A command hook binds the commands of its listed hooks to its listed
// channels. The channels need not belong to those hooks, so commands can be
// offered in an admin-only room elsewhere. Several command hooks may run side
// by side with different prefixes or bindings.
package command

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/aiku/immp/pkg/core"
)

var (
	ErrNoChannels        = errors.New("no channels configured")
	ErrUnterminatedQuote = errors.New("unterminated quote")
)

// Handler runs one command. args holds the words after the command name. A
// non-empty reply is sent back to the event's channel as markdown.
type Handler func(ctx context.Context, evt core.Event, args []string) (reply string, err error)

// Commandable is implemented by hooks that offer commands.
type Commandable interface {
	Commands() map[string]Handler
}

// Config is the hook's configuration.
type Config struct {
	// Prefix starts every command. "?" gives "?help", "!bot " gives
	// "!bot help".
	Prefix string `yaml:"prefix"`
	// Channels lists the channel names commands are accepted in.
	Channels []string `yaml:"channels"`
	// Hooks lists the hooks whose commands are offered.
	Hooks []string `yaml:"hooks"`
}

// PostProcess fills defaults and validates the config.
func (c *Config) PostProcess() error {
	if c.Prefix == "" {
		c.Prefix = "!"
	}
	if len(c.Channels) == 0 {
		return ErrNoChannels
	}
	return nil
}

// Hook is the command hook.
type Hook struct {
	name string
	host *core.Host
	log  zerolog.Logger

	mu  sync.RWMutex
	cfg *Config
}

var (
	_ core.Processor     = (*Hook)(nil)
	_ core.ChannelScoped = (*Hook)(nil)
	_ core.Configurable  = (*Hook)(nil)
)

// New creates the hook. cfg must have been post-processed.
func New(name string, cfg *Config, host *core.Host) *Hook {
	return &Hook{
		name: name,
		host: host,
		log:  host.Log().With().Str("hook", name).Logger(),
		cfg:  cfg,
	}
}

func (h *Hook) Name() string { return h.name }

func (h *Hook) Open(context.Context) error {
	cfg := h.config()
	reg := h.host.Registry()
	for _, name := range cfg.Hooks {
		entry, ok := reg.Hook(name)
		if !ok {
			h.log.Warn().Str("target", name).Msg("Command hook lists a hook that is not registered yet")
			continue
		}
		if _, ok = entry.Hook.(Commandable); !ok {
			return fmt.Errorf("hook %q does not offer commands", name)
		}
	}
	return nil
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

func (h *Hook) config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Wants accepts channels with a name listed in the config.
func (h *Hook) Wants(ch core.Channel) bool {
	cfg := h.config()
	return slices.ContainsFunc(h.host.Registry().NamesFor(ch), func(name string) bool {
		return slices.Contains(cfg.Channels, name)
	})
}

// lookup finds the handler for name among the active listed hooks. Earlier
// hooks in the list win.
func (h *Hook) lookup(cfg *Config, name string) (Handler, string, bool) {
	reg := h.host.Registry()
	for _, target := range cfg.Hooks {
		entry, ok := reg.Hook(target)
		if !ok || entry.State() != core.StateActive {
			continue
		}
		c, ok := entry.Hook.(Commandable)
		if !ok {
			continue
		}
		if fn, ok := c.Commands()[name]; ok {
			return fn, target, true
		}
	}
	return nil, "", false
}

func (h *Hook) Process(ctx context.Context, evt core.Event) (core.Verdict, error) {
	if evt.Echo() || !evt.Primary || !h.Wants(evt.Channel) {
		return core.Pass, nil
	}
	cfg := h.config()
	rest, ok := strings.CutPrefix(strings.TrimSpace(evt.Text), cfg.Prefix)
	if !ok {
		return core.Pass, nil
	}
	args, err := Split(rest)
	if err != nil {
		args = strings.Fields(rest)
	}
	if len(args) == 0 {
		return core.Pass, nil
	}
	fn, target, ok := h.lookup(cfg, args[0])
	if !ok {
		return core.Pass, nil
	}
	h.log.Debug().Str("command", args[0]).Str("target", target).Stringer("channel", evt.Channel).Msg("Running command")
	reply, err := fn(ctx, evt, args[1:])
	if err != nil {
		return core.Consume, fmt.Errorf("command %q of hook %q: %w", args[0], target, err)
	}
	if reply != "" {
		if _, err = h.host.Send(ctx, evt.Channel, &core.Message{Text: reply, Markdown: true}); err != nil {
			return core.Consume, fmt.Errorf("failed to reply: %w", err)
		}
	}
	return core.Consume, nil
}

// Split breaks s into words. Single or double quotes group words, the
// quotes themselves are dropped.
func Split(s string) ([]string, error) {
	var (
		words []string
		word  strings.Builder
		open  bool
		quote rune
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				word.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote, open = r, true
		case unicode.IsSpace(r):
			if open {
				words = append(words, word.String())
				word.Reset()
				open = false
			}
		default:
			word.WriteRune(r)
			open = true
		}
	}
	if quote != 0 {
		return nil, ErrUnterminatedQuote
	}
	if open {
		words = append(words, word.String())
	}
	return words, nil
}
