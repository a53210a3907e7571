// Copyright 2024-2026 Aiku AI

// Package autorespond answers messages matching configured patterns.
//
// Patterns are case-insensitive regular expressions. In a watched channel,
// "!ar add <pattern> <response>" and "!ar remove <pattern>" change the
// responses until the next restart.
package autorespond

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/immp/pkg/core"
	"github.com/aiku/immp/pkg/hook/command"
)

var ErrNoChannels = errors.New("no channels configured")

const commandPrefix = "!ar"

// Config is the hook's configuration.
type Config struct {
	// Channels lists the names of the channels to respond in.
	Channels []string `yaml:"channels"`
	// Responses maps patterns to response text.
	Responses map[string]string `yaml:"responses"`
}

// PostProcess validates the config.
func (c *Config) PostProcess() error {
	if len(c.Channels) == 0 {
		return ErrNoChannels
	}
	for pattern := range c.Responses {
		if _, err := compile(pattern); err != nil {
			return err
		}
	}
	return nil
}

func compile(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return re, nil
}

type response struct {
	re   *regexp.Regexp
	text string
}

// Hook is the autorespond hook.
type Hook struct {
	name string
	host *core.Host
	log  zerolog.Logger

	mu        sync.RWMutex
	channels  []string
	responses map[string]response
}

var (
	_ core.Processor     = (*Hook)(nil)
	_ core.ChannelScoped = (*Hook)(nil)
	_ core.Configurable  = (*Hook)(nil)

	_ command.Commandable = (*Hook)(nil)
)

// New creates the hook. cfg must have been post-processed.
func New(name string, cfg *Config, host *core.Host) *Hook {
	h := &Hook{
		name: name,
		host: host,
		log:  host.Log().With().Str("hook", name).Logger(),
	}
	_ = h.SetConfig(cfg)
	return h
}

func (h *Hook) Name() string                { return h.name }
func (h *Hook) Open(context.Context) error  { return nil }
func (h *Hook) Close(context.Context) error { return nil }

func (h *Hook) SetConfig(cfg any) error {
	c, ok := cfg.(*Config)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	responses := make(map[string]response, len(c.Responses))
	for pattern, text := range c.Responses {
		re, err := compile(pattern)
		if err != nil {
			return err
		}
		responses[pattern] = response{re: re, text: text}
	}
	h.mu.Lock()
	h.channels = slices.Clone(c.Channels)
	h.responses = responses
	h.mu.Unlock()
	return nil
}

func (h *Hook) Wants(ch core.Channel) bool {
	names := h.host.Registry().NamesFor(ch)
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.ContainsFunc(names, func(name string) bool { return slices.Contains(h.channels, name) })
}

func (h *Hook) Process(ctx context.Context, evt core.Event) (core.Verdict, error) {
	if evt.Echo() || !evt.Primary || evt.Text == "" || !h.Wants(evt.Channel) {
		return core.Pass, nil
	}
	if reply, ok := h.command(evt.Text); ok {
		_, err := h.host.Send(ctx, evt.Channel, &core.Message{Text: reply})
		return core.Consume, err
	}

	h.mu.RLock()
	patterns := slices.Sorted(maps.Keys(h.responses))
	var matched []string
	for _, pattern := range patterns {
		resp := h.responses[pattern]
		if resp.re.MatchString(evt.Text) {
			matched = append(matched, resp.text)
		}
	}
	h.mu.RUnlock()

	var errs []error
	for _, text := range matched {
		h.log.Debug().Stringer("channel", evt.Channel).Msg("Matched pattern, replying")
		if _, err := h.host.Send(ctx, evt.Channel, &core.Message{Text: text}); err != nil {
			errs = append(errs, err)
		}
	}
	return core.Pass, errors.Join(errs...)
}

// command handles "!ar add" and "!ar remove". It reports false when text is
// not a command.
func (h *Hook) command(text string) (string, bool) {
	rest, ok := strings.CutPrefix(text, commandPrefix+" ")
	if !ok {
		return "", false
	}
	args, err := command.Split(rest)
	if err != nil {
		args = strings.Fields(rest)
	}
	return h.edit(args)
}

func (h *Hook) edit(args []string) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	switch args[0] {
	case "add":
		if len(args) < 3 {
			return "Usage: " + commandPrefix + " add <pattern> <response>", true
		}
		pattern, text := args[1], strings.Join(args[2:], " ")
		re, err := compile(pattern)
		if err != nil {
			return "❌ " + err.Error(), true
		}
		h.mu.Lock()
		h.responses[pattern] = response{re: re, text: text}
		h.mu.Unlock()
		return "✅ Added", true
	case "remove":
		pattern := strings.Join(args[1:], " ")
		h.mu.Lock()
		_, found := h.responses[pattern]
		delete(h.responses, pattern)
		h.mu.Unlock()
		if !found {
			return "❌ No such pattern", true
		}
		return "✅ Removed", true
	}
	return "", false
}

// Commands offers "ar add" and "ar remove" to a command hook.
func (h *Hook) Commands() map[string]command.Handler {
	return map[string]command.Handler{
		"ar": func(_ context.Context, _ core.Event, args []string) (string, error) {
			if reply, ok := h.edit(args); ok {
				return reply, nil
			}
			return "Usage: ar add <pattern> <response> | ar remove <pattern>", nil
		},
	}
}
