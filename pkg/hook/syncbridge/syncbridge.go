// Copyright 2024-2026 Aiku AI

// Package syncbridge joins channels into shared conversations.
//
// The sync hook maps labels to lists of channel names. A message received in
// one channel of a label is copied to every other channel of that label. With
// a plug name configured, the hook also brings a virtual plug with one
// channel per label: other hooks can listen to the merged stream there, and
// messages sent to it reach every channel of the label. The virtual channels
// are registered like any other, e.g. `channels: {lobby: {plug: bridge, source: lobby}}`.
//
// The forward hook is the one-way variant: messages from a source channel are
// copied to its targets, never back.
package syncbridge

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/immp/pkg/core"
)

var (
	ErrNoChannels       = errors.New("no channels configured")
	ErrDuplicateChannel = errors.New("channel listed under more than one label")
)

const (
	defaultWorkers = 8
	// maxSent bounds the IDs remembered for echo suppression.
	maxSent = 10000
)

// Config is the sync hook's configuration.
type Config struct {
	// Channels maps each label to the names of the channels it joins.
	Channels map[string][]string `yaml:"channels"`
	// Plug names the virtual plug. Empty means no virtual plug.
	Plug string `yaml:"plug"`
	// Workers bounds concurrent sends.
	Workers int `yaml:"workers"`
}

// PostProcess validates the config and fills in defaults.
func (c *Config) PostProcess() error {
	if len(c.Channels) == 0 {
		return ErrNoChannels
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	seen := make(map[string]string)
	for _, label := range slices.Sorted(maps.Keys(c.Channels)) {
		for _, name := range c.Channels[label] {
			if other, ok := seen[name]; ok {
				return fmt.Errorf("%w: %q under %q and %q", ErrDuplicateChannel, name, other, label)
			}
			seen[name] = label
		}
	}
	return nil
}

// Hook is the sync hook.
type Hook struct {
	name string
	host *core.Host
	log  zerolog.Logger

	mu   sync.RWMutex
	cfg  Config
	pool *ants.Pool
	plug *Plug

	// sending is held while a message is relayed, so that echoes of it wait
	// until the IDs it produced are recorded in sent.
	sending sync.Mutex
	sent    *exsync.Set[string]
}

var (
	_ core.Processor     = (*Hook)(nil)
	_ core.ChannelScoped = (*Hook)(nil)
	_ core.Configurable  = (*Hook)(nil)
)

// New creates a sync hook. cfg must have been post-processed.
func New(name string, cfg *Config, host *core.Host) *Hook {
	h := &Hook{
		name: name,
		host: host,
		log:  host.Log().With().Str("hook", name).Logger(),
		cfg:  *cfg,
		sent: exsync.NewSet[string](),
	}
	if cfg.Plug != "" {
		h.plug = newPlug(cfg.Plug, h)
	}
	return h
}

func (h *Hook) Name() string { return h.name }

// VirtualPlugs returns the hook's virtual plug, if it has one.
func (h *Hook) VirtualPlugs() []core.Plug {
	if h.plug == nil {
		return nil
	}
	return []core.Plug{h.plug}
}

// Plug returns the virtual plug, or nil.
func (h *Hook) Plug() *Plug { return h.plug }

func (h *Hook) Open(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	pool, err := ants.NewPool(h.cfg.Workers)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	h.pool = pool
	return nil
}

func (h *Hook) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pool != nil {
		h.pool.Release()
		h.pool = nil
	}
	return nil
}

// SetConfig replaces the label mapping. The virtual plug cannot be renamed
// in place.
func (h *Hook) SetConfig(cfg any) error {
	c, ok := cfg.(*Config)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.Plug != h.cfg.Plug {
		return fmt.Errorf("%w: virtual plug renamed from %q to %q", core.ErrNotConfigurable, h.cfg.Plug, c.Plug)
	}
	h.cfg = *c
	return nil
}

func (h *Hook) labels() map[string][]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg.Channels
}

// labelFor returns the label a channel takes part in.
func (h *Hook) labelFor(ch core.Channel) (string, bool) {
	names := h.host.Registry().NamesFor(ch)
	if len(names) == 0 {
		return "", false
	}
	labels := h.labels()
	for _, label := range slices.Sorted(maps.Keys(labels)) {
		for _, name := range labels[label] {
			if slices.Contains(names, name) {
				return label, true
			}
		}
	}
	return "", false
}

// Wants reports whether ch is part of a label or belongs to the virtual plug.
func (h *Hook) Wants(ch core.Channel) bool {
	if h.plug != nil && ch.Plug == h.plug.name {
		return true
	}
	_, ok := h.labelFor(ch)
	return ok
}

// Process relays new messages to the other channels of their label. Echoes
// of relayed messages are skipped.
func (h *Hook) Process(ctx context.Context, evt core.Event) (core.Verdict, error) {
	if evt.Echo() || !evt.Primary || (h.plug != nil && evt.Channel.Plug == h.plug.name) {
		return core.Pass, nil
	}
	label, ok := h.labelFor(evt.Channel)
	if !ok {
		return core.Pass, nil
	}

	h.sending.Lock()
	defer h.sending.Unlock()
	if key := sentKey(evt.Channel, evt.ID); h.sent.Has(key) {
		h.sent.Remove(key)
		h.log.Debug().Str("event_id", evt.ID).Msg("Incoming message already synced")
		return core.Pass, nil
	}
	h.log.Debug().Str("label", label).Str("event_id", evt.ID).Msg("Sending message to synced channels")
	if err := h.relay(ctx, label, &evt.Message, evt.Channel); err != nil {
		return core.Pass, err
	}
	if h.plug != nil {
		h.plug.emit(label, evt)
	}
	return core.Pass, nil
}

// relay sends msg to every channel of label except from. The caller holds
// sending.
func (h *Hook) relay(ctx context.Context, label string, msg *core.Message, from core.Channel) error {
	var targets []core.Channel
	reg := h.host.Registry()
	for _, name := range h.labels()[label] {
		ch, ok := reg.Channel(name)
		if !ok {
			h.log.Warn().Str("channel", name).Msg("Synced channel is not registered")
			continue
		}
		if ch != from {
			targets = append(targets, ch)
		}
	}

	h.mu.RLock()
	pool := h.pool
	h.mu.RUnlock()
	if pool == nil {
		return fmt.Errorf("hook %s is not open", h.name)
	}
	if h.sent.Size() > maxSent {
		h.sent = exsync.NewSet[string]()
	}
	sent := h.sent
	fanOut(ctx, pool, h.host, targets, msg, h.log, func(ch core.Channel, ids []string) {
		for _, id := range ids {
			sent.Add(sentKey(ch, id))
		}
	})
	return nil
}

func sentKey(ch core.Channel, id string) string {
	return ch.Plug + "\x00" + ch.Source + "\x00" + id
}

// fanOut sends a copy of msg to each target on pool and waits for all sends.
// done is called from the pool for every successful send.
func fanOut(ctx context.Context, pool *ants.Pool, host *core.Host, targets []core.Channel, msg *core.Message,
	log zerolog.Logger, done func(core.Channel, []string)) {
	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			ids, err := host.Send(ctx, target, msg.Clone())
			if err != nil {
				log.Error().Err(err).Stringer("channel", target).Msg("Failed to relay message to channel")
				return
			}
			log.Debug().Stringer("channel", target).Strs("ids", ids).Msg("Synced message")
			if done != nil {
				done(target, ids)
			}
		})
		if err != nil {
			wg.Done()
			log.Error().Err(err).Stringer("channel", target).Msg("Failed to queue relay")
		}
	}
	wg.Wait()
}
