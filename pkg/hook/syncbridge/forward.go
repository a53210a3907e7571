// Copyright 2024-2026 Aiku AI

package syncbridge

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/aiku/immp/pkg/core"
)

// ForwardConfig is the forward hook's configuration.
type ForwardConfig struct {
	// Channels maps a source channel name to the channel names it is copied
	// to.
	Channels map[string][]string `yaml:"channels"`
	Workers  int                 `yaml:"workers"`
}

// PostProcess validates the config and fills in defaults.
func (c *ForwardConfig) PostProcess() error {
	if len(c.Channels) == 0 {
		return ErrNoChannels
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	return nil
}

// Forward copies messages one way, from source channels to their targets.
type Forward struct {
	name string
	host *core.Host
	log  zerolog.Logger

	mu   sync.RWMutex
	cfg  ForwardConfig
	pool *ants.Pool
}

var (
	_ core.Processor     = (*Forward)(nil)
	_ core.ChannelScoped = (*Forward)(nil)
	_ core.Configurable  = (*Forward)(nil)
)

// NewForward creates a forward hook. cfg must have been post-processed.
func NewForward(name string, cfg *ForwardConfig, host *core.Host) *Forward {
	return &Forward{
		name: name,
		host: host,
		log:  host.Log().With().Str("hook", name).Logger(),
		cfg:  *cfg,
	}
}

func (f *Forward) Name() string { return f.name }

func (f *Forward) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pool, err := ants.NewPool(f.cfg.Workers)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	f.pool = pool
	return nil
}

func (f *Forward) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pool != nil {
		f.pool.Release()
		f.pool = nil
	}
	return nil
}

func (f *Forward) SetConfig(cfg any) error {
	c, ok := cfg.(*ForwardConfig)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	f.mu.Lock()
	f.cfg = *c
	f.mu.Unlock()
	return nil
}

// targets resolves the channels a message in ch is forwarded to.
func (f *Forward) targets(ch core.Channel) []core.Channel {
	reg := f.host.Registry()
	names := reg.NamesFor(ch)
	if len(names) == 0 {
		return nil
	}
	f.mu.RLock()
	mapping := f.cfg.Channels
	f.mu.RUnlock()

	var out []core.Channel
	for _, src := range slices.Sorted(maps.Keys(mapping)) {
		if !slices.Contains(names, src) {
			continue
		}
		for _, name := range mapping[src] {
			target, ok := reg.Channel(name)
			if !ok {
				f.log.Warn().Str("channel", name).Msg("Forward target is not registered")
				continue
			}
			if target != ch && !slices.Contains(out, target) {
				out = append(out, target)
			}
		}
	}
	return out
}

func (f *Forward) Wants(ch core.Channel) bool {
	names := f.host.Registry().NamesFor(ch)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, name := range names {
		if _, ok := f.cfg.Channels[name]; ok {
			return true
		}
	}
	return false
}

func (f *Forward) Process(ctx context.Context, evt core.Event) (core.Verdict, error) {
	if evt.Echo() || !evt.Primary {
		return core.Pass, nil
	}
	targets := f.targets(evt.Channel)
	if len(targets) == 0 {
		return core.Pass, nil
	}
	f.mu.RLock()
	pool := f.pool
	f.mu.RUnlock()
	if pool == nil {
		return core.Pass, fmt.Errorf("hook %s is not open", f.name)
	}
	fanOut(ctx, pool, f.host, targets, &evt.Message, f.log, nil)
	return core.Pass, nil
}
