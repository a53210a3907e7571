// Copyright 2024-2026 Aiku AI

// Package dummy is a plug with no external network, for tests and demos.
//
// It produces a "Test" message on a fixed interval and returns any message
// sent to it as a new inbound event, as if a network had processed it.
package dummy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aiku/immp/pkg/core"
)

// Source is the only channel source the plug knows.
const Source = "dummy"

const defaultInterval = 10 * time.Second

// Config is the plug's configuration.
type Config struct {
	// Interval between generated test messages. Zero uses the default, a
	// negative value disables generation.
	Interval time.Duration `yaml:"interval"`
	// Text of the generated messages.
	Text string `yaml:"text"`
}

// PostProcess fills in defaults.
func (c *Config) PostProcess() error {
	if c.Interval == 0 {
		c.Interval = defaultInterval
	}
	if c.Text == "" {
		c.Text = "Test"
	}
	return nil
}

// Plug is the dummy network.
type Plug struct {
	name string
	cfg  Config
	user core.User
	log  zerolog.Logger

	// echoes carries sent messages back out of Receive.
	echoes chan core.Event
}

var (
	_ core.Plug             = (*Plug)(nil)
	_ core.ChannelDescriber = (*Plug)(nil)
	_ core.Configurable     = (*Plug)(nil)
)

// New creates a dummy plug. A nil cfg uses the defaults.
func New(name string, cfg *Config, log zerolog.Logger) *Plug {
	if cfg == nil {
		cfg = &Config{}
	}
	_ = cfg.PostProcess()
	return &Plug{
		name:   name,
		cfg:    *cfg,
		user:   core.User{ID: "dummy", Plug: name, RealName: name},
		log:    log.With().Str("plug", name).Logger(),
		echoes: make(chan core.Event, 16),
	}
}

func (p *Plug) Name() string        { return p.name }
func (p *Plug) NetworkName() string { return "Dummy" }
func (p *Plug) NetworkID() string   { return "dummy" }

// Channel returns the plug's only channel.
func (p *Plug) Channel() core.Channel {
	return core.Channel{Plug: p.name, Source: Source}
}

func (p *Plug) Open(context.Context) error {
	// Drop anything left over from a previous run.
	for {
		select {
		case <-p.echoes:
		default:
			return nil
		}
	}
}

func (p *Plug) Close(context.Context) error { return nil }

// SetConfig replaces the configuration. It is only called while inactive.
func (p *Plug) SetConfig(cfg any) error {
	c, ok := cfg.(*Config)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	p.cfg = *c
	return nil
}

func (p *Plug) Receive(ctx context.Context, out chan<- core.Event) error {
	var tick <-chan time.Time
	if p.cfg.Interval > 0 {
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		var evt core.Event
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			p.log.Debug().Msg("Creating next test message")
			user := p.user
			evt = p.event(core.Message{Text: p.cfg.Text, User: &user})
		case evt = <-p.echoes:
		}
		select {
		case out <- evt:
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Plug) event(msg core.Message) core.Event {
	return core.Event{
		ID:      uuid.NewString(),
		Channel: p.Channel(),
		At:      time.Now(),
		Message: msg,
		Primary: true,
	}
}

// Send queues a copy of msg to come back out of Receive as a new message. No
// IDs are returned, so the copy is not treated as an echo.
func (p *Plug) Send(ctx context.Context, ch core.Channel, msg *core.Message) ([]string, error) {
	if ch.Source != Source {
		return nil, fmt.Errorf("no channel %q on dummy plug", ch.Source)
	}
	evt := p.event(*msg.Clone())
	p.log.Debug().Str("event_id", evt.ID).Msg("Returning message")
	select {
	case p.echoes <- evt:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Plug) DescribeChannel(_ context.Context, source string) (*core.ChannelInfo, error) {
	if source != Source {
		return nil, fmt.Errorf("no channel %q on dummy plug", source)
	}
	return &core.ChannelInfo{Title: p.name, Members: []core.User{p.user}}, nil
}
