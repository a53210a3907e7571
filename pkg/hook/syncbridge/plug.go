// Copyright 2024-2026 Aiku AI

package syncbridge

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/aiku/immp/pkg/core"
)

// Plug is the virtual plug of a sync hook. Its channel sources are the
// hook's labels.
type Plug struct {
	name   string
	hook   *Hook
	events chan core.Event
}

var (
	_ core.Plug             = (*Plug)(nil)
	_ core.ChannelDescriber = (*Plug)(nil)
)

func newPlug(name string, hook *Hook) *Plug {
	return &Plug{name: name, hook: hook, events: make(chan core.Event, 64)}
}

func (p *Plug) Name() string        { return p.name }
func (p *Plug) NetworkName() string { return "Sync" }
func (p *Plug) NetworkID() string   { return "sync:" + p.name }

func (p *Plug) Open(context.Context) error  { return nil }
func (p *Plug) Close(context.Context) error { return nil }

func (p *Plug) Receive(ctx context.Context, out chan<- core.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-p.events:
			select {
			case out <- evt:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// emit republishes a synced message on the label's virtual channel. The
// event is dropped if nothing is reading the plug.
func (p *Plug) emit(label string, src core.Event) {
	evt := core.Event{
		ID:      uuid.NewString(),
		Channel: core.Channel{Plug: p.name, Source: label},
		At:      src.At,
		Message: *src.Message.Clone(),
		Raw:     src,
		Primary: true,
	}
	select {
	case p.events <- evt:
	default:
		p.hook.log.Warn().Str("label", label).Msg("Virtual plug queue full, dropping event")
	}
}

// Send relays msg to every channel of the label. It returns a single key
// standing for all copies.
func (p *Plug) Send(ctx context.Context, ch core.Channel, msg *core.Message) ([]string, error) {
	if _, ok := p.hook.labels()[ch.Source]; !ok {
		return nil, fmt.Errorf("send to unknown sync channel %q", ch.Source)
	}
	p.hook.sending.Lock()
	defer p.hook.sending.Unlock()
	if err := p.hook.relay(ctx, ch.Source, msg, core.Channel{}); err != nil {
		return nil, err
	}
	return []string{uuid.NewString()}, nil
}

// DescribeChannel merges the members of every channel in the label.
func (p *Plug) DescribeChannel(ctx context.Context, source string) (*core.ChannelInfo, error) {
	names, ok := p.hook.labels()[source]
	if !ok {
		return nil, fmt.Errorf("unknown sync channel %q", source)
	}
	info := &core.ChannelInfo{Title: source}
	reg := p.hook.host.Registry()
	for _, name := range names {
		ch, ok := reg.Channel(name)
		if !ok {
			continue
		}
		entry, ok := reg.Plug(ch.Plug)
		if !ok || entry.State() != core.StateActive {
			continue
		}
		describer, ok := entry.Plug.(core.ChannelDescriber)
		if !ok {
			continue
		}
		sub, err := describer.DescribeChannel(ctx, ch.Source)
		if err != nil {
			p.hook.log.Warn().Err(err).Stringer("channel", ch).Msg("Failed to describe synced channel")
			continue
		}
		info.Members = append(info.Members, sub.Members...)
	}
	slices.SortFunc(info.Members, func(a, b core.User) int {
		if c := strings.Compare(a.Plug, b.Plug); c != 0 {
			return c
		}
		return strings.Compare(a.DisplayName()+a.ID, b.DisplayName()+b.ID)
	})
	return info, nil
}
