// Copyright 2024-2026 Aiku AI

package syncbridge

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aiku/immp/pkg/core"
)

// chatPlug is an in-memory network. Tests push inbound events with post and
// inspect what was sent with Sent.
type chatPlug struct {
	name   string
	events chan core.Event

	mu   sync.Mutex
	sent []sentMsg
	next int
}

type sentMsg struct {
	Source string
	Text   string
}

func newChatPlug(name string) *chatPlug {
	return &chatPlug{name: name, events: make(chan core.Event, 16)}
}

func (p *chatPlug) Name() string                { return p.name }
func (p *chatPlug) NetworkName() string         { return "Chat" }
func (p *chatPlug) NetworkID() string           { return "chat:" + p.name }
func (p *chatPlug) Open(context.Context) error  { return nil }
func (p *chatPlug) Close(context.Context) error { return nil }

func (p *chatPlug) Receive(ctx context.Context, out chan<- core.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-p.events:
			out <- evt
		}
	}
}

func (p *chatPlug) Send(_ context.Context, ch core.Channel, msg *core.Message) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	p.sent = append(p.sent, sentMsg{Source: ch.Source, Text: msg.Text})
	return []string{p.name + "-" + strconv.Itoa(p.next)}, nil
}

func (p *chatPlug) DescribeChannel(_ context.Context, source string) (*core.ChannelInfo, error) {
	return &core.ChannelInfo{Title: source, Members: []core.User{{ID: p.name + "-user", Plug: p.name}}}, nil
}

func (p *chatPlug) Sent() []sentMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentMsg(nil), p.sent...)
}

// post pushes an inbound message.
func (p *chatPlug) post(source, id, text string) {
	p.events <- core.Event{
		ID:      id,
		Channel: core.Channel{Plug: p.name, Source: source},
		Message: core.Message{Text: text},
		Primary: true,
	}
}

// collector records every event it is dispatched.
type collector struct {
	mu     sync.Mutex
	events []core.Event
}

func (c *collector) Name() string                { return "collector" }
func (c *collector) Open(context.Context) error  { return nil }
func (c *collector) Close(context.Context) error { return nil }

func (c *collector) Process(_ context.Context, evt core.Event) (core.Verdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return core.Pass, nil
}

func (c *collector) Events() []core.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Event(nil), c.events...)
}

// newHost registers plugs a, b and c with channels ca, cb and cc.
func newHost(t *testing.T) (*core.Host, map[string]*chatPlug) {
	t.Helper()
	ctx := context.Background()
	host := core.New(core.WithLogger(zerolog.Nop()))
	plugs := make(map[string]*chatPlug)
	for _, name := range []string{"a", "b", "c"} {
		p := newChatPlug(name)
		plugs[name] = p
		_, err := host.AddPlug(ctx, p)
		require.NoError(t, err)
		_, err = host.AddChannel(ctx, "c"+name, name, "room-"+name)
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = host.Stop(ctx) })
	return host, plugs
}
