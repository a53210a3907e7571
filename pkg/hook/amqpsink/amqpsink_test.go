// Copyright 2024-2026 Aiku AI

package amqpsink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiku/immp/pkg/core"
)

type published struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

type fakeBroker struct {
	mu     sync.Mutex
	msgs   []published
	closed bool
	fail   error
}

func (b *fakeBroker) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.msgs = append(b.msgs, published{Exchange: exchange, Key: key, Msg: msg})
	return nil
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBroker) Published() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.msgs...)
}

type stubPlug struct{}

func (stubPlug) Name() string                { return "mm" }
func (stubPlug) NetworkName() string         { return "Stub" }
func (stubPlug) NetworkID() string           { return "stub" }
func (stubPlug) Open(context.Context) error  { return nil }
func (stubPlug) Close(context.Context) error { return nil }
func (stubPlug) Receive(ctx context.Context, _ chan<- core.Event) error {
	<-ctx.Done()
	return nil
}

func (stubPlug) Send(context.Context, core.Channel, *core.Message) ([]string, error) {
	return nil, nil
}

func newSink(t *testing.T, cfg *Config) (*Hook, *fakeBroker) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, cfg.PostProcess())
	host := core.New(core.WithLogger(zerolog.Nop()))
	_, err := host.AddPlug(ctx, stubPlug{})
	require.NoError(t, err)
	_, err = host.AddChannel(ctx, "town-square", "mm", "abc.def")
	require.NoError(t, err)
	_, err = host.AddChannel(ctx, "random", "mm", "xyz")
	require.NoError(t, err)

	broker := &fakeBroker{}
	h := New("archive", cfg, host)
	h.dial = func(*Config) (publisher, io.Closer, error) { return broker, broker, nil }
	require.NoError(t, h.Open(ctx))
	t.Cleanup(func() { _ = h.Close(ctx) })
	return h, broker
}

func TestConfig(t *testing.T) {
	t.Parallel()
	assert.ErrorIs(t, (&Config{}).PostProcess(), ErrMissingURL)
	cfg := &Config{URL: "amqp://localhost"}
	require.NoError(t, cfg.PostProcess())
	assert.Equal(t, "immp", cfg.Exchange)
}

func TestPublishes(t *testing.T) {
	t.Parallel()
	h, broker := newSink(t, &Config{URL: "amqp://x", Exchange: "chat"})
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	evt := core.Event{
		ID:      "p1",
		Channel: core.Channel{Plug: "mm", Source: "abc.def"},
		At:      at,
		Message: core.Message{Text: "hi", User: &core.User{ID: "u1", Username: "alice"}},
		Primary: true,
	}
	verdict, err := h.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, core.Pass, verdict)

	msgs := broker.Published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "chat", msgs[0].Exchange)
	assert.Equal(t, "mm.abc_def", msgs[0].Key)
	assert.Equal(t, "application/json", msgs[0].Msg.ContentType)
	assert.Equal(t, "p1", msgs[0].Msg.MessageId)
	assert.Equal(t, at, msgs[0].Msg.Timestamp)

	var rec Record
	require.NoError(t, json.Unmarshal(msgs[0].Msg.Body, &rec))
	assert.Equal(t, []string{"town-square"}, rec.Names)
	assert.Equal(t, "hi", rec.Text)
	assert.Equal(t, "alice", rec.User.Username)
	assert.False(t, rec.Echo)
}

func TestSkips(t *testing.T) {
	t.Parallel()
	h, broker := newSink(t, &Config{URL: "amqp://x"})
	ctx := context.Background()
	ch := core.Channel{Plug: "mm", Source: "xyz"}

	_, err := h.Process(ctx, core.Event{ID: "1", Channel: ch, Primary: false})
	require.NoError(t, err)
	_, err = h.Process(ctx, core.Event{ID: "2", Channel: ch, Primary: true, Source: &core.Message{Text: "x"}})
	require.NoError(t, err)
	assert.Empty(t, broker.Published())

	require.NoError(t, h.SetConfig(&Config{URL: "amqp://x", Exchange: "immp", Echoes: true}))
	_, err = h.Process(ctx, core.Event{ID: "3", Channel: ch, Primary: true, Source: &core.Message{Text: "x"}})
	require.NoError(t, err)
	assert.Len(t, broker.Published(), 1)
}

func TestWants(t *testing.T) {
	t.Parallel()
	h, _ := newSink(t, &Config{URL: "amqp://x", Channels: []string{"random"}})
	assert.True(t, h.Wants(core.Channel{Plug: "mm", Source: "xyz"}))
	assert.False(t, h.Wants(core.Channel{Plug: "mm", Source: "abc.def"}))

	require.NoError(t, h.SetConfig(&Config{URL: "amqp://x", Exchange: "immp"}))
	assert.True(t, h.Wants(core.Channel{Plug: "mm", Source: "abc.def"}))
	assert.False(t, h.Wants(core.Channel{Plug: "mm", Source: "unnamed"}))
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()
	h, broker := newSink(t, &Config{URL: "amqp://x"})
	ctx := context.Background()
	evt := core.Event{ID: "1", Channel: core.Channel{Plug: "mm", Source: "xyz"}, Primary: true}

	broker.fail = errors.New("channel closed")
	_, err := h.Process(ctx, evt)
	assert.ErrorContains(t, err, "channel closed")

	require.NoError(t, h.Close(ctx))
	assert.True(t, broker.closed)
	_, err = h.Process(ctx, evt)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestOpenFails(t *testing.T) {
	t.Parallel()
	host := core.New(core.WithLogger(zerolog.Nop()))
	h := New("archive", &Config{URL: "amqp://127.0.0.1:1", Exchange: "immp"}, host)
	assert.Error(t, h.Open(context.Background()))
}

func TestRoutingKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "matrix.!room:example_org", routingKey(core.Channel{Plug: "matrix", Source: "!room:example.org"}))
	assert.Equal(t, "a_b._c_", routingKey(core.Channel{Plug: "a.b", Source: "*c#"}))
}
