// Copyright 2024-2026 Aiku AI

package syncbridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiku/immp/pkg/core"
)

func newSync(t *testing.T, host *core.Host, cfg Config) *Hook {
	t.Helper()
	require.NoError(t, cfg.PostProcess())
	return New("sync", &cfg, host)
}

func TestConfigPostProcess(t *testing.T) {
	t.Parallel()
	assert.ErrorIs(t, (&Config{}).PostProcess(), ErrNoChannels)
	dup := &Config{Channels: map[string][]string{"x": {"ca", "cb"}, "y": {"cb"}}}
	assert.ErrorIs(t, dup.PostProcess(), ErrDuplicateChannel)

	ok := &Config{Channels: map[string][]string{"x": {"ca"}}}
	require.NoError(t, ok.PostProcess())
	assert.Equal(t, defaultWorkers, ok.Workers)
}

func TestSyncRelays(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	host, plugs := newHost(t)
	hook := newSync(t, host, Config{Channels: map[string][]string{"room": {"ca", "cb"}}})
	_, err := host.AddHook(ctx, hook)
	require.NoError(t, err)
	require.NoError(t, host.Start(ctx))

	assert.True(t, hook.Wants(core.Channel{Plug: "a", Source: "room-a"}))
	assert.False(t, hook.Wants(core.Channel{Plug: "c", Source: "room-c"}))

	plugs["a"].post("room-a", "1", "hi")
	require.Eventually(t, func() bool { return len(plugs["b"].Sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []sentMsg{{Source: "room-b", Text: "hi"}}, plugs["b"].Sent())

	// The network echoes the relayed copy, then a new message arrives.
	plugs["b"].post("room-b", "b-1", "hi")
	plugs["b"].post("room-b", "2", "second")
	require.Eventually(t, func() bool { return len(plugs["a"].Sent()) > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []sentMsg{{Source: "room-a", Text: "second"}}, plugs["a"].Sent())
	assert.Empty(t, plugs["c"].Sent())
}

func TestSyncSkipsRecordedIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	host, plugs := newHost(t)
	hook := newSync(t, host, Config{Channels: map[string][]string{"room": {"ca", "cb"}}})
	require.NoError(t, host.Start(ctx))
	require.NoError(t, hook.Open(ctx))
	defer func() { _ = hook.Close(ctx) }()

	chB := core.Channel{Plug: "b", Source: "room-b"}
	hook.sent.Add(sentKey(chB, "x"))
	verdict, err := hook.Process(ctx, core.Event{ID: "x", Channel: chB, Primary: true})
	require.NoError(t, err)
	assert.Equal(t, core.Pass, verdict)
	assert.Empty(t, plugs["a"].Sent())
	assert.False(t, hook.sent.Has(sentKey(chB, "x")))

	_, err = hook.Process(ctx, core.Event{ID: "y", Channel: chB, Primary: false})
	require.NoError(t, err)
	assert.Empty(t, plugs["a"].Sent(), "secondary parts are not relayed")
}

func TestSyncVirtualPlug(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	host, plugs := newHost(t)
	hook := newSync(t, host, Config{Channels: map[string][]string{"room": {"ca", "cb"}}, Plug: "bridge"})
	require.Len(t, hook.VirtualPlugs(), 1)
	_, err := host.AddPlug(ctx, hook.Plug(), core.Virtual())
	require.NoError(t, err)
	lobby, err := host.AddChannel(ctx, "lobby", "bridge", "room")
	require.NoError(t, err)
	_, err = host.AddHook(ctx, hook)
	require.NoError(t, err)
	col := &collector{}
	_, err = host.AddHook(ctx, col)
	require.NoError(t, err)
	require.NoError(t, host.Start(ctx))

	plugs["a"].post("room-a", "1", "hi")
	require.Eventually(t, func() bool {
		for _, evt := range col.Events() {
			if evt.Channel == lobby {
				return evt.Text == "hi"
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "synced messages appear on the virtual channel")

	ids, err := host.Send(ctx, lobby, &core.Message{Text: "announce"})
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	assert.Contains(t, plugs["a"].Sent(), sentMsg{Source: "room-a", Text: "announce"})
	assert.Contains(t, plugs["b"].Sent(), sentMsg{Source: "room-b", Text: "announce"})

	_, err = host.Send(ctx, core.Channel{Plug: "bridge", Source: "nowhere"}, &core.Message{Text: "x"})
	assert.Error(t, err)

	info, err := hook.Plug().DescribeChannel(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, "room", info.Title)
	assert.Equal(t, []core.User{{ID: "a-user", Plug: "a"}, {ID: "b-user", Plug: "b"}}, info.Members)
}

func TestSyncSetConfig(t *testing.T) {
	t.Parallel()
	host, _ := newHost(t)
	hook := newSync(t, host, Config{Channels: map[string][]string{"room": {"ca"}}})

	require.NoError(t, hook.SetConfig(&Config{Channels: map[string][]string{"room": {"ca", "cc"}}}))
	label, ok := hook.labelFor(core.Channel{Plug: "c", Source: "room-c"})
	assert.True(t, ok)
	assert.Equal(t, "room", label)

	err := hook.SetConfig(&Config{Channels: map[string][]string{"room": {"ca"}}, Plug: "renamed"})
	assert.ErrorIs(t, err, core.ErrNotConfigurable)
	assert.Error(t, hook.SetConfig(42))
}

func TestForward(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	host, plugs := newHost(t)
	cfg := &ForwardConfig{Channels: map[string][]string{"ca": {"cb", "cc", "missing"}}}
	require.NoError(t, cfg.PostProcess())
	fwd := NewForward("fwd", cfg, host)
	_, err := host.AddHook(ctx, fwd)
	require.NoError(t, err)
	require.NoError(t, host.Start(ctx))

	assert.True(t, fwd.Wants(core.Channel{Plug: "a", Source: "room-a"}))
	assert.False(t, fwd.Wants(core.Channel{Plug: "b", Source: "room-b"}))

	plugs["b"].post("room-b", "0", "ignored")
	plugs["a"].post("room-a", "1", "news")
	require.Eventually(t, func() bool {
		return len(plugs["b"].Sent()) == 1 && len(plugs["c"].Sent()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "news", plugs["b"].Sent()[0].Text)
	assert.Empty(t, plugs["a"].Sent())
	assert.ErrorIs(t, (&ForwardConfig{}).PostProcess(), ErrNoChannels)
}
