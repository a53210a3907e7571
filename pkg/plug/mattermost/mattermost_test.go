// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiku/immp/pkg/core"
)

func TestConfigPostProcess(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		err  error
	}{
		{"valid", Config{ServerURL: "https://mm.example.com/", Token: "t"}, nil},
		{"missing url", Config{Token: "t"}, ErrMissingServerURL},
		{"missing token", Config{ServerURL: "https://mm.example.com"}, ErrMissingToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.PostProcess()
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "https://mm.example.com", tt.cfg.ServerURL)
			assert.Equal(t, defaultReconnectTimeout, tt.cfg.ReconnectTimeout)
		})
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()
	f := newFakeMM(t)
	p := newTestPlug(t, f)
	assert.Equal(t, "my-user-id", p.userID)
	assert.Equal(t, "mattermost:"+f.Server.URL, p.NetworkID())

	require.NoError(t, p.Close(context.Background()))
	_, err := p.Send(context.Background(), core.Channel{Plug: "mm", Source: "c"}, &core.Message{Text: "x"})
	assert.ErrorIs(t, err, ErrNotConnected)

	bad := New("mm", &Config{ServerURL: f.Server.URL, Token: "wrong"}, p.log)
	assert.Error(t, bad.Open(context.Background()))
}

func TestSend(t *testing.T) {
	t.Parallel()
	f := newFakeMM(t)
	p := newTestPlug(t, f)
	ch := core.Channel{Plug: "mm", Source: "town-square"}

	ids, err := p.Send(context.Background(), ch, &core.Message{
		Text:    "hello",
		User:    &core.User{Username: "alice"},
		ReplyTo: "root-post",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"created-post-id"}, ids)

	post := f.LastPost(t)
	assert.Equal(t, "town-square", post.ChannelId)
	assert.Equal(t, "root-post", post.RootId)
	assert.Equal(t, "**alice**: hello", post.Message)
	assert.Nil(t, post.GetProp("override_username"))

	f.FailEndpoints["/api/v4/posts"] = true
	_, err = p.Send(context.Background(), ch, &core.Message{Text: "boom"})
	assert.Error(t, err)
}

func TestSendOverrides(t *testing.T) {
	t.Parallel()
	f := newFakeMM(t)
	p := newTestPlug(t, f, func(c *Config) { c.Overrides = true })

	_, err := p.Send(context.Background(), core.Channel{Plug: "mm", Source: "c"}, &core.Message{
		Text: "hello",
		User: &core.User{Username: "alice", RealName: "Alice", AvatarURL: "https://img/a.png"},
	})
	require.NoError(t, err)
	post := f.LastPost(t)
	assert.Equal(t, "hello", post.Message)
	assert.Equal(t, "Alice", post.GetProp("override_username"))
	assert.Equal(t, "https://img/a.png", post.GetProp("override_icon_url"))
}

func TestRenderText(t *testing.T) {
	t.Parallel()
	bob := &core.User{Username: "bob"}
	tests := []struct {
		name      string
		msg       core.Message
		overrides bool
		want      string
	}{
		{"anonymous", core.Message{Text: "hi"}, false, "hi"},
		{"named", core.Message{Text: "hi", User: bob}, false, "**bob**: hi"},
		{"action", core.Message{Text: "waves", User: bob, Action: true}, false, "_**bob** waves_"},
		{"override action", core.Message{Text: "waves", User: bob, Action: true}, true, "_waves_"},
		{
			"attachments",
			core.Message{Text: "see", Attachments: []core.Attachment{
				{Title: "doc", URL: "https://x/doc"},
				{URL: "https://x/raw"},
				{Title: "no url"},
			}},
			false,
			"see\n[doc](https://x/doc)\n[https://x/raw](https://x/raw)",
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, renderText(&tt.msg, tt.overrides), tt.name)
	}
}

func TestDescribeChannel(t *testing.T) {
	t.Parallel()
	f := newFakeMM(t)
	f.Channels["dm"] = &model.Channel{Id: "dm", Name: "a__b", Type: model.ChannelTypeDirect}
	f.Channels["town"] = &model.Channel{Id: "town", Name: "town-square", DisplayName: "Town Square", Type: model.ChannelTypeOpen}
	f.ChannelMembers["town"] = model.ChannelMembers{{ChannelId: "town", UserId: "u1"}, {ChannelId: "town", UserId: "u2"}}
	p := newTestPlug(t, f)
	ctx := context.Background()

	dm, err := p.DescribeChannel(ctx, "dm")
	require.NoError(t, err)
	assert.True(t, dm.Private)
	assert.Equal(t, "a__b", dm.Title)

	town, err := p.DescribeChannel(ctx, "town")
	require.NoError(t, err)
	assert.False(t, town.Private)
	assert.Equal(t, "Town Square", town.Title)
	assert.Equal(t, []core.User{{ID: "u1", Plug: "mm"}, {ID: "u2", Plug: "mm"}}, town.Members)

	_, err = p.DescribeChannel(ctx, "missing")
	assert.Error(t, err)
}

func TestDescribeUser(t *testing.T) {
	t.Parallel()
	f := newFakeMM(t)
	f.Users["u1"] = &model.User{Id: "u1", Username: "alice", FirstName: "Alice", LastName: "Liddell"}
	f.Users["u2"] = &model.User{Id: "u2", Username: "bob", Nickname: "Bobby"}
	p := newTestPlug(t, f)

	alice, err := p.DescribeUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice Liddell", alice.RealName)
	assert.Equal(t, f.Server.URL+"/api/v4/users/u1/image", alice.AvatarURL)

	bob, err := p.DescribeUser(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, "Bobby", bob.DisplayName())

	_, err = p.DescribeUser(context.Background(), "nobody")
	assert.Error(t, err)
}

func TestConvertPosted(t *testing.T) {
	t.Parallel()
	f := newFakeMM(t)
	f.Files["f1"] = &model.FileInfo{Id: "f1", Name: "cat.png", MimeType: "image/png", Size: 42}
	p := newTestPlug(t, f, func(c *Config) { c.IgnorePrefix = "matrix_" })
	ctx := context.Background()

	evt, err := p.convertPosted(ctx, postedEvent(t, &model.Post{
		Id: "p1", ChannelId: "c1", UserId: "u1", Message: "**hi**", RootId: "p0",
		CreateAt: 1700000000000, FileIds: []string{"f1", "gone"},
	}, "alice"))
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, "p1", evt.ID)
	assert.Equal(t, core.Channel{Plug: "mm", Source: "c1"}, evt.Channel)
	assert.Equal(t, time.UnixMilli(1700000000000), evt.At)
	assert.Equal(t, "**hi**", evt.Text)
	assert.True(t, evt.Markdown)
	assert.Equal(t, "p0", evt.ReplyTo)
	assert.Equal(t, &core.User{ID: "u1", Plug: "mm", Username: "alice"}, evt.User)
	assert.Equal(t, []core.Attachment{{
		Title: "cat.png", URL: f.Server.URL + "/api/v4/files/f1", MIMEType: "image/png", Size: 42,
	}}, evt.Attachments)
	assert.True(t, evt.Primary)

	// The relay's own posts are passed on for echo detection.
	own, err := p.convertPosted(ctx, postedEvent(t, &model.Post{Id: "p2", ChannelId: "c1", UserId: "my-user-id"}, "relay"))
	require.NoError(t, err)
	assert.NotNil(t, own)

	me, err := p.convertPosted(ctx, postedEvent(t, &model.Post{Id: "p3", Type: model.PostTypeMe, Message: "waves"}, "alice"))
	require.NoError(t, err)
	assert.True(t, me.Action)

	hook := &model.Post{Id: "p4", Message: "alert"}
	hook.AddProp("override_username", "CI")
	overridden, err := p.convertPosted(ctx, postedEvent(t, hook, "webhook"))
	require.NoError(t, err)
	assert.Equal(t, "CI", overridden.User.DisplayName())

	skipped := []*model.WebSocketEvent{
		postedEvent(t, &model.Post{Id: "s1", Type: model.PostTypeJoinChannel}, "alice"),
		postedEvent(t, &model.Post{Id: "s2", Message: "relayed"}, "matrix_bob"),
	}
	for _, e := range skipped {
		evt, err := p.convertPosted(ctx, e)
		assert.NoError(t, err)
		assert.Nil(t, evt)
	}

	_, err = p.convertPosted(ctx, newWebSocketEvent(model.WebsocketEventPosted, "c1", map[string]any{}))
	assert.Error(t, err)
	_, err = p.convertPosted(ctx, newWebSocketEvent(model.WebsocketEventPosted, "c1", map[string]any{"post": "{"}))
	assert.Error(t, err)
}

func TestReceiveReconnects(t *testing.T) {
	t.Parallel()
	f := newFakeMM(t)
	p := newTestPlug(t, f)
	p.backoff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

	first, second := newFakeSocket(), newFakeSocket()
	var dials atomic.Int32
	p.dial = func(context.Context) (socket, error) {
		switch dials.Add(1) {
		case 1:
			return nil, errors.New("connection refused")
		case 2:
			return first, nil
		default:
			return second, nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan core.Event, 4)
	done := make(chan error, 1)
	go func() { done <- p.Receive(ctx, out) }()

	first.events <- newWebSocketEvent(model.WebsocketEventTyping, "c1", nil)
	first.events <- postedEvent(t, &model.Post{Id: "p1", ChannelId: "c1", Message: "one"}, "alice")
	close(first.events)
	second.events <- postedEvent(t, &model.Post{Id: "p2", ChannelId: "c1", Message: "two"}, "alice")

	for _, want := range []string{"p1", "p2"} {
		select {
		case evt := <-out:
			assert.Equal(t, want, evt.ID)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	<-first.closed
	assert.EqualValues(t, 3, dials.Load())

	cancel()
	require.NoError(t, <-done)
	<-second.closed
}

func TestReceiveGivesUp(t *testing.T) {
	t.Parallel()
	f := newFakeMM(t)
	p := newTestPlug(t, f)
	p.backoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
	}
	refused := errors.New("connection refused")
	p.dial = func(context.Context) (socket, error) { return nil, refused }

	err := p.Receive(context.Background(), make(chan core.Event))
	assert.ErrorIs(t, err, refused)
}

func TestHTTPToWS(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "wss://mm.example.com", httpToWS("https://mm.example.com"))
	assert.Equal(t, "ws://localhost:8065", httpToWS("http://localhost:8065"))
	assert.Equal(t, "mm.example.com", httpToWS("mm.example.com"))
}
