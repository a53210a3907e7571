// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mattermost is a plug for Mattermost servers. It reads posts from
// the WebSocket API and writes through the REST API with a personal access
// or bot token.
package mattermost

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/immp/pkg/core"
)

var (
	ErrMissingServerURL = errors.New("server_url is required")
	ErrMissingToken     = errors.New("token is required")
	ErrNotConnected     = errors.New("not connected to Mattermost")
)

const defaultReconnectTimeout = 5 * time.Minute

// Config is the plug's configuration.
type Config struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	// IgnorePrefix drops posts from usernames starting with it, e.g. the
	// puppets of another bridge sharing the server.
	IgnorePrefix string `yaml:"ignore_prefix"`
	// Overrides sends the author's name and avatar as post overrides instead
	// of prefixing the text. The server must allow integration overrides.
	Overrides bool `yaml:"overrides"`
	// ReconnectTimeout is how long WebSocket reconnects are retried before
	// the plug fails.
	ReconnectTimeout time.Duration `yaml:"reconnect_timeout"`
}

// PostProcess validates the config and fills in defaults.
func (c *Config) PostProcess() error {
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	if c.ServerURL == "" {
		return ErrMissingServerURL
	}
	if c.Token == "" {
		return ErrMissingToken
	}
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = defaultReconnectTimeout
	}
	return nil
}

// Plug is a connection to one Mattermost server as one user.
type Plug struct {
	name string
	log  zerolog.Logger

	mu     sync.RWMutex
	cfg    Config
	client *model.Client4
	userID string

	dial    func(ctx context.Context) (socket, error)
	backoff func() backoff.BackOff
}

var (
	_ core.Plug             = (*Plug)(nil)
	_ core.UserDescriber    = (*Plug)(nil)
	_ core.ChannelDescriber = (*Plug)(nil)
	_ core.Configurable     = (*Plug)(nil)
)

// New creates a Mattermost plug. cfg must have been post-processed.
func New(name string, cfg *Config, log zerolog.Logger) *Plug {
	p := &Plug{
		name: name,
		cfg:  *cfg,
		log:  log.With().Str("plug", name).Str("component", "mm_client").Logger(),
	}
	p.dial = p.dialWebSocket
	p.backoff = p.reconnectBackOff
	return p
}

func (p *Plug) Name() string        { return p.name }
func (p *Plug) NetworkName() string { return "Mattermost" }

func (p *Plug) NetworkID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return "mattermost:" + p.cfg.ServerURL
}

// Open verifies the token and remembers the user it belongs to.
func (p *Plug) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log.Info().Str("server_url", p.cfg.ServerURL).Msg("Connecting to Mattermost")

	client := model.NewAPIv4Client(p.cfg.ServerURL)
	client.SetToken(p.cfg.Token)
	me, _, err := client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify Mattermost session: %w", err)
	}
	p.client, p.userID = client, me.Id
	p.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")
	return nil
}

func (p *Plug) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client, p.userID = nil, ""
	return nil
}

// SetConfig replaces the configuration. It takes effect on the next Open.
func (p *Plug) SetConfig(cfg any) error {
	c, ok := cfg.(*Config)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	p.mu.Lock()
	p.cfg = *c
	p.mu.Unlock()
	return nil
}

func (p *Plug) session() (*model.Client4, Config, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.client == nil {
		return nil, p.cfg, ErrNotConnected
	}
	return p.client, p.cfg, nil
}

// Send creates one post in the channel. Attachments are linked rather than
// uploaded.
func (p *Plug) Send(ctx context.Context, ch core.Channel, msg *core.Message) ([]string, error) {
	client, cfg, err := p.session()
	if err != nil {
		return nil, err
	}
	post := &model.Post{
		ChannelId: ch.Source,
		RootId:    msg.ReplyTo,
		Message:   renderText(msg, cfg.Overrides),
	}
	if cfg.Overrides && msg.User != nil {
		post.AddProp("override_username", msg.User.DisplayName())
		if msg.User.AvatarURL != "" {
			post.AddProp("override_icon_url", msg.User.AvatarURL)
		}
		post.AddProp("from_webhook", "true")
	}
	created, _, err := client.CreatePost(ctx, post)
	if err != nil {
		return nil, fmt.Errorf("failed to create post: %w", err)
	}
	return []string{created.Id}, nil
}

// renderText builds the post body. Without overrides the author's name is
// written into the text.
func renderText(msg *core.Message, overrides bool) string {
	var sb strings.Builder
	name := msg.User.DisplayName()
	switch {
	case name == "" || overrides:
		if msg.Action {
			sb.WriteString("_" + msg.Text + "_")
		} else {
			sb.WriteString(msg.Text)
		}
	case msg.Action:
		sb.WriteString("_**" + name + "** " + msg.Text + "_")
	default:
		sb.WriteString("**" + name + "**: " + msg.Text)
	}
	for _, att := range msg.Attachments {
		if att.URL == "" {
			continue
		}
		title := att.Title
		if title == "" {
			title = att.URL
		}
		sb.WriteString("\n[" + title + "](" + att.URL + ")")
	}
	return sb.String()
}

func (p *Plug) DescribeChannel(ctx context.Context, source string) (*core.ChannelInfo, error) {
	client, _, err := p.session()
	if err != nil {
		return nil, err
	}
	channel, _, err := client.GetChannel(ctx, source, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get channel info: %w", err)
	}
	members, _, err := client.GetChannelMembers(ctx, source, 0, 200, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get channel members: %w", err)
	}

	info := &core.ChannelInfo{
		Title: channel.DisplayName,
		// Direct and group messages are the private channels of a server.
		Private: channel.Type == model.ChannelTypeDirect || channel.Type == model.ChannelTypeGroup,
	}
	if info.Title == "" {
		info.Title = channel.Name
	}
	for _, member := range members {
		info.Members = append(info.Members, core.User{ID: member.UserId, Plug: p.name})
	}
	return info, nil
}

func (p *Plug) DescribeUser(ctx context.Context, id string) (*core.User, error) {
	client, cfg, err := p.session()
	if err != nil {
		return nil, err
	}
	user, _, err := client.GetUser(ctx, id, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	return p.convertUser(user, cfg.ServerURL), nil
}

func (p *Plug) convertUser(user *model.User, serverURL string) *core.User {
	realName := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if user.Nickname != "" {
		realName = user.Nickname
	}
	return &core.User{
		ID:        user.Id,
		Plug:      p.name,
		Username:  user.Username,
		RealName:  realName,
		AvatarURL: serverURL + "/api/v4/users/" + user.Id + "/image",
	}
}
