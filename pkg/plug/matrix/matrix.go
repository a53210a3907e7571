// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrix is a plug for the Matrix client-server API. It logs in as a
// single account with an access token; every room the account has joined is
// a channel whose source is the room ID.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/immp/pkg/core"
	"github.com/aiku/immp/pkg/markup/md2html"
)

var (
	ErrMissingHomeserver = errors.New("homeserver is required")
	ErrMissingToken      = errors.New("token is required")
	ErrNotConnected      = errors.New("not connected to Matrix")
)

const defaultSyncRetryTimeout = 5 * time.Minute

// Config is the plug's configuration.
type Config struct {
	Homeserver string `yaml:"homeserver"`
	// UserID is looked up with the token when empty.
	UserID string `yaml:"user_id"`
	Token  string `yaml:"token"`
	// SyncRetryTimeout is how long failing syncs are retried before the plug
	// fails.
	SyncRetryTimeout time.Duration `yaml:"sync_retry_timeout"`
}

// PostProcess validates the config and fills in defaults.
func (c *Config) PostProcess() error {
	c.Homeserver = strings.TrimRight(c.Homeserver, "/")
	if c.Homeserver == "" {
		return ErrMissingHomeserver
	}
	if c.Token == "" {
		return ErrMissingToken
	}
	if c.SyncRetryTimeout <= 0 {
		c.SyncRetryTimeout = defaultSyncRetryTimeout
	}
	return nil
}

// Plug is a connection to one Matrix homeserver as one user.
type Plug struct {
	name string
	log  zerolog.Logger

	mu     sync.RWMutex
	cfg    Config
	client *mautrix.Client

	backoff func() backoff.BackOff
}

var (
	_ core.Plug             = (*Plug)(nil)
	_ core.UserDescriber    = (*Plug)(nil)
	_ core.ChannelDescriber = (*Plug)(nil)
	_ core.Configurable     = (*Plug)(nil)
)

// New creates a Matrix plug. cfg must have been post-processed.
func New(name string, cfg *Config, log zerolog.Logger) *Plug {
	p := &Plug{
		name: name,
		cfg:  *cfg,
		log:  log.With().Str("plug", name).Str("component", "matrix_client").Logger(),
	}
	p.backoff = func() backoff.BackOff {
		p.mu.RLock()
		defer p.mu.RUnlock()
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = p.cfg.SyncRetryTimeout
		return bo
	}
	return p
}

func (p *Plug) Name() string        { return p.name }
func (p *Plug) NetworkName() string { return "Matrix" }

func (p *Plug) NetworkID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return "matrix:" + p.cfg.Homeserver
}

// Open creates the client and verifies the token.
func (p *Plug) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log.Info().Str("homeserver", p.cfg.Homeserver).Msg("Connecting to Matrix")

	client, err := mautrix.NewClient(p.cfg.Homeserver, id.UserID(p.cfg.UserID), p.cfg.Token)
	if err != nil {
		return fmt.Errorf("failed to create Matrix client: %w", err)
	}
	client.Log = p.log
	client.Store = mautrix.NewMemorySyncStore()
	whoami, err := client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify Matrix session: %w", err)
	}
	client.UserID = whoami.UserID
	p.client = client
	p.log.Info().Stringer("user_id", whoami.UserID).Msg("Authenticated")
	return nil
}

func (p *Plug) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.StopSync()
		p.client = nil
	}
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

func (p *Plug) session() (*mautrix.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.client == nil {
		return nil, ErrNotConnected
	}
	return p.client, nil
}

// Send posts one m.room.message event. Markdown text is sent with an HTML
// formatted body.
func (p *Plug) Send(ctx context.Context, ch core.Channel, msg *core.Message) ([]string, error) {
	client, err := p.session()
	if err != nil {
		return nil, err
	}
	content := renderContent(msg)
	resp, err := client.SendMessageEvent(ctx, id.RoomID(ch.Source), event.EventMessage, content)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return []string{resp.EventID.String()}, nil
}

// renderContent builds the event content for msg, writing the author's name
// into the text.
func renderContent(msg *core.Message) *event.MessageEventContent {
	body := msg.Text
	var formatted string
	if msg.Markdown {
		formatted, _ = md2html.Convert(msg.Text)
	}
	for _, att := range msg.Attachments {
		if att.URL == "" {
			continue
		}
		title := att.Title
		if title == "" {
			title = att.URL
		}
		body += "\n" + title + ": " + att.URL
		if formatted != "" {
			formatted += `<br/><a href="` + html.EscapeString(att.URL) + `">` + html.EscapeString(title) + `</a>`
		}
	}

	content := &event.MessageEventContent{MsgType: event.MsgText}
	if name := msg.User.DisplayName(); name != "" {
		if msg.Action {
			body = "* " + name + " " + body
		} else {
			body = name + ": " + body
		}
		if formatted != "" {
			sep := ": "
			if msg.Action {
				sep = " "
			}
			formatted = "<strong>" + html.EscapeString(name) + "</strong>" + sep + formatted
		}
	} else if msg.Action {
		content.MsgType = event.MsgEmote
	}
	content.Body = body
	if formatted != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted
	}
	if msg.ReplyTo != "" {
		content.RelatesTo = (&event.RelatesTo{}).SetReplyTo(id.EventID(msg.ReplyTo))
	}
	return content
}

func (p *Plug) DescribeChannel(ctx context.Context, source string) (*core.ChannelInfo, error) {
	client, err := p.session()
	if err != nil {
		return nil, err
	}
	roomID := id.RoomID(source)
	joined, err := client.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get room members: %w", err)
	}
	info := &core.ChannelInfo{
		// Rooms of two are treated as direct chats.
		Private: len(joined.Joined) <= 2,
	}
	var name event.RoomNameEventContent
	if err = client.StateEvent(ctx, roomID, event.StateRoomName, "", &name); err == nil {
		info.Title = name.Name
	} else {
		p.log.Debug().Err(err).Str("room_id", source).Msg("Room has no name")
	}
	for userID, member := range joined.Joined {
		info.Members = append(info.Members, core.User{
			ID:       userID.String(),
			Plug:     p.name,
			Username: userID.String(),
			RealName: member.DisplayName,
		})
	}
	return info, nil
}

func (p *Plug) DescribeUser(ctx context.Context, userID string) (*core.User, error) {
	client, err := p.session()
	if err != nil {
		return nil, err
	}
	profile, err := client.GetProfile(ctx, id.UserID(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to get user profile: %w", err)
	}
	return &core.User{
		ID:        userID,
		Plug:      p.name,
		Username:  userID,
		RealName:  profile.DisplayName,
		AvatarURL: profile.AvatarURL.String(),
		Link:      "https://matrix.to/#/" + userID,
	}, nil
}
