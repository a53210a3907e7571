// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/immp/pkg/core"
)

var errDisconnected = errors.New("websocket event channel closed")

// socket is the part of model.WebSocketClient the plug reads from.
type socket interface {
	Events() <-chan *model.WebSocketEvent
	Close()
}

type wsSocket struct {
	client *model.WebSocketClient
}

func (s wsSocket) Events() <-chan *model.WebSocketEvent { return s.client.EventChannel }
func (s wsSocket) Close()                               { s.client.Close() }

func (p *Plug) dialWebSocket(context.Context) (socket, error) {
	client, cfg, err := p.session()
	if err != nil {
		return nil, err
	}
	ws, err := model.NewWebSocketClient4(httpToWS(cfg.ServerURL), client.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	return wsSocket{client: ws}, nil
}

func (p *Plug) reconnectBackOff() backoff.BackOff {
	p.mu.RLock()
	defer p.mu.RUnlock()
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = p.cfg.ReconnectTimeout
	return bo
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// Receive reads posts from the WebSocket API until ctx is done, reconnecting
// with exponential backoff. It gives up once reconnecting has failed for
// longer than the configured timeout.
func (p *Plug) Receive(ctx context.Context, out chan<- core.Event) error {
	bo := p.backoff()
	for {
		sock, err := p.dial(ctx)
		if err == nil {
			p.log.Info().Msg("WebSocket connected")
			err = p.listen(ctx, sock, out)
			sock.Close()
			if ctx.Err() != nil {
				return nil
			}
			bo.Reset()
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("failed to reconnect websocket: %w", err)
		}
		p.log.Warn().Err(err).Dur("retry_in", wait).Msg("WebSocket disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (p *Plug) listen(ctx context.Context, sock socket, out chan<- core.Event) error {
	events := sock.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return errDisconnected
			}
			if evt == nil || evt.EventType() != model.WebsocketEventPosted {
				continue
			}
			converted, err := p.convertPosted(ctx, evt)
			if err != nil {
				p.log.Warn().Err(err).Msg("Failed to parse posted event")
				continue
			}
			if converted == nil {
				continue
			}
			select {
			case out <- *converted:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// convertPosted turns a posted event into a core.Event. It returns nil for
// posts that should not be relayed: system messages and posts from ignored
// usernames. The plug's own posts are kept so the host can recognise them as
// echoes.
func (p *Plug) convertPosted(ctx context.Context, evt *model.WebSocketEvent) (*core.Event, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}
	if post.Type != "" && post.Type != model.PostTypeDefault && post.Type != model.PostTypeMe {
		return nil, nil
	}

	_, cfg, err := p.session()
	if err != nil {
		return nil, err
	}
	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	if cfg.IgnorePrefix != "" && strings.HasPrefix(senderName, cfg.IgnorePrefix) {
		p.log.Debug().
			Str("post_id", post.Id).
			Str("username", senderName).
			Msg("Skipping post from ignored username")
		return nil, nil
	}

	user := &core.User{ID: post.UserId, Plug: p.name, Username: senderName}
	if override, ok := post.GetProp("override_username").(string); ok && override != "" {
		user.RealName = override
	}
	p.log.Debug().
		Str("post_id", post.Id).
		Str("channel_id", post.ChannelId).
		Str("user_id", post.UserId).
		Msg("Received new message")

	return &core.Event{
		ID:      post.Id,
		Channel: core.Channel{Plug: p.name, Source: post.ChannelId},
		At:      time.UnixMilli(post.CreateAt),
		Message: core.Message{
			Text:        post.Message,
			Markdown:    true,
			User:        user,
			Action:      post.Type == model.PostTypeMe,
			ReplyTo:     post.RootId,
			Attachments: p.attachments(ctx, post.FileIds, cfg.ServerURL),
		},
		Raw:     &post,
		Primary: true,
	}, nil
}

// attachments looks up the files of a post. Files that cannot be looked up
// are skipped.
func (p *Plug) attachments(ctx context.Context, fileIDs []string, serverURL string) []core.Attachment {
	if len(fileIDs) == 0 {
		return nil
	}
	client, _, err := p.session()
	if err != nil {
		return nil
	}
	atts := make([]core.Attachment, 0, len(fileIDs))
	for _, fileID := range fileIDs {
		info, _, err := client.GetFileInfo(ctx, fileID)
		if err != nil {
			p.log.Error().Err(err).Str("file_id", fileID).Msg("Failed to get file info")
			continue
		}
		atts = append(atts, core.Attachment{
			Title:    info.Name,
			URL:      serverURL + "/api/v4/files/" + fileID,
			MIMEType: info.MimeType,
			Size:     info.Size,
		})
	}
	return atts
}
