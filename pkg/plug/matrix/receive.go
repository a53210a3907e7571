// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/immp/pkg/core"
	"github.com/aiku/immp/pkg/markup/html2md"
)

// retrySyncer retries failed syncs on a backoff schedule and gives up when
// the schedule is exhausted or the token was rejected.
type retrySyncer struct {
	*mautrix.DefaultSyncer
	bo backoff.BackOff
}

func (s *retrySyncer) ProcessResponse(ctx context.Context, res *mautrix.RespSync, since string) error {
	s.bo.Reset()
	return s.DefaultSyncer.ProcessResponse(ctx, res, since)
}

func (s *retrySyncer) OnFailedSync(_ *mautrix.RespSync, err error) (time.Duration, error) {
	if errors.Is(err, mautrix.MUnknownToken) {
		return 0, err
	}
	wait := s.bo.NextBackOff()
	if wait == backoff.Stop {
		return 0, err
	}
	return wait, nil
}

// Receive syncs with the homeserver until ctx is done and emits every
// m.room.message event of joined rooms, the plug's own included.
func (p *Plug) Receive(ctx context.Context, out chan<- core.Event) error {
	client, err := p.session()
	if err != nil {
		return err
	}
	syncer := &retrySyncer{DefaultSyncer: mautrix.NewDefaultSyncer(), bo: p.backoff()}
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		converted := p.convert(evt)
		if converted == nil {
			return
		}
		select {
		case out <- *converted:
		case <-ctx.Done():
		}
	})
	client.Syncer = syncer

	err = client.SyncWithContext(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// convert turns a message event into a core.Event, or nil when the event
// carries no message content.
func (p *Plug) convert(evt *event.Event) *core.Event {
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType == "" {
		return nil
	}
	msg := core.Message{
		Text:    content.Body,
		User:    &core.User{ID: evt.Sender.String(), Plug: p.name, Username: evt.Sender.String()},
		Action:  content.MsgType == event.MsgEmote,
		ReplyTo: content.RelatesTo.GetReplyTo().String(),
	}
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		msg.Text = html2md.Convert(content.FormattedBody)
		msg.Markdown = true
	}
	switch content.MsgType {
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		att := core.Attachment{Title: content.Body, URL: string(content.URL)}
		if content.Info != nil {
			att.MIMEType = content.Info.MimeType
			att.Size = int64(content.Info.Size)
		}
		msg.Text = ""
		msg.Attachments = []core.Attachment{att}
	}
	p.log.Debug().
		Stringer("event_id", evt.ID).
		Stringer("room_id", evt.RoomID).
		Stringer("sender", evt.Sender).
		Msg("Received new message")
	return &core.Event{
		ID:      evt.ID.String(),
		Channel: core.Channel{Plug: p.name, Source: evt.RoomID.String()},
		At:      time.UnixMilli(evt.Timestamp),
		Message: msg,
		Raw:     evt,
		Primary: true,
	}
}
