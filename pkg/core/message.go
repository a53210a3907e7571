// Copyright 2024-2026 Aiku AI

package core

import (
	"time"
)

// User describes the author of a message, or a member of a channel.
type User struct {
	ID        string `json:"id,omitempty"`
	Plug      string `json:"plug,omitempty"`
	Username  string `json:"username,omitempty"`
	RealName  string `json:"real_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Link      string `json:"link,omitempty"`
}

// DisplayName returns the best human readable name for the user.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.RealName != "" {
		return u.RealName
	}
	return u.Username
}

// Attachment is a file or link carried alongside a message.
type Attachment struct {
	Title    string `json:"title,omitempty"`
	URL      string `json:"url,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is the network-neutral payload of a chat message.
type Message struct {
	// Text is the message body. When Markdown is set it carries markdown
	// formatting, otherwise it is plain text.
	Text     string `json:"text,omitempty"`
	Markdown bool   `json:"markdown,omitempty"`
	User     *User  `json:"user,omitempty"`
	// Action marks an emote ("/me waves").
	Action bool `json:"action,omitempty"`
	// ReplyTo is the network ID of the message this one answers, in the same
	// channel.
	ReplyTo     string       `json:"reply_to,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Clone returns a copy of the message that shares no slices or pointers with
// the original.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.User != nil {
		u := *m.User
		cp.User = &u
	}
	if m.Attachments != nil {
		cp.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return &cp
}

// Event is one inbound message produced by a plug. Hooks receive it by value
// and must copy anything they want to keep after Process returns.
type Event struct {
	ID      string    `json:"id"`
	Channel Channel   `json:"channel"`
	At      time.Time `json:"at"`
	Message
	// Raw is the plug's native representation of the event.
	Raw any `json:"-"`
	// Source is set when the event is the network's echo of a message sent
	// through the Router; it points at the message that was sent.
	Source *Message `json:"-"`
	// Primary is set by the Router. It is false only for echoes that are the
	// secondary parts of a message the network split into several; whatever
	// the plug put here is overwritten.
	Primary bool `json:"primary"`
}

// Echo reports whether the event is a message this host sent itself.
func (e *Event) Echo() bool {
	return e.Source != nil
}
