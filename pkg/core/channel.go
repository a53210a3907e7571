// Copyright 2024-2026 Aiku AI

package core

import (
	"fmt"
	"slices"
)

// Channel identifies a room on one plug. It is a comparable value: two
// channels are the same room when both fields match.
type Channel struct {
	Plug   string `json:"plug" yaml:"plug"`
	Source string `json:"source" yaml:"source"`
}

func (c Channel) String() string {
	return c.Plug + ":" + c.Source
}

// MemberKind selects which list of a Group a member belongs to.
type MemberKind string

const (
	// MemberChannel includes a named channel.
	MemberChannel MemberKind = "channels"
	// MemberExclude excludes a named channel, overriding every other rule.
	MemberExclude MemberKind = "exclude"
	// MemberAnywhere includes every channel of a plug.
	MemberAnywhere MemberKind = "anywhere"
	// MemberNamed includes the channels of a plug that have a registered name.
	MemberNamed MemberKind = "named"
	// MemberPrivate includes the private channels of a plug.
	MemberPrivate MemberKind = "private"
	// MemberShared includes the non-private channels of a plug.
	MemberShared MemberKind = "shared"
)

func (k MemberKind) plugKind() bool {
	return k != MemberChannel && k != MemberExclude
}

// Group is a named bundle of channels and plugs. Channel members are
// referenced by registered channel name, plug members by plug name.
type Group struct {
	Name     string   `json:"name" yaml:"-"`
	Channels []string `json:"channels,omitempty" yaml:"channels,omitempty"`
	Exclude  []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	Anywhere []string `json:"anywhere,omitempty" yaml:"anywhere,omitempty"`
	Named    []string `json:"named,omitempty" yaml:"named,omitempty"`
	Private  []string `json:"private,omitempty" yaml:"private,omitempty"`
	Shared   []string `json:"shared,omitempty" yaml:"shared,omitempty"`
}

func (g *Group) list(kind MemberKind) (*[]string, error) {
	switch kind {
	case MemberChannel:
		return &g.Channels, nil
	case MemberExclude:
		return &g.Exclude, nil
	case MemberAnywhere:
		return &g.Anywhere, nil
	case MemberNamed:
		return &g.Named, nil
	case MemberPrivate:
		return &g.Private, nil
	case MemberShared:
		return &g.Shared, nil
	}
	return nil, fmt.Errorf("unknown group member kind %q", kind)
}

func (g *Group) clone() *Group {
	return &Group{
		Name:     g.Name,
		Channels: slices.Clone(g.Channels),
		Exclude:  slices.Clone(g.Exclude),
		Anywhere: slices.Clone(g.Anywhere),
		Named:    slices.Clone(g.Named),
		Private:  slices.Clone(g.Private),
		Shared:   slices.Clone(g.Shared),
	}
}

// dropChannel removes a channel name from the channel and exclude lists.
func (g *Group) dropChannel(name string) bool {
	before := len(g.Channels) + len(g.Exclude)
	g.Channels = slices.DeleteFunc(g.Channels, func(s string) bool { return s == name })
	g.Exclude = slices.DeleteFunc(g.Exclude, func(s string) bool { return s == name })
	return len(g.Channels)+len(g.Exclude) != before
}

// dropPlug removes a plug name from every plug list.
func (g *Group) dropPlug(name string) bool {
	changed := false
	for _, l := range []*[]string{&g.Anywhere, &g.Named, &g.Private, &g.Shared} {
		n := len(*l)
		*l = slices.DeleteFunc(*l, func(s string) bool { return s == name })
		changed = changed || len(*l) != n
	}
	return changed
}

// ChannelInfo is best-effort metadata a plug may return for a channel.
type ChannelInfo struct {
	Title   string `json:"title,omitempty"`
	Private bool   `json:"private"`
	Members []User `json:"members,omitempty"`
}
