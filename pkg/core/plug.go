// Copyright 2024-2026 Aiku AI

package core

import (
	"context"
)

// Plug is an adapter to one external chat network.
type Plug interface {
	// Name is the unique name the plug is registered under.
	Name() string
	// NetworkName is a human readable name of the network, e.g. "Mattermost".
	NetworkName() string
	// NetworkID identifies the backend instance, e.g. "mattermost:https://mm.example.com".
	NetworkID() string

	Open(ctx context.Context) error
	Close(ctx context.Context) error

	// Receive writes inbound events to out until ctx is cancelled. It returns
	// nil on cancellation; any other return is treated as a transport failure.
	Receive(ctx context.Context, out chan<- Event) error
	// Send delivers msg to the channel and returns the network IDs of the
	// messages created.
	Send(ctx context.Context, ch Channel, msg *Message) ([]string, error)
}

// UserDescriber is implemented by plugs that can look up user metadata.
type UserDescriber interface {
	DescribeUser(ctx context.Context, id string) (*User, error)
}

// ChannelDescriber is implemented by plugs that can look up channel
// metadata. Group membership by privacy requires it.
type ChannelDescriber interface {
	DescribeChannel(ctx context.Context, source string) (*ChannelInfo, error)
}

// Configurable is implemented by plugs and hooks whose configuration can be
// replaced at runtime through Host.Reconfigure. SetConfig is only called while
// the entity is not active.
type Configurable interface {
	SetConfig(cfg any) error
}

// PlugEntry is the Host-owned registration of a plug.
type PlugEntry struct {
	entity
	Plug Plug
}
