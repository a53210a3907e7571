// Copyright 2024-2026 Aiku AI

package main

import (
	"github.com/aiku/immp/pkg/config"
	"github.com/aiku/immp/pkg/core"
	"github.com/aiku/immp/pkg/hook/amqpsink"
	"github.com/aiku/immp/pkg/hook/autorespond"
	"github.com/aiku/immp/pkg/hook/command"
	"github.com/aiku/immp/pkg/hook/notes"
	"github.com/aiku/immp/pkg/hook/redisstore"
	"github.com/aiku/immp/pkg/hook/syncbridge"
	"github.com/aiku/immp/pkg/plug/dummy"
	"github.com/aiku/immp/pkg/plug/matrix"
	"github.com/aiku/immp/pkg/plug/mattermost"
)

var _ notes.Store = (*redisstore.Store)(nil)

func plugFactory[C any, P core.Plug](build func(name string, cfg *C, host *core.Host) P) config.Factory {
	return config.Factory{
		NewConfig: func() any { return new(C) },
		NewPlug: func(name string, cfg any, host *core.Host) (core.Plug, error) {
			return build(name, cfg.(*C), host), nil
		},
	}
}

func hookFactory[C any, H core.Hook](build func(name string, cfg *C, host *core.Host) H) config.Factory {
	return config.Factory{
		NewConfig: func() any { return new(C) },
		NewHook: func(name string, cfg any, host *core.Host) (core.Hook, error) {
			return build(name, cfg.(*C), host), nil
		},
	}
}

// catalog lists every plug and hook the binary can build, keyed by the
// path used in the config file.
func catalog() config.Catalog {
	redis := hookFactory(redisstore.New)
	redis.Resource = true
	return config.Catalog{
		"dummy": plugFactory(func(name string, cfg *dummy.Config, host *core.Host) *dummy.Plug {
			return dummy.New(name, cfg, host.Log().With().Str("plug", name).Logger())
		}),
		"mattermost": plugFactory(func(name string, cfg *mattermost.Config, host *core.Host) *mattermost.Plug {
			return mattermost.New(name, cfg, host.Log().With().Str("plug", name).Logger())
		}),
		"matrix": plugFactory(func(name string, cfg *matrix.Config, host *core.Host) *matrix.Plug {
			return matrix.New(name, cfg, host.Log().With().Str("plug", name).Logger())
		}),
		"sync":        hookFactory(syncbridge.New),
		"forward":     hookFactory(syncbridge.NewForward),
		"autorespond": hookFactory(autorespond.New),
		"command":     hookFactory(command.New),
		"notes":       hookFactory(notes.New),
		"redis":       redis,
		"amqp":        hookFactory(amqpsink.New),
	}
}
