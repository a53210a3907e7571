// Copyright 2024-2026 Aiku AI

package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/aiku/immp/pkg/core"
)

// Factory builds one kind of plug or hook. Exactly one of NewPlug and NewHook
// is set.
type Factory struct {
	// NewConfig returns a pointer to a zero configuration value that the
	// entity's config block is decoded into. Nil means the entity takes no
	// configuration.
	NewConfig func() any
	NewPlug   func(name string, cfg any, host *core.Host) (core.Plug, error)
	NewHook   func(name string, cfg any, host *core.Host) (core.Hook, error)
	// Resource registers built hooks as resources.
	Resource bool
}

// Catalog maps the path of an entity definition to its factory.
type Catalog map[string]Factory

// PlugProvider is implemented by hooks that manage virtual plugs of their
// own. The plugs are registered with the hook and removed with it.
type PlugProvider interface {
	VirtualPlugs() []core.Plug
}

type postProcessor interface {
	PostProcess() error
}

// Decode builds the typed configuration value for path from node.
func (c Catalog) Decode(path string, node *yaml.Node) (any, error) {
	f, ok := c[path]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPath, path)
	}
	return f.decode(node)
}

func (f *Factory) decode(node *yaml.Node) (any, error) {
	if f.NewConfig == nil {
		return nil, nil
	}
	cfg := f.NewConfig()
	if node != nil && node.Kind != 0 {
		if err := node.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}
	if pp, ok := cfg.(postProcessor); ok {
		if err := pp.PostProcess(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c Catalog) buildPlug(name string, ec *EntityConfig, host *core.Host) (core.Plug, any, error) {
	f, ok := c[ec.Path]
	if !ok {
		return nil, nil, fmt.Errorf("plug %q: %w: %q", name, ErrUnknownPath, ec.Path)
	}
	if f.NewPlug == nil {
		return nil, nil, fmt.Errorf("plug %q: %w: %q", name, ErrWrongFactory, ec.Path)
	}
	cfg, err := f.decode(&ec.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("plug %q: %w", name, err)
	}
	p, err := f.NewPlug(name, cfg, host)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build plug %q: %w", name, err)
	}
	return p, cfg, nil
}

func (c Catalog) buildHook(name string, ec *EntityConfig, host *core.Host) (core.Hook, any, bool, error) {
	f, ok := c[ec.Path]
	if !ok {
		return nil, nil, false, fmt.Errorf("hook %q: %w: %q", name, ErrUnknownPath, ec.Path)
	}
	if f.NewHook == nil {
		return nil, nil, false, fmt.Errorf("hook %q: %w: %q", name, ErrWrongFactory, ec.Path)
	}
	cfg, err := f.decode(&ec.Config)
	if err != nil {
		return nil, nil, false, fmt.Errorf("hook %q: %w", name, err)
	}
	h, err := f.NewHook(name, cfg, host)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to build hook %q: %w", name, err)
	}
	return h, cfg, f.Resource, nil
}
