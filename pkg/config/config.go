// Copyright 2024-2026 Aiku AI

// Package config loads a host topology from a YAML file and keeps a running
// host in step with it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/rs/zerolog"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/immp/pkg/core"
)

var (
	ErrMissingPath  = errors.New("missing factory path")
	ErrUnknownPath  = errors.New("unknown factory path")
	ErrWrongFactory = errors.New("factory does not build this kind of entity")
)

// DefaultAdminAddr is used when the admin block leaves the address empty.
const DefaultAdminAddr = "127.0.0.1:29330"

// Config is the whole file.
type Config struct {
	Logging  zeroconfig.Config       `yaml:"logging"`
	Admin    AdminConfig             `yaml:"admin"`
	Plugs    map[string]EntityConfig `yaml:"plugs"`
	Channels map[string]core.Channel `yaml:"channels"`
	Groups   map[string]core.Group   `yaml:"groups"`
	Hooks    map[string]EntityConfig `yaml:"hooks"`
}

// AdminConfig configures the admin HTTP API.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// EntityConfig describes one plug or hook. Path selects the factory in a
// Catalog, Config is decoded by that factory.
type EntityConfig struct {
	Path     string    `yaml:"path"`
	Enabled  *bool     `yaml:"enabled,omitempty"`
	Priority *int      `yaml:"priority,omitempty"`
	Config   yaml.Node `yaml:"config,omitempty"`
}

// IsEnabled reports whether the entity should start enabled. Entities are
// enabled unless the file says otherwise.
func (e *EntityConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// equal reports whether two entity definitions would build the same entity.
func (e *EntityConfig) equal(o *EntityConfig) bool {
	return e.Path == o.Path && e.IsEnabled() == o.IsEnabled() &&
		samePriority(e.Priority, o.Priority) && sameNode(&e.Config, &o.Config)
}

// sameShape reports whether only the config blob or the enabled flag differ.
func (e *EntityConfig) sameShape(o *EntityConfig) bool {
	return e.Path == o.Path && samePriority(e.Priority, o.Priority)
}

func samePriority(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameNode(a, b *yaml.Node) bool {
	return bytes.Equal(nodeBytes(a), nodeBytes(b))
}

// nodeBytes renders the value of n in a canonical form, so style and
// position differences do not count as changes.
func nodeBytes(n *yaml.Node) []byte {
	if n.Kind == 0 {
		return nil
	}
	var v any
	if err := n.Decode(&v); err != nil {
		return nil
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills defaults and copies map keys into the named values.
func (c *Config) PostProcess() error {
	if c.Plugs == nil {
		c.Plugs = make(map[string]EntityConfig)
	}
	if c.Hooks == nil {
		c.Hooks = make(map[string]EntityConfig)
	}
	if c.Channels == nil {
		c.Channels = make(map[string]core.Channel)
	}
	if c.Groups == nil {
		c.Groups = make(map[string]core.Group)
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = DefaultAdminAddr
	}
	for name, g := range c.Groups {
		g.Name = name
		c.Groups[name] = g
	}
	for _, kind := range []struct {
		what string
		m    map[string]EntityConfig
	}{{"plug", c.Plugs}, {"hook", c.Hooks}} {
		for _, name := range slices.Sorted(maps.Keys(kind.m)) {
			if kind.m[name].Path == "" {
				return fmt.Errorf("%s %q: %w", kind.what, name, ErrMissingPath)
			}
		}
	}
	for name, ch := range c.Channels {
		if ch.Plug == "" || ch.Source == "" {
			return fmt.Errorf("channel %q needs both plug and source", name)
		}
	}
	return nil
}

// Parse decodes and post-processes a config document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Save writes cfg to path, replacing the file atomically.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// Logger compiles the logging block. An empty block logs pretty output to
// stdout at info level.
func (c *Config) Logger() (*zerolog.Logger, error) {
	lc := c.Logging
	if len(lc.Writers) == 0 {
		lc.Writers = []zeroconfig.WriterConfig{{
			Type:   zeroconfig.WriterTypeStdout,
			Format: zeroconfig.LogFormatPrettyColored,
		}}
	}
	if lc.MinLevel == nil {
		lvl := zerolog.InfoLevel
		lc.MinLevel = &lvl
	}
	return lc.Compile()
}
