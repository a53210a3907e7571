// Copyright 2024-2026 Aiku AI

// Package amqpsink publishes every message seen in a set of channels to an
// AMQP topic exchange, as JSON.
package amqpsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/aiku/immp/pkg/core"
)

var (
	ErrMissingURL = errors.New("amqp url is required")
	ErrNotOpen    = errors.New("amqp sink is not open")
)

const defaultExchange = "immp"

// Config is the hook's configuration.
type Config struct {
	URL string `yaml:"url"`
	// Exchange is declared as a durable topic exchange. Defaults to "immp".
	Exchange string `yaml:"exchange"`
	// Channels limits publishing to the named channels. Empty means every
	// named channel.
	Channels []string `yaml:"channels"`
	// Echoes also publishes the copies of messages the host sent itself.
	Echoes bool `yaml:"echoes"`
}

func (c *Config) PostProcess() error {
	if c.URL == "" {
		return ErrMissingURL
	}
	if c.Exchange == "" {
		c.Exchange = defaultExchange
	}
	return nil
}

// publisher is the part of *amqp.Channel the sink uses.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type dialFunc func(cfg *Config) (publisher, io.Closer, error)

// dial connects and declares the exchange.
func dial(cfg *Config) (publisher, io.Closer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if err = ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}
	return ch, conn, nil
}

// Record is the published form of an event.
type Record struct {
	ID          string            `json:"id"`
	Channel     string            `json:"channel"`
	Names       []string          `json:"names,omitempty"`
	Plug        string            `json:"plug"`
	Source      string            `json:"source"`
	At          time.Time         `json:"at"`
	Text        string            `json:"text,omitempty"`
	Markdown    bool              `json:"markdown,omitempty"`
	Action      bool              `json:"action,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	User        *core.User        `json:"user,omitempty"`
	Attachments []core.Attachment `json:"attachments,omitempty"`
	Echo        bool              `json:"echo,omitempty"`
}

// Hook is the sink.
type Hook struct {
	name string
	host *core.Host
	log  zerolog.Logger
	dial dialFunc

	mu   sync.RWMutex
	cfg  *Config
	pub  publisher
	conn io.Closer
}

var (
	_ core.Processor     = (*Hook)(nil)
	_ core.ChannelScoped = (*Hook)(nil)
	_ core.Configurable  = (*Hook)(nil)
)

// New creates the sink. cfg must have been post-processed.
func New(name string, cfg *Config, host *core.Host) *Hook {
	return &Hook{
		name: name,
		host: host,
		cfg:  cfg,
		dial: dial,
		log:  host.Log().With().Str("hook", name).Logger(),
	}
}

func (h *Hook) Name() string { return h.name }

func (h *Hook) Open(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	pub, conn, err := h.dial(h.cfg)
	if err != nil {
		return err
	}
	h.pub, h.conn = pub, conn
	h.log.Info().Str("exchange", h.cfg.Exchange).Msg("Connected to AMQP broker")
	return nil
}

func (h *Hook) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return nil
	}
	err := h.conn.Close()
	h.pub, h.conn = nil, nil
	return err
}

func (h *Hook) SetConfig(cfg any) error {
	c, ok := cfg.(*Config)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	h.mu.Lock()
	h.cfg = c
	h.mu.Unlock()
	return nil
}

func (h *Hook) Wants(ch core.Channel) bool {
	names := h.host.Registry().NamesFor(ch)
	h.mu.RLock()
	channels := h.cfg.Channels
	h.mu.RUnlock()
	if len(channels) == 0 {
		return len(names) > 0
	}
	return slices.ContainsFunc(names, func(name string) bool { return slices.Contains(channels, name) })
}

// routingKey is "<plug>.<source>"; dots in either part are replaced so
// bindings such as "mattermost.*" behave.
func routingKey(ch core.Channel) string {
	return escapeKey(ch.Plug) + "." + escapeKey(ch.Source)
}

func escapeKey(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c == '.' || c == '*' || c == '#' {
			b[i] = '_'
		}
	}
	return string(b)
}

func (h *Hook) record(evt core.Event) Record {
	rec := Record{
		ID:          evt.ID,
		Channel:     evt.Channel.String(),
		Names:       h.host.Registry().NamesFor(evt.Channel),
		Plug:        evt.Channel.Plug,
		Source:      evt.Channel.Source,
		At:          evt.At,
		Text:        evt.Text,
		Markdown:    evt.Markdown,
		Action:      evt.Action,
		ReplyTo:     evt.ReplyTo,
		User:        evt.User,
		Attachments: evt.Attachments,
		Echo:        evt.Echo(),
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	return rec
}

func (h *Hook) Process(ctx context.Context, evt core.Event) (core.Verdict, error) {
	h.mu.RLock()
	pub, cfg := h.pub, h.cfg
	h.mu.RUnlock()
	if !evt.Primary || (evt.Echo() && !cfg.Echoes) {
		return core.Pass, nil
	}
	if pub == nil {
		return core.Pass, ErrNotOpen
	}
	body, err := json.Marshal(h.record(evt))
	if err != nil {
		return core.Pass, fmt.Errorf("failed to encode event: %w", err)
	}
	err = pub.PublishWithContext(ctx, cfg.Exchange, routingKey(evt.Channel), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ID,
		Timestamp:    evt.At,
		Body:         body,
	})
	if err != nil {
		return core.Pass, fmt.Errorf("failed to publish event %s: %w", evt.ID, err)
	}
	return core.Pass, nil
}
