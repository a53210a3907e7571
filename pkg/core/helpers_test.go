// Copyright 2024-2026 Aiku AI

package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var errBoom = errors.New("boom")

// recorder collects calls from several fakes in the order they happened.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recorder) Calls() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]string, len(r.calls))
	copy(cp, r.calls)
	return cp
}

// fakePlug is a plug whose behaviour is driven by the test.
type fakePlug struct {
	name     string
	rec      *recorder
	openErr  error
	closeErr error
	sendErr  error
	private  map[string]bool

	events  chan Event
	recvErr chan error

	mu     sync.Mutex
	sent   []sentCall
	nextID int
	idsPer int
	cfg    any
}

type sentCall struct {
	Channel Channel
	Text    string
}

func newFakePlug(name string, rec *recorder) *fakePlug {
	return &fakePlug{
		name:    name,
		rec:     rec,
		events:  make(chan Event, 16),
		recvErr: make(chan error, 1),
		idsPer:  1,
	}
}

func (p *fakePlug) Name() string        { return p.name }
func (p *fakePlug) NetworkName() string { return "Fake" }
func (p *fakePlug) NetworkID() string   { return "fake:" + p.name }

func (p *fakePlug) Open(context.Context) error {
	if p.rec != nil {
		p.rec.add("open:%s", p.name)
	}
	return p.openErr
}

func (p *fakePlug) Close(context.Context) error {
	if p.rec != nil {
		p.rec.add("close:%s", p.name)
	}
	return p.closeErr
}

func (p *fakePlug) Receive(ctx context.Context, out chan<- Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-p.recvErr:
			return err
		case evt := <-p.events:
			select {
			case out <- evt:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (p *fakePlug) Send(_ context.Context, ch Channel, msg *Message) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return nil, p.sendErr
	}
	p.sent = append(p.sent, sentCall{Channel: ch, Text: msg.Text})
	ids := make([]string, 0, p.idsPer)
	for range p.idsPer {
		p.nextID++
		ids = append(ids, fmt.Sprintf("%s-%d", p.name, p.nextID))
	}
	return ids, nil
}

func (p *fakePlug) Sent() []sentCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]sentCall, len(p.sent))
	copy(cp, p.sent)
	return cp
}

func (p *fakePlug) DescribeChannel(_ context.Context, source string) (*ChannelInfo, error) {
	private, ok := p.private[source]
	if !ok {
		return nil, fmt.Errorf("no such channel %q", source)
	}
	return &ChannelInfo{Title: source, Private: private}, nil
}

func (p *fakePlug) SetConfig(cfg any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	return nil
}

// fakeHook records what the host and router did with it.
type fakeHook struct {
	name       string
	rec        *recorder
	openErr    error
	closeErr   error
	verdict    Verdict
	processErr error
	panics     bool
	migrateErr error
	migrates   bool
	wants      func(Channel) bool

	mu      sync.Mutex
	seen    []string
	cfg     any
	cfgErr  error
	changes []Change
}

func newFakeHook(name string, rec *recorder) *fakeHook {
	return &fakeHook{name: name, rec: rec}
}

func (h *fakeHook) Name() string { return h.name }

func (h *fakeHook) Open(context.Context) error {
	if h.rec != nil {
		h.rec.add("open:%s", h.name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.openErr
}

func (h *fakeHook) Close(context.Context) error {
	if h.rec != nil {
		h.rec.add("close:%s", h.name)
	}
	return h.closeErr
}

func (h *fakeHook) Process(_ context.Context, evt Event) (Verdict, error) {
	if h.rec != nil {
		h.rec.add("%s:%s", h.name, evt.ID)
	}
	h.mu.Lock()
	h.seen = append(h.seen, evt.ID)
	h.mu.Unlock()
	if h.panics {
		panic("hook exploded")
	}
	return h.verdict, h.processErr
}

func (h *fakeHook) Seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]string, len(h.seen))
	copy(cp, h.seen)
	return cp
}

func (h *fakeHook) OnMigrate(_ context.Context, src, dst Channel) (bool, error) {
	if h.rec != nil {
		h.rec.add("migrate:%s:%s->%s", h.name, src, dst)
	}
	return h.migrates, h.migrateErr
}

func (h *fakeHook) SetConfig(cfg any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cfgErr != nil {
		return h.cfgErr
	}
	h.cfg = cfg
	return nil
}

func (h *fakeHook) OnConfigChange(_ context.Context, change Change) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = append(h.changes, change)
	return nil
}

func (h *fakeHook) Changes() []Change {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Change(nil), h.changes...)
}

// scopedHook only wants some channels.
type scopedHook struct {
	*fakeHook
}

func (h scopedHook) Wants(ch Channel) bool { return h.wants(ch) }

// plainHook has no optional capabilities beyond processing.
type plainHook struct {
	name string
	fn   func(Event)
}

func (h *plainHook) Name() string                { return h.name }
func (h *plainHook) Open(context.Context) error  { return nil }
func (h *plainHook) Close(context.Context) error { return nil }
func (h *plainHook) Process(_ context.Context, evt Event) (Verdict, error) {
	h.fn(evt)
	return Pass, nil
}

func newTestHost(t *testing.T, opts ...Option) *Host {
	t.Helper()
	opts = append([]Option{
		WithLogger(zerolog.Nop()),
		WithOpenTimeout(5 * time.Second),
	}, opts...)
	h := New(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Stop(ctx)
	})
	return h
}
