// Copyright 2024-2026 Aiku AI

package core

import (
	"context"
	"errors"
	"time"

	"github.com/sourcegraph/conc/panics"
)

var errStreamEnded = errors.New("event stream ended unexpectedly")

// stream is the running event loop of one plug: a producer goroutine running
// Plug.Receive into a bounded queue, and a consumer goroutine dispatching the
// queue in order.
type stream struct {
	entry    *PlugEntry
	queue    chan Event
	cancel   context.CancelFunc
	produced chan struct{}
	drained  chan struct{}
}

func (s *stream) finished() bool {
	select {
	case <-s.drained:
		return true
	default:
		return false
	}
}

// launchStream starts the event loop of an active plug. It is a no-op while
// a previous loop of the same plug is still running.
func (h *Host) launchStream(e *PlugEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.streams[e.name]; ok && !s.finished() {
		return
	}
	ctx, cancel := context.WithCancel(h.baseCtx)
	s := &stream{
		entry:    e,
		queue:    make(chan Event, h.queueSize),
		cancel:   cancel,
		produced: make(chan struct{}),
		drained:  make(chan struct{}),
	}
	h.streams[e.name] = s
	go h.produce(ctx, s)
	go h.consume(s)
}

func (h *Host) produce(ctx context.Context, s *stream) {
	defer close(s.produced)
	defer close(s.queue)

	log := h.log.With().Str("plug", s.entry.name).Logger()
	log.Debug().Msg("Event stream started")

	var err error
	if rec := panics.Try(func() { err = s.entry.Plug.Receive(ctx, s.queue) }); rec != nil {
		err = rec.AsError()
	}
	if ctx.Err() != nil {
		log.Debug().Msg("Event stream stopped")
		return
	}
	if err == nil {
		err = errStreamEnded
	}
	log.Error().Err(err).Msg("Event stream failed")

	closeCtx, cancel := context.WithTimeout(h.baseCtx, h.closeTimeout)
	defer cancel()
	if cerr := s.entry.Plug.Close(closeCtx); cerr != nil {
		log.Warn().Err(cerr).Msg("Failed to close plug after stream failure")
	}
	s.entry.lc.Fail(err)
}

func (h *Host) consume(s *stream) {
	defer close(s.drained)
	depth := h.metrics.QueueDepth.WithLabelValues(s.entry.name)
	for evt := range s.queue {
		depth.Set(float64(len(s.queue)))
		evt.Channel.Plug = s.entry.name
		if evt.At.IsZero() {
			evt.At = time.Now()
		}
		h.router.accept(h.baseCtx, evt)
	}
	depth.Set(0)
}

// halt cancels a plug's producer, waits for it to return and for every event
// already queued to be dispatched.
func (h *Host) halt(name string) {
	h.mu.Lock()
	s := h.streams[name]
	delete(h.streams, name)
	h.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	<-s.produced
	<-s.drained
}
