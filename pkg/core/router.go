// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxRedirects = 8
	echoLimit    = 4096
	echoTTL      = 10 * time.Minute
)

// sentRecord remembers a message sent through a plug so its echo can be
// matched when the network delivers it back.
type sentRecord struct {
	msg *Message
	ids []string
	at  time.Time
}

// DispatchReport describes one run of the hook chain.
type DispatchReport struct {
	EventID string
	// Invoked lists the hooks called, in order.
	Invoked []string
	// Consumed names the hook that stopped propagation, if any.
	Consumed string
	// Dropped names the rewriter that discarded the event, if any.
	Dropped string
	Failures []*DispatchFailure
}

// Router runs inbound events through the hook chain and delivers outbound
// messages to plugs.
type Router struct {
	reg     *Registry
	log     zerolog.Logger
	metrics *Metrics
	tracer  trace.Tracer

	sent  cmap.ConcurrentMap[string, sentRecord]
	locks cmap.ConcurrentMap[string, *sync.Mutex]
}

// NewRouter creates a router reading hooks and plugs from reg.
func NewRouter(reg *Registry, log zerolog.Logger, metrics *Metrics, tracer trace.Tracer) *Router {
	return &Router{
		reg:     reg,
		log:     log,
		metrics: metrics,
		tracer:  tracer,
		sent:    cmap.New[sentRecord](),
		locks:   cmap.New[*sync.Mutex](),
	}
}

func echoKey(ch Channel, id string) string {
	return ch.Plug + "\x00" + ch.Source + "\x00" + id
}

// sendLock serialises sends on one plug with the echo lookup of its
// inbound events, so a sent ID is always recorded before its echo is matched.
func (r *Router) sendLock(plug string) *sync.Mutex {
	r.locks.SetIfAbsent(plug, &sync.Mutex{})
	mu, _ := r.locks.Get(plug)
	return mu
}

// accept tags an inbound event with its source message, if it is the echo of
// something we sent, and dispatches it.
func (r *Router) accept(ctx context.Context, evt Event) *DispatchReport {
	r.metrics.EventsReceived.WithLabelValues(evt.Channel.Plug).Inc()

	// Wait for any in-flight send on this plug to record its IDs.
	mu := r.sendLock(evt.Channel.Plug)
	mu.Lock()
	mu.Unlock() //nolint:staticcheck

	evt.Primary = true
	if rec, ok := r.sent.Get(echoKey(evt.Channel, evt.ID)); ok {
		evt.Source = rec.msg
		evt.Primary = len(rec.ids) == 0 || rec.ids[0] == evt.ID
	}
	return r.Dispatch(ctx, evt)
}

// Dispatch runs evt through the hooks returned by HooksOrderedFor, one at a
// time. Hooks that are not active are skipped. A hook returning Consume ends
// the chain for this event. Hook errors and panics are logged, attributed and
// collected in the report; they never stop the chain.
func (r *Router) Dispatch(ctx context.Context, evt Event) *DispatchReport {
	ctx, span := r.tracer.Start(ctx, "immp.dispatch", trace.WithAttributes(
		attribute.String("immp.event_id", evt.ID),
		attribute.String("immp.channel", evt.Channel.String()),
	))
	defer span.End()

	report := &DispatchReport{EventID: evt.ID}
	hooks := r.reg.HooksOrderedFor(evt.Channel)
	if !r.rewrite(ctx, hooks, &evt, report, span) {
		return report
	}
	for _, h := range hooks {
		if h.State() != StateActive {
			continue
		}
		proc, ok := h.Hook.(Processor)
		if !ok {
			continue
		}
		report.Invoked = append(report.Invoked, h.name)
		verdict, err := r.invoke(ctx, h.name, proc, evt)
		if err != nil {
			r.failed(report, span, h.name, evt, err)
			continue
		}
		if verdict == Consume {
			report.Consumed = h.name
			r.metrics.EventsConsumed.WithLabelValues(h.name).Inc()
			span.AddEvent("consumed", trace.WithAttributes(attribute.String("immp.hook", h.name)))
			r.log.Debug().Str("hook", h.name).Str("event_id", evt.ID).Msg("Event consumed")
			break
		}
	}
	if len(report.Failures) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d hook(s) failed", len(report.Failures)))
	}
	return report
}

// rewrite passes evt through the active rewriters in hooks, replacing it with
// each result. A failing rewriter is reported and leaves the event as it was.
// It reports false when a rewriter dropped the event.
func (r *Router) rewrite(ctx context.Context, hooks []*HookEntry, evt *Event, report *DispatchReport, span trace.Span) bool {
	for _, h := range hooks {
		rw, ok := h.Hook.(Rewriter)
		if !ok || h.State() != StateActive {
			continue
		}
		var (
			out *Event
			err error
		)
		if rec := panics.Try(func() { out, err = rw.BeforeReceive(ctx, *evt) }); rec != nil {
			err = rec.AsError()
		}
		if err != nil {
			r.failed(report, span, h.name, *evt, err)
			continue
		}
		if out == nil {
			report.Dropped = h.name
			span.AddEvent("dropped", trace.WithAttributes(attribute.String("immp.hook", h.name)))
			r.log.Debug().Str("hook", h.name).Str("event_id", evt.ID).Msg("Event dropped")
			return false
		}
		*evt = *out
	}
	return true
}

func (r *Router) failed(report *DispatchReport, span trace.Span, hook string, evt Event, err error) {
	failure := &DispatchFailure{Hook: hook, EventID: evt.ID, Channel: evt.Channel, Err: err}
	report.Failures = append(report.Failures, failure)
	r.metrics.HookFailures.WithLabelValues(hook).Inc()
	span.RecordError(failure, trace.WithAttributes(attribute.String("immp.hook", hook)))
	r.log.Error().Err(err).
		Str("hook", hook).
		Str("event_id", evt.ID).
		Stringer("channel", evt.Channel).
		Msg("Hook failed to process event")
}

func (r *Router) invoke(ctx context.Context, name string, proc Processor, evt Event) (verdict Verdict, err error) {
	start := time.Now()
	defer func() {
		r.metrics.HookDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()
	var pc panics.Catcher
	pc.Try(func() { verdict, err = proc.Process(ctx, evt) })
	if rec := pc.Recovered(); rec != nil {
		return Pass, rec.AsError()
	}
	return verdict, err
}

// Send delivers msg to ch through the channel's plug. Active hooks
// implementing SendFilter see the message first and may rewrite, redirect or
// suppress it; a suppressed message returns no IDs and no error. Failures of
// the plug are returned as a *DeliveryError.
func (r *Router) Send(ctx context.Context, ch Channel, msg *Message) ([]string, error) {
	ctx, span := r.tracer.Start(ctx, "immp.send", trace.WithAttributes(
		attribute.String("immp.channel", ch.String()),
	))
	defer span.End()

	for range maxRedirects {
		entry, ok := r.reg.Plug(ch.Plug)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlug, ch.Plug)
		}
		if state := entry.State(); state != StateActive {
			return nil, fmt.Errorf("%w: %s is %s", ErrPlugNotActive, ch.Plug, state)
		}
		next, out := r.filter(ctx, ch, msg)
		if out == nil {
			r.log.Debug().Stringer("channel", ch).Msg("Outgoing message suppressed by hook")
			return nil, nil
		}
		if next != ch {
			r.log.Debug().Stringer("from", ch).Stringer("to", next).Msg("Redirecting outgoing message")
			ch, msg = next, out
			continue
		}
		ids, err := r.put(ctx, entry, ch, out)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "delivery failed")
		}
		return ids, err
	}
	return nil, fmt.Errorf("%w: last target %s", ErrSendLoop, ch)
}

// filter runs the SendFilter hooks, resources first. A filter error is
// logged and the filter skipped.
func (r *Router) filter(ctx context.Context, ch Channel, msg *Message) (Channel, *Message) {
	hooks := append(r.reg.Resources(), r.reg.load().ordered...)
	for _, h := range hooks {
		f, ok := h.Hook.(SendFilter)
		if !ok || h.State() != StateActive {
			continue
		}
		var (
			nextCh  Channel
			nextMsg *Message
			err     error
		)
		if rec := panics.Try(func() { nextCh, nextMsg, err = f.BeforeSend(ctx, ch, msg) }); rec != nil {
			err = rec.AsError()
		}
		if err != nil {
			r.log.Error().Err(err).Str("hook", h.name).Stringer("channel", ch).Msg("Hook failed before-send")
			continue
		}
		if nextMsg == nil {
			return ch, nil
		}
		ch, msg = nextCh, nextMsg
	}
	return ch, msg
}

func (r *Router) put(ctx context.Context, entry *PlugEntry, ch Channel, msg *Message) ([]string, error) {
	mu := r.sendLock(entry.name)
	mu.Lock()
	defer mu.Unlock()

	var (
		ids []string
		err error
	)
	if rec := panics.Try(func() { ids, err = entry.Plug.Send(ctx, ch, msg) }); rec != nil {
		err = rec.AsError()
	}
	if err != nil {
		r.metrics.DeliveryFailures.WithLabelValues(entry.name).Inc()
		return nil, &DeliveryError{Plug: entry.name, Channel: ch, Err: err}
	}
	rec := sentRecord{msg: msg.Clone(), ids: ids, at: time.Now()}
	for _, id := range ids {
		r.sent.Set(echoKey(ch, id), rec)
	}
	r.metrics.MessagesSent.WithLabelValues(entry.name).Inc()
	r.prune()
	return ids, nil
}

// prune drops expired sent records once the table grows past its limit.
func (r *Router) prune() {
	if r.sent.Count() <= echoLimit {
		return
	}
	cutoff := time.Now().Add(-echoTTL)
	var expired []string
	r.sent.IterCb(func(key string, rec sentRecord) {
		if rec.at.Before(cutoff) {
			expired = append(expired, key)
		}
	})
	for _, key := range expired {
		r.sent.Remove(key)
	}
}

// forget drops everything the router remembers about a plug.
func (r *Router) forget(plug string) {
	prefix := plug + "\x00"
	var keys []string
	r.sent.IterCb(func(key string, _ sentRecord) {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	})
	for _, key := range keys {
		r.sent.Remove(key)
	}
	r.locks.Remove(plug)
}
