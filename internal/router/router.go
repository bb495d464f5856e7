// Package router maps host lifecycle events to outbound notifications and
// drives the receiver lifecycle.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/coopco/octosignal/internal/bus"
	"github.com/coopco/octosignal/internal/config"
	"github.com/coopco/octosignal/internal/host"
	"github.com/coopco/octosignal/internal/notify"
)

// DefaultStopTimeout bounds how long Shutdown waits for the receiver.
const DefaultStopTimeout = 30 * time.Second

// Sender delivers a rendered notification without blocking.
type Sender interface {
	Send(message string, opts notify.Options)
}

// JobScope is told when a new job starts.
type JobScope interface {
	ClearJob()
}

// Lifecycle is the inbound receiver as seen by the router.
type Lifecycle interface {
	Start(ctx context.Context)
	Stop(ctx context.Context) error
}

type Router struct {
	store    host.SettingsStore
	printer  host.Printer
	sender   Sender
	jobs     JobScope
	receiver Lifecycle
	progress *progressTracker
	reports  *Scheduler

	StopTimeout time.Duration
}

func New(store host.SettingsStore, printer host.Printer, sender Sender, jobs JobScope, receiver Lifecycle) *Router {
	r := &Router{
		store:       store,
		printer:     printer,
		sender:      sender,
		jobs:        jobs,
		receiver:    receiver,
		progress:    newProgressTracker(),
		StopTimeout: DefaultStopTimeout,
	}
	r.reports = NewScheduler(store, printer, sender)
	return r
}

// Scheduler returns the status report scheduler.
func (r *Router) Scheduler() *Scheduler { return r.reports }

// Run delivers bus events to Handle until ctx ends or the bus is closed.
// Events buffered at close time are still handled.
func (r *Router) Run(ctx context.Context, events *bus.EventBus) {
	events.Subscribe("", func(ev bus.Event) { r.Handle(ctx, ev) })
	events.Dispatch(ctx)
}

// Handle processes one event. Shutdown returns only after the receiver
// stopped.
func (r *Router) Handle(ctx context.Context, ev bus.Event) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("router: event handler panicked", "event", ev.String(), "panic", p)
		}
	}()
	slog.Debug("router: event", "event", ev.String())

	switch ev.Type {
	case bus.PrintStarted:
		if r.jobs != nil {
			r.jobs.ClearJob()
		}
		r.progress.reset()
	case bus.PrintProgress:
		r.handleProgress(ctx, ev)
		return
	case bus.Startup:
		if r.receiver != nil {
			r.receiver.Start(context.WithoutCancel(ctx))
		}
		r.reports.Start()
	case bus.Shutdown:
		r.notify(ctx, ev)
		r.reports.Stop()
		r.stopReceiver(ctx)
		return
	}
	r.notify(ctx, ev)
}

func (r *Router) stopReceiver(ctx context.Context) {
	if r.receiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.StopTimeout)
	defer cancel()
	if err := r.receiver.Stop(ctx); err != nil {
		slog.Error("router: receiver did not stop", "error", err)
	}
}

func (r *Router) notify(ctx context.Context, ev bus.Event) {
	s := r.store.Get()
	if !s.Enabled {
		return
	}
	n, ok := s.Notification(ev.Type)
	if !ok || !n.Enabled {
		return
	}
	r.send(ctx, s, n.Template, n.Snapshot, &ev.Payload)
}

func (r *Router) send(ctx context.Context, s config.Settings, template string, snapshot bool, p *bus.Payload) {
	render(ctx, r.printer, r.sender, s, template, snapshot, p)
}

// render refreshes the tags, formats template and hands the result to
// sender. Templates that fail to render are logged and skipped.
func render(ctx context.Context, printer host.Printer, sender Sender, s config.Settings, template string, snapshot bool, p *bus.Payload) {
	c := notify.BuildTags(ctx, printer, s, p)
	msg, ok := notify.Render(template, c)
	if !ok {
		return
	}
	sender.Send(msg, notify.Options{Snapshot: snapshot, GIF: s.Snapshot.GIF})
}

func (r *Router) handleProgress(ctx context.Context, ev bus.Event) {
	s := r.store.Get()
	if !s.Enabled || !s.Progress.Enabled {
		return
	}
	whitelist, err := config.ParsePercentages(s.Progress.Percentages)
	if err != nil {
		slog.Error("router: invalid progress percentages", "value", s.Progress.Percentages, "error", err)
		return
	}
	if !r.progress.fire(ev.Payload.Progress, whitelist) {
		return
	}
	r.send(ctx, s, s.Progress.Template, s.Progress.Snapshot, &ev.Payload)
}
