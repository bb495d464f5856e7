package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/coopco/octosignal/internal/host"
	"github.com/coopco/octosignal/internal/signal"
)

// Options selects media for a send.
type Options struct {
	Snapshot bool // attach a webcam capture
	GIF      bool // capture an animated GIF instead of a still
}

// Dispatcher is the entry point for outbound messages. Send never blocks
// the caller; each message is delivered on its own goroutine and sends may
// overlap.
type Dispatcher struct {
	store    host.SettingsStore
	clients  signal.Factory
	resolver *Resolver
	media    host.Snapshotter

	wg sync.WaitGroup
}

func NewDispatcher(store host.SettingsStore, clients signal.Factory, resolver *Resolver, media host.Snapshotter) *Dispatcher {
	return &Dispatcher{store: store, clients: clients, resolver: resolver, media: media}
}

// Send delivers message in the background. Failures are logged once.
func (d *Dispatcher) Send(message string, opts Options) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("notify: send panicked", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		if err := d.deliver(context.Background(), message, opts); err != nil {
			slog.Error("notify: couldn't send signal message", "error", err)
		}
	}()
}

// SendSync delivers message on the caller's goroutine and returns the
// outcome.
func (d *Dispatcher) SendSync(ctx context.Context, message string, opts Options) error {
	return d.deliver(ctx, message, opts)
}

// Wait blocks until all in-flight sends finished or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver sends one message. Degradations on the way (group fallback,
// missing media) are folded into the returned error, or logged once when
// the message still went out.
func (d *Dispatcher) deliver(ctx context.Context, message string, opts Options) error {
	s := d.store.Get()
	if err := s.CheckConnection(); err != nil {
		return err
	}
	client := d.clients(s.URL, s.Sender)

	var degraded []error
	target, err := d.resolver.Resolve(ctx)
	if err != nil {
		slog.Debug("notify: group resolution failed, sending to recipients", "error", err)
		degraded = append(degraded, err)
		target = Target{Recipients: append([]string(nil), s.Recipients...)}
	}
	if len(target.Recipients) == 0 {
		return fmt.Errorf("no recipients resolved")
	}

	// Initialized before any capture so cleanup always sees every file.
	var media []string
	defer func() {
		for _, p := range media {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				slog.Debug("notify: failed to remove media file", "path", p, "error", err)
			}
		}
	}()

	if s.TypingIndicator {
		setTyping(ctx, client, target.Recipients, true)
		defer setTyping(context.WithoutCancel(ctx), client, target.Recipients, false)
	}

	if opts.Snapshot && d.media != nil {
		if path, err := d.capture(ctx, opts.GIF); err != nil {
			slog.Debug("notify: media capture failed, sending text only", "error", err)
			degraded = append(degraded, err)
		} else {
			media = append(media, path)
		}
	}

	err = client.Send(ctx, signal.Message{Text: message, Recipients: target.Recipients, Attachments: media})
	if err != nil && target.Group != nil && errors.Is(err, signal.ErrGroupNotFound) {
		slog.Debug("notify: group not found, retrying with recipients", "group", target.Group.ExternalID)
		d.resolver.Forget(target.Group)
		degraded = append(degraded, err)
		err = client.Send(ctx, signal.Message{Text: message, Recipients: s.Recipients, Attachments: media})
	}
	if err != nil {
		return errors.Join(append([]error{err}, degraded...)...)
	}
	if len(degraded) > 0 {
		slog.Warn("notify: message sent with fallbacks", "error", errors.Join(degraded...))
	}
	return nil
}

func (d *Dispatcher) capture(ctx context.Context, gif bool) (path string, err error) {
	defer recoverInto(&err)
	if gif {
		return d.media.GIF(ctx)
	}
	return d.media.Snapshot(ctx)
}

// setTyping raises or clears the typing indicator for every recipient.
// Failures are cosmetic and only logged.
func setTyping(ctx context.Context, client signal.Client, recipients []string, on bool) {
	var g errgroup.Group
	for _, r := range recipients {
		g.Go(func() error {
			var err error
			if on {
				err = client.StartTyping(ctx, r)
			} else {
				err = client.StopTyping(ctx, r)
			}
			if err != nil {
				slog.Debug("notify: typing indicator failed", "recipient", r, "on", on, "error", err)
			}
			return err
		})
	}
	_ = g.Wait()
}
