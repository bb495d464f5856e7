// Package bridge owns the running notification bridge: it wires settings,
// the messaging client, the outbound and inbound paths and the event
// router, and handles reloads and shutdown.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coopco/octosignal/internal/bus"
	"github.com/coopco/octosignal/internal/config"
	"github.com/coopco/octosignal/internal/host"
	"github.com/coopco/octosignal/internal/notify"
	"github.com/coopco/octosignal/internal/receiver"
	"github.com/coopco/octosignal/internal/router"
	"github.com/coopco/octosignal/internal/signal"
)

// DefaultDrainTimeout bounds how long shutdown waits for in-flight sends.
const DefaultDrainTimeout = 30 * time.Second

// TestMessageText is the body of connectivity test messages.
const TestMessageText = "Hello from OctoPrint"

// Source produces host events until its context ends.
type Source interface {
	Run(ctx context.Context)
}

// Bridge is the single owner of the bridge's mutable state.
type Bridge struct {
	store   *config.Store
	clients signal.Factory
	printer host.Printer
	media   host.Snapshotter
	events  *bus.EventBus

	resolver   *notify.Resolver
	dispatcher *notify.Dispatcher
	receiver   *receiver.Receiver
	router     *router.Router

	DrainTimeout time.Duration
}

func New(store *config.Store, clients signal.Factory, printer host.Printer, media host.Snapshotter) *Bridge {
	b := &Bridge{
		store:        store,
		clients:      clients,
		printer:      printer,
		media:        media,
		events:       bus.NewEventBus(0),
		DrainTimeout: DefaultDrainTimeout,
	}
	b.resolver = notify.NewResolver(store, clients, printer)
	b.dispatcher = notify.NewDispatcher(store, clients, b.resolver, media)
	b.receiver = receiver.New(store, clients, b.resolver, printer, media)
	b.router = router.New(store, printer, b.dispatcher, b.resolver, b.receiver)
	return b
}

// Events returns the bus host event sources publish onto.
func (b *Bridge) Events() *bus.EventBus { return b.events }

// ReceiverState reports the inbound loop's state.
func (b *Bridge) ReceiverState() receiver.State { return b.receiver.State() }

// Run starts the bridge and blocks until ctx ends. Shutdown is handled
// synchronously before Run returns: the stop notice is sent, the receiver
// is stopped and in-flight sends are drained within DrainTimeout.
func (b *Bridge) Run(ctx context.Context, sources ...Source) error {
	routed := make(chan struct{})
	go func() {
		defer close(routed)
		b.router.Run(context.WithoutCancel(ctx), b.events)
	}()

	if err := b.events.Publish(bus.NewEvent(bus.Startup, bus.Payload{})); err != nil {
		slog.Error("bridge: cannot publish startup", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		g.Go(func() error {
			src.Run(gctx)
			return nil
		})
	}
	if addr := b.store.Get().API.Listen; addr != "" {
		g.Go(func() error { return b.serveAPI(gctx, addr) })
	}

	<-gctx.Done()
	err := g.Wait()
	slog.Info("bridge: shutting down")

	b.events.Close()
	<-routed
	b.router.Handle(context.WithoutCancel(ctx), bus.NewEvent(bus.Shutdown, bus.Payload{}))

	drain, cancel := context.WithTimeout(context.Background(), b.DrainTimeout)
	defer cancel()
	if werr := b.dispatcher.Wait(drain); werr != nil {
		slog.Warn("bridge: in-flight sends abandoned", "error", werr)
	}
	return err
}

// Reload swaps in new settings. A change of connection identity discards
// the cached and persisted groups and reconnects the receiver.
func (b *Bridge) Reload(cfg *config.Settings) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	prev := b.store.Replace(*cfg)
	if prev.ConnectionIdentity() != cfg.ConnectionIdentity() {
		slog.Info("bridge: connection settings changed, reconnecting")
		b.resolver.Discard()
		b.receiver.Restart()
	}
	b.router.Scheduler().Reload()
	return nil
}

// TestRequest carries connection settings to try without touching the
// live configuration.
type TestRequest struct {
	URL            string            `json:"url"`
	Sender         string            `json:"sender"`
	Recipients     config.StringList `json:"recipients"`
	AttachSnapshot bool              `json:"attachSnapshot"`
}

type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"msg"`
}

// TestMessage sends TestMessageText to the recipients in req through a
// one-off dispatcher. The live settings and groups are left alone.
func (b *Bridge) TestMessage(ctx context.Context, req TestRequest) TestResult {
	if err := config.CheckConnection(req.URL, req.Sender, req.Recipients); err != nil {
		return TestResult{Message: err.Error()}
	}

	s := b.store.Get()
	s.URL, s.Sender, s.Recipients = req.URL, req.Sender, req.Recipients
	s.GroupMode = config.GroupNone
	s.TypingIndicator = false
	store := config.NewStore("", &s)
	d := notify.NewDispatcher(store, b.clients, notify.NewResolver(store, b.clients, nil), b.media)

	if err := d.SendSync(ctx, TestMessageText, notify.Options{Snapshot: req.AttachSnapshot}); err != nil {
		slog.Error("bridge: test message failed", "error", err)
		return TestResult{Message: fmt.Sprintf("Sending failed: %v", err)}
	}
	return TestResult{Success: true, Message: "Success! Please check your phone."}
}
