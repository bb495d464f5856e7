// Package receiver runs the inbound command channel: a supervised receive
// loop that turns chat messages into printer control calls.
package receiver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coopco/octosignal/internal/config"
	"github.com/coopco/octosignal/internal/host"
	"github.com/coopco/octosignal/internal/signal"
)

// State is a position in the receive loop's lifecycle.
type State int

const (
	Idle State = iota
	Connecting
	Listening
	Error
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Listening:
		return "listening"
	case Error:
		return "error"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// GroupSource reports the group inbound group messages must come from.
type GroupSource interface {
	Current(ctx context.Context) *config.GroupIdentity
}

// Receiver owns the inbound loop. It is started once per process and may
// be restarted after a configuration change.
type Receiver struct {
	store   host.SettingsStore
	clients signal.Factory
	groups  GroupSource
	printer host.Printer
	media   host.Snapshotter

	mu         sync.Mutex
	state      State
	cancel     context.CancelFunc
	cancelSess context.CancelFunc
	done       chan struct{}
}

func New(store host.SettingsStore, clients signal.Factory, groups GroupSource, printer host.Printer, media host.Snapshotter) *Receiver {
	return &Receiver{
		store:   store,
		clients: clients,
		groups:  groups,
		printer: printer,
		media:   media,
		state:   Idle,
	}
}

// State returns the current lifecycle state.
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start spawns the receive loop. It is a no-op while a loop is running.
func (r *Receiver) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		select {
		case <-r.done:
		default:
			return
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.state = Idle
	go r.run(ctx, r.done)
	slog.Info("receiver: started")
}

// Restart tears down the current session without stopping the loop. The
// next iteration reconnects with fresh settings.
func (r *Receiver) Restart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelSess != nil {
		r.cancelSess()
	}
}

// Stop signals shutdown and waits until the loop exited or ctx ended.
func (r *Receiver) Stop(ctx context.Context) error {
	r.mu.Lock()
	done, cancel := r.done, r.cancel
	if done == nil {
		r.state = Stopped
		r.mu.Unlock()
		return nil
	}
	select {
	case <-done:
	default:
		r.state = ShuttingDown
	}
	r.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("receiver: stop timed out"), ctx.Err())
	}
}

func (r *Receiver) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == s {
		return
	}
	if r.state == ShuttingDown && s != Stopped {
		return
	}
	slog.Debug("receiver: state change", "from", r.state, "to", s)
	r.state = s
}

func (r *Receiver) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer r.setState(Stopped)
	defer func() {
		if p := recover(); p != nil {
			slog.Error("receiver: loop panicked", "panic", p)
		}
	}()

	var sess *session
	defer func() { sess.close() }()

	for ctx.Err() == nil {
		s := r.store.Get()
		if !s.Enabled || !s.Receiver.Enabled || s.CheckConnection() != nil {
			sess.close()
			sess = nil
			r.setState(Idle)
			sleep(ctx, s.Receiver.IdleInterval.Std())
			continue
		}

		if sess == nil {
			r.setState(Connecting)
			var err error
			sess, err = r.connect(ctx, s)
			if err != nil {
				r.fail(ctx, s, err)
				continue
			}
			r.setState(Listening)
		}

		if err := r.listen(ctx, sess, s); err != nil {
			restarted := sess.ctx.Err() != nil
			sess.close()
			sess = nil
			switch {
			case ctx.Err() != nil:
			case restarted:
				slog.Info("receiver: session restarted")
			default:
				r.fail(ctx, s, err)
			}
		}
	}
}

// fail logs a transport failure and waits out the retry delay.
func (r *Receiver) fail(ctx context.Context, s config.Settings, err error) {
	r.setState(Error)
	delay := s.Receiver.RetryDelay.Std()
	slog.Warn("receiver: connection failed, retrying", "error", err, "retry_in", delay)
	sleep(ctx, delay)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
