package router

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/coopco/octosignal/internal/bus"
	"github.com/coopco/octosignal/internal/config"
	"github.com/coopco/octosignal/internal/host"
	"github.com/coopco/octosignal/internal/host/hosttest"
	"github.com/coopco/octosignal/internal/notify"
	"github.com/coopco/octosignal/internal/receiver"
	"github.com/coopco/octosignal/internal/signal/signaltest"
)

type sent struct {
	msg  string
	opts notify.Options
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeSender) Send(msg string, opts notify.Options) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{msg, opts})
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		out = append(out, s.msg)
	}
	return out
}

type fakeJobs struct{ cleared int }

func (f *fakeJobs) ClearJob() { f.cleared++ }

type fakeLifecycle struct {
	calls []string
}

func (f *fakeLifecycle) Start(context.Context) { f.calls = append(f.calls, "start") }
func (f *fakeLifecycle) Stop(context.Context) error {
	f.calls = append(f.calls, "stop")
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func settings() *config.Settings {
	s := config.DefaultSettings()
	s.Enabled = true
	s.URL = "http://signal"
	s.Sender = "+4900000"
	s.Recipients = config.StringList{"+1"}
	s.Host = "octopi"
	return s
}

func TestProgressWhitelist(t *testing.T) {
	tests := []struct {
		name        string
		percentages string
		enabled     bool
		progress    []int
		want        []string
	}{
		{"exact matches only", "20,40,60,80", true, []int{10, 20, 20, 55, 60, 100}, []string{"20%", "60%"}},
		{"disabled", "25", false, []int{25}, nil},
		{"empty whitelist", "", true, []int{10, 50}, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := settings()
			s.Progress = config.ProgressSettings{Enabled: tc.enabled, Percentages: tc.percentages, Template: "{progress}%"}
			sender := &fakeSender{}
			r := New(config.NewStore("", s), nil, sender, nil, nil)

			for _, p := range tc.progress {
				r.Handle(context.Background(), bus.NewEvent(bus.PrintProgress, bus.Payload{Progress: p}))
			}
			if got := sender.messages(); !slices.Equal(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestProgressResetsOnPrintStarted(t *testing.T) {
	s := settings()
	s.Progress = config.ProgressSettings{Enabled: true, Percentages: "50", Template: "{progress}"}
	s.Events[bus.PrintStarted] = config.Notification{Enabled: false}
	sender := &fakeSender{}
	jobs := &fakeJobs{}
	r := New(config.NewStore("", s), nil, sender, jobs, nil)
	ctx := context.Background()

	r.Handle(ctx, bus.NewEvent(bus.PrintProgress, bus.Payload{Progress: 50}))
	r.Handle(ctx, bus.NewEvent(bus.PrintProgress, bus.Payload{Progress: 50}))
	r.Handle(ctx, bus.NewEvent(bus.PrintStarted, bus.Payload{Name: "b.gcode"}))
	r.Handle(ctx, bus.NewEvent(bus.PrintProgress, bus.Payload{Progress: 50}))

	if got := sender.messages(); !slices.Equal(got, []string{"50", "50"}) {
		t.Errorf("got %v", got)
	}
	if jobs.cleared != 1 {
		t.Errorf("ClearJob called %d times, want 1", jobs.cleared)
	}
}

func TestNotificationTemplates(t *testing.T) {
	s := settings()
	s.Events[bus.PrintFailed] = config.Notification{Enabled: true, Template: "{filename} failed: {reason}", Snapshot: true}
	s.Events[bus.PrintPaused] = config.Notification{Enabled: false, Template: "paused"}
	s.Snapshot.GIF = true
	sender := &fakeSender{}
	r := New(config.NewStore("", s), &hosttest.Printer{}, sender, nil, nil)
	ctx := context.Background()

	r.Handle(ctx, bus.NewEvent(bus.PrintFailed, bus.Payload{Name: "a.gcode", Reason: "error"}))
	r.Handle(ctx, bus.NewEvent(bus.PrintPaused, bus.Payload{}))

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	if got := sender.sent[0].msg; got != "a.gcode failed: error" {
		t.Errorf("message = %q", got)
	}
	if got := sender.sent[0].opts; got != (notify.Options{Snapshot: true, GIF: true}) {
		t.Errorf("options = %+v", got)
	}
}

func TestDisabledBridgeSendsNothing(t *testing.T) {
	s := settings()
	s.Enabled = false
	sender := &fakeSender{}
	r := New(config.NewStore("", s), nil, sender, nil, nil)
	r.Handle(context.Background(), bus.NewEvent(bus.PrintDone, bus.Payload{Name: "a.gcode"}))
	if got := sender.messages(); len(got) != 0 {
		t.Errorf("got %v, want nothing", got)
	}
}

func TestStartupAndShutdownOrdering(t *testing.T) {
	s := settings()
	s.Events[bus.Startup] = config.Notification{Enabled: true, Template: "started"}
	s.Events[bus.Shutdown] = config.Notification{Enabled: true, Template: "stopping"}
	sender := &fakeSender{}
	lc := &fakeLifecycle{}
	r := New(config.NewStore("", s), nil, sender, nil, lc)
	ctx := context.Background()

	r.Handle(ctx, bus.NewEvent(bus.Startup, bus.Payload{}))
	r.Handle(ctx, bus.NewEvent(bus.Shutdown, bus.Payload{}))

	if !slices.Equal(lc.calls, []string{"start", "stop"}) {
		t.Errorf("lifecycle calls = %v", lc.calls)
	}
	if got := sender.messages(); !slices.Equal(got, []string{"started", "stopping"}) {
		t.Errorf("messages = %v", got)
	}
}

func TestShutdownWaitsForReceiverInBackoff(t *testing.T) {
	s := settings()
	s.Receiver.RetryDelay = config.Duration(time.Hour)
	store := config.NewStore("", s)
	client := signaltest.New()
	client.ModeErr = errors.New("unreachable")
	recv := receiver.New(store, client.Factory(), nil, &hosttest.Printer{}, nil)
	r := New(store, nil, &fakeSender{}, nil, recv)
	ctx := context.Background()

	r.Handle(ctx, bus.NewEvent(bus.Startup, bus.Payload{}))
	waitFor(t, func() bool { return recv.State() == receiver.Error })

	r.Handle(ctx, bus.NewEvent(bus.Shutdown, bus.Payload{}))
	if st := recv.State(); st != receiver.Stopped {
		t.Errorf("receiver state = %s, want stopped", st)
	}
}

func TestPrintDoneEndToEnd(t *testing.T) {
	s := settings()
	s.GroupMode = config.GroupNone
	s.TypingIndicator = false
	s.Events[bus.PrintDone] = config.Notification{Enabled: true, Template: "{filename}: done in {elapsed_time}"}
	store := config.NewStore("", s)
	client := signaltest.New()
	resolver := notify.NewResolver(store, client.Factory(), nil)
	dispatcher := notify.NewDispatcher(store, client.Factory(), resolver, nil)
	r := New(store, &hosttest.Printer{}, dispatcher, resolver, nil)

	r.Handle(context.Background(), bus.NewEvent(bus.PrintDone, bus.Payload{Name: "a.gcode", Time: 125}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := dispatcher.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	msgs := client.Messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if msgs[0].Text != "a.gcode: done in 0:02:05" {
		t.Errorf("text = %q", msgs[0].Text)
	}
	if !slices.Equal(msgs[0].Recipients, []string{"+1"}) {
		t.Errorf("recipients = %v", msgs[0].Recipients)
	}
}

func TestRunDrainsBus(t *testing.T) {
	s := settings()
	s.Events[bus.PrintDone] = config.Notification{Enabled: true, Template: "{filename}"}
	sender := &fakeSender{}
	r := New(config.NewStore("", s), nil, sender, nil, nil)
	events := bus.NewEventBus(10)

	for _, name := range []string{"one", "two"} {
		if err := events.Publish(bus.NewEvent(bus.PrintDone, bus.Payload{Name: name})); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	events.Close()
	r.Run(context.Background(), events)

	if got := sender.messages(); !slices.Equal(got, []string{"one", "two"}) {
		t.Errorf("got %v", got)
	}
}

func TestScheduledReportOnlyWhilePrinting(t *testing.T) {
	s := settings()
	s.StatusReport = config.StatusReportSettings{Schedule: "@every 1h", Template: "{state} {progress}%"}
	store := config.NewStore("", s)
	printer := &hosttest.Printer{}
	sender := &fakeSender{}
	sched := NewScheduler(store, printer, sender)

	sched.Start()
	defer sched.Stop()
	if n := sched.Entries(); n != 1 {
		t.Fatalf("entries = %d, want 1", n)
	}

	sched.report(context.Background())
	if got := sender.messages(); len(got) != 0 {
		t.Errorf("idle printer reported %v", got)
	}

	printer.SetState(func(st *host.PrinterState, job *host.JobStatus) {
		st.Text, st.Printing = "Printing", true
		*job = host.JobStatus{Active: true, Progress: 30}
	})
	sched.report(context.Background())
	if got := sender.messages(); !slices.Equal(got, []string{"Printing 30%"}) {
		t.Errorf("got %v", got)
	}

	store.Update(func(s *config.Settings) { s.StatusReport.Schedule = "" })
	sched.Reload()
	if n := sched.Entries(); n != 0 {
		t.Errorf("entries after clearing the schedule = %d", n)
	}
}

// panickingPrinter panics on every state read.
type panickingPrinter struct {
	hosttest.Printer
	once   sync.Once
	called chan struct{}
}

func (p *panickingPrinter) State(context.Context) (host.PrinterState, error) {
	p.once.Do(func() { close(p.called) })
	panic("printer state unavailable")
}

func TestScheduledReportSurvivesPanic(t *testing.T) {
	s := settings()
	s.StatusReport = config.StatusReportSettings{Schedule: "@every 1s", Template: "{state}"}
	printer := &panickingPrinter{called: make(chan struct{})}
	sender := &fakeSender{}
	sched := NewScheduler(config.NewStore("", s), printer, sender)

	sched.Start()
	select {
	case <-printer.called:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled report never ran")
	}
	// Give a panic time to escape the job before stopping.
	time.Sleep(50 * time.Millisecond)
	sched.Stop()

	if got := sender.messages(); len(got) != 0 {
		t.Errorf("got %v, want nothing", got)
	}
}
