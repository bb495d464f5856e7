package router

import (
	"context"
	"log/slog"
	"sync"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/coopco/octosignal/internal/host"
)

// Scheduler sends the status report on the configured cron schedule while
// the printer is printing.
type Scheduler struct {
	store   host.SettingsStore
	printer host.Printer
	sender  Sender

	mu      sync.Mutex
	cron    *robfigcron.Cron
	sched   string
	entry   robfigcron.EntryID
	running bool
}

func NewScheduler(store host.SettingsStore, printer host.Printer, sender Sender) *Scheduler {
	c := robfigcron.New(
		robfigcron.WithLogger(cronLogger{}),
		robfigcron.WithChain(robfigcron.Recover(cronLogger{})),
	)
	return &Scheduler{
		store:   store,
		printer: printer,
		sender:  sender,
		cron:    c,
	}
}

// cronLogger forwards the cron runner's logs, including recovered job
// panics, to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("router: cron "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("router: cron "+msg, append(keysAndValues, "error", err)...)
}

// Start registers the configured schedule and starts the cron runner.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.applyLocked()
	s.cron.Start()
}

// Stop halts the cron runner and waits for a running report to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

// Reload picks up a changed schedule.
func (s *Scheduler) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked()
}

func (s *Scheduler) applyLocked() {
	sched := s.store.Get().StatusReport.Schedule
	if sched == s.sched && (sched == "" || s.entry != 0) {
		return
	}
	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	s.sched = sched
	if sched == "" {
		return
	}
	id, err := s.cron.AddFunc(sched, func() { s.report(context.Background()) })
	if err != nil {
		slog.Error("router: invalid status report schedule", "schedule", sched, "error", err)
		return
	}
	s.entry = id
	slog.Info("router: status reports scheduled", "schedule", sched)
}

// Entries returns the number of registered schedules.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) report(ctx context.Context) {
	cfg := s.store.Get()
	if !cfg.Enabled || s.printer == nil {
		return
	}
	st, err := s.printer.State(ctx)
	if err != nil {
		slog.Debug("router: printer state unavailable for status report", "error", err)
		return
	}
	if !st.Printing {
		return
	}
	render(ctx, s.printer, s.sender, cfg, cfg.StatusReport.Template, cfg.StatusReport.Snapshot, nil)
}
