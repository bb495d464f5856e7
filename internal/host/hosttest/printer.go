// Package hosttest provides fakes of the host capabilities for tests.
package hosttest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/coopco/octosignal/internal/host"
)

// Printer records every control call. Err, when set, fails control calls.
type Printer struct {
	mu    sync.Mutex
	calls []string

	StateValue host.PrinterState
	JobValue   host.JobStatus
	Err        error
}

func (p *Printer) record(call string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	return p.Err
}

// Calls returns the recorded control calls.
func (p *Printer) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *Printer) SetState(fn func(st *host.PrinterState, job *host.JobStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.StateValue, &p.JobValue)
}

func (p *Printer) State(context.Context) (host.PrinterState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.StateValue, nil
}

func (p *Printer) Job(context.Context) (host.JobStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.JobValue, nil
}

func (p *Printer) Pause(context.Context) error      { return p.record("pause") }
func (p *Printer) Resume(context.Context) error     { return p.record("resume") }
func (p *Printer) Cancel(context.Context) error     { return p.record("cancel") }
func (p *Printer) Connect(context.Context) error    { return p.record("connect") }
func (p *Printer) Disconnect(context.Context) error { return p.record("disconnect") }

func (p *Printer) SetTemperature(_ context.Context, h host.Heater, tool int, c float64) error {
	return p.record(fmt.Sprintf("temp %s%d %g", h, tool, c))
}

func (p *Printer) Command(_ context.Context, lines ...string) error {
	return p.record("gcode " + strings.Join(lines, ";"))
}

func (p *Printer) System(_ context.Context, a host.SystemAction) error {
	return p.record("system " + string(a))
}

// Snapshotter returns canned paths or errors.
type Snapshotter struct {
	mu    sync.Mutex
	Path  string
	Err   error
	Calls []string
}

func (s *Snapshotter) Snapshot(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, "snapshot")
	return s.Path, s.Err
}

func (s *Snapshotter) GIF(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, "gif")
	return s.Path, s.Err
}
