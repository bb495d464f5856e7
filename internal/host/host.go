// Package host defines the narrow capabilities the bridge consumes from the
// printer host: printer control, settings persistence and webcam capture.
package host

import (
	"context"
	"errors"
	"time"

	"github.com/coopco/octosignal/internal/config"
)

// ErrUnsupported is returned by a host that cannot perform an action.
var ErrUnsupported = errors.New("host: action not supported")

// Heater selects a temperature controlled element.
type Heater string

const (
	HeaterTool    Heater = "tool"
	HeaterBed     Heater = "bed"
	HeaterChamber Heater = "chamber"
)

// SystemAction is a server level command.
type SystemAction string

const (
	ActionStopServer    SystemAction = "stop"
	ActionRestartServer SystemAction = "restart"
	ActionShutdown      SystemAction = "shutdown"
	ActionReboot        SystemAction = "reboot"
)

// Temperature is one heater reading.
type Temperature struct {
	Actual float64
	Target float64
}

// PrinterState is a snapshot of the printer as reported by the host.
// Heaters the printer does not report are nil.
type PrinterState struct {
	Text     string
	Printing bool
	Paused   bool
	Profile  string
	Tool     *Temperature
	Bed      *Temperature
	Chamber  *Temperature
}

// JobStatus describes the current job. Active is false when no job is
// loaded.
type JobStatus struct {
	Active   bool
	File     string
	Progress float64
	Elapsed  time.Duration
}

// Printer is the printer control surface of the host.
type Printer interface {
	State(ctx context.Context) (PrinterState, error)
	Job(ctx context.Context) (JobStatus, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Cancel(ctx context.Context) error
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SetTemperature(ctx context.Context, heater Heater, tool int, celsius float64) error
	Command(ctx context.Context, lines ...string) error
	System(ctx context.Context, action SystemAction) error
}

// SettingsStore gives typed access to the host's persisted settings.
type SettingsStore interface {
	Get() config.Settings
	Update(fn func(*config.Settings))
	Save() error
}

// Snapshotter captures webcam media into temporary files. The caller owns
// the returned file and must remove it.
type Snapshotter interface {
	Snapshot(ctx context.Context) (string, error)
	GIF(ctx context.Context) (string, error)
}
