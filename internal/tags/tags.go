// Package tags holds the substitution variables used to render
// notification templates and the formatter that applies them.
package tags

import (
	"fmt"
	"strconv"
	"time"

	"github.com/coopco/octosignal/internal/bus"
)

// Tag names. The vocabulary is fixed: templates may only reference these.
const (
	Filename      = "filename"
	ElapsedTime   = "elapsed_time"
	Host          = "host"
	User          = "user"
	Progress      = "progress"
	Reason        = "reason"
	State         = "state"
	ToolTemp      = "tool_temp"
	ToolTarget    = "tool_target"
	BedTemp       = "bed_temp"
	BedTarget     = "bed_target"
	ChamberTemp   = "chamber_temp"
	ChamberTarget = "chamber_target"
	NewLine       = "new_line"
	Degrees       = "deg"
)

// Vocabulary lists every known tag.
var Vocabulary = []string{
	Filename, ElapsedTime, Host, User, Progress, Reason, State,
	ToolTemp, ToolTarget, BedTemp, BedTarget, ChamberTemp, ChamberTarget,
	NewLine, Degrees,
}

var known = func() map[string]bool {
	m := make(map[string]bool, len(Vocabulary))
	for _, k := range Vocabulary {
		m[k] = true
	}
	return m
}()

const (
	unknown         = "unknown"
	tempPlaceholder = "*"
)

// Context is the live substitution dictionary. It is refreshed before
// every formatted message and never persisted.
type Context map[string]string

// New returns a Context with every tag set to its placeholder.
func New() Context {
	c := make(Context, len(Vocabulary))
	c.Reset()
	return c
}

// Reset restores the placeholders used when the host has no current job.
// Host and user survive a reset.
func (c Context) Reset() {
	host, user := c[Host], c[User]
	for _, k := range Vocabulary {
		delete(c, k)
	}
	c[Filename] = unknown
	c[ElapsedTime] = FormatDuration(0)
	c[Host] = host
	c[User] = user
	c[Progress] = "0"
	c[Reason] = unknown
	c[State] = unknown
	for _, k := range []string{ToolTemp, ToolTarget, BedTemp, BedTarget, ChamberTemp, ChamberTarget} {
		c[k] = tempPlaceholder
	}
	c[NewLine] = "\n"
	c[Degrees] = "°"
}

// Set assigns a tag value. Unknown keys are rejected.
func (c Context) Set(key, value string) error {
	if !known[key] {
		return &MissingTagError{Tag: key}
	}
	c[key] = value
	return nil
}

// SetIdentity sets the host and user tags.
func (c Context) SetIdentity(host, user string) {
	c[Host] = host
	c[User] = user
}

// SetProgress sets the progress tag from a percentage.
func (c Context) SetProgress(percent int) {
	c[Progress] = strconv.Itoa(percent)
}

// SetElapsed sets the elapsed time tag.
func (c Context) SetElapsed(d time.Duration) {
	c[ElapsedTime] = FormatDuration(d)
}

// SetTemperature sets the actual/target tags of a heater ("tool", "bed"
// or "chamber").
func (c Context) SetTemperature(heater string, actual, target float64) {
	c[heater+"_temp"] = strconv.FormatFloat(actual, 'f', 1, 64)
	c[heater+"_target"] = strconv.FormatFloat(target, 'f', 1, 64)
}

// ApplyPayload copies the event payload fields that are present.
func (c Context) ApplyPayload(p bus.Payload) {
	if p.Name != "" {
		c[Filename] = p.Name
	}
	if p.Time > 0 {
		c.SetElapsed(time.Duration(p.Time * float64(time.Second)))
	}
	if p.Reason != "" {
		c[Reason] = p.Reason
	}
	if p.Progress > 0 {
		c.SetProgress(p.Progress)
	}
}

// FormatDuration renders d as H:MM:SS, e.g. 125s -> "0:02:05".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, total/60%60, total%60)
}
