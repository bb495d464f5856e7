package notify

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/coopco/octosignal/internal/bus"
	"github.com/coopco/octosignal/internal/config"
	"github.com/coopco/octosignal/internal/host"
	"github.com/coopco/octosignal/internal/tags"
)

// BuildTags refreshes a TagContext from the settings identity, the host's
// current job and printer state, and finally the event payload, which wins
// over polled values.
func BuildTags(ctx context.Context, printer host.Printer, s config.Settings, p *bus.Payload) tags.Context {
	c := tags.New()
	c.SetIdentity(s.Host, s.User)

	if printer != nil {
		if job, err := safeJob(ctx, printer); err != nil {
			slog.Debug("notify: job status unavailable", "error", err)
		} else if job.Active {
			if job.File != "" {
				_ = c.Set(tags.Filename, job.File)
			}
			c.SetProgress(int(math.Round(job.Progress)))
			c.SetElapsed(job.Elapsed)
		}
		if st, err := safeState(ctx, printer); err != nil {
			slog.Debug("notify: printer state unavailable", "error", err)
		} else {
			if st.Text != "" {
				_ = c.Set(tags.State, st.Text)
			}
			setTemp(c, host.HeaterTool, st.Tool)
			setTemp(c, host.HeaterBed, st.Bed)
			setTemp(c, host.HeaterChamber, st.Chamber)
		}
	}
	if p != nil {
		c.ApplyPayload(*p)
	}
	return c
}

func setTemp(c tags.Context, h host.Heater, t *host.Temperature) {
	if t != nil {
		c.SetTemperature(string(h), t.Actual, t.Target)
	}
}

// Render formats template with c, logging template errors.
func Render(template string, c tags.Context) (string, bool) {
	msg, err := tags.Format(template, c)
	if err != nil {
		slog.Error("notify: cannot render template", "template", template, "error", err)
		return "", false
	}
	return msg, true
}

func safeState(ctx context.Context, p host.Printer) (st host.PrinterState, err error) {
	defer recoverInto(&err)
	return p.State(ctx)
}

func safeJob(ctx context.Context, p host.Printer) (job host.JobStatus, err error) {
	defer recoverInto(&err)
	return p.Job(ctx)
}

func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("host panic: %v", r)
	}
}
