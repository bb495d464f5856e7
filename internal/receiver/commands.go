package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/coopco/octosignal/internal/config"
	"github.com/coopco/octosignal/internal/host"
	"github.com/coopco/octosignal/internal/notify"
	"github.com/coopco/octosignal/internal/signal"
)

// request is one authorized inbound command.
type request struct {
	name    string
	args    string
	replyTo []string
	cfg     config.Settings
	sess    *session
}

type handler func(ctx context.Context, r *Receiver, req request) (string, error)

var handlers = map[string]handler{
	"STATUS":        status,
	"PAUSE":         control("paused", host.Printer.Pause),
	"RESUME":        control("resumed", host.Printer.Resume),
	"CANCEL":        control("cancelled", host.Printer.Cancel),
	"CONNECT":       control("connecting", host.Printer.Connect),
	"DISCONNECT":    control("disconnected", host.Printer.Disconnect),
	"GCODE":         gcode,
	"TOOLTEMP":      temperature(host.HeaterTool),
	"BEDTEMP":       temperature(host.HeaterBed),
	"CHAMBERTEMP":   temperature(host.HeaterChamber),
	"SHELL":         shell,
	"STOPSERVER":    system(host.ActionStopServer),
	"RESTARTSERVER": system(host.ActionRestartServer),
	"SHUTDOWN":      system(host.ActionShutdown),
	"REBOOT":        system(host.ActionReboot),
}

// process handles one raw envelope. It never returns an error: every
// failure ends in a log entry.
func (r *Receiver) process(ctx context.Context, sess *session, raw []byte) {
	env, err := parseEnvelope(raw)
	if err != nil {
		slog.Debug("receiver: dropping envelope", "error", err)
		return
	}
	if env.Text == "" {
		return
	}

	s := r.store.Get()
	replyTo, ok := r.authorize(ctx, sess, s, env)
	if !ok {
		slog.Debug("receiver: ignoring unauthorized message", "source", env.Source, "group", env.GroupID)
		return
	}

	name, args := splitCommand(env.Text)
	req := request{name: name, args: args, replyTo: replyTo, cfg: s, sess: sess}
	h, known := handlers[name]
	if !known {
		r.reply(ctx, req, HelpText, nil)
		return
	}

	slog.Info("receiver: command", "command", name, "source", env.Source)
	reply, err := r.call(ctx, h, req)
	if err != nil {
		slog.Warn("receiver: command failed", "command", name, "error", err)
		reply = "Error: " + err.Error()
	}
	if reply != "" {
		r.reply(ctx, req, reply, nil)
	}
}

func (r *Receiver) call(ctx context.Context, h handler, req request) (reply string, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("receiver: command panicked", "command", req.name, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error: %v", p)
		}
	}()
	return h(ctx, r, req)
}

// authorize accepts direct messages and messages from the active group,
// and returns where the reply goes.
func (r *Receiver) authorize(ctx context.Context, sess *session, s config.Settings, env envelope) ([]string, bool) {
	if !isAllowed(s.Receiver.AllowedSenders, env.Source) {
		return nil, false
	}
	if env.GroupID == "" {
		if env.Source == "" {
			return slices.Clone(s.Recipients), true
		}
		return []string{env.Source}, true
	}

	if r.groups == nil {
		return nil, false
	}
	g := r.groups.Current(ctx)
	if g == nil {
		return nil, false
	}
	internal := g.InternalID
	if internal == "" {
		internal = sess.groupInternalID(ctx, g.ExternalID)
	}
	if internal == "" || internal != env.GroupID {
		return nil, false
	}
	return []string{g.ExternalID}, true
}

func isAllowed(allowed []string, source string) bool {
	return len(allowed) == 0 || slices.Contains(allowed, source)
}

func splitCommand(text string) (name, args string) {
	text = strings.TrimSpace(text)
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i < 0 {
		return strings.ToUpper(text), ""
	}
	return strings.ToUpper(text[:i]), strings.TrimSpace(text[i:])
}

func (r *Receiver) reply(ctx context.Context, req request, text string, attachments []string) {
	err := req.sess.client.Send(ctx, signal.Message{Text: text, Recipients: req.replyTo, Attachments: attachments})
	if err != nil {
		slog.Error("receiver: couldn't send reply", "command", req.name, "error", err)
	}
}

func control(done string, fn func(host.Printer, context.Context) error) handler {
	return func(ctx context.Context, r *Receiver, req request) (string, error) {
		if err := fn(r.printer, ctx); err != nil {
			return "", err
		}
		return "OK: " + done, nil
	}
}

func gcode(ctx context.Context, r *Receiver, req request) (string, error) {
	var lines []string
	for _, l := range strings.FieldsFunc(req.args, func(c rune) bool { return c == ';' || c == '\n' }) {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return "Usage: GCODE <line>[; <line>...]", nil
	}
	if err := r.printer.Command(ctx, lines...); err != nil {
		return "", err
	}
	return "OK: sent " + strings.Join(lines, "; "), nil
}

func temperature(h host.Heater) handler {
	return func(ctx context.Context, r *Receiver, req request) (string, error) {
		fields := strings.Fields(req.args)
		usage := fmt.Sprintf("Usage: %sTEMP <°C>", strings.ToUpper(string(h)))
		if h == host.HeaterTool {
			usage += " [tool]"
		}
		if len(fields) == 0 || len(fields) > 2 || (len(fields) == 2 && h != host.HeaterTool) {
			return usage, nil
		}
		celsius, err := strconv.ParseFloat(fields[0], 64)
		if err != nil || celsius < 0 {
			return usage, nil
		}
		tool := 0
		if len(fields) == 2 {
			if tool, err = strconv.Atoi(fields[1]); err != nil || tool < 0 {
				return usage, nil
			}
		}
		if err := r.printer.SetTemperature(ctx, h, tool, celsius); err != nil {
			return "", err
		}
		return fmt.Sprintf("OK: %s set to %g°C", h, celsius), nil
	}
}

func shell(ctx context.Context, r *Receiver, req request) (string, error) {
	if !req.cfg.Receiver.AllowShell {
		return "Shell commands are disabled.", nil
	}
	if req.args == "" {
		return "Usage: SHELL <command>", nil
	}
	out, err := runShell(ctx, req.args, req.cfg.Receiver.ShellTimeout.Std())
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "OK: no output", nil
	}
	return out, nil
}

// system acknowledges before acting: the host may go away with the call.
func system(a host.SystemAction) handler {
	return func(ctx context.Context, r *Receiver, req request) (string, error) {
		r.reply(ctx, req, "OK: "+string(a)+" requested", nil)
		if err := r.printer.System(ctx, a); err != nil {
			return "", err
		}
		return "", nil
	}
}

func status(ctx context.Context, r *Receiver, req request) (string, error) {
	c := notify.BuildTags(ctx, r.printer, req.cfg, nil)
	msg, ok := notify.Render(req.cfg.StatusReport.Template, c)
	if !ok {
		return "", errors.New("status template cannot be rendered")
	}

	var media []string
	defer func() {
		for _, p := range media {
			_ = os.Remove(p)
		}
	}()
	if req.cfg.StatusReport.Snapshot && r.media != nil {
		capture := r.media.Snapshot
		if req.cfg.Snapshot.GIF {
			capture = r.media.GIF
		}
		if p, err := capture(ctx); err != nil {
			slog.Warn("receiver: status snapshot failed", "error", err)
		} else {
			media = append(media, p)
		}
	}
	r.reply(ctx, req, msg, media)
	return "", nil
}
