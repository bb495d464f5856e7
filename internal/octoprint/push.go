package octoprint

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/coopco/octosignal/internal/bus"
)

// DefaultRetryDelay is the pause between push socket reconnects.
const DefaultRetryDelay = 5 * time.Second

// Publisher accepts host events.
type Publisher interface {
	Publish(ev bus.Event) error
}

// events forwarded from the push socket, by OctoPrint event name.
var forwarded = map[string]bus.EventType{
	"PrintStarted":   bus.PrintStarted,
	"PrintDone":      bus.PrintDone,
	"PrintFailed":    bus.PrintFailed,
	"PrintCancelled": bus.PrintCancelled,
	"PrintPaused":    bus.PrintPaused,
	"PrintResumed":   bus.PrintResumed,
	"FilamentChange": bus.FilamentChange,
	"Connected":      bus.Connected,
	"Disconnected":   bus.Disconnected,
}

// PushClient listens on OctoPrint's push socket and publishes lifecycle and
// progress events. It reconnects until its context ends.
type PushClient struct {
	client     *Client
	events     Publisher
	RetryDelay time.Duration

	// last whole percentage seen for the current job, -1 when unknown
	last int
}

// Push returns a PushClient sharing c's server and credentials.
func (c *Client) Push(events Publisher) *PushClient {
	return &PushClient{client: c, events: events, RetryDelay: DefaultRetryDelay, last: -1}
}

// Run keeps a push session open until ctx ends.
func (p *PushClient) Run(ctx context.Context) {
	for ctx.Err() == nil {
		err := p.session(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("octoprint: push socket failed, reconnecting", "error", err, "retry_in", p.RetryDelay)
		t := time.NewTimer(p.RetryDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (p *PushClient) session(ctx context.Context) error {
	auth, err := p.login(ctx)
	if err != nil {
		return err
	}
	u, err := socketURL(p.client.baseURL)
	if err != nil {
		return err
	}
	conn, _, err := p.client.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("octoprint: dial push socket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteJSON(map[string]string{"auth": auth}); err != nil {
		return fmt.Errorf("octoprint: authenticate push socket: %w", err)
	}
	slog.Info("octoprint: push socket connected", "url", u)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("octoprint: read push socket: %w", err)
		}
		p.handleFrame(data)
	}
}

// login performs a passive login and returns the socket auth token.
func (p *PushClient) login(ctx context.Context) (string, error) {
	body, err := p.client.do(ctx, http.MethodPost, "/api/login", []byte(`{"passive":true}`))
	if err != nil {
		return "", err
	}
	name := gjson.GetBytes(body, "name").String()
	session := gjson.GetBytes(body, "session").String()
	if name == "" || session == "" {
		return "", fmt.Errorf("octoprint: login response carries no session")
	}
	return name + ":" + session, nil
}

func socketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("octoprint: invalid url %q: %w", base, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/sockjs/websocket"
	return u.String(), nil
}

// handleFrame publishes the events carried by one push message.
func (p *PushClient) handleFrame(data []byte) {
	doc := gjson.ParseBytes(data)
	if ev := doc.Get("event"); ev.Exists() {
		p.handleEvent(ev)
	}
	if cur := doc.Get("current"); cur.Exists() {
		p.handleCurrent(cur)
	}
}

func (p *PushClient) handleEvent(ev gjson.Result) {
	t, ok := forwarded[ev.Get("type").String()]
	if !ok {
		return
	}
	payload := ev.Get("payload")
	pl := bus.Payload{
		Name:   payload.Get("name").String(),
		Time:   payload.Get("time").Float(),
		Reason: payload.Get("reason").String(),
	}
	switch t {
	case bus.PrintStarted:
		p.last = 0
	case bus.PrintDone, bus.PrintFailed, bus.PrintCancelled:
		p.last = -1
	}
	p.publish(bus.NewEvent(t, pl))
}

// handleCurrent derives progress events from the periodic state update.
// Every whole percentage passed since the last update is published once.
func (p *PushClient) handleCurrent(cur gjson.Result) {
	completion := cur.Get("progress.completion")
	if completion.Type != gjson.Number || !cur.Get("state.flags.printing").Bool() {
		return
	}
	percent := int(math.Floor(completion.Float()))
	if p.last < 0 {
		p.last = percent
		return
	}
	name := cur.Get("job.file.name").String()
	for v := p.last + 1; v <= percent && v <= 100; v++ {
		p.publish(bus.NewEvent(bus.PrintProgress, bus.Payload{Name: name, Progress: v}))
	}
	if percent > p.last {
		p.last = percent
	}
}

func (p *PushClient) publish(ev bus.Event) {
	if err := p.events.Publish(ev); err != nil {
		slog.Warn("octoprint: event not published", "event", ev.String(), "error", err)
	}
}
