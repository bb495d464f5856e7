// Package octoprint adapts an OctoPrint server to the host capabilities the
// bridge consumes: printer control over the REST API and lifecycle events
// from the push socket.
package octoprint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/coopco/octosignal/internal/host"
)

// APIError is a non-2xx answer from OctoPrint.
type APIError struct {
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("octoprint: %s: status %d: %s", e.Path, e.Status, e.Message)
}

// Client implements host.Printer over the OctoPrint REST API.
type Client struct {
	baseURL     string
	apiKey      string
	stopCommand string
	http        *http.Client
	dialer      *websocket.Dialer
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithStopCommand sets the shell command run for the stop-server action,
// which OctoPrint has no endpoint for.
func WithStopCommand(cmd string) Option {
	return func(c *Client) { c.stopCommand = cmd }
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		dialer:  websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) State(ctx context.Context) (host.PrinterState, error) {
	var st host.PrinterState
	body, err := c.do(ctx, http.MethodGet, "/api/printer", nil)
	switch {
	case isStatus(err, http.StatusConflict):
		// Not operational: no state or temperatures to report.
		st.Text = "Offline"
	case err != nil:
		return st, err
	default:
		doc := gjson.ParseBytes(body)
		st.Text = doc.Get("state.text").String()
		st.Printing = doc.Get("state.flags.printing").Bool()
		st.Paused = doc.Get("state.flags.paused").Bool()
		st.Tool = temperature(doc.Get("temperature.tool0"))
		st.Bed = temperature(doc.Get("temperature.bed"))
		st.Chamber = temperature(doc.Get("temperature.chamber"))
	}

	profile, err := c.profile(ctx)
	if err != nil {
		return st, err
	}
	st.Profile = profile
	return st, nil
}

func temperature(r gjson.Result) *host.Temperature {
	if !r.IsObject() {
		return nil
	}
	return &host.Temperature{Actual: r.Get("actual").Float(), Target: r.Get("target").Float()}
}

// profile returns the name of the current printer profile.
func (c *Client) profile(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/printerprofiles", nil)
	if err != nil {
		return "", err
	}
	var name string
	gjson.GetBytes(body, "profiles").ForEach(func(_, p gjson.Result) bool {
		if p.Get("current").Bool() {
			name = p.Get("name").String()
			return false
		}
		return true
	})
	return name, nil
}

func (c *Client) Job(ctx context.Context) (host.JobStatus, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/job", nil)
	if err != nil {
		return host.JobStatus{}, err
	}
	doc := gjson.ParseBytes(body)
	file := doc.Get("job.file.name").String()
	return host.JobStatus{
		Active:   file != "",
		File:     file,
		Progress: doc.Get("progress.completion").Float(),
		Elapsed:  time.Duration(doc.Get("progress.printTime").Float() * float64(time.Second)),
	}, nil
}

func (c *Client) Pause(ctx context.Context) error {
	return c.post(ctx, "/api/job", map[string]any{"command": "pause", "action": "pause"})
}

func (c *Client) Resume(ctx context.Context) error {
	return c.post(ctx, "/api/job", map[string]any{"command": "pause", "action": "resume"})
}

func (c *Client) Cancel(ctx context.Context) error {
	return c.post(ctx, "/api/job", map[string]any{"command": "cancel"})
}

func (c *Client) Connect(ctx context.Context) error {
	return c.post(ctx, "/api/connection", map[string]any{"command": "connect"})
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.post(ctx, "/api/connection", map[string]any{"command": "disconnect"})
}

func (c *Client) SetTemperature(ctx context.Context, heater host.Heater, tool int, celsius float64) error {
	switch heater {
	case host.HeaterTool:
		return c.post(ctx, "/api/printer/tool", map[string]any{
			"command": "target",
			"targets": map[string]any{fmt.Sprintf("tool%d", tool): celsius},
		})
	case host.HeaterBed, host.HeaterChamber:
		return c.post(ctx, "/api/printer/"+string(heater), map[string]any{"command": "target", "target": celsius})
	}
	return fmt.Errorf("octoprint: unknown heater %q: %w", heater, host.ErrUnsupported)
}

func (c *Client) Command(ctx context.Context, lines ...string) error {
	return c.post(ctx, "/api/printer/command", map[string]any{"commands": lines})
}

func (c *Client) System(ctx context.Context, action host.SystemAction) error {
	if action == host.ActionStopServer {
		if c.stopCommand == "" {
			return fmt.Errorf("octoprint: no stop command configured: %w", host.ErrUnsupported)
		}
		out, err := exec.CommandContext(ctx, "sh", "-c", c.stopCommand).CombinedOutput()
		if err != nil {
			return fmt.Errorf("octoprint: stop command: %s: %w", strings.TrimSpace(string(out)), err)
		}
		return nil
	}
	return c.post(ctx, "/api/system/commands/core/"+string(action), nil)
}

func (c *Client) post(ctx context.Context, path string, fields map[string]any) error {
	var body []byte
	for k, v := range fields {
		var err error
		if body, err = sjson.SetBytes(body, k, v); err != nil {
			return fmt.Errorf("octoprint: %s: %w", path, err)
		}
	}
	if body == nil {
		body = []byte("{}")
	}
	_, err := c.do(ctx, http.MethodPost, path, body)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("octoprint: %s: %w", path, err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("octoprint: %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("octoprint: %s: read response: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		msg := gjson.GetBytes(data, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return nil, &APIError{Path: path, Status: resp.StatusCode, Message: msg}
	}
	return data, nil
}

func isStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
