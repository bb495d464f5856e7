package signal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RESTClient implements Client over HTTP. Requests carry no client side
// timeout: callers bound them with their context.
type RESTClient struct {
	baseURL string
	sender  string
	http    *http.Client
	dialer  *websocket.Dialer
}

// New returns a RESTClient for the gateway at baseURL sending as sender.
func New(baseURL, sender string) *RESTClient {
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		sender:  sender,
		http:    &http.Client{},
		dialer:  websocket.DefaultDialer,
	}
}

// NewClient is the default Factory.
func NewClient(baseURL, sender string) Client {
	return New(baseURL, sender)
}

func (c *RESTClient) accountPath(prefix string) string {
	return c.baseURL + prefix + "/" + url.PathEscape(c.sender)
}

func (c *RESTClient) Mode(ctx context.Context) (Mode, error) {
	body, err := c.do(ctx, "about", http.MethodGet, c.baseURL+"/v1/about", nil)
	if err != nil {
		return "", err
	}
	mode := gjson.GetBytes(body, "mode").String()
	if mode == "" {
		return ModeNormal, nil
	}
	return Mode(mode), nil
}

func (c *RESTClient) Send(ctx context.Context, msg Message) error {
	body, err := sjson.SetBytes(nil, "message", msg.Text)
	if err != nil {
		return err
	}
	if body, err = sjson.SetBytes(body, "number", c.sender); err != nil {
		return err
	}
	if body, err = sjson.SetBytes(body, "recipients", msg.Recipients); err != nil {
		return err
	}
	if len(msg.Attachments) > 0 {
		encoded := make([]string, 0, len(msg.Attachments))
		for _, path := range msg.Attachments {
			a, err := encodeAttachment(path)
			if err != nil {
				return fmt.Errorf("signal: send: %w", err)
			}
			encoded = append(encoded, a)
		}
		if body, err = sjson.SetBytes(body, "base64_attachments", encoded); err != nil {
			return err
		}
	}
	_, err = c.do(ctx, "send", http.MethodPost, c.baseURL+"/v2/send", body)
	return err
}

func (c *RESTClient) CreateGroup(ctx context.Context, name string, members []string) (string, error) {
	body, err := sjson.SetBytes(nil, "name", name)
	if err != nil {
		return "", err
	}
	if body, err = sjson.SetBytes(body, "members", members); err != nil {
		return "", err
	}
	if body, err = sjson.SetBytes(body, "group_link", "disabled"); err != nil {
		return "", err
	}
	if body, err = sjson.SetBytes(body, "permissions.add_members", "only-admins"); err != nil {
		return "", err
	}
	if body, err = sjson.SetBytes(body, "permissions.edit_group", "only-admins"); err != nil {
		return "", err
	}

	resp, err := c.do(ctx, "create group", http.MethodPost, c.accountPath("/v1/groups"), body)
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(resp, "id").String()
	if id == "" {
		return "", fmt.Errorf("signal: create group: response carries no id")
	}
	return id, nil
}

func (c *RESTClient) ListGroups(ctx context.Context) ([]Group, error) {
	resp, err := c.do(ctx, "list groups", http.MethodGet, c.accountPath("/v1/groups"), nil)
	if err != nil {
		return nil, err
	}
	var groups []Group
	if err := json.Unmarshal(resp, &groups); err != nil {
		return nil, fmt.Errorf("signal: list groups: %w", err)
	}
	return groups, nil
}

func (c *RESTClient) Receive(ctx context.Context, timeout time.Duration) ([]json.RawMessage, error) {
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	u := c.accountPath("/v1/receive") + "?timeout=" + strconv.Itoa(secs)
	resp, err := c.do(ctx, "receive", http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(resp)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("signal: receive: expected array, got %.64q", resp)
	}
	var out []json.RawMessage
	parsed.ForEach(func(_, v gjson.Result) bool {
		out = append(out, json.RawMessage(v.Raw))
		return true
	})
	return out, nil
}

func (c *RESTClient) StartTyping(ctx context.Context, recipient string) error {
	return c.typing(ctx, http.MethodPut, recipient)
}

func (c *RESTClient) StopTyping(ctx context.Context, recipient string) error {
	return c.typing(ctx, http.MethodDelete, recipient)
}

func (c *RESTClient) typing(ctx context.Context, method, recipient string) error {
	body, err := sjson.SetBytes(nil, "recipient", recipient)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, "typing indicator", method, c.accountPath("/v1/typing-indicator"), body)
	return err
}

func (c *RESTClient) do(ctx context.Context, op, method, u string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("signal: %s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signal: %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("signal: %s: read response: %w", op, err)
	}
	if resp.StatusCode >= 300 {
		msg := gjson.GetBytes(data, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return nil, &APIError{Op: op, Status: resp.StatusCode, Message: msg}
	}
	return data, nil
}

// encodeAttachment renders a file as the gateway's data URI form:
// data:<mime>;filename=<name>;base64,<data>
func encodeAttachment(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read attachment: %w", err)
	}
	name := filepath.Base(path)
	ct := mime.TypeByExtension(filepath.Ext(name))
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return "data:" + ct + ";filename=" + name + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
