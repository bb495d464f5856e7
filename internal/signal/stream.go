package signal

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Stream opens the json-rpc receive websocket. The stream closes itself
// when ctx ends, unblocking a pending Next.
func (c *RESTClient) Stream(ctx context.Context) (Stream, error) {
	u, err := streamURL(c.baseURL, c.sender)
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signal: open stream: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("signal: open stream: %w", err)
	}
	s := &wsStream{conn: conn, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// streamURL derives ws(s)://host/v1/receive/<number> from the REST URL.
func streamURL(base, sender string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("signal: invalid url %q: %w", base, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/receive/" + sender
	u.RawPath = ""
	return u.String(), nil
}

type wsStream struct {
	conn *websocket.Conn
	once sync.Once
	done chan struct{}
}

func (s *wsStream) Next() ([]byte, error) {
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("signal: stream: %w", err)
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline())
		err = s.conn.Close()
	})
	return err
}

func deadline() time.Time { return time.Now().Add(time.Second) }
