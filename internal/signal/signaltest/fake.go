// Package signaltest provides an in-memory signal.Client for tests.
package signaltest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coopco/octosignal/internal/signal"
)

// Client is a scriptable, concurrency safe fake of signal.Client.
type Client struct {
	mu sync.Mutex

	ModeValue signal.Mode
	ModeErr   error

	Sent      []signal.Message
	SendErrs  []error // consumed one per Send call
	Groups    []signal.Group
	CreateErr error
	ListErr   error
	Creates   int
	nextGroup int

	// Inbox feeds Receive (one batch per call) and Stream frames.
	Inbox      chan []json.RawMessage
	ReceiveErr error
	Receives   int
	StreamErr  error
	Streams    int

	Typing []string // "+"/"-" prefixed recipients

	// OnSend, when set, is invoked for every Send after recording it.
	OnSend func(signal.Message)
}

func New() *Client {
	return &Client{ModeValue: signal.ModeNormal, Inbox: make(chan []json.RawMessage, 16)}
}

// Factory returns a signal.Factory always yielding c.
func (c *Client) Factory() signal.Factory {
	return func(string, string) signal.Client { return c }
}

func (c *Client) Mode(context.Context) (signal.Mode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ModeValue, c.ModeErr
}

func (c *Client) Send(_ context.Context, msg signal.Message) error {
	c.mu.Lock()
	msg.Recipients = append([]string(nil), msg.Recipients...)
	msg.Attachments = append([]string(nil), msg.Attachments...)
	c.Sent = append(c.Sent, msg)
	var err error
	if len(c.SendErrs) > 0 {
		err = c.SendErrs[0]
		c.SendErrs = c.SendErrs[1:]
	}
	hook := c.OnSend
	c.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return err
}

func (c *Client) CreateGroup(_ context.Context, name string, members []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Creates++
	if c.CreateErr != nil {
		return "", c.CreateErr
	}
	c.nextGroup++
	id := fmt.Sprintf("group.%d", c.nextGroup)
	c.Groups = append(c.Groups, signal.Group{
		ID:         id,
		InternalID: fmt.Sprintf("internal-%d", c.nextGroup),
		Name:       name,
		Members:    append([]string(nil), members...),
	})
	return id, nil
}

func (c *Client) ListGroups(context.Context) ([]signal.Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	return append([]signal.Group(nil), c.Groups...), nil
}

func (c *Client) Receive(ctx context.Context, timeout time.Duration) ([]json.RawMessage, error) {
	c.mu.Lock()
	c.Receives++
	err := c.ReceiveErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case batch := <-c.Inbox:
		return batch, nil
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) Stream(ctx context.Context) (signal.Stream, error) {
	c.mu.Lock()
	c.Streams++
	err := c.StreamErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s := &stream{inbox: c.Inbox, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

func (c *Client) StartTyping(_ context.Context, r string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Typing = append(c.Typing, "+"+r)
	return nil
}

func (c *Client) StopTyping(_ context.Context, r string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Typing = append(c.Typing, "-"+r)
	return nil
}

// Messages returns a copy of all sent messages.
func (c *Client) Messages() []signal.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]signal.Message(nil), c.Sent...)
}

// CreateCount returns the number of CreateGroup calls.
func (c *Client) CreateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Creates
}

// Set runs fn under the fake's lock to adjust its script.
func (c *Client) Set(fn func(c *Client)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

type stream struct {
	inbox chan []json.RawMessage
	once  sync.Once
	done  chan struct{}
	queue []json.RawMessage
}

var errClosed = errors.New("signaltest: stream closed")

func (s *stream) Next() ([]byte, error) {
	for len(s.queue) == 0 {
		select {
		case batch := <-s.inbox:
			s.queue = append(s.queue, batch...)
		case <-s.done:
			return nil, errClosed
		}
	}
	frame := s.queue[0]
	s.queue = s.queue[1:]
	return frame, nil
}

func (s *stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Envelope builds a raw inbound envelope. An empty groupID yields a direct
// message.
func Envelope(source, text, groupID string) json.RawMessage {
	data := map[string]any{"message": text}
	if groupID != "" {
		data["groupInfo"] = map[string]any{"groupId": groupID}
	}
	raw, _ := json.Marshal(map[string]any{
		"envelope": map[string]any{"source": source, "dataMessage": data},
	})
	return raw
}
