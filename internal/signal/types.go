// Package signal is a client for the signal-cli REST API gateway.
package signal

import (
	"context"
	"encoding/json"
	"time"
)

// Mode is the gateway's transport mode as reported by /v1/about.
type Mode string

const (
	ModeNormal  Mode = "normal"
	ModeNative  Mode = "native"
	ModeJSONRPC Mode = "json-rpc"
)

// Streaming reports whether inbound messages arrive over a websocket
// instead of the polling endpoint.
func (m Mode) Streaming() bool { return m == ModeJSONRPC }

// Message is an outbound message. Attachments are local file paths.
type Message struct {
	Text        string
	Recipients  []string
	Attachments []string
}

// Group is one entry of the group listing. ID is the id used to send to
// the group, InternalID the id carried by inbound group messages.
type Group struct {
	ID         string   `json:"id"`
	InternalID string   `json:"internal_id"`
	Name       string   `json:"name"`
	Members    []string `json:"members"`
}

// Stream delivers raw inbound envelopes, one per call.
type Stream interface {
	Next() ([]byte, error)
	Close() error
}

// Client is the messaging capability the bridge consumes.
type Client interface {
	Mode(ctx context.Context) (Mode, error)
	Send(ctx context.Context, msg Message) error
	CreateGroup(ctx context.Context, name string, members []string) (string, error)
	ListGroups(ctx context.Context) ([]Group, error)
	Receive(ctx context.Context, timeout time.Duration) ([]json.RawMessage, error)
	Stream(ctx context.Context) (Stream, error)
	StartTyping(ctx context.Context, recipient string) error
	StopTyping(ctx context.Context, recipient string) error
}

// Factory builds a Client for a gateway URL and sender account.
type Factory func(url, sender string) Client
