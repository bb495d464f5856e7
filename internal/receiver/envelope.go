package receiver

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrMalformedEnvelope is returned for inbound frames that are not JSON
// objects carrying an envelope.
var ErrMalformedEnvelope = errors.New("receiver: malformed envelope")

// envelope is the part of an inbound message the receiver acts on. Text is
// empty for receipts, typing notices and other non-message envelopes.
type envelope struct {
	Source  string
	Text    string
	GroupID string
}

func parseEnvelope(raw []byte) (envelope, error) {
	if !gjson.ValidBytes(raw) {
		return envelope{}, ErrMalformedEnvelope
	}
	doc := gjson.ParseBytes(raw)
	env := doc.Get("envelope")
	if !env.Exists() {
		// JSON-RPC notifications wrap the envelope in params.
		env = doc.Get("params.envelope")
	}
	if !env.IsObject() {
		return envelope{}, ErrMalformedEnvelope
	}

	source := env.Get("sourceNumber").String()
	if source == "" {
		source = env.Get("source").String()
	}
	data := env.Get("dataMessage")
	return envelope{
		Source:  source,
		Text:    strings.TrimSpace(data.Get("message").String()),
		GroupID: data.Get("groupInfo.groupId").String(),
	}, nil
}
