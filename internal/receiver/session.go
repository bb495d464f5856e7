package receiver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coopco/octosignal/internal/config"
	"github.com/coopco/octosignal/internal/signal"
)

// session is one connection to the gateway. It lives until a transport
// error, a restart or shutdown.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	client signal.Client
	mode   signal.Mode
	stream signal.Stream
	groups []signal.Group
}

func (r *Receiver) connect(ctx context.Context, s config.Settings) (*session, error) {
	sctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancelSess = cancel
	r.mu.Unlock()

	sess := &session{ctx: sctx, cancel: cancel, client: r.clients(s.URL, s.Sender)}
	mode, err := sess.client.Mode(sctx)
	if err != nil {
		sess.close()
		return nil, fmt.Errorf("detect mode: %w", err)
	}
	sess.mode = mode
	if mode.Streaming() {
		st, err := sess.client.Stream(sctx)
		if err != nil {
			sess.close()
			return nil, fmt.Errorf("open stream: %w", err)
		}
		sess.stream = st
	}
	slog.Info("receiver: connected", "url", s.URL, "mode", mode)
	return sess, nil
}

func (s *session) close() {
	if s == nil {
		return
	}
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
	s.cancel()
}

// listen waits for the next batch of envelopes and handles them in order.
func (r *Receiver) listen(ctx context.Context, sess *session, s config.Settings) error {
	if sess.stream != nil {
		frame, err := sess.stream.Next()
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		r.process(ctx, sess, frame)
		return nil
	}

	batch, err := sess.client.Receive(sess.ctx, s.Receiver.PollTimeout.Std())
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	for _, raw := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.process(ctx, sess, raw)
	}
	return nil
}

// groupInternalID returns the internal id of the group with externalID,
// refreshing the cached listing once when it is unknown.
func (sess *session) groupInternalID(ctx context.Context, externalID string) string {
	for refreshed := false; ; refreshed = true {
		for _, g := range sess.groups {
			if g.ID == externalID {
				return g.InternalID
			}
		}
		if refreshed {
			return ""
		}
		groups, err := sess.client.ListGroups(ctx)
		if err != nil {
			slog.Warn("receiver: cannot list groups", "error", err)
			return ""
		}
		sess.groups = groups
	}
}
