package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coopco/octosignal/internal/bus"
)

const maxRequestBody = 1 << 20

// Handler serves the bridge's HTTP API:
//
//	POST /api/testMessage  send a test message with the given settings
//	POST /api/event        inject a host event, e.g. {"event":"PrintDone"}
//	GET  /api/status       receiver state
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/testMessage", b.handleTestMessage)
	mux.HandleFunc("POST /api/event", b.handleEvent)
	mux.HandleFunc("GET /api/status", b.handleStatus)
	return mux
}

func (b *Bridge) handleTestMessage(w http.ResponseWriter, r *http.Request) {
	var req TestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, TestResult{Message: "invalid request: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, b.TestMessage(r.Context(), req))
}

type eventRequest struct {
	Event    bus.EventType `json:"event"`
	Name     string        `json:"name"`
	Time     float64       `json:"time"`
	Reason   string        `json:"reason"`
	Progress int           `json:"progress"`
}

func (b *Bridge) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	switch req.Event {
	case bus.Startup, bus.Shutdown:
		http.Error(w, fmt.Sprintf("event %s cannot be injected", req.Event), http.StatusBadRequest)
		return
	case bus.PrintProgress:
	default:
		if _, ok := b.store.Get().Events[req.Event]; !ok {
			http.Error(w, fmt.Sprintf("unknown event %q", req.Event), http.StatusBadRequest)
			return
		}
	}
	ev := bus.NewEvent(req.Event, bus.Payload{Name: req.Name, Time: req.Time, Reason: req.Reason, Progress: req.Progress})
	if err := b.events.Publish(ev); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (b *Bridge) handleStatus(w http.ResponseWriter, r *http.Request) {
	s := b.store.Get()
	status := map[string]any{
		"enabled":   s.Enabled,
		"groupMode": s.GroupMode,
		"receiver":  b.receiver.State().String(),
	}
	if g := b.resolver.Current(r.Context()); g != nil {
		status["group"] = g.ExternalID
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("bridge: cannot write response", "error", err)
	}
}

// serveAPI serves Handler on addr until ctx ends.
func (b *Bridge) serveAPI(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge: api listen: %w", err)
	}
	srv := &http.Server{Handler: b.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	slog.Info("bridge: api listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("bridge: api: %w", err)
	}
	return nil
}
