package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coopco/octosignal/internal/bus"
	"github.com/coopco/octosignal/internal/config"
	"github.com/coopco/octosignal/internal/host"
	"github.com/coopco/octosignal/internal/host/hosttest"
	"github.com/coopco/octosignal/internal/signal"
	"github.com/coopco/octosignal/internal/signal/signaltest"
)

func newStore(t *testing.T, mode config.GroupMode) *config.Store {
	t.Helper()
	s := config.DefaultSettings()
	s.Enabled = true
	s.URL = "http://signal"
	s.Sender = "+4900000"
	s.Recipients = config.StringList{"+1", "+2"}
	s.GroupMode = mode
	s.TypingIndicator = false
	return config.NewStore(filepath.Join(t.TempDir(), "config.json"), s)
}

func TestResolveNoneUsesRecipients(t *testing.T) {
	client := signaltest.New()
	r := NewResolver(newStore(t, config.GroupNone), client.Factory(), nil)

	target, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(target.Recipients, []string{"+1", "+2"}) || target.Group != nil {
		t.Errorf("got %+v", target)
	}
	if n := client.CreateCount(); n != 0 {
		t.Errorf("created %d groups, want 0", n)
	}
	if g := r.Current(context.Background()); g != nil {
		t.Errorf("current = %+v, want nil", g)
	}
}

func TestResolvePerJobCachesUntilCleared(t *testing.T) {
	client := signaltest.New()
	r := NewResolver(newStore(t, config.GroupPerJob), client.Factory(), nil)
	r.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	first, err := r.Resolve(ctx)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := r.Resolve(ctx)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}

	if n := client.CreateCount(); n != 1 {
		t.Fatalf("created %d groups, want 1", n)
	}
	if *first.Group != *second.Group {
		t.Errorf("cached group changed: %+v vs %+v", first.Group, second.Group)
	}
	if !slices.Equal(first.Recipients, []string{first.Group.ExternalID}) {
		t.Errorf("recipients = %v", first.Recipients)
	}
	if first.Group.InternalID != "internal-1" {
		t.Errorf("internal id = %q", first.Group.InternalID)
	}
	if name := client.Groups[0].Name; name != "Job 2024-05-01 12:00:00" {
		t.Errorf("group name = %q", name)
	}
	if members := client.Groups[0].Members; !slices.Equal(members, []string{"+1", "+2"}) {
		t.Errorf("members = %v", members)
	}

	r.ClearJob()
	if g := r.Current(ctx); g != nil {
		t.Errorf("current after ClearJob = %+v", g)
	}
	third, err := r.Resolve(ctx)
	if err != nil {
		t.Fatalf("third resolve: %v", err)
	}
	if n := client.CreateCount(); n != 2 {
		t.Errorf("created %d groups, want 2", n)
	}
	if third.Group.ExternalID == first.Group.ExternalID {
		t.Error("a cleared job must get a fresh group")
	}
}

func TestResolvePerJobConcurrentCreatesOnce(t *testing.T) {
	client := signaltest.New()
	r := NewResolver(newStore(t, config.GroupPerJob), client.Factory(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(context.Background()); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := client.CreateCount(); n != 1 {
		t.Errorf("created %d groups, want 1", n)
	}
}

func TestResolveFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *signaltest.Client)
	}{
		{"create fails", func(c *signaltest.Client) { c.CreateErr = errors.New("boom") }},
		{"list fails", func(c *signaltest.Client) { c.ListErr = errors.New("boom") }},
		{"listing mismatch", func(c *signaltest.Client) {
			// A duplicate id in the listing makes the reconciliation ambiguous.
			c.Groups = []signal.Group{{ID: "group.1", InternalID: "a"}}
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := signaltest.New()
			client.Set(tc.setup)
			r := NewResolver(newStore(t, config.GroupPerJob), client.Factory(), nil)

			_, err := r.Resolve(context.Background())
			var gre *GroupResolutionError
			if !errors.As(err, &gre) {
				t.Fatalf("expected GroupResolutionError, got %v", err)
			}
			if g := r.Current(context.Background()); g != nil {
				t.Errorf("identity must stay unset, got %+v", g)
			}
		})
	}
}

func TestResolvePerDevicePersists(t *testing.T) {
	client := signaltest.New()
	store := newStore(t, config.GroupPerDevice)
	printer := &hosttest.Printer{StateValue: host.PrinterState{Profile: "Prusa MK3"}}
	r := NewResolver(store, client.Factory(), printer)
	ctx := context.Background()

	target, err := r.Resolve(ctx)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if name := client.Groups[0].Name; name != "Prusa MK3" {
		t.Errorf("group name = %q", name)
	}
	if got := store.Get().DeviceGroups["Prusa MK3"]; got != *target.Group {
		t.Errorf("persisted %+v, want %+v", got, *target.Group)
	}

	// A fresh resolver (process restart) trusts the persisted id.
	reopened, err := config.OpenStore(store.Path())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	r2 := NewResolver(reopened, client.Factory(), printer)
	if g := r2.Current(ctx); g == nil || *g != *target.Group {
		t.Errorf("current after reopen = %+v", g)
	}
	again, err := r2.Resolve(ctx)
	if err != nil {
		t.Fatalf("resolve after reopen: %v", err)
	}
	if *again.Group != *target.Group {
		t.Errorf("got %+v, want %+v", again.Group, target.Group)
	}
	if n := client.CreateCount(); n != 1 {
		t.Errorf("created %d groups, want 1", n)
	}
}

func TestForgetClearsPersistedIdentity(t *testing.T) {
	client := signaltest.New()
	store := newStore(t, config.GroupPerDevice)
	r := NewResolver(store, client.Factory(), nil)

	target, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := store.Get().DeviceGroups[defaultProfile]; !ok {
		t.Fatal("device group not persisted")
	}

	r.Forget(target.Group)
	if g := r.Current(context.Background()); g != nil {
		t.Errorf("current = %+v, want nil", g)
	}
	if _, ok := store.Get().DeviceGroups[defaultProfile]; ok {
		t.Error("device group still persisted")
	}
}

func TestInvalidate(t *testing.T) {
	client := signaltest.New()
	r := NewResolver(newStore(t, config.GroupPerJob), client.Factory(), nil)
	if _, err := r.Resolve(context.Background()); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	r.Invalidate()
	if g := r.Current(context.Background()); g != nil {
		t.Errorf("current = %+v, want nil", g)
	}
}

func TestDiscardDropsPersistedDeviceGroups(t *testing.T) {
	client := signaltest.New()
	store := newStore(t, config.GroupPerDevice)
	store.Update(func(s *config.Settings) {
		s.DeviceGroups[defaultProfile] = config.GroupIdentity{ExternalID: "group.old", InternalID: "old"}
	})
	if err := store.Save(); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(store, client.Factory(), nil)
	ctx := context.Background()

	r.Discard()
	if g := r.Current(ctx); g != nil {
		t.Errorf("current = %+v, want nil", g)
	}
	reopened, err := config.OpenStore(store.Path())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if groups := reopened.Get().DeviceGroups; len(groups) != 0 {
		t.Errorf("device groups still on disk: %+v", groups)
	}

	target, err := r.Resolve(ctx)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if target.Group.ExternalID == "group.old" {
		t.Error("discarded group reused")
	}
	if n := client.CreateCount(); n != 1 {
		t.Errorf("created %d groups, want 1", n)
	}
}

// invalidatingClient invalidates the resolver while a group is being
// created, as a concurrent reload would.
type invalidatingClient struct {
	*signaltest.Client
	resolver *Resolver
}

func (c *invalidatingClient) CreateGroup(ctx context.Context, name string, members []string) (string, error) {
	c.resolver.Invalidate()
	return c.Client.CreateGroup(ctx, name, members)
}

func TestStaleDeviceGroupIsNotPersisted(t *testing.T) {
	fake := signaltest.New()
	store := newStore(t, config.GroupPerDevice)
	client := &invalidatingClient{Client: fake}
	r := NewResolver(store, func(string, string) signal.Client { return client }, nil)
	client.resolver = r

	if _, err := r.Resolve(context.Background()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if groups := store.Get().DeviceGroups; len(groups) != 0 {
		t.Errorf("stale group persisted: %+v", groups)
	}
	if g := r.Current(context.Background()); g != nil {
		t.Errorf("stale group cached: %+v", g)
	}
}

func waitSends(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("sends did not finish: %v", err)
	}
}

func TestDispatcherSendsToGroup(t *testing.T) {
	client := signaltest.New()
	store := newStore(t, config.GroupPerJob)
	store.Update(func(s *config.Settings) { s.TypingIndicator = true })
	r := NewResolver(store, client.Factory(), nil)
	d := NewDispatcher(store, client.Factory(), r, nil)

	d.Send("hello", Options{})
	d.Send("world", Options{})
	waitSends(t, d)

	msgs := client.Messages()
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(msgs))
	}
	var texts []string
	for _, m := range msgs {
		if !slices.Equal(m.Recipients, []string{"group.1"}) {
			t.Errorf("recipients = %v", m.Recipients)
		}
		texts = append(texts, m.Text)
	}
	slices.Sort(texts)
	if !slices.Equal(texts, []string{"hello", "world"}) {
		t.Errorf("texts = %v", texts)
	}
	if n := client.CreateCount(); n != 1 {
		t.Errorf("created %d groups, want 1", n)
	}
	for _, want := range []string{"+group.1", "-group.1"} {
		if !slices.Contains(client.Typing, want) {
			t.Errorf("typing calls %v missing %s", client.Typing, want)
		}
	}
}

func TestDispatcherGroupNotFoundRetriesOnce(t *testing.T) {
	client := signaltest.New()
	store := newStore(t, config.GroupPerDevice)
	r := NewResolver(store, client.Factory(), nil)
	d := NewDispatcher(store, client.Factory(), r, nil)

	notFound := &signal.APIError{Op: "send", Status: 400, Message: "Group not found"}
	stillDown := errors.New("still down")
	client.Set(func(c *signaltest.Client) {
		c.SendErrs = []error{notFound, stillDown}
	})

	err := d.SendSync(context.Background(), "hi", Options{})
	if !errors.Is(err, stillDown) || !errors.Is(err, signal.ErrGroupNotFound) {
		t.Errorf("error must carry both failures, got %v", err)
	}

	msgs := client.Messages()
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want exactly one retry", len(msgs))
	}
	if !slices.Equal(msgs[0].Recipients, []string{"group.1"}) {
		t.Errorf("first send to %v", msgs[0].Recipients)
	}
	if !slices.Equal(msgs[1].Recipients, []string{"+1", "+2"}) {
		t.Errorf("retry to %v", msgs[1].Recipients)
	}
	if g := r.Current(context.Background()); g != nil {
		t.Errorf("current = %+v, want nil", g)
	}
	if groups := store.Get().DeviceGroups; len(groups) != 0 {
		t.Errorf("device groups = %+v, want none", groups)
	}
}

func TestDispatcherOtherErrorsDoNotRetry(t *testing.T) {
	client := signaltest.New()
	store := newStore(t, config.GroupPerJob)
	d := NewDispatcher(store, client.Factory(), NewResolver(store, client.Factory(), nil), nil)
	client.Set(func(c *signaltest.Client) { c.SendErrs = []error{errors.New("timeout")} })

	if err := d.SendSync(context.Background(), "hi", Options{}); err == nil {
		t.Error("expected error")
	}
	if n := len(client.Messages()); n != 1 {
		t.Errorf("sent %d messages, want 1", n)
	}
}

func TestDispatcherFallsBackWhenGroupCreationFails(t *testing.T) {
	client := signaltest.New()
	client.CreateErr = errors.New("cannot create")
	store := newStore(t, config.GroupPerJob)
	d := NewDispatcher(store, client.Factory(), NewResolver(store, client.Factory(), nil), nil)

	if err := d.SendSync(context.Background(), "hi", Options{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := client.Messages()
	if len(msgs) != 1 || !slices.Equal(msgs[0].Recipients, []string{"+1", "+2"}) {
		t.Errorf("got %+v", msgs)
	}
}

func TestDispatcherConfigurationError(t *testing.T) {
	client := signaltest.New()
	store := newStore(t, config.GroupNone)
	store.Update(func(s *config.Settings) { s.Sender = "" })
	d := NewDispatcher(store, client.Factory(), NewResolver(store, client.Factory(), nil), nil)

	if err := d.SendSync(context.Background(), "hi", Options{}); !errors.Is(err, config.ErrNoSender) {
		t.Errorf("got %v, want ErrNoSender", err)
	}
	if n := len(client.Messages()); n != 0 {
		t.Errorf("sent %d messages, want 0", n)
	}
}

func TestDispatcherAttachesAndRemovesMedia(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.jpg")
	if err := os.WriteFile(path, []byte("img"), 0o644); err != nil {
		t.Fatal(err)
	}

	client := signaltest.New()
	store := newStore(t, config.GroupNone)
	media := &hosttest.Snapshotter{Path: path}
	d := NewDispatcher(store, client.Factory(), NewResolver(store, client.Factory(), nil), media)

	client.Set(func(c *signaltest.Client) { c.SendErrs = []error{errors.New("fail")} })
	if err := d.SendSync(context.Background(), "hi", Options{Snapshot: true, GIF: true}); err == nil {
		t.Error("expected send error")
	}

	msgs := client.Messages()
	if len(msgs) != 1 || !slices.Equal(msgs[0].Attachments, []string{path}) {
		t.Fatalf("got %+v", msgs)
	}
	if !slices.Equal(media.Calls, []string{"gif"}) {
		t.Errorf("capture calls = %v", media.Calls)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("media must be removed even when the send fails")
	}
}

func TestDispatcherCaptureFailureDegradesToText(t *testing.T) {
	client := signaltest.New()
	store := newStore(t, config.GroupNone)
	media := &hosttest.Snapshotter{Err: errors.New("no cam")}
	d := NewDispatcher(store, client.Factory(), NewResolver(store, client.Factory(), nil), media)

	if err := d.SendSync(context.Background(), "hi", Options{Snapshot: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := client.Messages()
	if len(msgs) != 1 || len(msgs[0].Attachments) != 0 {
		t.Errorf("got %+v", msgs)
	}
}

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&syncWriter{w: &buf}, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func TestDispatcherLogsOncePerSend(t *testing.T) {
	tests := []struct {
		name      string
		sendErrs  []error
		wantLevel string
	}{
		{"failed send", []error{errors.New("down")}, "level=ERROR"},
		{"degraded send", nil, "level=WARN"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			logs := captureLogs(t)
			client := signaltest.New()
			client.CreateErr = errors.New("cannot create")
			client.SendErrs = tc.sendErrs
			store := newStore(t, config.GroupPerJob)
			media := &hosttest.Snapshotter{Err: errors.New("no cam")}
			d := NewDispatcher(store, client.Factory(), NewResolver(store, client.Factory(), nil), media)

			d.Send("hi", Options{Snapshot: true})
			waitSends(t, d)

			var visible []string
			for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
				if strings.Contains(line, "level=WARN") || strings.Contains(line, "level=ERROR") {
					visible = append(visible, line)
				}
			}
			if len(visible) != 1 || !strings.Contains(visible[0], tc.wantLevel) {
				t.Errorf("want one %s entry, got %q", tc.wantLevel, visible)
			}
		})
	}
}

func TestBuildTags(t *testing.T) {
	printer := &hosttest.Printer{
		StateValue: host.PrinterState{
			Text: "Printing",
			Tool: &host.Temperature{Actual: 210, Target: 215},
			Bed:  &host.Temperature{Actual: 60, Target: 60},
		},
		JobValue: host.JobStatus{Active: true, File: "polled.gcode", Progress: 41.6, Elapsed: 90 * time.Second},
	}
	s := config.Settings{Host: "octopi", User: "pi"}

	c := BuildTags(context.Background(), printer, s, &bus.Payload{Name: "event.gcode"})
	want := map[string]string{
		"filename":     "event.gcode", // payload wins over polled values
		"progress":     "42",
		"elapsed_time": "0:01:30",
		"state":        "Printing",
		"tool_target":  "215.0",
		"chamber_temp": "*",
		"host":         "octopi",
	}
	for k, v := range want {
		if c[k] != v {
			t.Errorf("%s = %q, want %q", k, c[k], v)
		}
	}

	if msg, ok := Render("{filename} {bogus}", c); ok || msg != "" {
		t.Errorf("Render with unknown tag = %q, %v", msg, ok)
	}
}
