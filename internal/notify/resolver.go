// Package notify resolves message recipients and delivers outbound
// notifications without blocking the caller.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/coopco/octosignal/internal/config"
	"github.com/coopco/octosignal/internal/host"
	"github.com/coopco/octosignal/internal/signal"
)

const defaultProfile = "default"

// GroupResolutionError reports a failed group creation or lookup.
type GroupResolutionError struct {
	Name string
	Err  error
}

func (e *GroupResolutionError) Error() string {
	return fmt.Sprintf("resolve group %q: %v", e.Name, e.Err)
}

func (e *GroupResolutionError) Unwrap() error { return e.Err }

// Target is where a message goes. Group is nil for flat recipient sends.
type Target struct {
	Recipients []string
	Group      *config.GroupIdentity
}

// Resolver owns the identity of the active recipient group.
type Resolver struct {
	store   host.SettingsStore
	clients signal.Factory
	printer host.Printer
	now     func() time.Time

	flight singleflight.Group

	mu      sync.Mutex
	gen     uint64
	current *config.GroupIdentity
	mode    config.GroupMode
	profile string
}

func NewResolver(store host.SettingsStore, clients signal.Factory, printer host.Printer) *Resolver {
	return &Resolver{store: store, clients: clients, printer: printer, now: time.Now}
}

// Resolve returns the target for the next send, creating a group lazily
// when the group mode asks for one. Concurrent callers share a single
// creation.
func (r *Resolver) Resolve(ctx context.Context) (Target, error) {
	s := r.store.Get()
	switch s.GroupMode {
	case config.GroupPerJob:
		g, err := r.resolve(ctx, s, "")
		if err != nil {
			return Target{}, err
		}
		return Target{Recipients: []string{g.ExternalID}, Group: g}, nil
	case config.GroupPerDevice:
		profile := r.profileName(ctx)
		g, err := r.resolve(ctx, s, profile)
		if err != nil {
			return Target{}, err
		}
		return Target{Recipients: []string{g.ExternalID}, Group: g}, nil
	default:
		return Target{Recipients: append([]string(nil), s.Recipients...)}, nil
	}
}

func (r *Resolver) resolve(ctx context.Context, s config.Settings, profile string) (*config.GroupIdentity, error) {
	if g := r.cached(s.GroupMode, profile); g != nil {
		return g, nil
	}
	if s.GroupMode == config.GroupPerDevice {
		if g, ok := s.DeviceGroups[profile]; ok && g.ExternalID != "" {
			// Trusted until a send reports the group missing.
			r.mu.Lock()
			r.setLocked(s.GroupMode, profile, &g)
			r.mu.Unlock()
			return &g, nil
		}
	}

	r.mu.Lock()
	gen := r.gen
	r.mu.Unlock()
	key := string(s.GroupMode) + ":" + profile + ":" + strconv.FormatUint(gen, 10)

	v, err, _ := r.flight.Do(key, func() (any, error) {
		if g := r.cached(s.GroupMode, profile); g != nil {
			return g, nil
		}
		name := profile
		if s.GroupMode == config.GroupPerJob {
			name = "Job " + r.now().Format("2006-01-02 15:04:05")
		}
		g, err := r.create(ctx, r.clients(s.URL, s.Sender), name, s.Recipients)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		stale := r.gen != gen
		if !stale {
			r.setLocked(s.GroupMode, profile, g)
		}
		r.mu.Unlock()
		if stale {
			slog.Debug("notify: group created for a cleared identity", "group", g.ExternalID)
		} else if s.GroupMode == config.GroupPerDevice {
			r.persist(profile, *g)
		}
		slog.Info("notify: group created", "name", name, "group", g.ExternalID)
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*config.GroupIdentity), nil
}

// create makes a group and cross-references its internal id from the
// group listing: exactly one listed group must carry the new id.
func (r *Resolver) create(ctx context.Context, client signal.Client, name string, members []string) (*config.GroupIdentity, error) {
	if len(members) == 0 {
		return nil, &GroupResolutionError{Name: name, Err: config.ErrNoRecipients}
	}
	id, err := client.CreateGroup(ctx, name, members)
	if err != nil {
		return nil, &GroupResolutionError{Name: name, Err: err}
	}
	groups, err := client.ListGroups(ctx)
	if err != nil {
		return nil, &GroupResolutionError{Name: name, Err: err}
	}
	var match []signal.Group
	for _, g := range groups {
		if g.ID == id {
			match = append(match, g)
		}
	}
	if len(match) != 1 {
		return nil, &GroupResolutionError{
			Name: name,
			Err:  fmt.Errorf("expected one listed group with id %s, found %d", id, len(match)),
		}
	}
	return &config.GroupIdentity{ExternalID: id, InternalID: match[0].InternalID}, nil
}

func (r *Resolver) persist(profile string, g config.GroupIdentity) {
	r.store.Update(func(s *config.Settings) {
		if s.DeviceGroups == nil {
			s.DeviceGroups = map[string]config.GroupIdentity{}
		}
		s.DeviceGroups[profile] = g
	})
	if err := r.store.Save(); err != nil {
		slog.Error("notify: failed to persist device group", "profile", profile, "error", err)
	}
}

func (r *Resolver) cached(mode config.GroupMode, profile string) *config.GroupIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.mode != mode || r.profile != profile {
		return nil
	}
	g := *r.current
	return &g
}

func (r *Resolver) setLocked(mode config.GroupMode, profile string, g *config.GroupIdentity) {
	c := *g
	r.current = &c
	r.mode = mode
	r.profile = profile
}

// Current returns the group inbound group messages are matched against,
// or nil when there is none. For per-device mode a persisted identity is
// returned even before the first send.
func (r *Resolver) Current(ctx context.Context) *config.GroupIdentity {
	s := r.store.Get()
	switch s.GroupMode {
	case config.GroupPerJob:
		return r.cached(s.GroupMode, "")
	case config.GroupPerDevice:
		profile := r.profileName(ctx)
		if g := r.cached(s.GroupMode, profile); g != nil {
			return g
		}
		if g, ok := s.DeviceGroups[profile]; ok && g.ExternalID != "" {
			return &g
		}
	}
	return nil
}

// ClearJob drops the per-job group so the next send creates a fresh one.
func (r *Resolver) ClearJob() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	if r.mode == config.GroupPerJob {
		r.current = nil
	}
}

// Invalidate drops any cached identity after a configuration change.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.current = nil
}

// Discard drops the cached identity and every persisted device group, so
// the next send creates a group for the current connection settings.
func (r *Resolver) Discard() {
	r.Invalidate()

	removed := false
	r.store.Update(func(s *config.Settings) {
		removed = len(s.DeviceGroups) > 0
		s.DeviceGroups = map[string]config.GroupIdentity{}
	})
	if removed {
		if err := r.store.Save(); err != nil {
			slog.Error("notify: failed to persist device group removal", "error", err)
		}
	}
}

// Forget clears g from memory and from the persisted device groups after
// the backend reported it missing.
func (r *Resolver) Forget(g *config.GroupIdentity) {
	if g == nil {
		return
	}
	r.mu.Lock()
	if r.current != nil && r.current.ExternalID == g.ExternalID {
		r.current = nil
		r.gen++
	}
	r.mu.Unlock()

	removed := false
	r.store.Update(func(s *config.Settings) {
		for profile, dg := range s.DeviceGroups {
			if dg.ExternalID == g.ExternalID {
				delete(s.DeviceGroups, profile)
				removed = true
			}
		}
	})
	if removed {
		if err := r.store.Save(); err != nil {
			slog.Error("notify: failed to persist device group removal", "error", err)
		}
	}
}

func (r *Resolver) profileName(ctx context.Context) string {
	if r.printer == nil {
		return defaultProfile
	}
	st, err := safeState(ctx, r.printer)
	if err != nil || st.Profile == "" {
		return defaultProfile
	}
	return st.Profile
}
