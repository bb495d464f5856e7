package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/coopco/octosignal/internal/bus"
	"github.com/coopco/octosignal/internal/tags"
)

// ErrConfiguration classifies every settings problem.
var ErrConfiguration = errors.New("configuration error")

var (
	ErrNoURL        = fmt.Errorf("%w: REST API URL needs to be set", ErrConfiguration)
	ErrNoSender     = fmt.Errorf("%w: sender number needs to be set", ErrConfiguration)
	ErrNoRecipients = fmt.Errorf("%w: please provide at least one recipient", ErrConfiguration)
)

// ValidationError reports an invalid settings field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid setting %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrConfiguration }

// CheckConnection verifies the fields needed to reach the messaging
// backend. It runs before every send.
func CheckConnection(url, sender string, recipients []string) error {
	if strings.TrimSpace(url) == "" {
		return ErrNoURL
	}
	if strings.TrimSpace(sender) == "" {
		return ErrNoSender
	}
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	return nil
}

// CheckConnection verifies the connection fields of s.
func (s Settings) CheckConnection() error {
	return CheckConnection(s.URL, s.Sender, s.Recipients)
}

// Validate checks the settings once at load time. Connection fields are
// not required here: an unconfigured bridge is valid, it just won't send.
func (s Settings) Validate() error {
	var errs []error
	if !s.GroupMode.Valid() {
		errs = append(errs, &ValidationError{Field: "groupMode", Reason: fmt.Sprintf("unknown mode %q", s.GroupMode)})
	}

	keys := make([]string, 0, len(s.Events))
	for k := range s.Events {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		n := s.Events[bus.EventType(k)]
		if err := tags.Validate(n.Template); err != nil {
			errs = append(errs, &ValidationError{Field: "events." + k + ".template", Reason: err.Error()})
		}
	}
	if err := tags.Validate(s.Progress.Template); err != nil {
		errs = append(errs, &ValidationError{Field: "progress.template", Reason: err.Error()})
	}
	if _, err := ParsePercentages(s.Progress.Percentages); err != nil {
		errs = append(errs, &ValidationError{Field: "progress.percentages", Reason: err.Error()})
	}
	if err := tags.Validate(s.StatusReport.Template); err != nil {
		errs = append(errs, &ValidationError{Field: "statusReport.template", Reason: err.Error()})
	}
	if s.StatusReport.Schedule != "" {
		if _, err := cron.ParseStandard(s.StatusReport.Schedule); err != nil {
			errs = append(errs, &ValidationError{Field: "statusReport.schedule", Reason: err.Error()})
		}
	}
	if s.Snapshot.GIF && s.Snapshot.GIFFramerate <= 0 {
		errs = append(errs, &ValidationError{Field: "snapshot.gifFramerate", Reason: "must be positive"})
	}
	return errors.Join(errs...)
}

// ParsePercentages parses a comma separated list of progress percentages.
// Duplicates are removed; the result is sorted.
func ParsePercentages(s string) ([]int, error) {
	seen := make(map[int]bool)
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", part)
		}
		if n < 1 || n > 100 {
			return nil, fmt.Errorf("%d is out of range 1..100", n)
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out, nil
}
