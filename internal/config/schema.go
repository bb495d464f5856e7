package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coopco/octosignal/internal/bus"
)

// Settings is the top-level configuration
type Settings struct {
	Enabled         bool       `json:"enabled"         yaml:"enabled"         env:"OCTOSIGNAL_ENABLED"`
	URL             string     `json:"url"             yaml:"url"             env:"OCTOSIGNAL_URL"`
	Sender          string     `json:"sender"          yaml:"sender"          env:"OCTOSIGNAL_SENDER"`
	Recipients      StringList `json:"recipients"      yaml:"recipients"      env:"OCTOSIGNAL_RECIPIENTS"`
	GroupMode       GroupMode  `json:"groupMode"       yaml:"groupMode"       env:"OCTOSIGNAL_GROUP_MODE"`
	TypingIndicator bool       `json:"typingIndicator" yaml:"typingIndicator" env:"OCTOSIGNAL_TYPING_INDICATOR"`
	Host            string     `json:"host"            yaml:"host"            env:"OCTOSIGNAL_HOST"`
	User            string     `json:"user"            yaml:"user"            env:"OCTOSIGNAL_USER"`
	LogLevel        string     `json:"logLevel"        yaml:"logLevel"        env:"OCTOSIGNAL_LOG_LEVEL"`

	Events       map[bus.EventType]Notification `json:"events"       yaml:"events"`
	Progress     ProgressSettings               `json:"progress"     yaml:"progress"`
	StatusReport StatusReportSettings           `json:"statusReport" yaml:"statusReport"`
	Snapshot     SnapshotSettings               `json:"snapshot"     yaml:"snapshot"`
	Receiver     ReceiverSettings               `json:"receiver"     yaml:"receiver"`
	OctoPrint    OctoPrintSettings              `json:"octoprint"    yaml:"octoprint"`
	API          APISettings                    `json:"api"          yaml:"api"`

	// DeviceGroups persists per-device group identities keyed by printer
	// profile name.
	DeviceGroups map[string]GroupIdentity `json:"deviceGroups" yaml:"deviceGroups"`
}

// GroupMode selects how recipients are grouped.
type GroupMode string

const (
	GroupNone      GroupMode = "none"
	GroupPerJob    GroupMode = "per_job"
	GroupPerDevice GroupMode = "per_device"
)

func (m GroupMode) Valid() bool {
	switch m {
	case GroupNone, GroupPerJob, GroupPerDevice:
		return true
	}
	return false
}

// GroupIdentity is a resolved chat group. ExternalID is used to send,
// InternalID to match inbound group messages.
type GroupIdentity struct {
	ExternalID string `json:"externalId" yaml:"externalId"`
	InternalID string `json:"internalId" yaml:"internalId"`
}

// Notification configures one event notification.
type Notification struct {
	Enabled  bool   `json:"enabled"  yaml:"enabled"`
	Template string `json:"template" yaml:"template"`
	Snapshot bool   `json:"snapshot" yaml:"snapshot"`
}

type ProgressSettings struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"OCTOSIGNAL_PROGRESS_ENABLED"`
	// Percentages is a comma separated whitelist, e.g. "25,50,75".
	Percentages string `json:"percentages" yaml:"percentages" env:"OCTOSIGNAL_PROGRESS_PERCENTAGES"`
	Template    string `json:"template"    yaml:"template"`
	Snapshot    bool   `json:"snapshot"    yaml:"snapshot"`
}

type StatusReportSettings struct {
	// Schedule is a cron expression ("@every 30m", "0 * * * *"); empty
	// disables scheduled reports.
	Schedule string `json:"schedule" yaml:"schedule" env:"OCTOSIGNAL_STATUS_SCHEDULE"`
	Template string `json:"template" yaml:"template"`
	Snapshot bool   `json:"snapshot" yaml:"snapshot"`
}

type SnapshotSettings struct {
	URL          string   `json:"url"          yaml:"url"          env:"OCTOSIGNAL_SNAPSHOT_URL"`
	StreamURL    string   `json:"streamUrl"    yaml:"streamUrl"    env:"OCTOSIGNAL_STREAM_URL"`
	FFmpegPath   string   `json:"ffmpegPath"   yaml:"ffmpegPath"   env:"OCTOSIGNAL_FFMPEG_PATH"`
	GIF          bool     `json:"gif"          yaml:"gif"`
	GIFDuration  Duration `json:"gifDuration"  yaml:"gifDuration"`
	GIFFramerate int      `json:"gifFramerate" yaml:"gifFramerate"`
	GIFWidth     int      `json:"gifWidth"     yaml:"gifWidth"`
	FlipH        bool     `json:"flipH"        yaml:"flipH"`
	FlipV        bool     `json:"flipV"        yaml:"flipV"`
	Rotate90     bool     `json:"rotate90"     yaml:"rotate90"`
	Timeout      Duration `json:"timeout"      yaml:"timeout"`
}

type ReceiverSettings struct {
	Enabled        bool       `json:"enabled"        yaml:"enabled"        env:"OCTOSIGNAL_RECEIVER_ENABLED"`
	PollTimeout    Duration   `json:"pollTimeout"    yaml:"pollTimeout"`
	RetryDelay     Duration   `json:"retryDelay"     yaml:"retryDelay"`
	IdleInterval   Duration   `json:"idleInterval"   yaml:"idleInterval"`
	AllowShell     bool       `json:"allowShell"     yaml:"allowShell"     env:"OCTOSIGNAL_ALLOW_SHELL"`
	ShellTimeout   Duration   `json:"shellTimeout"   yaml:"shellTimeout"`
	AllowedSenders StringList `json:"allowedSenders" yaml:"allowedSenders" env:"OCTOSIGNAL_ALLOWED_SENDERS"`
}

type OctoPrintSettings struct {
	URL         string `json:"url"         yaml:"url"         env:"OCTOSIGNAL_OCTOPRINT_URL"`
	APIKey      string `json:"apiKey"      yaml:"apiKey"      env:"OCTOSIGNAL_OCTOPRINT_APIKEY"`
	StopCommand string `json:"stopCommand" yaml:"stopCommand"`
}

type APISettings struct {
	Listen string `json:"listen" yaml:"listen" env:"OCTOSIGNAL_API_LISTEN"`
}

// Notification returns the notification settings for an event.
func (s Settings) Notification(t bus.EventType) (Notification, bool) {
	n, ok := s.Events[t]
	return n, ok
}

// ConnectionIdentity summarizes the fields that define which account and
// which recipients the bridge talks to. A change invalidates cached groups
// and the receiver session.
func (s Settings) ConnectionIdentity() string {
	return strings.Join([]string{
		s.URL,
		s.Sender,
		strings.Join(s.Recipients, ","),
		string(s.GroupMode),
	}, "|")
}

// Clone returns a deep copy of s.
func (s Settings) Clone() Settings {
	c := s
	c.Recipients = append(StringList(nil), s.Recipients...)
	c.Receiver.AllowedSenders = append(StringList(nil), s.Receiver.AllowedSenders...)
	c.Events = make(map[bus.EventType]Notification, len(s.Events))
	for k, v := range s.Events {
		c.Events[k] = v
	}
	c.DeviceGroups = make(map[string]GroupIdentity, len(s.DeviceGroups))
	for k, v := range s.DeviceGroups {
		c.DeviceGroups[k] = v
	}
	return c
}

// StringList is a []string that also accepts a comma separated string,
// so recipients can be written as "+4912,+4913" or as a list.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*l = cleanList(ss)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected list or comma separated string: %w", err)
	}
	return l.UnmarshalText([]byte(s))
}

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return l.UnmarshalText([]byte(node.Value))
	}
	var ss []string
	if err := node.Decode(&ss); err != nil {
		return err
	}
	*l = cleanList(ss)
	return nil
}

func (l *StringList) UnmarshalText(text []byte) error {
	*l = cleanList(strings.Split(string(text), ","))
	return nil
}

func (l StringList) String() string { return strings.Join(l, ",") }

func cleanList(in []string) StringList {
	out := make(StringList, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Duration is a time.Duration written as "5s", "1m30s" in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

const hostTag = "OctoPrint@{host}: "

// DefaultSettings returns Settings with sensible defaults applied.
func DefaultSettings() *Settings {
	return &Settings{
		URL:             "http://127.0.0.1:8080",
		GroupMode:       GroupPerJob,
		TypingIndicator: true,
		LogLevel:        "info",
		Events: map[bus.EventType]Notification{
			bus.PrintStarted:   {Enabled: true, Template: hostTag + "{filename}: Job started."},
			bus.PrintDone:      {Enabled: true, Template: hostTag + "{filename}: Job complete after {elapsed_time}."},
			bus.PrintFailed:    {Enabled: true, Template: hostTag + "{filename}: Job failed after {elapsed_time} ({reason})!"},
			bus.PrintCancelled: {Enabled: true, Template: hostTag + "{filename}: Job cancelled after {elapsed_time}."},
			bus.PrintPaused:    {Enabled: true, Template: hostTag + "{filename}: Job paused!"},
			bus.PrintResumed:   {Enabled: true, Template: hostTag + "{filename}: Job resumed."},
			bus.FilamentChange: {Enabled: true, Template: hostTag + "{filename}: Filament change required!"},
			bus.Connected:      {Enabled: false, Template: hostTag + "Printer connected."},
			bus.Disconnected:   {Enabled: false, Template: hostTag + "Printer disconnected."},
			bus.Startup:        {Enabled: false, Template: hostTag + "Signal bridge started."},
			bus.Shutdown:       {Enabled: false, Template: hostTag + "Signal bridge stopping."},
		},
		Progress: ProgressSettings{
			Percentages: "25,50,75",
			Template:    hostTag + "{filename}: {progress}% done after {elapsed_time}.",
		},
		StatusReport: StatusReportSettings{
			Template: hostTag + "{state}{new_line}{filename}: {progress}% after {elapsed_time}{new_line}" +
				"Tool: {tool_temp}{deg}C / {tool_target}{deg}C{new_line}" +
				"Bed: {bed_temp}{deg}C / {bed_target}{deg}C",
		},
		Snapshot: SnapshotSettings{
			URL:          "http://127.0.0.1/webcam/?action=snapshot",
			StreamURL:    "http://127.0.0.1/webcam/?action=stream",
			FFmpegPath:   "ffmpeg",
			GIFDuration:  Duration(5 * time.Second),
			GIFFramerate: 5,
			GIFWidth:     320,
			Timeout:      Duration(30 * time.Second),
		},
		Receiver: ReceiverSettings{
			Enabled:      true,
			PollTimeout:  Duration(10 * time.Second),
			RetryDelay:   Duration(5 * time.Second),
			IdleInterval: Duration(5 * time.Second),
			ShellTimeout: Duration(30 * time.Second),
		},
		OctoPrint: OctoPrintSettings{
			URL: "http://127.0.0.1:5000",
		},
		API: APISettings{
			Listen: "127.0.0.1:8099",
		},
		DeviceGroups: map[string]GroupIdentity{},
	}
}
