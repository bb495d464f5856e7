// Package webcam captures still snapshots and short animated GIFs from the
// printer webcam into temporary files.
package webcam

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coopco/octosignal/internal/config"
)

const maxOutputLen = 2000

// CaptureError wraps any failure to produce media.
type CaptureError struct {
	Op  string
	Err error
}

func (e *CaptureError) Error() string { return "webcam: " + e.Op + ": " + e.Err.Error() }
func (e *CaptureError) Unwrap() error { return e.Err }

// Capturer implements host.Snapshotter. Settings are read on every capture
// so configuration changes apply immediately.
type Capturer struct {
	settings func() config.SnapshotSettings
	http     *http.Client
	dir      string
}

func New(settings func() config.SnapshotSettings) *Capturer {
	return &Capturer{settings: settings, http: &http.Client{}, dir: os.TempDir()}
}

// WithDir sets the directory temporary files are written to.
func (c *Capturer) WithDir(dir string) *Capturer {
	c.dir = dir
	return c
}

// Snapshot downloads a still image from the snapshot URL.
func (c *Capturer) Snapshot(ctx context.Context) (string, error) {
	cfg := c.settings()
	if cfg.URL == "" {
		return "", &CaptureError{Op: "snapshot", Err: fmt.Errorf("no snapshot url configured")}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout(cfg.Timeout.Std()))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return "", &CaptureError{Op: "snapshot", Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", &CaptureError{Op: "snapshot", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &CaptureError{Op: "snapshot", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	path := c.tempPath(extFor(resp.Header.Get("Content-Type")))
	f, err := os.Create(path)
	if err != nil {
		return "", &CaptureError{Op: "snapshot", Err: err}
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(path)
		return "", &CaptureError{Op: "snapshot", Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", &CaptureError{Op: "snapshot", Err: err}
	}
	return path, nil
}

// GIF records the stream URL for the configured duration with ffmpeg.
func (c *Capturer) GIF(ctx context.Context) (string, error) {
	cfg := c.settings()
	if cfg.StreamURL == "" {
		return "", &CaptureError{Op: "gif", Err: fmt.Errorf("no stream url configured")}
	}
	bin := cfg.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	path := c.tempPath(".gif")
	args := GIFArgs(cfg, path)

	ctx, cancel := context.WithTimeout(ctx, cfg.GIFDuration.Std()+timeout(cfg.Timeout.Std()))
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	slog.Debug("webcam: recording gif", "bin", bin, "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		os.Remove(path)
		output := buf.String()
		if len(output) > maxOutputLen {
			output = output[len(output)-maxOutputLen:]
		}
		return "", &CaptureError{Op: "gif", Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(output))}
	}
	return path, nil
}

// GIFArgs builds the ffmpeg argument list for an animated capture.
func GIFArgs(cfg config.SnapshotSettings, out string) []string {
	fps := cfg.GIFFramerate
	if fps <= 0 {
		fps = 5
	}
	width := cfg.GIFWidth
	if width <= 0 {
		width = 320
	}
	filters := []string{
		"fps=" + strconv.Itoa(fps),
		"scale=" + strconv.Itoa(width) + ":-1:flags=lanczos",
	}
	if cfg.FlipH {
		filters = append(filters, "hflip")
	}
	if cfg.FlipV {
		filters = append(filters, "vflip")
	}
	if cfg.Rotate90 {
		filters = append(filters, "transpose=2")
	}
	dur := cfg.GIFDuration.Std()
	if dur <= 0 {
		dur = 5 * time.Second
	}
	return []string{
		"-y", "-loglevel", "error",
		"-t", strconv.FormatFloat(dur.Seconds(), 'f', -1, 64),
		"-i", cfg.StreamURL,
		"-vf", strings.Join(filters, ","),
		"-f", "gif", out,
	}
}

func (c *Capturer) tempPath(ext string) string {
	return filepath.Join(c.dir, "octosignal-"+uuid.NewString()+ext)
}

func extFor(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/png"):
		return ".png"
	case strings.HasPrefix(contentType, "image/gif"):
		return ".gif"
	default:
		return ".jpg"
	}
}

func timeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}
