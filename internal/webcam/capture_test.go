package webcam

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coopco/octosignal/internal/config"
)

func static(cfg config.SnapshotSettings) func() config.SnapshotSettings {
	return func() config.SnapshotSettings { return cfg }
}

func TestSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := New(static(config.SnapshotSettings{URL: srv.URL})).WithDir(dir)

	path, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Dir(path) != dir || filepath.Ext(path) != ".png" {
		t.Errorf("unexpected path %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Errorf("got %q", data)
	}
}

func TestCaptureFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no cam", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		cfg    func(dir string) config.SnapshotSettings
		gif    bool
		wantOp string
	}{
		{
			name:   "snapshot http error",
			cfg:    func(string) config.SnapshotSettings { return config.SnapshotSettings{URL: srv.URL} },
			wantOp: "snapshot",
		},
		{
			name:   "snapshot without url",
			cfg:    func(string) config.SnapshotSettings { return config.SnapshotSettings{} },
			wantOp: "snapshot",
		},
		{
			name: "gif without ffmpeg",
			cfg: func(dir string) config.SnapshotSettings {
				return config.SnapshotSettings{
					StreamURL:   "http://127.0.0.1:1/stream",
					FFmpegPath:  filepath.Join(dir, "no-such-ffmpeg"),
					GIFDuration: config.Duration(time.Second),
					Timeout:     config.Duration(time.Second),
				}
			},
			gif:    true,
			wantOp: "gif",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			c := New(static(tc.cfg(dir))).WithDir(dir)

			var err error
			if tc.gif {
				_, err = c.GIF(context.Background())
			} else {
				_, err = c.Snapshot(context.Background())
			}
			var capErr *CaptureError
			if !errors.As(err, &capErr) {
				t.Fatalf("expected CaptureError, got %v", err)
			}
			if capErr.Op != tc.wantOp {
				t.Errorf("op = %q, want %q", capErr.Op, tc.wantOp)
			}
			if entries, _ := os.ReadDir(dir); len(entries) != 0 {
				t.Errorf("files left behind: %v", entries)
			}
		})
	}
}

func TestGIFArgs(t *testing.T) {
	args := GIFArgs(config.SnapshotSettings{
		StreamURL:    "http://cam/stream",
		GIFDuration:  config.Duration(3 * time.Second),
		GIFFramerate: 10,
		GIFWidth:     480,
		FlipH:        true,
		Rotate90:     true,
	}, "/tmp/out.gif")

	joined := strings.Join(args, " ")
	for _, want := range []string{"-t 3 -i http://cam/stream", "-vf fps=10,scale=480:-1:flags=lanczos,hflip,transpose=2"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
	if strings.Contains(joined, "vflip") {
		t.Errorf("unexpected vflip in %q", joined)
	}
	if args[len(args)-1] != "/tmp/out.gif" {
		t.Errorf("output path must come last: %v", args)
	}
}
