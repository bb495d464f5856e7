package serve

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coopco/octosignal/cmd/octosignal/internal"
	"github.com/coopco/octosignal/internal/bridge"
	"github.com/coopco/octosignal/internal/config"
	"github.com/coopco/octosignal/internal/octoprint"
	"github.com/coopco/octosignal/internal/signal"
	"github.com/coopco/octosignal/internal/webcam"
)

// requestTimeout bounds a single OctoPrint REST call.
const requestTimeout = 10 * time.Second

func NewServeCommand() *cobra.Command {
	var debug bool
	var logFormat string

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s"},
		Short:   "Run the bridge",
		Long: "Run the bridge until interrupted. SIGHUP reloads the settings file; " +
			"changes to the OctoPrint connection or the API address need a restart.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := internal.ConfigPath(cmd)
			if err != nil {
				return err
			}
			return serveCmd(cmd.Context(), path, logFormat, debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	return cmd
}

func serveCmd(ctx context.Context, path, logFormat string, debug bool) error {
	store, err := config.OpenStore(path)
	if err != nil {
		return err
	}
	s := store.Get()
	if err := internal.SetupLogging(os.Stderr, s.LogLevel, logFormat, debug); err != nil {
		return err
	}
	ctx, stop := ossignal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := octoprint.New(s.OctoPrint.URL, s.OctoPrint.APIKey,
		octoprint.WithHTTPClient(&http.Client{Timeout: requestTimeout}),
		octoprint.WithStopCommand(s.OctoPrint.StopCommand),
	)
	cam := webcam.New(func() config.SnapshotSettings { return store.Get().Snapshot })
	b := bridge.New(store, signal.NewClient, printer, cam)

	go reloadOnHangup(ctx, path, b)

	slog.Info("octosignal: starting", "version", internal.FormatVersion(), "config", path, "enabled", s.Enabled)
	return b.Run(ctx, printer.Push(b.Events()))
}

func reloadOnHangup(ctx context.Context, path string, b *bridge.Bridge) {
	hup := make(chan os.Signal, 1)
	ossignal.Notify(hup, syscall.SIGHUP)
	defer ossignal.Stop(hup)
	for {
		select {
		case <-hup:
			cfg, err := config.LoadFromFile(path)
			if err == nil {
				err = b.Reload(cfg)
			}
			if err != nil {
				slog.Error("octosignal: reload failed, keeping current settings", "error", err)
				continue
			}
			slog.Info("octosignal: settings reloaded", "config", path)
		case <-ctx.Done():
			return
		}
	}
}
