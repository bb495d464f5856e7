package testmessage

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coopco/octosignal/cmd/octosignal/internal"
	"github.com/coopco/octosignal/internal/bridge"
	"github.com/coopco/octosignal/internal/config"
	"github.com/coopco/octosignal/internal/signal"
	"github.com/coopco/octosignal/internal/webcam"
)

// clients is replaced in tests.
var clients signal.Factory = signal.NewClient

func NewTestMessageCommand() *cobra.Command {
	var (
		url        string
		sender     string
		recipients []string
		snapshot   bool
	)

	cmd := &cobra.Command{
		Use:     "test-message",
		Aliases: []string{"test"},
		Short:   "Send a test message",
		Long:    "Send a test message. Unset flags fall back to the settings file; the settings file is never modified.",
		Example: "octosignal test-message --url http://127.0.0.1:8080 --sender +4912345 --recipients +4967890",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := internal.ConfigPath(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.LoadFromFile(path)
			if err != nil {
				return err
			}
			req := bridge.TestRequest{
				URL:            cfg.URL,
				Sender:         cfg.Sender,
				Recipients:     cfg.Recipients,
				AttachSnapshot: snapshot,
			}
			if cmd.Flags().Changed("url") {
				req.URL = url
			}
			if cmd.Flags().Changed("sender") {
				req.Sender = sender
			}
			if cmd.Flags().Changed("recipients") {
				req.Recipients = config.StringList(recipients)
			}

			store := config.NewStore("", cfg)
			cam := webcam.New(func() config.SnapshotSettings { return cfg.Snapshot })
			res := bridge.New(store, clients, nil, cam).TestMessage(cmd.Context(), req)
			if !res.Success {
				return errors.New(res.Message)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "signal-cli REST API URL")
	cmd.Flags().StringVar(&sender, "sender", "", "Sender number")
	cmd.Flags().StringSliceVar(&recipients, "recipients", nil, "Recipient numbers (comma separated)")
	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "Attach a webcam snapshot")

	return cmd
}
