// octosignal relays OctoPrint events to Signal and lets operators control
// the printer from a Signal chat.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coopco/octosignal/cmd/octosignal/internal"
	"github.com/coopco/octosignal/cmd/octosignal/internal/initcmd"
	"github.com/coopco/octosignal/cmd/octosignal/internal/serve"
	"github.com/coopco/octosignal/cmd/octosignal/internal/testmessage"
	"github.com/coopco/octosignal/cmd/octosignal/internal/version"
)

func NewOctosignalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "octosignal",
		Short:         fmt.Sprintf("octosignal - OctoPrint notifications over Signal v%s", internal.GetVersion()),
		Example:       "octosignal serve --config ~/.octosignal/config.yaml",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringP("config", "c", "", "Settings file (default ~/.octosignal/config.json)")

	cmd.AddCommand(
		initcmd.NewInitCommand(),
		serve.NewServeCommand(),
		testmessage.NewTestMessageCommand(),
		version.NewVersionCommand(),
	)
	return cmd
}

func main() {
	cmd := NewOctosignalCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
