package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coopco/octosignal/cmd/octosignal/internal"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Aliases: []string{"v"},
		Short:   "Show version information",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			build, goVer := internal.FormatBuildInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "octosignal %s\n", internal.FormatVersion())
			if build != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  Build: %s\n", build)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  Go: %s\n", goVer)
		},
	}
}
