package commands

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/openfroyo/synth/pkg/synth"
	"github.com/spf13/cobra"
)

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":  version,
				"commit":   commit,
				"built":    buildDate,
				"go":       runtime.Version(),
				"assembly": synth.AssemblyVersion,
			}
			if jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "froyo-synth %s (commit: %s, built: %s, %s)\n",
				version, commit, buildDate, runtime.Version())
			return nil
		},
	}
}
