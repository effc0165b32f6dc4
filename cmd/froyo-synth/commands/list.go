package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	var byType bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured stacks",
		Example: `  # List stacks with a per-type breakdown
  froyo-synth list --types`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			summaries := s.app.List()
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STACK\tRESOURCES\tOUTPUTS")
			for _, sum := range summaries {
				fmt.Fprintf(w, "%s\t%d\t%d\n", sum.Name, sum.Resources, sum.Outputs)
				if !byType {
					continue
				}
				types := make([]string, 0, len(sum.ByType))
				for t := range sum.ByType {
					types = append(types, t)
				}
				sort.Strings(types)
				for _, t := range types {
					fmt.Fprintf(w, "  %s\t%d\t\n", t, sum.ByType[t])
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&byType, "types", false, "break resources down by type")

	return cmd
}
