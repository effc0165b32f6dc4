package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newGraphCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph [stack]",
		Short: "Print stack dependency graphs in DOT format",
		Long: `Print the resource dependency graph of one stack, or of every stack,
in Graphviz DOT format. Edges point from a resource to the resources
it depends on.`,
		Example: `  # Render the gateway stack
  froyo-synth graph api-gateway | dot -Tsvg > gateway.svg`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) > 0 {
				name = args[0]
			}

			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			dots, err := s.app.DOT(name)
			if err != nil {
				return err
			}

			names := make([]string, 0, len(dots))
			for n := range dots {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, n := range names {
				fmt.Fprint(cmd.OutOrStdout(), dots[n])
			}
			return nil
		},
	}

	return cmd
}
