package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/openfroyo/synth/pkg/synth"
	"github.com/spf13/cobra"
)

func newSynthCommand() *cobra.Command {
	var (
		outDir string
		format string
	)

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize stacks into templates",
		Long: `Synthesize every configured stack and write the assembly directory.

The assembly contains one template per stack and a manifest.json
describing the stacks, their outputs and any policy violations.
In enforcing policy mode, error and critical violations fail synthesis
and nothing is written.`,
		Example: `  # Synthesize using the CUE files in the current directory
  froyo-synth synth

  # Write YAML templates from a specific config
  froyo-synth synth -c ./stacks --format yaml --out ./build`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := synth.ParseFormat(format)
			if err != nil {
				return err
			}

			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			history, err := openHistory(s.ctx)
			if err != nil {
				return err
			}
			if history != nil {
				defer history.Close()
			}

			manifest, err := synthAndRecord(s, history, outDir, f)
			if err != nil {
				return err
			}
			return printManifest(cmd.OutOrStdout(), manifest, outDir)
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "synth.out", "assembly output directory")
	cmd.Flags().StringVar(&format, "format", "json", "template format (json, yaml)")

	return cmd
}

func printManifest(w io.Writer, m *synth.Manifest, outDir string) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	}

	fmt.Fprintf(w, "Assembly %s written to %s\n", m.ID, outDir)
	for _, st := range m.Stacks {
		fmt.Fprintf(w, "  %-22s %3d resources  %s\n", st.Name, st.Resources, st.Template)
		for _, v := range st.Violations {
			fmt.Fprintf(w, "    [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
		}
	}
	return nil
}
