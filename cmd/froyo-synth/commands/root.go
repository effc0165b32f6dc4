package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPaths   []string
	verbose       bool
	jsonOutput    bool
	traceExporter string
	otlpEndpoint  string
	metricsAddr   string
	historyPath   string
	historyKeep   int

	buildVersion string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "froyo-synth",
		Short: "froyo-synth - declarative stack composer",
		Long: `froyo-synth composes cloud infrastructure stacks from a CUE configuration
and synthesizes them into deployable templates.

Stacks:
  - karpenter: node autoscaler installed into an existing cluster
  - multi-arch-pipeline: multi-architecture image build and release
  - api-gateway: REST API in front of a function and a web fleet

Every synthesized resource is checked against OPA/rego policies.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "config", "c", []string{"."}, "CUE or Starlark config files, or directories")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&traceExporter, "trace", "none", "trace exporter (none, stdout, otlp)")
	rootCmd.PersistentFlags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC collector endpoint")
	rootCmd.PersistentFlags().StringVar(&historyPath, "history", "", "SQLite database recording synthesis runs")
	rootCmd.PersistentFlags().IntVar(&historyKeep, "history-keep", 0, "number of recorded runs to keep (0 keeps all)")

	rootCmd.AddCommand(newSynthCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
