package commands

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/synth/pkg/config"
	"github.com/openfroyo/synth/pkg/engine"
	"github.com/openfroyo/synth/pkg/policy"
	"github.com/openfroyo/synth/pkg/synth"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	var policies, show bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate CUE configuration files",
		Long: `Validate CUE configuration files against the built-in schemas.

This command checks:
  - CUE syntax validity
  - Schema conformance
  - Struct constraints (account, ARNs, URLs)
  - With --policies, synthesizes in memory and runs policy checks`,
		Example: `  # Validate configs in current directory
  froyo-synth validate

  # Validate and run policy checks
  froyo-synth validate -c ./stacks --policies

  # Print the resolved configuration, Starlark sections included
  froyo-synth validate -c ./stacks --show`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			tel, err := newTelemetry(cmd)
			if err != nil {
				return err
			}
			defer tel.Shutdown(cmd.Context())
			ctx := tel.WithContext(cmd.Context())

			parser := config.NewCUEParser()
			parsed, err := parser.Parse(ctx, configPaths)
			if err != nil {
				return err
			}

			if jsonOutput && !policies {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(parsed); err != nil {
					return err
				}
				return parsed.Err()
			}

			if len(parsed.Errors) > 0 {
				for _, e := range parsed.Errors {
					fmt.Fprintln(out, e.String())
				}
				return parsed.Err()
			}
			fmt.Fprintf(out, "Configuration valid (%d file(s))\n", len(parsed.SourceFiles))
			if show {
				resolved, err := parser.ExportJSON(&parsed.Config)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(resolved))
			}

			if !policies {
				return nil
			}

			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			// Advisory here; blocking violations only set the exit status.
			eng := s.app.PolicyEngine()
			if eng == nil {
				if eng, err = policy.NewEngine(s.tel.Logger.Zerolog()); err != nil {
					return err
				}
			}
			app, err := synth.FromConfig(s.ctx, s.cfg,
				synth.WithLogger(s.tel.Logger.Zerolog()),
				synth.WithPolicyEngine(eng, false))
			if err != nil {
				return err
			}
			res, err := app.Synthesize(s.ctx)
			if err != nil {
				return err
			}

			var blocking int
			for _, tmpl := range res.Templates {
				pres := res.Policy[tmpl.Stack]
				for _, v := range pres.Violations {
					fmt.Fprintf(out, "[%s] %s/%s %s: %s\n", v.Severity, v.Stack, v.Resource, v.Policy, v.Message)
				}
				blocking += len(pres.Blocking())
			}
			if blocking > 0 {
				return engine.NewSynthesisError(fmt.Sprintf("%d blocking policy violation(s)", blocking), nil).
					WithCode(engine.ErrCodePolicyViolation)
			}
			fmt.Fprintln(out, "Policy checks passed")
			return nil
		},
	}

	cmd.Flags().BoolVar(&policies, "policies", false, "synthesize and run policy checks")
	cmd.Flags().BoolVar(&show, "show", false, "print the resolved configuration as JSON")

	return cmd
}
