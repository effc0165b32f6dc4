package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/synth/pkg/stores"
	"github.com/openfroyo/synth/pkg/synth"
	"github.com/spf13/cobra"
)

// openHistory opens and migrates the history database, or returns nil when
// no path is set.
func openHistory(ctx context.Context) (*stores.SQLiteStore, error) {
	if historyPath == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(historyPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: historyPath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// assemblyRecord converts the outcome of one synth run into a history entry.
// A failed run has no manifest and gets a fresh ID.
func assemblyRecord(m *synth.Manifest, outDir string, started time.Time, synthErr error) *stores.Assembly {
	a := &stores.Assembly{
		Version:   synth.AssemblyVersion,
		Status:    stores.AssemblyStatusSucceeded,
		Sources:   configPaths,
		OutDir:    outDir,
		Duration:  time.Since(started),
		CreatedAt: started,
	}
	if synthErr != nil || m == nil {
		a.ID = uuid.NewString()
		a.Status = stores.AssemblyStatusFailed
		if synthErr != nil {
			msg := synthErr.Error()
			a.Error = &msg
		}
		return a
	}

	a.ID = m.ID
	a.Version = m.Version
	for _, st := range m.Stacks {
		a.Stacks = append(a.Stacks, &stores.StackRecord{
			Name:      st.Name,
			Template:  st.Template,
			Resources: st.Resources,
			Outputs:   st.Outputs,
		})
		for _, v := range st.Violations {
			a.Violations = append(a.Violations, &stores.ViolationRecord{
				Stack:    st.Name,
				Resource: v.Resource,
				Policy:   v.Policy,
				Severity: string(v.Severity),
				Message:  v.Message,
			})
		}
	}
	return a
}

// synthAndRecord runs one synthesis and records it when a history store is set.
func synthAndRecord(s *session, store *stores.SQLiteStore, outDir string, format synth.Format) (*synth.Manifest, error) {
	started := time.Now()
	m, err := s.app.Synth(s.ctx, outDir, format)
	if store != nil {
		if recErr := store.RecordAssembly(s.ctx, assemblyRecord(m, outDir, started, err)); recErr != nil {
			s.tel.Logger.WithError(recErr).Warn("failed to record assembly")
		}
		if historyKeep > 0 {
			if _, pruneErr := store.PruneAssemblies(s.ctx, historyKeep); pruneErr != nil {
				s.tel.Logger.WithError(pruneErr).Warn("failed to prune history")
			}
		}
	}
	return m, err
}

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [assembly-id]",
		Short: "Show recorded synthesis runs",
		Long: `Show synthesis runs recorded with --history. Without arguments the most
recent runs are listed; with an assembly ID its stacks and policy
violations are shown.`,
		Example: `  # List the last 10 runs
  froyo-synth history --history .froyo/history.db

  # Show one run
  froyo-synth history --history .froyo/history.db 6f1c...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if historyPath == "" {
				return fmt.Errorf("--history is required")
			}
			store, err := openHistory(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")

			if len(args) == 1 {
				a, err := store.GetAssembly(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return enc.Encode(a)
				}
				fmt.Fprintf(out, "Assembly %s (%s) at %s in %s\n", a.ID, a.Status, a.CreatedAt.Format(time.RFC3339), a.Duration)
				if a.Error != nil {
					fmt.Fprintf(out, "  error: %s\n", *a.Error)
				}
				for _, st := range a.Stacks {
					fmt.Fprintf(out, "  %-22s %3d resources  %s\n", st.Name, st.Resources, st.Template)
				}
				for _, v := range a.Violations {
					fmt.Fprintf(out, "  [%s] %s/%s %s: %s\n", v.Severity, v.Stack, v.Resource, v.Policy, v.Message)
				}
				return nil
			}

			assemblies, err := store.ListAssemblies(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return enc.Encode(assemblies)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tDURATION")
			for _, a := range assemblies {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, a.Status, a.CreatedAt.Format(time.RFC3339), a.Duration)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to list")

	return cmd
}
