package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/openfroyo/synth/pkg/policy"
	"github.com/openfroyo/synth/pkg/synth"
	"github.com/spf13/cobra"
)

// watchedExtensions are the file types whose changes trigger a re-synth.
var watchedExtensions = map[string]bool{
	".cue":  true,
	".star": true,
	".rego": true,
	".json": true,
}

func newWatchCommand() *cobra.Command {
	var (
		outDir   string
		format   string
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-synthesize whenever the configuration changes",
		Long: `Synthesize once, then watch the configuration and policy paths and
synthesize again on every change. Failed runs are logged and the
previous assembly is left in place.

While watching, Prometheus metrics are served on --metrics-addr and
custom policies are reloaded when their files change.`,
		Example: `  # Watch the stacks directory and expose metrics on :9090
  froyo-synth watch -c ./stacks

  # Use another metrics port
  froyo-synth watch --metrics-addr 127.0.0.1:9191`,
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
			ctx := s.ctx
			logger := s.tel.Logger.NewComponentLogger("watch")

			addr, err := s.tel.ServeMetrics(ctx)
			if err != nil {
				return fmt.Errorf("failed to serve metrics: %w", err)
			}
			if addr != nil {
				logger.WithField("addr", addr.String()).Info("Serving metrics")
			}

			history, err := openHistory(ctx)
			if err != nil {
				return err
			}
			if history != nil {
				defer history.Close()
			}

			watched := append([]string(nil), configPaths...)
			if pc := s.cfg.Policy; pc != nil && pc.Enabled && len(pc.Paths) > 0 {
				eng, err := policy.NewEngine(s.tel.Logger.Zerolog())
				if err != nil {
					return err
				}
				loader, err := eng.WatchPolicies(ctx, pc.Paths, debounce)
				if err != nil {
					return err
				}
				defer loader.StopWatching()
				s.policies = eng
				watched = append(watched, pc.Paths...)
			}

			for {
				if err := s.reload(); err != nil {
					logger.WithError(err).Error("Configuration rejected")
				} else if m, err := synthAndRecord(s, history, outDir, f); err != nil {
					logger.WithError(err).Error("Synthesis failed")
				} else if err := printManifest(cmd.OutOrStdout(), m, outDir); err != nil {
					return err
				}

				changed, err := waitForChange(ctx, watched)
				if err != nil {
					return err
				}
				if ctx.Err() != nil {
					logger.Info("Stopped watching")
					return nil
				}
				logger.WithField("file", changed).Info("Change detected")

				select {
				case <-ctx.Done():
					return nil
				case <-time.After(debounce):
				}
			}
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "synth.out", "assembly output directory")
	cmd.Flags().StringVar(&format, "format", "json", "template format (json, yaml)")
	cmd.Flags().DurationVar(&debounce, "debounce", policy.DefaultDebounce, "delay before re-synthesizing or reloading policies after a change")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "metrics listen address (default :9090)")

	return cmd
}

// waitForChange blocks until a watched file is written, created, removed or
// renamed, or ctx is done. It returns the changed file.
func waitForChange(ctx context.Context, paths []string) (string, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return "", err
	}
	defer w.Close()

	for _, p := range paths {
		if err := w.Add(p); err != nil {
			return "", fmt.Errorf("failed to watch %s: %w", p, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return "", nil
		case err, ok := <-w.Errors:
			if !ok {
				return "", nil
			}
			return "", err
		case event, ok := <-w.Events:
			if !ok {
				return "", nil
			}
			if event.Op == fsnotify.Chmod || !watchedExtensions[filepath.Ext(event.Name)] {
				continue
			}
			return event.Name, nil
		}
	}
}
