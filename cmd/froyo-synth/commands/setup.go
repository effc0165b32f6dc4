package commands

import (
	"context"

	"github.com/openfroyo/synth/pkg/config"
	"github.com/openfroyo/synth/pkg/policy"
	"github.com/openfroyo/synth/pkg/synth"
	"github.com/openfroyo/synth/pkg/telemetry"
	"github.com/spf13/cobra"
)

// newTelemetry builds telemetry from the global flags. Logs go to the
// command's error stream.
func newTelemetry(cmd *cobra.Command) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = buildVersion
	cfg.Logging.Writer = cmd.ErrOrStderr()
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Logging.Format = "json"
	}
	if metricsAddr != "" {
		cfg.Metrics.ListenAddress = metricsAddr
	}
	if traceExporter != "" && traceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = traceExporter
		cfg.Tracing.Endpoint = otlpEndpoint
		cfg.Tracing.Writer = cmd.ErrOrStderr()
	}
	return telemetry.NewTelemetry(cfg)
}

// session is the state shared by commands that build an app.
type session struct {
	tel *telemetry.Telemetry
	ctx context.Context
	cfg *config.StackConfig
	app *synth.App

	// policies, when set, is reused across reloads instead of building a
	// fresh engine from the configuration.
	policies *policy.Engine
}

// openSession loads the configuration and builds the app.
func openSession(cmd *cobra.Command) (*session, error) {
	tel, err := newTelemetry(cmd)
	if err != nil {
		return nil, err
	}
	s := &session{tel: tel, ctx: tel.WithContext(cmd.Context())}
	if err := s.reload(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// reload re-reads the configuration and rebuilds the app.
func (s *session) reload() error {
	op := telemetry.StartOperation(s.ctx, "config.load")
	cfg, err := config.NewCUEParser().Load(op.Ctx, configPaths)
	if err != nil {
		op.End(err)
		return err
	}
	op.End(nil)

	opts := []synth.Option{synth.WithLogger(s.tel.Logger.Zerolog())}
	if s.policies != nil && cfg.Policy != nil && cfg.Policy.Enabled {
		opts = append(opts, synth.WithPolicyEngine(s.policies, cfg.Policy.Enforcing()))
	}
	app, err := synth.FromConfig(s.ctx, cfg, opts...)
	if err != nil {
		s.tel.RecordError(err)
		return err
	}

	s.cfg = cfg
	s.app = app
	return nil
}

func (s *session) close() {
	if err := s.tel.Shutdown(context.Background()); err != nil {
		s.tel.Logger.WithError(err).Warn("telemetry shutdown failed")
	}
}
