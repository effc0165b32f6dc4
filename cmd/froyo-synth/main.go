package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/openfroyo/synth/cmd/froyo-synth/commands"
	"github.com/openfroyo/synth/pkg/engine"
	"github.com/openfroyo/synth/pkg/telemetry"
)

// Set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Exit statuses. Rejected input and blocking policy violations are told
// apart from everything else so CI jobs can react to them.
const (
	exitFailure  = 1
	exitRejected = 2
)

func main() {
	logger := newLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if err == nil {
		return
	}
	stop()

	logger.WithError(err).WithField("code", engine.CodeOf(err)).Error("froyo-synth failed")
	os.Exit(exitStatus(err))
}

// newLogger builds the process logger from FROYO_LOG_LEVEL and
// FROYO_LOG_FORMAT. Commands build their own telemetry from flags.
func newLogger() *telemetry.Logger {
	cfg := telemetry.DefaultConfig().Logging
	if level := os.Getenv("FROYO_LOG_LEVEL"); level != "" {
		cfg.Level = level
	}
	if format := os.Getenv("FROYO_LOG_FORMAT"); format != "" {
		cfg.Format = format
	}
	cfg.Output = "stderr"

	logger, err := telemetry.NewLogger(cfg)
	if err != nil {
		return telemetry.Nop()
	}
	return logger.NewComponentLogger("main")
}

func exitStatus(err error) int {
	switch engine.CodeOf(err) {
	case engine.ErrCodeValidation, engine.ErrCodePolicyViolation:
		return exitRejected
	default:
		return exitFailure
	}
}
