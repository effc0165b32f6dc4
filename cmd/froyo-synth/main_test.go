package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/openfroyo/synth/pkg/engine"
)

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain", errors.New("boom"), exitFailure},
		{"validation", engine.NewValidationError("bad id", nil), exitRejected},
		{"wrapped validation", fmt.Errorf("load: %w", engine.NewValidationError("bad", nil)), exitRejected},
		{"policy", engine.NewSynthesisError("blocked", nil).WithCode(engine.ErrCodePolicyViolation), exitRejected},
		{"external", engine.NewExternalError("aws down", nil), exitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitStatus(tt.err); got != tt.want {
				t.Errorf("exitStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}
