package stores

import (
	"context"
	"time"
)

// AssemblyStatus is the outcome of a synthesis run
type AssemblyStatus string

const (
	AssemblyStatusSucceeded AssemblyStatus = "succeeded"
	AssemblyStatusFailed    AssemblyStatus = "failed"
)

// Assembly is one recorded synthesis run
type Assembly struct {
	ID        string         `json:"id"`
	Version   string         `json:"version"`
	Status    AssemblyStatus `json:"status"`
	Sources   []string       `json:"sources"`
	OutDir    string         `json:"out_dir,omitempty"`
	Error     *string        `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
	CreatedAt time.Time      `json:"created_at"`

	// Stacks and Violations are loaded by GetAssembly only.
	Stacks     []*StackRecord     `json:"stacks,omitempty"`
	Violations []*ViolationRecord `json:"violations,omitempty"`
}

// StackRecord is a stack written by a recorded assembly
type StackRecord struct {
	Name      string   `json:"name"`
	Template  string   `json:"template"`
	Resources int      `json:"resources"`
	Outputs   []string `json:"outputs"`
}

// ViolationRecord is a policy violation found during a recorded assembly
type ViolationRecord struct {
	ID         int64  `json:"id"`
	AssemblyID string `json:"assembly_id"`
	Stack      string `json:"stack"`
	Resource   string `json:"resource,omitempty"`
	Policy     string `json:"policy"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
}

// ViolationFilter narrows ListViolations. Nil fields match everything.
type ViolationFilter struct {
	AssemblyID *string
	Severity   *string
	Policy     *string
}

// Store defines the interface for the assembly history
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Assembly operations
	RecordAssembly(ctx context.Context, a *Assembly) error
	GetAssembly(ctx context.Context, id string) (*Assembly, error)
	ListAssemblies(ctx context.Context, limit, offset int) ([]*Assembly, error)
	DeleteAssembly(ctx context.Context, id string) error
	PruneAssemblies(ctx context.Context, keep int) (int64, error)

	// Violation operations
	ListViolations(ctx context.Context, filter ViolationFilter, limit, offset int) ([]*ViolationRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
