package stores

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a migrated SQLite store in a temporary directory
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "history.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { store.Close() })
	return store
}

func testAssembly(id string, createdAt time.Time) *Assembly {
	return &Assembly{
		ID:        id,
		Version:   "1.0",
		Status:    AssemblyStatusSucceeded,
		Sources:   []string{"stacks/main.cue"},
		OutDir:    "synth.out",
		Duration:  1500 * time.Millisecond,
		CreatedAt: createdAt,
		Stacks: []*StackRecord{
			{Name: "karpenter", Template: "karpenter.template.json", Resources: 9, Outputs: []string{}},
			{Name: "api-gateway", Template: "api-gateway.template.json", Resources: 21, Outputs: []string{"ApplicationLoadBalancerUrl"}},
		},
		Violations: []*ViolationRecord{
			{Stack: "api-gateway", Resource: "FleetSecurityGroup", Policy: "open-ingress", Severity: "warning", Message: "open to the world"},
			{Stack: "karpenter", Resource: "ControllerPolicy", Policy: "wildcard-actions", Severity: "info", Message: "all resources"},
		},
	}
}

func TestStoreLifecycle(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{name: "file", path: filepath.Join(t.TempDir(), "history.db")},
		{name: "memory", path: ":memory:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewSQLiteStore(Config{Path: tt.path})
			if err != nil {
				t.Fatalf("failed to create store: %v", err)
			}

			ctx := context.Background()
			if err := store.HealthCheck(ctx); err == nil {
				t.Error("expected health check to fail before Init")
			}
			if err := store.Init(ctx); err != nil {
				t.Fatalf("failed to initialize store: %v", err)
			}
			if err := store.Migrate(ctx); err != nil {
				t.Fatalf("failed to migrate store: %v", err)
			}
			// A second run is a no-op.
			if err := store.Migrate(ctx); err != nil {
				t.Fatalf("second migration failed: %v", err)
			}
			if err := store.HealthCheck(ctx); err != nil {
				t.Fatalf("health check failed: %v", err)
			}
			if err := store.Close(); err != nil {
				t.Fatalf("failed to close store: %v", err)
			}
		})
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"assemblies", "stacks", "violations"} {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestAssemblyCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := testAssembly("asm-001", created)
	if err := store.RecordAssembly(ctx, a); err != nil {
		t.Fatalf("failed to record assembly: %v", err)
	}
	if a.Violations[0].ID == 0 || a.Violations[0].AssemblyID != "asm-001" {
		t.Errorf("expected violation IDs to be filled in, got %+v", a.Violations[0])
	}

	got, err := store.GetAssembly(ctx, "asm-001")
	if err != nil {
		t.Fatalf("failed to get assembly: %v", err)
	}
	if got.Status != AssemblyStatusSucceeded || got.Version != "1.0" {
		t.Errorf("unexpected assembly %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("expected created_at %v, got %v", created, got.CreatedAt)
	}
	if got.Duration != 1500*time.Millisecond {
		t.Errorf("expected duration 1.5s, got %v", got.Duration)
	}
	if len(got.Sources) != 1 || got.Sources[0] != "stacks/main.cue" {
		t.Errorf("unexpected sources %v", got.Sources)
	}
	if len(got.Stacks) != 2 || got.Stacks[1].Name != "api-gateway" || got.Stacks[1].Outputs[0] != "ApplicationLoadBalancerUrl" {
		t.Errorf("unexpected stacks %+v", got.Stacks)
	}
	if len(got.Violations) != 2 {
		t.Errorf("expected 2 violations, got %d", len(got.Violations))
	}

	if err := store.RecordAssembly(ctx, testAssembly("asm-001", created)); err == nil {
		t.Error("expected duplicate assembly to fail")
	}

	if err := store.DeleteAssembly(ctx, "asm-001"); err != nil {
		t.Fatalf("failed to delete assembly: %v", err)
	}
	if _, err := store.GetAssembly(ctx, "asm-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	violations, err := store.ListViolations(ctx, ViolationFilter{}, 10, 0)
	if err != nil {
		t.Fatalf("failed to list violations: %v", err)
	}
	if len(violations) != 0 {
		t.Errorf("expected violations to be deleted with the assembly, got %d", len(violations))
	}
	if err := store.DeleteAssembly(ctx, "asm-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordAssembly_Failed(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	msg := "POLICY_VIOLATION: 1 blocking violation"
	a := &Assembly{ID: "asm-failed", Version: "1.0", Status: AssemblyStatusFailed, Error: &msg}
	if err := store.RecordAssembly(ctx, a); err != nil {
		t.Fatalf("failed to record assembly: %v", err)
	}

	got, err := store.GetAssembly(ctx, "asm-failed")
	if err != nil {
		t.Fatalf("failed to get assembly: %v", err)
	}
	if got.Error == nil || *got.Error != msg {
		t.Errorf("expected error %q, got %v", msg, got.Error)
	}
	if len(got.Stacks) != 0 || len(got.Sources) != 0 {
		t.Errorf("expected no stacks or sources, got %+v", got)
	}

	if err := store.RecordAssembly(ctx, &Assembly{Version: "1.0", Status: AssemblyStatusFailed}); err == nil {
		t.Error("expected error for missing id")
	}
	if err := store.RecordAssembly(ctx, &Assembly{ID: "bad", Version: "1.0", Status: "unknown"}); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestListAndPruneAssemblies(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		a := testAssembly(fmt.Sprintf("asm-%d", i), base.Add(time.Duration(i)*time.Minute))
		if err := store.RecordAssembly(ctx, a); err != nil {
			t.Fatalf("failed to record assembly %d: %v", i, err)
		}
	}

	page, err := store.ListAssemblies(ctx, 2, 0)
	if err != nil {
		t.Fatalf("failed to list assemblies: %v", err)
	}
	if len(page) != 2 || page[0].ID != "asm-4" || page[1].ID != "asm-3" {
		t.Errorf("expected newest first, got %v, %v", page[0].ID, page[1].ID)
	}
	if page[0].Stacks != nil {
		t.Error("expected list entries without stacks")
	}

	next, err := store.ListAssemblies(ctx, 2, 2)
	if err != nil {
		t.Fatalf("failed to list assemblies: %v", err)
	}
	if len(next) != 2 || next[0].ID != "asm-2" {
		t.Errorf("unexpected second page %v", next)
	}

	deleted, err := store.PruneAssemblies(ctx, 2)
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if deleted != 3 {
		t.Errorf("expected 3 pruned, got %d", deleted)
	}
	all, _ := store.ListAssemblies(ctx, 10, 0)
	if len(all) != 2 {
		t.Errorf("expected 2 remaining, got %d", len(all))
	}

	if _, err := store.PruneAssemblies(ctx, -1); err == nil {
		t.Error("expected error for negative keep")
	}
}

func TestListViolations_Filters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b"} {
		if err := store.RecordAssembly(ctx, testAssembly(id, base)); err != nil {
			t.Fatalf("failed to record assembly: %v", err)
		}
	}

	strPtr := func(s string) *string { return &s }
	tests := []struct {
		name   string
		filter ViolationFilter
		want   int
	}{
		{name: "all", filter: ViolationFilter{}, want: 4},
		{name: "by assembly", filter: ViolationFilter{AssemblyID: strPtr("a")}, want: 2},
		{name: "by severity", filter: ViolationFilter{Severity: strPtr("warning")}, want: 2},
		{name: "by policy", filter: ViolationFilter{Policy: strPtr("wildcard-actions")}, want: 2},
		{name: "combined", filter: ViolationFilter{AssemblyID: strPtr("b"), Severity: strPtr("info")}, want: 1},
		{name: "no match", filter: ViolationFilter{Policy: strPtr("missing")}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListViolations(ctx, tt.filter, 10, 0)
			if err != nil {
				t.Fatalf("failed to list violations: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("expected %d violations, got %d", tt.want, len(got))
			}
		})
	}
}
