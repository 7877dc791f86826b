package contextdist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"conductor/pkg/proto"
	"conductor/pkg/store"
)

func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "contextdist_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	db, err := store.OpenDatabase(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.NewStore(db, "test-session")
	if err := st.CreateSession(&store.Session{ID: "test-session", Spec: "spec"}); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestBundleIncludesUnconsumedPackages(t *testing.T) {
	st := createTestStore(t)
	g := &store.TaskGroup{ID: "g1", Title: "add rate limiting", Details: "wrap the public endpoints"}
	if err := st.UpsertGroup(g); err != nil {
		t.Fatal(err)
	}
	if err := st.AddContextPackage(&store.ContextPackage{
		GroupID: "g1", OriginRole: proto.RoleVerifier, Content: "2 tests failed in limiter_test.go",
	}); err != nil {
		t.Fatal(err)
	}

	d := NewDistributor(st, nil, 1000)
	bundle, err := d.BundleFor(g, proto.RoleImplementer)
	if err != nil {
		t.Fatalf("BundleFor failed: %v", err)
	}
	if !strings.Contains(bundle.Text, "add rate limiting") {
		t.Error("bundle missing task statement")
	}
	if !strings.Contains(bundle.Text, "limiter_test.go") {
		t.Error("bundle missing verifier package")
	}
	if len(bundle.PackageIDs) != 1 {
		t.Errorf("bundle package IDs = %d, want 1", len(bundle.PackageIDs))
	}
}

func TestConsumedPackagesNeverReenter(t *testing.T) {
	st := createTestStore(t)
	g := &store.TaskGroup{ID: "g1", Title: "t"}
	if err := st.UpsertGroup(g); err != nil {
		t.Fatal(err)
	}
	if err := st.AddContextPackage(&store.ContextPackage{
		GroupID: "g1", OriginRole: proto.RoleReviewer, Content: "first pass issues",
	}); err != nil {
		t.Fatal(err)
	}

	d := NewDistributor(st, nil, 1000)
	bundle, err := d.BundleFor(g, proto.RoleImplementer)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.MarkConsumed(bundle); err != nil {
		t.Fatal(err)
	}

	again, err := d.BundleFor(g, proto.RoleImplementer)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(again.Text, "first pass issues") {
		t.Error("consumed package re-entered a later bundle")
	}
	if len(again.PackageIDs) != 0 {
		t.Errorf("second bundle package IDs = %d, want 0", len(again.PackageIDs))
	}

	// Consumption is per role: the reviewer still gets the package.
	forReviewer, err := d.BundleFor(g, proto.RoleReviewer)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(forReviewer.Text, "first pass issues") {
		t.Error("another role's consumption must not remove the package from the reviewer's bundle")
	}
}

func TestBudgetDropsOldestFirst(t *testing.T) {
	st := createTestStore(t)
	g := &store.TaskGroup{ID: "g1", Title: "t"}
	if err := st.UpsertGroup(g); err != nil {
		t.Fatal(err)
	}

	old := strings.Repeat("old content ", 100)
	recent := "recent verifier output"
	if err := st.AddContextPackage(&store.ContextPackage{GroupID: "g1", OriginRole: proto.RoleReviewer, Content: old}); err != nil {
		t.Fatal(err)
	}
	if err := st.AddContextPackage(&store.ContextPackage{GroupID: "g1", OriginRole: proto.RoleVerifier, Content: recent}); err != nil {
		t.Fatal(err)
	}

	// Budget fits the header and the recent package but not the old one.
	d := NewDistributor(st, nil, 40)
	bundle, err := d.BundleFor(g, proto.RoleImplementer)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(bundle.Text, recent) {
		t.Error("newest package should survive the trim")
	}
	if strings.Contains(bundle.Text, "old content") {
		t.Error("oldest package should be dropped when over budget")
	}
}

func TestOversizedNewestPackageIsTruncatedNotDropped(t *testing.T) {
	st := createTestStore(t)
	g := &store.TaskGroup{ID: "g1", Title: "t"}
	if err := st.UpsertGroup(g); err != nil {
		t.Fatal(err)
	}

	huge := strings.Repeat("verifier output line\n", 200)
	if err := st.AddContextPackage(&store.ContextPackage{GroupID: "g1", OriginRole: proto.RoleVerifier, Content: huge}); err != nil {
		t.Fatal(err)
	}

	// The single package alone blows the budget; the worker still gets a
	// truncated slice of it rather than nothing.
	d := NewDistributor(st, nil, 60)
	bundle, err := d.BundleFor(g, proto.RoleImplementer)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(bundle.Text, "verifier output line") {
		t.Error("truncated package content should appear in the bundle")
	}
	if !strings.Contains(bundle.Text, "...") {
		t.Error("truncation marker missing from the bundle")
	}
	if len(bundle.Text) >= len(huge) {
		t.Errorf("bundle length %d not truncated below content length %d", len(bundle.Text), len(huge))
	}
	if len(bundle.PackageIDs) != 1 {
		t.Errorf("truncated package should still be marked for consumption, got %d IDs", len(bundle.PackageIDs))
	}
}

func TestRecordResultCreatesPackages(t *testing.T) {
	st := createTestStore(t)
	g := &store.TaskGroup{ID: "g1", Title: "t"}
	if err := st.UpsertGroup(g); err != nil {
		t.Fatal(err)
	}

	d := NewDistributor(st, nil, 1000)
	result := &proto.WorkerResult{
		GroupID: "g1",
		Role:    proto.RoleReviewer,
		Status:  proto.StatusChangesRequested,
		Payload: proto.ResultPayload{
			Issues: []proto.Issue{{ID: "g1-1-1", Severity: proto.SeverityHigh, Problem: "unchecked error"}},
			Notes:  "focus on the storage layer",
		},
	}
	if err := d.RecordResult(result); err != nil {
		t.Fatalf("RecordResult failed: %v", err)
	}

	packages, err := st.UnconsumedPackages("g1", proto.RoleImplementer)
	if err != nil {
		t.Fatal(err)
	}
	if len(packages) != 2 {
		t.Fatalf("packages for implementer = %d, want 2 (issues + notes)", len(packages))
	}

	// The issue list is implementer-facing; the verifier only sees the notes.
	forVerifier, err := st.UnconsumedPackages("g1", proto.RoleVerifier)
	if err != nil {
		t.Fatal(err)
	}
	if len(forVerifier) != 1 {
		t.Fatalf("packages for verifier = %d, want 1 (notes)", len(forVerifier))
	}
}

func TestTokenCounterFallback(t *testing.T) {
	var tc *TokenCounter
	if got := tc.CountTokens("12345678"); got != 2 {
		t.Errorf("nil counter estimate = %d, want 2", got)
	}
}
