package stores

import (
	"context"
	"testing"
	"time"

	"github.com/bootstrappo/bootstrappo/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
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

	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"meta", "step_statuses", "capability_facts", "bindings", "passes"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

// TestLoadSnapshotEmpty tests that a fresh store yields an empty baseline
func TestLoadSnapshotEmpty(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	snapshot, err := store.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}

	if snapshot.SchemaVersion != engine.SnapshotSchemaVersion {
		t.Errorf("expected schema version %d, got %d", engine.SnapshotSchemaVersion, snapshot.SchemaVersion)
	}
	if len(snapshot.Steps) != 0 {
		t.Errorf("expected no steps, got %d", len(snapshot.Steps))
	}
	if len(snapshot.Facts) != 0 {
		t.Errorf("expected no facts, got %d", len(snapshot.Facts))
	}
	if len(snapshot.Bindings) != 0 {
		t.Errorf("expected no bindings, got %d", len(snapshot.Bindings))
	}
}

// TestLoadSnapshotUnmigrated tests that a missing schema yields an empty baseline
func TestLoadSnapshotUnmigrated(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	// No Migrate call: meta table does not exist.
	snapshot, err := store.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("expected empty baseline, got error: %v", err)
	}
	if len(snapshot.Steps) != 0 || snapshot.Generation != 0 {
		t.Errorf("expected empty baseline, got %d steps at generation %d",
			len(snapshot.Steps), snapshot.Generation)
	}
}

// TestStepStatusRoundTrip tests saving and loading step statuses
func TestStepStatusRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	if err := store.SaveStepStatus(ctx, 3, "cni", engine.StepStatusVerified, ""); err != nil {
		t.Fatalf("failed to save step status: %v", err)
	}
	if err := store.SaveStepStatus(ctx, 3, "dns", engine.StepStatusFailed, "apply timed out"); err != nil {
		t.Fatalf("failed to save step status: %v", err)
	}

	// Overwrite one record.
	if err := store.SaveStepStatus(ctx, 4, "dns", engine.StepStatusPending, "requeued"); err != nil {
		t.Fatalf("failed to overwrite step status: %v", err)
	}

	snapshot, err := store.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}

	if snapshot.Generation != 4 {
		t.Errorf("expected generation 4, got %d", snapshot.Generation)
	}

	cni, ok := snapshot.Steps["cni"]
	if !ok {
		t.Fatal("expected cni record")
	}
	if cni.Status != engine.StepStatusVerified {
		t.Errorf("expected verified, got %s", cni.Status)
	}

	dns, ok := snapshot.Steps["dns"]
	if !ok {
		t.Fatal("expected dns record")
	}
	if dns.Status != engine.StepStatusPending {
		t.Errorf("expected pending after overwrite, got %s", dns.Status)
	}
	if dns.Reason != "requeued" {
		t.Errorf("expected reason 'requeued', got %q", dns.Reason)
	}
	if dns.UpdatedAt.IsZero() {
		t.Error("expected non-zero updated_at")
	}
}

// TestFactRoundTrip tests upserting and loading capability facts
func TestFactRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	detectedAt := time.Now().UTC().Truncate(time.Microsecond)

	fact := engine.CapabilityFact{
		Name:       "ingress-controller",
		Available:  true,
		Known:      true,
		Source:     engine.SourceAPIRead,
		DetectedAt: detectedAt,
		Detail:     "3 replicas ready",
	}

	if err := store.UpsertFact(ctx, fact); err != nil {
		t.Fatalf("failed to upsert fact: %v", err)
	}

	// Upsert again with flipped availability.
	fact.Available = false
	fact.Source = engine.SourceSubprocessVerify
	if err := store.UpsertFact(ctx, fact); err != nil {
		t.Fatalf("failed to re-upsert fact: %v", err)
	}

	snapshot, err := store.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}

	if len(snapshot.Facts) != 1 {
		t.Fatalf("expected 1 fact, got %d", len(snapshot.Facts))
	}

	loaded := snapshot.Facts[0]
	if loaded.Name != "ingress-controller" {
		t.Errorf("expected name ingress-controller, got %s", loaded.Name)
	}
	if loaded.Available {
		t.Error("expected availability flipped to false")
	}
	if loaded.Source != engine.SourceSubprocessVerify {
		t.Errorf("expected subprocess source, got %s", loaded.Source)
	}
	if !loaded.DetectedAt.Equal(detectedAt) {
		t.Errorf("expected detected_at %v, got %v", detectedAt, loaded.DetectedAt)
	}
}

// TestBindingsRoundTrip tests saving and loading binding sets
func TestBindingsRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	bindings := engine.BindingSet{
		engine.BindingIngress: {
			Kind:       engine.BindingIngress,
			Capability: "ingress-controller",
			Value:      "ingress://ingress-controller/apps/web",
		},
		engine.BindingTLS: {
			Kind:       engine.BindingTLS,
			Capability: "tls-issuer",
			Value:      "",
		},
	}

	if err := store.SaveBindings(ctx, "apps/web", bindings); err != nil {
		t.Fatalf("failed to save bindings: %v", err)
	}

	// Replace with a smaller set; the old TLS row must not survive.
	replacement := engine.BindingSet{
		engine.BindingIngress: bindings[engine.BindingIngress],
	}
	if err := store.SaveBindings(ctx, "apps/web", replacement); err != nil {
		t.Fatalf("failed to replace bindings: %v", err)
	}

	snapshot, err := store.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}

	loaded, ok := snapshot.Bindings["apps/web"]
	if !ok {
		t.Fatal("expected bindings for apps/web")
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 binding after replacement, got %d", len(loaded))
	}
	if !loaded.Equal(replacement) {
		t.Errorf("loaded bindings differ: %+v", loaded)
	}
}

// TestSnapshotGenerationFromPasses tests that pass records lift the snapshot generation
func TestSnapshotGenerationFromPasses(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// A pass that adopted every step writes no step rows; its generation
	// must still survive a restart.
	report := &engine.PassReport{
		ID:          "pass-a",
		Generation:  7,
		Phase:       engine.PhaseConverged,
		StartedAt:   time.Now(),
		CompletedAt: time.Now(),
	}
	if err := store.RecordPass(ctx, report); err != nil {
		t.Fatalf("failed to record pass: %v", err)
	}

	snapshot, err := store.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	if snapshot.Generation != 7 {
		t.Errorf("expected generation 7 from pass history, got %d", snapshot.Generation)
	}
}

// TestPassHistory tests pass recording and listing
func TestPassHistory(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		report := &engine.PassReport{
			ID:         "pass-" + string(rune('a'+i)),
			Generation: int64(i + 1),
			Phase:      engine.PhaseConverged,
			Summary: engine.PassSummary{
				Total:    4,
				Verified: 4,
			},
			Applies:     i,
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
			CompletedAt: base.Add(time.Duration(i)*time.Minute + 30*time.Second),
		}
		if err := store.RecordPass(ctx, report); err != nil {
			t.Fatalf("failed to record pass: %v", err)
		}
	}

	records, err := store.ListPasses(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list passes: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 passes, got %d", len(records))
	}
	// Newest first.
	if records[0].ID != "pass-c" {
		t.Errorf("expected pass-c first, got %s", records[0].ID)
	}

	latest, err := store.LatestPass(ctx)
	if err != nil {
		t.Fatalf("failed to get latest pass: %v", err)
	}
	if latest == nil || latest.ID != "pass-c" {
		t.Errorf("expected latest pass-c, got %+v", latest)
	}
	if latest.Verified != 4 {
		t.Errorf("expected 4 verified, got %d", latest.Verified)
	}
}
