package stores

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

var pipelineSteps = []string{"enable-apis", "create-service-accounts", "deploy-functions"}

// setupTestStore creates a temp-file SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "state.db"),
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

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestDeployment(t *testing.T, store *SQLiteStore) *Deployment {
	t.Helper()

	d, err := store.CreateDeployment(context.Background(),
		"camfleet-468209", "us-central1",
		json.RawMessage(`{"projectId":"camfleet-468209"}`), pipelineSteps)
	if err != nil {
		t.Fatalf("failed to create deployment: %v", err)
	}
	return d
}

func TestStoreLifecycle(t *testing.T) {
	store := setupTestStore(t)

	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
}

func TestCreateDeployment_AllStepsPending(t *testing.T) {
	store := setupTestStore(t)
	d := createTestDeployment(t, store)

	if d.ID == "" {
		t.Error("Expected generated deployment ID")
	}
	if d.SchemaVersion != SchemaVersion {
		t.Errorf("Expected schema version %d, got %d", SchemaVersion, d.SchemaVersion)
	}
	if d.Status != DeploymentStatusPending {
		t.Errorf("Expected pending status, got %s", d.Status)
	}
	if len(d.Steps) != len(pipelineSteps) {
		t.Fatalf("Expected %d steps, got %d", len(pipelineSteps), len(d.Steps))
	}

	for i, step := range d.Steps {
		if step.Name != pipelineSteps[i] {
			t.Errorf("Step %d out of declared order: %s", i, step.Name)
		}
		if step.Status != StepStatusPending {
			t.Errorf("Step %s not pending: %s", step.Name, step.Status)
		}
	}
}

func TestGetDeployment_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetDeployment(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got: %v", err)
	}
}

func TestNextPendingStep_SchedulingOrder(t *testing.T) {
	store := setupTestStore(t)
	d := createTestDeployment(t, store)
	ctx := context.Background()

	next, err := store.NextPendingStep(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if next != "enable-apis" {
		t.Errorf("Expected first declared step, got %s", next)
	}

	// Populating a LATER step's resources must not change scheduling:
	// the earliest non-completed step still wins.
	if err := store.UpdateStepResource(ctx, d.ID, "deploy-functions", "fnUrl", "https://x"); err != nil {
		t.Fatal(err)
	}
	next, err = store.NextPendingStep(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if next != "enable-apis" {
		t.Errorf("Scheduling order violated: got %s", next)
	}

	// Completing the first two steps advances to the third.
	completed := StepStatusCompleted
	for _, name := range pipelineSteps[:2] {
		if err := store.UpdateStep(ctx, d.ID, name, StepUpdate{Status: &completed}); err != nil {
			t.Fatal(err)
		}
	}
	next, err = store.NextPendingStep(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if next != "deploy-functions" {
		t.Errorf("Expected deploy-functions, got %s", next)
	}

	// A failed step is re-offered, never skipped.
	failed := StepStatusFailed
	msg := "boom"
	if err := store.UpdateStep(ctx, d.ID, "deploy-functions", StepUpdate{Status: &failed, Error: &msg}); err != nil {
		t.Fatal(err)
	}
	next, err = store.NextPendingStep(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if next != "deploy-functions" {
		t.Errorf("Failed step should be re-offered, got %s", next)
	}

	if err := store.UpdateStep(ctx, d.ID, "deploy-functions", StepUpdate{Status: &completed}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.NextPendingStep(ctx, d.ID); !errors.Is(err, ErrNoPendingSteps) {
		t.Errorf("Expected ErrNoPendingSteps, got: %v", err)
	}
}

func TestUpdateStep_SingleInFlight(t *testing.T) {
	store := setupTestStore(t)
	d := createTestDeployment(t, store)
	ctx := context.Background()

	inProgress := StepStatusInProgress
	if err := store.UpdateStep(ctx, d.ID, "enable-apis", StepUpdate{Status: &inProgress}); err != nil {
		t.Fatal(err)
	}

	err := store.UpdateStep(ctx, d.ID, "create-service-accounts", StepUpdate{Status: &inProgress})
	if !errors.Is(err, ErrStepConflict) {
		t.Errorf("Expected ErrStepConflict, got: %v", err)
	}
}

func TestUpdateStep_ErrorAndAttempts(t *testing.T) {
	store := setupTestStore(t)
	d := createTestDeployment(t, store)
	ctx := context.Background()

	failed := StepStatusFailed
	msg := "propagation timeout"
	update := StepUpdate{Status: &failed, Error: &msg, IncrementAttempts: true}
	if err := store.UpdateStep(ctx, d.ID, "enable-apis", update); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateStep(ctx, d.ID, "enable-apis", StepUpdate{IncrementAttempts: true}); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetDeployment(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	step := got.StepByName("enable-apis")
	if step.Status != StepStatusFailed {
		t.Errorf("Expected failed, got %s", step.Status)
	}
	if step.Error == nil || *step.Error != msg {
		t.Errorf("Expected persisted error %q, got %v", msg, step.Error)
	}
	if step.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", step.Attempts)
	}
	if step.CompletedAt == nil {
		t.Error("Expected completed_at on terminal status")
	}
}

func TestUpdateStep_CompletionClearsError(t *testing.T) {
	store := setupTestStore(t)
	d := createTestDeployment(t, store)
	ctx := context.Background()

	failed := StepStatusFailed
	msg := "quota exceeded"
	update := StepUpdate{Status: &failed, Error: &msg, IncrementAttempts: true}
	if err := store.UpdateStep(ctx, d.ID, "enable-apis", update); err != nil {
		t.Fatal(err)
	}

	// The step succeeds on a later run; the stale failure must not survive
	// on a completed step.
	completed := StepStatusCompleted
	if err := store.UpdateStep(ctx, d.ID, "enable-apis", StepUpdate{Status: &completed, IncrementAttempts: true}); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetDeployment(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	step := got.StepByName("enable-apis")
	if step.Status != StepStatusCompleted {
		t.Fatalf("Expected completed, got %s", step.Status)
	}
	if step.Error != nil {
		t.Errorf("Completed step retains stale error: %q", *step.Error)
	}
	if step.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", step.Attempts)
	}
}

func TestUpdateStepResource_MergeNeverClears(t *testing.T) {
	store := setupTestStore(t)
	d := createTestDeployment(t, store)
	ctx := context.Background()

	if err := store.UpdateStepResource(ctx, d.ID, "enable-apis", "a", "1"); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateStepResource(ctx, d.ID, "enable-apis", "b", "2"); err != nil {
		t.Fatal(err)
	}
	// Re-entry overwrites a single key but preserves the rest.
	if err := store.UpdateStepResource(ctx, d.ID, "enable-apis", "a", "3"); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetDeployment(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	resources := got.StepByName("enable-apis").Resources
	if resources["a"] != "3" || resources["b"] != "2" {
		t.Errorf("Unexpected resources after merge: %v", resources)
	}
}

func TestFindByProject(t *testing.T) {
	store := setupTestStore(t)
	d := createTestDeployment(t, store)
	ctx := context.Background()

	found, err := store.FindByProject(ctx, "camfleet-468209")
	if err != nil {
		t.Fatal(err)
	}
	if found.ID != d.ID {
		t.Errorf("Expected deployment %s, got %s", d.ID, found.ID)
	}

	// Completed deployments are not offered for resume.
	if err := store.SetDeploymentStatus(ctx, d.ID, DeploymentStatusCompleted); err != nil {
		t.Fatal(err)
	}
	if _, err := store.FindByProject(ctx, "camfleet-468209"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for completed-only project, got: %v", err)
	}
}

func TestSchemaVersionRejection(t *testing.T) {
	store := setupTestStore(t)
	d := createTestDeployment(t, store)
	ctx := context.Background()

	// Simulate state written by a future build.
	if _, err := store.db.ExecContext(ctx,
		`UPDATE deployments SET schema_version = 99 WHERE id = ?`, d.ID); err != nil {
		t.Fatal(err)
	}

	_, err := store.GetDeployment(ctx, d.ID)
	if !errors.Is(err, ErrSchemaVersion) {
		t.Errorf("Expected ErrSchemaVersion, got: %v", err)
	}
}

func TestMergedResources(t *testing.T) {
	store := setupTestStore(t)
	d := createTestDeployment(t, store)
	ctx := context.Background()

	completed := StepStatusCompleted
	if err := store.UpdateStepResource(ctx, d.ID, "enable-apis", "servicesEnabled", "true"); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateStep(ctx, d.ID, "enable-apis", StepUpdate{Status: &completed}); err != nil {
		t.Fatal(err)
	}
	// Resources on a non-completed step are not merged.
	if err := store.UpdateStepResource(ctx, d.ID, "deploy-functions", "fnUrl", "https://x"); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetDeployment(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}

	merged := got.MergedResources()
	if merged["servicesEnabled"] != "true" {
		t.Errorf("Expected completed step output merged, got %v", merged)
	}
	if _, ok := merged["fnUrl"]; ok {
		t.Error("Non-completed step outputs must not merge")
	}
}

func TestListDeployments(t *testing.T) {
	store := setupTestStore(t)
	createTestDeployment(t, store)
	createTestDeployment(t, store)

	list, err := store.ListDeployments(context.Background(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("Expected 2 deployments, got %d", len(list))
	}
	for _, d := range list {
		if len(d.Steps) != len(pipelineSteps) {
			t.Errorf("Deployment %s missing steps", d.ID)
		}
	}
}
