package deployers_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/edgelift/edgelift/pkg/config"
	"github.com/edgelift/edgelift/pkg/deployers"
	"github.com/edgelift/edgelift/pkg/deployers/fake"
	"github.com/edgelift/edgelift/pkg/engine"
	"github.com/edgelift/edgelift/pkg/retry"
	"github.com/edgelift/edgelift/pkg/stores"
	"github.com/edgelift/edgelift/pkg/telemetry"
)

func newTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{
		Path: filepath.Join(t.TempDir(), "state.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testConfig() *config.DeploymentConfig {
	cfg := &config.DeploymentConfig{
		ProjectID:  "camfleet-468209",
		Region:     "us-central1",
		AdminEmail: "ops@example.com",
		NamePrefix: "camfleet",
	}
	cfg.ApplyDefaults()
	return cfg
}

func quietLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	l, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level: "error", Format: "console", Output: "stderr",
	})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func newTestEngine(t *testing.T, store *stores.SQLiteStore, client deployers.CloudClient) *engine.Engine {
	t.Helper()

	registry, err := deployers.NewRegistry(client, deployers.Options{Logger: quietLogger(t)})
	if err != nil {
		t.Fatal(err)
	}

	e, err := engine.New(store, registry, engine.Options{
		Logger: quietLogger(t),
		PolicyForClass: func(engine.StepClass) retry.Policy {
			return retry.Policy{MaxAttempts: 3}
		},
		Sleep: func(context.Context, time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestPipeline_EndToEnd(t *testing.T) {
	store := newTestStore(t)
	client := fake.New()
	e := newTestEngine(t, store, client)

	if err := e.Start(context.Background(), testConfig()); err != nil {
		t.Fatalf("Pipeline failed: %v", err)
	}
	if e.State() != engine.StateCompleted {
		t.Fatalf("Expected completed state, got %s", e.State())
	}

	d, err := store.GetDeployment(context.Background(), e.DeploymentID())
	if err != nil {
		t.Fatal(err)
	}

	outputs := d.MergedResources()
	for _, key := range engine.RequiredOutputs {
		if outputs[key] == "" {
			t.Errorf("Missing required output %q", key)
		}
	}
	if !strings.Contains(outputs["gatewayUrl"], "gateway.dev") {
		t.Errorf("Unexpected gateway URL: %s", outputs["gatewayUrl"])
	}
	if !strings.Contains(outputs["webAppConfig"], "camfleet-468209") {
		t.Errorf("Web app config missing project: %s", outputs["webAppConfig"])
	}

	// Cross-step wiring: the invoker grant used the account created two
	// steps earlier.
	member := "serviceAccount:" + outputs["gatewayInvokerSA"]
	if !client.HasProjectRole("camfleet-468209", member, "roles/cloudfunctions.invoker") {
		t.Error("Invoker role was not granted to the created account")
	}

	for _, account := range []string{"sa:camfleet-device-auth", "sa:camfleet-token-vendor", "sa:camfleet-gw-invoker"} {
		if got := client.Creations(account); got != 1 {
			t.Errorf("Account %s created %d times", account, got)
		}
	}
}

func TestPipeline_TransientFailureRetriedWithoutDuplicates(t *testing.T) {
	store := newTestStore(t)
	client := fake.New()
	client.FailNext("DeployFunction", 1, engine.NewTransientError("build backend busy", nil))

	e := newTestEngine(t, store, client)
	if err := e.Start(context.Background(), testConfig()); err != nil {
		t.Fatalf("Pipeline failed despite transient fault: %v", err)
	}

	// The retried step must not have duplicated its sibling's work.
	for _, fn := range []string{"function:camfleet-device-auth", "function:camfleet-token-vendor"} {
		if got := client.Creations(fn); got != 1 {
			t.Errorf("Function %s created %d times", fn, got)
		}
	}
}

func TestPipeline_ResumeAfterPermanentFault(t *testing.T) {
	store := newTestStore(t)
	client := fake.New()
	client.FailNext("EnsureGateway", 10,
		engine.NewPermanentError("gateway quota exceeded", nil))

	first := newTestEngine(t, store, client)
	err := first.Start(context.Background(), testConfig())
	if err == nil {
		t.Fatal("Expected pipeline to fail at the gateway step")
	}
	if !engine.IsPermanent(err) {
		t.Fatalf("Expected permanent failure, got: %v", err)
	}

	callsBefore := countCalls(client, "EnsureServiceAccount")
	if callsBefore != 3 {
		t.Fatalf("Expected 3 account calls before resume, got %d", callsBefore)
	}

	// Quota restored; resume picks up at the failed step.
	client.FailNext("EnsureGateway", 0, nil)
	second := newTestEngine(t, store, client)
	if err := second.Resume(context.Background(), first.DeploymentID()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if second.State() != engine.StateCompleted {
		t.Errorf("Expected completed state, got %s", second.State())
	}

	// Completed steps were not re-run.
	if got := countCalls(client, "EnsureServiceAccount"); got != callsBefore {
		t.Errorf("Completed step re-executed on resume: %d account calls", got)
	}
}

func TestPipeline_CriticalBatchFailureFailsFast(t *testing.T) {
	store := newTestStore(t)
	client := fake.New()
	client.FailNext("EnsureServiceAccount", 1,
		engine.NewPermanentError("permission denied", nil).WithCode(engine.ErrCodePermissionDenied))

	e := newTestEngine(t, store, client)
	err := e.Start(context.Background(), testConfig())
	if err == nil {
		t.Fatal("Expected pipeline failure")
	}
	if !engine.IsPermanent(err) {
		t.Fatalf("Batch permanent failure must propagate as permanent, got: %v", err)
	}

	d, getErr := store.GetDeployment(context.Background(), e.DeploymentID())
	if getErr != nil {
		t.Fatal(getErr)
	}
	step := d.StepByName("create-service-accounts")
	if step.Status != stores.StepStatusFailed {
		t.Errorf("Expected failed step, got %s", step.Status)
	}
	if step.Attempts != 1 {
		t.Errorf("Permanent batch failure must not be retried, got %d attempts", step.Attempts)
	}
}

func TestGrantStep_RequiresPriorOutputs(t *testing.T) {
	registry, err := deployers.NewRegistry(fake.New(), deployers.Options{Logger: quietLogger(t)})
	if err != nil {
		t.Fatal(err)
	}
	spec, ok := registry.Lookup("grant-iam-roles")
	if !ok {
		t.Fatal("grant-iam-roles not registered")
	}

	_, err = spec.Handler.Execute(context.Background(), engine.Request{
		ProjectID: "camfleet-468209",
		Config:    testConfig(),
		Outputs:   map[string]string{},
	})
	if err == nil {
		t.Fatal("Expected missing-output error")
	}
	var de *engine.DeployError
	if !errors.As(err, &de) || de.Code != engine.ErrCodeMissingOutput {
		t.Errorf("Expected %s, got: %v", engine.ErrCodeMissingOutput, err)
	}
}

func TestRegistry_PipelineOrder(t *testing.T) {
	registry, err := deployers.NewRegistry(fake.New(), deployers.Options{Logger: quietLogger(t)})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		"enable-apis",
		"create-service-accounts",
		"grant-iam-roles",
		"deploy-functions",
		"create-api-gateway",
		"configure-federation",
		"deploy-firestore-rules",
		"register-web-app",
	}
	got := registry.StepNames()
	if len(got) != len(want) {
		t.Fatalf("Expected %d steps, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Step %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	// Settling delays sit where propagation matters.
	spec, _ := registry.Lookup("create-service-accounts")
	if spec.SettleAfter != 20*time.Second {
		t.Errorf("Expected 20s settle after account creation, got %s", spec.SettleAfter)
	}
	spec, _ = registry.Lookup("enable-apis")
	if spec.SettleAfter != 10*time.Second {
		t.Errorf("Expected 10s settle after enablement, got %s", spec.SettleAfter)
	}
}

func countCalls(client *fake.Client, op string) int {
	n := 0
	for _, call := range client.Calls() {
		if strings.HasPrefix(call, op+" ") {
			n++
		}
	}
	return n
}
