package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/edgelift/edgelift/pkg/deployers"
	"github.com/edgelift/edgelift/pkg/deployers/fake"
	"github.com/edgelift/edgelift/pkg/engine"
	"github.com/edgelift/edgelift/pkg/stores"
	"github.com/edgelift/edgelift/pkg/telemetry"
)

// cliVersion is set by Execute for telemetry identification.
var cliVersion = "dev"

func resolveStatePath() (string, error) {
	if statePath != "" {
		return statePath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve home directory: %w", err)
	}
	return filepath.Join(home, ".edgelift", "state.db"), nil
}

// openStore opens and migrates the local state database.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	path, err := resolveStatePath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("cannot create state directory: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func newLogger() (*telemetry.Logger, error) {
	level := "info"
	if verbose {
		level = "debug"
	}
	format := "console"
	if jsonOutput {
		format = "json"
	}
	return telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  level,
		Format: format,
		Output: "stderr",
	})
}

func newMetrics() (*telemetry.Metrics, error) {
	return telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:       metricsListen != "",
		ListenAddress: metricsListen,
		Path:          "/metrics",
		Namespace:     "edgelift",
	})
}

func newTracer() (*telemetry.Tracer, error) {
	return telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:       traceStdout,
		Exporter:      "stdout",
		SamplingRate:  1.0,
		ExportTimeout: 30 * time.Second,
	}, "edgelift", cliVersion)
}

// selectClient picks the cloud backend. Real control-plane bindings are not
// part of this build; the in-memory backend exercises the full pipeline and
// state handling.
func selectClient(dryRun bool) (deployers.CloudClient, error) {
	if dryRun {
		return fake.New(), nil
	}
	return nil, fmt.Errorf("no cloud backend is configured in this build; run with --dry-run to execute against the in-memory backend")
}

// buildEngine assembles the engine with the production registry and the
// telemetry selected by the global flags.
func buildEngine(store *stores.SQLiteStore, client deployers.CloudClient, parallelism int) (*engine.Engine, *telemetry.Metrics, *telemetry.Tracer, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, nil, nil, err
	}
	metrics, err := newMetrics()
	if err != nil {
		return nil, nil, nil, err
	}
	tracer, err := newTracer()
	if err != nil {
		return nil, nil, nil, err
	}

	registry, err := deployers.NewRegistry(client, deployers.Options{
		Logger:      logger,
		Metrics:     metrics,
		MaxParallel: parallelism,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	e, err := engine.New(store, registry, engine.Options{
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer.Tracer(),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return e, metrics, tracer, nil
}

// runAndRender drives one engine run while rendering its event stream. The
// command context requests a cooperative cancel; the run itself is never
// force-aborted mid-step.
func runAndRender(ctx context.Context, e *engine.Engine, metrics *telemetry.Metrics, tracer *telemetry.Tracer, run func(ctx context.Context) error) error {
	if metricsListen != "" {
		go func() {
			if err := metrics.Serve(); err != nil {
				fmt.Fprintf(os.Stderr, "metrics endpoint failed: %v\n", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		e.Cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(context.Background())
	}()

	var runErr error
	done := false
	for !done {
		select {
		case ev, ok := <-e.Events():
			if !ok {
				runErr = <-errCh
				done = true
				break
			}
			renderEvent(ev)
		case runErr = <-errCh:
			drainEvents(e)
			done = true
		}
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tracer.Shutdown(flushCtx)

	if e.State() == engine.StatePaused {
		fmt.Printf("\nDeployment %s paused. Resume with:\n  edgelift resume %s\n",
			e.DeploymentID(), e.DeploymentID())
	}
	return runErr
}

// drainEvents consumes whatever is already buffered without blocking.
func drainEvents(e *engine.Engine) {
	for {
		select {
		case ev, ok := <-e.Events():
			if !ok {
				return
			}
			renderEvent(ev)
		default:
			return
		}
	}
}

func renderEvent(ev engine.ProgressEvent) {
	if jsonOutput {
		out := struct {
			engine.ProgressEvent
			Error string `json:"error,omitempty"`
		}{ProgressEvent: ev}
		if ev.Err != nil {
			out.Error = ev.Err.Error()
		}
		data, err := json.Marshal(out)
		if err != nil {
			return
		}
		fmt.Println(string(data))
		return
	}

	switch ev.Type {
	case engine.EventProgress:
		fmt.Printf("[%3.0f%%] %s\n", ev.TotalProgress*100, ev.Message)
	case engine.EventError:
		fmt.Printf("ERROR: %s\n", ev.Message)
	case engine.EventComplete:
		fmt.Printf("\n%s\n", ev.Message)
		if ev.Success && len(ev.Outputs) > 0 {
			fmt.Println("\nOutputs:")
			printOutputs(ev.Outputs)
		}
	default:
		fmt.Printf("       %s\n", ev.Message)
	}
}

func printOutputs(outputs map[string]string) {
	for _, key := range []string{"gatewayUrl", "apiKey", "webAppConfig"} {
		if v, ok := outputs[key]; ok {
			fmt.Printf("  %-14s %s\n", key, v)
		}
	}
	for k, v := range outputs {
		switch k {
		case "gatewayUrl", "apiKey", "webAppConfig":
			continue
		}
		fmt.Printf("  %-14s %s\n", k, v)
	}
}
