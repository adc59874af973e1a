// Package telemetry provides observability instrumentation for EdgeLift.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), and metrics (Prometheus) for monitoring and debugging
// deployment runs.
//
// # Structured Logging
//
// The logger provides component-specific logging with field helpers:
//
//	logger, err := telemetry.NewLogger(cfg.Logging)
//	logger = logger.WithComponent("engine").WithDeploymentID(id)
//	logger.Info("deployment run started")
//	logger.WithError(err).Error("step failed")
//
// Log levels: trace, debug, info, warn, error
//
// # Distributed Tracing
//
// One span is recorded per deployment run and one per step:
//
//	tracer, err := telemetry.NewTracer(cfg.Tracing, "edgelift", version)
//	defer tracer.Shutdown(ctx)
//
//	ctx, span := tracer.StartDeploymentSpan(ctx, deploymentID, projectID)
//	defer span.End()
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: "otlp" (production), "stdout" (development),
// "none" (generate but do not export).
//
// # Metrics
//
// Key metrics exposed at the configured listen address:
//
//   - edgelift_deployments_started_total
//   - edgelift_deployments_completed_total{status}
//   - edgelift_deployment_duration_seconds{status}
//   - edgelift_steps_executed_total{step,status}
//   - edgelift_retry_attempts_total{step}
//   - edgelift_batch_tasks_total{step,outcome}
//
// A nil *Metrics is a valid no-op recorder, so callers never need to guard
// their recording calls.
package telemetry
