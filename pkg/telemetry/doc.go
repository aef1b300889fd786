// Package telemetry provides observability instrumentation for Stagehand.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), and metrics (Prometheus) into a single aggregate that
// the engine components consume.
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "stagehand"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Component loggers carry structured fields through the orchestration
// flow:
//
//	logger := tel.Logger.NewComponentLogger("executor")
//	logger = logger.WithPlanID("plan-123").WithStepID("step-4")
//	logger.Info("dispatching step")
//
// Key metrics exposed at /metrics:
//
//   - stagehand_plans_started_total
//   - stagehand_plans_completed_total{status}
//   - stagehand_plan_duration_seconds{status}
//   - stagehand_steps_executed_total{capability,status}
//   - stagehand_step_retries_total{capability}
//   - stagehand_ambiguities_total{capability,outcome}
//   - stagehand_reconciliations_total{capability,result}
//   - stagehand_errors_by_class_total{class}
//
// Tracing supports OTLP/gRPC (production), stdout (development), and
// none (testing) exporters, configured via TracingConfig.
package telemetry
