// Package telemetry provides observability instrumentation for Bootstrappo.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), metrics (Prometheus), and event publishing into a
// unified system for monitoring reconcile passes.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.NewComponentLogger("reconciler")
//	logger = logger.WithPassID("pass-123").WithStepID("cni")
//	logger.Info("pass started")
//	logger.WithError(err).Error("step failed")
//
// # Distributed Tracing
//
// Spans cover passes, steps, detections, and driver calls:
//
//	ctx, span := tel.Tracer.StartPassSpan(ctx, passID, "timer")
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), stdout (development).
//
// # Metrics
//
// Key metrics exposed at /metrics (default :9090):
//
//   - bootstrappo_passes_started_total{cause}
//   - bootstrappo_passes_completed_total{phase}
//   - bootstrappo_pass_duration_seconds{phase}
//   - bootstrappo_steps_executed_total{operation,status}
//   - bootstrappo_step_duration_seconds{operation,kind}
//   - bootstrappo_detections_total{source,outcome}
//   - bootstrappo_detection_divergences_total{capability}
//   - bootstrappo_rotation_applies_total{kind,status}
//   - bootstrappo_errors_by_class_total{class}
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	tel.Events.PublishPassStarted(passID, cause)
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// # Configuration
//
// Pre-configured setups exist for different environments:
//
//	cfg := telemetry.DevelopmentConfig() // console logs, stdout traces, full sampling
//	cfg := telemetry.ProductionConfig()  // JSON logs, OTLP traces, 10% sampling
//
// Always shut down gracefully to flush pending traces and events:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("telemetry shutdown error: %v", err)
//	}
package telemetry
