// Package telemetry provides logging, tracing and metrics for synthesis runs.
//
// It combines zerolog for structured logs, OpenTelemetry for traces (stdout,
// OTLP gRPC or no exporter) and a dedicated Prometheus registry for metrics.
//
// Initialize telemetry at startup and attach it to the context:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Each stack synthesis is wrapped in an instrumented context:
//
//	op := telemetry.StartStack(ctx, "karpenter")
//	tmpl, err := stack.Synthesize(op.Ctx)
//	op.End(err)
//
// End closes the span, counts the attempt in stacks_synthesized_total,
// observes synth_duration_seconds and counts failures in
// errors_by_class_total using the engine error class and code.
//
// # Metrics
//
//   - stacks_synthesized_total{stack,status}
//   - synth_duration_seconds{stack}
//   - resources_declared{stack,type}
//   - policy_violations_total{policy,severity}
//   - errors_by_class_total{class,code}
//
// All names carry the configured namespace prefix (froyo_synth by default).
// Telemetry.ServeMetrics exposes them over HTTP until the context ends.
package telemetry
