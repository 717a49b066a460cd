// Package telemetry provides OpenTelemetry instrumentation for
// container-assist.
//
// # Overview
//
// This package implements distributed tracing and metrics collection using
// the OpenTelemetry Go SDK. Telemetry data is exported to an OTEL Collector
// over OTLP, either gRPC or HTTP.
//
// # Usage
//
// Create a telemetry instance:
//
//	cfg := telemetry.NewDefaultConfig()
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(ctx)
//
// Use tracer and meter:
//
//	tracer := tel.Tracer("containerassist.workflow")
//	ctx, span := tracer.Start(ctx, "workflow.ExecuteStage")
//	defer span.End()
//
//	meter := tel.Meter("containerassist.workflow")
//	counter, _ := meter.Int64Counter("workflow.stages_completed")
//	counter.Add(ctx, 1)
//
// # Configuration
//
//	observability:
//	  enable_telemetry: true
//	  otlp_endpoint: "localhost:4317"
//	  service_name: "container-assist"
//
// # Error Handling
//
// Telemetry failures do not crash the application. If a provider cannot be
// initialized, the instance degrades gracefully and hands out no-op
// tracers and meters.
//
// # Testing
//
// Use TestTelemetry for tests:
//
//	tt := telemetry.NewTestTelemetry()
//	tracer := tt.Tracer("test")
//	_, span := tracer.Start(ctx, "test-span")
//	span.End()
//	tt.AssertSpanExists(t, "test-span")
package telemetry
