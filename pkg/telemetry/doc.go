// Package telemetry provides the self-observability of a sentinel process:
// structured logging (zerolog), tracing (OpenTelemetry) and metrics
// (Prometheus).
//
// # Usage
//
// Build the bundle once at startup and hand its parts to the components:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	writer, err := audit.NewWriter(audit.DefaultConfig(), audit.Options{
//	    Logger:  tel.Logger.NewComponentLogger("audit").Zerolog(),
//	    Metrics: tel.Metrics,
//	    Tracer:  tel.Tracer,
//	    ...
//	})
//
// # Logging
//
// Logger wraps zerolog and supports console or JSON output to stdout, stderr
// or a file, burst sampling and caller info. Component loggers add a
// "component" field and WithFaultID tags a line with the fault it concerns.
//
// # Tracing
//
// Tracer exports spans to stdout, an OTLP gRPC collector, or nowhere. Spans
// cover audit flushes (audit.flush), recoveries (recovery.recover) and
// security responses (security.respond). A nil *Tracer starts no-op spans.
//
// # Metrics
//
// Metrics registers its collectors on a private registry, so several
// instances can coexist in one process. A nil *Metrics records nothing.
//
//	sentinel_faults_total{severity,category}
//	sentinel_escalations_dropped_total{reason}
//	sentinel_security_incidents_total
//	sentinel_log_entries_total{level}
//	sentinel_flushes_total{backend,result}
//	sentinel_flush_duration_seconds{backend}
//	sentinel_rotated_entries_total
//	sentinel_buffer_size
//	sentinel_recoveries_total{outcome}
//	sentinel_recovery_duration_seconds
//	sentinel_heap_usage_ratio
//
// StartMetricsServer serves them with promhttp.
package telemetry
