package telemetry_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/sentinel/pkg/telemetry"
)

// Example_basicSetup builds the bundle and passes it through a context.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Output = "stderr"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	telemetry.FromContext(ctx).NewComponentLogger("audit").Info("writer opened")
}

// Example_metrics records pipeline metrics and reads them back.
func Example_metrics() {
	m, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	if err != nil {
		panic(err)
	}

	m.RecordFault("critical", "runtime")
	m.RecordFlush("sqlite", "success", 3*time.Millisecond)
	m.SetBufferSize(4)

	families, _ := m.Gatherer().Gather()
	for _, f := range families {
		fmt.Println(f.GetName())
	}
	// Output:
	// sentinel_buffer_size
	// sentinel_faults_total
	// sentinel_flush_duration_seconds
	// sentinel_flushes_total
	// sentinel_heap_usage_ratio
	// sentinel_recovery_duration_seconds
	// sentinel_rotated_entries_total
	// sentinel_security_incidents_total
}

// Example_instrumentedOperation wraps an operation in a span and a timer.
func Example_instrumentedOperation() {
	tel := telemetry.NewNopTelemetry()
	ctx := tel.WithContext(context.Background())

	op := telemetry.StartOperation(ctx, "audit.export")
	err := errors.New("export failed")
	op.End(err)

	fmt.Println(op.Timer.Duration() >= 0)
	// Output: true
}
