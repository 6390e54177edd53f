// Focused tests for the telemetry module: disabled it must be inert, and
// enabled it must count what it is told.
package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDisabledIsInert(t *testing.T) {
	Enable(Config{Enabled: false})

	before := testutil.ToFloat64(wateringsTotal.WithLabelValues("manual"))
	ObserveWatering("manual", 120, 8)
	after := testutil.ToFloat64(wateringsTotal.WithLabelValues("manual"))

	if before != after {
		t.Fatalf("disabled telemetry counted a watering")
	}
}

func TestObserveWateringCounts(t *testing.T) {
	Enable(Config{Enabled: true})
	defer Enable(Config{Enabled: false})

	before := testutil.ToFloat64(wateringsTotal.WithLabelValues("auto"))
	ObserveWatering("auto", 60, 5)
	after := testutil.ToFloat64(wateringsTotal.WithLabelValues("auto"))

	if after != before+1 {
		t.Fatalf("watering count = %f, want %f", after, before+1)
	}
}

func TestRecordErrorCounts(t *testing.T) {
	Enable(Config{Enabled: true})
	defer Enable(Config{Enabled: false})

	before := testutil.ToFloat64(errorsTotal.WithLabelValues("valve_control"))
	RecordError("valve_control")
	after := testutil.ToFloat64(errorsTotal.WithLabelValues("valve_control"))

	if after != before+1 {
		t.Fatalf("error count = %f, want %f", after, before+1)
	}
}

func TestObserveFlowSetsGauge(t *testing.T) {
	Enable(Config{Enabled: true})
	defer Enable(Config{Enabled: false})

	ObserveFlow(7.5)
	if got := testutil.ToFloat64(flowGauge); got != 7.5 {
		t.Fatalf("flow gauge = %f, want 7.5", got)
	}
}
