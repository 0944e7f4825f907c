package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordForward(t *testing.T) {
	before := testutil.ToFloat64(ForwardPassesTotal.WithLabelValues("7"))
	RecordForward("native", 7, 0.001)
	RecordForward("native", 7, 0.002)

	got := testutil.ToFloat64(ForwardPassesTotal.WithLabelValues("7"))
	if got-before != 2 {
		t.Errorf("Expected 2 new passes, got %f", got-before)
	}
}

func TestWorkerGauge(t *testing.T) {
	before := testutil.ToFloat64(ActiveWorkers)
	WorkerStarted()
	WorkerStarted()
	WorkerStopped()

	if got := testutil.ToFloat64(ActiveWorkers); got-before != 1 {
		t.Errorf("Expected gauge to rise by 1, got %f", got-before)
	}
	WorkerStopped()
}

func TestHealthStatus(t *testing.T) {
	SetHealthy()
	if testutil.ToFloat64(HealthStatus) != 1 {
		t.Error("Expected healthy status 1")
	}
	SetUnhealthy()
	if testutil.ToFloat64(HealthStatus) != 0 {
		t.Error("Expected unhealthy status 0")
	}
}
