package prommetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestMetrics_RecordEntitlementCheck(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordEntitlementCheck("active")
	metrics.RecordEntitlementCheck("active")
	metrics.RecordEntitlementCheck("inactive")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var checks *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "test_entitlement_checks_total" {
			checks = f
		}
	}
	if checks == nil {
		t.Fatal("Expected entitlement check metric family")
	}

	total := 0.0
	for _, m := range checks.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	if total != 3 {
		t.Errorf("Expected 3 checks recorded, got %v", total)
	}
}

func TestMetrics_RecordTrialOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordTrialStarted()
	metrics.RecordTrialRejected("precheck")
	metrics.RecordTrialRejected("race")
	metrics.RecordLazyExpiry()
	metrics.RecordSubscriptionCreated("1_year")
	metrics.RecordCancellation()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) != 5 {
		t.Errorf("Expected 5 metric families, got %d", len(families))
	}
}
