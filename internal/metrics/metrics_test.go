package metrics_test

import (
	"bytes"
	"strings"
	"testing"

	"git.sr.ht/~jakintosh/apisession/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	t.Parallel()
	var m *metrics.Metrics

	// nothing panics on a nil receiver
	m.RenewalSucceeded()
	m.RenewalFailed()
	m.RenewalShared()
	m.Retried()
	m.TornDown()
	if err := m.Register(prometheus.NewRegistry()); err != nil {
		t.Errorf("Register on nil returned %v", err)
	}
}

func TestMetrics_WriteText(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	m.RenewalSucceeded()
	m.RenewalFailed()
	m.RenewalFailed()
	m.Retried()

	count, err := testutil.GatherAndCount(reg, "apisession_renewals_total")
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("renewals series = %d, want 2", count)
	}

	var buf bytes.Buffer
	if err := metrics.WriteText(&buf, reg); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `apisession_renewals_total{outcome="failed"} 2`) {
		t.Errorf("missing failed renewals in output:\n%s", out)
	}
	if !strings.Contains(out, "apisession_retries_total 1") {
		t.Errorf("missing retries in output:\n%s", out)
	}
}

func TestMetrics_RegisterTwiceFails(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := m.Register(reg); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}
