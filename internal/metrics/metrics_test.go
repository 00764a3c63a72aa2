package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderExposesRegisteredMetrics(t *testing.T) {
	r := New()
	r.SetCandidatesCount(40, 35)
	r.RecordValidation("new", true)
	r.RecordValidation("recheck", false)
	r.RecordProbe(true)
	r.SetPoolSize(8)
	r.SetPoolScoreAvg(73.5)

	got, err := testutil.GatherAndCount(r.registry)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if got == 0 {
		t.Fatalf("expected at least one metric sample")
	}
}

func TestResultLabel(t *testing.T) {
	if resultLabel(true) != "ok" {
		t.Fatalf("expected ok")
	}
	if resultLabel(false) != "fail" {
		t.Fatalf("expected fail")
	}
}

func TestCandidatesGaugeNamesContainStablepoolPrefix(t *testing.T) {
	r := New()
	names := []string{
		"stablepool_cycle_duration_seconds",
		"stablepool_candidates_parsed_total",
		"stablepool_pool_size",
	}
	for _, n := range names {
		if !strings.HasPrefix(n, "stablepool_") {
			t.Fatalf("metric %s missing prefix", n)
		}
	}
	_ = r
}
