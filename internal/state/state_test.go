package state

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"stablepool/internal/candidate"
	"stablepool/internal/validator"
)

func mustCandidate(t *testing.T, raw string) *candidate.Candidate {
	t.Helper()
	c, ok := candidate.Parse(raw)
	if !ok {
		t.Fatalf("parse failed for %q", raw)
	}
	return c
}

func TestUpdateMonotoneCounters(t *testing.T) {
	p := &Persisted{Configs: map[string]*Entry{}}
	c := mustCandidate(t, "trojan://pw@srv.example.com:443")
	now := NowUTC()

	Update(p, c, validator.Result{OK: false, Error: "tcp unreachable"}, now)
	e := Update(p, c, validator.Result{OK: true, L2OK: true, AttemptsTotal: 3, AttemptsOK: 2}, now.Add(time.Minute))

	if e.ChecksTotal != 2 {
		t.Fatalf("expected checks_total=2, got %d", e.ChecksTotal)
	}
	if e.ChecksOK != 1 {
		t.Fatalf("expected checks_ok=1, got %d", e.ChecksOK)
	}
	if e.ChecksOK > e.ChecksTotal {
		t.Fatalf("checks_ok must not exceed checks_total")
	}
	if e.L2Passes > e.L2Checks {
		t.Fatalf("l2_passes must not exceed l2_checks")
	}
	if e.FailStreak != 0 {
		t.Fatalf("expected fail streak reset to 0 on success, got %d", e.FailStreak)
	}
}

func TestUpdateScoreBounds(t *testing.T) {
	p := &Persisted{Configs: map[string]*Entry{}}
	c := mustCandidate(t, "trojan://pw@srv.example.com:443")
	now := NowUTC()

	for i := 0; i < 5; i++ {
		result := validator.Result{OK: i%2 == 0, L2OK: i%2 == 0, AttemptsTotal: 3, AttemptsOK: 2}
		e := Update(p, c, result, now.Add(time.Duration(i)*time.Minute))
		if e.Score < 0 || e.Score > 100 {
			t.Fatalf("score out of bounds: %v", e.Score)
		}
	}
}

func TestUpdateTCPOnlyFallbackAsymmetry(t *testing.T) {
	p := &Persisted{Configs: map[string]*Entry{}}
	c := mustCandidate(t, "trojan://pw@srv.example.com:443")
	now := NowUTC()

	e := Update(p, c, validator.Result{OK: true, L2Skipped: true, AttemptsTotal: 0}, now)
	if e.L2Checks != 0 {
		t.Fatalf("expected l2_checks to stay 0 on skipped L2, got %d", e.L2Checks)
	}
	if e.ChecksOK != 1 || e.ChecksTotal != 1 {
		t.Fatalf("expected checks_ok/checks_total both incremented, got %d/%d", e.ChecksOK, e.ChecksTotal)
	}
}

func TestHealthyPredicate(t *testing.T) {
	now := NowUTC()
	preds := Predicates{MaxFailStreak: 2, MaxAgeHours: 36}

	healthy := &Entry{FailStreak: 0, LastSuccess: ToISO(now.Add(-time.Hour))}
	if !Healthy(healthy, now, preds) {
		t.Fatalf("expected entry to be healthy")
	}

	stale := &Entry{FailStreak: 0, LastSuccess: ToISO(now.Add(-48 * time.Hour))}
	if Healthy(stale, now, preds) {
		t.Fatalf("expected stale entry to be unhealthy")
	}

	failing := &Entry{FailStreak: 3, LastSuccess: ToISO(now.Add(-time.Hour))}
	if Healthy(failing, now, preds) {
		t.Fatalf("expected high fail streak entry to be unhealthy")
	}

	never := &Entry{}
	if Healthy(never, now, preds) {
		t.Fatalf("expected entry with no last_success to be unhealthy")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	p := &Persisted{Configs: map[string]*Entry{"k1": {Raw: "trojan://x@h:1", Score: 42}}}
	if err := Save(path, p); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := Load(path)
	if loaded.Configs["k1"].Score != 42 {
		t.Fatalf("unexpected round-trip: %+v", loaded.Configs["k1"])
	}
}

func TestSaveWritesKeySortedEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	latency := 12.5
	p := &Persisted{Configs: map[string]*Entry{
		"k1": {
			Raw: "trojan://x@h:1", Scheme: "trojan", Host: "h", Port: 1,
			EndpointKey: "h:1", ChecksTotal: 2, ChecksOK: 1,
			LastLatencyMs: &latency, Score: 42,
		},
	}}
	if err := Save(path, p); err != nil {
		t.Fatalf("save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	text := string(data)
	rawLatency := strconv.FormatFloat(latency, 'g', -1, 64)
	activeIdx := strings.Index(text, `"active":`)
	checksOKIdx := strings.Index(text, `"checks_ok": 1`)
	if activeIdx < 0 || checksOKIdx < 0 {
		t.Fatalf("expected both active and checks_ok fields in output: %s", text)
	}
	if checksOKIdx < activeIdx {
		t.Fatalf("expected entry fields in sorted key order (active before checks_ok): %s", text)
	}
	if !strings.Contains(text, `"last_latency_ms": `+rawLatency) {
		t.Fatalf("expected last_latency_ms=%s in output: %s", rawLatency, text)
	}
}

func TestLoadCorruptStateIsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded := Load(path)
	if len(loaded.Configs) != 0 {
		t.Fatalf("expected empty configs for corrupt state")
	}
}

func TestLoadMissingStateIsEmpty(t *testing.T) {
	loaded := Load(filepath.Join(t.TempDir(), "missing.json"))
	if loaded.Configs == nil || len(loaded.Configs) != 0 {
		t.Fatalf("expected empty configs for missing state")
	}
}
