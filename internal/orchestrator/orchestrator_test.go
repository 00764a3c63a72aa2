package orchestrator

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func listenLoopback(t *testing.T) (host string, port int, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return "127.0.0.1", addr.Port, func() { ln.Close() }
}

func baseConfig(t *testing.T, source, output, statePath string) Config {
	t.Helper()
	seed := int64(42)
	return Config{
		Source:                  source,
		Output:                  output,
		State:                   statePath,
		TargetCount:             1,
		MaxCandidates:           5,
		RecheckMinutes:          180,
		RetryFailedMinutes:      90,
		MaxAgeHours:             36,
		MaxFailStreak:           2,
		TCPTimeout:              300 * time.Millisecond,
		ProbeTimeout:            300 * time.Millisecond,
		Attempts:                1,
		AttemptSuccessThreshold: 1,
		ProbeSuccessPerAttempt:  1,
		StartupWait:             10 * time.Millisecond,
		PauseBetweenAttempts:    10 * time.Millisecond,
		XrayBin:                 "definitely-not-a-real-binary-xyz",
		AllowTCPOnlyFallback:    true,
		ProbeURLs:               []string{"https://cp.cloudflare.com/generate_204"},
		RandomSeed:              &seed,
	}
}

func TestRunCycleSelectsReachableCandidate(t *testing.T) {
	host, port, closeFn := listenLoopback(t)
	defer closeFn()

	dir := t.TempDir()
	sourcePath := filepath.Join(dir, "source.txt")
	raw := "trojan://pw@" + host + ":" + strconv.Itoa(port)
	if err := os.WriteFile(sourcePath, []byte(raw+"\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	outputPath := filepath.Join(dir, "output.txt")
	statePath := filepath.Join(dir, "state.json")
	cfg := baseConfig(t, sourcePath, outputPath, statePath)

	o := New(cfg, nil)
	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 1 || lines[0] != raw {
		t.Fatalf("unexpected output: %q", string(data))
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Fatalf("expected trailing newline for non-empty output")
	}
}

func TestRunCycleDryRunSkipsOutputWrite(t *testing.T) {
	host, port, closeFn := listenLoopback(t)
	defer closeFn()

	dir := t.TempDir()
	sourcePath := filepath.Join(dir, "source.txt")
	raw := "trojan://pw@" + host + ":" + strconv.Itoa(port)
	if err := os.WriteFile(sourcePath, []byte(raw+"\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	outputPath := filepath.Join(dir, "output.txt")
	statePath := filepath.Join(dir, "state.json")
	cfg := baseConfig(t, sourcePath, outputPath, statePath)
	cfg.DryRun = true

	o := New(cfg, nil)
	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	if _, err := os.Stat(outputPath); !os.IsNotExist(err) {
		t.Fatalf("expected no output file under dry-run, stat err=%v", err)
	}
	if _, err := os.Stat(statePath); err != nil {
		t.Fatalf("expected state file to still be written: %v", err)
	}
}

func TestRunCycleEmptySourceProducesEmptyOutput(t *testing.T) {
	dir := t.TempDir()
	sourcePath := filepath.Join(dir, "source.txt")
	if err := os.WriteFile(sourcePath, []byte(""), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	outputPath := filepath.Join(dir, "output.txt")
	statePath := filepath.Join(dir, "state.json")
	cfg := baseConfig(t, sourcePath, outputPath, statePath)

	o := New(cfg, nil)
	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty output file, got %q", string(data))
	}
}

func TestRunCycleMissingSourceIsFatal(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(t, filepath.Join(dir, "missing.txt"), filepath.Join(dir, "out.txt"), filepath.Join(dir, "state.json"))

	o := New(cfg, nil)
	if err := o.RunCycle(context.Background()); err == nil {
		t.Fatalf("expected error for missing source")
	}
}

// TestRunCycleValidatesBatchConcurrently drives more reachable candidates
// than TargetCount through newProbePhase's bounded worker pool (spec.md §5)
// and checks that at least TargetCount validations were counted and that
// the output holds exactly TargetCount selected candidates.
func TestRunCycleValidatesBatchConcurrently(t *testing.T) {
	dir := t.TempDir()
	sourcePath := filepath.Join(dir, "source.txt")

	var raws []string
	for i := 0; i < 6; i++ {
		host, port, closeFn := listenLoopback(t)
		defer closeFn()
		raws = append(raws, "trojan://pw"+strconv.Itoa(i)+"@"+host+":"+strconv.Itoa(port))
	}
	if err := os.WriteFile(sourcePath, []byte(strings.Join(raws, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	outputPath := filepath.Join(dir, "output.txt")
	statePath := filepath.Join(dir, "state.json")
	cfg := baseConfig(t, sourcePath, outputPath, statePath)
	cfg.TargetCount = 3
	cfg.MaxCandidates = 6
	cfg.Concurrency = 3

	o := New(cfg, nil)
	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	if got := o.counters.ChecksThisCycle.Load(); got < int64(cfg.TargetCount) {
		t.Fatalf("expected at least %d checks recorded, got %d", cfg.TargetCount, got)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != cfg.TargetCount {
		t.Fatalf("expected %d selected candidates, got %d (%q)", cfg.TargetCount, len(lines), string(data))
	}
}
