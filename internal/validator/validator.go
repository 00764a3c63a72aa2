// Package validator implements the three-layer candidate health check
// (spec.md §4.4): L0 parse, L1 TCP reachability, L2 live traffic probe
// through a spawned proxy engine.
package validator

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"stablepool/internal/candidate"
	"stablepool/internal/engine"
	"stablepool/internal/outbound"
	"stablepool/internal/probe"
)

// Config holds every tunable spec.md's CLI surface exposes that affects
// validation. Callers are expected to have already clamped values per
// spec.md §6 (attempt_success_threshold, probe_success_per_attempt, etc.).
type Config struct {
	TCPTimeout              time.Duration
	ProbeTimeout            time.Duration
	Attempts                int
	AttemptSuccessThreshold int
	ProbeSuccessPerAttempt  int
	StartupWait             time.Duration
	PauseBetweenAttempts    time.Duration
	XrayBin                 string
	AllowTCPOnlyFallback    bool
	ProbeURLs               []string
}

// Result mirrors spec.md's ValidationResult exactly.
type Result struct {
	OK             bool
	L0OK           bool
	L1OK           bool
	L2OK           bool
	L2Skipped      bool
	AttemptsOK     int
	AttemptsTotal  int
	AvgLatencyMs   *float64
	Error          string
}

// Validate runs L0/L1/L2 in sequence for one candidate. A nil candidate
// fails at L0 (spec.md: "invalid candidate is never passed here in
// practice, but Validate must still behave per spec.md when it is").
func Validate(ctx context.Context, c *candidate.Candidate, cfg Config) Result {
	if c == nil {
		return Result{Error: "parse failed"}
	}

	if !tcpReachable(ctx, c.Host, c.Port, cfg.TCPTimeout) {
		return Result{L0OK: true, Error: "tcp unreachable"}
	}

	doc, reason := outbound.Synthesize(c)
	if doc == nil {
		return Result{L0OK: true, L1OK: true, Error: reason}
	}

	return runL2(ctx, doc, cfg)
}

// tcpReachable resolves host to one or more socket addresses and attempts a
// TCP connect to each with timeout; the first success is sufficient.
func tcpReachable(ctx context.Context, host string, port int, timeout time.Duration) bool {
	resolveCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupHost(resolveCtx, host)
	if err != nil || len(addrs) == 0 {
		// host may already be an IP literal LookupHost still handles that,
		// but guard anyway for resolvers that refuse to "resolve" literals.
		addrs = []string{host}
	}

	for _, addr := range addrs {
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
		if err == nil {
			conn.Close()
			return true
		}
	}
	return false
}

// runL2 spawns the engine attempts-many times, probing cfg.ProbeURLs
// through each, per spec.md §4.4 step 3.
func runL2(ctx context.Context, doc map[string]any, cfg Config) Result {
	binPath, found := engine.Locate(cfg.XrayBin)
	if !found {
		if cfg.AllowTCPOnlyFallback {
			return Result{
				OK:        true,
				L0OK:      true,
				L1OK:      true,
				L2Skipped: true,
				Error:     "xray binary not found; tcp-only fallback",
			}
		}
		return Result{
			L0OK:  true,
			L1OK:  true,
			Error: fmt.Sprintf("xray binary not found: %s", cfg.XrayBin),
		}
	}

	attemptsOK := 0
	var successfulLatencies []float64
	var errs []string

	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		ok, latency, attemptErrs := runAttempt(ctx, binPath, doc, cfg)
		if ok {
			attemptsOK++
			if latency != nil {
				successfulLatencies = append(successfulLatencies, *latency)
			}
		}
		errs = append(errs, attemptErrs...)

		if attempt < cfg.Attempts-1 && cfg.PauseBetweenAttempts > 0 {
			time.Sleep(cfg.PauseBetweenAttempts)
		}
	}

	l2OK := attemptsOK >= cfg.AttemptSuccessThreshold
	var avgLatency *float64
	if len(successfulLatencies) > 0 {
		sum := 0.0
		for _, v := range successfulLatencies {
			sum += v
		}
		mean := sum / float64(len(successfulLatencies))
		avgLatency = &mean
	}

	errMsg := ""
	if !l2OK && len(errs) > 0 {
		errMsg = joinDistinct(errs, 3)
	}

	return Result{
		OK:            l2OK,
		L0OK:          true,
		L1OK:          true,
		L2OK:          l2OK,
		AttemptsOK:    attemptsOK,
		AttemptsTotal: cfg.Attempts,
		AvgLatencyMs:  avgLatency,
		Error:         errMsg,
	}
}

// runAttempt performs one full attempt: reserve a port, spawn the engine,
// wait for warmup, probe every configured URL, then tear everything down.
func runAttempt(ctx context.Context, binPath string, doc map[string]any, cfg Config) (ok bool, latencyMs *float64, errs []string) {
	socksPort, err := engine.FreePort()
	if err != nil {
		return false, nil, []string{fmt.Sprintf("no free port: %v", err)}
	}

	runtimeConfig := outbound.Document(socksPort, doc)

	session, err := engine.Start(binPath, socksPort, runtimeConfig)
	if err != nil {
		return false, nil, []string{fmt.Sprintf("engine start: %v", err)}
	}
	defer session.Release()

	time.Sleep(cfg.StartupWait)

	if exited, stderr := session.ExitedEarly(); exited {
		return false, nil, []string{fmt.Sprintf("xray exited early: %s", stderr)}
	}

	successCount := 0
	var perAttemptLatencies []float64
	for _, url := range cfg.ProbeURLs {
		result := probe.URL(ctx, socksPort, url, cfg.ProbeTimeout)
		if result.Success {
			successCount++
			perAttemptLatencies = append(perAttemptLatencies, float64(result.Latency)/float64(time.Millisecond))
		} else if result.Error != "" {
			errs = append(errs, result.Error)
		}
	}

	if successCount >= cfg.ProbeSuccessPerAttempt {
		if len(perAttemptLatencies) > 0 {
			sum := 0.0
			for _, v := range perAttemptLatencies {
				sum += v
			}
			mean := sum / float64(len(perAttemptLatencies))
			return true, &mean, errs
		}
		return true, nil, errs
	}
	return false, nil, errs
}

// joinDistinct joins up to max distinct strings from items with "; ".
func joinDistinct(items []string, max int) string {
	seen := make(map[string]struct{}, max)
	var distinct []string
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		distinct = append(distinct, item)
		if len(distinct) >= max {
			break
		}
	}
	return strings.Join(distinct, "; ")
}
