// Package orchestrator drives one validation cycle end to end: load state,
// recheck stale active entries, select a pool, probe new candidates to fill
// any shortfall, then persist output and state (spec.md §4.7).
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"stablepool/internal/candidate"
	"stablepool/internal/coordination"
	"stablepool/internal/extract"
	"stablepool/internal/selection"
	"stablepool/internal/state"
	"stablepool/internal/validator"
)

// defaultConcurrency is the bounded worker-pool size used when Config
// doesn't request a specific one (spec.md §5 permits parallelizing
// independent candidate validations as long as each attempt gets its own
// port/temp path and state updates are serialized).
const defaultConcurrency = 4

// Config holds every CLI-exposed tunable from spec.md §6 that the
// orchestrator needs. Values are expected to arrive already clamped by the
// config layer (C8); Validator-side clamping is repeated defensively in
// validatorConfig since the zero value must still behave sanely in tests
// that build a Config by hand.
type Config struct {
	Source string
	Output string
	State  string

	TargetCount   int
	MaxCandidates int

	RecheckMinutes     int
	RetryFailedMinutes int
	MaxAgeHours        int
	MaxFailStreak      int

	TCPTimeout              time.Duration
	ProbeTimeout            time.Duration
	Attempts                int
	AttemptSuccessThreshold int
	ProbeSuccessPerAttempt  int
	StartupWait             time.Duration
	PauseBetweenAttempts    time.Duration

	XrayBin              string
	AllowTCPOnlyFallback bool
	ProbeURLs            []string

	DryRun          bool
	IntervalMinutes int
	RandomSeed      *int64

	// Concurrency bounds how many candidate validations run at once within
	// recheckPhase/newProbePhase. Zero selects defaultConcurrency.
	Concurrency int
}

// MetricsRecorder is the optional hook into C10; nil by default.
type MetricsRecorder interface {
	ObserveCycleDuration(time.Duration)
	SetCandidatesCount(raw, parsed int)
	RecordValidation(phase string, ok bool)
	RecordProbe(ok bool)
	SetPoolSize(n int)
	SetPoolScoreAvg(avg float64)
}

// CycleLock is the optional hook into C11's cross-replica coordination;
// nil means single-process mode, always acquired.
type CycleLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Orchestrator owns the RNG and optional collaborators for repeated cycles;
// nothing here is package-level global state (spec.md §9 design note).
type Orchestrator struct {
	cfg         Config
	logger      *slog.Logger
	rng         *rand.Rand
	seed        *int64
	metrics     MetricsRecorder
	lock        CycleLock
	concurrency int
	slots       *coordination.SlotAssigner
	counters    *coordination.CycleCounters
}

// New builds an Orchestrator. Its private RNG is seeded here from
// cfg.RandomSeed (if set) or the current time, never from math/rand's
// default source (spec.md §9 Open Question decision); when a seed is
// configured, RunCycle re-applies it at the start of every cycle so a
// daemon run reproduces the identical shuffle each time (SPEC_FULL §9,
// reference "seed applied once per cycle entry").
//
// A fixed-size rendezvous-hashed slot table and a fresh per-cycle counter
// set back the bounded concurrent-validation worker pool that
// recheckPhase/newProbePhase run candidates through (spec.md §5).
func New(cfg Config, logger *slog.Logger) *Orchestrator {
	var seed *int64
	if cfg.RandomSeed != nil {
		s := *cfg.RandomSeed
		seed = &s
	}
	initialSeed := time.Now().UnixNano()
	if seed != nil {
		initialSeed = *seed
	}
	if logger == nil {
		logger = slog.Default()
	}

	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = defaultConcurrency
	}
	slotNames := make([]string, concurrency)
	for i := range slotNames {
		slotNames[i] = fmt.Sprintf("slot-%d", i)
	}

	return &Orchestrator{
		cfg:         cfg,
		logger:      logger,
		rng:         rand.New(rand.NewSource(initialSeed)),
		seed:        seed,
		concurrency: concurrency,
		slots:       coordination.NewSlotAssigner(slotNames),
		counters:    coordination.NewCycleCounters(),
	}
}

// WithMetrics attaches a metrics recorder; safe to call with nil.
func (o *Orchestrator) WithMetrics(m MetricsRecorder) *Orchestrator {
	o.metrics = m
	return o
}

// WithLock attaches a cross-replica cycle lock; safe to call with nil.
func (o *Orchestrator) WithLock(l CycleLock) *Orchestrator {
	o.lock = l
	return o
}

func (o *Orchestrator) predicates() state.Predicates {
	return state.Predicates{
		MaxFailStreak:      o.cfg.MaxFailStreak,
		MaxAgeHours:        o.cfg.MaxAgeHours,
		RecheckMinutes:     o.cfg.RecheckMinutes,
		RetryFailedMinutes: o.cfg.RetryFailedMinutes,
	}
}

func (o *Orchestrator) validatorConfig() validator.Config {
	attempts := o.cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	threshold := o.cfg.AttemptSuccessThreshold
	if threshold < 1 {
		threshold = 1
	}
	if threshold > attempts {
		threshold = attempts
	}
	probeURLs := o.cfg.ProbeURLs
	perAttempt := o.cfg.ProbeSuccessPerAttempt
	if perAttempt < 1 {
		perAttempt = 1
	}
	if len(probeURLs) > 0 && perAttempt > len(probeURLs) {
		perAttempt = len(probeURLs)
	}

	return validator.Config{
		TCPTimeout:              o.cfg.TCPTimeout,
		ProbeTimeout:            o.cfg.ProbeTimeout,
		Attempts:                attempts,
		AttemptSuccessThreshold: threshold,
		ProbeSuccessPerAttempt:  perAttempt,
		StartupWait:             o.cfg.StartupWait,
		PauseBetweenAttempts:    o.cfg.PauseBetweenAttempts,
		XrayBin:                 o.cfg.XrayBin,
		AllowTCPOnlyFallback:    o.cfg.AllowTCPOnlyFallback,
		ProbeURLs:               probeURLs,
	}
}

// RunCycle executes exactly one validation cycle (spec.md §4.7 steps 1-8).
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	if o.lock != nil {
		acquired, err := o.lock.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire cycle lock: %w", err)
		}
		if !acquired {
			o.logger.Info("skipping cycle: another instance holds the lock")
			return nil
		}
		defer o.lock.Release(ctx)
	}

	if o.seed != nil {
		o.rng = rand.New(rand.NewSource(*o.seed))
	}
	o.counters = coordination.NewCycleCounters()

	start := time.Now()
	now := state.NowUTC()
	preds := o.predicates()
	vcfg := o.validatorConfig()

	persisted := state.Load(o.cfg.State)

	text, err := loadSource(ctx, o.cfg.Source, vcfg.TCPTimeout+vcfg.ProbeTimeout)
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}

	rawLines := extract.Lines(text)
	var parsedKeys []string
	parsedByKey := make(map[string]*candidate.Candidate, len(rawLines))
	for _, raw := range rawLines {
		c, ok := candidate.Parse(raw)
		if !ok {
			continue
		}
		if _, dup := parsedByKey[c.Key]; dup {
			continue
		}
		parsedByKey[c.Key] = c
		parsedKeys = append(parsedKeys, c.Key)
	}

	if o.metrics != nil {
		o.metrics.SetCandidatesCount(len(rawLines), len(parsedKeys))
	}

	validatedThisCycle := make(map[string]struct{})

	o.recheckPhase(ctx, persisted, now, preds, vcfg, validatedThisCycle)

	selected := selection.Select(persisted.Configs, now, preds, o.cfg.TargetCount)

	o.newProbePhase(ctx, persisted, now, preds, vcfg, parsedKeys, parsedByKey, validatedThisCycle, &selected)

	final := selection.Select(persisted.Configs, now, preds, o.cfg.TargetCount)
	finalKeys := make(map[string]struct{}, len(final))
	for _, p := range final {
		finalKeys[p.Key] = struct{}{}
	}
	for key, entry := range persisted.Configs {
		_, inPool := finalKeys[key]
		entry.Active = inPool
	}

	if !o.cfg.DryRun {
		if err := writeOutput(o.cfg.Output, final); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}

	lastRun := state.ToISO(now)
	persisted.LastRun = &lastRun
	if err := state.Save(o.cfg.State, persisted); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	if o.metrics != nil {
		o.metrics.ObserveCycleDuration(time.Since(start))
		o.metrics.SetPoolSize(len(final))
		o.metrics.SetPoolScoreAvg(averageScore(final))
	}

	o.logger.Info("cycle complete",
		"selected", len(final), "parsed", len(parsedKeys), "raw", len(rawLines),
		"checks_this_cycle", o.counters.ChecksThisCycle.Load(),
		"probes_this_cycle", o.counters.ProbesThisCycle.Load(),
	)
	return nil
}

// recheckPhase revalidates stale active entries within the recheck budget
// (spec.md §4.7 step 3), running up to o.concurrency validations at a time.
// Each goroutine only calls validator.Validate (its own loopback port and
// temp config path, per engine.Start/engine.FreePort); state.Update and the
// selection-relevant bookkeeping happen back on this goroutine once the
// whole batch has returned, so map writes are never concurrent.
func (o *Orchestrator) recheckPhase(ctx context.Context, p *state.Persisted, now time.Time, preds state.Predicates, vcfg validator.Config, validatedThisCycle map[string]struct{}) {
	budget := o.cfg.TargetCount * 3
	if budget < o.cfg.TargetCount {
		budget = o.cfg.TargetCount
	}

	type activeEntry struct {
		key   string
		entry *state.Entry
	}
	var actives []activeEntry
	for key, entry := range p.Configs {
		if entry.Active {
			actives = append(actives, activeEntry{key, entry})
		}
	}

	sort.SliceStable(actives, func(i, j int) bool {
		a, b := actives[i].entry, actives[j].entry
		staleA := state.MinutesSince(a.LastChecked, now)
		staleB := state.MinutesSince(b.LastChecked, now)
		if staleA != staleB {
			return staleA > staleB
		}
		return a.Score < b.Score
	})

	var eligible []activeEntry
	for _, ae := range actives {
		if state.NeedsRecheck(ae.entry, now, preds) {
			eligible = append(eligible, ae)
		}
	}

	type outcome struct {
		key    string
		c      *candidate.Candidate
		result validator.Result
	}

	idx := 0
	for idx < len(eligible) && budget > 0 {
		batchSize := o.concurrency
		if batchSize > budget {
			batchSize = budget
		}
		if idx+batchSize > len(eligible) {
			batchSize = len(eligible) - idx
		}
		batch := eligible[idx : idx+batchSize]
		idx += batchSize
		budget -= batchSize

		outcomes := make([]outcome, len(batch))
		var wg sync.WaitGroup
		for i, ae := range batch {
			wg.Add(1)
			go func(i int, ae activeEntry) {
				defer wg.Done()
				slot := o.slots.Slot(ae.entry.EndpointKey)

				c, ok := candidate.Parse(ae.entry.Raw)
				if !ok {
					// Stored raw no longer parses (should not happen in
					// practice); preserve identity fields rather than
					// blanking them via Update.
					stub := &candidate.Candidate{
						Key: ae.key, Raw: ae.entry.Raw,
						Scheme: candidate.Scheme(ae.entry.Scheme), Host: ae.entry.Host,
						Port: ae.entry.Port, EndpointKey: ae.entry.EndpointKey,
					}
					outcomes[i] = outcome{ae.key, stub, validator.Result{Error: "parse failed"}}
					return
				}

				o.logger.Debug("recheck attempt", "key", ae.key, "slot", slot)
				outcomes[i] = outcome{ae.key, c, validator.Validate(ctx, c, vcfg)}
			}(i, ae)
		}
		wg.Wait()

		for _, oc := range outcomes {
			state.Update(p, oc.c, oc.result, now)
			validatedThisCycle[oc.key] = struct{}{}
			o.counters.RecordCheck()
			if !oc.result.L2Skipped && oc.result.AttemptsTotal > 0 {
				o.counters.RecordProbe()
			}
			o.recordValidation("recheck", oc.result)
		}
	}
}

// newProbePhase validates unvisited candidates, in shuffled-then-score-sorted
// order, until the selection fills up or max_candidates is exhausted
// (spec.md §4.7 step 5). Candidates are validated o.concurrency at a time;
// each batch's state updates and the selection recompute they can trigger
// happen sequentially once the whole batch returns, so selection always
// observes one consistent snapshot rather than a partially-updated one
// (spec.md §5(d)).
func (o *Orchestrator) newProbePhase(
	ctx context.Context,
	p *state.Persisted,
	now time.Time,
	preds state.Predicates,
	vcfg validator.Config,
	parsedKeys []string,
	parsedByKey map[string]*candidate.Candidate,
	validatedThisCycle map[string]struct{},
	selected *[]selection.Picked,
) {
	order := make([]string, len(parsedKeys))
	copy(order, parsedKeys)
	o.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	scoreOf := func(key string) float64 {
		if entry, ok := p.Configs[key]; ok {
			return entry.Score
		}
		return 0
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scoreOf(order[i]) > scoreOf(order[j])
	})

	validationsThisPhase := 0

	type outcome struct {
		key    string
		result validator.Result
	}

	idx := 0
	for idx < len(order) {
		if len(*selected) >= o.cfg.TargetCount {
			break
		}
		if validationsThisPhase >= o.cfg.MaxCandidates {
			break
		}

		var batchKeys []string
		for idx < len(order) && len(batchKeys) < o.concurrency && validationsThisPhase+len(batchKeys) < o.cfg.MaxCandidates {
			key := order[idx]
			idx++
			if _, done := validatedThisCycle[key]; done {
				continue
			}
			if isSelected(*selected, key) {
				continue
			}
			if entry, ok := p.Configs[key]; ok {
				if state.RetrySuppressed(entry, now, preds) {
					continue
				}
				if entry.EndpointKey != "" && endpointAlreadySelected(*selected, entry.EndpointKey) {
					continue
				}
			}
			batchKeys = append(batchKeys, key)
		}
		if len(batchKeys) == 0 {
			continue
		}

		outcomes := make([]outcome, len(batchKeys))
		var wg sync.WaitGroup
		for i, key := range batchKeys {
			wg.Add(1)
			go func(i int, key string) {
				defer wg.Done()
				c := parsedByKey[key]
				slot := o.slots.Slot(c.EndpointKey)
				o.logger.Debug("new-probe attempt", "key", key, "slot", slot)
				outcomes[i] = outcome{key, validator.Validate(ctx, c, vcfg)}
			}(i, key)
		}
		wg.Wait()

		for _, oc := range outcomes {
			c := parsedByKey[oc.key]
			entry := state.Update(p, c, oc.result, now)
			validatedThisCycle[oc.key] = struct{}{}
			validationsThisPhase++
			o.counters.RecordCheck()
			if !oc.result.L2Skipped && oc.result.AttemptsTotal > 0 {
				o.counters.RecordProbe()
			}
			o.recordValidation("new", oc.result)

			if state.Healthy(entry, now, preds) {
				*selected = selection.Select(p.Configs, now, preds, o.cfg.TargetCount)
			}
		}

		if len(*selected) >= o.cfg.TargetCount {
			break
		}
	}
}

func (o *Orchestrator) recordValidation(phase string, result validator.Result) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordValidation(phase, result.OK)
	if !result.L2Skipped && result.AttemptsTotal > 0 {
		o.metrics.RecordProbe(result.L2OK)
	}
}

func isSelected(selected []selection.Picked, key string) bool {
	for _, p := range selected {
		if p.Key == key {
			return true
		}
	}
	return false
}

func endpointAlreadySelected(selected []selection.Picked, endpointKey string) bool {
	for _, p := range selected {
		if p.Entry.EndpointKey == endpointKey {
			return true
		}
	}
	return false
}

func averageScore(picked []selection.Picked) float64 {
	if len(picked) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range picked {
		sum += p.Entry.Score
	}
	return sum / float64(len(picked))
}

// writeOutput emits one raw URI per line, LF endings, trailing newline iff
// non-empty, via write-temp-then-rename (spec.md §6).
func writeOutput(path string, picked []selection.Picked) error {
	var sb strings.Builder
	for _, p := range picked {
		sb.WriteString(p.Entry.Raw)
		sb.WriteString("\n")
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(dir, ".stablepool-output-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Run drives the daemon loop: repeat RunCycle every interval (clamped to at
// least 60 seconds), logging and continuing past any per-cycle error
// (spec.md §4.7 "A cycle that raises is logged; the loop continues").
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.IntervalMinutes <= 0 {
		return o.RunCycle(ctx)
	}

	interval := time.Duration(o.cfg.IntervalMinutes) * time.Minute
	if interval < 60*time.Second {
		interval = 60 * time.Second
	}

	for {
		if err := o.RunCycle(ctx); err != nil {
			o.logger.Error("cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
