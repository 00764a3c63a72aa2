// Package state implements the persistent per-candidate statistics, score
// formula, and healthy/recheck predicates of spec.md §4.5.
package state

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"time"

	"stablepool/internal/candidate"
	"stablepool/internal/validator"
)

// Entry is the persistent per-candidate record (spec.md §3 StateEntry).
type Entry struct {
	Raw         string `json:"raw"`
	Scheme      string `json:"scheme"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	EndpointKey string `json:"endpoint_key"`

	ChecksTotal int `json:"checks_total"`
	ChecksOK    int `json:"checks_ok"`
	L2Checks    int `json:"l2_checks"`
	L2Passes    int `json:"l2_passes"`
	FailStreak  int `json:"fail_streak"`

	LastChecked string `json:"last_checked,omitempty"`
	LastSuccess string `json:"last_success,omitempty"`

	LastLatencyMs *float64 `json:"last_latency_ms,omitempty"`
	LastError     string   `json:"last_error,omitempty"`

	Score  float64 `json:"score"`
	Active bool    `json:"active"`
}

// MarshalJSON emits entry as a map rather than letting struct-field
// declaration order leak into the file, so every per-entry object is
// key-sorted the same way Configs itself already is (spec.md §6 "keys
// sorted", matching the reference's json.dump(..., sort_keys=True)).
func (e *Entry) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"raw":          e.Raw,
		"scheme":       e.Scheme,
		"host":         e.Host,
		"port":         e.Port,
		"endpoint_key": e.EndpointKey,
		"checks_total": e.ChecksTotal,
		"checks_ok":    e.ChecksOK,
		"l2_checks":    e.L2Checks,
		"l2_passes":    e.L2Passes,
		"fail_streak":  e.FailStreak,
		"score":        e.Score,
		"active":       e.Active,
	}
	if e.LastChecked != "" {
		m["last_checked"] = e.LastChecked
	}
	if e.LastSuccess != "" {
		m["last_success"] = e.LastSuccess
	}
	if e.LastLatencyMs != nil {
		m["last_latency_ms"] = *e.LastLatencyMs
	}
	if e.LastError != "" {
		m["last_error"] = e.LastError
	}
	return json.Marshal(m)
}

// Persisted is the full on-disk state document (spec.md §3 PersistedState).
type Persisted struct {
	Configs map[string]*Entry `json:"configs"`
	LastRun *string           `json:"last_run"`
}

// Predicates holds the thresholds the healthy/recheck/retry-suppressed
// predicates are evaluated against; values come straight from the CLI.
type Predicates struct {
	MaxFailStreak      int
	MaxAgeHours        int
	RecheckMinutes     int
	RetryFailedMinutes int
}

const isoLayout = "2006-01-02T15:04:05Z07:00"

// NowUTC returns the current instant truncated to whole seconds, as
// to_iso/now_utc do in the reference implementation.
func NowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// ToISO formats an instant the way update_entry persists timestamps.
func ToISO(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(isoLayout)
}

// parseISO parses a persisted timestamp, tolerating empty/malformed input
// by returning (zero, false) rather than erroring — corrupt single fields
// should not take down an entire cycle.
func parseISO(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(isoLayout, value)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// Load reads the state file, treating any I/O or decode failure as an
// empty state (spec.md §7: "State file corruption: treated as empty
// state").
func Load(path string) *Persisted {
	empty := func() *Persisted {
		return &Persisted{Configs: map[string]*Entry{}}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return empty()
	}

	var p Persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return empty()
	}
	if p.Configs == nil {
		p.Configs = map[string]*Entry{}
	}
	return &p
}

// Save serializes the state atomically: write to a temp file in the same
// directory, then rename over the destination.
func Save(path string, p *Persisted) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".stablepool-state-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
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

// Update applies the result of one validation to the entry for candidate,
// creating it on first sight (spec.md §4.5 update_entry). Idempotent per
// call: it always echoes identity, bumps checks_total, and recomputes
// score.
func Update(p *Persisted, c *candidate.Candidate, result validator.Result, now time.Time) *Entry {
	entry, ok := p.Configs[c.Key]
	if !ok {
		entry = &Entry{}
		p.Configs[c.Key] = entry
	}

	entry.Raw = c.Raw
	entry.Scheme = string(c.Scheme)
	entry.Host = c.Host
	entry.Port = c.Port
	entry.EndpointKey = c.EndpointKey
	entry.LastChecked = ToISO(now)
	entry.ChecksTotal++

	if !result.L2Skipped && result.AttemptsTotal > 0 {
		entry.L2Checks++
		if result.L2OK {
			entry.L2Passes++
		}
	}

	if result.OK {
		entry.ChecksOK++
		entry.FailStreak = 0
		entry.LastSuccess = ToISO(now)
		entry.LastError = ""
		if result.AvgLatencyMs != nil {
			rounded := math.Round(*result.AvgLatencyMs*100) / 100
			entry.LastLatencyMs = &rounded
		}
	} else {
		entry.FailStreak++
		entry.LastError = clip(result.Error, 240)
	}

	entry.Score = Score(entry)
	return entry
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// Score computes the composite 0-100 score from an entry's counters
// (spec.md §4.5).
func Score(e *Entry) float64 {
	checksTotal := e.ChecksTotal
	if checksTotal < 1 {
		checksTotal = 1
	}
	successRate := float64(e.ChecksOK) / float64(checksTotal)

	l2Checks := e.L2Checks
	if l2Checks < 1 {
		l2Checks = 1
	}
	l2Rate := float64(e.L2Passes) / float64(l2Checks)

	latencyScore := 0.45
	if e.LastLatencyMs != nil {
		latency := *e.LastLatencyMs
		if latency > 3000 {
			latency = 3000
		}
		latencyScore = math.Max(0, 1-latency/3000)
	}

	failStreak := e.FailStreak
	if failStreak > 4 {
		failStreak = 4
	}
	stability := math.Max(0, 1-float64(failStreak)*0.2)

	raw := (successRate*0.5 + l2Rate*0.25 + latencyScore*0.15 + stability*0.10) * 100
	return math.Round(raw*100) / 100
}

// Healthy reports whether entry qualifies as healthy per spec.md §4.5:
// bounded consecutive failures and a recent last_success.
func Healthy(e *Entry, now time.Time, p Predicates) bool {
	if e.FailStreak > p.MaxFailStreak {
		return false
	}
	success, ok := parseISO(e.LastSuccess)
	if !ok {
		return false
	}
	ageHours := now.Sub(success).Hours()
	return ageHours <= float64(p.MaxAgeHours)
}

// NeedsRecheck reports whether entry is stale enough to warrant
// revalidation.
func NeedsRecheck(e *Entry, now time.Time, p Predicates) bool {
	checked, ok := parseISO(e.LastChecked)
	if !ok {
		return true
	}
	return now.Sub(checked).Minutes() >= float64(p.RecheckMinutes)
}

// RetrySuppressed reports whether entry recently failed and should not be
// retried yet.
func RetrySuppressed(e *Entry, now time.Time, p Predicates) bool {
	if e.FailStreak == 0 {
		return false
	}
	checked, ok := parseISO(e.LastChecked)
	if !ok {
		return false
	}
	return now.Sub(checked).Minutes() < float64(p.RetryFailedMinutes)
}

// MinutesSince returns the number of minutes since the entry's
// last_checked timestamp, or a very large sentinel when unknown — mirrors
// the reference's 10**9 fallback used for sort ordering.
func MinutesSince(value string, now time.Time) float64 {
	t, ok := parseISO(value)
	if !ok {
		return 1e9
	}
	return now.Sub(t).Minutes()
}
