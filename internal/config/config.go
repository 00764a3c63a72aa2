// Package config defines the validator's settings document and the
// viper-backed precedence (flag > env > config file > default) used to
// build it, per spec.md §6's CLI surface (SPEC_FULL.md §4.8).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved settings document for one validator run.
// Field names mirror the CLI flags in spec.md §6 plus SPEC_FULL.md's C8
// additions.
type Config struct {
	Source string `mapstructure:"source"`
	Output string `mapstructure:"output"`
	State  string `mapstructure:"state"`

	TargetCount   int `mapstructure:"target-count"`
	MaxCandidates int `mapstructure:"max-candidates"`

	RecheckMinutes     int `mapstructure:"recheck-minutes"`
	RetryFailedMinutes int `mapstructure:"retry-failed-minutes"`
	MaxAgeHours        int `mapstructure:"max-age-hours"`
	MaxFailStreak      int `mapstructure:"max-fail-streak"`

	TCPTimeoutSeconds   float64 `mapstructure:"tcp-timeout"`
	ProbeTimeoutSeconds float64 `mapstructure:"probe-timeout"`

	Attempts                int `mapstructure:"attempts"`
	AttemptSuccessThreshold int `mapstructure:"attempt-success-threshold"`
	ProbeSuccessPerAttempt  int `mapstructure:"probe-success-per-attempt"`

	StartupWaitSeconds          float64 `mapstructure:"startup-wait-seconds"`
	PauseBetweenAttemptsSeconds float64 `mapstructure:"pause-between-attempts"`

	XrayBin              string   `mapstructure:"xray-bin"`
	AllowTCPOnlyFallback bool     `mapstructure:"allow-tcp-only-fallback"`
	DryRun               bool     `mapstructure:"dry-run"`
	IntervalMinutes      int      `mapstructure:"interval-minutes"`
	RandomSeed           int64    `mapstructure:"random-seed"`
	RandomSeedSet        bool     `mapstructure:"-"`
	ProbeURL             []string `mapstructure:"probe-url"`

	MetricsAddr   string        `mapstructure:"metrics-addr"`
	RedisAddr     string        `mapstructure:"redis-addr"`
	RedisLockTTL  time.Duration `mapstructure:"redis-lock-ttl"`
	QRDir         string        `mapstructure:"qr-dir"`
	Cron          string        `mapstructure:"cron"`
	LogFormat     string        `mapstructure:"log-format"`
	LogLevel      string        `mapstructure:"log-level"`
}

// defaultProbeURLs mirrors spec.md §6's default probe_urls list exactly.
var defaultProbeURLs = []string{
	"https://cp.cloudflare.com/generate_204",
	"https://ya.ru/generate_204",
	"https://www.rbc.ru",
}

// SetDefaults installs every flag's default value on v, matching spec.md §6.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("source", "../githubmirror/26.txt")
	v.SetDefault("output", "../githubmirror/26.stable.txt")
	v.SetDefault("state", "./stable_pool_state.json")

	v.SetDefault("target-count", 10)
	v.SetDefault("max-candidates", 180)

	v.SetDefault("recheck-minutes", 180)
	v.SetDefault("retry-failed-minutes", 90)
	v.SetDefault("max-age-hours", 36)
	v.SetDefault("max-fail-streak", 2)

	v.SetDefault("tcp-timeout", 2.2)
	v.SetDefault("probe-timeout", 8.0)

	v.SetDefault("attempts", 3)
	v.SetDefault("attempt-success-threshold", 2)
	v.SetDefault("probe-success-per-attempt", 2)

	v.SetDefault("startup-wait-seconds", 0.6)
	v.SetDefault("pause-between-attempts", 0.6)

	v.SetDefault("xray-bin", "xray")
	v.SetDefault("allow-tcp-only-fallback", false)
	v.SetDefault("dry-run", false)
	v.SetDefault("interval-minutes", 0)
	v.SetDefault("random-seed", int64(0))
	v.SetDefault("probe-url", []string{})

	v.SetDefault("metrics-addr", "")
	v.SetDefault("redis-addr", "")
	v.SetDefault("redis-lock-ttl", 10*time.Minute)
	v.SetDefault("qr-dir", "")
	v.SetDefault("cron", "")
	v.SetDefault("log-format", "text")
	v.SetDefault("log-level", "info")
}

// Load builds a Viper instance honoring flag > env > config file > default
// precedence and unmarshals it into a Config. configFile may be empty.
func Load(configFile string) (*viper.Viper, *Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("STABLEPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.ProbeURL) == 0 {
		cfg.ProbeURL = append([]string(nil), defaultProbeURLs...)
	}

	Clamp(&cfg)
	return v, &cfg, nil
}

// Clamp applies every clamping rule spec.md §6 documents, plus the
// reference's build_config floors on the numeric fields it never
// explicitly names (so e.g. --target-count 0 or --tcp-timeout 0 can't flow
// through unguarded), so callers never have to re-derive them.
func Clamp(cfg *Config) {
	if cfg.TargetCount < 1 {
		cfg.TargetCount = 1
	}
	if cfg.MaxCandidates < 1 {
		cfg.MaxCandidates = 1
	}

	if cfg.RecheckMinutes < 5 {
		cfg.RecheckMinutes = 5
	}
	if cfg.RetryFailedMinutes < 1 {
		cfg.RetryFailedMinutes = 1
	}
	if cfg.MaxAgeHours < 1 {
		cfg.MaxAgeHours = 1
	}
	if cfg.MaxFailStreak < 0 {
		cfg.MaxFailStreak = 0
	}

	if cfg.TCPTimeoutSeconds < 0.3 {
		cfg.TCPTimeoutSeconds = 0.3
	}
	if cfg.ProbeTimeoutSeconds < 0.5 {
		cfg.ProbeTimeoutSeconds = 0.5
	}

	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.AttemptSuccessThreshold < 1 {
		cfg.AttemptSuccessThreshold = 1
	}
	if cfg.AttemptSuccessThreshold > cfg.Attempts {
		cfg.AttemptSuccessThreshold = cfg.Attempts
	}
	if cfg.ProbeSuccessPerAttempt < 1 {
		cfg.ProbeSuccessPerAttempt = 1
	}
	if n := len(cfg.ProbeURL); n > 0 && cfg.ProbeSuccessPerAttempt > n {
		cfg.ProbeSuccessPerAttempt = n
	}

	if cfg.StartupWaitSeconds < 0.05 {
		cfg.StartupWaitSeconds = 0.05
	}
	if cfg.PauseBetweenAttemptsSeconds < 0 {
		cfg.PauseBetweenAttemptsSeconds = 0
	}

	if cfg.IntervalMinutes > 0 {
		minSeconds := 60
		if cfg.IntervalMinutes*60 < minSeconds {
			cfg.IntervalMinutes = 1
		}
	}
}

// Seconds converts a float seconds value to a time.Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
