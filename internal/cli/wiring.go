package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"stablepool/internal/config"
	"stablepool/internal/coordination"
	"stablepool/internal/logging"
	"stablepool/internal/metrics"
	"stablepool/internal/orchestrator"
	"stablepool/internal/qrexport"
	"stablepool/internal/selection"
	"stablepool/internal/state"
)

// runWithConfig wires logging, metrics, coordination and QR export around
// an Orchestrator, then drives a single cycle, a fixed interval loop, or a
// cron schedule depending on cfg.
func runWithConfig(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rec *metrics.Recorder
	if cfg.MetricsAddr != "" {
		rec = metrics.New()
		go func() {
			if err := rec.Serve(ctx, cfg.MetricsAddr); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	var lock *coordination.RedisLock
	if cfg.RedisAddr != "" {
		token := fmt.Sprintf("stablepool-%d-%d", os.Getpid(), time.Now().UnixNano())
		lock = coordination.NewRedisLock(cfg.RedisAddr, cfg.RedisLockTTL, token)
		defer lock.Close()
	}

	ocfg := orchestrator.Config{
		Source:                  cfg.Source,
		Output:                  cfg.Output,
		State:                   cfg.State,
		TargetCount:             cfg.TargetCount,
		MaxCandidates:           cfg.MaxCandidates,
		RecheckMinutes:          cfg.RecheckMinutes,
		RetryFailedMinutes:      cfg.RetryFailedMinutes,
		MaxAgeHours:             cfg.MaxAgeHours,
		MaxFailStreak:           cfg.MaxFailStreak,
		TCPTimeout:              config.Seconds(cfg.TCPTimeoutSeconds),
		ProbeTimeout:            config.Seconds(cfg.ProbeTimeoutSeconds),
		Attempts:                cfg.Attempts,
		AttemptSuccessThreshold: cfg.AttemptSuccessThreshold,
		ProbeSuccessPerAttempt:  cfg.ProbeSuccessPerAttempt,
		StartupWait:             config.Seconds(cfg.StartupWaitSeconds),
		PauseBetweenAttempts:    config.Seconds(cfg.PauseBetweenAttemptsSeconds),
		XrayBin:                 cfg.XrayBin,
		AllowTCPOnlyFallback:    cfg.AllowTCPOnlyFallback,
		ProbeURLs:               cfg.ProbeURL,
		DryRun:                  cfg.DryRun,
		IntervalMinutes:         cfg.IntervalMinutes,
	}
	if cfg.RandomSeedSet {
		seed := cfg.RandomSeed
		ocfg.RandomSeed = &seed
	}

	o := orchestrator.New(ocfg, logger)
	if rec != nil {
		o.WithMetrics(rec)
	}
	if lock != nil {
		o.WithLock(lock)
	}

	runOnce := func() error {
		if err := o.RunCycle(ctx); err != nil {
			return err
		}
		if cfg.QRDir != "" {
			if err := writeQRExport(cfg); err != nil {
				logger.Error("qr export failed", "error", err)
			}
		}
		return nil
	}

	if cfg.Cron != "" {
		return runCron(ctx, logger, cfg.Cron, runOnce)
	}
	if cfg.IntervalMinutes > 0 {
		return runInterval(ctx, logger, cfg.IntervalMinutes, runOnce)
	}
	return runOnce()
}

// writeQRExport re-derives the current selection from the just-saved state
// so QR export always reflects what the cycle actually wrote to output.
func writeQRExport(cfg *config.Config) error {
	persisted := state.Load(cfg.State)
	preds := state.Predicates{
		MaxFailStreak:      cfg.MaxFailStreak,
		MaxAgeHours:        cfg.MaxAgeHours,
		RecheckMinutes:     cfg.RecheckMinutes,
		RetryFailedMinutes: cfg.RetryFailedMinutes,
	}
	picked := selection.Select(persisted.Configs, state.NowUTC(), preds, cfg.TargetCount)
	return qrexport.Write(cfg.QRDir, picked)
}

// runInterval repeats runOnce every interval minutes (clamped >=60s already
// done in config.Clamp), logging and continuing past per-cycle errors.
func runInterval(ctx context.Context, logger interface {
	Error(msg string, args ...any)
}, intervalMinutes int, runOnce func() error) error {
	interval := time.Duration(intervalMinutes) * time.Minute
	if interval < 60*time.Second {
		interval = 60 * time.Second
	}
	for {
		if err := runOnce(); err != nil {
			logger.Error("cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// runCron drives runOnce on a cron schedule instead of a fixed interval
// (SPEC_FULL.md §4.13); --interval-minutes is ignored in this mode.
func runCron(ctx context.Context, logger interface {
	Error(msg string, args ...any)
	Info(msg string, args ...any)
}, expr string, runOnce func() error) error {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := c.AddFunc(expr, func() {
		if err := runOnce(); err != nil {
			logger.Error("cycle failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("cli: invalid cron expression %q: %w", expr, err)
	}

	c.Start()
	logger.Info("cron scheduler started", "expr", expr)
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}
