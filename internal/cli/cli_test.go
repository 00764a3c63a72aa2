package cli

import "testing"

func TestNewRootCommandHasSubcommands(t *testing.T) {
	root := NewRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	if !names["validate"] {
		t.Fatalf("expected validate subcommand")
	}
	if !names["version"] {
		t.Fatalf("expected version subcommand")
	}
}

func TestValidateCommandRegistersSpecFlags(t *testing.T) {
	root := NewRootCommand()

	for _, c := range root.Commands() {
		if c.Name() != "validate" {
			continue
		}
		for _, name := range []string{
			"source", "output", "state", "target-count", "max-candidates",
			"recheck-minutes", "retry-failed-minutes", "max-age-hours",
			"max-fail-streak", "tcp-timeout", "probe-timeout", "attempts",
			"attempt-success-threshold", "probe-success-per-attempt",
			"startup-wait-seconds", "pause-between-attempts", "xray-bin",
			"allow-tcp-only-fallback", "dry-run", "interval-minutes",
			"random-seed", "probe-url", "metrics-addr", "redis-addr",
			"redis-lock-ttl", "qr-dir", "cron", "log-format", "log-level", "config",
		} {
			if c.Flags().Lookup(name) == nil {
				t.Fatalf("expected flag --%s to be registered", name)
			}
		}
		return
	}
	t.Fatalf("validate subcommand not found")
}
