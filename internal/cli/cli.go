// Package cli builds the cobra command tree and wires the resolved
// configuration into an orchestrator run (SPEC_FULL.md §4.8).
package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stablepool/internal/config"
)

// Version is stamped at build time via -ldflags; "dev" otherwise.
var Version = "dev"

// NewRootCommand builds the stablepool root command with its validate and
// version subcommands.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "stablepool",
		Short: "Validate and maintain a stable pool of working proxy configs",
	}

	root.AddCommand(newValidateCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the stablepool version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
			return nil
		},
	}
}

func newValidateCommand() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)

	var configFile string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run one (or, with --interval-minutes/--cron, repeated) validation cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, v, configFile)
		},
	}

	flags := cmd.Flags()
	flags.String("source", "../githubmirror/26.txt", "file path or URL of candidate list")
	flags.String("output", "../githubmirror/26.stable.txt", "emitted pool file")
	flags.String("state", "./stable_pool_state.json", "state file")
	flags.Int("target-count", 10, "K, the desired pool size")
	flags.Int("max-candidates", 180, "upper bound on new validations per cycle")
	flags.Int("recheck-minutes", 180, "staleness threshold for active entries")
	flags.Int("retry-failed-minutes", 90, "cool-down for recently failed candidates")
	flags.Int("max-age-hours", 36, "maximum age of last_success for healthy")
	flags.Int("max-fail-streak", 2, "upper bound on consecutive failures for healthy")
	flags.Float64("tcp-timeout", 2.2, "L1 connect timeout seconds")
	flags.Float64("probe-timeout", 8.0, "per-HTTP-probe timeout seconds")
	flags.Int("attempts", 3, "attempt rounds per L2 check")
	flags.Int("attempt-success-threshold", 2, "required successful attempts out of attempts")
	flags.Int("probe-success-per-attempt", 2, "required successful probes per attempt")
	flags.Float64("startup-wait-seconds", 0.6, "child warmup before probing")
	flags.Float64("pause-between-attempts", 0.6, "inter-attempt sleep")
	flags.String("xray-bin", "xray", "engine binary name")
	flags.Bool("allow-tcp-only-fallback", false, "accept L1 as success when engine missing")
	flags.Bool("dry-run", false, "do not write output file (state is still persisted)")
	flags.Int("interval-minutes", 0, ">0 enables daemon mode")
	flags.Int64("random-seed", 0, "optional RNG seed")
	flags.StringArray("probe-url", nil, "repeatable override of default probe URLs")

	flags.String("metrics-addr", "", "if set, serve Prometheus /metrics on this address")
	flags.String("redis-addr", "", "if set, use Redis for cross-replica cycle locking")
	flags.Duration("redis-lock-ttl", 10*time.Minute, "lease duration for the Redis cycle lock")
	flags.String("qr-dir", "", "if set, write one PNG QR code per selected candidate here")
	flags.String("cron", "", "optional 5-field cron expression, overrides interval-minutes")
	flags.String("log-format", "text", "text (tinted) or json")
	flags.String("log-level", "info", "debug|info|warn|error")
	flags.StringVar(&configFile, "config", "", "optional YAML config file path")

	if err := v.BindPFlags(flags); err != nil {
		panic(fmt.Sprintf("cli: bind flags: %v", err))
	}

	return cmd
}

func runValidate(cmd *cobra.Command, v *viper.Viper, configFile string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("STABLEPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.ProbeURL) == 0 {
		cfg.ProbeURL = []string{
			"https://cp.cloudflare.com/generate_204",
			"https://ya.ru/generate_204",
			"https://www.rbc.ru",
		}
	}
	cfg.RandomSeedSet = cmd.Flags().Changed("random-seed")
	config.Clamp(&cfg)

	return Run(cmd.Context(), &cfg)
}

// Run wires a resolved Config into logging, metrics, coordination, QR
// export and the orchestrator, then drives either a single cycle or a
// cron/interval daemon loop.
func Run(ctx context.Context, cfg *config.Config) error {
	return runWithConfig(ctx, cfg)
}
