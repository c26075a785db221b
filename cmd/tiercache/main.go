package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentuity/tiercache/cache"
	"github.com/agentuity/tiercache/config"
	"github.com/agentuity/tiercache/logger"
	"github.com/agentuity/tiercache/telemetry"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

// connect builds a Manager from the command's config. The caller must Close it.
func connect(ctx context.Context, cmd *cobra.Command, log logger.Logger) (*cache.Manager, error) {
	cfg, err := config.FromCommand(cmd)
	if err != nil {
		return nil, err
	}
	shared, err := cfg.Dial(ctx, log)
	if err != nil {
		return nil, err
	}
	m, err := cache.New(ctx, log, shared, cfg.Options()...)
	if err != nil {
		shared.Close()
		return nil, err
	}
	if cfg.SQLitePath != "" {
		log.Debug("using sqlite database %s", cfg.SQLitePath)
	} else {
		log.Debug("connected to %s with prefix %q", cfg.RedisURL, cfg.Prefix)
	}
	return m, nil
}

func options(cmd *cobra.Command) (cache.Options, error) {
	var o cache.Options
	o.Namespace, _ = cmd.Flags().GetString("namespace")
	if ttl, _ := cmd.Flags().GetString("ttl"); ttl != "" {
		d, err := config.ParseDuration(ttl)
		if err != nil {
			return o, err
		}
		o.TTL = time.Duration(d)
	}
	return o, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// run wraps a subcommand body with signal handling, connection setup and Close.
func run(fn func(ctx context.Context, m *cache.Manager, o cache.Options, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		o, err := options(cmd)
		if err != nil {
			return err
		}
		log := config.NewLogger(cmd)
		if otlpURL := config.FlagOrEnv(cmd, "otlp-url", config.EnvPrefix+"OTLP_URL", ""); otlpURL != "" {
			token := config.FlagOrEnv(cmd, "otlp-token", config.EnvPrefix+"OTLP_TOKEN", "")
			var shutdown telemetry.ShutdownFunc
			log, shutdown, err = telemetry.New(ctx, log, otlpURL, token, "tiercache")
			if err != nil {
				return err
			}
			defer shutdown()
		}
		m, err := connect(ctx, cmd, log)
		if err != nil {
			return err
		}
		defer m.Close()
		return fn(ctx, m, o, args)
	}
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a cached value as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, m *cache.Manager, o cache.Options, args []string) error {
		val, ok := m.Get(ctx, args[0], o)
		if !ok {
			return errors.Newf("%s: not found", args[0])
		}
		return printJSON(val)
	}),
}

var setCmd = &cobra.Command{
	Use:   "set <key> <json value>",
	Short: "Cache a JSON value in both tiers",
	Args:  cobra.ExactArgs(2),
	RunE: run(func(ctx context.Context, m *cache.Manager, o cache.Options, args []string) error {
		var val any
		if err := json.Unmarshal([]byte(args[1]), &val); err != nil {
			// Anything that isn't JSON is stored as a plain string.
			val = args[1]
		}
		m.Set(ctx, args[0], val, o)
		return checkWritten(m, args[0])
	}),
}

// checkWritten fails if any Set on m so far stayed local only. Set itself
// never fails, so the counters are the only record.
func checkWritten(m *cache.Manager, key string) error {
	if c := m.Counters(); c.SharedErrors > 0 || c.SerializationErrors > 0 {
		return errors.Newf("%s: not written to the shared tier", key)
	}
	return nil
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <key>...",
	Short: "Remove keys from both tiers",
	Args:  cobra.MinimumNArgs(1),
	RunE: run(func(ctx context.Context, m *cache.Manager, o cache.Options, args []string) error {
		for _, key := range args {
			if err := m.Invalidate(ctx, key, o); err != nil {
				return err
			}
		}
		return nil
	}),
}

var invalidatePatternCmd = &cobra.Command{
	Use:   "invalidate-pattern <substring>",
	Short: "Remove every key in the namespace containing substring",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, m *cache.Manager, o cache.Options, args []string) error {
		return m.InvalidatePattern(ctx, args[0], o.Namespace)
	}),
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print cache and shared-tier diagnostics as JSON",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, m *cache.Manager, o cache.Options, args []string) error {
		return printJSON(m.Stats(ctx))
	}),
}

var rootCmd = &cobra.Command{
	Use:           "tiercache",
	Short:         "Inspect and manage a tiercache deployment",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	config.AddFlags(rootCmd)
	rootCmd.PersistentFlags().StringP("namespace", "n", "", "key namespace")
	rootCmd.PersistentFlags().String("otlp-url", "", "export traces and logs to this OTLP/HTTP collector")
	rootCmd.PersistentFlags().String("otlp-token", "", "bearer token for the OTLP collector")
	setCmd.Flags().String("ttl", "", "lifetime in the shared tier, e.g. 90s or 1d")
	rootCmd.AddCommand(getCmd, setCmd, invalidateCmd, invalidatePatternCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
