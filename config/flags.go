package config

import (
	"log"
	"os"

	"github.com/agentuity/tiercache/logger"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok {
		return val
	}
	return defaultValue
}

// LogLevel reads the log-level flag, then TIERCACHE_LOG_LEVEL, defaulting to info.
func LogLevel(cmd *cobra.Command) logger.LogLevel {
	level, _ := logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.LogLevelEnv, "info"))
	return level
}

// NewLogger returns a console logger by first checking the cobra.Command log-level flag, then the
// TIERCACHE_LOG_LEVEL environment value and falling back to the info level
func NewLogger(cmd *cobra.Command) logger.Logger {
	log.SetFlags(0)
	return logger.NewConsoleLogger(LogLevel(cmd))
}

// AddFlags registers the persistent flags FromCommand reads.
func AddFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "path to a YAML config file")
	flags.String("redis-url", "", "redis connection url")
	flags.String("sqlite-path", "", "use this SQLite file as the shared tier instead of redis")
	flags.String("prefix", "", "prefix for every redis key")
	flags.String("local-ttl", "", "sliding lifetime of local entries, e.g. 60s")
	flags.String("default-ttl", "", "shared lifetime used when no ttl is given, e.g. 5m")
	flags.Int("local-capacity", 0, "maximum number of local entries")
	flags.Bool("fail-open-invalidation", false, "ignore redis failures when invalidating")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
}

// FromCommand loads the config file named by --config (or TIERCACHE_CONFIG),
// overlays the environment and then any flags set on cmd, and validates the
// result.
func FromCommand(cmd *cobra.Command) (Config, error) {
	cfg, err := Load(FlagOrEnv(cmd, "config", EnvPrefix+"CONFIG", ""))
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if v, _ := flags.GetString("redis-url"); v != "" {
		cfg.RedisURL = v
	}
	if v, _ := flags.GetString("sqlite-path"); v != "" {
		cfg.SQLitePath = v
	}
	if v, _ := flags.GetString("prefix"); v != "" {
		cfg.Prefix = v
	}
	for name, dst := range map[string]*Duration{"local-ttl": &cfg.LocalTTL, "default-ttl": &cfg.DefaultTTL} {
		v, _ := flags.GetString(name)
		if v == "" {
			continue
		}
		d, err := ParseDuration(v)
		if err != nil {
			return cfg, errors.Wrapf(err, "--%s", name)
		}
		*dst = d
	}
	if flags.Changed("local-capacity") {
		cfg.LocalCapacity, _ = flags.GetInt("local-capacity")
	}
	if flags.Changed("fail-open-invalidation") {
		cfg.FailOpenInvalidation, _ = flags.GetBool("fail-open-invalidation")
	}
	return cfg, cfg.Validate()
}
