package config

import (
	"io"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/seantiz/geoexec/internal/limits"
)

const envPrefix = "GEOEXEC"

// Config holds application configuration loaded from defaults, an optional
// config file and GEOEXEC_ environment variables, in increasing precedence.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	DBPath     string `mapstructure:"db_path"`
	// LogLevelName is the raw level; LogLevel is its parsed form.
	LogLevelName string     `mapstructure:"log_level"`
	LogLevel     slog.Level `mapstructure:"-"`
	// AdminRole is the role that grants administrator visibility.
	AdminRole string `mapstructure:"admin_role"`

	Retention RetentionConfig `mapstructure:"retention"`
	Limits    limits.Limits   `mapstructure:"limits"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-"`
}

// RetentionConfig controls removal of old terminal statuses. A zero MaxAge
// disables the sweeper.
type RetentionConfig struct {
	MaxAge   time.Duration `mapstructure:"max_age"`
	Schedule string        `mapstructure:"schedule"`
}

// SetDefaults registers the default value of every key. Every key needs a
// default so that environment variables bind on Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db_path", "geoexec.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("admin_role", "admin")

	v.SetDefault("retention.max_age", 7*24*time.Hour)
	v.SetDefault("retention.schedule", "@every 10m")

	v.SetDefault("limits.synchronous_disabled", false)
	v.SetDefault("limits.max_synchronous_processes", runtime.NumCPU())
	v.SetDefault("limits.max_asynchronous_processes", runtime.NumCPU())
	v.SetDefault("limits.max_synchronous_execution_time", 0)
	v.SetDefault("limits.max_asynchronous_execution_time", 0)
	v.SetDefault("limits.max_synchronous_total_time", 0)
	v.SetDefault("limits.max_asynchronous_total_time", 0)
	v.SetDefault("limits.max_complex_input_size", 0)
}

func newViper(file string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	}
	return v
}

// Load reads configuration. file may be empty, in which case only defaults
// and the environment apply.
func Load(file string) (Config, error) {
	v := newViper(file)
	if file != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config file %s", file)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	if err := validate(cfg.Limits); err != nil {
		return Config{}, err
	}
	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)
	cfg.File = file
	return cfg, nil
}

func validate(l limits.Limits) error {
	fields := map[string]int{
		"max_synchronous_processes":       l.MaxSynchronousProcesses,
		"max_asynchronous_processes":      l.MaxAsynchronousProcesses,
		"max_synchronous_execution_time":  l.MaxSynchronousExecutionTime,
		"max_asynchronous_execution_time": l.MaxAsynchronousExecutionTime,
		"max_synchronous_total_time":      l.MaxSynchronousTotalTime,
		"max_asynchronous_total_time":     l.MaxAsynchronousTotalTime,
		"max_complex_input_size":          l.MaxComplexInputSize,
	}
	for name, n := range fields {
		if n < 0 {
			return errors.Newf("limits.%s must not be negative, got %d", name, n)
		}
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
