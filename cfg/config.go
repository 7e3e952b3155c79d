package cfg

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "SQLKEEP_"

// SourceConfiguration describes the live database being backed up
type SourceConfiguration struct {
	Path               string `toml:"path" validate:"required"`
	BusyTimeoutSeconds int    `toml:"busy_timeout_seconds" validate:"gt=0"`
	PagesPerStep       int    `toml:"pages_per_step" validate:"gt=0"`
	RetryIntervalMS    int    `toml:"retry_interval_ms" validate:"gt=0"` // Sleep between stalled copy steps
}

// BusyTimeout returns the busy-wait timeout as a duration
func (s SourceConfiguration) BusyTimeout() time.Duration {
	return time.Duration(s.BusyTimeoutSeconds) * time.Second
}

// RetryInterval returns the stalled-step sleep as a duration
func (s SourceConfiguration) RetryInterval() time.Duration {
	return time.Duration(s.RetryIntervalMS) * time.Millisecond
}

// DestinationConfiguration controls where backup files are published
type DestinationConfiguration struct {
	Dir       string    `toml:"dir" validate:"required"`
	Frequency Frequency `toml:"frequency" validate:"required"`
}

// DumpConfiguration controls statement serialization
type DumpConfiguration struct {
	StrictSchema bool `toml:"strict_schema"` // Parse every schema statement and fail on malformed SQL
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format" validate:"oneof=console json"`
}

// PrometheusConfiguration for metrics. sqlkeep runs as a short-lived job so
// metrics are written to a node_exporter textfile instead of served.
type PrometheusConfiguration struct {
	Enabled      bool   `toml:"enabled"`
	TextfilePath string `toml:"textfile_path" validate:"required_if=Enabled true"`
	Instance     string `toml:"instance"` // Defaults to an ID derived from the machine ID
}

// Configuration is the main configuration structure
type Configuration struct {
	Source      SourceConfiguration      `toml:"source"`
	Destination DestinationConfiguration `toml:"destination"`
	Dump        DumpConfiguration        `toml:"dump"`
	Retention   RetentionConfiguration   `toml:"retention"`
	Schedule    ScheduleConfiguration    `toml:"schedule"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "sqlkeep.toml", "Path to configuration file")
	SourceFlag     = flag.String("src-db", "", "Path to the database to back up (overrides config)")
	DestDirFlag    = flag.String("dest-dir", "", "Directory where backups are stored (overrides config)")
	FrequencyFlag  = flag.String("freq", "", "Backup frequency: hourly, daily, weekly, monthly (overrides config)")
	VerboseFlag    = flag.Bool("verbose", false, "Verbose operation")
)

// Default returns a fresh copy of the default configuration
func Default() *Configuration {
	return &Configuration{
		Source: SourceConfiguration{
			BusyTimeoutSeconds: 60,
			PagesPerStep:       16,
			RetryIntervalMS:    250,
		},

		Destination: DestinationConfiguration{
			Dir:       "./backups",
			Frequency: Hourly,
		},

		Retention: RetentionConfiguration{
			Hourly:  24,
			Daily:   7,
			Weekly:  8,
			Monthly: 24,
		},

		Schedule: ScheduleConfiguration{
			Hourly:  Interval{Minute: intPtr(47)},
			Daily:   Interval{Hour: intPtr(0), Minute: intPtr(24)},
			Weekly:  Interval{Weekday: intPtr(0), Hour: intPtr(11), Minute: intPtr(23)},
			Monthly: Interval{Day: intPtr(1), Hour: intPtr(12), Minute: intPtr(18)},
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},
	}
}

// Config is the process-wide configuration, defaults until Load is called
var Config = Default()

type envOverrides struct {
	SourcePath string `env:"SRC_DB"`
	DestDir    string `env:"DEST_DIR"`
	Frequency  string `env:"FREQ"`
	Verbose    bool   `env:"VERBOSE"`
	LogFormat  string `env:"LOG_FORMAT"`
}

// Load loads configuration from file, then applies environment and CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Debug().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Environment overrides
	var overrides envOverrides
	if err := env.ParseWithOptions(&overrides, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	if overrides.SourcePath != "" {
		Config.Source.Path = overrides.SourcePath
	}
	if overrides.DestDir != "" {
		Config.Destination.Dir = overrides.DestDir
	}
	if overrides.Frequency != "" {
		Config.Destination.Frequency = Frequency(overrides.Frequency)
	}
	if overrides.Verbose {
		Config.Logging.Verbose = true
	}
	if overrides.LogFormat != "" {
		Config.Logging.Format = overrides.LogFormat
	}

	// Apply CLI overrides
	if *SourceFlag != "" {
		Config.Source.Path = *SourceFlag
	}
	if *DestDirFlag != "" {
		Config.Destination.Dir = *DestDirFlag
	}
	if *FrequencyFlag != "" {
		Config.Destination.Frequency = Frequency(*FrequencyFlag)
	}
	if *VerboseFlag {
		Config.Logging.Verbose = true
	}

	Config.Source.Path = expandHome(Config.Source.Path)
	Config.Destination.Dir = expandHome(Config.Destination.Dir)
	if f, err := ParseFrequency(string(Config.Destination.Frequency)); err == nil {
		Config.Destination.Frequency = f
	}

	return nil
}

// Validate checks configuration for errors
func Validate() error {
	if err := validateStruct("", Config); err != nil {
		return err
	}

	return ValidateTables()
}

// ValidateTables checks the destination frequency and the per-frequency
// retention and schedule tables. Commands that never open the source only
// need this subset.
func ValidateTables() error {
	if !Config.Destination.Frequency.Valid() {
		_, err := ParseFrequency(string(Config.Destination.Frequency))
		return err
	}

	// The tables are validated on their own so the source fields stay optional
	if err := validateStruct("schedule", Config.Schedule); err != nil {
		return err
	}
	if err := validateStruct("retention", Config.Retention); err != nil {
		return err
	}

	// Every frequency needs a retention limit and a schedule entry
	policy := Config.Retention.Policy()
	for _, f := range Frequencies {
		if limit, err := policy.Limit(f); err != nil || limit < 1 {
			return fmt.Errorf("retention for %s must be >= 1", f)
		}
		if _, err := Config.Schedule.For(f); err != nil {
			return err
		}
	}

	return nil
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Report TOML key names instead of Go field names
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// validateStruct runs the struct validator over v. Field names are reported
// under root, or bare when root is empty.
func validateStruct(root string, v any) error {
	err := structValidator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return formatValidationErrors(root, verrs)
	}
	return err
}

func formatValidationErrors(root string, verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace is "Configuration.source.path"; replace the root type
		field := fe.Namespace()
		if idx := strings.Index(field, "."); idx >= 0 {
			field = field[idx+1:]
		}
		if root != "" {
			field = root + "." + field
		}
		switch fe.Tag() {
		case "required", "required_if":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "gt":
			msgs = append(msgs, fmt.Sprintf("%s must be > %s", field, fe.Param()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be >= %s", field, fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be <= %s", field, fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to resolve home directory")
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
