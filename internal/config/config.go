// Package config carga la configuración del daemon por capas:
// defaults, archivo YAML, .env, variables de entorno y flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/elsanchez/pupiter/internal/domain"
	"github.com/elsanchez/pupiter/pkg/client"
)

const (
	envConfigPath = "PUPITER_CONFIG"

	DriverExec = "exec"
	DriverSim  = "sim"
)

// Config agrupa todos los ajustes del daemon
type Config struct {
	MaxPostsPerDay int           `yaml:"max_posts_per_day"`
	MinDelay       time.Duration `yaml:"min_delay_between_posts"`
	MaxDelay       time.Duration `yaml:"max_delay_between_posts"`

	MaxConcurrent    int           `yaml:"max_concurrent"`
	RetryCeiling     int           `yaml:"retry_ceiling"`
	RetryBase        time.Duration `yaml:"retry_base"`
	RetryCap         time.Duration `yaml:"retry_cap"`
	FailureThreshold int           `yaml:"failure_threshold"`
	PublishTimeout   time.Duration `yaml:"publish_timeout"`

	DataDir    string `yaml:"data_dir"`
	SocketPath string `yaml:"socket"`

	Driver    string `yaml:"driver"`
	DriverCmd string `yaml:"driver_cmd"`

	InboxDir       string        `yaml:"inbox_dir"`
	IngestInterval time.Duration `yaml:"ingest_interval"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default retorna la configuración base
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".local", "share", "pupiter")

	return Config{
		MaxPostsPerDay:   10,
		MinDelay:         60 * time.Second,
		MaxDelay:         300 * time.Second,
		MaxConcurrent:    2,
		RetryCeiling:     3,
		RetryBase:        time.Minute,
		RetryCap:         time.Hour,
		FailureThreshold: 3,
		PublishTimeout:   5 * time.Minute,
		DataDir:          dataDir,
		SocketPath:       client.GetDefaultSocketPath(),
		Driver:           DriverSim,
		IngestInterval:   30 * time.Second,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Load aplica las capas sobre los defaults. path vacío usa PUPITER_CONFIG;
// si tampoco está definido no se lee archivo.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	// .env no pisa variables ya exportadas
	if err := loadEnvFiles(path); err != nil {
		return Config{}, fmt.Errorf("load env files: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %v: %w", path, err, domain.ErrConfiguration)
	}
	return nil
}

func loadEnvFiles(configPath string) error {
	var files []string
	seen := map[string]struct{}{}
	dirs := []string{"."}
	if configPath != "" {
		dirs = append(dirs, filepath.Dir(configPath))
	}
	for _, dir := range dirs {
		fp := filepath.Clean(filepath.Join(dir, ".env"))
		if _, ok := seen[fp]; ok {
			continue
		}
		if _, err := os.Stat(fp); err != nil {
			continue
		}
		seen[fp] = struct{}{}
		files = append(files, fp)
	}
	if len(files) == 0 {
		return nil
	}
	return godotenv.Load(files...)
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error

	intVar := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	secondsVar := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not a number of seconds", key, v))
				return
			}
			*dst = time.Duration(f * float64(time.Second))
		}
	}
	durationVar := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not a duration", key, v))
				return
			}
			*dst = d
		}
	}
	stringVar := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	intVar("MAX_POSTS_PER_DAY", &c.MaxPostsPerDay)
	secondsVar("MIN_DELAY_BETWEEN_POSTS", &c.MinDelay)
	secondsVar("MAX_DELAY_BETWEEN_POSTS", &c.MaxDelay)
	intVar("PUPITER_MAX_CONCURRENT", &c.MaxConcurrent)
	intVar("PUPITER_RETRY_CEILING", &c.RetryCeiling)
	durationVar("PUPITER_RETRY_BASE", &c.RetryBase)
	durationVar("PUPITER_RETRY_CAP", &c.RetryCap)
	intVar("PUPITER_FAILURE_THRESHOLD", &c.FailureThreshold)
	durationVar("PUPITER_PUBLISH_TIMEOUT", &c.PublishTimeout)
	stringVar("PUPITER_DATA_DIR", &c.DataDir)
	stringVar("PUPITER_SOCKET", &c.SocketPath)
	stringVar("PUPITER_DRIVER", &c.Driver)
	stringVar("PUPITER_DRIVER_CMD", &c.DriverCmd)
	stringVar("PUPITER_INBOX_DIR", &c.InboxDir)
	durationVar("PUPITER_INGEST_INTERVAL", &c.IngestInterval)
	stringVar("PUPITER_LOG_LEVEL", &c.LogLevel)
	stringVar("PUPITER_LOG_FORMAT", &c.LogFormat)

	if len(errs) > 0 {
		return fmt.Errorf("environment: %w: %w", errors.Join(errs...), domain.ErrConfiguration)
	}
	return nil
}

// Validate rechaza combinaciones inconsistentes
func (c *Config) Validate() error {
	var problems []string

	if c.MaxPostsPerDay < 1 {
		problems = append(problems, "max posts per day must be at least 1")
	}
	if c.MinDelay < 0 || c.MaxDelay < 0 {
		problems = append(problems, "delays between posts must not be negative")
	}
	if c.MaxDelay < c.MinDelay {
		problems = append(problems, "max delay between posts is below the min delay")
	}
	if c.MaxConcurrent < 0 {
		problems = append(problems, "max concurrent must not be negative")
	}
	if c.RetryCeiling < 0 {
		problems = append(problems, "retry ceiling must not be negative")
	}
	if c.RetryBase <= 0 || c.RetryCap < c.RetryBase {
		problems = append(problems, "retry base must be positive and not above the retry cap")
	}
	if c.FailureThreshold < 1 {
		problems = append(problems, "failure threshold must be at least 1")
	}
	if c.PublishTimeout <= 0 {
		problems = append(problems, "publish timeout must be positive")
	}
	if c.DataDir == "" {
		problems = append(problems, "data dir is required")
	}
	if c.SocketPath == "" {
		problems = append(problems, "socket path is required")
	}
	switch c.Driver {
	case DriverSim:
	case DriverExec:
		if strings.TrimSpace(c.DriverCmd) == "" {
			problems = append(problems, "driver exec needs a driver command")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown driver %q (exec|sim)", c.Driver))
	}
	if c.InboxDir != "" && c.IngestInterval <= 0 {
		problems = append(problems, "ingest interval must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("unknown log format %q (text|json)", c.LogFormat))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s: %w", strings.Join(problems, "; "), domain.ErrConfiguration)
	}
	return nil
}

// Flags registra los overrides de línea de comandos. Sólo los flags que el
// usuario pasó explícitamente pisan la configuración cargada.
type Flags struct {
	fs *pflag.FlagSet

	ConfigPath string
	values     Config
}

// RegisterFlags añade los flags del daemon al FlagSet
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	d := Default()

	fs.StringVar(&f.ConfigPath, "config", "", "YAML config file (env PUPITER_CONFIG)")
	fs.IntVar(&f.values.MaxPostsPerDay, "max-posts-per-day", d.MaxPostsPerDay, "default daily cap per account")
	fs.DurationVar(&f.values.MinDelay, "min-delay", d.MinDelay, "minimum delay between any two publishes")
	fs.DurationVar(&f.values.MaxDelay, "max-delay", d.MaxDelay, "maximum delay between any two publishes")
	fs.IntVar(&f.values.MaxConcurrent, "max-concurrent", d.MaxConcurrent, "accounts working at once (0 = unlimited)")
	fs.IntVar(&f.values.FailureThreshold, "failure-threshold", d.FailureThreshold, "consecutive profile failures before Error")
	fs.DurationVar(&f.values.PublishTimeout, "publish-timeout", d.PublishTimeout, "timeout of a single publish")
	fs.StringVar(&f.values.DataDir, "data-dir", d.DataDir, "directory of the SQLite database")
	fs.StringVar(&f.values.SocketPath, "socket", d.SocketPath, "unix socket path")
	fs.StringVar(&f.values.Driver, "driver", d.Driver, "automation driver (exec|sim)")
	fs.StringVar(&f.values.DriverCmd, "driver-cmd", "", "command line of the exec driver")
	fs.StringVar(&f.values.InboxDir, "inbox", "", "folder watched for new media (<inbox>/<account>/)")
	fs.StringVar(&f.values.LogLevel, "log-level", d.LogLevel, "log level")
	fs.StringVar(&f.values.LogFormat, "log-format", d.LogFormat, "log format (text|json)")
	return f
}

// Apply copia a cfg los flags que cambiaron
func (f *Flags) Apply(cfg *Config) {
	changed := f.fs.Changed
	if changed("max-posts-per-day") {
		cfg.MaxPostsPerDay = f.values.MaxPostsPerDay
	}
	if changed("min-delay") {
		cfg.MinDelay = f.values.MinDelay
	}
	if changed("max-delay") {
		cfg.MaxDelay = f.values.MaxDelay
	}
	if changed("max-concurrent") {
		cfg.MaxConcurrent = f.values.MaxConcurrent
	}
	if changed("failure-threshold") {
		cfg.FailureThreshold = f.values.FailureThreshold
	}
	if changed("publish-timeout") {
		cfg.PublishTimeout = f.values.PublishTimeout
	}
	if changed("data-dir") {
		cfg.DataDir = f.values.DataDir
	}
	if changed("socket") {
		cfg.SocketPath = f.values.SocketPath
	}
	if changed("driver") {
		cfg.Driver = f.values.Driver
	}
	if changed("driver-cmd") {
		cfg.DriverCmd = f.values.DriverCmd
	}
	if changed("inbox") {
		cfg.InboxDir = f.values.InboxDir
	}
	if changed("log-level") {
		cfg.LogLevel = f.values.LogLevel
	}
	if changed("log-format") {
		cfg.LogFormat = f.values.LogFormat
	}
}
