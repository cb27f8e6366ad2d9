// Package config provides Viper-based configuration loading for the region server.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// Name identifies this server instance in logs.
	Name string `mapstructure:"name"`
	// ShutdownTimeout bounds how long a graceful shutdown may take.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// SchedulerConfig tunes the region time manager pool.
type SchedulerConfig struct {
	// Managers is the number of region time managers in the pool.
	Managers int `mapstructure:"managers"`
	// MaxIdleWait caps how long an idle driver sleeps between passes.
	MaxIdleWait time.Duration `mapstructure:"max_idle_wait"`
	// StopTimeout is how long Stop waits before abandoning a stuck driver.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	// LagWarn is the pass duration above which an out-of-sync warning is logged.
	LagWarn time.Duration `mapstructure:"lag_warn"`
	// SlowCallbackWarn is the callback duration above which a warning is logged.
	SlowCallbackWarn time.Duration `mapstructure:"slow_callback_warn"`
}

// WatchdogConfig controls the frozen-manager resynchroniser.
type WatchdogConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Period is the time between freeze checks.
	Period time.Duration `mapstructure:"period"`
	// Invulnerability is granted to players in a recovered region.
	Invulnerability time.Duration `mapstructure:"invulnerability"`
	// SaveTimeout bounds the save of each dead client during recovery.
	SaveTimeout time.Duration `mapstructure:"save_timeout"`
}

// Loot content sources.
const (
	LootSourceYAML     = "yaml"
	LootSourcePostgres = "postgres"
)

// LootConfig selects where loot templates and generator bindings come from.
type LootConfig struct {
	// Source is "yaml" or "postgres". Generator bindings always come from ContentDir.
	Source string `mapstructure:"source"`
	// ContentDir holds loot YAML files: templates, mob links and generator bindings.
	ContentDir string `mapstructure:"content_dir"`
	// ScriptDir is the root of per-set Lua loot scripts; empty disables scripts.
	ScriptDir string `mapstructure:"script_dir"`
	// CrossRealm lets realm-restricted items drop for any killer.
	CrossRealm bool `mapstructure:"cross_realm"`
	// InstructionLimit is the per-call Lua opcode budget.
	InstructionLimit int `mapstructure:"instruction_limit"`
	// CoinDice is the dice expression rolled by the default money generator;
	// empty disables it.
	CoinDice string `mapstructure:"coin_dice"`
}

// ContentConfig locates world content files.
type ContentConfig struct {
	// RegionsFile is the YAML file listing every region.
	RegionsFile string `mapstructure:"regions_file"`
	// NPCDir holds NPC template YAML files.
	NPCDir string `mapstructure:"npc_dir"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Loot      LootConfig      `mapstructure:"loot"`
	Content   ContentConfig   `mapstructure:"content"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDatabase(c.Database); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateScheduler(c.Scheduler); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateWatchdog(c.Watchdog, c.Scheduler); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLoot(c.Loot); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateContent(c.Content); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Name == "" {
		errs = append(errs, "server.name must not be empty")
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdown_timeout must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateScheduler(s SchedulerConfig) error {
	var errs []string
	if s.Managers < 1 {
		errs = append(errs, fmt.Sprintf("scheduler.managers must be >= 1, got %d", s.Managers))
	}
	for name, d := range map[string]time.Duration{
		"max_idle_wait":      s.MaxIdleWait,
		"stop_timeout":       s.StopTimeout,
		"lag_warn":           s.LagWarn,
		"slow_callback_warn": s.SlowCallbackWarn,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("scheduler.%s must be positive", name))
		}
	}
	if len(errs) > 0 {
		// Map iteration order is random; keep messages stable.
		slices.Sort(errs)
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// validateWatchdog also checks the idle wait against the sampling period: an idle
// but healthy manager must advance its clock at least once between two samples.
func validateWatchdog(w WatchdogConfig, s SchedulerConfig) error {
	if !w.Enabled {
		return nil
	}
	var errs []string
	if w.Period <= 0 {
		errs = append(errs, "watchdog.period must be positive")
	} else if s.MaxIdleWait >= w.Period {
		errs = append(errs, fmt.Sprintf("scheduler.max_idle_wait (%s) must be less than watchdog.period (%s)", s.MaxIdleWait, w.Period))
	}
	if w.Invulnerability < 0 {
		errs = append(errs, "watchdog.invulnerability must not be negative")
	}
	if w.SaveTimeout <= 0 {
		errs = append(errs, "watchdog.save_timeout must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateLoot(l LootConfig) error {
	var errs []string
	if l.Source != LootSourceYAML && l.Source != LootSourcePostgres {
		errs = append(errs, fmt.Sprintf("loot.source must be one of [yaml, postgres], got %q", l.Source))
	}
	if l.ContentDir == "" {
		errs = append(errs, "loot.content_dir must not be empty")
	}
	if l.InstructionLimit < 1 {
		errs = append(errs, fmt.Sprintf("loot.instruction_limit must be >= 1, got %d", l.InstructionLimit))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateContent(c ContentConfig) error {
	var errs []string
	if c.RegionsFile == "" {
		errs = append(errs, "content.regions_file must not be empty")
	}
	if c.NPCDir == "" {
		errs = append(errs, "content.npc_dir must not be empty")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with DOL_ prefix
	v.SetEnvPrefix("DOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewViper returns a Viper instance holding only the defaults.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "dolcore")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "dol")
	v.SetDefault("database.password", "dol")
	v.SetDefault("database.name", "dol")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.managers", 4)
	v.SetDefault("scheduler.max_idle_wait", "4500ms")
	v.SetDefault("scheduler.stop_timeout", "3s")
	v.SetDefault("scheduler.lag_warn", "150ms")
	v.SetDefault("scheduler.slow_callback_warn", "250ms")

	v.SetDefault("watchdog.enabled", true)
	v.SetDefault("watchdog.period", "10s")
	v.SetDefault("watchdog.invulnerability", "5s")
	v.SetDefault("watchdog.save_timeout", "5s")

	v.SetDefault("loot.source", LootSourceYAML)
	v.SetDefault("loot.content_dir", "content/loot")
	v.SetDefault("loot.script_dir", "content/scripts/loot")
	v.SetDefault("loot.cross_realm", false)
	v.SetDefault("loot.instruction_limit", 100000)
	v.SetDefault("loot.coin_dice", "2d6")

	v.SetDefault("content.regions_file", "content/regions.yaml")
	v.SetDefault("content.npc_dir", "content/npcs")
}
