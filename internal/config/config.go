// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete worker/standalone configuration
type Config struct {
	Worker     WorkerConfig     `yaml:"worker"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	System     SystemConfig     `yaml:"system"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Strategies []StrategyConfig `yaml:"strategies"`
}

// WorkerConfig identifies this worker in the fleet
type WorkerConfig struct {
	Name              string `yaml:"name"`
	ListenQueue       string `yaml:"listen_queue"`
	HeartbeatInterval int    `yaml:"heartbeat_interval"`
	MaxEngines        int    `yaml:"max_engines"`
}

// RedisConfig locates the coordinator store
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password Secret `yaml:"password"`
}

// DatabaseConfig selects and locates the trade sink
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    Secret `yaml:"dsn"`
}

// TelemetryConfig controls metrics exposure
type TelemetryConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// SystemConfig contains process-level settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// EncryptionConfig carries the credentials decryption passphrase
type EncryptionConfig struct {
	Passphrase Secret `yaml:"passphrase"`
}

// StrategyConfig is one runnable strategy. In fleet mode the coordinator
// delivers the same shape inside the dispatch payload; in standalone mode it
// comes from this file.
type StrategyConfig struct {
	ID     int64  `yaml:"id"`
	Venue  string `yaml:"venue"`
	Symbol string `yaml:"symbol"`
	Owner  string `yaml:"owner"`

	APIKey     Secret `yaml:"api_key"`
	APISecret  Secret `yaml:"api_secret"`
	Passphrase Secret `yaml:"passphrase"`
	Testnet    bool   `yaml:"testnet"`

	Grid GridConfig `yaml:"grid"`
	Risk RiskConfig `yaml:"risk"`

	PollIntervalMS      int     `yaml:"poll_interval_ms"`
	ReconcileIntervalMS int     `yaml:"reconcile_interval_ms"`
	RepriceThreshold    float64 `yaml:"reprice_threshold"`
}

// GridConfig is the reference grid strategy parameter set. It carries both
// tag sets because it travels inside YAML files and JSON dispatch payloads.
type GridConfig struct {
	Mode              string  `yaml:"mode" json:"mode"`
	Levels            int     `yaml:"levels" json:"levels"`
	Quantity          float64 `yaml:"quantity" json:"quantity"`
	OffsetPercent     float64 `yaml:"offset_percent" json:"offset_percent"`
	SellOffsetPercent float64 `yaml:"sell_offset_percent" json:"sell_offset_percent"`
}

// RiskConfig is the risk governor parameter set
type RiskConfig struct {
	MaxPositions      int     `yaml:"max_positions" json:"max_positions"`
	StopLossPercent   float64 `yaml:"stop_loss_percent" json:"stop_loss_percent"`
	StopLossDelaySec  int     `yaml:"stop_loss_delay_seconds" json:"stop_loss_delay_seconds"`
	MaxLossCount      int     `yaml:"max_loss_count" json:"max_loss_count"`
	LossWindowSeconds int     `yaml:"loss_window_seconds" json:"loss_window_seconds"`
	CooldownSeconds   int     `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	MaxDailyLoss      float64 `yaml:"max_daily_loss" json:"max_daily_loss"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Worker.Name == "" {
		host, _ := os.Hostname()
		c.Worker.Name = host
	}
	if c.Worker.HeartbeatInterval <= 0 {
		c.Worker.HeartbeatInterval = 5
	}
	if c.Worker.MaxEngines <= 0 {
		c.Worker.MaxEngines = 32
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.DSN == "" {
		c.Database.DSN = "gridfleet.db"
	}
	if c.Telemetry.ListenAddr == "" {
		c.Telemetry.ListenAddr = ":9090"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	for i := range c.Strategies {
		c.Strategies[i].ApplyDefaults()
	}
}

// ApplyDefaults fills the tunables the operator usually leaves out
func (s *StrategyConfig) ApplyDefaults() {
	if s.PollIntervalMS <= 0 {
		s.PollIntervalMS = 1000
	}
	if s.ReconcileIntervalMS <= 0 {
		s.ReconcileIntervalMS = 60000
	}
	if s.RepriceThreshold <= 0 {
		s.RepriceThreshold = 0.5
	}
	if s.Grid.Mode == "" {
		s.Grid.Mode = "long"
	}
	if s.Grid.Levels <= 0 {
		s.Grid.Levels = 1
	}
	if s.Risk.MaxPositions <= 0 {
		s.Risk.MaxPositions = s.Grid.Levels * 2
	}
	if s.Risk.LossWindowSeconds <= 0 {
		s.Risk.LossWindowSeconds = 300
	}
	if s.Risk.MaxLossCount <= 0 {
		s.Risk.MaxLossCount = 3
	}
	if s.Risk.CooldownSeconds <= 0 {
		s.Risk.CooldownSeconds = 3600
	}
}

// PollInterval returns the tick period as a duration
func (s *StrategyConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}

// ReconcileInterval returns the repair period as a duration
func (s *StrategyConfig) ReconcileInterval() time.Duration {
	return time.Duration(s.ReconcileIntervalMS) * time.Millisecond
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateDatabase(); err != nil {
		errs = append(errs, err.Error())
	}
	for i := range c.Strategies {
		if err := c.Strategies[i].Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("strategies[%d]: %v", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return ValidationError{
			Field:   "database.driver",
			Value:   c.Database.Driver,
			Message: "must be one of: sqlite, postgres",
		}
	}
	if c.Database.DSN == "" {
		return ValidationError{
			Field:   "database.dsn",
			Message: "dsn is required",
		}
	}
	return nil
}

// Validate checks one strategy block
func (s *StrategyConfig) Validate() error {
	if s.Venue == "" {
		return ValidationError{Field: "venue", Message: "venue is required"}
	}
	if s.Symbol == "" {
		return ValidationError{Field: "symbol", Message: "symbol is required"}
	}
	switch s.Grid.Mode {
	case "long", "short", "bilateral":
	default:
		return ValidationError{
			Field:   "grid.mode",
			Value:   s.Grid.Mode,
			Message: "must be one of: long, short, bilateral",
		}
	}
	if s.Grid.Levels < 1 || s.Grid.Levels > 200 {
		return ValidationError{
			Field:   "grid.levels",
			Value:   s.Grid.Levels,
			Message: "must be between 1 and 200",
		}
	}
	if s.Grid.Quantity <= 0 {
		return ValidationError{
			Field:   "grid.quantity",
			Value:   s.Grid.Quantity,
			Message: "must be positive",
		}
	}
	if s.Grid.OffsetPercent <= 0 || s.Grid.OffsetPercent >= 100 {
		return ValidationError{
			Field:   "grid.offset_percent",
			Value:   s.Grid.OffsetPercent,
			Message: "must be in (0, 100)",
		}
	}
	if s.Grid.SellOffsetPercent <= 0 || s.Grid.SellOffsetPercent >= 100 {
		return ValidationError{
			Field:   "grid.sell_offset_percent",
			Value:   s.Grid.SellOffsetPercent,
			Message: "must be in (0, 100)",
		}
	}
	if s.RepriceThreshold < 0 {
		return ValidationError{
			Field:   "reprice_threshold",
			Value:   s.RepriceThreshold,
			Message: "must not be negative",
		}
	}
	return nil
}

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a runnable development configuration
func DefaultConfig() *Config {
	c := &Config{
		Worker: WorkerConfig{
			Name:              "dev-worker",
			HeartbeatInterval: 5,
			MaxEngines:        32,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "gridfleet.db",
		},
		Telemetry: TelemetryConfig{
			Enabled:    true,
			ListenAddr: ":9090",
		},
		System: SystemConfig{
			LogLevel:     "INFO",
			CancelOnExit: true,
		},
	}
	return c
}
