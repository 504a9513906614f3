// Package config provides YAML-based configuration loading for helpdesk,
// with environment overrides for secrets and deployment settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ErrGuildNotConfigured is returned when a guild has no help configuration.
var ErrGuildNotConfigured = errors.New("config: guild not configured")

// Config is the top-level helpdesk configuration, loaded from helpdesk.yaml.
type Config struct {
	LogLevel      string          `yaml:"log_level"`
	SweepSchedule string          `yaml:"sweep_schedule"`
	Database      DatabaseConfig  `yaml:"database"`
	Discord       DiscordConfig   `yaml:"discord"`
	Workers       WorkerConfig    `yaml:"workers"`
	Decay         DecayConfig     `yaml:"decay"`
	Dashboard     DashboardConfig `yaml:"dashboard"`
	Guilds        []GuildConfig   `yaml:"guilds"`
}

// DatabaseConfig selects the gorm driver and its DSN.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

// DiscordConfig holds the bot credentials and interaction limits.
type DiscordConfig struct {
	Token     string          `yaml:"token"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig is a per-user token bucket for interactions.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// WorkerConfig sizes the event worker pool.
type WorkerConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

// DecayConfig controls the daily experience decay job.
type DecayConfig struct {
	Schedule     string        `yaml:"schedule"`
	Timezone     string        `yaml:"timezone"`
	Jitter       time.Duration `yaml:"jitter"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	Amount       float64       `yaml:"amount"`
	Percent      float64       `yaml:"percent"`
	Floor        float64       `yaml:"floor"`
	Ceiling      float64       `yaml:"ceiling"`
}

// DashboardConfig configures the status HTTP server. An empty Addr
// disables it.
type DashboardConfig struct {
	Addr string `yaml:"addr"`
}

// NamingConfig selects how open help channels are named.
type NamingConfig struct {
	Strategy string   `yaml:"strategy"` // sequential, list
	Prefix   string   `yaml:"prefix"`
	Names    []string `yaml:"names"`
}

// GuildConfig holds the help-system tunables of a single guild.
type GuildConfig struct {
	ID                 string       `yaml:"id"`
	OpenCategoryID     string       `yaml:"open_category_id"`
	ReservedCategoryID string       `yaml:"reserved_category_id"`
	DormantCategoryID  string       `yaml:"dormant_category_id"`
	ForumChannelID     string       `yaml:"forum_channel_id"`
	Naming             NamingConfig `yaml:"naming"`

	MinMessageLength        int     `yaml:"min_message_length"`
	MessageLengthCap        int     `yaml:"message_length_cap"`
	MaxExperiencePerSession float64 `yaml:"max_experience_per_session"`
	ThankExperience         float64 `yaml:"thank_experience"`
	BestAnswerExperience    float64 `yaml:"best_answer_experience"`
	MaxCachedMessages       int     `yaml:"max_cached_messages"`

	EnforceSingleReservation *bool         `yaml:"enforce_single_reservation"`
	EnforceCooldown          *bool         `yaml:"enforce_cooldown"`
	ReservationCooldown      time.Duration `yaml:"reservation_cooldown"`
	ExemptUserIDs            []string      `yaml:"exempt_user_ids"`

	InactivityTimeout   time.Duration `yaml:"inactivity_timeout"`
	DormantRecycleAfter time.Duration `yaml:"dormant_recycle_after"`

	ReservationNotAllowedMessage string `yaml:"reservation_not_allowed_message"`
}

// envOverrides are read from HD_* environment variables and win over the file.
type envOverrides struct {
	DiscordToken   string `envconfig:"DISCORD_TOKEN"`
	DatabaseDriver string `envconfig:"DATABASE_DRIVER"`
	DatabaseDSN    string `envconfig:"DATABASE_DSN"`
	LogLevel       string `envconfig:"LOG_LEVEL"`
	DashboardAddr  string `envconfig:"DASHBOARD_ADDR"`
}

// Load reads a YAML config file from path, applies a local .env file (if
// any) and HD_* environment overrides, and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg.finish()
}

// Parse unmarshals YAML bytes into a validated Config. Environment
// overrides are not applied.
func Parse(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	return cfg.finish()
}

func decode(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return &cfg, nil
}

func (c *Config) finish() (*Config, error) {
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	var ov envOverrides
	if err := envconfig.Process("hd", &ov); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	if ov.DiscordToken != "" {
		c.Discord.Token = ov.DiscordToken
	}
	if ov.DatabaseDriver != "" {
		c.Database.Driver = ov.DatabaseDriver
	}
	if ov.DatabaseDSN != "" {
		c.Database.DSN = ov.DatabaseDSN
	}
	if ov.LogLevel != "" {
		c.LogLevel = ov.LogLevel
	}
	if ov.DashboardAddr != "" {
		c.Dashboard.Addr = ov.DashboardAddr
	}
	return nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 5m"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "helpdesk.db"
	}
	if c.Discord.RateLimit.PerSecond == 0 {
		c.Discord.RateLimit.PerSecond = 1
	}
	if c.Discord.RateLimit.Burst == 0 {
		c.Discord.RateLimit.Burst = 5
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = 8
	}
	if c.Workers.QueueSize == 0 {
		c.Workers.QueueSize = 256
	}
	if c.Decay.Schedule == "" {
		c.Decay.Schedule = "0 0 * * *"
	}
	if c.Decay.Timezone == "" {
		c.Decay.Timezone = "UTC"
	}
	if c.Decay.RetryBackoff == 0 {
		c.Decay.RetryBackoff = 5 * time.Minute
	}
	for i := range c.Guilds {
		c.Guilds[i].applyDefaults()
	}
}

func (g *GuildConfig) applyDefaults() {
	if g.Naming.Strategy == "" {
		g.Naming.Strategy = "sequential"
	}
	if g.Naming.Prefix == "" {
		g.Naming.Prefix = "help"
	}
	if g.MinMessageLength == 0 {
		g.MinMessageLength = 10
	}
	if g.MessageLengthCap == 0 {
		g.MessageLengthCap = 1000
	}
	if g.MaxExperiencePerSession == 0 {
		g.MaxExperiencePerSession = 10
	}
	if g.ThankExperience == 0 {
		g.ThankExperience = 3
	}
	if g.BestAnswerExperience == 0 {
		g.BestAnswerExperience = 1
	}
	if g.MaxCachedMessages == 0 {
		g.MaxCachedMessages = 1000
	}
	if g.ReservationCooldown == 0 {
		g.ReservationCooldown = time.Minute
	}
	if g.InactivityTimeout == 0 {
		g.InactivityTimeout = 30 * time.Minute
	}
	if g.DormantRecycleAfter == 0 {
		g.DormantRecycleAfter = 10 * time.Minute
	}
	if g.ReservationNotAllowedMessage == "" {
		g.ReservationNotAllowedMessage = "You can't reserve a help channel right now. Please use the one you already have, or wait a moment."
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of sqlite, mysql, postgres", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}
	if c.Workers.Count < 0 || c.Workers.QueueSize < 0 {
		errs = append(errs, "workers.count and workers.queue_size must not be negative")
	}
	if _, err := time.LoadLocation(c.Decay.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("decay.timezone %q: %v", c.Decay.Timezone, err))
	}
	if c.Decay.Amount < 0 || c.Decay.Floor < 0 || c.Decay.Ceiling < 0 {
		errs = append(errs, "decay.amount, decay.floor and decay.ceiling must not be negative")
	}
	if c.Decay.Percent < 0 || c.Decay.Percent > 100 {
		errs = append(errs, "decay.percent must be between 0 and 100")
	}
	seen := make(map[string]bool)
	for i, g := range c.Guilds {
		if g.ID == "" {
			errs = append(errs, fmt.Sprintf("guilds[%d].id is required", i))
			continue
		}
		if seen[g.ID] {
			errs = append(errs, fmt.Sprintf("guilds[%d].id %s is duplicated", i, g.ID))
		}
		seen[g.ID] = true
		channels := g.OpenCategoryID != "" || g.ReservedCategoryID != "" || g.DormantCategoryID != ""
		if channels && (g.OpenCategoryID == "" || g.ReservedCategoryID == "" || g.DormantCategoryID == "") {
			errs = append(errs, fmt.Sprintf("guilds[%d]: open, reserved and dormant categories must be set together", i))
		}
		if !channels && g.ForumChannelID == "" {
			errs = append(errs, fmt.Sprintf("guilds[%d]: categories or forum_channel_id is required", i))
		}
		if g.Naming.Strategy != "sequential" && g.Naming.Strategy != "list" {
			errs = append(errs, fmt.Sprintf("guilds[%d].naming.strategy %q is not one of sequential, list", i, g.Naming.Strategy))
		}
		if g.MinMessageLength < 0 || g.MessageLengthCap < 0 {
			errs = append(errs, fmt.Sprintf("guilds[%d]: message lengths must not be negative", i))
		}
		if g.MaxExperiencePerSession < 0 || g.ThankExperience < 0 || g.BestAnswerExperience < 0 {
			errs = append(errs, fmt.Sprintf("guilds[%d]: experience amounts must not be negative", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Guild returns the help configuration of a guild.
func (c *Config) Guild(id string) (*GuildConfig, error) {
	for i := range c.Guilds {
		if c.Guilds[i].ID == id {
			return &c.Guilds[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrGuildNotConfigured, id)
}

// GuildIDs lists the configured guild IDs in file order.
func (c *Config) GuildIDs() []string {
	ids := make([]string, 0, len(c.Guilds))
	for _, g := range c.Guilds {
		ids = append(ids, g.ID)
	}
	return ids
}

// SingleReservation reports whether a user may own only one open channel
// reservation at a time. Defaults to true.
func (g *GuildConfig) SingleReservation() bool {
	return g.EnforceSingleReservation == nil || *g.EnforceSingleReservation
}

// CooldownEnforced reports whether ReservationCooldown applies. Defaults to true.
func (g *GuildConfig) CooldownEnforced() bool {
	return g.EnforceCooldown == nil || *g.EnforceCooldown
}

// IsExempt reports whether userID bypasses the single-reservation rule.
func (g *GuildConfig) IsExempt(userID string) bool {
	for _, id := range g.ExemptUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// HasChannels reports whether category-backed help channels are configured.
func (g *GuildConfig) HasChannels() bool {
	return g.OpenCategoryID != ""
}
