package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SessionConfig controls login tokens.
type SessionConfig struct {
	// Secret signs session tokens. Generated on first run when empty.
	Secret string `yaml:"secret" json:"-"`
	// TTL is how long a login stays valid.
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// VotingConfig tunes the attendance estimate.
type VotingConfig struct {
	YesWeight   float64 `yaml:"yes_weight" json:"yes_weight"`
	MaybeWeight float64 `yaml:"maybe_weight" json:"maybe_weight"`
}

// RetentionConfig controls the purge job for events whose dates are all in
// the past.
type RetentionConfig struct {
	// Cron is a standard 5-field schedule.
	Cron string `yaml:"cron" json:"cron"`
	// Days after the last candidate date before an event is deleted.
	// Zero disables the purge.
	Days int `yaml:"days" json:"days"`
}

// ICSConfig controls calendar import and export.
type ICSConfig struct {
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
	// CacheTTL keeps fetched feeds in memory between imports.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	// MaxDates caps how many candidate dates one import or rule may add.
	MaxDates int `yaml:"max_dates" json:"max_dates"`
	// AllowPrivateNetworks lets imports reach loopback and private hosts.
	// Off by default, since import URLs come from users.
	AllowPrivateNetworks bool `yaml:"allow_private_networks" json:"allow_private_networks"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used to decide what "today" is.
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart controls which weekday is the first column of month grids:
	// "monday" (default) or "sunday".
	WeekStart string `yaml:"week_start" json:"week_start"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Database is the SQLite file path.
	Database string `yaml:"database" json:"database"`

	Session   SessionConfig   `yaml:"session" json:"session"`
	Voting    VotingConfig    `yaml:"voting" json:"voting"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
	ICS       ICSConfig       `yaml:"ics" json:"ics"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:    "127.0.0.1:8080",
		Timezone:  "Europe/Prague",
		WeekStart: "monday",
		LogLevel:  "info",
		Database:  "datepoll.db",
		Session: SessionConfig{
			TTL: 24 * time.Hour,
		},
		Voting: VotingConfig{
			YesWeight:   0.8,
			MaybeWeight: 0.2,
		},
		Retention: RetentionConfig{
			Cron: "0 3 * * *",
			Days: 0,
		},
		ICS: ICSConfig{
			FetchTimeout: 15 * time.Second,
			CacheTTL:     10 * time.Minute,
			MaxDates:     366,
		},
	}
}

// Normalize fills in missing/zero values so that partially-filled configs
// still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	switch c.WeekStart {
	case "monday", "sunday":
	default:
		// Unknown value; fall back to monday to avoid surprising layouts.
		c.WeekStart = def.WeekStart
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Database == "" {
		c.Database = def.Database
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = def.Session.TTL
	}
	if c.Voting.YesWeight <= 0 && c.Voting.MaybeWeight <= 0 {
		c.Voting = def.Voting
	}
	if c.Voting.YesWeight < 0 {
		c.Voting.YesWeight = 0
	}
	if c.Voting.MaybeWeight < 0 {
		c.Voting.MaybeWeight = 0
	}
	if c.Retention.Cron == "" {
		c.Retention.Cron = def.Retention.Cron
	}
	if c.Retention.Days < 0 {
		c.Retention.Days = 0
	}
	if c.ICS.FetchTimeout <= 0 {
		c.ICS.FetchTimeout = def.ICS.FetchTimeout
	}
	if c.ICS.CacheTTL <= 0 {
		c.ICS.CacheTTL = def.ICS.CacheTTL
	}
	if c.ICS.MaxDates <= 0 {
		c.ICS.MaxDates = def.ICS.MaxDates
	}
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ApplyEnv loads a .env file from the working directory if there is one and
// lets DATEPOLL_* variables override the file values.
func (c *Config) ApplyEnv() {
	// Missing .env is the normal case.
	_ = godotenv.Load()

	if v := os.Getenv("DATEPOLL_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("DATEPOLL_DATABASE"); v != "" {
		c.Database = v
	}
	if v := os.Getenv("DATEPOLL_SESSION_SECRET"); v != "" {
		c.Session.Secret = v
	}
	if v := os.Getenv("DATEPOLL_TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// EnsureSecret generates a session secret when none is set. It reports
// whether it did.
func (c *Config) EnsureSecret() (bool, error) {
	if c.Session.Secret != "" {
		return false, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return false, err
	}
	c.Session.Secret = hex.EncodeToString(buf)
	return true, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with a fresh session secret and 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if _, err := cfg.EnsureSecret(); err != nil {
				return nil, err
			}
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600, since the file holds the
//     session secret.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".datepoll-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
