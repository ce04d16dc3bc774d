package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"turnover/internal/caldate"
	"turnover/internal/fsutil"
	"turnover/internal/model"
)

// NOTE: This file holds the configuration model and the YAML load/save
// behavior, including first-run creation with 0600 permissions. The property
// list here is the second durable collection next to the status store.

const (
	StoreJSON   = "json"
	StoreSQLite = "sqlite"

	StatusKeyID   = "id"
	StatusKeyName = "name"
)

// SourceConfig is one calendar feed of a property.
type SourceConfig struct {
	// Platform is Airbnb, VRBO or Booking.com (case-insensitive).
	Platform string `yaml:"platform" json:"platform" validate:"required,platform"`
	// URL is the feed export link. It usually embeds a secret token and is
	// never logged unredacted.
	URL string `yaml:"url" json:"url" validate:"required,url"`
}

// PropertyConfig describes one rental unit.
type PropertyConfig struct {
	// ID is the stable identifier. Left empty, it is derived from Name.
	ID        string         `yaml:"id,omitempty" json:"id"`
	Name      string         `yaml:"name" json:"name" validate:"required"`
	ShortName string         `yaml:"short_name,omitempty" json:"short_name,omitempty"`
	Sources   []SourceConfig `yaml:"sources" json:"sources" validate:"dive"`
}

// AlertConfig controls cleaning reminders.
type AlertConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Time is the "HH:MM" reminder time on the checkout day.
	Time string `yaml:"time" json:"time" validate:"required,timeofday"`
}

// BootstrapConfig controls the startup pass.
type BootstrapConfig struct {
	// ClearOnStart wipes the status store before seeding tasks. Defaults to true.
	ClearOnStart *bool `yaml:"clear_on_start,omitempty" json:"clear_on_start,omitempty"`
	// BackfillDays also seeds tasks for this many past days. 0 seeds today only.
	BackfillDays int `yaml:"backfill_days" json:"backfill_days" validate:"min=0,max=30"`
}

// LogConfig mirrors log.Options.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=console json"`
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the local API.
	Listen string `yaml:"listen" json:"listen" validate:"required,hostname_port"`

	// Timezone is the IANA zone whose calendar days drive every date rule.
	// "Local" uses the host zone.
	Timezone string `yaml:"timezone" json:"timezone" validate:"required"`

	// RefreshCron is the feed refresh schedule (e.g. "*/15 * * * *").
	RefreshCron string `yaml:"refresh" json:"refresh" validate:"required"`

	// DailyCron runs the retention sweep and task seeding once a day.
	DailyCron string `yaml:"daily" json:"daily" validate:"required"`

	CacheTTL     time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`

	// DataDir holds the status store and the feed cache.
	DataDir string `yaml:"data_dir" json:"data_dir" validate:"required"`

	// Store selects the status store backend: json or sqlite.
	Store string `yaml:"store" json:"store" validate:"oneof=json sqlite"`

	// StatusKey selects how status entries are keyed: by property id, or by
	// display name as older installs did.
	StatusKey string `yaml:"status_key" json:"status_key" validate:"oneof=id name"`

	Alerts AlertConfig `yaml:"alerts" json:"alerts"`

	// CheckoutTime is the "HH:MM" after which a checkout's cleaning is due.
	CheckoutTime string `yaml:"checkout_time" json:"checkout_time" validate:"required,timeofday"`

	Bootstrap BootstrapConfig `yaml:"bootstrap" json:"bootstrap"`

	Log LogConfig `yaml:"log" json:"log"`

	Properties []PropertyConfig `yaml:"properties" json:"properties" validate:"dive"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("platform", func(fl validator.FieldLevel) bool {
		_, err := model.ParsePlatform(fl.Field().String())
		return err == nil
	})
	_ = validate.RegisterValidation("timeofday", func(fl validator.FieldLevel) bool {
		_, err := caldate.ParseTimeOfDay(fl.Field().String())
		return err == nil
	})
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	clearOnStart := true
	return &Config{
		Listen:       "127.0.0.1:8080",
		Timezone:     "Local",
		RefreshCron:  "*/15 * * * *",
		DailyCron:    "5 0 * * *",
		CacheTTL:     15 * time.Minute,
		FetchTimeout: 15 * time.Second,
		DataDir:      "data",
		Store:        StoreJSON,
		StatusKey:    StatusKeyID,
		Alerts:       AlertConfig{Enabled: true, Time: "09:00"},
		CheckoutTime: "10:00",
		Bootstrap:    BootstrapConfig{ClearOnStart: &clearOnStart},
		Log:          LogConfig{Level: "INFO", Format: "console"},
		Properties:   []PropertyConfig{},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly, and assigns ids to
// properties that have none.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = d.RefreshCron
	}
	if c.DailyCron == "" {
		c.DailyCron = d.DailyCron
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	c.Store = strings.ToLower(c.Store)
	if c.Store == "" {
		c.Store = d.Store
	}
	c.StatusKey = strings.ToLower(c.StatusKey)
	if c.StatusKey == "" {
		c.StatusKey = d.StatusKey
	}
	if c.Alerts.Time == "" {
		c.Alerts.Time = d.Alerts.Time
	}
	if c.CheckoutTime == "" {
		c.CheckoutTime = d.CheckoutTime
	}
	if c.Bootstrap.ClearOnStart == nil {
		c.Bootstrap.ClearOnStart = d.Bootstrap.ClearOnStart
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Properties == nil {
		c.Properties = []PropertyConfig{}
	}
	for i := range c.Properties {
		p := &c.Properties[i]
		p.Name = strings.TrimSpace(p.Name)
		if p.ID == "" && p.Name != "" {
			p.ID = PropertyID(p.Name)
		}
		for j := range p.Sources {
			if pl, err := model.ParsePlatform(p.Sources[j].Platform); err == nil {
				p.Sources[j].Platform = string(pl)
			}
		}
	}
}

// PropertyID derives the stable id of a property from its display name.
func PropertyID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("turnover:property:"+name)).String()
}

// Validate checks struct tags, cron specs, the timezone and property id
// uniqueness.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if _, err := cron.ParseStandard(cfg.RefreshCron); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", cfg.RefreshCron, err)
	}
	if _, err := cron.ParseStandard(cfg.DailyCron); err != nil {
		return fmt.Errorf("invalid daily schedule %q: %w", cfg.DailyCron, err)
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}

	ids := make(map[string]string, len(cfg.Properties))
	names := make(map[string]bool, len(cfg.Properties))
	for i, p := range cfg.Properties {
		if other, dup := ids[p.ID]; dup {
			return fmt.Errorf("properties[%d]: id %q already used by %q", i, p.ID, other)
		}
		ids[p.ID] = p.Name
		if cfg.StatusKey == StatusKeyName && names[p.Name] {
			return fmt.Errorf("properties[%d]: duplicate name %q with status_key=name", i, p.Name)
		}
		names[p.Name] = true
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
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
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.Normalize()
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save normalizes, validates and writes cfg atomically with 0600 perms.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()
	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o600)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

// Clone returns a copy that shares no mutable state with c.
func (c *Config) Clone() *Config {
	cp := *c
	if c.Bootstrap.ClearOnStart != nil {
		v := *c.Bootstrap.ClearOnStart
		cp.Bootstrap.ClearOnStart = &v
	}
	cp.Properties = make([]PropertyConfig, len(c.Properties))
	for i, p := range c.Properties {
		p.Sources = append([]SourceConfig(nil), p.Sources...)
		cp.Properties[i] = p
	}
	return &cp
}

// Location resolves Timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// AlertTime is Alerts.Time parsed. Invalid values fall back to 09:00.
func (c *Config) AlertTime() caldate.TimeOfDay {
	t, err := caldate.ParseTimeOfDay(c.Alerts.Time)
	if err != nil {
		return caldate.TimeOfDay{Hour: 9}
	}
	return t
}

// CheckoutDeadline is CheckoutTime parsed. Invalid values fall back to 10:00.
func (c *Config) CheckoutDeadline() caldate.TimeOfDay {
	t, err := caldate.ParseTimeOfDay(c.CheckoutTime)
	if err != nil {
		return caldate.TimeOfDay{Hour: 10}
	}
	return t
}

// ClearOnStart reports Bootstrap.ClearOnStart, defaulting to true.
func (c *Config) ClearOnStart() bool {
	return c.Bootstrap.ClearOnStart == nil || *c.Bootstrap.ClearOnStart
}

// StatusPath is where the status store lives for the configured backend.
func (c *Config) StatusPath() string {
	if c.Store == StoreSQLite {
		return filepath.Join(c.DataDir, "turnover.db")
	}
	return filepath.Join(c.DataDir, "statuses.json")
}

// FeedCacheDir holds the conditional-GET feed cache.
func (c *Config) FeedCacheDir() string {
	return filepath.Join(c.DataDir, "feeds")
}

// ModelProperties converts the property list to domain values. Sources with
// an unknown platform were rejected by Validate and are skipped here.
func (c *Config) ModelProperties() []model.Property {
	out := make([]model.Property, 0, len(c.Properties))
	for _, p := range c.Properties {
		mp := model.Property{ID: p.ID, DisplayName: p.Name, ShortName: p.ShortName}
		for _, s := range p.Sources {
			pl, err := model.ParsePlatform(s.Platform)
			if err != nil {
				continue
			}
			mp.Sources = append(mp.Sources, model.Source{Platform: pl, URL: s.URL})
		}
		out = append(out, mp)
	}
	return out
}

// NameFor returns the display name of a property id, or "".
func (c *Config) NameFor(propertyID string) string {
	for _, p := range c.Properties {
		if p.ID == propertyID {
			return p.Name
		}
	}
	return ""
}

// KeyFor returns the status store key of a property according to StatusKey.
// Unknown ids map to themselves.
func (c *Config) KeyFor(propertyID string) string {
	if c.StatusKey != StatusKeyName {
		return propertyID
	}
	if name := c.NameFor(propertyID); name != "" {
		return name
	}
	return propertyID
}
