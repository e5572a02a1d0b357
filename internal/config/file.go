// Package config loads the typenote configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level typenote configuration.
type Config struct {
	Browser  BrowserConfig  `yaml:"browser"`
	Render   RenderConfig   `yaml:"render"`
	Fonts    FontsConfig    `yaml:"fonts"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Export   ExportConfig   `yaml:"export"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	Bin              string        `yaml:"bin"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	LoadTimeout      time.Duration `yaml:"load_timeout"`
}

// RenderConfig tunes the rasterization engine.
type RenderConfig struct {
	Ladder         []float64     `yaml:"ladder"`
	Background     string        `yaml:"background"`
	FontWait       time.Duration `yaml:"font_wait"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// FontsConfig locates the embedded typeface. BaseURL, when set, fetches
// the font over HTTP instead of reading Dir.
type FontsConfig struct {
	Dir     string `yaml:"dir"`
	Name    string `yaml:"name"`
	Family  string `yaml:"family"`
	BaseURL string `yaml:"base_url"`
}

// DeliveryConfig controls where artifacts go.
type DeliveryConfig struct {
	MediaDir       string        `yaml:"media_dir"`
	DownloadPrefix string        `yaml:"download_prefix"`
	RevokeAfter    time.Duration `yaml:"revoke_after"`
	Webhooks       []string      `yaml:"webhooks"`
	WebhookRetries int           `yaml:"webhook_retries"`
	MirrorTimeout  time.Duration `yaml:"mirror_timeout"`
}

// RateLimitConfig limits one endpoint ("POST /api/export") per client IP.
type RateLimitConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr       string            `yaml:"addr"`
	MaxBody    int64             `yaml:"max_body"`
	RateLimits []RateLimitConfig `yaml:"rate_limits"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// ExportConfig controls the export service.
type ExportConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	FilePrefix     string        `yaml:"file_prefix"`
	Format         string        `yaml:"format"` // png | pdf
	Size           string        `yaml:"size"`   // SQUARE | PORTRAIT | THREE_FOUR
	ThumbnailWidth int           `yaml:"thumbnail_width"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML data, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.LoadTimeout <= 0 {
		c.Browser.LoadTimeout = 15 * time.Second
	}
	if len(c.Browser.ResourceBlocking) == 0 {
		c.Browser.ResourceBlocking = []string{"media"}
	}
	if len(c.Render.Ladder) == 0 {
		c.Render.Ladder = []float64{1.75, 1.5, 1.25, 1.0}
	}
	if c.Render.Background == "" {
		c.Render.Background = "#fdfbf7"
	}
	if c.Render.FontWait <= 0 {
		c.Render.FontWait = 3 * time.Second
	}
	if c.Render.AttemptTimeout <= 0 {
		c.Render.AttemptTimeout = 20 * time.Second
	}
	if c.Fonts.Dir == "" {
		c.Fonts.Dir = "static"
	}
	if c.Fonts.Name == "" {
		c.Fonts.Name = "SpecialElite-Regular"
	}
	if c.Fonts.Family == "" {
		c.Fonts.Family = "Special Elite"
	}
	if c.Delivery.MediaDir == "" {
		c.Delivery.MediaDir = "exports"
	}
	if c.Delivery.DownloadPrefix == "" {
		c.Delivery.DownloadPrefix = "/downloads/"
	}
	if c.Delivery.RevokeAfter <= 0 {
		c.Delivery.RevokeAfter = 10 * time.Second
	}
	if c.Delivery.WebhookRetries <= 0 {
		c.Delivery.WebhookRetries = 3
	}
	if c.Delivery.MirrorTimeout <= 0 {
		c.Delivery.MirrorTimeout = 2 * time.Minute
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MaxBody <= 0 {
		c.Server.MaxBody = 256 << 10
	}
	if c.Server.RateLimits == nil {
		c.Server.RateLimits = []RateLimitConfig{{Endpoint: "POST /api/export", MaxRequests: 10, Window: time.Minute}}
	}
	for i := range c.Server.RateLimits {
		if c.Server.RateLimits[i].Window <= 0 {
			c.Server.RateLimits[i].Window = time.Minute
		}
	}
	if c.Database.Path == "" {
		c.Database.Path = "typenote.db"
	}
	if c.Database.RetentionDays <= 0 {
		c.Database.RetentionDays = 30
	}
	if c.Export.Timeout <= 0 {
		c.Export.Timeout = 60 * time.Second
	}
	if c.Export.FilePrefix == "" {
		c.Export.FilePrefix = "YearlyNote"
	}
	if c.Export.Format == "" {
		c.Export.Format = "png"
	}
	if c.Export.Size == "" {
		c.Export.Size = "SQUARE"
	}
}

func (c *Config) validate() error {
	switch c.Export.Format {
	case "png", "pdf":
	default:
		return fmt.Errorf("config: export.format must be png or pdf, got %q", c.Export.Format)
	}
	for _, d := range c.Render.Ladder {
		if d < 1 || d > 2 {
			return fmt.Errorf("config: render.ladder density %v outside [1, 2]", d)
		}
	}
	for _, rl := range c.Server.RateLimits {
		if rl.Endpoint == "" {
			return fmt.Errorf("config: server.rate_limits entry without endpoint")
		}
	}
	return nil
}
