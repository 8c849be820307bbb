package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models insurewatch.yml.
type Config struct {
	Engine        Engine        `yaml:"engine"`
	Logging       Logging       `yaml:"logging"`
	Notifications Notifications `yaml:"notifications"`
	Server        Server        `yaml:"server"`
	Cache         Cache         `yaml:"cache"`
}

type Engine struct {
	RecheckInterval    time.Duration `yaml:"recheck_interval"`
	RecheckAfter       time.Duration `yaml:"recheck_after"`
	NextCheckAfter     time.Duration `yaml:"next_check_after"`
	StaleAlertDays     int           `yaml:"stale_alert_days"`
	DashboardFreshness time.Duration `yaml:"dashboard_freshness"`
	Workers            int           `yaml:"workers"`
	ScriptTimeout      time.Duration `yaml:"script_timeout"`
	AlertDueDays       int           `yaml:"alert_due_days"`
	NotifyMinSeverity  int           `yaml:"notify_min_severity"`
	AutoResolve        bool          `yaml:"auto_resolve"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Notifications struct {
	Provider       string        `yaml:"provider"`
	Recipient      string        `yaml:"recipient"`
	From           string        `yaml:"from"`
	WebhookURL     string        `yaml:"webhook_url"`
	SendGridAPIKey string        `yaml:"sendgrid_api_key"`
	Timeout        time.Duration `yaml:"timeout"`
}

type Server struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
}

type Cache struct {
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	TTL       time.Duration `yaml:"ttl"`
}

const (
	MinWorkers = 1
	MaxWorkers = 32
)

// Validate ensures the config is usable by the engine and its adapters.
func (c *Config) Validate() error {
	e := c.Engine
	if e.RecheckInterval <= 0 {
		return fmt.Errorf("engine.recheck_interval must be positive")
	}
	if e.RecheckAfter <= 0 {
		return fmt.Errorf("engine.recheck_after must be positive")
	}
	if e.NextCheckAfter <= 0 {
		return fmt.Errorf("engine.next_check_after must be positive")
	}
	if e.StaleAlertDays < 1 {
		return fmt.Errorf("engine.stale_alert_days must be at least 1")
	}
	if e.DashboardFreshness <= 0 {
		return fmt.Errorf("engine.dashboard_freshness must be positive")
	}
	if e.Workers < MinWorkers || e.Workers > MaxWorkers {
		return fmt.Errorf("engine.workers must be between %d and %d", MinWorkers, MaxWorkers)
	}
	if e.ScriptTimeout <= 0 {
		return fmt.Errorf("engine.script_timeout must be positive")
	}
	if e.AlertDueDays < 0 {
		return fmt.Errorf("engine.alert_due_days must not be negative")
	}
	if e.NotifyMinSeverity < 1 || e.NotifyMinSeverity > 5 {
		return fmt.Errorf("engine.notify_min_severity must be between 1 and 5")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	n := c.Notifications
	switch n.Provider {
	case "log":
	case "webhook":
		if n.WebhookURL == "" {
			return fmt.Errorf("notifications.webhook_url is required for the webhook provider")
		}
	case "sendgrid":
		if n.SendGridAPIKey == "" || n.From == "" {
			return fmt.Errorf("notifications.sendgrid_api_key and notifications.from are required for the sendgrid provider")
		}
	default:
		return fmt.Errorf("notifications.provider must be log, webhook or sendgrid")
	}
	if n.Provider != "log" && n.Recipient == "" {
		return fmt.Errorf("notifications.recipient is required")
	}
	if n.Timeout <= 0 {
		return fmt.Errorf("notifications.timeout must be positive")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /")
	}
	if c.Cache.RedisAddr != "" && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive when redis is enabled")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "insurewatch.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config as YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads the workspace config, falling back to defaults when the file is absent.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML overlays raw YAML on the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `engine:
  recheck_interval: 6h
  recheck_after: 24h
  next_check_after: 24h
  stale_alert_days: 30
  dashboard_freshness: 1h
  workers: 8
  script_timeout: 250ms
  alert_due_days: 7
  notify_min_severity: 3
  auto_resolve: true

logging:
  level: info
  format: json

notifications:
  provider: log
  recipient: ""
  from: ""
  webhook_url: ""
  sendgrid_api_key: ""
  timeout: 10s

server:
  addr: ":8080"
  base_path: /v0
  jwt_secret: ""

cache:
  redis_addr: ""
  redis_db: 0
  ttl: 1h
`
