package config

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const maxNetworkTimeout = 10 * time.Second

type Config struct {
	// App Settings
	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`
	Workers  int    `envconfig:"MAX_WORKERS" default:"5"`

	// Network Logic
	TCPTimeout  time.Duration `envconfig:"TCP_TIMEOUT" default:"5s"`
	DNSTimeout  time.Duration `envconfig:"DNS_TIMEOUT" default:"3s"`
	GeoTimeout  time.Duration `envconfig:"GEO_TIMEOUT" default:"5s"`
	RetryDelay  time.Duration `envconfig:"RETRY_DELAY" default:"1500ms"`
	DeadAfter   int           `envconfig:"DEAD_AFTER" default:"3"`
	DNSServers  []string      `envconfig:"DNS_SERVERS" default:"8.8.8.8,1.1.1.1"`
	GeoAPIURL   string        `envconfig:"GEO_API_URL" default:"http://ip-api.com/json"`
	GeoRate     float64       `envconfig:"GEO_RATE" default:"0.75"`
	TestURL     string        `envconfig:"TEST_URL" default:"http://cp.cloudflare.com"`
	TestTimeout time.Duration `envconfig:"TEST_TIMEOUT" default:"10s"`

	// File System Paths
	SingBoxPath  string `envconfig:"SING_BOX_PATH" default:"./bin/sing-box"`
	GeoIPPath    string `envconfig:"GEOIP_PATH" default:"GeoLite2-Country.mmdb"`
	InputPath    string `envconfig:"INPUT_PATH" default:"proxies.txt"`
	InputURL     string `envconfig:"INPUT_URL"`
	TemplatePath string `envconfig:"TEMPLATE_PATH"`
	OutputPath   string `envconfig:"OUTPUT_PATH" default:"config.json"`
	ResultsPath  string `envconfig:"RESULTS_PATH" default:"results.jsonl"`
	AlivePath    string `envconfig:"ALIVE_PATH" default:"alive.txt"`

	// Assembly
	ServerPool     []string `envconfig:"SERVER_POOL"`
	SelectorGroups []string `envconfig:"SELECTOR_GROUPS" default:"Internet,Best Latency,Lock Region ID"`

	// Notifications
	TelegramToken  string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID string `envconfig:"TELEGRAM_CHAT_ID"`
}

// Parse reads .env and processes environment variables
func Parse() (*Config, error) {
	// Silently ignore if .env is missing (production might use real ENV vars)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load is Parse for main: configuration errors are fatal.
func Load() *Config {
	cfg, err := Parse()
	if err != nil {
		log.Fatalf("Configuration Error: %v", err)
	}
	return cfg
}

func (c *Config) Validate() error {
	var errs []error
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("MAX_WORKERS must be positive, got %d", c.Workers))
	}
	if c.DeadAfter < 0 {
		errs = append(errs, fmt.Errorf("DEAD_AFTER must not be negative, got %d", c.DeadAfter))
	}
	for name, d := range map[string]time.Duration{
		"TCP_TIMEOUT":  c.TCPTimeout,
		"DNS_TIMEOUT":  c.DNSTimeout,
		"GEO_TIMEOUT":  c.GeoTimeout,
		"TEST_TIMEOUT": c.TestTimeout,
	} {
		if d <= 0 || d > maxNetworkTimeout {
			errs = append(errs, fmt.Errorf("%s must be in (0, %s], got %s", name, maxNetworkTimeout, d))
		}
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("RETRY_DELAY must not be negative, got %s", c.RetryDelay))
	}
	return errors.Join(errs...)
}
