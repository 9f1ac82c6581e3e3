package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/wrale/smart-launch/internal/launch"
)

// Config holds configuration loaded from environment variables
type Config struct {
	Port int `envconfig:"PORT" default:"8080"`

	BackendURL     string        `envconfig:"BACKEND_URL" required:"true"`
	RedirectURI    string        `envconfig:"REDIRECT_URI" default:"myapp://oauth-callback"`
	CallbackScheme string        `envconfig:"CALLBACK_SCHEME" default:"myapp"`
	Scope          string        `envconfig:"SCOPE"`
	Aud            string        `envconfig:"AUD"`
	Vendor         string        `envconfig:"VENDOR"`
	QuickPicks     []string      `envconfig:"QUICK_PICKS"`
	HTTPTimeout    time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`

	RedisURL      string        `envconfig:"REDIS_URL"`
	CredentialTTL time.Duration `envconfig:"CREDENTIAL_TTL" default:"0"`

	SandboxIss        string `envconfig:"SANDBOX_ISS" default:"https://fhir.epic.com/interconnect-fhir-oauth/api/FHIR/R4"`
	SandboxUsername   string `envconfig:"SANDBOX_USERNAME"`
	SandboxPassword   string `envconfig:"SANDBOX_PASSWORD"`
	SandboxCaptureDir string `envconfig:"SANDBOX_CAPTURE_DIR"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"false"`

	RequestTimeout    time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"45s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// loadConfig reads and validates the environment
func loadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BACKEND_URL must be an absolute URL, got %q", c.BackendURL)
	}
	if _, err := url.Parse(c.RedirectURI); err != nil {
		return fmt.Errorf("invalid REDIRECT_URI: %w", err)
	}
	if c.CallbackScheme == "" {
		return fmt.Errorf("CALLBACK_SCHEME must not be empty")
	}
	if c.SandboxPassword != "" && c.SandboxUsername == "" {
		return fmt.Errorf("SANDBOX_PASSWORD set without SANDBOX_USERNAME")
	}
	if _, err := c.quickPicks(); err != nil {
		return err
	}
	return nil
}

// quickPicks parses QUICK_PICKS entries of the form "Name|iss". An empty
// list keeps the built-in picks.
func (c Config) quickPicks() ([]launch.QuickPick, error) {
	if len(c.QuickPicks) == 0 {
		return nil, nil
	}

	picks := make([]launch.QuickPick, 0, len(c.QuickPicks))
	for _, entry := range c.QuickPicks {
		name, iss, ok := strings.Cut(entry, "|")
		name, iss = strings.TrimSpace(name), strings.TrimSpace(iss)
		if !ok || name == "" || iss == "" {
			return nil, fmt.Errorf("invalid QUICK_PICKS entry %q, want Name|iss", entry)
		}
		picks = append(picks, launch.QuickPick{Name: name, Iss: iss})
	}
	return picks, nil
}

// callbackPath is the path of an http(s) redirect URI, served by the
// callback handler
func (c Config) callbackPath() string {
	u, err := url.Parse(c.RedirectURI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Path == "" {
		return ""
	}
	return u.Path
}
