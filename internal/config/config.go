package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"

	"github.com/bcnelson/hunt-foreman/internal/logging"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Fleet     FleetConfig
	Auth      AuthConfig
	OIDC      OIDCConfig
	NATS      NATSConfig
	Dispatch  DispatchConfig
	Tailscale TailscaleConfig
	Logging   logging.Config
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" envDefault:"8080"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver string `env:"DB_DRIVER" envDefault:"sqlite3"`
	DSN    string `env:"DB_DSN" envDefault:"data/foreman.db"`
}

// FleetConfig is the fleet-wide hunt and approval policy.
type FleetConfig struct {
	RuleExpiry        time.Duration `env:"FLEET_RULE_EXPIRY" envDefault:"744h"`
	RequireApproval   bool          `env:"FLEET_REQUIRE_APPROVAL" envDefault:"false"`
	ApprovalThreshold int           `env:"FLEET_APPROVAL_THRESHOLD" envDefault:"1"`
	AllowSelfApproval bool          `env:"FLEET_ALLOW_SELF_APPROVAL" envDefault:"true"`
	ApprovalExpiry    time.Duration `env:"FLEET_APPROVAL_EXPIRY" envDefault:"672h"`
	SweepInterval     time.Duration `env:"FLEET_SWEEP_INTERVAL" envDefault:"1m"`
}

// AuthConfig holds API key authentication settings.
type AuthConfig struct {
	BootstrapAPIKey string `env:"BOOTSTRAP_API_KEY"`
}

// OIDCConfig holds OIDC authentication configuration.
type OIDCConfig struct {
	Enabled        bool   `env:"OIDC_ENABLED" envDefault:"false"`
	IssuerURL      string `env:"OIDC_ISSUER_URL"`
	ClientID       string `env:"OIDC_CLIENT_ID"`
	ClientSecret   string `env:"OIDC_CLIENT_SECRET"`
	RedirectURL    string `env:"OIDC_REDIRECT_URL"`
	Scopes         string `env:"OIDC_SCOPES" envDefault:"openid,email,profile"`
	AllowedDomains string `env:"OIDC_ALLOWED_DOMAINS"`
	StateSecret    string `env:"OIDC_STATE_SECRET"`
	SecureCookies  bool   `env:"OIDC_SECURE_COOKIES" envDefault:"true"`
}

// GetScopes returns the OIDC scopes as a slice.
func (c *OIDCConfig) GetScopes() []string {
	if c.Scopes == "" {
		return []string{"openid", "email", "profile"}
	}
	scopes := strings.Split(c.Scopes, ",")
	for i := range scopes {
		scopes[i] = strings.TrimSpace(scopes[i])
	}
	return scopes
}

// GetAllowedDomains returns the allowed domains as a slice.
func (c *OIDCConfig) GetAllowedDomains() []string {
	if c.AllowedDomains == "" {
		return nil
	}
	domains := strings.Split(c.AllowedDomains, ",")
	for i := range domains {
		domains[i] = strings.TrimSpace(domains[i])
	}
	return domains
}

// GetStateSecretBytes returns the key that encrypts the login state cookie.
// It returns nil when no secret is configured; callers then use a random key,
// which only invalidates logins in flight across a restart.
func (c *OIDCConfig) GetStateSecretBytes() ([]byte, error) {
	if c.StateSecret == "" {
		return nil, nil
	}
	// Try to decode as hex first (64 hex chars = 32 bytes)
	if len(c.StateSecret) == 64 {
		decoded, err := hex.DecodeString(c.StateSecret)
		if err == nil {
			return decoded, nil
		}
	}
	// Otherwise use as raw bytes (must be exactly 32 bytes)
	if len(c.StateSecret) != 32 {
		return nil, fmt.Errorf("OIDC_STATE_SECRET must be 32 bytes (or 64 hex characters)")
	}
	return []byte(c.StateSecret), nil
}

// NATSConfig configures the optional NATS connection. Without a URL the
// server notifies through the log and hands actions back in check-in
// responses.
type NATSConfig struct {
	URL             string `env:"NATS_URL"`
	ApprovalSubject string `env:"NATS_APPROVAL_SUBJECT" envDefault:"foreman.approvals"`
	DispatchSubject string `env:"NATS_DISPATCH_SUBJECT" envDefault:"foreman.dispatch"`
}

// Enabled reports whether a NATS server is configured.
func (c *NATSConfig) Enabled() bool {
	return c.URL != ""
}

// DispatchConfig controls retries of action delivery.
type DispatchConfig struct {
	MaxRetries    int           `env:"DISPATCH_MAX_RETRIES" envDefault:"3"`
	RetryInterval time.Duration `env:"DISPATCH_RETRY_INTERVAL" envDefault:"200ms"`
}

// TailscaleConfig holds the tailnet inventory source.
type TailscaleConfig struct {
	Tailnet      string        `env:"TAILSCALE_TAILNET"`
	APIKey       string        `env:"TAILSCALE_API_KEY"`
	FileShim     string        `env:"TAILSCALE_FILE_SHIM"` // Path to a device list file (disables the real API)
	PollInterval time.Duration `env:"INVENTORY_POLL_INTERVAL" envDefault:"5m"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(&cfg.Server); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	if err := env.Parse(&cfg.Database); err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if err := env.Parse(&cfg.Fleet); err != nil {
		return nil, fmt.Errorf("parsing fleet config: %w", err)
	}
	if err := env.Parse(&cfg.Auth); err != nil {
		return nil, fmt.Errorf("parsing auth config: %w", err)
	}
	if err := env.Parse(&cfg.OIDC); err != nil {
		return nil, fmt.Errorf("parsing oidc config: %w", err)
	}
	if err := env.Parse(&cfg.NATS); err != nil {
		return nil, fmt.Errorf("parsing nats config: %w", err)
	}
	if err := env.Parse(&cfg.Dispatch); err != nil {
		return nil, fmt.Errorf("parsing dispatch config: %w", err)
	}
	if err := env.Parse(&cfg.Tailscale); err != nil {
		return nil, fmt.Errorf("parsing tailscale config: %w", err)
	}
	if err := env.Parse(&cfg.Logging); err != nil {
		return nil, fmt.Errorf("parsing logging config: %w", err)
	}

	return cfg, nil
}

// Addr returns the server address in host:port format.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite3 or postgres, got %q", c.Database.Driver)
	}

	if c.Fleet.RuleExpiry <= 0 {
		return fmt.Errorf("FLEET_RULE_EXPIRY must be positive")
	}
	if c.Fleet.ApprovalThreshold < 1 {
		return fmt.Errorf("FLEET_APPROVAL_THRESHOLD must be at least 1")
	}
	if c.Fleet.ApprovalExpiry < 0 {
		return fmt.Errorf("FLEET_APPROVAL_EXPIRY must not be negative")
	}
	if c.Fleet.SweepInterval <= 0 {
		return fmt.Errorf("FLEET_SWEEP_INTERVAL must be positive")
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("DISPATCH_MAX_RETRIES must not be negative")
	}

	// Tailnet credentials come as a pair; the file shim replaces both.
	if c.Tailscale.FileShim == "" && (c.Tailscale.Tailnet == "") != (c.Tailscale.APIKey == "") {
		return fmt.Errorf("TAILSCALE_TAILNET and TAILSCALE_API_KEY must be set together (or set TAILSCALE_FILE_SHIM)")
	}
	if c.InventoryEnabled() && c.Tailscale.PollInterval <= 0 {
		return fmt.Errorf("INVENTORY_POLL_INTERVAL must be positive")
	}

	// Validate OIDC config when enabled
	if c.OIDC.Enabled {
		if c.OIDC.IssuerURL == "" {
			return fmt.Errorf("OIDC_ISSUER_URL is required when OIDC is enabled")
		}
		if c.OIDC.ClientID == "" {
			return fmt.Errorf("OIDC_CLIENT_ID is required when OIDC is enabled")
		}
		if c.OIDC.ClientSecret == "" {
			return fmt.Errorf("OIDC_CLIENT_SECRET is required when OIDC is enabled")
		}
		if c.OIDC.RedirectURL == "" {
			return fmt.Errorf("OIDC_REDIRECT_URL is required when OIDC is enabled")
		}
		if _, err := c.OIDC.GetStateSecretBytes(); err != nil {
			return err
		}
	}

	return nil
}

// UseFileShim returns true if the file shim should be used instead of the real API.
func (c *Config) UseFileShim() bool {
	return c.Tailscale.FileShim != ""
}

// InventoryEnabled reports whether a device inventory source is configured.
func (c *Config) InventoryEnabled() bool {
	return c.UseFileShim() || (c.Tailscale.Tailnet != "" && c.Tailscale.APIKey != "")
}
