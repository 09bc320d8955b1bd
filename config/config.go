/*
Package config loads the YAML configuration with environment substitution.

Secrets never live in the YAML file: values like ${PORTAL_PASSWORD} are
substituted from the environment at load time, and a .env file sitting next
to the config is loaded first (without overriding variables already set).
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full tool configuration.
type Config struct {
	Portal PortalConfig `yaml:"portal"`
	MFA    MFAConfig    `yaml:"mfa"`
	Ledger LedgerConfig `yaml:"ledger"`
	State  StateConfig  `yaml:"state"`
	Diag   DiagConfig   `yaml:"diag"`

	LogLevel string `yaml:"log_level"`
}

type PortalConfig struct {
	LoginURL     string `yaml:"login_url"`
	DashboardURL string `yaml:"dashboard_url"`

	// PaymentsURL is the payment-history page. Empty skips payment extraction.
	PaymentsURL string `yaml:"payments_url"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Groups are the loan group codes to sync, e.g. ["AA", "AB"].
	Groups []string `yaml:"groups"`

	RememberDevice bool   `yaml:"remember_device"`
	SessionPath    string `yaml:"session_path"`

	// DarkHosts maps parked hosts to the canonical host to rewrite to.
	DarkHosts map[string]string `yaml:"dark_hosts"`

	// LoginTimeout bounds one whole login attempt.
	LoginTimeout time.Duration `yaml:"login_timeout"`
}

type MFAConfig struct {
	IMAPAddr   string `yaml:"imap_addr"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Mailbox    string `yaml:"mailbox"`
	FromFilter string `yaml:"from_filter"`
}

// Enabled reports whether an MFA mailbox is configured.
func (m MFAConfig) Enabled() bool { return m.IMAPAddr != "" }

type LedgerConfig struct {
	SessionPath string `yaml:"session_path"`
	Endpoint    string `yaml:"endpoint"`

	AccountForGroup   map[string]string `yaml:"account_for_group"`
	AccountNamePrefix string            `yaml:"account_name_prefix"`

	Merchant   string `yaml:"merchant"`
	CategoryID string `yaml:"category_id"`

	DuplicateWindowDays        int  `yaml:"duplicate_window_days"`
	DuplicateGuardUseReference bool `yaml:"duplicate_guard_use_reference"`
}

type StateConfig struct {
	Path string `yaml:"path"`
}

type DiagConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads path, substitutes ${VAR} references from the environment (after
// loading a .env next to the config, when present), and validates.
func Load(path string) (*Config, error) {
	// Best-effort: a missing .env just means the environment is already set.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults(baseDir string) {
	if c.State.Path == "" {
		c.State.Path = filepath.Join(baseDir, "loansync.db")
	}
	if c.Portal.SessionPath == "" {
		c.Portal.SessionPath = filepath.Join(baseDir, "portal-session.json")
	}
	if c.Diag.Dir == "" {
		c.Diag.Dir = filepath.Join(baseDir, "debug")
	}
	if c.Ledger.Merchant == "" {
		c.Ledger.Merchant = "Loan Servicer"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	var missing []string
	if c.Portal.LoginURL == "" {
		missing = append(missing, "portal.login_url")
	}
	if c.Portal.Username == "" {
		missing = append(missing, "portal.username")
	}
	if c.Portal.Password == "" {
		missing = append(missing, "portal.password")
	}
	if len(c.Portal.Groups) == 0 {
		missing = append(missing, "portal.groups")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}
