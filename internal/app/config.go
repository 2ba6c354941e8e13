package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openledgerhq/receiptd/internal/credstore"
	"github.com/openledgerhq/receiptd/internal/qbauth"
	"github.com/openledgerhq/receiptd/internal/quota"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
	LogFormatOTLP LogFormat = "otlp"
)

// CredentialStorageType represents the supported credential storage backends.
type CredentialStorageType string

const (
	CredentialStorageTypeFile    CredentialStorageType = "file"
	CredentialStorageTypeKeyring CredentialStorageType = "keyring"
)

// Governed provider names. Every outbound call site checks the matching
// governor before issuing a request.
const (
	ProviderAccounting = "accounting"
	ProviderAI         = "ai"
)

// Default configuration values
const (
	DefaultConfigLogFormat          = LogFormatText
	DefaultConfigServerHost         = "127.0.0.1"
	DefaultConfigServerPort         = 4810
	DefaultConfigShutdownTimeout    = 5 * time.Second
	DefaultConfigCredentialsStorage = CredentialStorageTypeFile
	DefaultConfigIntuitEnvironment  = string(qbauth.EnvironmentSandbox)
	DefaultConfigQuotaLockTimeout   = quota.DefaultLockTimeout

	// Intuit allows 500 calls per minute per realm; the AI receipt-extraction
	// API is far tighter.
	defaultAccountingRPM = 500
	defaultAIRPM         = 60
	defaultAIRPD         = 1500
)

// ServerConfig holds the ops HTTP server configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// IntuitConfig holds the OAuth2 application settings for QuickBooks Online.
type IntuitConfig struct {
	Environment  string `json:"environment" validate:"required,oneof=sandbox production"`
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret"`
	RedirectURI  string `json:"redirect_uri" validate:"required,url"`

	RefreshBuffer      time.Duration `json:"refresh_buffer"`
	MaxRefreshAttempts int           `json:"max_refresh_attempts"`
}

// OAuthConfig converts the section into the token manager's configuration.
func (i *IntuitConfig) OAuthConfig() qbauth.OAuthConfig {
	return qbauth.OAuthConfig{
		ClientID:           i.ClientID,
		ClientSecret:       i.ClientSecret,
		RedirectURI:        i.RedirectURI,
		Environment:        qbauth.Environment(i.Environment),
		RefreshBuffer:      i.RefreshBuffer,
		MaxRefreshAttempts: i.MaxRefreshAttempts,
	}
}

// CredentialsConfig describes where the persisted credential document lives.
type CredentialsConfig struct {
	Storage CredentialStorageType `json:"storage" validate:"required,oneof=file keyring"`

	// Storage-specific settings (mutually exclusive based on Storage type)
	File        string `json:"file,omitempty"`         // For file storage: path to credential file
	KeyringUser string `json:"keyring_user,omitempty"` // For keyring storage: user identifier
}

// NewStore creates a credential store from the configuration.
func (c *CredentialsConfig) NewStore() (credstore.Store, error) {
	switch c.Storage {
	case CredentialStorageTypeFile:
		return credstore.NewFileStore(c.File)
	case CredentialStorageTypeKeyring:
		return credstore.NewKeyringStore(c.KeyringUser)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", c.Storage)
	}
}

// QuotaConfig holds the per-provider call ceilings and the shared state
// directory co-operating processes lock against.
type QuotaConfig struct {
	StateDir    string                  `json:"state_dir"`
	LockTimeout time.Duration           `json:"lock_timeout"`
	Providers   map[string]quota.Limits `json:"providers"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel    slog.Level        `json:"log_level"`
	LogFormat   LogFormat         `json:"log_format" validate:"oneof=text json otlp"`
	Server      ServerConfig      `json:"server"`
	Shutdown    ShutdownConfig    `json:"shutdown"`
	Intuit      IntuitConfig      `json:"intuit"`
	Credentials CredentialsConfig `json:"credentials"`
	Quota       QuotaConfig       `json:"quota"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.Intuit.Environment == "" {
		c.Intuit.Environment = DefaultConfigIntuitEnvironment
	}
	if c.Credentials.Storage == "" {
		c.Credentials.Storage = DefaultConfigCredentialsStorage
	}
	if c.Quota.LockTimeout == 0 {
		c.Quota.LockTimeout = DefaultConfigQuotaLockTimeout
	}
	if c.Quota.Providers == nil {
		c.Quota.Providers = map[string]quota.Limits{
			ProviderAccounting: {RPM: defaultAccountingRPM},
			ProviderAI:         {RPM: defaultAIRPM, RPD: defaultAIRPD},
		}
	}

	// Dynamic defaults based on storage type
	switch c.Credentials.Storage {
	case CredentialStorageTypeFile:
		if c.Credentials.File == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("credentials.file required (auto-detect failed: %w)", err)
			}
			c.Credentials.File = filepath.Join(configDir, "receiptd", "credentials.json")
		}
	case CredentialStorageTypeKeyring:
		if c.Credentials.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("credentials.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Credentials.KeyringUser = currentUser.Username
		}
	}

	if c.Quota.StateDir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("quota.state_dir required (auto-detect failed: %w)", err)
		}
		c.Quota.StateDir = filepath.Join(configDir, "receiptd", "quota")
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Credentials.Storage {
	case CredentialStorageTypeFile:
		if c.Credentials.File == "" {
			return errors.New("file path required for file storage")
		}
	case CredentialStorageTypeKeyring:
		if c.Credentials.KeyringUser == "" {
			return errors.New("keyring_user required for keyring storage")
		}
	}

	if c.Intuit.RefreshBuffer < 0 {
		return errors.New("intuit.refresh_buffer cannot be negative")
	}
	if c.Intuit.MaxRefreshAttempts < 0 {
		return errors.New("intuit.max_refresh_attempts cannot be negative")
	}
	for name, limits := range c.Quota.Providers {
		if limits.RPM < 0 || limits.RPD < 0 {
			return fmt.Errorf("quota limits for %s cannot be negative", name)
		}
	}

	return nil
}
