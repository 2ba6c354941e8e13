package app

import (
	"strings"
	"testing"
	"time"

	"github.com/openledgerhq/receiptd/internal/quota"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	cfg.Intuit.ClientID = "test-client-id"
	cfg.Intuit.ClientSecret = "test-client-secret"
	cfg.Intuit.RedirectURI = "http://localhost:9090/callback"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}

	if cfg.LogFormat != LogFormatText {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 4810 {
		t.Errorf("server defaults = %s:%d, want 127.0.0.1:4810", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Shutdown.Timeout != 5*time.Second {
		t.Errorf("Shutdown.Timeout = %s, want 5s", cfg.Shutdown.Timeout)
	}
	if cfg.Intuit.Environment != "sandbox" {
		t.Errorf("Intuit.Environment = %q, want sandbox", cfg.Intuit.Environment)
	}
	if cfg.Credentials.Storage != CredentialStorageTypeFile {
		t.Errorf("Credentials.Storage = %q, want file", cfg.Credentials.Storage)
	}
	if cfg.Credentials.File == "" {
		t.Error("Credentials.File must be auto-detected for file storage")
	}
	if cfg.Quota.StateDir == "" {
		t.Error("Quota.StateDir must be auto-detected")
	}
	if cfg.Quota.LockTimeout != quota.DefaultLockTimeout {
		t.Errorf("Quota.LockTimeout = %s, want %s", cfg.Quota.LockTimeout, quota.DefaultLockTimeout)
	}

	acct, ok := cfg.Quota.Providers[ProviderAccounting]
	if !ok || acct.RPM != 500 || acct.RPD != 0 {
		t.Errorf("accounting limits = %+v, want RPM 500 / RPD unlimited", acct)
	}
	ai, ok := cfg.Quota.Providers[ProviderAI]
	if !ok || ai.RPM != 60 || ai.RPD != 1500 {
		t.Errorf("ai limits = %+v, want RPM 60 / RPD 1500", ai)
	}
}

func TestApplyDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 9999},
		Quota: QuotaConfig{
			StateDir:  "/var/lib/receiptd/quota",
			Providers: map[string]quota.Limits{"custom": {RPM: 10}},
		},
	}
	if err := cfg.ApplyDefaults(); err != nil {
		t.Fatalf("ApplyDefaults: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9999 {
		t.Errorf("explicit server settings overwritten: %s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Quota.StateDir != "/var/lib/receiptd/quota" {
		t.Errorf("explicit state dir overwritten: %s", cfg.Quota.StateDir)
	}
	if _, ok := cfg.Quota.Providers["custom"]; !ok || len(cfg.Quota.Providers) != 1 {
		t.Errorf("explicit provider map overwritten: %+v", cfg.Quota.Providers)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing client id",
			mutate:  func(c *Config) { c.Intuit.ClientID = "" },
			wantErr: "ClientID",
		},
		{
			name:    "bad environment",
			mutate:  func(c *Config) { c.Intuit.Environment = "staging" },
			wantErr: "Environment",
		},
		{
			name:    "bad redirect uri",
			mutate:  func(c *Config) { c.Intuit.RedirectURI = "not a url" },
			wantErr: "RedirectURI",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.LogFormat = "yaml" },
			wantErr: "LogFormat",
		},
		{
			name: "keyring storage without user",
			mutate: func(c *Config) {
				c.Credentials.Storage = CredentialStorageTypeKeyring
				c.Credentials.KeyringUser = ""
			},
			wantErr: "keyring_user",
		},
		{
			name:    "negative refresh buffer",
			mutate:  func(c *Config) { c.Intuit.RefreshBuffer = -time.Second },
			wantErr: "refresh_buffer",
		},
		{
			name:    "negative quota limit",
			mutate:  func(c *Config) { c.Quota.Providers["ai"] = quota.Limits{RPM: -1} },
			wantErr: "cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
