package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Platform.SystemKey = "key"
	cfg.Platform.SystemSecret = "secret"
	cfg.Auth.DeviceID = "edge-logger"
	cfg.Auth.ActiveKey = "active"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Instance.ID == "" {
		t.Error("default instance ID should not be empty")
	}
	if cfg.Platform.HTTPURL != "http://localhost" || cfg.Platform.HTTPPort != 9000 {
		t.Errorf("default platform = %s:%d", cfg.Platform.HTTPURL, cfg.Platform.HTTPPort)
	}
	if cfg.Broker.MessagingPort != 1883 {
		t.Errorf("default messaging port = %d, want 1883", cfg.Broker.MessagingPort)
	}
	if cfg.Broker.KeepAlive.Duration != 30*time.Second {
		t.Errorf("default keepalive = %v, want 30s", cfg.Broker.KeepAlive.Duration)
	}
	if cfg.Journal.PollTimeout.Duration != 1500*time.Millisecond {
		t.Errorf("default poll timeout = %v, want 1.5s", cfg.Journal.PollTimeout.Duration)
	}
	if cfg.Journal.MaxPriority != 6 {
		t.Errorf("default max priority = %d, want 6", cfg.Journal.MaxPriority)
	}
	if cfg.Broker.RequestTopicRoot != "edge/command/request" {
		t.Errorf("default request topic root = %q", cfg.Broker.RequestTopicRoot)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default log level = %q, want %q", cfg.Log.Level, "info")
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("loading nonexistent config should return defaults, got error: %v", err)
	}
	if cfg.Broker.MessagingURL != "localhost" {
		t.Errorf("messaging url = %q, want default %q", cfg.Broker.MessagingURL, "localhost")
	}
}

func TestLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
[instance]
id = "edge-7"

[platform]
system_key = "abc"
system_secret = "def"
http_url = "https://platform.example.com"
http_port = 443

[broker]
messaging_url = "mqtt.example.com"
messaging_port = 8883
keepalive = "45s"

[auth]
service_account = "logger"
service_account_token = "tok"

[journal]
poll_timeout = "2s"
max_priority = 4
units = ["docker.service", "edge.service"]

[log]
level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}

	if cfg.Instance.ID != "edge-7" {
		t.Errorf("instance.id = %q", cfg.Instance.ID)
	}
	if cfg.Platform.SystemKey != "abc" || cfg.Platform.SystemSecret != "def" {
		t.Errorf("platform credentials = %q/%q", cfg.Platform.SystemKey, cfg.Platform.SystemSecret)
	}
	if cfg.HTTPAddr() != "https://platform.example.com:443" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr())
	}
	if cfg.BrokerAddr() != "tcp://mqtt.example.com:8883" {
		t.Errorf("BrokerAddr = %q", cfg.BrokerAddr())
	}
	if cfg.Broker.KeepAlive.Duration != 45*time.Second {
		t.Errorf("keepalive = %v", cfg.Broker.KeepAlive.Duration)
	}
	if cfg.Journal.PollTimeout.Duration != 2*time.Second {
		t.Errorf("poll_timeout = %v", cfg.Journal.PollTimeout.Duration)
	}
	if cfg.Journal.MaxPriority != 4 {
		t.Errorf("max_priority = %d", cfg.Journal.MaxPriority)
	}
	if len(cfg.Journal.Units) != 2 {
		t.Errorf("units = %v", cfg.Journal.Units)
	}
	// Unset sections keep defaults.
	if cfg.Broker.ResponseTopicRoot != "edge/command/response" {
		t.Errorf("response_topic_root = %q", cfg.Broker.ResponseTopicRoot)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	if err := os.WriteFile(path, []byte("not valid [[[ toml"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid TOML, got nil")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CB_SYSTEM_KEY", "env-key")
	t.Setenv("CB_SYSTEM_SECRET", "env-secret")
	t.Setenv("CB_EDGE_NAME", "edge-1")
	t.Setenv("CB_SERVICE_ACCOUNT", "sa")
	t.Setenv("CB_SERVICE_ACCOUNT_TOKEN", "sa-token")
	t.Setenv("CB_ADAPTERS_ROOT_DIR", "/opt/adapters")

	cfg := Default()
	cfg.Platform.SystemKey = "file-key"
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Platform.SystemKey != "env-key" {
		t.Errorf("system key = %q, want env value", cfg.Platform.SystemKey)
	}
	if cfg.Platform.SystemSecret != "env-secret" {
		t.Errorf("system secret = %q", cfg.Platform.SystemSecret)
	}
	if cfg.Instance.ID != "edge-1" {
		t.Errorf("instance id = %q", cfg.Instance.ID)
	}
	if cfg.Auth.ServiceAccount != "sa" || cfg.Auth.ServiceAccountToken != "sa-token" {
		t.Errorf("service account = %q/%q", cfg.Auth.ServiceAccount, cfg.Auth.ServiceAccountToken)
	}
	if cfg.DBPath() != filepath.Join("/opt/adapters", "logpublisher", "stats.db") {
		t.Errorf("db path = %q", cfg.DBPath())
	}
}

func TestApplyFlagsOnlyExplicit(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs)
	if err := fs.Parse([]string{"-systemKey", "flag-key", "-messagingPort", "8883", "-logLevel", "DEBUG"}); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	cfg.Platform.HTTPURL = "https://from-file"
	cfg.ApplyFlags(f)

	if cfg.Platform.SystemKey != "flag-key" {
		t.Errorf("system key = %q", cfg.Platform.SystemKey)
	}
	if cfg.Broker.MessagingPort != 8883 {
		t.Errorf("messaging port = %d", cfg.Broker.MessagingPort)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want lowercased flag value", cfg.Log.Level)
	}
	// Flag defaults must not clobber file values.
	if cfg.Platform.HTTPURL != "https://from-file" {
		t.Errorf("http url = %q, want file value", cfg.Platform.HTTPURL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"device auth", func(c *Config) {}, ""},
		{"service account auth", func(c *Config) {
			c.Auth = AuthConfig{ServiceAccount: "sa", ServiceAccountToken: "tok"}
		}, ""},
		{"missing system key", func(c *Config) { c.Platform.SystemKey = "" }, "system key is required"},
		{"missing system secret", func(c *Config) { c.Platform.SystemSecret = "" }, "system secret is required"},
		{"device without active key", func(c *Config) { c.Auth.ActiveKey = "" }, "active key is required"},
		{"service account without token", func(c *Config) {
			c.Auth = AuthConfig{ServiceAccount: "sa"}
		}, "service account token is required"},
		{"no identity", func(c *Config) { c.Auth = AuthConfig{} }, "device ID/active key or service account"},
		{"bad port", func(c *Config) { c.Broker.MessagingPort = 0 }, "Broker.MessagingPort"},
		{"zero poll timeout", func(c *Config) { c.Journal.PollTimeout = Duration{} }, "Journal.PollTimeout"},
		{"bad priority", func(c *Config) { c.Journal.MaxPriority = 9 }, "Journal.MaxPriority"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "Log.Level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAcceptsUpperCaseLevelFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[platform]
system_key = "key"
system_secret = "secret"

[auth]
device_id = "edge-logger"
active_key = "active"

[log]
level = "WARNING"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Log.Level != "warning" {
		t.Errorf("log level = %q, want %q", cfg.Log.Level, "warning")
	}
}
