// Package config handles configuration loading: TOML file, CB_* environment
// variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Config is the top-level configuration for logpublisher.
type Config struct {
	Instance InstanceConfig `toml:"instance"`
	Platform PlatformConfig `toml:"platform"`
	Broker   BrokerConfig   `toml:"broker"`
	Auth     AuthConfig     `toml:"auth"`
	Journal  JournalConfig  `toml:"journal"`
	DB       DBConfig       `toml:"db"`
	Log      LogConfig      `toml:"log"`
}

// InstanceConfig identifies this machine in logs and stats.
type InstanceConfig struct {
	ID string `toml:"id" validate:"required"`
}

// PlatformConfig locates the ClearBlade system the adapter belongs to.
type PlatformConfig struct {
	SystemKey    string `toml:"system_key" validate:"required"`
	SystemSecret string `toml:"system_secret" validate:"required"`
	HTTPURL      string `toml:"http_url" validate:"required,url"`
	HTTPPort     int    `toml:"http_port" validate:"min=1,max=65535"`
}

// BrokerConfig controls the MQTT connection.
type BrokerConfig struct {
	MessagingURL  string   `toml:"messaging_url" validate:"required"`
	MessagingPort int      `toml:"messaging_port" validate:"min=1,max=65535"`
	KeepAlive     Duration `toml:"keepalive" validate:"gt=0"`
	ClientID      string   `toml:"client_id"`

	// Command channel roots. Not used by the forwarding path.
	RequestTopicRoot  string `toml:"request_topic_root"`
	ResponseTopicRoot string `toml:"response_topic_root"`
}

// AuthConfig holds either device or service account credentials.
type AuthConfig struct {
	DeviceID            string `toml:"device_id" validate:"required_without=ServiceAccount"`
	ActiveKey           string `toml:"active_key" validate:"required_with=DeviceID"`
	ServiceAccount      string `toml:"service_account"`
	ServiceAccountToken string `toml:"service_account_token" validate:"required_with=ServiceAccount"`
}

// JournalConfig controls which entries are tailed and how often.
type JournalConfig struct {
	PollTimeout Duration `toml:"poll_timeout" validate:"gt=0"`
	MaxPriority int      `toml:"max_priority" validate:"min=0,max=7"`
	Units       []string `toml:"units"`
}

// DBConfig controls the cycle stats database.
type DBConfig struct {
	Path      string   `toml:"path"`
	Retention Duration `toml:"retention"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `toml:"level" validate:"oneof=debug info warn warning error critical"`
	CB    bool   `toml:"cb"`   // log platform HTTP calls
	MQTT  bool   `toml:"mqtt"` // route the MQTT client's internal logs to slog
}

// Duration wraps time.Duration for TOML string parsing (e.g. "1500ms", "30s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with the adapter defaults.
func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return &Config{
		Instance: InstanceConfig{
			ID: hostname,
		},
		Platform: PlatformConfig{
			HTTPURL:  "http://localhost",
			HTTPPort: 9000,
		},
		Broker: BrokerConfig{
			MessagingURL:      "localhost",
			MessagingPort:     1883,
			KeepAlive:         Duration{30 * time.Second},
			RequestTopicRoot:  "edge/command/request",
			ResponseTopicRoot: "edge/command/response",
		},
		Journal: JournalConfig{
			PollTimeout: Duration{1500 * time.Millisecond},
			MaxPriority: 6, // info
		},
		DB: DBConfig{
			Retention: Duration{7 * 24 * time.Hour},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(configDir, "logpublisher", "config.toml")
}

// Load reads configuration from the given path, falling back to defaults
// for any unset fields. If the file does not exist, returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// environment mirrors the CB_* variables set by the edge adapter runtime.
type environment struct {
	SystemKey           string `envconfig:"SYSTEM_KEY"`
	SystemSecret        string `envconfig:"SYSTEM_SECRET"`
	EdgeName            string `envconfig:"EDGE_NAME"`
	ServiceAccount      string `envconfig:"SERVICE_ACCOUNT"`
	ServiceAccountToken string `envconfig:"SERVICE_ACCOUNT_TOKEN"`
	AdaptersRootDir     string `envconfig:"ADAPTERS_ROOT_DIR"`
}

// ApplyEnv overlays any CB_* environment variables that are set.
func (c *Config) ApplyEnv() error {
	var env environment
	if err := envconfig.Process("CB", &env); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}

	setIf(&c.Platform.SystemKey, env.SystemKey)
	setIf(&c.Platform.SystemSecret, env.SystemSecret)
	setIf(&c.Instance.ID, env.EdgeName)
	setIf(&c.Auth.ServiceAccount, env.ServiceAccount)
	setIf(&c.Auth.ServiceAccountToken, env.ServiceAccountToken)
	if env.AdaptersRootDir != "" && c.DB.Path == "" {
		c.DB.Path = filepath.Join(env.AdaptersRootDir, "logpublisher", "stats.db")
	}
	return nil
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(Duration); ok {
			return int64(d.Duration)
		}
		return nil
	}, Duration{})
	return v
}

// fieldHints maps validated fields to where the value can be provided.
var fieldHints = map[string]string{
	"Platform.SystemKey":       "system key is required (CB_SYSTEM_KEY or -systemKey)",
	"Platform.SystemSecret":    "system secret is required (CB_SYSTEM_SECRET or -systemSecret)",
	"Auth.DeviceID":            "device ID/active key or service account name/token are required",
	"Auth.ActiveKey":           "active key is required when a device ID is given (-activeKey)",
	"Auth.ServiceAccountToken": "service account token is required when a service account is given (CB_SERVICE_ACCOUNT_TOKEN or -cb_service_account_token)",
}

// Validate normalizes and checks the layered configuration. It should be
// called after ApplyEnv and ApplyFlags.
func (c *Config) Validate() error {
	c.Log.Level = strings.ToLower(c.Log.Level)

	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if hint, ok := fieldHints[field]; ok {
			msgs = append(msgs, hint)
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s fails %q", field, fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// HTTPAddr returns the platform base URL including the port.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", strings.TrimRight(c.Platform.HTTPURL, "/"), c.Platform.HTTPPort)
}

// BrokerAddr returns the MQTT broker URL.
func (c *Config) BrokerAddr() string {
	host := c.Broker.MessagingURL
	if !strings.Contains(host, "://") {
		host = "tcp://" + host
	}
	return fmt.Sprintf("%s:%d", host, c.Broker.MessagingPort)
}

// DBPath returns the stats database path.
func (c *Config) DBPath() string {
	if c.DB.Path != "" {
		return c.DB.Path
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "logpublisher", "stats.db")
}
