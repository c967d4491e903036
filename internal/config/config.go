package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"git.sr.ht/~spc/go-log"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

// Config holds all application settings loaded from file and environment variables.
// Struct tags are used by the Viper mapstructure decoder.
type Config struct {
	Remote    Remote    `mapstructure:"remote"`
	Auth      Auth      `mapstructure:"auth"`
	Tasks     Tasks     `mapstructure:"tasks"`
	Probe     Probe     `mapstructure:"probe"`
	Session   Session   `mapstructure:"session"`
	Retry     Retry     `mapstructure:"retry"`
	Transfer  Transfer  `mapstructure:"transfer"`
	Audit     Audit     `mapstructure:"audit"`
	Telemetry Telemetry `mapstructure:"telemetry"`
}

type Remote struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
}

// Auth holds the client key used for public-key authentication.
type Auth struct {
	PrivateKeyPath string `mapstructure:"private_key_path"`

	// PreferredKeyAlgorithms restricts the signature algorithms offered with
	// the key, in order. Empty means the library default.
	PreferredKeyAlgorithms []string `mapstructure:"preferred_key_algorithms"`
}

type Tasks struct {
	FileListPath string `mapstructure:"file_list_path"`
}

type Probe struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type Session struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// KnownHostsPath enables host key verification. When empty any host key
	// is accepted.
	KnownHostsPath string `mapstructure:"known_hosts_path"`
}

// Retry configures the per-task retry policy.
type Retry struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	Backoff         string        `mapstructure:"backoff"` // "exponential" or "constant"
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

type Transfer struct {
	// RatePerSecond caps attempts per second. Zero disables the limit.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
}

type Audit struct {
	StoragePath string `mapstructure:"storage_path"` // empty disables the batch log
	LogLevel    string `mapstructure:"log_level"`
}

type Telemetry struct {
	Endpoint    string `mapstructure:"endpoint"` // OTLP gRPC endpoint; empty disables export
	Insecure    bool   `mapstructure:"insecure"`
	ServiceName string `mapstructure:"service_name"`
}

// Load reads configuration from a file and allows environment variables to override any value.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.BindEnv("remote.host", "SFTP_HOST")
	v.BindEnv("remote.port", "SFTP_PORT")
	v.BindEnv("remote.username", "SFTP_USERNAME")
	v.BindEnv("auth.private_key_path", "SFTP_PRIVATE_KEY_PATH")
	v.BindEnv("auth.preferred_key_algorithms", "PREFERRED_KEY_ALGORITHMS", "PREFERRED_KEY_ALGORITHM")
	v.BindEnv("tasks.file_list_path", "SFTP_FILE_LIST_PATH")
	v.BindEnv("audit.storage_path", "AUDIT_STORAGE")
	v.BindEnv("audit.log_level", "LOG_LEVEL")
	v.BindEnv("telemetry.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Auth.PreferredKeyAlgorithms = cleanList(cfg.Auth.PreferredKeyAlgorithms)
	cfg.Audit.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Audit.LogLevel))

	return &cfg, nil
}

// Validate reports every missing or out-of-range setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Remote.Host == "" {
		result = multierror.Append(result, errors.New("remote.host (SFTP_HOST) is required"))
	}
	if c.Remote.Port < 1 || c.Remote.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("remote.port (SFTP_PORT) must be in 1..65535, got %d", c.Remote.Port))
	}
	if c.Remote.Username == "" {
		result = multierror.Append(result, errors.New("remote.username (SFTP_USERNAME) is required"))
	}
	if c.Auth.PrivateKeyPath == "" {
		result = multierror.Append(result, errors.New("auth.private_key_path (SFTP_PRIVATE_KEY_PATH) is required"))
	}
	if c.Tasks.FileListPath == "" {
		result = multierror.Append(result, errors.New("tasks.file_list_path (SFTP_FILE_LIST_PATH) is required"))
	}
	if c.Retry.MaxAttempts < 1 {
		result = multierror.Append(result, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	switch c.Retry.Backoff {
	case "exponential", "constant":
	default:
		result = multierror.Append(result, fmt.Errorf("retry.backoff must be exponential or constant, got %q", c.Retry.Backoff))
	}
	if _, err := log.ParseLevel(c.Audit.LogLevel); err != nil {
		result = multierror.Append(result, fmt.Errorf("audit.log_level (LOG_LEVEL) must be one of error, warn, info, debug, trace, got %q", c.Audit.LogLevel))
	}
	if c.Probe.Timeout <= 0 {
		result = multierror.Append(result, errors.New("probe.timeout must be positive"))
	}
	if c.Session.ConnectTimeout <= 0 {
		result = multierror.Append(result, errors.New("session.connect_timeout must be positive"))
	}

	return result.ErrorOrNil()
}

// LogLevel returns the configured log level, falling back to info for an
// unknown name.
func (c *Config) LogLevel() log.Level {
	level, err := log.ParseLevel(c.Audit.LogLevel)
	if err != nil {
		return log.LevelInfo
	}
	return level
}

// Addr returns the remote address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Remote.Host, c.Remote.Port)
}

// isNotFound returns true when err indicates the config file does not exist.
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && os.IsNotExist(pathErr)
}

func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// setDefaults defines baseline values for all configuration parameters.
func setDefaults(v *viper.Viper) {
	v.SetDefault("remote.port", 22)
	v.SetDefault("probe.timeout", 10*time.Second)
	v.SetDefault("session.connect_timeout", 10*time.Second)
	v.SetDefault("session.known_hosts_path", "")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff", "exponential")
	v.SetDefault("retry.initial_interval", time.Second)
	v.SetDefault("retry.max_interval", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("transfer.rate_per_second", 0)
	v.SetDefault("audit.storage_path", "")
	v.SetDefault("audit.log_level", "info")
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.service_name", "tiny-sftp")
}
