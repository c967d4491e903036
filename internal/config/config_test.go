package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"git.sr.ht/~spc/go-log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load binds so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"SFTP_HOST", "SFTP_PORT", "SFTP_USERNAME", "SFTP_PRIVATE_KEY_PATH",
		"SFTP_FILE_LIST_PATH", "PREFERRED_KEY_ALGORITHMS", "PREFERRED_KEY_ALGORITHM",
		"AUDIT_STORAGE", "LOG_LEVEL", "OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(name, "")
	}
}

func validConfig() *Config {
	return &Config{
		Remote:  Remote{Host: "sftp.example.com", Port: 22, Username: "fetcher"},
		Auth:    Auth{PrivateKeyPath: "/keys/id_rsa"},
		Tasks:   Tasks{FileListPath: "/lists/files.csv"},
		Probe:   Probe{Timeout: 10 * time.Second},
		Session: Session{ConnectTimeout: 10 * time.Second},
		Retry:   Retry{MaxAttempts: 3, Backoff: "exponential"},
		Audit:   Audit{LogLevel: "info"},
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Run("loads default values when file does not exist", func(t *testing.T) {
		clearEnv(t)

		// Non-existent file: setDefaults() values must apply.
		cfg, err := Load(filepath.Join(tmpDir, "missing.yaml"))

		require.NoError(t, err)
		assert.Equal(t, 22, cfg.Remote.Port)
		assert.Equal(t, 10*time.Second, cfg.Probe.Timeout)
		assert.Equal(t, 10*time.Second, cfg.Session.ConnectTimeout)
		assert.Equal(t, 3, cfg.Retry.MaxAttempts)
		assert.Equal(t, "exponential", cfg.Retry.Backoff)
		assert.Equal(t, time.Second, cfg.Retry.InitialInterval)
		assert.Equal(t, 30*time.Second, cfg.Retry.MaxInterval)
		assert.Equal(t, 2.0, cfg.Retry.Multiplier)
		assert.Zero(t, cfg.Transfer.RatePerSecond)
		assert.Empty(t, cfg.Audit.StoragePath)
		assert.Equal(t, "info", cfg.Audit.LogLevel)
		assert.Empty(t, cfg.Telemetry.Endpoint)
		assert.Empty(t, cfg.Auth.PreferredKeyAlgorithms)
	})

	t.Run("loads values from YAML file", func(t *testing.T) {
		clearEnv(t)

		yamlContent := `
remote:
  host: "files.example.com"
  port: 2222
  username: "batch"
auth:
  private_key_path: "/keys/id_ed25519"
  preferred_key_algorithms: ["rsa-sha2-512", "rsa-sha2-256"]
tasks:
  file_list_path: "/lists/today.csv"
retry:
  max_attempts: 5
  backoff: constant
  initial_interval: 250ms
audit:
  log_level: "debug"
`
		err := os.WriteFile(configPath, []byte(yamlContent), 0644)
		require.NoError(t, err)

		cfg, err := Load(configPath)

		require.NoError(t, err)
		assert.Equal(t, "files.example.com", cfg.Remote.Host)
		assert.Equal(t, 2222, cfg.Remote.Port)
		assert.Equal(t, "batch", cfg.Remote.Username)
		assert.Equal(t, "/keys/id_ed25519", cfg.Auth.PrivateKeyPath)
		assert.Equal(t, []string{"rsa-sha2-512", "rsa-sha2-256"}, cfg.Auth.PreferredKeyAlgorithms)
		assert.Equal(t, "/lists/today.csv", cfg.Tasks.FileListPath)
		assert.Equal(t, 5, cfg.Retry.MaxAttempts)
		assert.Equal(t, "constant", cfg.Retry.Backoff)
		assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialInterval)
		assert.Equal(t, log.LevelDebug, cfg.LogLevel())
		assert.Equal(t, "files.example.com:2222", cfg.Addr())
	})

	t.Run("environment variables override file values", func(t *testing.T) {
		clearEnv(t)

		yamlContent := `
remote:
  host: "from-file"
  port: 2222
`
		err := os.WriteFile(configPath, []byte(yamlContent), 0644)
		require.NoError(t, err)

		t.Setenv("SFTP_HOST", "from-env")
		t.Setenv("SFTP_PORT", "2200")
		t.Setenv("SFTP_USERNAME", "envuser")
		t.Setenv("SFTP_PRIVATE_KEY_PATH", "/env/key")
		t.Setenv("SFTP_FILE_LIST_PATH", "/env/list.csv")
		t.Setenv("LOG_LEVEL", "WARN")

		cfg, err := Load(configPath)

		require.NoError(t, err)
		// Env values must win over file values.
		assert.Equal(t, "from-env", cfg.Remote.Host)
		assert.Equal(t, 2200, cfg.Remote.Port)
		assert.Equal(t, "envuser", cfg.Remote.Username)
		assert.Equal(t, "/env/key", cfg.Auth.PrivateKeyPath)
		assert.Equal(t, "/env/list.csv", cfg.Tasks.FileListPath)
		assert.Equal(t, "warn", cfg.Audit.LogLevel)
		assert.Equal(t, log.LevelWarn, cfg.LogLevel())
	})

	t.Run("preferred algorithms from comma separated env", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("PREFERRED_KEY_ALGORITHMS", "rsa-sha2-512, ssh-rsa")

		cfg, err := Load(filepath.Join(tmpDir, "missing.yaml"))

		require.NoError(t, err)
		assert.Equal(t, []string{"rsa-sha2-512", "ssh-rsa"}, cfg.Auth.PreferredKeyAlgorithms)
	})

	t.Run("singular preferred algorithm variable is accepted", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("PREFERRED_KEY_ALGORITHM", "rsa-sha2-256")

		cfg, err := Load(filepath.Join(tmpDir, "missing.yaml"))

		require.NoError(t, err)
		assert.Equal(t, []string{"rsa-sha2-256"}, cfg.Auth.PreferredKeyAlgorithms)
	})

	t.Run("returns error on invalid YAML", func(t *testing.T) {
		clearEnv(t)

		err := os.WriteFile(configPath, []byte("remote: host: [invalid yaml"), 0644)
		require.NoError(t, err)

		_, err = Load(configPath)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Run("accepts a complete config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("reports every missing field at once", func(t *testing.T) {
		cfg := validConfig()
		cfg.Remote.Host = ""
		cfg.Remote.Username = ""
		cfg.Auth.PrivateKeyPath = ""
		cfg.Tasks.FileListPath = ""

		err := cfg.Validate()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "SFTP_HOST")
		assert.Contains(t, err.Error(), "SFTP_USERNAME")
		assert.Contains(t, err.Error(), "SFTP_PRIVATE_KEY_PATH")
		assert.Contains(t, err.Error(), "SFTP_FILE_LIST_PATH")
	})

	t.Run("rejects port out of range", func(t *testing.T) {
		for _, port := range []int{0, -1, 65536} {
			cfg := validConfig()
			cfg.Remote.Port = port
			assert.Error(t, cfg.Validate(), "port %d", port)
		}
	})

	t.Run("rejects max attempts below one", func(t *testing.T) {
		cfg := validConfig()
		cfg.Retry.MaxAttempts = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_attempts")
	})

	t.Run("rejects unknown backoff", func(t *testing.T) {
		cfg := validConfig()
		cfg.Retry.Backoff = "fibonacci"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects non-positive timeouts", func(t *testing.T) {
		cfg := validConfig()
		cfg.Probe.Timeout = 0
		cfg.Session.ConnectTimeout = -time.Second
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "probe.timeout")
		assert.Contains(t, err.Error(), "session.connect_timeout")
	})
}

func TestLogLevel(t *testing.T) {
	t.Run("maps names to levels", func(t *testing.T) {
		for name, want := range map[string]log.Level{
			"error": log.LevelError,
			"warn":  log.LevelWarn,
			"info":  log.LevelInfo,
			"debug": log.LevelDebug,
		} {
			cfg := validConfig()
			cfg.Audit.LogLevel = name
			assert.Equal(t, want, cfg.LogLevel(), name)
		}
	})

	t.Run("unknown name falls back to info", func(t *testing.T) {
		cfg := validConfig()
		cfg.Audit.LogLevel = "chatty"
		assert.Equal(t, log.LevelInfo, cfg.LogLevel())
	})

	t.Run("validate rejects unknown name", func(t *testing.T) {
		cfg := validConfig()
		cfg.Audit.LogLevel = "chatty"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "LOG_LEVEL")
	})

	t.Run("warn suppresses info lines", func(t *testing.T) {
		cfg := validConfig()
		cfg.Audit.LogLevel = "warn"

		var buf bytes.Buffer
		logger := log.New(&buf, "", 0, cfg.LogLevel())

		logger.Infof("[TRANSFER] OK %s", "/r/a -> /l/a")
		logger.Debugf("[SESSION] Fetched %s", "/r/a")
		assert.Empty(t, buf.String())

		logger.Warnf("[BATCH] Error closing session: %v", "eof")
		logger.Errorf("[TRANSFER] FAILED %s", "/r/b -> /l/b")
		assert.Contains(t, buf.String(), "Error closing session")
		assert.Contains(t, buf.String(), "FAILED")
	})

	t.Run("error suppresses warnings", func(t *testing.T) {
		cfg := validConfig()
		cfg.Audit.LogLevel = "error"

		var buf bytes.Buffer
		logger := log.New(&buf, "", 0, cfg.LogLevel())

		logger.Warnf("[PROBE] %s unreachable", "h:22")
		assert.Empty(t, buf.String())
	})
}
