package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Slack          SlackConfig          `yaml:"slack"`
	OpenAI         OpenAIConfig         `yaml:"openai"`
	Streaming      StreamingConfig      `yaml:"streaming"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Ledger         LedgerConfig         `yaml:"ledger"`
	Server         ServerConfig         `yaml:"server"`
	Worker         WorkerConfig         `yaml:"worker"`
	Logger         LoggerConfig         `yaml:"logger"`
	Tracer         TracerConfig         `yaml:"tracer"`
	Metrics        MetricsConfig        `yaml:"metrics"`
}

// SlackConfig holds chat surface settings.
type SlackConfig struct {
	BotToken string        `yaml:"bot_token"`
	APIURL   string        `yaml:"api_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PoolConfig holds HTTP connection pool settings.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// OpenAIConfig holds LLM provider settings.
type OpenAIConfig struct {
	BaseURL          string        `yaml:"base_url"`
	APIKey           string        `yaml:"api_key"`
	OrgID            string        `yaml:"org_id,omitempty"`
	Model            string        `yaml:"model"`
	ConnTimeout      time.Duration `yaml:"conn_timeout"`
	RespTimeout      time.Duration `yaml:"resp_timeout"`
	Pool             PoolConfig    `yaml:"pool"`
	MaxContextTokens int           `yaml:"max_context_tokens"`
	MaxOutputTokens  int           `yaml:"max_output_tokens"`
	TokenBuffer      int           `yaml:"token_buffer"`
	MinOutputTokens  int           `yaml:"min_output_tokens"`
	// Encoding is the tiktoken encoding used to estimate prompt size.
	Encoding string `yaml:"encoding"`
}

// StreamingConfig holds live-message delivery settings.
type StreamingConfig struct {
	MaxChunkChars      int           `yaml:"max_chunk_chars"`
	MinAppendInterval  time.Duration `yaml:"min_append_interval"`
	TextLimit          int           `yaml:"text_limit"`
	MaxAttempts        int           `yaml:"max_attempts"`
	BodyRateLimitDelay time.Duration `yaml:"body_rate_limit_delay"`
	DefaultRetryAfter  time.Duration `yaml:"default_retry_after"`
	CleanupTimeout     time.Duration `yaml:"cleanup_timeout"`
	FeedbackControls   bool          `yaml:"feedback_controls"`
}

// RetryConfig holds backoff settings for one-shot chat surface calls.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig holds circuit breaker settings for the LLM stream.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// LedgerConfig holds delivery ledger settings.
type LedgerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
	// PruneSchedule is a cron expression or a Go duration ("6h").
	PruneSchedule string `yaml:"prune_schedule"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	APIToken        string        `yaml:"api_token"`
	RateLimit       float64       `yaml:"rate_limit"` // requests per second per client
	RateBurst       int           `yaml:"rate_burst"`
	TrustedProxies  []string      `yaml:"trusted_proxies,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WorkerConfig holds task execution settings.
type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// defaultDataDir returns the persistent data directory under $HOME/.tldr/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".tldr", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Slack: SlackConfig{
			APIURL:  "https://slack.com/api/",
			Timeout: 30 * time.Second,
		},
		OpenAI: OpenAIConfig{
			BaseURL:          "https://api.openai.com",
			Model:            "gpt-5-mini",
			ConnTimeout:      30 * time.Second,
			RespTimeout:      810 * time.Second,
			MaxContextTokens: 400_000,
			MaxOutputTokens:  100_000,
			TokenBuffer:      250,
			MinOutputTokens:  500,
			Encoding:         "o200k_base",
		},
		Streaming: StreamingConfig{
			MaxChunkChars:      2000,
			MinAppendInterval:  750 * time.Millisecond,
			TextLimit:          12_000,
			MaxAttempts:        5,
			BodyRateLimitDelay: time.Second,
			DefaultRetryAfter:  time.Second,
			CleanupTimeout:     30 * time.Second,
			FeedbackControls:   true,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    10 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:     true,
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Interval:    60 * time.Second,
		},
		Ledger: LedgerConfig{
			Enabled:       true,
			Path:          filepath.Join(defaultDataDir(), "ledger.db"),
			Retention:     7 * 24 * time.Hour,
			PruneSchedule: "@hourly",
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8088",
			RateLimit:       5,
			RateBurst:       10,
			ShutdownTimeout: 30 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency: 8,
			TaskTimeout: 15 * time.Minute,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "tldr",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("TLDR_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps TLDR_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TLDR_SLACK_BOT_TOKEN"); v != "" {
		cfg.Slack.BotToken = v
	}
	if v := os.Getenv("TLDR_SLACK_API_URL"); v != "" {
		cfg.Slack.APIURL = v
	}
	if v := os.Getenv("TLDR_OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("TLDR_OPENAI_ORG_ID"); v != "" {
		cfg.OpenAI.OrgID = v
	}
	if v := os.Getenv("TLDR_OPENAI_MODEL"); v != "" {
		cfg.OpenAI.Model = v
	}
	if v := os.Getenv("TLDR_OPENAI_BASE_URL"); v != "" {
		cfg.OpenAI.BaseURL = v
	}
	if v := os.Getenv("TLDR_STREAM_MAX_CHUNK_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Streaming.MaxChunkChars = n
		}
	}
	if v := os.Getenv("TLDR_STREAM_MIN_APPEND_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Streaming.MinAppendInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("TLDR_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TLDR_API_TOKEN"); v != "" {
		cfg.Server.APIToken = v
	}
	if v := os.Getenv("TLDR_SERVER_TRUSTED_PROXIES"); v != "" {
		cfg.Server.TrustedProxies = splitAndTrim(v, ",")
	}
	if v := os.Getenv("TLDR_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("TLDR_LEDGER_PATH"); v != "" {
		cfg.Ledger.Path = v
	}
	if v := os.Getenv("TLDR_LEDGER_ENABLED"); v != "" {
		cfg.Ledger.Enabled = v == "true"
	}
	if v := os.Getenv("TLDR_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("TLDR_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("TLDR_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("TLDR_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values in credential fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	fields := []struct {
		name string
		ptr  *string
	}{
		{"slack.bot_token", &cfg.Slack.BotToken},
		{"openai.api_key", &cfg.OpenAI.APIKey},
		{"server.api_token", &cfg.Server.APIToken},
	}
	for _, f := range fields {
		if !strings.HasPrefix(*f.ptr, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*f.ptr, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.ptr = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
