package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Absolute per-call text ceiling of the chat surface.
const platformTextLimit = 12_000

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
// Credentials are not required here; see RequireCredentials.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateSlack(cfg, ve)
	validateOpenAI(cfg, ve)
	validateStreaming(cfg, ve)
	validateRetry(cfg, ve)
	validateLedger(cfg, ve)
	validateServer(cfg, ve)
	validateWorker(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

// RequireCredentials checks the secrets needed to talk to Slack and OpenAI.
func RequireCredentials(cfg *Config) error {
	ve := &ValidationError{}
	if cfg.Slack.BotToken == "" {
		ve.Add("slack.bot_token is required (or TLDR_SLACK_BOT_TOKEN)")
	} else if !strings.HasPrefix(cfg.Slack.BotToken, "xoxb-") {
		ve.Add("slack.bot_token must be a bot token (xoxb-...)")
	}
	if cfg.OpenAI.APIKey == "" {
		ve.Add("openai.api_key is required (or TLDR_OPENAI_API_KEY)")
	}
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateSlack(cfg *Config, ve *ValidationError) {
	validateURL("slack.api_url", cfg.Slack.APIURL, ve)
	if cfg.Slack.APIURL != "" && !strings.HasSuffix(cfg.Slack.APIURL, "/") {
		ve.Add("slack.api_url must end with '/'")
	}
	if cfg.Slack.Timeout <= 0 {
		ve.Add("slack.timeout must be > 0")
	}
}

func validateOpenAI(cfg *Config, ve *ValidationError) {
	o := cfg.OpenAI
	validateURL("openai.base_url", o.BaseURL, ve)
	if o.Model == "" {
		ve.Add("openai.model must not be empty")
	}
	if o.MaxContextTokens <= 0 {
		ve.Add("openai.max_context_tokens must be > 0")
	}
	if o.MaxOutputTokens <= 0 {
		ve.Add("openai.max_output_tokens must be > 0")
	}
	if o.TokenBuffer < 0 {
		ve.Add("openai.token_buffer must be >= 0")
	}
	if o.MinOutputTokens <= 0 {
		ve.Add("openai.min_output_tokens must be > 0")
	} else if o.MinOutputTokens > o.MaxOutputTokens {
		ve.Add("openai.min_output_tokens (%d) must not exceed max_output_tokens (%d)", o.MinOutputTokens, o.MaxOutputTokens)
	}
	if o.ConnTimeout < 0 || o.RespTimeout < 0 {
		ve.Add("openai timeouts must be >= 0")
	}
}

func validateStreaming(cfg *Config, ve *ValidationError) {
	s := cfg.Streaming
	if s.TextLimit <= 0 || s.TextLimit > platformTextLimit {
		ve.Add("streaming.text_limit must be in 1..%d, got %d", platformTextLimit, s.TextLimit)
	}
	if s.MaxChunkChars <= 0 {
		ve.Add("streaming.max_chunk_chars must be > 0")
	} else if s.TextLimit > 0 && s.MaxChunkChars > s.TextLimit {
		ve.Add("streaming.max_chunk_chars (%d) must not exceed text_limit (%d)", s.MaxChunkChars, s.TextLimit)
	}
	if s.MinAppendInterval < 0 {
		ve.Add("streaming.min_append_interval must be >= 0")
	}
	if s.MaxAttempts <= 0 {
		ve.Add("streaming.max_attempts must be > 0")
	}
	if s.BodyRateLimitDelay <= 0 {
		ve.Add("streaming.body_rate_limit_delay must be > 0")
	}
	if s.DefaultRetryAfter <= 0 {
		ve.Add("streaming.default_retry_after must be > 0")
	}
	if s.CleanupTimeout <= 0 {
		ve.Add("streaming.cleanup_timeout must be > 0")
	}
}

func validateRetry(cfg *Config, ve *ValidationError) {
	if cfg.Retry.MaxAttempts <= 0 {
		ve.Add("retry.max_attempts must be > 0")
	}
	if cfg.Retry.BaseDelay <= 0 {
		ve.Add("retry.base_delay must be > 0")
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		ve.Add("retry.max_delay must be >= base_delay")
	}
}

func validateLedger(cfg *Config, ve *ValidationError) {
	if !cfg.Ledger.Enabled {
		return
	}
	if cfg.Ledger.Path == "" {
		ve.Add("ledger.path must not be empty when the ledger is enabled")
	}
	if cfg.Ledger.Retention <= 0 {
		ve.Add("ledger.retention must be > 0")
	}
	if cfg.Ledger.PruneSchedule == "" {
		ve.Add("ledger.prune_schedule must not be empty")
	}
}

func validateServer(cfg *Config, ve *ValidationError) {
	if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is invalid: %v", cfg.Server.Addr, err)
	}
	if cfg.Server.RateLimit < 0 {
		ve.Add("server.rate_limit must be >= 0")
	}
	if cfg.Server.RateLimit > 0 && cfg.Server.RateBurst <= 0 {
		ve.Add("server.rate_burst must be > 0 when rate_limit is set")
	}
	for _, p := range cfg.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			ve.Add("server.trusted_proxies entry %q is not an IP or CIDR", p)
		}
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		ve.Add("server.shutdown_timeout must be > 0")
	}
}

func validateWorker(cfg *Config, ve *ValidationError) {
	if cfg.Worker.Concurrency <= 0 {
		ve.Add("worker.concurrency must be > 0")
	}
	if cfg.Worker.TaskTimeout < time.Second {
		ve.Add("worker.task_timeout must be >= 1s")
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json":
	default:
		ve.Add("logger.format %q is invalid (text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is invalid (stdout, noop)", cfg.Tracer.Exporter)
	}
}

func validateURL(field, raw string, ve *ValidationError) {
	if raw == "" {
		ve.Add("%s must not be empty", field)
		return
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		ve.Add("%s %q must be an absolute http(s) URL", field, raw)
	}
}
