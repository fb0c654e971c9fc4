package domain

import (
	"errors"
	"fmt"
	"time"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrLimitReached = fmt.Errorf("limit reached")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Sentinel errors for the domain layer.
var (
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrDecryption = fmt.Errorf("decryption failed")
	ErrEncryption = fmt.Errorf("encryption operation failed")
	ErrAuthInvalid = fmt.Errorf("authentication failed")

	// Chat surface errors.
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
	ErrChatAPI      = fmt.Errorf("chat api error")
	ErrNotStreaming = fmt.Errorf("message not in streaming state")
	ErrTransport    = fmt.Errorf("transport failure")

	// Upstream (LLM) errors.
	ErrUpstream       = fmt.Errorf("upstream failure")
	ErrEmptyStream    = fmt.Errorf("stream produced no text")
	ErrPromptTooLarge = fmt.Errorf("prompt too large")
	ErrCircuitOpen    = fmt.Errorf("circuit open")

	// Session errors.
	ErrIllegalTransition = fmt.Errorf("illegal session transition")
	ErrPrefixTooLong     = fmt.Errorf("stream prefix exceeds text limit")

	// Task errors.
	ErrInvalidTask    = fmt.Errorf("invalid task: %w", ErrInvalidInput)
	ErrAlreadyClaimed = fmt.Errorf("task already claimed: %w", ErrDuplicate)
	ErrNoMessages     = fmt.Errorf("no messages to summarize")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Ledger.Claim")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "ledger", "slack")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// RateLimitError is returned when a chat surface call keeps being rate limited
// after the configured number of attempts.
type RateLimitError struct {
	Method     string
	Channel    string
	Attempts   int
	RetryAfter time.Duration // last server-requested delay
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited after %d attempts (channel=%s)", e.Method, e.Attempts, e.Channel)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimit }

// APIError is a logical (ok=false) error reported by the chat surface.
type APIError struct {
	Method  string
	Code    string
	Channel string
	Handle  string
}

func (e *APIError) Error() string {
	if e.Handle != "" {
		return fmt.Sprintf("%s: %s (channel=%s handle=%s)", e.Method, e.Code, e.Channel, e.Handle)
	}
	return fmt.Sprintf("%s: %s (channel=%s)", e.Method, e.Code, e.Channel)
}

func (e *APIError) Unwrap() error { return ErrChatAPI }

// NotStreamingError reports that a live message no longer accepts appends.
type NotStreamingError struct {
	Method  string
	Channel string
	Handle  string
}

func (e *NotStreamingError) Error() string {
	return fmt.Sprintf("%s: message not in streaming state (channel=%s handle=%s)", e.Method, e.Channel, e.Handle)
}

func (e *NotStreamingError) Unwrap() error { return ErrNotStreaming }

// TransportError is a network-level failure talking to the chat surface.
type TransportError struct {
	Method   string
	Channel  string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure after %d attempts (channel=%s): %v", e.Method, e.Attempts, e.Channel, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// UpstreamKind classifies terminal LLM stream failures.
type UpstreamKind string

const (
	UpstreamFailed     UpstreamKind = "failed"    // response.failed event
	UpstreamErrorEvent UpstreamKind = "error"     // error event
	UpstreamTruncated  UpstreamKind = "truncated" // stream ended before completion
	UpstreamHTTP       UpstreamKind = "http"      // non-2xx response
	UpstreamDecode     UpstreamKind = "decode"    // invalid UTF-8 or read failure
)

// UpstreamError is a terminal failure of the LLM stream.
type UpstreamError struct {
	Kind   UpstreamKind
	Status int // HTTP status, when Kind is UpstreamHTTP
	Reason string
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s (status %d): %s", e.Kind, e.Status, e.Reason)
	}
	return fmt.Sprintf("upstream %s: %s", e.Kind, e.Reason)
}

func (e *UpstreamError) Unwrap() error { return ErrUpstream }

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTransport)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeDuplicate         ErrorCode = "DUPLICATE"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeLimitReached      ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeEncryption        ErrorCode = "ENCRYPTION"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeChatAPI           ErrorCode = "CHAT_API"
	CodeNotStreaming      ErrorCode = "NOT_STREAMING"
	CodeTransport         ErrorCode = "TRANSPORT"
	CodeUpstream          ErrorCode = "UPSTREAM"
	CodeEmptyStream       ErrorCode = "EMPTY_STREAM"
	CodePromptTooLarge    ErrorCode = "PROMPT_TOO_LARGE"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeIllegalTransition ErrorCode = "ILLEGAL_TRANSITION"
	CodePrefixTooLong     ErrorCode = "PREFIX_TOO_LONG"
	CodeInvalidTask       ErrorCode = "INVALID_TASK"
	CodeAlreadyClaimed    ErrorCode = "ALREADY_CLAIMED"
	CodeNoMessages        ErrorCode = "NO_MESSAGES"
)

// errorCodes maps sentinel errors to their machine-parseable codes. Order
// matters: an error wrapping several sentinels takes the first match.
var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrPromptTooLarge, CodePromptTooLarge},
	{ErrRateLimit, CodeRateLimit},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrNotStreaming, CodeNotStreaming},
	{ErrCircuitOpen, CodeCircuitOpen},
	{ErrEmptyStream, CodeEmptyStream},
	{ErrUpstream, CodeUpstream},
	{ErrChatAPI, CodeChatAPI},
	{ErrTransport, CodeTransport},
	{ErrIllegalTransition, CodeIllegalTransition},
	{ErrPrefixTooLong, CodePrefixTooLong},
	{ErrInvalidTask, CodeInvalidTask},
	{ErrAlreadyClaimed, CodeAlreadyClaimed},
	{ErrNoMessages, CodeNoMessages},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrDecryption, CodeDecryption},
	{ErrEncryption, CodeEncryption},
}

// categoryCodeMap is consulted after errorCodes so that specific sentinels
// wrapping a category (ErrInvalidTask wraps ErrInvalidInput) win.
var categoryCodeMap = []struct {
	err  error
	code ErrorCode
}{
	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
	{ErrTimeout, CodeTimeout},
	{ErrLimitReached, CodeLimitReached},
	{ErrInvalidInput, CodeInvalidInput},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	for _, c := range categoryCodeMap {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
