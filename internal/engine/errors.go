// Package engine runs the conversation turn loop: retry-wrapped adapter
// calls, token-aware context reduction, tool-call validation and execution.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/chamsddine/relay/internal/llm"
)

// ErrorClass is the canonical taxonomy for failed provider calls. It decides
// the retry path: backoff, context reduction, guidance injection, or recovery.
type ErrorClass string

const (
	ClassRetryable       ErrorClass = "retryable"
	ClassRateLimit       ErrorClass = "rate_limit"
	ClassTokenLimit      ErrorClass = "token_limit"
	ClassInvalidToolCall ErrorClass = "invalid_tool_call"
	ClassAuth            ErrorClass = "auth"
	ClassFatal           ErrorClass = "fatal"
)

// Retryable reports whether the class is eligible for another attempt.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassRetryable, ClassRateLimit, ClassInvalidToolCall:
		return true
	}
	return false
}

// ClassifiedError is the classifier's verdict on one provider failure.
type ClassifiedError struct {
	Class ErrorClass
	// UserMessage is safe to surface: known provider phrases are collapsed
	// to stable strings, unknown ones truncated.
	UserMessage string
	// RetryAfter is the provider's wait hint, zero when absent.
	RetryAfter time.Duration
	Err        error
}

// retryableStatuses are transient by contract; 529 is Anthropic's overloaded.
var retryableStatuses = map[int]bool{
	429: true, 500: true, 502: true, 503: true, 504: true, 529: true,
}

var tokenLimitPhrases = []string{
	"token",
	"context length",
	"context_length",
	"reduce the length",
	"too long",
	"maximum context",
}

var invalidToolPhrases = []string{
	"function",
	"tool",
	"failed to call",
}

var authPhrases = []string{
	"api key",
	"api_key",
	"invalid_api_key",
	"authentication",
}

// collapsedMessages maps known provider phrases to stable user-facing text.
// Matched case-insensitively against the unwrapped error message.
var collapsedMessages = []struct {
	needle  string
	message string
}{
	{"credit balance is too low", "The provider account has run out of credits."},
	{"insufficient_quota", "The provider quota is exhausted."},
	{"exceeded your current quota", "The provider quota is exhausted."},
	{"billing", "There is a billing problem with the provider account."},
	{"overloaded", "The provider is overloaded right now. Please try again in a moment."},
	{"rate limit", "The provider is rate limiting requests. Please try again shortly."},
	{"too many requests", "The provider is rate limiting requests. Please try again shortly."},
}

// Classify maps a provider error to its class, user-safe message, and wait
// hint. Adapters wrap failures as *llm.ProviderError so classification works
// from status and body; transport errors without a status fall back to
// message matching.
func Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{Class: ClassFatal, UserMessage: "unknown error"}
	}

	var provErr *llm.ProviderError
	if errors.As(err, &provErr) {
		return classifyProvider(provErr, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassifiedError{
			Class:       ClassRetryable,
			UserMessage: "The provider took too long to respond.",
			Err:         err,
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassifiedError{
			Class:       ClassRetryable,
			UserMessage: "A network error interrupted the provider call.",
			Err:         err,
		}
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, []string{"connection reset", "connection refused", "no such host", "timeout", "broken pipe", "eof"}) {
		return ClassifiedError{
			Class:       ClassRetryable,
			UserMessage: "A network error interrupted the provider call.",
			Err:         err,
		}
	}
	if containsAny(msg, []string{"rate limit", "too many requests"}) {
		return ClassifiedError{Class: ClassRateLimit, UserMessage: collapseMessage(err.Error()), Err: err}
	}
	if strings.Contains(msg, "overloaded") {
		return ClassifiedError{Class: ClassRetryable, UserMessage: collapseMessage(err.Error()), Err: err}
	}
	return ClassifiedError{Class: ClassFatal, UserMessage: collapseMessage(err.Error()), Err: err}
}

func classifyProvider(provErr *llm.ProviderError, err error) ClassifiedError {
	message := unwrapErrorMessage(provErr.Body)
	if message == "" && provErr.Err != nil {
		message = provErr.Err.Error()
	}
	lower := strings.ToLower(message)

	cls := ClassifiedError{
		UserMessage: collapseMessage(message),
		RetryAfter:  parseRetryAfter(provErr.RetryAfter),
		Err:         err,
	}

	switch {
	case provErr.StatusCode == 429:
		cls.Class = ClassRateLimit
	case retryableStatuses[provErr.StatusCode]:
		cls.Class = ClassRetryable
	case provErr.StatusCode == 400 && containsAny(lower, tokenLimitPhrases):
		cls.Class = ClassTokenLimit
	case provErr.StatusCode == 400 && containsAny(lower, invalidToolPhrases):
		cls.Class = ClassInvalidToolCall
	case (provErr.StatusCode == 401 || provErr.StatusCode == 403) && containsAny(lower, authPhrases):
		cls.Class = ClassAuth
		cls.UserMessage = "The provider rejected the configured API key."
	case provErr.StatusCode == 0:
		// Transport failure surfaced through the adapter without a status.
		cls.Class = ClassRetryable
		if cls.UserMessage == "" {
			cls.UserMessage = "A network error interrupted the provider call."
		}
	default:
		cls.Class = ClassFatal
	}
	return cls
}

// unwrapErrorMessage digs the human-readable message out of a provider error
// body. Bodies nest ({"error":{"message":...}}) and one provider double
// encodes, putting a JSON document inside the message string; unwrap up to
// four levels before giving up.
func unwrapErrorMessage(body string) string {
	s := strings.TrimSpace(body)
	for depth := 0; depth < 4; depth++ {
		if !strings.HasPrefix(s, "{") {
			return s
		}
		var envelope struct {
			Error   json.RawMessage `json:"error"`
			Message string          `json:"message"`
		}
		if json.Unmarshal([]byte(s), &envelope) != nil {
			return s
		}
		if len(envelope.Error) > 0 && string(envelope.Error) != "null" {
			var inner struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(envelope.Error, &inner) == nil && inner.Message != "" {
				s = strings.TrimSpace(inner.Message)
				continue
			}
			var str string
			if json.Unmarshal(envelope.Error, &str) == nil && str != "" {
				s = strings.TrimSpace(str)
				continue
			}
		}
		if envelope.Message != "" {
			s = strings.TrimSpace(envelope.Message)
			continue
		}
		return s
	}
	return s
}

const maxUserMessageLen = 200

func collapseMessage(message string) string {
	lower := strings.ToLower(message)
	for _, c := range collapsedMessages {
		if strings.Contains(lower, c.needle) {
			return c.message
		}
	}
	if len(message) > maxUserMessageLen {
		return message[:maxUserMessageLen]
	}
	return message
}

// parseRetryAfter accepts both Retry-After forms: delay seconds and HTTP-date.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
