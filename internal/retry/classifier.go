package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"strings"
	"syscall"
)

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

var rateLimitKeywords = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"quota exceeded",
	"throttl",
}

var authKeywords = []string{
	"unauthorized",
	"authentication",
	"invalid api key",
	"invalid_api_key",
	"bad credentials",
	"forbidden",
	"permission denied",
}

var retryableKeywords = []string{
	"connection reset",
	"connection refused",
	"connection",
	"timeout",
	"timed out",
	"network",
	"temporary",
	"temporarily unavailable",
	"service unavailable",
	"unavailable",
	"internal server error",
	"bad gateway",
	"gateway timeout",
}

var (
	rateLimitCode = regexp.MustCompile(`\b429\b`)
	authCode      = regexp.MustCompile(`\b(401|403)\b`)
	serverCode    = regexp.MustCompile(`\b(500|502|503|504)\b`)
)

// Classify maps err to a Classification. Unrecognized errors are Fatal so
// that unknown failure modes fail fast instead of burning retries.
func Classify(err error) Classification {
	if err == nil {
		return Fatal
	}
	if c, ok := classOf(err); ok {
		return c
	}
	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if c, ok := ClassifyStatus(sc.StatusCode()); ok {
			return c
		}
	}

	if isTransientNetError(err) {
		return Retryable
	}

	if c, ok := ClassifyMessage(err.Error()); ok {
		return c
	}
	return Fatal
}

// ClassifyStatus maps an HTTP status code. ok is false for codes that carry
// no retry signal (2xx/3xx).
func ClassifyStatus(code int) (Classification, bool) {
	switch {
	case code == 429:
		return RateLimited, true
	case code == 408:
		return Retryable, true
	case code >= 500 && code <= 599:
		return Retryable, true
	case code >= 400 && code <= 499:
		return Fatal, true
	default:
		return 0, false
	}
}

func isTransientNetError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	// Lookup failures, including "no such host", are retried.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// ClassifyMessage matches keywords in an error text. ok is false when no
// keyword matched. Rate limits are checked first so "403 secondary rate
// limit" is not treated as an auth failure.
func ClassifyMessage(msg string) (Classification, bool) {
	m := strings.ToLower(msg)
	if containsAny(m, rateLimitKeywords) || rateLimitCode.MatchString(m) {
		return RateLimited, true
	}
	if containsAny(m, authKeywords) || authCode.MatchString(m) {
		return Fatal, true
	}
	if containsAny(m, retryableKeywords) || serverCode.MatchString(m) {
		return Retryable, true
	}
	return Fatal, false
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
