package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/drosthq/drost/pkg/protocol"
)

// HTTPError is a non-2xx provider response. Status drives failure
// classification; RetryAfter, when the provider sent one, stretches the
// retry backoff.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// ParseRetryAfter reads a Retry-After header value, either delta-seconds or
// an HTTP date. Zero when absent or unparsable.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// FailureClass groups provider failures by how the failover machine reacts.
type FailureClass string

const (
	ClassTransport   FailureClass = "transport"
	ClassTimeout     FailureClass = "timeout"
	ClassRateLimited FailureClass = "rate_limited"
	ClassServer      FailureClass = "server"
	ClassAuth        FailureClass = "auth"
	ClassValidation  FailureClass = "validation"
	ClassCancelled   FailureClass = "cancelled"
)

// Retryable reports whether this class gets same-provider retries and a
// fallback walk. Auth and validation failures fail the turn immediately;
// cancellation just stops.
func (c FailureClass) Retryable() bool {
	switch c {
	case ClassTransport, ClassTimeout, ClassRateLimited, ClassServer:
		return true
	default:
		return false
	}
}

// Classify maps a provider error onto a failure class. HTTP statuses: 401
// and 403 are auth, 408/425/429 retryable, every other 4xx terminal
// validation, 5xx retryable server failures.
func Classify(err error) FailureClass {
	if err == nil {
		return ClassValidation
	}

	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == http.StatusUnauthorized || httpErr.Status == http.StatusForbidden:
			return ClassAuth
		case httpErr.Status == http.StatusTooManyRequests:
			return ClassRateLimited
		case httpErr.Status == http.StatusRequestTimeout || httpErr.Status == http.StatusTooEarly:
			return ClassTimeout
		case httpErr.Status >= 500:
			return ClassServer
		default:
			return ClassValidation
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassTransport
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ClassTransport
	}

	switch protocol.CodeOf(err) {
	case protocol.CodeProviderAuth:
		return ClassAuth
	case protocol.CodeProviderTimeout:
		return ClassTimeout
	case protocol.CodeProviderTransport:
		return ClassTransport
	case protocol.CodeCancelled:
		return ClassCancelled
	}

	return ClassValidation
}

// ErrorCode maps a provider failure onto the wire code carried by
// provider.error events. Coded errors keep their own code; raw HTTP and
// transport failures map through their class.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var coded *protocol.Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	switch Classify(err) {
	case ClassAuth:
		return protocol.CodeProviderAuth
	case ClassTimeout:
		return protocol.CodeProviderTimeout
	case ClassCancelled:
		return protocol.CodeCancelled
	case ClassValidation:
		return protocol.CodeInvalidRequest
	default:
		return protocol.CodeProviderTransport
	}
}
