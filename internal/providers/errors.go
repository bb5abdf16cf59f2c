package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrCircuitOpen is returned without touching the provider while its
	// breaker is open. The chain moves on to the next provider.
	ErrCircuitOpen = errors.New("provider circuit open")

	// ErrAllSourcesFailed is returned when every provider in a kind's
	// chain has been exhausted.
	ErrAllSourcesFailed = errors.New("all providers failed")

	// ErrUnknownKind is returned for a kind with no registered chain.
	ErrUnknownKind = errors.New("unknown resource kind")
)

// ProviderError carries the provider identity and retryability class of a
// failed call so the retry loop and the chain can route it.
type ProviderError struct {
	Provider  string
	Status    int // HTTP status when applicable, 0 otherwise
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewHTTPError classifies an HTTP status per the failure taxonomy:
// 429 and 5xx are retryable, every other 4xx is not.
func NewHTTPError(provider string, status int, err error) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Status:    status,
		Retryable: status == 429 || status >= 500,
		Err:       err,
	}
}

// NewTransportError classifies a transport-level failure. Timeouts and
// connection resets are retryable.
func NewTransportError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Retryable: isTransientTransport(err), Err: err}
}

// NewMalformedError marks an unparseable payload; the provider is lying
// about its content type or schema, retrying will not help.
func NewMalformedError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Retryable: false, Err: fmt.Errorf("malformed payload: %w", err)}
}

// NewAuthError marks credential rejection, non-retryable.
func NewAuthError(provider string, status int) *ProviderError {
	return &ProviderError{Provider: provider, Status: status, Retryable: false, Err: errors.New("authentication rejected")}
}

// NewValidationError marks a payload that parsed but failed the kind's
// validation predicate, non-retryable.
func NewValidationError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Retryable: false, Err: fmt.Errorf("validation failed: %w", err)}
}

// NewRateLimitError marks a call rejected by the local token bucket before
// reaching the wire. Retryable: the bucket refills.
func NewRateLimitError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Retryable: true, Err: fmt.Errorf("local rate limit: %w", err)}
}

// IsRetryable reports whether the retry loop may attempt the call again.
func IsRetryable(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return isTransientTransport(err)
}

func isTransientTransport(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"timeout",
		"connection refused",
		"connection reset",
		"broken pipe",
		"network is unreachable",
		"no such host",
		"temporary failure",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
