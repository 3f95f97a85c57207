package bling

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// maxErrorBody bounds how much of a remote response body is kept in errors.
const maxErrorBody = 600

// ConfigurationError is returned when required credentials or settings are
// missing. It is never retried.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.Setting == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Setting, e.Reason)
}

// AuthExchangeError is returned when the token endpoint rejects a refresh, or
// when the API still answers 401 after a successful refresh.
type AuthExchangeError struct {
	StatusCode int
	Body       string
}

func (e *AuthExchangeError) Error() string {
	return fmt.Sprintf("authorization failed (status %d): %s", e.StatusCode, e.Body)
}

// RemoteAPIError is any non-success, non-401 answer from the API.
type RemoteAPIError struct {
	StatusCode int
	Body       string
	URL        string
}

func (e *RemoteAPIError) Error() string {
	return fmt.Sprintf("remote API returned %d for %s: %s", e.StatusCode, e.URL, e.Body)
}

// TransientNetworkError wraps connection, DNS and timeout failures.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// TruncateBody cuts s to at most maxErrorBody bytes without splitting a
// UTF-8 sequence.
func TruncateBody(s string) string {
	if len(s) <= maxErrorBody {
		return s
	}
	i := maxErrorBody
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}

// IsRetryable returns true if the error is likely to succeed on a later run.
// Nothing retries inside a run; this only informs callers such as the daemon.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr *TransientNetworkError
	if errors.As(err, &netErr) {
		return true
	}

	// 429 and 5xx are the server asking us to come back later
	var apiErr *RemoteAPIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	return false
}

// IsFatal returns true if the error cannot resolve itself without the
// operator changing configuration or re-authorizing.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return true
	}

	var authErr *AuthExchangeError
	return errors.As(err, &authErr)
}

// IsUserActionRequired returns true if the operator has to run the
// authorization flow again.
func IsUserActionRequired(err error) bool {
	var authErr *AuthExchangeError
	return errors.As(err, &authErr)
}
