package embedding

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyText is a validation error: blank input is never sent to a provider.
	ErrEmptyText = errors.New("embedding: text is empty")
	// ErrUnavailable matches any *UnavailableError.
	ErrUnavailable = errors.New("embedding: service unavailable")
	// ErrMissingCredential is wrapped by factories whose credential is absent.
	ErrMissingCredential = errors.New("embedding: missing credential")
	// ErrUnknownProvider is a configuration error for provider names with no factory.
	ErrUnknownProvider = errors.New("embedding: unknown provider")
)

// UnavailableError is returned when no primary provider could be initialized.
type UnavailableError struct {
	Reason string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("embedding service unavailable: %s", e.Reason)
}

// Is lets errors.Is(err, ErrUnavailable) succeed.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// ProviderError carries the primary provider's last error after every
// configured provider has exhausted its retries.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider %s failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
